// Package transport declares the narrow interfaces the protocol core
// consumes from external collaborators: the DHT transport, the routing
// table, and the data-channel client/server. No implementation lives
// here — node wires concrete (libp2p-backed) adapters that satisfy
// these interfaces.
package transport

import (
	"context"

	"github.com/meshstore/core/ids"
)

// Contact identifies a peer the transport can reach.
type Contact struct {
	NodeID   ids.NodeID `json:"node_id"`
	Address  string     `json:"address"`
	Port     uint16     `json:"port"`
	Protocol string     `json:"protocol"`
}

// Transport sends protocol messages to a Contact and reports NAT posture.
type Transport interface {
	// Send marshals msg, delivers it to contact, and unmarshals the
	// response into reply. Method names the on-wire RPC (e.g. "OFFER").
	Send(ctx context.Context, contact Contact, method string, msg, reply interface{}) error
	// RequiresTraversal reports whether this host is believed to sit
	// behind a NAT and needs a port mapping to accept inbound
	// connections.
	RequiresTraversal() bool
	// CreatePortMapping asks the host's NAT gateway to forward port to
	// this node, for the duration the tunnel gateway is alive.
	CreatePortMapping(ctx context.Context, port uint16) error
	// Self is this node's own contact information.
	Self() Contact
}

// RoutingTable resolves node ids to contacts, consulting a local table
// before falling back to an iterative DHT lookup.
type RoutingTable interface {
	// GetContact returns a locally known contact, or ok=false if none.
	GetContact(id ids.NodeID) (Contact, bool)
	// FindNode performs an iterative DHT lookup for id.
	FindNode(ctx context.Context, id ids.NodeID) ([]Contact, error)
	// Nearest returns up to k contacts nearest to id, excluding any
	// whose NodeID appears in exclude.
	Nearest(id ids.NodeID, k int, exclude map[ids.NodeID]struct{}) []Contact
}

// DataChannelServer gates inbound data-channel connections by one-time
// token.
type DataChannelServer interface {
	// Accept registers token as valid for a single inbound connection
	// scoped to dataHash.
	Accept(token string, dataHash ids.NodeID) error
}

// DataChannelClient opens outbound data-channel connections to read a
// shard from a remote farmer, authorized by a token that farmer issued
// (used by MIRROR).
type DataChannelClient interface {
	// OpenReadStream opens a byte stream for dataHash from contact,
	// authorized by token.
	OpenReadStream(ctx context.Context, contact Contact, token string, dataHash ids.NodeID) (ReadStream, error)
}

// ReadStream is an opaque, closable byte source.
type ReadStream interface {
	Read(p []byte) (int, error)
	Close() error
}

// TunnelServer is the local NAT-traversal collaborator consulted by
// FIND_TUNNEL/OPEN_TUNNEL.
type TunnelServer interface {
	// Available reports whether this node can currently act as a
	// tunneler for other peers.
	Available() bool
	// CreateGateway provisions a new tunnel gateway and returns its
	// entrance token and port.
	CreateGateway(ctx context.Context) (Gateway, error)
}

// Gateway describes a provisioned tunnel entrance.
type Gateway struct {
	EntranceToken string
	EntrancePort  uint16
}
