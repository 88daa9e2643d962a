package node

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	libp2phost "github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/transport"
)

// protocolID is the libp2p stream protocol ProtocolHandlers' nine methods
// are dispatched over (the corresponding connector.go protocolID, renamed).
const protocolID = "/meshstore/rpc/1.0.0"

// streamTimeout bounds how long a single request/response round-trip may
// take before the stream is abandoned.
const streamTimeout = 30 * time.Second

// envelope is the on-wire JSON-RPC-like frame.
type envelope struct {
	Method string          `json:"method"`
	Body   json.RawMessage `json:"body,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func toTransportContact(c Contact) transport.Contact {
	return transport.Contact{NodeID: c.NodeID, Address: c.Address, Port: c.Port, Protocol: c.Protocol}
}

func fromTransportContact(c transport.Contact) Contact {
	return Contact{NodeID: c.NodeID, Address: c.Address, Port: c.Port, Protocol: c.Protocol}
}

// libp2pTransport implements transport.Transport over the node's libp2p
// host (grounded on the corresponding connector.go Send/reader, generalized from a
// two-message protobuf protocol to the nine-method JSON envelope).
type libp2pTransport struct {
	logger *zap.Logger
	node   *Node
}

func newLibp2pTransport(logger *zap.Logger, n *Node) *libp2pTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &libp2pTransport{logger: logger, node: n}
}

func (t *libp2pTransport) Send(ctx context.Context, contact transport.Contact, method string, msg, reply interface{}) error {
	addrInfo, err := addrInfoFromContact(contact)
	if err != nil {
		return errors.Wrap(err, "resolving contact address")
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	defer cancel()

	if err := t.node.host.Connect(ctx, *addrInfo); err != nil {
		return errors.Wrap(err, "connecting to peer")
	}
	s, err := t.node.host.NewStream(ctx, addrInfo.ID, protocolID)
	if err != nil {
		return errors.Wrap(err, "opening rpc stream")
	}
	defer s.Close()

	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshalling request body")
	}
	if err := writeEnvelope(s, envelope{Method: method, Body: body}); err != nil {
		return errors.Wrap(err, "writing request")
	}

	resp, err := readEnvelope(s)
	if err != nil {
		return errors.Wrap(err, "reading response")
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if reply != nil && len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, reply); err != nil {
			return errors.Wrap(err, "unmarshalling response body")
		}
	}
	return nil
}

// RequiresTraversal reports whether this host believes itself unreachable
// from the public internet. libp2p's NAT manager tracks this from observed
// addresses; a host with no public address yet is conservatively assumed
// to be behind a NAT.
func (t *libp2pTransport) RequiresTraversal() bool {
	if t.node.host == nil {
		return true
	}
	for _, addr := range t.node.host.Addrs() {
		if isPublicMultiaddr(addr) {
			return false
		}
	}
	return true
}

// CreatePortMapping asks the local NAT gateway (via NAT-PMP) to forward
// port to this host ( OPEN_TUNNEL, grounded in
// filecoin-project-lotus's go.mod use of jackpal/go-nat-pmp). jackpal's
// client takes the gateway's address directly rather than discovering it
// (unlike the UPnP-capable go-nat wrapper some of the pack's other repos
// use instead); guessGatewayIP's ".1 of the local subnet" heuristic covers
// the common home/office router case without a dependency this module
// doesn't otherwise need.
func (t *libp2pTransport) CreatePortMapping(ctx context.Context, port uint16) error {
	gatewayIP, err := guessGatewayIP(t.node.host)
	if err != nil {
		return errors.Wrap(err, "determining NAT-PMP gateway address")
	}
	client := natpmp.NewClient(gatewayIP)
	if _, err := client.AddPortMapping("tcp", int(port), int(port), 3600); err != nil {
		return errors.Wrap(err, "requesting NAT-PMP port mapping")
	}
	return nil
}

func (t *libp2pTransport) Self() transport.Contact {
	return toTransportContact(t.node.self)
}

func guessGatewayIP(host libp2phost.Host) (net.IP, error) {
	for _, addr := range host.Addrs() {
		v4, err := addr.ValueForProtocol(multiaddr.P_IP4)
		if err != nil {
			continue
		}
		ip := net.ParseIP(v4).To4()
		if ip == nil || ip.IsLoopback() {
			continue
		}
		gw := make(net.IP, len(ip))
		copy(gw, ip)
		gw[3] = 1
		return gw, nil
	}
	return nil, errors.New("no local IPv4 address to derive a gateway from")
}

func addrInfoFromContact(contact transport.Contact) (*peer.AddrInfo, error) {
	ma, err := multiaddr.NewMultiaddr(contact.Address)
	if err != nil {
		return nil, errors.Wrap(err, "parsing contact multiaddr")
	}
	return peer.AddrInfoFromP2pAddr(ma)
}

func isPublicMultiaddr(addr multiaddr.Multiaddr) bool {
	// A loopback or private (RFC1918/ULA) address never counts as public;
	// anything else is treated as a publicly reachable candidate.
	s := addr.String()
	privatePrefixes := []string{"/ip4/127.", "/ip4/10.", "/ip4/192.168.", "/ip6/::1"}
	for _, p := range privatePrefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return false
		}
	}
	return true
}

func writeEnvelope(s network.Stream, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = s.Write(data)
	return err
}

func readEnvelope(s network.Stream) (envelope, error) {
	var env envelope
	reader := bufio.NewReader(s)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(line, &env); err != nil {
		return env, err
	}
	return env, nil
}
