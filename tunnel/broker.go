// Package tunnel implements TunnelBroker, covering both FIND_TUNNEL
// and OPEN_TUNNEL: gossip discovery of peers willing to relay inbound
// connections for NATed nodes, and gateway provisioning for nodes that
// can.
package tunnel

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/transport"
)

// RelayBreadth is the fixed fan-out when a FIND_TUNNEL query must relay
// to neighbors.
const RelayBreadth = 3

// DefaultMaxRelays is MAX_FIND_TUNNEL_RELAYS: the relay depth ceiling
// that prevents FIND_TUNNEL loops.
const DefaultMaxRelays = 4

// DefaultTunnelerCapacity is the bounded tunneler set's capacity K.
const DefaultTunnelerCapacity = 64

// GatewayError tags an OPEN_TUNNEL failure to provision a gateway.
type GatewayError struct{ Err error }

func (e *GatewayError) Error() string { return "gateway-failed: " + e.Err.Error() }
func (e *GatewayError) Unwrap() error { return e.Err }

// MappingError tags an OPEN_TUNNEL failure to create a NAT port mapping.
type MappingError struct{ Err error }

func (e *MappingError) Error() string { return "mapping-failed: " + e.Err.Error() }
func (e *MappingError) Unwrap() error { return e.Err }

// FindTunnelRequest carries the relay accumulator; relayers are tracked
// by node id since that's all the loop-prevention check needs.
type FindTunnelRequest struct {
	Relayers []ids.NodeID `json:"relayers"`
}

// FindTunnelResponse carries the currently known tunnelers.
type FindTunnelResponse struct {
	Tunnels []transport.Contact `json:"tunnels"`
}

// Alias is the externally-reachable address/port a tunnel entrance
// publishes on behalf of a NATed peer.
type Alias struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
}

// OpenTunnelResponse carries the WebSocket tunnel URL and its alias.
type OpenTunnelResponse struct {
	Tunnel string `json:"tunnel"`
	Alias  Alias  `json:"alias"`
}

// Broker is the TunnelBroker: FIND_TUNNEL gossip/relay plus OPEN_TUNNEL
// gateway provisioning.
type Broker struct {
	logger    *zap.Logger
	self      transport.Contact
	tunnels   transport.TunnelServer
	routing   transport.RoutingTable
	xport     transport.Transport
	hub       *events.Hub
	maxRelays int

	tunnelers *lru.Cache // node-id-hex -> transport.Contact
}

// NewBroker constructs a Broker with DefaultMaxRelays and
// DefaultTunnelerCapacity.
func NewBroker(logger *zap.Logger, self transport.Contact, tunnels transport.TunnelServer, routing transport.RoutingTable, xport transport.Transport, hub *events.Hub) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	cache, err := lru.New(DefaultTunnelerCapacity)
	if err != nil {
		panic(err)
	}
	return &Broker{
		logger:    logger,
		self:      self,
		tunnels:   tunnels,
		routing:   routing,
		xport:     xport,
		hub:       hub,
		maxRelays: DefaultMaxRelays,
		tunnelers: cache,
	}
}

func (b *Broker) remember(c transport.Contact) {
	if c.NodeID == b.self.NodeID {
		return
	}
	b.tunnelers.Add(c.NodeID.Hex(), c)
}

// snapshot returns the currently known tunnelers, prepending self if
// the local tunnel server reports availability ( FIND_TUNNEL
// "prepend self-contact to the known tunneler list").
func (b *Broker) snapshot() []transport.Contact {
	var out []transport.Contact
	if b.tunnels.Available() {
		out = append(out, b.self)
	}
	for _, key := range b.tunnelers.Keys() {
		v, ok := b.tunnelers.Peek(key)
		if !ok {
			continue
		}
		out = append(out, v.(transport.Contact))
	}
	return out
}

// HandleFindTunnel implements the FIND_TUNNEL handler.
func (b *Broker) HandleFindTunnel(ctx context.Context, contact transport.Contact, req FindTunnelRequest) (FindTunnelResponse, error) {
	if known := b.snapshot(); len(known) > 0 {
		return FindTunnelResponse{Tunnels: known}, nil
	}

	if len(req.Relayers) >= b.maxRelays {
		return FindTunnelResponse{Tunnels: b.snapshot()}, nil
	}

	excluded := make(map[ids.NodeID]struct{}, len(req.Relayers)+1)
	for _, r := range req.Relayers {
		excluded[r] = struct{}{}
	}
	excluded[b.self.NodeID] = struct{}{}

	augmented := append(append([]ids.NodeID{}, req.Relayers...), b.self.NodeID)
	neighbors := b.routing.Nearest(contact.NodeID, RelayBreadth, excluded)

	for _, neighbor := range neighbors {
		var resp FindTunnelResponse
		err := b.xport.Send(ctx, neighbor, "FIND_TUNNEL", FindTunnelRequest{Relayers: augmented}, &resp)
		if err != nil {
			b.logger.Warn("find_tunnel relay failed",
				zap.String("neighbor", neighbor.NodeID.Hex()), zap.Error(err))
			continue
		}
		if len(resp.Tunnels) > 0 {
			for _, t := range resp.Tunnels {
				b.remember(t)
			}
			break
		}
	}

	return FindTunnelResponse{Tunnels: b.snapshot()}, nil
}

// HandleOpenTunnel implements the OPEN_TUNNEL handler.
func (b *Broker) HandleOpenTunnel(ctx context.Context, contact transport.Contact) (OpenTunnelResponse, error) {
	gateway, err := b.tunnels.CreateGateway(ctx)
	if err != nil {
		return OpenTunnelResponse{}, &GatewayError{Err: err}
	}

	if b.xport.RequiresTraversal() {
		if err := b.xport.CreatePortMapping(ctx, gateway.EntrancePort); err != nil {
			return OpenTunnelResponse{}, &MappingError{Err: err}
		}
	}

	resp := OpenTunnelResponse{
		Tunnel: fmt.Sprintf("ws://%s:%d/tun?token=%s", b.self.Address, gateway.EntrancePort, gateway.EntranceToken),
		Alias:  Alias{Address: b.self.Address, Port: gateway.EntrancePort},
	}

	if b.hub != nil {
		b.hub.Publish(events.TunnelAvailable{Contact: b.self})
	}
	return resp, nil
}

// RememberExternal lets a caller (e.g. a PROBE success handler electing
// a responsive peer as a tunneler candidate) seed the bounded set
// directly, without a FIND_TUNNEL round trip.
func (b *Broker) RememberExternal(c transport.Contact) {
	b.remember(c)
}
