// Package node is the orchestrator: it boots a libp2p host, a Kademlia DHT
// and a GossipSub router, wires the concrete transport/routing/tunnel
// adapters those provide, and hands them to protocol.Handlers and
// negotiator.Negotiator, which otherwise treat the DHT and transport
// layer as externally provided.
package node

import (
	"context"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	circuit "github.com/libp2p/go-libp2p-circuit"
	p2pcrypto "github.com/libp2p/go-libp2p-core/crypto"
	libp2phost "github.com/libp2p/go-libp2p-core/host"
	"github.com/libp2p/go-libp2p-core/network"
	"github.com/libp2p/go-libp2p-core/peer"
	discovery "github.com/libp2p/go-libp2p-discovery"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/channel"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/negotiator"
	"github.com/meshstore/core/pending"
	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/tunnel"
)

// discoveryNamespace is the rendezvous string peers advertise/search under
// to find the rest of the swarm (the corresponding node.go discoveryNamespace).
const discoveryNamespace = "/meshstore"

// Node is the process-level orchestrator. Its exported surface is
// deliberately small: almost everything it wires is consumed through the
// protocol/negotiator/storage packages, not through Node itself — the
// api package's HTTP admin surface is the thing operators talk to.
type Node struct {
	logger *zap.Logger

	keys keys.KeyPair

	host   libp2phost.Host
	kadDHT *dht.IpfsDHT
	ps     *pubsub.PubSub

	hub *events.Hub

	manager  *storage.Manager
	pending  *pending.Registry
	auth     *channel.Authority
	handlers *protocol.Handlers
	tunnels  *tunnel.Broker
	neg      *negotiator.Negotiator
	gossip   *gossipState

	self Contact

	mu       sync.RWMutex
	contacts map[ids.NodeID]Contact
}

// Contact mirrors transport.Contact's fields as a type alias for an
// anonymous struct declared in this file — see transport.go for the
// actual conversion helpers.
type Contact = struct {
	NodeID   ids.NodeID `json:"node_id"`
	Address  string     `json:"address"`
	Port     uint16     `json:"port"`
	Protocol string     `json:"protocol"`
}

// Config bundles the construction-time parameters Start needs.
type Config struct {
	ListenPort   uint16
	StorageDir   string
	Capacity     uint64
	TunnelerCap  int
	TrustedPeers []multiaddr.Multiaddr
}

// New constructs a Node around kp's identity. The libp2p host identity is
// derived from the same secp256k1 scalar as kp: peer.ID and
// ids.NodeID both hash the same public key, so a Contact's Address (a full
// libp2p multiaddr, /p2p/<peerID> included) and its NodeID are always two
// views of the one identity instead of requiring a separate directory
// mapping between them.
func New(logger *zap.Logger, kp keys.KeyPair) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Node{
		logger:   logger,
		keys:     kp,
		hub:      &events.Hub{},
		contacts: make(map[ids.NodeID]Contact),
	}, nil
}

func (n *Node) libp2pIdentity() (p2pcrypto.PrivKey, error) {
	priv, err := p2pcrypto.UnmarshalSecp256k1PrivateKey(n.keys.Raw())
	if err != nil {
		return nil, errors.Wrap(err, "deriving libp2p identity from node keypair")
	}
	return priv, nil
}

// Start brings up the libp2p host and GossipSub router, and wires the
// protocol core's collaborators against them. It does
// not join the DHT swarm yet; call Bootstrap for that.
func (n *Node) Start(ctx context.Context, cfg Config) error {
	priv, err := n.libp2pIdentity()
	if err != nil {
		return err
	}

	listenAddr := fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", cfg.ListenPort)
	host, err := libp2p.New(ctx,
		libp2p.ListenAddrStrings(listenAddr),
		libp2p.Identity(priv),
		libp2p.EnableNATService(),
		libp2p.EnableRelay(),
		libp2p.NATPortMap(),
		libp2p.EnableRelay(circuit.OptHop),
	)
	if err != nil {
		return errors.Wrap(err, "creating libp2p host")
	}
	n.host = host

	ps, err := pubsub.NewGossipSub(ctx, host, pubsub.WithMessageSignaturePolicy(pubsub.StrictSign))
	if err != nil {
		return errors.Wrap(err, "creating gossipsub router")
	}
	n.ps = ps

	n.self = selfContact(host)
	n.registerContact(n.self)

	adapter := storage.NewFileAdapter(n.logger, n.hub, cfg.StorageDir+"/items.json", cfg.Capacity)
	shards := storage.NewFileShardStore(n.logger, cfg.StorageDir+"/shards")
	n.manager = storage.NewManager(n.logger, adapter, shards, n.hub)
	n.pending = pending.NewRegistry(n.logger)
	n.auth = channel.NewAuthority()

	xport := newLibp2pTransport(n.logger, n)
	dataServer := newDataChannelServer(n.logger, n.manager, n.auth)
	dataClient := newDataChannelClient(n.logger, n)
	tunnelServer := newTunnelGateway(n.logger, cfg.TunnelerCap, cfg.ListenPort)

	routing := newRoutingTable(n)
	n.tunnels = tunnel.NewBroker(n.logger, toTransportContact(n.self), tunnelServer, routing, xport, n.hub)
	n.handlers = protocol.NewHandlers(n.logger, n.keys, n.manager, n.pending, n.auth, n.hub,
		dataServer, dataClient, xport, n.tunnels, nil)
	n.neg = negotiator.New(n.logger, n.keys, n.manager, routing, newOfferSender(toTransportContact(n.self), xport))

	n.host.SetStreamHandler(protocolID, func(s network.Stream) {
		go n.serveStream(s)
	})
	n.host.SetStreamHandler(dataChannelProtocolID, func(s network.Stream) {
		go dataServer.serve(s)
	})

	capSub := n.manager.Subscribe()
	go n.neg.WatchCapacity(capSub)

	return nil
}

// Bootstrap joins the Kademlia DHT, connects to trustedPeers, and starts
// peer discovery plus this node's gossip topics (the corresponding node.go
// Bootstrap, generalized from one topic to contract_publication +
// capacity_publication).
func (n *Node) Bootstrap(ctx context.Context, cfg Config) error {
	var bootstrappers []peer.AddrInfo
	for _, addr := range cfg.TrustedPeers {
		pi, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			return errors.Wrap(err, "parsing trusted peer address")
		}
		bootstrappers = append(bootstrappers, *pi)
	}

	kadDHT, err := dht.New(ctx, n.host,
		dht.BootstrapPeers(bootstrappers...),
		dht.ProtocolPrefix(discoveryNamespace),
		dht.Mode(dht.ModeAutoServer),
	)
	if err != nil {
		return errors.Wrap(err, "creating routing DHT")
	}
	n.kadDHT = kadDHT
	if err := kadDHT.Bootstrap(ctx); err != nil {
		return errors.Wrap(err, "bootstrapping DHT")
	}

	for _, pi := range bootstrappers {
		if err := n.host.Connect(ctx, pi); err != nil {
			n.logger.Warn("failed connecting to trusted peer", zap.String("peer", pi.String()), zap.Error(err))
		}
	}

	rd := discovery.NewRoutingDiscovery(kadDHT)
	discovery.Advertise(ctx, rd, discoveryNamespace)

	if err := n.joinGossip(ctx); err != nil {
		return errors.Wrap(err, "joining gossip topics")
	}
	go n.advertiseCapacity(ctx)

	return nil
}

// Shutdown tears down the host (and with it, every stream/topic it holds).
func (n *Node) Shutdown() error {
	n.pending.Close()
	n.manager.Close()
	if n.host == nil {
		return nil
	}
	return n.host.Close()
}

// Self returns this node's own contact information.
func (n *Node) Self() Contact { return n.self }

// Manager exposes the storage manager for admin-surface queries
// (capacity/size reporting).
func (n *Node) Manager() *storage.Manager { return n.manager }

// Negotiator exposes the farmer negotiator for admin-surface controls
// (pause/resume, outstanding-offer count).
func (n *Node) Negotiator() *negotiator.Negotiator { return n.neg }

// Events returns a fresh subscription onto this node's event stream.
func (n *Node) Events() events.Subscriber { return n.hub.Subscribe() }

func selfContact(host libp2phost.Host) Contact {
	addrs := host.Addrs()
	addr := ""
	if len(addrs) > 0 {
		p2pAddr, _ := multiaddr.NewMultiaddr("/p2p/" + host.ID().Pretty())
		addr = addrs[0].Encapsulate(p2pAddr).String()
	}
	var nodeID ids.NodeID
	if pub, err := host.ID().ExtractPublicKey(); err == nil {
		if raw, err := pub.Raw(); err == nil {
			if derived, err := keys.NodeIDFromPublicKey(raw); err == nil {
				nodeID = derived
			}
		}
	}
	return Contact{NodeID: nodeID, Address: addr, Port: 0, Protocol: "libp2p"}
}
