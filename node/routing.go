package node

import (
	"context"
	"sort"
	"time"

	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/transport"
)

// findNodeTimeout bounds how long a FindNode lookup waits for a reply over
// the lookup gossip topic before giving up.
const findNodeTimeout = 5 * time.Second

// registerContact records (or refreshes) a peer's contact info, learned
// passively from inbound traffic — every stream request and gossip
// message carries its sender's own Contact. This is the routing table's
// primary source of entries; lookupTopic below is the fallback for a
// node this table has never heard from directly.
func (n *Node) registerContact(c Contact) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.contacts[c.NodeID] = c
}

// routingTable implements transport.RoutingTable over Node's passively
// learned contact directory plus a DHT-wide lookup broadcast fallback.
//
// The meshstore protocol routes by ids.NodeID (ripemd160 of a secp256k1
// key), while the underlying Kademlia DHT from go-libp2p-kad-dht routes by
// libp2p peer.ID (a multihash of a different key encoding entirely) —
// two distinct keyspaces over the same swarm. Rather than maintaining a
// second, parallel Kademlia routing table keyed by ids.NodeID (the kind of
// thing a systems language would build from scratch per's "model
// each handler... one executor per protocol instance"), FindNode is
// implemented as a lookup request published on a dedicated gossip topic
// and answered by whichever peer's local table already knows the target —
// the same "ask the swarm" shape the OmniManager uses for
// offer/contract discovery, applied to contact resolution instead.
type routingTable struct {
	node *Node
}

func newRoutingTable(n *Node) *routingTable {
	return &routingTable{node: n}
}

func (r *routingTable) GetContact(id ids.NodeID) (transport.Contact, bool) {
	r.node.mu.RLock()
	defer r.node.mu.RUnlock()
	c, ok := r.node.contacts[id]
	if !ok {
		return transport.Contact{}, false
	}
	return toTransportContact(c), true
}

func (r *routingTable) FindNode(ctx context.Context, id ids.NodeID) ([]transport.Contact, error) {
	ctx, cancel := context.WithTimeout(ctx, findNodeTimeout)
	defer cancel()

	found, err := r.node.broadcastLookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, nil
	}
	return []transport.Contact{toTransportContact(*found)}, nil
}

func (r *routingTable) Nearest(id ids.NodeID, k int, exclude map[ids.NodeID]struct{}) []transport.Contact {
	r.node.mu.RLock()
	defer r.node.mu.RUnlock()

	var out []transport.Contact
	for nodeID, c := range r.node.contacts {
		if nodeID == id {
			continue
		}
		if _, excluded := exclude[nodeID]; excluded {
			continue
		}
		out = append(out, toTransportContact(c))
	}
	sort.Slice(out, func(a, b int) bool {
		for i := range id {
			da, db := out[a].NodeID[i]^id[i], out[b].NodeID[i]^id[i]
			if da != db {
				return da < db
			}
		}
		return false
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}
