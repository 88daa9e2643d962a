package node

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/pkg/errors"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
)

const (
	contractPublicationTopic = "/meshstore/contract_publication"
	capacityPublicationTopic = "/meshstore/capacity_publication"
	lookupTopic              = "/meshstore/lookup"
	lookupReplyTopic         = "/meshstore/lookup_reply"

	capacityAdvertInterval = 5 * time.Minute
)

// gossipState holds the joined topic handles and the in-flight
// broadcastLookup reply channels, keyed by request id.
type gossipState struct {
	contractTopic    *pubsub.Topic
	capacityTopic    *pubsub.Topic
	lookupTopic      *pubsub.Topic
	lookupReplyTopic *pubsub.Topic

	mu            sync.Mutex
	lookupReplies map[string]chan Contact
}

// gossipEnvelope is the on-wire shape for every topic this node
// publishes to: always the sender's own contact, plus one payload field,
// except lookup replies, which carry both Found and the echoed Lookup
// request id (the corresponding omni_manager.go OmniMessageOut/In,
// generalized from a single disk-capacity message to three payload
// kinds across four topics).
type gossipEnvelope struct {
	Contact  Contact            `json:"contact"`
	Contract *contract.Contract `json:"contract,omitempty"`
	Capacity *uint64            `json:"capacity,omitempty"`
	Lookup   *lookupRequest     `json:"lookup,omitempty"`
	Found    *Contact           `json:"found,omitempty"`
}

type lookupRequest struct {
	RequestID string     `json:"request_id"`
	Target    ids.NodeID `json:"target"`
}

// joinGossip subscribes to this node's gossip topics and starts the
// handler loops, mirroring the corresponding omni_manager.go JoinOmnidisk.
func (n *Node) joinGossip(ctx context.Context) error {
	contractTopic, err := n.ps.Join(contractPublicationTopic)
	if err != nil {
		return errors.Wrap(err, "joining contract publication topic")
	}
	capacityTopic, err := n.ps.Join(capacityPublicationTopic)
	if err != nil {
		return errors.Wrap(err, "joining capacity publication topic")
	}
	lookupT, err := n.ps.Join(lookupTopic)
	if err != nil {
		return errors.Wrap(err, "joining lookup topic")
	}
	lookupReplyT, err := n.ps.Join(lookupReplyTopic)
	if err != nil {
		return errors.Wrap(err, "joining lookup reply topic")
	}

	contractSub, err := contractTopic.Subscribe()
	if err != nil {
		return errors.Wrap(err, "subscribing to contract publication topic")
	}
	capacitySub, err := capacityTopic.Subscribe()
	if err != nil {
		return errors.Wrap(err, "subscribing to capacity publication topic")
	}
	lookupSub, err := lookupT.Subscribe()
	if err != nil {
		return errors.Wrap(err, "subscribing to lookup topic")
	}
	lookupReplySub, err := lookupReplyT.Subscribe()
	if err != nil {
		return errors.Wrap(err, "subscribing to lookup reply topic")
	}

	n.gossip = &gossipState{
		contractTopic:    contractTopic,
		capacityTopic:    capacityTopic,
		lookupTopic:      lookupT,
		lookupReplyTopic: lookupReplyT,
		lookupReplies:    make(map[string]chan Contact),
	}

	go n.consumeContractPublications(ctx, contractSub)
	go n.consumeCapacityPublications(ctx, capacitySub)
	go n.consumeLookups(ctx, lookupSub)
	go n.consumeLookupReplies(ctx, lookupReplySub)

	return nil
}

func (n *Node) consumeContractPublications(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var env gossipEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Contract == nil {
			continue
		}
		n.registerContact(env.Contact)
		n.hub.Publish(events.ContractPublication{Contact: toTransportContact(env.Contact), Contract: *env.Contract})
		n.neg.OnContractPublication(ctx, toTransportContact(env.Contact), *env.Contract)
	}
}

func (n *Node) consumeCapacityPublications(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var env gossipEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Capacity == nil {
			continue
		}
		n.registerContact(env.Contact)
		n.hub.Publish(events.CapacityPublication{Contact: toTransportContact(env.Contact), Capacity: *env.Capacity})
	}
}

// consumeLookups answers FIND_NODE-style broadcast lookups for peers
// this node's contact directory happens to know about (the "ask the
// swarm" fallback routing.go documents).
func (n *Node) consumeLookups(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var env gossipEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Lookup == nil {
			continue
		}
		n.registerContact(env.Contact)

		n.mu.RLock()
		found, ok := n.contacts[env.Lookup.Target]
		n.mu.RUnlock()
		if !ok {
			continue
		}

		reply := gossipEnvelope{Contact: n.self, Found: &found, Lookup: &lookupRequest{RequestID: env.Lookup.RequestID}}
		data, err := json.Marshal(reply)
		if err != nil {
			continue
		}
		_ = n.gossip.lookupReplyTopic.Publish(ctx, data)
	}
}

func (n *Node) consumeLookupReplies(ctx context.Context, sub *pubsub.Subscription) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		var env gossipEnvelope
		if err := json.Unmarshal(msg.Data, &env); err != nil || env.Found == nil || env.Lookup == nil {
			continue
		}
		n.registerContact(*env.Found)

		n.gossip.mu.Lock()
		ch, ok := n.gossip.lookupReplies[env.Lookup.RequestID]
		n.gossip.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case ch <- *env.Found:
		default:
		}
	}
}

// broadcastLookup publishes a lookup request on the lookup topic and
// waits for the first matching reply, or until ctx is done.
func (n *Node) broadcastLookup(ctx context.Context, target ids.NodeID) (*Contact, error) {
	if n.gossip == nil {
		return nil, errors.New("gossip not joined")
	}

	requestID, err := randomToken()
	if err != nil {
		return nil, err
	}

	reply := make(chan Contact, 1)
	n.gossip.mu.Lock()
	n.gossip.lookupReplies[requestID] = reply
	n.gossip.mu.Unlock()
	defer func() {
		n.gossip.mu.Lock()
		delete(n.gossip.lookupReplies, requestID)
		n.gossip.mu.Unlock()
	}()

	req := gossipEnvelope{Contact: n.self, Lookup: &lookupRequest{RequestID: requestID, Target: target}}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := n.gossip.lookupTopic.Publish(ctx, data); err != nil {
		return nil, errors.Wrap(err, "publishing lookup request")
	}

	select {
	case c := <-reply:
		return &c, nil
	case <-ctx.Done():
		return nil, nil
	}
}

// advertiseCapacity periodically publishes this node's StorageManager.Size
// (the size of its stored item metadata, not its remaining free capacity)
// ( supplement; the corresponding advertiseContracts
// ticker pattern applied to capacity instead of contracts).
func (n *Node) advertiseCapacity(ctx context.Context) {
	ticker := time.NewTicker(capacityAdvertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size, err := n.manager.Size()
			if err != nil {
				continue
			}
			env := gossipEnvelope{Contact: n.self, Capacity: &size}
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			_ = n.gossip.capacityTopic.Publish(ctx, data)
		}
	}
}
