// Package pending implements the PendingOfferRegistry: an
// at-most-one-per-data-hash table of in-flight renter-side OFFER
// negotiations, encapsulated behind explicit methods rather than
// exposed as a process-wide mutable map.
package pending

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/transport"
)

// Resolver is invoked exactly once when an Offer resolves: on success
// with (nil, contact, contract), on protocol failure with a non-nil err,
// and on timeout with a non-nil err and the zero Contact/Contract.
type Resolver func(err error, contact transport.Contact, c contract.Contract)

// Offer is the PendingOfferRegistry entry: data hash, resolver,
// blacklist, and creation time.
type Offer struct {
	DataHash  ids.NodeID
	Blacklist map[ids.NodeID]struct{}
	CreatedAt time.Time

	resolver Resolver
}

// IsBlacklisted reports whether node has been excluded from this
// negotiation (a blacklisted farmer id fails OFFER with not-open).
func (o Offer) IsBlacklisted(node ids.NodeID) bool {
	_, blacklisted := o.Blacklist[node]
	return blacklisted
}

// defaultTTL bounds how long an Offer may sit unresolved before the
// registry times it out, so a negotiation that never receives an
// acceptable OFFER doesn't pin the slot forever.
const defaultTTL = 10 * time.Minute

// sweepInterval mirrors the contractTrimmer cadence
// (node/offer_manager.go), generalized to this registry's own notion of
// expiry.
const sweepInterval = 30 * time.Second

// Registry is the PendingOfferRegistry: encapsulated, accessed only
// through Open/Resolve/Cancel/Blacklist, localizing the at-most-one-
// per-data_hash invariant.
type Registry struct {
	logger *zap.Logger
	ttl    time.Duration

	mu     sync.Mutex
	offers map[ids.NodeID]*Offer

	stop chan struct{}
}

// NewRegistry constructs an empty Registry and starts its background
// timeout sweep. Call Close to stop the sweep goroutine.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		logger: logger,
		ttl:    defaultTTL,
		offers: make(map[ids.NodeID]*Offer),
		stop:   make(chan struct{}),
	}
	go r.timeoutSweeper()
	return r
}

// Open registers a new negotiation for dataHash. It fails if one is
// already open, enforcing "duplicate OFFERs for the same hash are
// rejected".
func (r *Registry) Open(dataHash ids.NodeID, resolver Resolver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.offers[dataHash]; exists {
		return errors.Errorf("pending offer already open for data hash %s", dataHash.Hex())
	}

	r.offers[dataHash] = &Offer{
		DataHash:  dataHash,
		Blacklist: make(map[ids.NodeID]struct{}),
		CreatedAt: time.Now(),
		resolver:  resolver,
	}
	return nil
}

// Get returns a snapshot of the open offer for dataHash, or ok=false if
// none is open — the lookup OFFER performs before accepting a
// farmer's response.
func (r *Registry) Get(dataHash ids.NodeID) (Offer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	offer, ok := r.offers[dataHash]
	if !ok {
		return Offer{}, false
	}
	return cloneOffer(offer), true
}

// Resolve atomically removes the pending entry for dataHash (if any) and
// invokes its resolver with the given outcome. Returns false if no entry
// was open, which the OFFER handler has already treated as unhandled_offer
// before reaching this point.
func (r *Registry) Resolve(dataHash ids.NodeID, resolveErr error, contact transport.Contact, c contract.Contract) bool {
	r.mu.Lock()
	offer, ok := r.offers[dataHash]
	if ok {
		delete(r.offers, dataHash)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if offer.resolver != nil {
		offer.resolver(resolveErr, contact, c)
	}
	return true
}

// Cancel removes the pending entry for dataHash without invoking its
// resolver, for callers that already handle their own cleanup.
func (r *Registry) Cancel(dataHash ids.NodeID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.offers[dataHash]; !ok {
		return false
	}
	delete(r.offers, dataHash)
	return true
}

// Blacklist adds node to dataHash's open negotiation, if one exists.
func (r *Registry) Blacklist(dataHash ids.NodeID, node ids.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	offer, ok := r.offers[dataHash]
	if !ok {
		return errors.Errorf("no pending offer open for data hash %s", dataHash.Hex())
	}
	offer.Blacklist[node] = struct{}{}
	return nil
}

// Close stops the background timeout sweep.
func (r *Registry) Close() {
	close(r.stop)
}

func (r *Registry) timeoutSweeper() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepTimedOut()
		}
	}
}

func (r *Registry) sweepTimedOut() {
	deadline := time.Now().Add(-r.ttl)

	var expired []*Offer
	r.mu.Lock()
	for hash, offer := range r.offers {
		if offer.CreatedAt.Before(deadline) {
			expired = append(expired, offer)
			delete(r.offers, hash)
		}
	}
	r.mu.Unlock()

	for _, offer := range expired {
		r.logger.Info("pending offer timed out", zap.String("data_hash", offer.DataHash.Hex()))
		if offer.resolver != nil {
			offer.resolver(errors.New("pending offer timed out"), transport.Contact{}, contract.Contract{})
		}
	}
}

func cloneOffer(o *Offer) Offer {
	blacklist := make(map[ids.NodeID]struct{}, len(o.Blacklist))
	for k, v := range o.Blacklist {
		blacklist[k] = v
	}
	return Offer{
		DataHash:  o.DataHash,
		Blacklist: blacklist,
		CreatedAt: o.CreatedAt,
		resolver:  o.resolver,
	}
}
