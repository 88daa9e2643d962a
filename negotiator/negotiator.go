// Package negotiator implements FarmerNegotiator: the outbound
// farmer-side pipeline that reacts to a renter's published contract by
// admitting it, signing the farmer half, persisting a skeleton
// StorageItem, and sending OFFER.
package negotiator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/transport"
)

// Predicate is the admission callback; it reports whether this farmer is
// willing to extend an OFFER for the given contract.
type Predicate func(contract.Contract) bool

// AcceptAll is the default predicate: admit every syntactically valid
// contract, deferring all further gating to capacity/concurrency.
func AcceptAll(contract.Contract) bool { return true }

// Sender is the narrow slice of protocol.Handlers the negotiator drives:
// sending OFFER over the wire to a resolved renter contact. Modeled as an
// interface (rather than depending on *protocol.Handlers directly) so
// tests can substitute a fake without wiring a full Handlers instance.
type Sender interface {
	SendOffer(ctx context.Context, to transport.Contact, c contract.Contract) (protocol.OfferResponse, error)
}

// Negotiator is FarmerNegotiator.
type Negotiator struct {
	logger *zap.Logger

	keys    keys.KeyPair
	manager *storage.Manager
	routing transport.RoutingTable
	sender  Sender

	predicate   Predicate
	concurrency uint32

	paymentAddress ids.Address

	mu            sync.Mutex
	hasFreeSpace  bool
	paused        bool
	pendingOffers map[ids.NodeID]contract.Contract // keyed by data_hash
}

// Option configures a Negotiator at construction time.
type Option func(*Negotiator)

// WithPredicate overrides the default accept-all admission predicate.
func WithPredicate(p Predicate) Option {
	return func(n *Negotiator) { n.predicate = p }
}

// WithConcurrency overrides the default outstanding-offer ceiling.
func WithConcurrency(c uint32) Option {
	return func(n *Negotiator) { n.concurrency = c }
}

// WithPaymentAddress overrides the default (own-wallet) payment address.
func WithPaymentAddress(addr ids.Address) Option {
	return func(n *Negotiator) { n.paymentAddress = addr }
}

// defaultConcurrency bounds outstanding offers when the caller doesn't
// specify one ( bounded-concurrency item b, magnitude left to the
// implementation).
const defaultConcurrency = 16

// New constructs a Negotiator. hasFreeSpace starts true; capacity state is
// then driven entirely by StorageManager events via WatchCapacity.
func New(logger *zap.Logger, kp keys.KeyPair, manager *storage.Manager, routing transport.RoutingTable, sender Sender, opts ...Option) *Negotiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	n := &Negotiator{
		logger:         logger,
		keys:           kp,
		manager:        manager,
		routing:        routing,
		sender:         sender,
		predicate:      AcceptAll,
		concurrency:    defaultConcurrency,
		paymentAddress: kp.Address(),
		hasFreeSpace:   true,
		pendingOffers:  make(map[ids.NodeID]contract.Contract),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// PaymentAddress returns the address this negotiator will offer as
// PaymentDestination on contracts it signs.
func (n *Negotiator) PaymentAddress() ids.Address {
	return n.paymentAddress
}

// Outstanding returns the number of offers currently pending response.
func (n *Negotiator) Outstanding() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pendingOffers)
}

// Pause stops this negotiator from sending any new OFFER until Resume is
// called, an operator-facing knob the admin API exposes (the farmer-side
// analogue of the renter deciding not to publish). Offers already
// outstanding are unaffected.
func (n *Negotiator) Pause() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = true
}

// Resume undoes Pause.
func (n *Negotiator) Resume() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paused = false
}

// Paused reports whether this negotiator is currently refusing new offers.
func (n *Negotiator) Paused() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.paused
}

// WatchCapacity subscribes to the StorageManager's event stream and keeps
// has_free_space in sync. It blocks until sub is closed, so callers run
// it in its own goroutine.
func (n *Negotiator) WatchCapacity(sub events.Subscriber) {
	for {
		evt, err := sub.Next()
		if err != nil {
			return
		}
		switch evt.(type) {
		case storage.Unlocked:
			n.mu.Lock()
			n.hasFreeSpace = true
			n.mu.Unlock()
		case storage.Locked:
			n.mu.Lock()
			n.hasFreeSpace = false
			n.mu.Unlock()
		case storage.AdapterError:
			n.logger.Warn("storage adapter reported an error; leaving capacity state unchanged")
		}
	}
}

// OnContractPublication implements the six-step admission/signing/sending
// flow triggered by a `contract_publication` gossip message.
func (n *Negotiator) OnContractPublication(ctx context.Context, renter transport.Contact, c contract.Contract) {
	// Step 1: schema/version validation; drop silently on failure.
	if err := c.Validate(); err != nil {
		n.logger.Debug("dropping malformed contract publication", zap.Error(err))
		return
	}

	// Step 2: _should_send_offer.
	if !n.shouldSendOffer(c) {
		return
	}

	// Step 3: admit with duplicate suppression.
	if !n.admit(c) {
		return
	}

	// Step 4: resolve the renter contact.
	contact, ok := n.resolveRenter(ctx, c.RenterID, renter)
	if !ok {
		n.abandon(c.DataHash, "could not resolve renter contact")
		return
	}

	// Step 5: sign the farmer half and persist a skeleton StorageItem.
	if err := c.SignFarmer(n.keys); err != nil {
		n.logger.Warn("failed signing farmer contract half", zap.Error(err))
		n.abandon(c.DataHash, "sign failure")
		return
	}
	item, err := n.manager.Create(c.DataHash)
	if err != nil {
		n.logger.Warn("failed creating skeleton storage item", zap.Error(err))
		n.abandon(c.DataHash, "save failure")
		return
	}
	item.Contracts[renter.NodeID] = c
	if err := n.manager.Save(item); err != nil {
		n.logger.Warn("failed saving skeleton storage item", zap.Error(err))
		n.abandon(c.DataHash, "save failure")
		return
	}

	// Step 6: send OFFER and process the response.
	n.sendOffer(ctx, contact, c)
}

func (n *Negotiator) shouldSendOffer(c contract.Contract) bool {
	n.mu.Lock()
	hasFreeSpace := n.hasFreeSpace
	paused := n.paused
	outstanding := len(n.pendingOffers)
	n.mu.Unlock()

	if paused {
		return false
	}
	if !hasFreeSpace {
		return false
	}
	if _, err := n.manager.Size(); err != nil {
		n.logger.Warn("storage manager size check failed; treating as no space", zap.Error(err))
		return false
	}
	if uint32(outstanding) >= n.concurrency {
		return false
	}
	if !n.predicate(c) {
		return false
	}
	return true
}

// admit adds c.DataHash to the pending set, refusing a duplicate: the
// at-most-one-concurrent-offer-per-data_hash invariant ( step 3).
func (n *Negotiator) admit(c contract.Contract) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, exists := n.pendingOffers[c.DataHash]; exists {
		return false
	}
	n.pendingOffers[c.DataHash] = c
	return true
}

func (n *Negotiator) abandon(dataHash ids.NodeID, reason string) {
	n.mu.Lock()
	delete(n.pendingOffers, dataHash)
	n.mu.Unlock()
	n.logger.Debug("abandoning negotiation", zap.String("data_hash", dataHash.Hex()), zap.String("reason", reason))
}

// resolveRenter consults the local routing table before falling back to an
// iterative FIND_NODE lookup ( step 4). fallback is used verbatim
// if both the local lookup and the DHT query come up empty but the caller
// (the gossip message itself) already carries a usable contact — the
// "if absent, issue a FIND_NODE" is conservative about a locally
// stale table, not about refusing a contact handed to us directly.
func (n *Negotiator) resolveRenter(ctx context.Context, renterID ids.NodeID, fallback transport.Contact) (transport.Contact, bool) {
	if c, ok := n.routing.GetContact(renterID); ok {
		return c, true
	}
	found, err := n.routing.FindNode(ctx, renterID)
	if err != nil || len(found) == 0 {
		if fallback.NodeID == renterID {
			return fallback, true
		}
		return transport.Contact{}, false
	}
	return found[0], true
}

func (n *Negotiator) sendOffer(ctx context.Context, to transport.Contact, c contract.Contract) {
	resp, err := n.sender.SendOffer(ctx, to, c)
	if err != nil {
		n.logger.Info("offer transport error", zap.Error(err))
		n.abandon(c.DataHash, "transport error")
		return
	}
	if resp.Contract.RenterSignature == nil {
		n.logger.Info("renter refused to sign", zap.String("data_hash", c.DataHash.Hex()))
		n.abandon(c.DataHash, "renter refused to sign")
		return
	}

	returned := resp.Contract
	if err := returned.Validate(); err != nil {
		n.logger.Info("renter returned a malformed contract", zap.Error(err))
		n.abandon(c.DataHash, "malformed response")
		return
	}
	if returned.RenterID != c.RenterID || !returned.VerifyRenterSignature() {
		n.logger.Info("renter returned an invalid signature", zap.String("data_hash", c.DataHash.Hex()))
		n.abandon(c.DataHash, "invalid renter signature")
		return
	}

	// Success: the local StorageItem is already in place from step 5; the
	// farmer now awaits CONSIGN. The pending entry is cleared because the
	// at-most-one-offer invariant only covers the negotiation window, not
	// the lifetime of the resulting StorageItem.
	n.mu.Lock()
	delete(n.pendingOffers, c.DataHash)
	n.mu.Unlock()
}
