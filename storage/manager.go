package storage

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
)

// expirySweepInterval is how often Manager checks for items whose
// contracts have all expired, grounded on the contractTrimmer goroutine
// in node/offer_manager.go, which ticks every 23 seconds; kept here as
// a named constant rather than a magic literal.
const expirySweepInterval = 5 * time.Minute

// Manager is the StorageManager façade: the single point through
// which protocol handlers load, mutate and save
// StorageItems, backed by an Adapter (metadata) and a ShardStore (shard
// bytes). Grounded on node/offer_manager.go's OfferManager: same
// load-on-construct, periodic-trimmer, RWMutex-guarded shape, adapted
// from a single flat contract list to a hash-keyed item store.
type Manager struct {
	logger  *zap.Logger
	adapter Adapter
	shards  ShardStore
	hub     *events.Hub

	stopSweep chan struct{}
}

// NewManager constructs a Manager and starts its background expiry
// sweep. Callers should call Close when done to stop the sweep goroutine.
func NewManager(logger *zap.Logger, adapter Adapter, shards ShardStore, hub *events.Hub) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		logger:    logger,
		adapter:   adapter,
		shards:    shards,
		hub:       hub,
		stopSweep: make(chan struct{}),
	}
	go m.expiryTrimmer()
	return m
}

// Load assembles a full StorageItem for hash: its persisted metadata
// plus a fresh shard handle from the shard store.
func (m *Manager) Load(hash ids.NodeID) (StorageItem, error) {
	rec, err := m.adapter.Get(hash)
	if err != nil {
		return StorageItem{}, err
	}

	handle, err := m.shards.Open(hash)
	if err != nil {
		return StorageItem{}, errors.Wrap(err, "opening shard handle")
	}

	return StorageItem{
		Hash:       hash,
		Shard:      handle,
		Contracts:  rec.Contracts,
		Trees:      rec.Trees,
		Challenges: rec.Challenges,
	}, nil
}

// Exists reports whether hash has a persisted record, without touching
// the shard store.
func (m *Manager) Exists(hash ids.NodeID) bool {
	_, err := m.adapter.Get(hash)
	return err == nil
}

// Create starts a brand-new item for hash with a writable shard handle,
// the state an item is always created in on an accepted OFFER.
func (m *Manager) Create(hash ids.NodeID) (StorageItem, error) {
	handle, err := m.shards.Open(hash)
	if err != nil {
		return StorageItem{}, errors.Wrap(err, "opening shard handle")
	}
	item := NewStorageItem(hash, handle)
	if err := m.Save(item); err != nil {
		return StorageItem{}, err
	}
	return item, nil
}

// Save persists item's metadata (contracts, trees, challenge history).
// The shard's bytes move independently, written directly through the
// ShardHandle obtained from Load/Create.
func (m *Manager) Save(item StorageItem) error {
	rec := ItemRecord{
		Contracts:  item.Contracts,
		Trees:      item.Trees,
		Challenges: item.Challenges,
	}
	return m.adapter.Put(item.Hash, rec)
}

// Size reports total metadata footprint tracked by the adapter.
func (m *Manager) Size() (uint64, error) {
	return m.adapter.Size()
}

// Delete removes both the item's metadata and its shard bytes.
func (m *Manager) Delete(hash ids.NodeID) error {
	if err := m.shards.Delete(hash); err != nil {
		m.logger.Warn("failed deleting shard bytes", zap.String("hash", hash.Hex()), zap.Error(err))
	}
	return m.adapter.Del(hash)
}

// Subscribe returns a subscription to adapter locked/unlocked/error
// events, for the negotiator's has_free_space gate.
func (m *Manager) Subscribe() events.Subscriber {
	return m.hub.Subscribe()
}

// Close stops the background expiry sweep.
func (m *Manager) Close() {
	close(m.stopSweep)
}

// expiryTrimmer periodically deletes items whose contracts have all
// passed their store_end, mirroring the contractTrimmer goroutine in
// node/offer_manager.go.
func (m *Manager) expiryTrimmer() {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	keys, err := m.adapter.Keys()
	if err != nil {
		m.logger.Warn("failed listing storage items during expiry sweep", zap.Error(err))
		return
	}

	now := time.Now().UnixNano() / int64(time.Millisecond)
	for _, hash := range keys {
		rec, err := m.adapter.Get(hash)
		if err != nil {
			continue
		}
		item := StorageItem{Hash: hash, Contracts: rec.Contracts}
		if item.Expired(now) {
			m.logger.Info("trimming expired storage item", zap.String("hash", hash.Hex()))
			if err := m.Delete(hash); err != nil {
				m.logger.Warn("failed trimming expired storage item", zap.String("hash", hash.Hex()), zap.Error(err))
			}
		}
	}
}
