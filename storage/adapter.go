package storage

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/meshstore/core/audit"
	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
)

// ItemRecord is the serializable slice of a StorageItem: everything
// except the shard handle, whose bytes are a ShardStore's concern.
type ItemRecord struct {
	Contracts  map[ids.NodeID]contract.Contract `json:"contracts"`
	Trees      map[ids.NodeID]audit.MerkleRoot  `json:"trees"`
	Challenges map[ids.NodeID][]audit.Challenge `json:"challenges"`
}

func emptyRecord() ItemRecord {
	return ItemRecord{
		Contracts:  make(map[ids.NodeID]contract.Contract),
		Trees:      make(map[ids.NodeID]audit.MerkleRoot),
		Challenges: make(map[ids.NodeID][]audit.Challenge),
	}
}

// Adapter is the StorageAdapter collaborator: a keyed store for item
// metadata plus capacity-pressure events. The real production adapter
// (e.g. a block-oriented on-disk or object-store backend) is an
// external collaborator; this package supplies the default
// file-backed implementation the rest of the module runs against.
type Adapter interface {
	Get(hash ids.NodeID) (ItemRecord, error)
	Put(hash ids.NodeID, rec ItemRecord) error
	Size() (uint64, error)
	Keys() ([]ids.NodeID, error)
	Del(hash ids.NodeID) error
}

// Locked fires when the adapter judges itself out of capacity.
type Locked struct{}

func (Locked) Kind() string { return "adapter_locked" }

// Unlocked fires when capacity becomes available again after a Locked.
type Unlocked struct{}

func (Unlocked) Kind() string { return "adapter_unlocked" }

// AdapterError fires when a persistence operation fails outside the
// caller's own return path, mirroring the pattern of logging a
// warning and carrying on (offer_manager.go's loadFromDisk).
type AdapterError struct {
	Op  string
	Err error
}

func (AdapterError) Kind() string { return "adapter_error" }

// onDiskRecord is the JSON-document shape FileAdapter persists: a map of
// hex-encoded hash to ItemRecord. Mirrors the single-document-per-node
// approach in offer_manager.go (there, a flat []entities.Contract;
// here, a map so Get/Del are O(1) without a full rewrite-scan).
type onDiskRecord struct {
	Items map[string]ItemRecord `json:"items"`
}

// FileAdapter is the default Adapter: one JSON document per node,
// holding every ItemRecord keyed by hex hash. Grounded on the
// loadFromDisk/writeToDisk/storeContract idiom in
// node/offer_manager.go, generalized from a flat contract slice to a
// per-hash record map and from a hardcoded path to a configurable
// directory, and given an explicit capacity ceiling so it can emit the
// locked/unlocked events requires of a StorageAdapter.
type FileAdapter struct {
	logger   *zap.Logger
	path     string
	capacity uint64 // soft ceiling in bytes; 0 means unbounded

	mu     sync.RWMutex
	items  map[string]ItemRecord
	sizeOf func(ItemRecord) uint64 // injected for tests; defaults to recordSize

	hub    *events.Hub
	locked bool
}

// NewFileAdapter loads path if it exists (logging and starting empty on
// any read/parse failure, exactly as loadFromDisk does) and returns a
// ready Adapter. capacity of 0 disables the locked/unlocked events.
func NewFileAdapter(logger *zap.Logger, hub *events.Hub, path string, capacity uint64) *FileAdapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &FileAdapter{
		logger:   logger,
		path:     path,
		capacity: capacity,
		items:    make(map[string]ItemRecord),
		sizeOf:   recordSize,
		hub:      hub,
	}
	a.loadFromDisk()
	return a
}

func (a *FileAdapter) loadFromDisk() {
	a.logger.Info("loading storage items from disk", zap.String("path", a.path))

	raw, err := ioutil.ReadFile(a.path)
	if err != nil {
		if !os.IsNotExist(err) {
			a.logger.Warn("failed reading storage items from disk", zap.Error(err))
		}
		return
	}

	var doc onDiskRecord
	if err := json.Unmarshal(raw, &doc); err != nil {
		a.logger.Warn("failed unmarshalling storage items from disk", zap.Error(err))
		return
	}

	a.logger.Info("successfully loaded storage items from disk", zap.Int("count", len(doc.Items)))
	a.items = doc.Items
	if a.items == nil {
		a.items = make(map[string]ItemRecord)
	}
}

func (a *FileAdapter) writeToDisk(locked bool) error {
	if !locked {
		a.mu.Lock()
		defer a.mu.Unlock()
	}

	doc := onDiskRecord{Items: a.items}
	raw, err := json.MarshalIndent(&doc, "", " ")
	if err != nil {
		return errors.Wrap(err, "marshalling storage items")
	}

	if dir := filepath.Dir(a.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "creating storage directory")
		}
	}
	if err := ioutil.WriteFile(a.path, raw, 0644); err != nil {
		return errors.Wrap(err, "writing storage items to disk")
	}
	a.logger.Debug("storage items written to disk", zap.String("path", a.path))
	return nil
}

func (a *FileAdapter) Get(hash ids.NodeID) (ItemRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	rec, ok := a.items[hash.Hex()]
	if !ok {
		return ItemRecord{}, errors.Errorf("no storage item for hash %s", hash.Hex())
	}
	return rec, nil
}

func (a *FileAdapter) Put(hash ids.NodeID, rec ItemRecord) error {
	a.mu.Lock()
	a.items[hash.Hex()] = rec
	err := a.writeToDisk(true)
	size := a.totalSizeLocked()
	a.mu.Unlock()

	if err != nil {
		a.emitError("put", err)
		return err
	}
	a.checkCapacity(size)
	return nil
}

func (a *FileAdapter) Size() (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.totalSizeLocked(), nil
}

func (a *FileAdapter) Keys() ([]ids.NodeID, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	keys := make([]ids.NodeID, 0, len(a.items))
	for hex := range a.items {
		id, err := ids.NodeIDFromHex(hex)
		if err != nil {
			continue
		}
		keys = append(keys, id)
	}
	return keys, nil
}

func (a *FileAdapter) Del(hash ids.NodeID) error {
	a.mu.Lock()
	delete(a.items, hash.Hex())
	err := a.writeToDisk(true)
	size := a.totalSizeLocked()
	a.mu.Unlock()

	if err != nil {
		a.emitError("del", err)
		return err
	}
	a.checkCapacity(size)
	return nil
}

func (a *FileAdapter) totalSizeLocked() uint64 {
	var total uint64
	for _, rec := range a.items {
		total += a.sizeOf(rec)
	}
	return total
}

// checkCapacity emits Locked/Unlocked transitions when current usage
// crosses the configured ceiling. A capacity of 0 disables the check.
func (a *FileAdapter) checkCapacity(currentSize uint64) {
	if a.capacity == 0 || a.hub == nil {
		return
	}

	a.mu.Lock()
	wasLocked := a.locked
	nowLocked := currentSize >= a.capacity
	a.locked = nowLocked
	a.mu.Unlock()

	if nowLocked && !wasLocked {
		a.hub.Publish(Locked{})
	} else if !nowLocked && wasLocked {
		a.hub.Publish(Unlocked{})
	}
}

func (a *FileAdapter) emitError(op string, err error) {
	a.logger.Warn("storage adapter operation failed", zap.String("op", op), zap.Error(err))
	if a.hub != nil {
		a.hub.Publish(AdapterError{Op: op, Err: err})
	}
}

// recordSize estimates the on-disk footprint of an ItemRecord's
// contracts by their declared data size, since the shard bytes
// themselves are a ShardStore concern, not this adapter's.
func recordSize(rec ItemRecord) uint64 {
	var total uint64
	for _, c := range rec.Contracts {
		if c.DataSize > total {
			total = c.DataSize
		}
	}
	return total
}
