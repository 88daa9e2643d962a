// Package storage implements the StorageItem aggregate and the
// StorageManager persistence façade.
package storage

import (
	"io"

	"github.com/meshstore/core/audit"
	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/ids"
)

// ShardState tags whether a shard's bytes are still being awaited
// (Empty) or already on disk (Present), rather than inferring that by
// duck-typing the handle fields.
type ShardState int

const (
	// ShardEmpty means the shard has not yet been received: Writer is
	// the sink a CONSIGN/MIRROR transfer writes into.
	ShardEmpty ShardState = iota
	// ShardPresent means the shard bytes are already stored: Open
	// produces fresh read streams for AUDIT/RETRIEVE/MIRROR.
	ShardPresent
)

// ShardHandle is a tagged variant: exactly one of Writer or Open is
// usable, selected by State.
type ShardHandle struct {
	State ShardState
	// Writer accepts the shard bytes exactly once; Close commits them,
	// making the shard Present. Non-nil iff State == ShardEmpty.
	Writer io.WriteCloser
	// Abort discards whatever has been written so far instead of
	// committing it, for the "destroy the write handle" paths MIRROR's
	// error cases call for. Non-nil iff
	// State == ShardEmpty.
	Abort func() error
	// Open returns a fresh readable stream over the stored shard. It is
	// a factory rather than a single stream because AUDIT, RETRIEVE and
	// MIRROR may each need their own independent read of the same
	// shard. Non-nil iff State == ShardPresent.
	Open func() (io.ReadCloser, error)
}

// Writable reports whether the shard has not yet been stored.
func (h ShardHandle) Writable() bool {
	return h.State == ShardEmpty
}

// maxChallengeHistory bounds StorageItem.Challenges so long-lived shards
// under frequent audit don't grow memory unboundedly.
const maxChallengeHistory = 32

// StorageItem is the aggregate per-shard record: the shard
// handle, the set of farmer-indexed contracts, and per-renter audit-tree
// roots and challenge history.
type StorageItem struct {
	Hash       ids.NodeID
	Shard      ShardHandle
	Contracts  map[ids.NodeID]contract.Contract  // keyed by counterparty id (farmer_id on a renter, renter_id on a farmer)
	Trees      map[ids.NodeID]audit.MerkleRoot   // keyed by renter_id
	Challenges map[ids.NodeID][]audit.Challenge  // keyed by renter_id
}

// NewStorageItem builds an empty item for hash with a writable shard
// handle, the state a new item is always created in on an accepted OFFER.
func NewStorageItem(hash ids.NodeID, shard ShardHandle) StorageItem {
	return StorageItem{
		Hash:       hash,
		Shard:      shard,
		Contracts:  make(map[ids.NodeID]contract.Contract),
		Trees:      make(map[ids.NodeID]audit.MerkleRoot),
		Challenges: make(map[ids.NodeID][]audit.Challenge),
	}
}

// RecordChallenge appends a challenge to renter's history, trimming the
// oldest entries beyond maxChallengeHistory.
func (item *StorageItem) RecordChallenge(renter ids.NodeID, ch audit.Challenge) {
	history := append(item.Challenges[renter], ch)
	if len(history) > maxChallengeHistory {
		history = history[len(history)-maxChallengeHistory:]
	}
	item.Challenges[renter] = history
}

// Expired reports whether every contract on the item has passed its
// store_end — the condition under which the item is destroyed.
func (item *StorageItem) Expired(nowMillis int64) bool {
	if len(item.Contracts) == 0 {
		return false
	}
	for _, c := range item.Contracts {
		if c.StoreEnd > nowMillis {
			return false
		}
	}
	return true
}
