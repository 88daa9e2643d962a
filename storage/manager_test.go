package storage_test

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/storage"
)

func tempManager(t *testing.T, capacity uint64) (*storage.Manager, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "meshstore-storage-test")
	require.NoError(t, err)

	hub := &events.Hub{}
	adapter := storage.NewFileAdapter(nil, hub, filepath.Join(dir, "items.json"), capacity)
	shards := storage.NewFileShardStore(nil, filepath.Join(dir, "shards"))
	mgr := storage.NewManager(nil, adapter, shards, hub)

	return mgr, func() {
		mgr.Close()
		os.RemoveAll(dir)
	}
}

func testHash(t *testing.T) ids.NodeID {
	t.Helper()
	id, err := ids.NodeIDFromHex("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)
	return id
}

func TestCreateThenLoadRoundTrip(t *testing.T) {
	mgr, done := tempManager(t, 0)
	defer done()
	hash := testHash(t)

	item, err := mgr.Create(hash)
	require.NoError(t, err)
	require.True(t, item.Shard.Writable())

	loaded, err := mgr.Load(hash)
	require.NoError(t, err)
	require.Equal(t, hash, loaded.Hash)
	require.NotNil(t, loaded.Contracts)
}

func TestSavePersistsContractsAcrossLoad(t *testing.T) {
	mgr, done := tempManager(t, 0)
	defer done()
	hash := testHash(t)

	item, err := mgr.Create(hash)
	require.NoError(t, err)

	farmer := ids.NodeID{0x01}
	item.Contracts[farmer] = contract.Contract{Version: contract.V1, DataHash: hash, DataSize: 2048}
	require.NoError(t, mgr.Save(item))

	loaded, err := mgr.Load(hash)
	require.NoError(t, err)
	require.Contains(t, loaded.Contracts, farmer)
	require.Equal(t, uint64(2048), loaded.Contracts[farmer].DataSize)
}

func TestShardBecomesPresentAfterWrite(t *testing.T) {
	mgr, done := tempManager(t, 0)
	defer done()
	hash := testHash(t)

	item, err := mgr.Create(hash)
	require.NoError(t, err)
	require.True(t, item.Shard.Writable())

	_, err = item.Shard.Writer.Write([]byte("shard payload"))
	require.NoError(t, err)
	require.NoError(t, item.Shard.Writer.Close())

	reloaded, err := mgr.Load(hash)
	require.NoError(t, err)
	require.False(t, reloaded.Shard.Writable())

	rc, err := reloaded.Shard.Open()
	require.NoError(t, err)
	defer rc.Close()
	data, err := ioutil.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "shard payload", string(data))
}

func TestDeleteRemovesMetadataAndShard(t *testing.T) {
	mgr, done := tempManager(t, 0)
	defer done()
	hash := testHash(t)

	_, err := mgr.Create(hash)
	require.NoError(t, err)
	require.True(t, mgr.Exists(hash))

	require.NoError(t, mgr.Delete(hash))
	require.False(t, mgr.Exists(hash))
}

func TestCapacityCrossingEmitsLockedThenUnlocked(t *testing.T) {
	mgr, done := tempManager(t, 1000)
	defer done()
	hash := testHash(t)

	sub := mgr.Subscribe()

	item, err := mgr.Create(hash)
	require.NoError(t, err)
	farmer := ids.NodeID{0x02}
	item.Contracts[farmer] = contract.Contract{Version: contract.V1, DataHash: hash, DataSize: 2000}
	require.NoError(t, mgr.Save(item))

	evt, err := sub.Next()
	require.NoError(t, err)
	require.Equal(t, "adapter_locked", evt.Kind())

	require.NoError(t, mgr.Delete(hash))

	evt, err = sub.Next()
	require.NoError(t, err)
	require.Equal(t, "adapter_unlocked", evt.Kind())
}
