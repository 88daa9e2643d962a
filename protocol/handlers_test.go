package protocol_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/audit"
	"github.com/meshstore/core/channel"
	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/pending"
	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/transport"
	"github.com/meshstore/core/tunnel"
)

type fakeDataChannelServer struct {
	acceptErr error
}

func (f *fakeDataChannelServer) Accept(token string, dataHash ids.NodeID) error {
	return f.acceptErr
}

type fakeDataChannelClient struct{}

func (f *fakeDataChannelClient) OpenReadStream(ctx context.Context, contact transport.Contact, token string, dataHash ids.NodeID) (transport.ReadStream, error) {
	return nil, nil
}

type fakeTransport struct {
	self transport.Contact
}

func (f *fakeTransport) Send(ctx context.Context, contact transport.Contact, method string, msg, reply interface{}) error {
	return nil
}
func (f *fakeTransport) RequiresTraversal() bool                             { return false }
func (f *fakeTransport) CreatePortMapping(ctx context.Context, port uint16) error { return nil }
func (f *fakeTransport) Self() transport.Contact                             { return f.self }

type fakeTunnelServer struct{}

func (fakeTunnelServer) Available() bool { return false }
func (fakeTunnelServer) CreateGateway(ctx context.Context) (transport.Gateway, error) {
	return transport.Gateway{}, nil
}

type fakeRoutingTable struct{}

func (fakeRoutingTable) GetContact(id ids.NodeID) (transport.Contact, bool) { return transport.Contact{}, false }
func (fakeRoutingTable) FindNode(ctx context.Context, id ids.NodeID) ([]transport.Contact, error) {
	return nil, nil
}
func (fakeRoutingTable) Nearest(id ids.NodeID, k int, exclude map[ids.NodeID]struct{}) []transport.Contact {
	return nil
}

type testEnv struct {
	handlers *protocol.Handlers
	manager  *storage.Manager
	registry *pending.Registry
	hub      *events.Hub
	renter   keys.KeyPair
	dir      string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir, err := ioutil.TempDir("", "meshstore-protocol-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	renter, err := keys.Generate()
	require.NoError(t, err)

	hub := &events.Hub{}
	adapter := storage.NewFileAdapter(nil, hub, filepath.Join(dir, "items.json"), 0)
	shards := storage.NewFileShardStore(nil, filepath.Join(dir, "shards"))
	manager := storage.NewManager(nil, adapter, shards, hub)
	t.Cleanup(manager.Close)

	registry := pending.NewRegistry(nil)
	t.Cleanup(registry.Close)

	auth := channel.NewAuthority()
	self := transport.Contact{NodeID: renter.NodeID(), Address: "127.0.0.1", Port: 9000}
	xport := &fakeTransport{self: self}
	broker := tunnel.NewBroker(nil, self, fakeTunnelServer{}, fakeRoutingTable{}, xport, hub)

	handlers := protocol.NewHandlers(nil, renter, manager, registry, auth, hub,
		&fakeDataChannelServer{}, &fakeDataChannelClient{}, xport, broker, nil)

	return &testEnv{handlers: handlers, manager: manager, registry: registry, hub: hub, renter: renter, dir: dir}
}

func farmerSignedContract(t *testing.T, farmer keys.KeyPair, dataHash ids.NodeID) contract.Contract {
	t.Helper()
	now := time.Now()
	toMillis := func(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }

	c := contract.Contract{
		Version:    contract.V1,
		DataHash:   dataHash,
		DataSize:   1024,
		StoreBegin: toMillis(now),
		StoreEnd:   toMillis(now.Add(24 * time.Hour)),
	}
	require.NoError(t, c.SignFarmer(farmer))
	return c
}

func TestOfferForUnknownHashIsUnhandled(t *testing.T) {
	env := newTestEnv(t)
	farmer, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("1111111111111111111111111111111111111111")
	require.NoError(t, err)

	sub := env.hub.Subscribe()
	c := farmerSignedContract(t, farmer, dataHash)
	farmerContact := transport.Contact{NodeID: farmer.NodeID(), Address: "10.0.0.9", Port: 9001}

	_, err = env.handlers.HandleOffer(context.Background(), protocol.OfferRequest{
		Contact:  farmerContact,
		Contract: c,
	})
	require.Error(t, err)

	var failure *protocol.Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "not-open", failure.Reason)

	evt, err := sub.Next()
	require.NoError(t, err)
	require.Equal(t, "unhandled_offer", evt.Kind())
}

func TestOfferSucceedsWhenPendingIsOpen(t *testing.T) {
	env := newTestEnv(t)
	farmer, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("2222222222222222222222222222222222222222")
	require.NoError(t, err)

	var resolved bool
	done := make(chan struct{})
	require.NoError(t, env.registry.Open(dataHash, func(err error, contact transport.Contact, c contract.Contract) {
		resolved = err == nil
		close(done)
	}))

	c := farmerSignedContract(t, farmer, dataHash)
	farmerContact := transport.Contact{NodeID: farmer.NodeID(), Address: "10.0.0.9", Port: 9001}

	resp, err := env.handlers.HandleOffer(context.Background(), protocol.OfferRequest{
		Contact:  farmerContact,
		Contract: c,
	})
	require.NoError(t, err)
	require.True(t, resp.Contract.IsComplete())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resolver was never invoked")
	}
	require.True(t, resolved)
}

func TestAuditFailsWholeResponseOnFirstError(t *testing.T) {
	env := newTestEnv(t)
	farmer, err := keys.Generate()
	require.NoError(t, err)
	farmerContact := transport.Contact{NodeID: farmer.NodeID()}

	knownHash, err := ids.NodeIDFromHex("3333333333333333333333333333333333333333")
	require.NoError(t, err)
	absentHash, err := ids.NodeIDFromHex("4444444444444444444444444444444444444444")
	require.NoError(t, err)

	item, err := env.manager.Create(knownHash)
	require.NoError(t, err)
	_, err = item.Shard.Writer.Write([]byte("some shard bytes"))
	require.NoError(t, err)
	require.NoError(t, item.Shard.Writer.Close())

	item, err = env.manager.Load(knownHash)
	require.NoError(t, err)
	item.Trees[farmer.NodeID()] = audit.MerkleRoot{}
	require.NoError(t, env.manager.Save(item))

	resp, err := env.handlers.HandleAudit(context.Background(), protocol.AuditRequest{
		Contact: farmerContact,
		Audits: []protocol.AuditEntry{
			{DataHash: knownHash, Challenge: audit.Challenge{LeafIndex: 0}},
			{DataHash: absentHash, Challenge: audit.Challenge{LeafIndex: 0}},
		},
	})
	require.Error(t, err)
	require.Empty(t, resp.Proofs)

	var failure *protocol.Failure
	require.ErrorAs(t, err, &failure)
}

func TestAuditPreservesInputOrderOnSuccess(t *testing.T) {
	env := newTestEnv(t)
	farmer, err := keys.Generate()
	require.NoError(t, err)
	farmerContact := transport.Contact{NodeID: farmer.NodeID()}

	var hashes []ids.NodeID
	for i := byte(0); i < 3; i++ {
		var raw [20]byte
		raw[0] = 0x50 + i
		hash, err := ids.NodeIDFromBytes(raw[:])
		require.NoError(t, err)
		hashes = append(hashes, hash)

		item, err := env.manager.Create(hash)
		require.NoError(t, err)
		_, err = item.Shard.Writer.Write([]byte{byte(i), byte(i), byte(i)})
		require.NoError(t, err)
		require.NoError(t, item.Shard.Writer.Close())

		item, err = env.manager.Load(hash)
		require.NoError(t, err)
		item.Trees[farmer.NodeID()] = audit.MerkleRoot{}
		require.NoError(t, env.manager.Save(item))
	}

	var entries []protocol.AuditEntry
	for _, h := range hashes {
		entries = append(entries, protocol.AuditEntry{DataHash: h, Challenge: audit.Challenge{LeafIndex: 0}})
	}

	resp, err := env.handlers.HandleAudit(context.Background(), protocol.AuditRequest{
		Contact: farmerContact,
		Audits:  entries,
	})
	require.NoError(t, err)
	require.Len(t, resp.Proofs, len(hashes))
	for i := range hashes {
		require.Equal(t, []byte{byte(i), byte(i), byte(i)}, resp.Proofs[i].Leaf)
	}
}

func TestAuditRecordsChallengeHistory(t *testing.T) {
	env := newTestEnv(t)
	farmer, err := keys.Generate()
	require.NoError(t, err)
	farmerContact := transport.Contact{NodeID: farmer.NodeID()}

	hash, err := ids.NodeIDFromHex("7777777777777777777777777777777777777777")
	require.NoError(t, err)

	item, err := env.manager.Create(hash)
	require.NoError(t, err)
	_, err = item.Shard.Writer.Write([]byte("shard bytes"))
	require.NoError(t, err)
	require.NoError(t, item.Shard.Writer.Close())

	item, err = env.manager.Load(hash)
	require.NoError(t, err)
	item.Trees[farmer.NodeID()] = audit.MerkleRoot{}
	require.NoError(t, env.manager.Save(item))

	challenge := audit.Challenge{LeafIndex: 0}
	resp, err := env.handlers.HandleAudit(context.Background(), protocol.AuditRequest{
		Contact: farmerContact,
		Audits:  []protocol.AuditEntry{{DataHash: hash, Challenge: challenge}},
	})
	require.NoError(t, err)
	require.Len(t, resp.Proofs, 1)

	saved, err := env.manager.Load(hash)
	require.NoError(t, err)
	require.Equal(t, []audit.Challenge{challenge}, saved.Challenges[farmer.NodeID()])
}

func TestRetrieveRequiresExistingContract(t *testing.T) {
	env := newTestEnv(t)
	renterContact := transport.Contact{NodeID: env.renter.NodeID()}

	dataHash, err := ids.NodeIDFromHex("6666666666666666666666666666666666666666")
	require.NoError(t, err)
	_, err = env.manager.Create(dataHash)
	require.NoError(t, err)

	_, err = env.handlers.HandleRetrieve(context.Background(), protocol.RetrieveRequest{
		Contact:  renterContact,
		DataHash: dataHash,
	})
	require.Error(t, err)

	var failure *protocol.Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "unauthorized", failure.Reason)
}
