package negotiator_test

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/negotiator"
	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/transport"
)

type fakeSender struct {
	calls    int
	lastTo   transport.Contact
	response protocol.OfferResponse
	err      error
}

func (f *fakeSender) SendOffer(ctx context.Context, to transport.Contact, c contract.Contract) (protocol.OfferResponse, error) {
	f.calls++
	f.lastTo = to
	return f.response, f.err
}

type fakeRoutingTable struct {
	local     map[ids.NodeID]transport.Contact
	findNode  []transport.Contact
	findErr   error
	findCalls int
	findID    ids.NodeID
}

func (f *fakeRoutingTable) GetContact(id ids.NodeID) (transport.Contact, bool) {
	c, ok := f.local[id]
	return c, ok
}
func (f *fakeRoutingTable) FindNode(ctx context.Context, id ids.NodeID) ([]transport.Contact, error) {
	f.findCalls++
	f.findID = id
	return f.findNode, f.findErr
}
func (f *fakeRoutingTable) Nearest(id ids.NodeID, k int, exclude map[ids.NodeID]struct{}) []transport.Contact {
	return nil
}

func testManager(t *testing.T) *storage.Manager {
	t.Helper()
	dir, err := ioutil.TempDir("", "meshstore-negotiator-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	hub := &events.Hub{}
	adapter := storage.NewFileAdapter(nil, hub, filepath.Join(dir, "items.json"), 0)
	shards := storage.NewFileShardStore(nil, filepath.Join(dir, "shards"))
	m := storage.NewManager(nil, adapter, shards, hub)
	t.Cleanup(m.Close)
	return m
}

func freshContract(t *testing.T, renter keys.KeyPair, dataHash ids.NodeID) contract.Contract {
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
	require.NoError(t, c.SignRenter(renter))
	c.RenterID = renter.NodeID()
	return c
}

func TestNegotiatorRejectsWhenPredicateDeclines(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)

	sender := &fakeSender{}
	routing := &fakeRoutingTable{local: map[ids.NodeID]transport.Contact{}}
	n := negotiator.New(nil, farmer, testManager(t), routing, sender,
		negotiator.WithPredicate(func(contract.Contract) bool { return false }))

	c := freshContract(t, renter, dataHash)
	n.OnContractPublication(context.Background(), transport.Contact{NodeID: renter.NodeID()}, c)

	require.Equal(t, 0, sender.calls)
	require.Equal(t, 0, n.Outstanding())
}

func TestNegotiatorPauseBlocksNewOffers(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	require.NoError(t, err)

	sender := &fakeSender{}
	routing := &fakeRoutingTable{local: map[ids.NodeID]transport.Contact{}}
	n := negotiator.New(nil, farmer, testManager(t), routing, sender)

	n.Pause()
	require.True(t, n.Paused())

	c := freshContract(t, renter, dataHash)
	n.OnContractPublication(context.Background(), transport.Contact{NodeID: renter.NodeID()}, c)

	require.Equal(t, 0, sender.calls)
	require.Equal(t, 0, n.Outstanding())

	n.Resume()
	require.False(t, n.Paused())
}

func TestNegotiatorRejectsAtZeroConcurrency(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	require.NoError(t, err)

	sender := &fakeSender{}
	routing := &fakeRoutingTable{local: map[ids.NodeID]transport.Contact{}}
	n := negotiator.New(nil, farmer, testManager(t), routing, sender, negotiator.WithConcurrency(0))

	c := freshContract(t, renter, dataHash)
	n.OnContractPublication(context.Background(), transport.Contact{NodeID: renter.NodeID()}, c)

	require.Equal(t, 0, sender.calls)
	require.Equal(t, 0, n.Outstanding())
}

func TestNegotiatorSuppressesDuplicateDataHash(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("cccccccccccccccccccccccccccccccccccccccc")
	require.NoError(t, err)

	renterContact := transport.Contact{NodeID: renter.NodeID(), Address: "10.0.0.1", Port: 9000}
	routing := &fakeRoutingTable{local: map[ids.NodeID]transport.Contact{renter.NodeID(): renterContact}}

	// Sender never resolves the pending entry within this test (no
	// response wired), so both publications land while the first is
	// still outstanding.
	blocked := make(chan struct{})
	sender := &blockingSender{unblock: blocked}
	n := negotiator.New(nil, farmer, testManager(t), routing, sender)

	c := freshContract(t, renter, dataHash)
	go n.OnContractPublication(context.Background(), renterContact, c)
	time.Sleep(20 * time.Millisecond)
	n.OnContractPublication(context.Background(), renterContact, c)

	require.Equal(t, 1, n.Outstanding())
	close(blocked)
}

type blockingSender struct {
	unblock chan struct{}
}

func (b *blockingSender) SendOffer(ctx context.Context, to transport.Contact, c contract.Contract) (protocol.OfferResponse, error) {
	<-b.unblock
	return protocol.OfferResponse{}, nil
}

func TestNegotiatorFallsBackToDHTLookup(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	dataHash, err := ids.NodeIDFromHex("dddddddddddddddddddddddddddddddddddddddd")
	require.NoError(t, err)

	resolvedContact := transport.Contact{NodeID: renter.NodeID(), Address: "10.0.0.2", Port: 9001}
	routing := &fakeRoutingTable{
		local:    map[ids.NodeID]transport.Contact{},
		findNode: []transport.Contact{resolvedContact},
	}

	c := freshContract(t, renter, dataHash)
	sender := &fakeSender{response: protocol.OfferResponse{Contract: c}}
	n := negotiator.New(nil, farmer, testManager(t), routing, sender)

	n.OnContractPublication(context.Background(), transport.Contact{NodeID: renter.NodeID()}, c)

	require.Equal(t, 1, routing.findCalls)
	require.Equal(t, renter.NodeID(), routing.findID)
	require.Equal(t, 1, sender.calls)
	require.Equal(t, resolvedContact, sender.lastTo)
}
