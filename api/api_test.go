package api_test

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/api"
	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/negotiator"
	"github.com/meshstore/core/node"
	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/transport"
)

type noopSender struct{}

func (noopSender) SendOffer(ctx context.Context, to transport.Contact, c contract.Contract) (protocol.OfferResponse, error) {
	return protocol.OfferResponse{}, nil
}

type noopRouting struct{}

func (noopRouting) GetContact(ids.NodeID) (transport.Contact, bool) { return transport.Contact{}, false }
func (noopRouting) FindNode(context.Context, ids.NodeID) ([]transport.Contact, error) {
	return nil, nil
}
func (noopRouting) Nearest(ids.NodeID, int, map[ids.NodeID]struct{}) []transport.Contact {
	return nil
}

// stubNode implements the api package's nodeView contract without
// requiring a real libp2p host.
type stubNode struct {
	self node.Contact
	mgr  *storage.Manager
	neg  *negotiator.Negotiator
	hub  *events.Hub
}

func (s *stubNode) Self() node.Contact                { return s.self }
func (s *stubNode) Manager() *storage.Manager         { return s.mgr }
func (s *stubNode) Negotiator() *negotiator.Negotiator { return s.neg }
func (s *stubNode) Events() events.Subscriber         { return s.hub.Subscribe() }

func newStubNode(t *testing.T) *stubNode {
	t.Helper()
	dir, err := ioutil.TempDir("", "meshstore-api-test")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	hub := &events.Hub{}
	adapter := storage.NewFileAdapter(nil, hub, filepath.Join(dir, "items.json"), 0)
	shards := storage.NewFileShardStore(nil, filepath.Join(dir, "shards"))
	mgr := storage.NewManager(nil, adapter, shards, hub)
	t.Cleanup(mgr.Close)

	kp, err := keys.Generate()
	require.NoError(t, err)

	neg := negotiator.New(nil, kp, mgr, noopRouting{}, noopSender{})

	return &stubNode{
		self: node.Contact{NodeID: kp.NodeID(), Address: "/ip4/127.0.0.1/tcp/4001", Port: 4001, Protocol: "libp2p"},
		mgr:  mgr,
		neg:  neg,
		hub:  hub,
	}
}

func TestStatusReportsSelfAndNegotiatorState(t *testing.T) {
	n := newStubNode(t)
	server := api.NewServer(nil, n)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, false, body["negotiator_paused"])
	require.Equal(t, float64(0), body["outstanding_offers"])
}

func TestPauseAndResumeToggleNegotiator(t *testing.T) {
	n := newStubNode(t)
	server := api.NewServer(nil, n)

	pauseReq := httptest.NewRequest(http.MethodPost, "/negotiator/pause", nil)
	pauseRR := httptest.NewRecorder()
	server.ServeHTTP(pauseRR, pauseReq)
	require.Equal(t, http.StatusNoContent, pauseRR.Code)
	require.True(t, n.neg.Paused())

	resumeReq := httptest.NewRequest(http.MethodPost, "/negotiator/resume", nil)
	resumeRR := httptest.NewRecorder()
	server.ServeHTTP(resumeRR, resumeReq)
	require.Equal(t, http.StatusNoContent, resumeRR.Code)
	require.False(t, n.neg.Paused())
}

func TestCapacityReportsManagerSize(t *testing.T) {
	n := newStubNode(t)
	server := api.NewServer(nil, n)

	req := httptest.NewRequest(http.MethodGet, "/capacity", nil)
	rr := httptest.NewRecorder()
	server.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body map[string]uint64
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, uint64(0), body["size"])
}
