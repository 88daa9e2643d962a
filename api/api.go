// Package api is the operator-facing HTTP admin surface: status
// reporting, capacity/negotiator controls, and a live event feed
// (replaces a prior gRPC service — Ping/SetOffer/SubscribeToEvents —
// carried over HTTP+JSON instead of gRPC; see DESIGN.md's "dropped
// dependencies" for why protobuf/grpc code generation is off
// the table here).
package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/meshstore/core/events"
	"github.com/meshstore/core/negotiator"
	"github.com/meshstore/core/node"
	"github.com/meshstore/core/storage"
)

// nodeView is the narrow slice of *node.Node the admin surface needs,
// mirroring the negotiator.Sender seam: it lets tests substitute a fake
// node without spinning up a real libp2p host.
type nodeView interface {
	Self() node.Contact
	Manager() *storage.Manager
	Negotiator() *negotiator.Negotiator
	Events() events.Subscriber
}

// Server is the admin HTTP surface for a single Node.
type Server struct {
	logger *zap.Logger
	node   nodeView
	router *mux.Router
}

// NewServer builds the admin router, the corresponding api.NewServer generalized
// from a gRPC service registration to a gorilla/mux route table.
func NewServer(logger *zap.Logger, n nodeView) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{logger: logger, node: n, router: mux.NewRouter()}
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/capacity", s.handleCapacity).Methods(http.MethodGet)
	s.router.HandleFunc("/negotiator/pause", s.handlePause).Methods(http.MethodPost)
	s.router.HandleFunc("/negotiator/resume", s.handleResume).Methods(http.MethodPost)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	return s
}

// ServeHTTP lets Server itself be handed to http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type statusResponse struct {
	Self              node.Contact `json:"self"`
	OutstandingOffers int          `json:"outstanding_offers"`
	NegotiatorPaused  bool         `json:"negotiator_paused"`
}

// PING (the corresponding api.Server.Ping): a health probe an operator or
// monitoring system can poll.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Self:              s.node.Self(),
		OutstandingOffers: s.node.Negotiator().Outstanding(),
		NegotiatorPaused:  s.node.Negotiator().Paused(),
	}
	writeJSON(w, http.StatusOK, resp)
}

type capacityResponse struct {
	Size uint64 `json:"size"`
}

// GET /capacity reports current metadata footprint (the corresponding SetOffer
// counterpart is a control, not a query; the byte accounting itself
// comes straight from StorageManager.Size).
func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	size, err := s.node.Manager().Size()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, capacityResponse{Size: size})
}

// POST /negotiator/pause (the corresponding SetOffer, generalized from
// "advertise this much capacity" to "stop/resume extending offers
// entirely" since the core's admission gate is a predicate + capacity
// events, not an operator-dialed number).
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.node.Negotiator().Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.node.Negotiator().Resume()
	w.WriteHeader(http.StatusNoContent)
}

// GET /events streams newline-delimited JSON events for as long as the
// client stays connected (the corresponding SubscribeToEvents server-stream RPC,
// carried over a chunked HTTP response instead of a gRPC stream).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.node.Events()
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evt, err := sub.Next()
		if err != nil {
			return
		}
		if err := writeEvent(w, evt); err != nil {
			s.logger.Debug("failed writing event to stream", zap.Error(err))
			return
		}
		flusher.Flush()
	}
}

type wireEvent struct {
	Kind    string       `json:"kind"`
	Payload events.Event `json:"payload"`
}

func writeEvent(w http.ResponseWriter, evt events.Event) error {
	enc := json.NewEncoder(w)
	return enc.Encode(wireEvent{Kind: evt.Kind(), Payload: evt})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
