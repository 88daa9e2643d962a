package protocol

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meshstore/core/audit"
	"github.com/meshstore/core/channel"
	"github.com/meshstore/core/events"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
	"github.com/meshstore/core/pending"
	"github.com/meshstore/core/storage"
	"github.com/meshstore/core/transport"
	"github.com/meshstore/core/tunnel"
)

// ConsignThreshold is CONSIGN_THRESHOLD: the grace window before
// store_begin during which a CONSIGN is already accepted. The check that
// the contract hasn't ended compares plain "now" against store_end.
const ConsignThreshold = 10 * time.Minute

// DefaultMaxConcurrentAudits is MAX_CONCURRENT_AUDITS: the per-AUDIT-request
// proof parallelism ceiling.
const DefaultMaxConcurrentAudits = 8

// Handlers implements the nine on-wire request handlers.
type Handlers struct {
	logger *zap.Logger

	keys    keys.KeyPair
	manager *storage.Manager
	pending *pending.Registry
	auth    *channel.Authority
	hub     *events.Hub

	dataServer transport.DataChannelServer
	dataClient transport.DataChannelClient
	xport      transport.Transport

	tunnels *tunnel.Broker
	trigger TriggerRegistry

	maxConcurrentAudits int
}

// NewHandlers constructs a Handlers instance wired to its collaborators.
// trigger may be nil if no TRIGGER delegate is configured.
func NewHandlers(
	logger *zap.Logger,
	kp keys.KeyPair,
	manager *storage.Manager,
	registry *pending.Registry,
	auth *channel.Authority,
	hub *events.Hub,
	dataServer transport.DataChannelServer,
	dataClient transport.DataChannelClient,
	xport transport.Transport,
	tunnels *tunnel.Broker,
	trigger TriggerRegistry,
) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		logger:              logger,
		keys:                kp,
		manager:             manager,
		pending:             registry,
		auth:                auth,
		hub:                 hub,
		dataServer:          dataServer,
		dataClient:          dataClient,
		xport:                xport,
		tunnels:             tunnels,
		trigger:             trigger,
		maxConcurrentAudits: DefaultMaxConcurrentAudits,
	}
}

// HandleOffer implements OFFER.
func (h *Handlers) HandleOffer(ctx context.Context, req OfferRequest) (OfferResponse, error) {
	c := req.Contract
	if err := c.Validate(); err != nil {
		return OfferResponse{}, invalidFormat(err)
	}
	if !c.VerifyFarmerSignature() {
		return OfferResponse{}, invalidSignature()
	}
	if err := c.SignRenter(h.keys); err != nil {
		return OfferResponse{}, invalidFormat(err)
	}
	if !c.IsComplete() {
		return OfferResponse{}, incomplete()
	}

	offer, open := h.pending.Get(c.DataHash)
	if !open {
		h.hub.Publish(events.UnhandledOffer{Contact: req.Contact, DataHash: c.DataHash})
		return OfferResponse{}, notOpen()
	}
	if offer.IsBlacklisted(req.Contact.NodeID) {
		return OfferResponse{}, notOpen()
	}

	item, err := h.loadOrCreate(c.DataHash)
	if err != nil {
		return OfferResponse{}, saveFailed(err)
	}
	item.Contracts[req.Contact.NodeID] = c
	if err := h.manager.Save(item); err != nil {
		return OfferResponse{}, saveFailed(err)
	}

	resp := OfferResponse{Contract: c}

	// Ordering guarantee (a): the reply must reach the farmer
	// before the consign resolver (which initiates CONSIGN) fires. The
	// resolver runs in its own goroutine so returning this response to
	// the caller — who writes it to the wire — is never blocked on
	// whatever the resolver does.
	go func() {
		h.pending.Resolve(c.DataHash, nil, req.Contact, c)
		h.hub.Publish(events.OfferAccepted{Contact: req.Contact, Contract: c})
	}()

	return resp, nil
}

func (h *Handlers) loadOrCreate(hash ids.NodeID) (storage.StorageItem, error) {
	if h.manager.Exists(hash) {
		return h.manager.Load(hash)
	}
	return h.manager.Create(hash)
}

// HandleConsign implements CONSIGN.
func (h *Handlers) HandleConsign(ctx context.Context, req ConsignRequest) (ConsignResponse, error) {
	item, err := h.manager.Load(req.DataHash)
	if err != nil {
		return ConsignResponse{}, loadFailed(err)
	}

	c, contracted := item.Contracts[req.Contact.NodeID]
	if !contracted {
		return ConsignResponse{}, unauthorized()
	}

	item.Trees[req.Contact.NodeID] = req.AuditTree

	now := millisNow()
	thresholdMillis := int64(ConsignThreshold / time.Millisecond)
	if !(now < c.StoreEnd && now+thresholdMillis > c.StoreBegin) {
		return ConsignResponse{}, timing()
	}

	// Ordering guarantee (b): persist before issuing the token.
	if err := h.manager.Save(item); err != nil {
		return ConsignResponse{}, saveFailed(err)
	}

	token, err := h.auth.Issue(req.DataHash, channel.PurposeConsign)
	if err != nil {
		return ConsignResponse{}, saveFailed(err)
	}
	if err := h.dataServer.Accept(token, req.DataHash); err != nil {
		return ConsignResponse{}, channelError(err)
	}

	return ConsignResponse{Token: token}, nil
}

// HandleMirror implements MIRROR.
func (h *Handlers) HandleMirror(ctx context.Context, req MirrorRequest) (MirrorResponse, error) {
	item, err := h.manager.Load(req.DataHash)
	if err != nil {
		return MirrorResponse{}, loadFailed(err)
	}
	if _, contracted := item.Contracts[req.Contact.NodeID]; !contracted {
		return MirrorResponse{}, notContracted()
	}
	if !item.Shard.Writable() {
		return MirrorResponse{}, nil
	}

	stream, err := h.dataClient.OpenReadStream(ctx, req.Farmer, req.Token, req.DataHash)
	if err != nil {
		abortShard(item, h.logger)
		return MirrorResponse{}, channelError(err)
	}

	writer := item.Shard.Writer
	go func() {
		defer stream.Close()
		if _, err := io.Copy(writer, stream); err != nil {
			h.logger.Warn("mirror transfer failed",
				zap.String("data_hash", req.DataHash.Hex()), zap.Error(err))
			abortShard(item, h.logger)
			return
		}
		if err := writer.Close(); err != nil {
			h.logger.Warn("failed committing mirrored shard",
				zap.String("data_hash", req.DataHash.Hex()), zap.Error(err))
		}
	}()

	return MirrorResponse{}, nil
}

// HandleRetrieve implements RETRIEVE. It requires a contract for the
// requester before issuing a data-channel token, rather than issuing one
// unconditionally.
func (h *Handlers) HandleRetrieve(ctx context.Context, req RetrieveRequest) (RetrieveResponse, error) {
	if req.DataHash.IsZero() {
		return RetrieveResponse{}, invalidKey()
	}

	item, err := h.manager.Load(req.DataHash)
	if err != nil {
		return RetrieveResponse{}, loadFailed(err)
	}
	if _, contracted := item.Contracts[req.Contact.NodeID]; !contracted {
		return RetrieveResponse{}, unauthorized()
	}

	token, err := h.auth.Issue(item.Hash, channel.PurposeRetrieve)
	if err != nil {
		return RetrieveResponse{}, loadFailed(err)
	}
	if err := h.dataServer.Accept(token, item.Hash); err != nil {
		return RetrieveResponse{}, channelError(err)
	}

	return RetrieveResponse{Token: token}, nil
}

// HandleAudit implements AUDIT. Proofs are produced concurrently, bounded
// to maxConcurrentAudits, with the first error failing the whole response
// and output order preserved regardless of completion order.
func (h *Handlers) HandleAudit(ctx context.Context, req AuditRequest) (AuditResponse, error) {
	if req.Audits == nil {
		return AuditResponse{}, invalidAudits()
	}

	proofs := make([]audit.Proof, len(req.Audits))
	sem := make(chan struct{}, h.maxConcurrentAudits)
	g, gctx := errgroup.WithContext(ctx)

	for i := range req.Audits {
		i := i
		entry := req.Audits[i]
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			proof, err := h.proveShardExistence(entry.DataHash, req.Contact.NodeID, entry.Challenge)
			if err != nil {
				return err
			}
			proofs[i] = proof
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return AuditResponse{}, err
	}
	return AuditResponse{Proofs: proofs}, nil
}

// proveShardExistence implements `prove_shard_existence`.
func (h *Handlers) proveShardExistence(hash, renter ids.NodeID, challenge audit.Challenge) (audit.Proof, error) {
	item, err := h.manager.Load(hash)
	if err != nil {
		return audit.Proof{}, loadFailed(err)
	}
	if _, ok := item.Trees[renter]; !ok {
		return audit.Proof{}, noTree()
	}
	if item.Shard.Writable() {
		return audit.Proof{}, notFound()
	}

	rc, err := item.Shard.Open()
	if err != nil {
		return audit.Proof{}, notFound()
	}
	defer rc.Close()

	proof, err := audit.ProveShardExistence(rc, challenge)
	if err != nil {
		return audit.Proof{}, notFound()
	}

	item.RecordChallenge(renter, challenge)
	if err := h.manager.Save(item); err != nil {
		return audit.Proof{}, loadFailed(err)
	}

	return proof, nil
}

// HandleProbe implements PROBE.
func (h *Handlers) HandleProbe(ctx context.Context, req ProbeRequest) (ProbeResponse, error) {
	var pong struct{}
	if err := h.xport.Send(ctx, req.Contact, "PING", struct{}{}, &pong); err != nil {
		return ProbeResponse{}, notAddressable()
	}
	return ProbeResponse{}, nil
}

// HandleFindTunnel implements FIND_TUNNEL by delegating to the
// TunnelBroker.
func (h *Handlers) HandleFindTunnel(ctx context.Context, contact transport.Contact, req tunnel.FindTunnelRequest) (tunnel.FindTunnelResponse, error) {
	return h.tunnels.HandleFindTunnel(ctx, contact, req)
}

// HandleOpenTunnel implements OPEN_TUNNEL by delegating to the
// TunnelBroker and mapping its typed errors onto the reason taxonomy
//.
func (h *Handlers) HandleOpenTunnel(ctx context.Context, contact transport.Contact) (tunnel.OpenTunnelResponse, error) {
	resp, err := h.tunnels.HandleOpenTunnel(ctx, contact)
	if err == nil {
		return resp, nil
	}

	var gwErr *tunnel.GatewayError
	if errors.As(err, &gwErr) {
		return tunnel.OpenTunnelResponse{}, gatewayFailed(gwErr.Err)
	}
	var mapErr *tunnel.MappingError
	if errors.As(err, &mapErr) {
		return tunnel.OpenTunnelResponse{}, mappingFailed(mapErr.Err)
	}
	return tunnel.OpenTunnelResponse{}, err
}

// HandleTrigger implements TRIGGER by delegating to the opaque trigger
// registry, if one is configured.
func (h *Handlers) HandleTrigger(ctx context.Context, req TriggerRequest) (TriggerResponse, error) {
	if h.trigger == nil {
		return TriggerResponse{}, newFailure(CategoryPolicy, "no-trigger-registry", nil)
	}
	payload, err := h.trigger.Handle(req.Contact, req.Payload)
	if err != nil {
		return TriggerResponse{}, err
	}
	return TriggerResponse{Payload: payload}, nil
}

func millisNow() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

// abortShard destroys a writable shard's partial contents, per MIRROR's
// "destroy local shard write handle"/"unpipe and destroy" error paths
//.
func abortShard(item storage.StorageItem, logger *zap.Logger) {
	if item.Shard.Abort == nil {
		return
	}
	if err := item.Shard.Abort(); err != nil {
		logger.Warn("failed aborting shard write handle",
			zap.String("data_hash", item.Hash.Hex()), zap.Error(err))
	}
}
