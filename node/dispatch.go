package node

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/libp2p/go-libp2p-core/network"
	"go.uber.org/zap"

	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/tunnel"
)

// serveStream reads a single request envelope off s, dispatches it to the
// matching Handlers method by name, and writes back the response envelope
// (the corresponding connector.go reader(), generalized from a two-case switch
// over protobuf message types to the nine-method JSON dispatch table).
func (n *Node) serveStream(s network.Stream) {
	defer s.Close()

	req, err := readEnvelope(s)
	if err != nil {
		n.logger.Debug("failed reading request envelope", zap.Error(err))
		return
	}

	n.registerContact(callerContact(req.Body))

	body, handleErr := n.dispatch(context.Background(), req.Method, req.Body)

	resp := envelope{Method: req.Method}
	if handleErr != nil {
		var failure *protocol.Failure
		if errors.As(handleErr, &failure) {
			resp.Error = failure.Reason
		} else {
			resp.Error = handleErr.Error()
		}
	} else {
		resp.Body = body
	}
	if err := writeEnvelope(s, resp); err != nil {
		n.logger.Debug("failed writing response envelope", zap.Error(err))
	}
}

// callerContact best-effort extracts the `contact` field every request
// body carries, so the routing table learns about the sender
// even if the handler itself fails.
func callerContact(body json.RawMessage) Contact {
	var withContact struct {
		Contact Contact `json:"contact"`
	}
	_ = json.Unmarshal(body, &withContact)
	return withContact.Contact
}

func (n *Node) dispatch(ctx context.Context, method string, body json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "OFFER":
		var req protocol.OfferRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleOffer(ctx, req)
		return marshalOrErr(resp, err)

	case "CONSIGN":
		var req protocol.ConsignRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleConsign(ctx, req)
		return marshalOrErr(resp, err)

	case "MIRROR":
		var req protocol.MirrorRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleMirror(ctx, req)
		return marshalOrErr(resp, err)

	case "RETRIEVE":
		var req protocol.RetrieveRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleRetrieve(ctx, req)
		return marshalOrErr(resp, err)

	case "AUDIT":
		var req protocol.AuditRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleAudit(ctx, req)
		return marshalOrErr(resp, err)

	case "PROBE":
		var req protocol.ProbeRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleProbe(ctx, req)
		return marshalOrErr(resp, err)

	case "PING":
		return json.Marshal(struct{}{})

	case "FIND_TUNNEL":
		var req struct {
			Contact Contact `json:"contact"`
			tunnel.FindTunnelRequest
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleFindTunnel(ctx, toTransportContact(req.Contact), req.FindTunnelRequest)
		return marshalOrErr(resp, err)

	case "OPEN_TUNNEL":
		var req struct {
			Contact Contact `json:"contact"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleOpenTunnel(ctx, toTransportContact(req.Contact))
		return marshalOrErr(resp, err)

	case "TRIGGER":
		var req protocol.TriggerRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		resp, err := n.handlers.HandleTrigger(ctx, req)
		return marshalOrErr(resp, err)

	default:
		return nil, errUnknownMethod(method)
	}
}

func marshalOrErr(v interface{}, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

type unknownMethodError string

func (e unknownMethodError) Error() string { return "unknown rpc method: " + string(e) }

func errUnknownMethod(method string) error { return unknownMethodError(method) }
