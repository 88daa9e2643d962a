package node

import (
	"context"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/protocol"
	"github.com/meshstore/core/transport"
)

// offerSender implements negotiator.Sender by issuing an OFFER over the
// same xport.Send path inbound RPCs arrive through — the negotiator is
// the outbound half of OFFER, so it needs only the transport, not the
// Handlers instance that serves the inbound half.
type offerSender struct {
	self  transport.Contact
	xport transport.Transport
}

func newOfferSender(self transport.Contact, xport transport.Transport) *offerSender {
	return &offerSender{self: self, xport: xport}
}

func (s *offerSender) SendOffer(ctx context.Context, to transport.Contact, c contract.Contract) (protocol.OfferResponse, error) {
	req := protocol.OfferRequest{Contact: s.self, Contract: c}
	var resp protocol.OfferResponse
	if err := s.xport.Send(ctx, to, "OFFER", req, &resp); err != nil {
		return protocol.OfferResponse{}, err
	}
	return resp, nil
}
