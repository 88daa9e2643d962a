package events

import (
	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/transport"
)

// UnhandledOffer fires when an OFFER arrives for a data hash with no
// open pending negotiation.
type UnhandledOffer struct {
	Contact  transport.Contact
	DataHash ids.NodeID
}

func (UnhandledOffer) Kind() string { return "unhandled_offer" }

// OfferAccepted fires once an OFFER has been verified, signed by the
// renter, and persisted — the point at which the pending resolver is
// invoked to kick off consignment.
type OfferAccepted struct {
	Contact  transport.Contact
	Contract contract.Contract
}

func (OfferAccepted) Kind() string { return "offer_accepted" }

// ContractPublication fires when this node hears a renter publish a
// contract over the `contract_publication` gossip topic.
type ContractPublication struct {
	Contact  transport.Contact
	Contract contract.Contract
}

func (ContractPublication) Kind() string { return "contract_publication" }

// CapacityPublication fires when a farmer publishes a capacity advert over
// the `capacity_publication` topic (an added capability). Capacity is the
// sender's StorageManager.Size, not its remaining free capacity.
type CapacityPublication struct {
	Contact  transport.Contact
	Capacity uint64
}

func (CapacityPublication) Kind() string { return "capacity_publication" }

// ConsignmentReady describes a farmer's CONSIGN response carrying a
// data-channel token, signalling the renter may open a channel and upload
// the shard. No component in this module publishes it.
type ConsignmentReady struct {
	Contact  transport.Contact
	DataHash ids.NodeID
	Token    string
}

func (ConsignmentReady) Kind() string { return "consignment_ready" }

// TunnelAvailable fires when TunnelBroker's OPEN_TUNNEL handler
// successfully provisions a gateway.
type TunnelAvailable struct {
	Contact transport.Contact
}

func (TunnelAvailable) Kind() string { return "tunnel_available" }
