// Package protocol implements ProtocolHandlers: the nine-message
// request router sitting on top of Contract, StorageItem/Manager,
// PendingOfferRegistry and the data-channel and tunnel collaborators.
package protocol

import (
	"encoding/json"

	"github.com/meshstore/core/audit"
	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/transport"
)

// OfferRequest/OfferResponse implement the OFFER method.
type OfferRequest struct {
	Contact  transport.Contact `json:"contact"`
	Contract contract.Contract `json:"contract"`
}

type OfferResponse struct {
	Contract contract.Contract `json:"contract"`
}

// ConsignRequest/ConsignResponse implement CONSIGN.
type ConsignRequest struct {
	Contact   transport.Contact `json:"contact"`
	DataHash  ids.NodeID        `json:"data_hash"`
	AuditTree audit.MerkleRoot  `json:"audit_tree"`
}

type ConsignResponse struct {
	Token string `json:"token"`
}

// MirrorRequest/MirrorResponse implement MIRROR.
type MirrorRequest struct {
	Contact  transport.Contact `json:"contact"`
	DataHash ids.NodeID        `json:"data_hash"`
	Token    string            `json:"token"`
	Farmer   transport.Contact `json:"farmer"`
}

type MirrorResponse struct{}

// RetrieveRequest/RetrieveResponse implement RETRIEVE.
type RetrieveRequest struct {
	Contact  transport.Contact `json:"contact"`
	DataHash ids.NodeID        `json:"data_hash"`
}

type RetrieveResponse struct {
	Token string `json:"token"`
}

// AuditEntry is one element of an AUDIT request's `audits` array.
type AuditEntry struct {
	DataHash  ids.NodeID      `json:"data_hash"`
	Challenge audit.Challenge `json:"challenge"`
}

// AuditRequest/AuditResponse implement AUDIT.
type AuditRequest struct {
	Contact transport.Contact `json:"contact"`
	Audits  []AuditEntry      `json:"audits"`
}

type AuditResponse struct {
	Proofs []audit.Proof `json:"proofs"`
}

// ProbeRequest/ProbeResponse implement PROBE. The only field is the
// envelope's own Contact: PROBE pings the requester back to check
// whether it is externally addressable.
type ProbeRequest struct {
	Contact transport.Contact `json:"contact"`
}

type ProbeResponse struct{}

// TriggerRequest/TriggerResponse implement TRIGGER. Both bodies are
// opaque, delegated to a pluggable trigger registry.
type TriggerRequest struct {
	Contact transport.Contact `json:"contact"`
	Payload json.RawMessage   `json:"payload"`
}

type TriggerResponse struct {
	Payload json.RawMessage `json:"payload"`
}

// TriggerRegistry is the opaque, pluggable delegate for TRIGGER. Any
// error it returns is surfaced verbatim to the caller as the failure
// reason.
type TriggerRegistry interface {
	Handle(contact transport.Contact, payload json.RawMessage) (json.RawMessage, error)
}
