// Package contract implements the canonical signed Contract document that
// binds a renter and a farmer over a specific data hash for a specific
// storage period.
package contract

import (
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
)

// Version tags the wire schema of a Contract.
type Version uint16

// V1 is the only version currently understood.
const V1 Version = 1

// HexBytes marshals as a hex string rather than encoding/json's default
// base64, which keeps audit leaf hashes readable in logs and fixtures while
// remaining a deterministic encoding.
type HexBytes []byte

// MarshalJSON renders h as a quoted hex string.
func (h HexBytes) MarshalJSON() ([]byte, error) {
	return []byte(`"` + hex.EncodeToString(h) + `"`), nil
}

// UnmarshalJSON parses a quoted hex string into h.
func (h *HexBytes) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("hex bytes must be a JSON string")
	}
	raw, err := hex.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return errors.Wrap(err, "decoding hex bytes")
	}
	*h = raw
	return nil
}

// Contract is the canonical signed document binding renter and farmer.
// Field order is fixed and never reordered: encoding/json marshals struct
// fields in declaration order, which is exactly the deterministic
// canonical serialization this format calls for — no map-key sorting
// pass is needed.
type Contract struct {
	Version Version `json:"version"`

	RenterID ids.NodeID `json:"renter_id"`
	FarmerID ids.NodeID `json:"farmer_id"`

	// RenterPublicKey/FarmerPublicKey let a holder of the contract verify
	// a signature without an out-of-band PKI lookup: the verifier checks
	// the public key hashes to the declared *ID field, then verifies the
	// signature against it. Carrying the public key alongside the node id
	// and signature is how that check is performed without a directory
	// service, and it is excluded from the signed bytes exactly like the
	// signatures themselves (see signableBytes).
	RenterPublicKey HexBytes `json:"renter_public_key"`
	FarmerPublicKey HexBytes `json:"farmer_public_key"`

	RenterSignature HexBytes `json:"renter_signature"`
	FarmerSignature HexBytes `json:"farmer_signature"`

	PaymentSource      ids.Address `json:"payment_source"`
	PaymentDestination ids.Address `json:"payment_destination"`
	PaymentAmount      uint64      `json:"payment_amount"`
	// PaymentInterval is the number of milliseconds between payments.
	PaymentInterval int64 `json:"payment_interval"`

	DataHash ids.NodeID `json:"data_hash"`
	DataSize uint64     `json:"data_size"`

	// StoreBegin/StoreEnd are ms-epoch timestamps.
	StoreBegin int64 `json:"store_begin"`
	StoreEnd   int64 `json:"store_end"`

	AuditCount  uint32     `json:"audit_count"`
	AuditLeaves []HexBytes `json:"audit_leaves"`
}

// Validate checks the structural invariants that don't depend on
// signatures: store_begin < store_end and a non-zero data hash.
func (c *Contract) Validate() error {
	if c.Version != V1 {
		return errors.Errorf("unsupported contract version %d", c.Version)
	}
	if c.DataHash.IsZero() {
		return errors.New("contract data_hash is zero")
	}
	if c.StoreBegin >= c.StoreEnd {
		return errors.New("contract store_begin must precede store_end")
	}
	return nil
}

// signableBytes returns the canonical bytes a signature covers: the full
// contract with both signature fields, both public key fields AND both
// node id fields cleared, so the message is identical regardless of
// signing order (each Sign call fills in its own side's id). The node ids
// are bound instead by verifySide, which checks that the attached public
// key hashes to the declared id.
func (c Contract) signableBytes() ([]byte, error) {
	c.RenterSignature = nil
	c.FarmerSignature = nil
	c.RenterPublicKey = nil
	c.FarmerPublicKey = nil
	c.RenterID = ids.Zero
	c.FarmerID = ids.Zero
	return json.Marshal(c)
}

// Canonical returns the deterministic JSON encoding of the contract as
// currently populated (including any signatures/public keys present) —
// this is the form persisted to storage and returned on the wire as
// `{contract: canonical_form}`.
func (c Contract) Canonical() ([]byte, error) {
	return json.Marshal(c)
}

// Parse deserializes and structurally validates a contract from its wire
// form.
func Parse(raw []byte) (Contract, error) {
	var c Contract
	if err := json.Unmarshal(raw, &c); err != nil {
		return Contract{}, errors.Wrap(err, "parsing contract")
	}
	if err := c.Validate(); err != nil {
		return Contract{}, err
	}
	return c, nil
}

// SignFarmer signs the farmer's half of the contract, setting FarmerID,
// FarmerPublicKey and FarmerSignature. It fails if a farmer signature is
// already present: once both signatures are present the contract is
// immutable; a single side may not re-sign either.
func (c *Contract) SignFarmer(kp keys.KeyPair) error {
	if len(c.FarmerSignature) > 0 {
		return errors.New("contract already has a farmer signature")
	}
	c.FarmerID = kp.NodeID()
	c.FarmerPublicKey = kp.PublicKey()

	msg, err := c.signableBytes()
	if err != nil {
		return errors.Wrap(err, "computing signable bytes")
	}
	sig, err := kp.Sign(msg)
	if err != nil {
		return errors.Wrap(err, "signing contract as farmer")
	}
	c.FarmerSignature = sig
	return nil
}

// SignRenter signs the renter's half of the contract, mirroring SignFarmer.
func (c *Contract) SignRenter(kp keys.KeyPair) error {
	if len(c.RenterSignature) > 0 {
		return errors.New("contract already has a renter signature")
	}
	c.RenterID = kp.NodeID()
	c.RenterPublicKey = kp.PublicKey()

	msg, err := c.signableBytes()
	if err != nil {
		return errors.Wrap(err, "computing signable bytes")
	}
	sig, err := kp.Sign(msg)
	if err != nil {
		return errors.Wrap(err, "signing contract as renter")
	}
	c.RenterSignature = sig
	return nil
}

// VerifyFarmerSignature checks that the farmer signature validates
// against a public key that hashes to the declared FarmerID.
func (c Contract) VerifyFarmerSignature() bool {
	return verifySide(c, c.FarmerID, c.FarmerPublicKey, c.FarmerSignature)
}

// VerifyRenterSignature mirrors VerifyFarmerSignature for the renter side.
func (c Contract) VerifyRenterSignature() bool {
	return verifySide(c, c.RenterID, c.RenterPublicKey, c.RenterSignature)
}

func verifySide(c Contract, declaredID ids.NodeID, pubKey, sig HexBytes) bool {
	if len(sig) == 0 || len(pubKey) == 0 || declaredID.IsZero() {
		return false
	}
	gotID, err := keys.NodeIDFromPublicKey(pubKey)
	if err != nil || gotID != declaredID {
		return false
	}
	msg, err := c.signableBytes()
	if err != nil {
		return false
	}
	return keys.Verify(pubKey, msg, sig)
}

// IsComplete reports whether both signatures are present and valid.
func (c Contract) IsComplete() bool {
	return c.VerifyRenterSignature() && c.VerifyFarmerSignature()
}
