// Package ids defines the node and data identifiers used throughout the
// storage contract protocol: 20-byte RIPEMD-160 node ids and opaque wallet
// addresses.
package ids

import (
	"encoding/hex"

	"github.com/pkg/errors"
)

// Size is the byte length of a NodeID (RIPEMD-160 digest size).
const Size = 20

// NodeID identifies a peer or a data hash: the RIPEMD-160 of a public key,
// or of a shard's content, depending on context.
type NodeID [Size]byte

// Zero is the zero-value NodeID.
var Zero NodeID

// NodeIDFromHex parses a 40-character hex string into a NodeID.
func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, errors.Wrap(err, "decoding node id hex")
	}
	if len(raw) != Size {
		return id, errors.Errorf("node id must be %d bytes, got %d", Size, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// NodeIDFromBytes copies raw into a NodeID, failing if the length is wrong.
func NodeIDFromBytes(raw []byte) (NodeID, error) {
	var id NodeID
	if len(raw) != Size {
		return id, errors.Errorf("node id must be %d bytes, got %d", Size, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Hex returns the lowercase hex encoding of the id.
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

func (id NodeID) String() string {
	return id.Hex()
}

// IsZero reports whether id is the zero value.
func (id NodeID) IsZero() bool {
	return id == Zero
}

// Bytes returns a copy of the underlying bytes.
func (id NodeID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// MarshalJSON renders the id as a hex string.
func (id NodeID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + id.Hex() + `"`), nil
}

// UnmarshalJSON parses a hex string into the id.
func (id *NodeID) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("node id must be a JSON string")
	}
	parsed, err := NodeIDFromHex(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalText renders the id as a hex string. Implemented alongside
// MarshalJSON so a NodeID can also serve as a JSON object key (the
// encoding/json package only consults encoding.TextMarshaler for map
// keys, not MarshalJSON), which the storage and protocol packages rely
// on for maps keyed by node id.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText parses a hex string into the id.
func (id *NodeID) UnmarshalText(data []byte) error {
	parsed, err := NodeIDFromHex(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Address is an opaque wallet address referenced by payment fields.
// The protocol core never interprets or settles it; it only carries
// it between renter and farmer.
type Address string

func (a Address) String() string {
	return string(a)
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a == ""
}
