// Package keys implements the KeyPair collaborator consumed by the protocol
// core: secp256k1 key generation, DER-encoded ECDSA signing/verification,
// and node-id/wallet-address derivation from a public key.
//
// Key generation and signing are treated as external primitives; this
// package is the narrow collaborator the core depends on through an
// interface, not a cryptography library in its own right.
package keys

import (
	"crypto/sha256"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/meshstore/core/ids"
)

// addressVersion is prepended to the RIPEMD-160 digest before the
// base58check encoding, the same way Bitcoin-style wallet addresses carry a
// network/version byte.
const addressVersion byte = 0x1c

// KeyPair is the signing identity of a node: it signs contract halves and
// derives the node's id and payment address.
type KeyPair interface {
	// Sign returns a DER-encoded ECDSA signature over payload.
	Sign(payload []byte) ([]byte, error)
	// PublicKey returns the compressed public key bytes.
	PublicKey() []byte
	// NodeID is the RIPEMD-160 of the SHA-256 of the public key.
	NodeID() ids.NodeID
	// Address is the wallet address derived from the public key, used as
	// the default payment address.
	Address() ids.Address
	// Raw returns the 32-byte private scalar, for persisting an identity
	// file and reloading it later via Load.
	Raw() []byte
}

type keyPair struct {
	priv *secp256k1.PrivateKey
	pub  []byte
	node ids.NodeID
	addr ids.Address
}

// Generate creates a fresh random keypair.
func Generate() (KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, errors.Wrap(err, "generating private key")
	}
	return fromPrivateKey(priv)
}

// Load reconstructs a keypair from a 32-byte scalar previously produced by
// Raw.
func Load(scalar []byte) (KeyPair, error) {
	if len(scalar) != 32 {
		return nil, errors.Errorf("private key scalar must be 32 bytes, got %d", len(scalar))
	}
	priv := secp256k1.PrivKeyFromBytes(scalar)
	return fromPrivateKey(priv)
}

func fromPrivateKey(priv *secp256k1.PrivateKey) (KeyPair, error) {
	pub := priv.PubKey().SerializeCompressed()
	node, err := NodeIDFromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &keyPair{
		priv: priv,
		pub:  pub,
		node: node,
		addr: AddressFromPublicKey(pub),
	}, nil
}

// Raw returns the 32-byte private scalar, suitable for persisting to an
// identity file and reloading via Load.
func (kp *keyPair) Raw() []byte {
	return kp.priv.Serialize()
}

func (kp *keyPair) Sign(payload []byte) ([]byte, error) {
	digest := sha256.Sum256(payload)
	sig := ecdsa.Sign(kp.priv, digest[:])
	return sig.Serialize(), nil
}

func (kp *keyPair) PublicKey() []byte {
	out := make([]byte, len(kp.pub))
	copy(out, kp.pub)
	return out
}

func (kp *keyPair) NodeID() ids.NodeID {
	return kp.node
}

func (kp *keyPair) Address() ids.Address {
	return kp.addr
}

// Verify checks a DER-encoded ECDSA signature over payload against a
// compressed public key.
func Verify(pubKey []byte, payload, sig []byte) bool {
	pub, err := secp256k1.ParsePubKey(pubKey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return parsed.Verify(digest[:], pub)
}

// NodeIDFromPublicKey derives a NodeID as RIPEMD-160(SHA-256(pubkey)),
// the usual double-hash construction used for wallet-style identities.
func NodeIDFromPublicKey(pubKey []byte) (ids.NodeID, error) {
	sha := sha256.Sum256(pubKey)
	r := ripemd160.New()
	if _, err := r.Write(sha[:]); err != nil {
		return ids.Zero, errors.Wrap(err, "hashing public key")
	}
	return ids.NodeIDFromBytes(r.Sum(nil))
}

// AddressFromPublicKey derives a base58check wallet address from a public
// key, used as the default payment address/destination when none is
// explicitly configured.
func AddressFromPublicKey(pubKey []byte) ids.Address {
	node, err := NodeIDFromPublicKey(pubKey)
	if err != nil {
		return ""
	}

	payload := make([]byte, 0, 1+ids.Size)
	payload = append(payload, addressVersion)
	payload = append(payload, node[:]...)

	checksum := doubleSHA256(payload)
	payload = append(payload, checksum[:4]...)

	return ids.Address(base58.Encode(payload))
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
