// Package channel implements DataChannelAuthorization: the
// token issuer/verifier that gates inbound CONSIGN uploads and outbound
// RETRIEVE/MIRROR downloads on the data-channel transport, an external
// collaborator this package never touches directly — it only issues and
// verifies the tokens that authorize a connection on it.
package channel

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/meshstore/core/ids"
)

// tokenBytes is 128 bits, a comfortably unguessable token size.
const tokenBytes = 16

// defaultTTL bounds how long an issued-but-unaccepted token stays
// valid, keeping a forgotten token from living in the cache forever.
const defaultTTL = 15 * time.Minute

// maxOutstanding bounds the token cache so a flood of CONSIGN/RETRIEVE/
// MIRROR issuances can't grow memory without bound.
const maxOutstanding = 8192

// Purpose names which operation a token authorizes: a token is always
// bound to a (data_hash, purpose) pair.
type Purpose string

const (
	PurposeConsign  Purpose = "consign"
	PurposeRetrieve Purpose = "retrieve"
	PurposeMirror   Purpose = "mirror"
)

type tokenRecord struct {
	dataHash  ids.NodeID
	purpose   Purpose
	expiresAt time.Time
}

// Authority is the token issuer/verifier. Issue produces a
// cryptographically random token and records (token -> data_hash,
// one_shot, expires_at); Accept consumes the record once, and every
// later call for that token fails.
type Authority struct {
	mu    sync.Mutex
	cache *lru.Cache
}

// NewAuthority constructs an Authority with its default outstanding-
// token ceiling.
func NewAuthority() *Authority {
	cache, err := lru.New(maxOutstanding)
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxOutstanding never is.
		panic(err)
	}
	return &Authority{cache: cache}
}

// Issue produces a fresh one-shot token authorizing purpose against
// dataHash.
func (a *Authority) Issue(dataHash ids.NodeID, purpose Purpose) (string, error) {
	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "generating data channel token")
	}
	token := hex.EncodeToString(raw)

	a.mu.Lock()
	a.cache.Add(token, tokenRecord{
		dataHash:  dataHash,
		purpose:   purpose,
		expiresAt: time.Now().Add(defaultTTL),
	})
	a.mu.Unlock()

	return token, nil
}

// Accept consumes token if it is valid, unexpired, and bound to
// dataHash, failing every subsequent call for the same token (one-shot).
func (a *Authority) Accept(token string, dataHash ids.NodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	value, ok := a.cache.Get(token)
	if !ok {
		return errors.New("unknown or already-consumed data channel token")
	}
	// One-shot: remove before validating so a concurrent Accept on the
	// same token can never both succeed.
	a.cache.Remove(token)

	rec := value.(tokenRecord)
	if time.Now().After(rec.expiresAt) {
		return errors.New("data channel token expired")
	}
	if rec.dataHash != dataHash {
		return errors.New("data channel token not bound to this data hash")
	}
	return nil
}

// Outstanding reports how many unconsumed tokens are currently tracked,
// for diagnostics.
func (a *Authority) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Len()
}
