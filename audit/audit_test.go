package audit_test

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/audit"
)

func randomShard(t *testing.T, segments int) []byte {
	t.Helper()
	buf := make([]byte, segments*audit.SegmentSize+37) // uneven last segment
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return buf
}

func TestProveAndVerifyRoundTrip(t *testing.T) {
	shard := randomShard(t, 5)

	for leafIdx := uint64(0); leafIdx < 6; leafIdx++ {
		proof, err := audit.ProveShardExistence(bytes.NewReader(shard), audit.Challenge{LeafIndex: leafIdx})
		require.NoError(t, err)
		require.Equal(t, leafIdx, proof.LeafIndex)
		require.True(t, audit.Verify(proof.Leaf, proof.Path, proof.Root), "leaf %d should verify", leafIdx)
	}
}

func TestProofIsDeterministic(t *testing.T) {
	shard := randomShard(t, 8)

	p1, err := audit.ProveShardExistence(bytes.NewReader(shard), audit.Challenge{LeafIndex: 3})
	require.NoError(t, err)
	p2, err := audit.ProveShardExistence(bytes.NewReader(shard), audit.Challenge{LeafIndex: 3})
	require.NoError(t, err)

	require.Equal(t, p1, p2)
}

func TestVerifyRejectsTamperedLeaf(t *testing.T) {
	shard := randomShard(t, 4)

	proof, err := audit.ProveShardExistence(bytes.NewReader(shard), audit.Challenge{LeafIndex: 1})
	require.NoError(t, err)

	tampered := append([]byte(nil), proof.Leaf...)
	tampered[0] ^= 0xFF

	require.False(t, audit.Verify(tampered, proof.Path, proof.Root))
}

func TestChallengeOutOfRangeFails(t *testing.T) {
	shard := randomShard(t, 1)

	_, err := audit.ProveShardExistence(bytes.NewReader(shard), audit.Challenge{LeafIndex: 99})
	require.Error(t, err)
}

func TestSingleLeafShard(t *testing.T) {
	shard := make([]byte, 100)
	_, err := rand.Read(shard)
	require.NoError(t, err)

	proof, err := audit.ProveShardExistence(bytes.NewReader(shard), audit.Challenge{LeafIndex: 0})
	require.NoError(t, err)
	require.Empty(t, proof.Path)
	require.True(t, audit.Verify(proof.Leaf, proof.Path, proof.Root))
}
