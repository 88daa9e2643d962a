package channel_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/channel"
	"github.com/meshstore/core/ids"
)

func testHash(t *testing.T) ids.NodeID {
	t.Helper()
	id, err := ids.NodeIDFromHex("dddddddddddddddddddddddddddddddddddddddd")
	require.NoError(t, err)
	return id
}

func TestIssueThenAcceptSucceedsOnce(t *testing.T) {
	auth := channel.NewAuthority()
	hash := testHash(t)

	token, err := auth.Issue(hash, channel.PurposeConsign)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.NoError(t, auth.Accept(token, hash))

	err = auth.Accept(token, hash)
	require.Error(t, err)
}

func TestAcceptRejectsUnknownToken(t *testing.T) {
	auth := channel.NewAuthority()
	err := auth.Accept("0000000000000000000000000000000", testHash(t))
	require.Error(t, err)
}

func TestAcceptRejectsMismatchedDataHash(t *testing.T) {
	auth := channel.NewAuthority()
	hash := testHash(t)
	other, err := ids.NodeIDFromHex("eeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeeee")
	require.NoError(t, err)

	token, err := auth.Issue(hash, channel.PurposeRetrieve)
	require.NoError(t, err)

	err = auth.Accept(token, other)
	require.Error(t, err)

	// The mismatched accept still consumed the token (one-shot applies
	// before the data-hash check), so even the correct hash now fails.
	err = auth.Accept(token, hash)
	require.Error(t, err)
}

func TestIssueProducesUniqueTokens(t *testing.T) {
	auth := channel.NewAuthority()
	hash := testHash(t)

	t1, err := auth.Issue(hash, channel.PurposeMirror)
	require.NoError(t, err)
	t2, err := auth.Issue(hash, channel.PurposeMirror)
	require.NoError(t, err)

	require.NotEqual(t, t1, t2)
}
