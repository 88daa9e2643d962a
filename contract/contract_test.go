package contract_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meshstore/core/contract"
	"github.com/meshstore/core/ids"
	"github.com/meshstore/core/keys"
)

func freshContract(t *testing.T) contract.Contract {
	t.Helper()
	hash, err := ids.NodeIDFromHex("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, err)

	now := time.Now()
	toMillis := func(t time.Time) int64 { return t.UnixNano() / int64(time.Millisecond) }
	return contract.Contract{
		Version:         contract.V1,
		DataHash:        hash,
		DataSize:        1024,
		StoreBegin:      toMillis(now),
		StoreEnd:        toMillis(now.Add(24 * time.Hour)),
		PaymentAmount:   100,
		PaymentInterval: int64(time.Hour / time.Millisecond),
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	c := freshContract(t)
	require.NoError(t, c.SignFarmer(farmer))
	require.False(t, c.IsComplete())

	require.NoError(t, c.SignRenter(renter))
	require.True(t, c.IsComplete())
	require.True(t, c.VerifyFarmerSignature())
	require.True(t, c.VerifyRenterSignature())

	require.Equal(t, farmer.NodeID(), c.FarmerID)
	require.Equal(t, renter.NodeID(), c.RenterID)
}

func TestSigningOrderDoesNotMatter(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	renterFirst := freshContract(t)
	require.NoError(t, renterFirst.SignRenter(renter))
	require.NoError(t, renterFirst.SignFarmer(farmer))
	require.True(t, renterFirst.IsComplete())

	farmerFirst := freshContract(t)
	require.NoError(t, farmerFirst.SignFarmer(farmer))
	require.NoError(t, farmerFirst.SignRenter(renter))
	require.True(t, farmerFirst.IsComplete())
}

func TestCannotSignTwice(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)

	c := freshContract(t)
	require.NoError(t, c.SignFarmer(farmer))
	require.Error(t, c.SignFarmer(farmer))
}

func TestVerifyFailsOnTamperedTerms(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	c := freshContract(t)
	require.NoError(t, c.SignFarmer(farmer))
	require.NoError(t, c.SignRenter(renter))
	require.True(t, c.IsComplete())

	c.PaymentAmount += 1
	require.False(t, c.VerifyFarmerSignature())
	require.False(t, c.VerifyRenterSignature())
}

func TestVerifyFailsOnForgedPublicKey(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	impostor, err := keys.Generate()
	require.NoError(t, err)

	c := freshContract(t)
	require.NoError(t, c.SignFarmer(farmer))

	// Swap in a different public key that doesn't hash to the declared id.
	c.FarmerPublicKey = contract.HexBytes(impostor.PublicKey())
	require.False(t, c.VerifyFarmerSignature())
}

func TestCanonicalRoundTrip(t *testing.T) {
	farmer, err := keys.Generate()
	require.NoError(t, err)
	renter, err := keys.Generate()
	require.NoError(t, err)

	c := freshContract(t)
	require.NoError(t, c.SignFarmer(farmer))
	require.NoError(t, c.SignRenter(renter))

	bytes1, err := c.Canonical()
	require.NoError(t, err)

	parsed, err := contract.Parse(bytes1)
	require.NoError(t, err)

	bytes2, err := parsed.Canonical()
	require.NoError(t, err)

	require.Equal(t, bytes1, bytes2)
	require.True(t, parsed.IsComplete())
}

func TestValidateRejectsBadWindow(t *testing.T) {
	c := freshContract(t)
	c.StoreEnd = c.StoreBegin
	require.Error(t, c.Validate())
}
