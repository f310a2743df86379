package cryptoprim

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNearPublicKeyRoundTrip(t *testing.T) {
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i * 3)
	}

	encoded, err := NearPublicKey(pub)
	require.NoError(t, err)
	require.Regexp(t, `^ed25519:`, encoded)

	decoded, err := ParseNearPublicKey(encoded)
	require.NoError(t, err)
	require.Equal(t, pub, decoded)
}

func TestParseNearPublicKeyRejectsWrongCurve(t *testing.T) {
	_, err := ParseNearPublicKey("secp256k1:abc123")
	require.Error(t, err)
}

func TestValidAccountId(t *testing.T) {
	cases := map[string]bool{
		"alice.testnet":      true,
		"alice.near":         true,
		"a.b.c":              true,
		"alice":              false, // needs at least one dot
		"Alice.testnet":      false, // uppercase not allowed
		"":                   false,
		"a..b":               false,
	}

	for accountId, want := range cases {
		require.Equalf(t, want, ValidAccountId(accountId), "accountId=%q", accountId)
	}
}
