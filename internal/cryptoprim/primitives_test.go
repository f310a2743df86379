package cryptoprim

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHkdfSha256Deterministic(t *testing.T) {
	ikm := []byte("prf-output-a-placeholder-32bytes")
	salt := []byte("alice.testnet")

	k1, err := HkdfSha256(salt, ikm, "w3a/aead/v1", 32)
	require.NoError(t, err)
	k2, err := HkdfSha256(salt, ikm, "w3a/aead/v1", 32)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	k3, err := HkdfSha256(salt, ikm, "w3a/vrf/v1", 32)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3, "different info strings must produce different keys")
}

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	key, err := HkdfSha256([]byte("salt"), []byte("ikm-material-32-bytes-long!!!!!"), "w3a/aead/v1", 32)
	require.NoError(t, err)
	nonce, err := RandomNonce()
	require.NoError(t, err)
	aad := []byte("alice.testnet")
	plaintext := []byte("ed25519-seed-placeholder-32byte")

	ciphertext, err := ChaCha20Poly1305Encrypt(key, nonce, aad, plaintext)
	require.NoError(t, err)

	decrypted, err := ChaCha20Poly1305Decrypt(key, nonce, aad, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestChaCha20Poly1305TamperDetection(t *testing.T) {
	key, err := HkdfSha256([]byte("salt"), []byte("ikm-material-32-bytes-long!!!!!"), "w3a/aead/v1", 32)
	require.NoError(t, err)
	nonce, err := RandomNonce()
	require.NoError(t, err)
	aad := []byte("alice.testnet")
	plaintext := []byte("ed25519-seed-placeholder-32byte")

	ciphertext, err := ChaCha20Poly1305Encrypt(key, nonce, aad, plaintext)
	require.NoError(t, err)

	cases := map[string]func() (key, nonce, aad, ciphertext []byte){
		"tampered ciphertext": func() ([]byte, []byte, []byte, []byte) {
			tampered := append([]byte(nil), ciphertext...)
			tampered[0] ^= 0xFF
			return key, nonce, aad, tampered
		},
		"tampered aad": func() ([]byte, []byte, []byte, []byte) {
			return key, nonce, []byte("bob.testnet"), ciphertext
		},
		"tampered nonce": func() ([]byte, []byte, []byte, []byte) {
			tamperedNonce := append([]byte(nil), nonce...)
			tamperedNonce[0] ^= 0xFF
			return key, tamperedNonce, aad, ciphertext
		},
	}

	for name, build := range cases {
		t.Run(name, func(t *testing.T) {
			k, n, a, c := build()
			_, err := ChaCha20Poly1305Decrypt(k, n, a, c)
			require.Error(t, err)
		})
	}
}

func TestEd25519FromSeedDeterministic(t *testing.T) {
	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}

	pub1, sk1, err := Ed25519FromSeed(seed)
	require.NoError(t, err)
	pub2, sk2, err := Ed25519FromSeed(seed)
	require.NoError(t, err)

	require.Equal(t, pub1, pub2)
	require.Equal(t, sk1, sk2)

	sig, err := Ed25519Sign(sk1, []byte("hello"))
	require.NoError(t, err)
	require.True(t, Ed25519Verify(pub1, []byte("hello"), sig))
	require.False(t, Ed25519Verify(pub1, []byte("tampered"), sig))
}

func TestBigModExpRejectsNothingButMatchesReference(t *testing.T) {
	base := big.NewInt(4)
	exp := big.NewInt(13)
	modulus := big.NewInt(497)

	got := BigModExp(base, exp, modulus)
	require.Equal(t, big.NewInt(445), got)
}

func TestBigModInverse(t *testing.T) {
	a := big.NewInt(3)
	m := big.NewInt(11)

	inv := BigModInverse(a, m)
	require.NotNil(t, inv)

	product := new(big.Int).Mul(a, inv)
	product.Mod(product, m)
	require.Equal(t, big.NewInt(1), product)
}

func TestBase64UrlRoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xFF, 0x10, 0x20}
	encoded := Base64UrlEncode(data)
	require.NotContains(t, encoded, "=")

	decoded, err := Base64UrlDecode(encoded)
	require.NoError(t, err)
	require.Equal(t, data, decoded)
}
