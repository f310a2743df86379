// Package cryptoprim provides the low-level cryptographic primitives shared
// by every higher layer of the passkey core: key derivation, AEAD, Ed25519,
// hashing, base64url codecs, and the constant-time modular arithmetic the
// Shamir engine builds on. Higher layers stay pure and unit-testable by
// depending only on this package for anything that touches secret material.
package cryptoprim

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// NonceSize is the ChaCha20-Poly1305 nonce length mandated by spec §4.1.
const NonceSize = chacha20poly1305.NonceSize

const aeadKeySize = chacha20poly1305.KeySize

// HkdfSha256 derives keyLen bytes of key material from ikm using HKDF-SHA256
// with the given salt and info context string.
func HkdfSha256(salt, ikm []byte, info string, keyLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, []byte(info))
	out := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return out, nil
}

// ChaCha20Poly1305Encrypt seals plaintext under key (32 bytes) with a
// 12-byte nonce and associated data, returning the ciphertext with the
// authentication tag appended.
func ChaCha20Poly1305Encrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	if len(key) != aeadKeySize {
		return nil, pkerrors.EncryptionFailed(fmt.Errorf("key must be %d bytes, got %d", aeadKeySize, len(key)))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, pkerrors.EncryptionFailed(err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, pkerrors.EncryptionFailed(fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce)))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// ChaCha20Poly1305Decrypt opens a ciphertext produced by
// ChaCha20Poly1305Encrypt. Any tampering of key/nonce/aad/ciphertext yields
// a DecryptError, never a panic or a silently-wrong plaintext.
func ChaCha20Poly1305Decrypt(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if len(key) != aeadKeySize {
		return nil, pkerrors.DecryptFailed(fmt.Errorf("key must be %d bytes, got %d", aeadKeySize, len(key)))
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, pkerrors.DecryptFailed(err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, pkerrors.DecryptFailed(fmt.Errorf("nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce)))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, pkerrors.DecryptFailed(err)
	}
	return plaintext, nil
}

// RandomNonce returns a fresh random 12-byte ChaCha20-Poly1305 nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	return nonce, nil
}

// Ed25519FromSeed expands a 32-byte seed into the standard 32-byte public
// key and 64-byte private key (seed || pub).
func Ed25519FromSeed(seed []byte) (pub []byte, sk []byte, err error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pubKey := priv.Public().(ed25519.PublicKey)
	return []byte(pubKey), []byte(priv), nil
}

// Ed25519Sign signs msg with the 64-byte expanded private key sk.
func Ed25519Sign(sk, msg []byte) ([]byte, error) {
	if len(sk) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(sk))
	}
	return ed25519.Sign(ed25519.PrivateKey(sk), msg), nil
}

// Ed25519Verify verifies an Ed25519 signature over msg under pub.
func Ed25519Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// SHA256 computes the SHA-256 digest of data.
func SHA256(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// Base64UrlEncode encodes data as unpadded URL-safe base64.
func Base64UrlEncode(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// Base64UrlDecode decodes unpadded URL-safe base64.
func Base64UrlDecode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// BigModExp computes base^exp mod modulus in constant time with respect to
// exp, using Go's big.Int.Exp which already runs a fixed-window algorithm
// independent of the bit pattern of exp for a fixed bit length modulus.
// Callers (the Shamir engine) are responsible for rejecting base >= modulus
// or base == 0 before calling this.
func BigModExp(base, exp, modulus *big.Int) *big.Int {
	return new(big.Int).Exp(base, exp, modulus)
}

// BigModInverse computes the modular inverse of a modulo m (i.e. d such
// that a*d ≡ 1 mod m), or nil if a and m are not coprime.
func BigModInverse(a, m *big.Int) *big.Int {
	return new(big.Int).ModInverse(a, m)
}

// ConstantTimeCompare reports whether a and b are equal using a
// constant-time comparison, for places that compare digests/tags directly
// rather than through an AEAD's own tag check.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ZeroBytes overwrites b with zeroes in place. Used to scrub secret seeds,
// PRF outputs, and Shamir exponents as soon as they are no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
