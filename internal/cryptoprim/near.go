package cryptoprim

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

const ed25519KeyPrefix = "ed25519:"

// NearPublicKey encodes a 32-byte Ed25519 public key as NEAR's
// "ed25519:<base58>" text format.
func NearPublicKey(pub []byte) (string, error) {
	if len(pub) != 32 {
		return "", fmt.Errorf("ed25519 public key must be 32 bytes, got %d", len(pub))
	}
	return ed25519KeyPrefix + base58.Encode(pub), nil
}

// ParseNearPublicKey decodes a NEAR "ed25519:<base58>" public key string
// back into its raw 32 bytes.
func ParseNearPublicKey(encoded string) ([]byte, error) {
	if !strings.HasPrefix(encoded, ed25519KeyPrefix) {
		return nil, fmt.Errorf("unsupported public key curve, expected %q prefix", ed25519KeyPrefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(encoded, ed25519KeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode base58 public key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("decoded ed25519 public key must be 32 bytes, got %d", len(raw))
	}
	return raw, nil
}

// ValidAccountId validates a NEAR-style dotted account name against the data
// model invariant: matches `[a-z0-9_-]+(\.[a-z0-9_-]+)+`, at most 64 bytes.
func ValidAccountId(accountId string) bool {
	if len(accountId) == 0 || len(accountId) > 64 {
		return false
	}
	labels := strings.Split(accountId, ".")
	if len(labels) < 2 {
		return false
	}
	for _, label := range labels {
		if !validAccountLabel(label) {
			return false
		}
	}
	return true
}

func validAccountLabel(label string) bool {
	if len(label) == 0 {
		return false
	}
	for _, r := range label {
		isLower := r >= 'a' && r <= 'z'
		isDigit := r >= '0' && r <= '9'
		if !isLower && !isDigit && r != '_' && r != '-' {
			return false
		}
	}
	return true
}
