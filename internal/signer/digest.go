package signer

import (
	"encoding/json"
	"fmt"

	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
)

// IntentDigest computes spec §4.5's intent digest:
// base64url(SHA256(canonicalJson(requests))). canonicalJson sorts object
// keys lexicographically (guaranteed by encoding/json's map marshaling),
// preserves array order, and uses decimal strings for integers.
func IntentDigest(requests []TxSigningRequest) (string, error) {
	canonical := make([]interface{}, len(requests))
	for i, r := range requests {
		canonical[i] = r.canonicalValue()
	}
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("canonicalize intent: %w", err)
	}
	digest := cryptoprim.SHA256(b)
	return cryptoprim.Base64UrlEncode(digest), nil
}
