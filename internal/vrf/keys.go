package vrf

import (
	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
)

// EncryptedVrfKeypair is the at-rest form of a VRF secret seed: ChaCha20-
// Poly1305 ciphertext with AAD = accountId ∥ "vrf", per spec §3.
type EncryptedVrfKeypair struct {
	Ciphertext []byte
	Nonce      []byte
}

const vrfEncryptInfo = "w3a/vrf/v1"
const vrfSeedInfo = "w3a/vrf-seed/v1"

func vrfAAD(accountId string) []byte {
	return append([]byte(accountId), []byte("vrf")...)
}

// EncryptKeypair derives a ChaCha20 key via HKDF(prfA, salt=accountId,
// info="w3a/vrf/v1") and seals secretSeed under it.
func EncryptKeypair(secretSeed []byte, prfA []byte, accountId string) (*EncryptedVrfKeypair, error) {
	key, err := cryptoprim.HkdfSha256([]byte(accountId), prfA, vrfEncryptInfo, 32)
	if err != nil {
		return nil, pkerrors.EncryptionFailed(err)
	}
	nonce, err := cryptoprim.RandomNonce()
	if err != nil {
		return nil, pkerrors.EncryptionFailed(err)
	}
	ciphertext, err := cryptoprim.ChaCha20Poly1305Encrypt(key, nonce, vrfAAD(accountId), secretSeed)
	if err != nil {
		return nil, err
	}
	cryptoprim.ZeroBytes(key)
	return &EncryptedVrfKeypair{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// DecryptKeypair reverses EncryptKeypair, returning the raw 32-byte secret
// seed. Fails with DecryptError on tag mismatch (wrong PRF, wrong account,
// or corrupted ciphertext).
func DecryptKeypair(enc *EncryptedVrfKeypair, prfA []byte, accountId string) ([]byte, error) {
	key, err := cryptoprim.HkdfSha256([]byte(accountId), prfA, vrfEncryptInfo, 32)
	if err != nil {
		return nil, pkerrors.DecryptFailed(err)
	}
	defer cryptoprim.ZeroBytes(key)
	return cryptoprim.ChaCha20Poly1305Decrypt(key, enc.Nonce, vrfAAD(accountId), enc.Ciphertext)
}

// DeriveDeterministicKeypair deterministically re-derives a VRF keypair
// used for account recovery: seed = HKDF(prfA, salt=accountId,
// info="w3a/vrf-seed/v1", len=32); then encrypts that seed exactly as
// EncryptKeypair would.
func DeriveDeterministicKeypair(prfA []byte, accountId string) (*KeyPair, *EncryptedVrfKeypair, error) {
	seed, err := cryptoprim.HkdfSha256([]byte(accountId), prfA, vrfSeedInfo, 32)
	if err != nil {
		return nil, nil, pkerrors.EncryptionFailed(err)
	}

	kp, err := KeyPairFromSeed(seed)
	if err != nil {
		return nil, nil, pkerrors.EncryptionFailed(err)
	}

	enc, err := EncryptKeypair(seed, prfA, accountId)
	if err != nil {
		return nil, nil, err
	}

	return kp, enc, nil
}
