// Package keymanager implements the Key Manager (KM): registration,
// unlocking, recovery, and rotation of the per-account Ed25519 signing key
// and VRF keypair, plus the process-wide "current unlocked session"
// invariant the Signer Core reads from.
//
// The shape is grounded on the TEE master-key service's mutex-guarded
// key-entry map and HKDF-based derivation, generalized from a
// multi-version master key to a single per-account unlocked secret.
package keymanager

import (
	"context"
	"math/big"
	"sync"

	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/shamir"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
	"github.com/web3-authn/tatchi-sub013/internal/vrf"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	near25519Info = "w3a/near-ed25519/v1"
	aeadInfo      = "w3a/aead/v1"
	seedLen       = 32
)

// RelayClient performs the server half of a Shamir 3-pass sequence and the
// optional lock-enrollment call made during registration. The concrete HTTP
// implementation lives in internal/relay; KM only depends on this narrow
// interface so it can be unit tested with a fake.
type RelayClient interface {
	ApplyServerLock(ctx context.Context, accountID string, kekC []byte) (kekCS []byte, err error)
	RemoveServerLock(ctx context.Context, accountID string, kekS []byte) (kek []byte, err error)
}

// RegisterAccountInput is the KM.registerAccount request shape (spec §4.4).
type RegisterAccountInput struct {
	AccountID    string
	PrfA         []byte
	PrfB         []byte
	VrfChallenge *vrf.VrfChallenge
	Relay        RelayClient // nil disables Shamir VRF-KEK enrollment
}

// RegisterAccountOutput is returned to the caller for durable storage.
type RegisterAccountOutput struct {
	Ed25519PublicKey          string
	EncryptedEd25519Key       storage.EncryptedKeyBytes
	EncryptedVrfKeypair       storage.EncryptedKeyBytes
	ServerEncryptedVrfKeypair *storage.ServerEncryptedVrfKeypair

	// ClientUnlockExponent is the client's retained (e_c, d_c) pair from VRF
	// KEK enrollment, present only when ServerEncryptedVrfKeypair is. The
	// caller must persist it client-side and supply it back on every
	// UnlockVrfKeypair call: it is never stored by KM itself.
	ClientUnlockExponent *shamir.ExponentPair
}

// unlockedSession is the single secret KM holds in memory at a time: the
// raw Ed25519 seed and signing key for one account, plus the VRF keypair if
// it was also unlocked. Zeroised whenever a new account is unlocked or the
// session is explicitly locked.
type unlockedSession struct {
	accountID  string
	ed25519Sk  []byte // 64-byte Ed25519 private key
	ed25519Pub []byte
	vrfKeyPair *vrf.KeyPair
}

func (s *unlockedSession) zeroize() {
	if s == nil {
		return
	}
	cryptoprim.ZeroBytes(s.ed25519Sk)
	if s.vrfKeyPair != nil {
		cryptoprim.ZeroBytes(s.vrfKeyPair.SecretSeed)
	}
}

// KeyManager is the KM component. One KeyManager instance owns at most one
// unlocked session process-wide, matching spec §4.4's "KM owns the
// process-wide current unlocked session" invariant.
type KeyManager struct {
	mu      sync.Mutex
	current *unlockedSession
	logger  *logging.Logger
}

// New constructs a KeyManager. logger may be nil.
func New(logger *logging.Logger) *KeyManager {
	return &KeyManager{logger: logger}
}

// RegisterAccount derives the account's Ed25519 key from prfB, encrypts it
// under a key derived from prfA, and optionally enrolls the VRF KEK with the
// relay via the Shamir 3-pass sequence.
func (km *KeyManager) RegisterAccount(ctx context.Context, in RegisterAccountInput) (*RegisterAccountOutput, error) {
	if len(in.PrfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	if len(in.PrfB) == 0 {
		return nil, pkerrors.PrfMissing("prfB")
	}
	if in.AccountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}

	seed, err := cryptoprim.HkdfSha256([]byte(in.AccountID), in.PrfB, near25519Info, seedLen)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}
	pub, _, err := cryptoprim.Ed25519FromSeed(seed)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	encKey, err := sealEd25519Seed(seed, in.PrfA, in.AccountID)
	cryptoprim.ZeroBytes(seed)
	if err != nil {
		return nil, err
	}

	nearPub, err := cryptoprim.NearPublicKey(pub)
	if err != nil {
		return nil, pkerrors.InputValidation("ed25519PublicKey", err.Error())
	}

	out := &RegisterAccountOutput{
		Ed25519PublicKey:    nearPub,
		EncryptedEd25519Key: encKey,
	}

	if in.VrfChallenge != nil {
		_, encVrf, err := vrf.DeriveDeterministicKeypair(in.PrfA, in.AccountID)
		if err != nil {
			return nil, pkerrors.SigningFailed(err)
		}
		out.EncryptedVrfKeypair = storage.EncryptedKeyBytes{
			Ciphertext: encVrf.Ciphertext, Nonce: encVrf.Nonce,
		}

		if in.Relay != nil {
			// The Shamir-locked KEK is the AEAD key that sealed the VRF seed
			// above, so recovering it lets unlockViaShamir open EncryptedVrfKeypair.
			vrfKey, err := cryptoprim.HkdfSha256([]byte(in.AccountID), in.PrfA, "w3a/vrf/v1", seedLen)
			if err != nil {
				return nil, pkerrors.SigningFailed(err)
			}
			serverLocked, clientPair, err := km.enrollVrfKek(ctx, in.AccountID, vrfKey, in.Relay)
			cryptoprim.ZeroBytes(vrfKey)
			if err != nil {
				return nil, err
			}
			out.ServerEncryptedVrfKeypair = serverLocked
			out.ClientUnlockExponent = clientPair
		}
	}

	km.logEvent("account_registered", map[string]interface{}{"accountId": in.AccountID})
	return out, nil
}

// enrollVrfKek locks the VRF AEAD key (the key that seals the account's
// EncryptedVrfKeypair) as a Shamir KEK with the relay: the client locks, the
// relay server-locks and returns kek_cs, which is what gets persisted as
// ServerEncryptedVrfKeypair. The raw KEK never crosses the wire and is
// discarded here.
func (km *KeyManager) enrollVrfKek(ctx context.Context, accountID string, vrfKey []byte, relay RelayClient) (*storage.ServerEncryptedVrfKeypair, *shamir.ExponentPair, error) {
	eng := shamir.NewEngine(defaultShamirPrime())
	clientPair, err := eng.GenerateExponentPair()
	if err != nil {
		return nil, nil, pkerrors.SigningFailed(err)
	}

	kek := shamir.KEKFromBytes(vrfKey)
	kekC, err := eng.ClientLock(kek, clientPair.E)
	if err != nil {
		return nil, nil, err
	}

	kekCS, err := relay.ApplyServerLock(ctx, accountID, shamir.KEKToBytes(kekC))
	if err != nil {
		return nil, nil, pkerrors.RelayLockError(err)
	}

	return &storage.ServerEncryptedVrfKeypair{KekCS: kekCS}, clientPair, nil
}

// UnlockInput is the KM.unlockVrfKeypair request shape.
type UnlockInput struct {
	AccountID         string
	PrfA              []byte
	EncryptedVrf      storage.EncryptedKeyBytes
	ServerEncryptedVrf *storage.ServerEncryptedVrfKeypair
	Relay             RelayClient
	ClientUnlockExponent *shamir.ExponentPair // the client's retained (e,d) from enrollment
}

// UnlockVrfKeypair decrypts the VRF seed into the KM's single unlocked
// session, performing the Shamir unlock sequence first when a
// server-locked KEK is present. Returns a handle confirming which account
// is now unlocked; it never exposes the raw seed to the caller.
func (km *KeyManager) UnlockVrfKeypair(ctx context.Context, in UnlockInput) (*SecretHandle, error) {
	if len(in.PrfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	if in.AccountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}

	var vrfSeed []byte
	var err error
	if in.ServerEncryptedVrf != nil {
		vrfSeed, err = km.unlockViaShamir(ctx, in)
	} else {
		vrfSeed, err = vrf.DecryptKeypair(&vrf.EncryptedVrfKeypair{
			Ciphertext: in.EncryptedVrf.Ciphertext, Nonce: in.EncryptedVrf.Nonce,
		}, in.PrfA, in.AccountID)
	}
	if err != nil {
		return nil, pkerrors.DecryptFailed(err)
	}
	defer cryptoprim.ZeroBytes(vrfSeed)

	vrfKp, err := vrf.KeyPairFromSeed(vrfSeed)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	km.mu.Lock()
	if km.current != nil && km.current.accountID == in.AccountID {
		if km.current.vrfKeyPair != nil {
			cryptoprim.ZeroBytes(km.current.vrfKeyPair.SecretSeed)
		}
		km.current.vrfKeyPair = vrfKp
	} else {
		km.current.zeroize()
		km.current = &unlockedSession{accountID: in.AccountID, vrfKeyPair: vrfKp}
	}
	km.mu.Unlock()

	km.logEvent("vrf_unlocked", map[string]interface{}{"accountId": in.AccountID})
	return &SecretHandle{AccountID: in.AccountID}, nil
}

func (km *KeyManager) unlockViaShamir(ctx context.Context, in UnlockInput) ([]byte, error) {
	if in.Relay == nil {
		return nil, pkerrors.MissingParameter("relay")
	}
	if in.ClientUnlockExponent == nil {
		return nil, pkerrors.MissingParameter("clientUnlockExponent")
	}
	eng := shamir.NewEngine(defaultShamirPrime())

	kekCS := shamir.KEKFromBytes(in.ServerEncryptedVrf.KekCS)
	kekS, err := eng.ClientUnlock(kekCS, in.ClientUnlockExponent.D)
	if err != nil {
		return nil, err
	}

	kekBytes, err := in.Relay.RemoveServerLock(ctx, in.AccountID, shamir.KEKToBytes(kekS))
	if err != nil {
		return nil, pkerrors.RelayLockError(err)
	}
	kek := shamir.KEKFromBytes(kekBytes)

	return cryptoprim.ChaCha20Poly1305Decrypt(
		shamir.KEKToBytes(kek)[:chacha20poly1305.KeySize], in.EncryptedVrf.Nonce,
		vrfAAD(in.AccountID), in.EncryptedVrf.Ciphertext)
}

// UnlockEd25519Key decrypts accountID's Ed25519 seed into the current
// unlocked session, alongside any VRF keypair already unlocked for the same
// account. The Signer Core reads the resulting signing key back out via
// SigningKeyFor; it is never returned directly to callers outside the core.
func (km *KeyManager) UnlockEd25519Key(accountID string, prfA []byte, enc storage.EncryptedKeyBytes) (*SecretHandle, error) {
	if len(prfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	seed, err := cryptoprim.ChaCha20Poly1305Decrypt(
		mustDeriveAeadKey(prfA, accountID), enc.Nonce, []byte(accountID), enc.Ciphertext)
	if err != nil {
		return nil, pkerrors.DecryptFailed(err)
	}
	defer cryptoprim.ZeroBytes(seed)

	pub, sk, err := cryptoprim.Ed25519FromSeed(seed)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	km.mu.Lock()
	if km.current != nil && km.current.accountID == accountID {
		km.current.ed25519Sk, km.current.ed25519Pub = sk, pub
	} else {
		km.current.zeroize()
		km.current = &unlockedSession{accountID: accountID, ed25519Sk: sk, ed25519Pub: pub}
	}
	km.mu.Unlock()

	km.logEvent("ed25519_key_unlocked", map[string]interface{}{"accountId": accountID})
	return &SecretHandle{AccountID: accountID}, nil
}

// SigningKeyFor returns the currently unlocked Ed25519 private key for
// accountID, for the Signer Core to sign with. The returned slice aliases
// KM's internal state and must not be retained past the call.
func (km *KeyManager) SigningKeyFor(accountID string) ([]byte, bool) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.current == nil || km.current.accountID != accountID || km.current.ed25519Sk == nil {
		return nil, false
	}
	return km.current.ed25519Sk, true
}

// PublicKeyFor returns the currently unlocked Ed25519 public key for
// accountID, for the Signer Core to embed in the transactions it assembles.
func (km *KeyManager) PublicKeyFor(accountID string) ([]byte, bool) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.current == nil || km.current.accountID != accountID || km.current.ed25519Pub == nil {
		return nil, false
	}
	return km.current.ed25519Pub, true
}

// SignVrfChallenge mints a fresh VrfChallenge for accountID using the VRF
// keypair currently unlocked in KM's single session, without exposing the
// underlying secret seed to the caller — mirrors SigningKeyFor/PublicKeyFor's
// handle-only access pattern.
func (km *KeyManager) SignVrfChallenge(accountID string, in vrf.ChallengeInput) (*vrf.VrfChallenge, error) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if km.current == nil || km.current.accountID != accountID || km.current.vrfKeyPair == nil {
		return nil, pkerrors.Unauthorized("vrf keypair not unlocked for account")
	}
	return vrf.MakeChallenge(km.current.vrfKeyPair, in)
}

// RecoverInput is the KM.recoverKeypair request shape.
type RecoverInput struct {
	AccountID string
	PrfA      []byte
	PrfB      []byte
}

// RecoverOutput mirrors the registration output's Ed25519 half.
type RecoverOutput struct {
	Ed25519PublicKey    string
	EncryptedEd25519Key storage.EncryptedKeyBytes
}

// RecoverKeypair deterministically re-derives the Ed25519 key from the two
// PRF outputs and re-encrypts it, used when local storage has been wiped
// (spec §8 "Deterministic recovery").
func (km *KeyManager) RecoverKeypair(ctx context.Context, in RecoverInput) (*RecoverOutput, error) {
	if len(in.PrfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	if len(in.PrfB) == 0 {
		return nil, pkerrors.PrfMissing("prfB")
	}

	seed, err := cryptoprim.HkdfSha256([]byte(in.AccountID), in.PrfB, near25519Info, seedLen)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}
	defer cryptoprim.ZeroBytes(seed)

	pub, _, err := cryptoprim.Ed25519FromSeed(seed)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}
	nearPub, err := cryptoprim.NearPublicKey(pub)
	if err != nil {
		return nil, pkerrors.InputValidation("ed25519PublicKey", err.Error())
	}

	encKey, err := sealEd25519Seed(seed, in.PrfA, in.AccountID)
	if err != nil {
		return nil, err
	}

	km.logEvent("keypair_recovered", map[string]interface{}{"accountId": in.AccountID})
	return &RecoverOutput{Ed25519PublicKey: nearPub, EncryptedEd25519Key: encKey}, nil
}

// RotateVrf derives a replacement VRF keypair for accountID from prfA (its
// seed is salted with accountID+":rotated", so it differs from the
// registration keypair while repeated calls return the same one) and returns
// its seed encrypted under accountID's VRF key, ready to replace the stored
// EncryptedVrfKeypair. It does not touch storage, the unlocked session, or
// any Shamir-locked KEK.
func (km *KeyManager) RotateVrf(ctx context.Context, accountID string, prfA []byte) (*storage.EncryptedKeyBytes, error) {
	if len(prfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	kp, _, err := vrf.DeriveDeterministicKeypair(prfA, accountID+":rotated")
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}
	enc, err := vrf.EncryptKeypair(kp.SecretSeed, prfA, accountID)
	cryptoprim.ZeroBytes(kp.SecretSeed)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}
	km.logEvent("vrf_rotated", map[string]interface{}{"accountId": accountID})
	return &storage.EncryptedKeyBytes{Ciphertext: enc.Ciphertext, Nonce: enc.Nonce}, nil
}

// LockSession zeroizes and clears the current unlocked session, if any.
func (km *KeyManager) LockSession() {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.current.zeroize()
	km.current = nil
}

// IsUnlocked reports whether accountID is the currently unlocked session.
func (km *KeyManager) IsUnlocked(accountID string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	return km.current != nil && km.current.accountID == accountID
}

// SecretHandle is an opaque reference to the KM's in-memory unlocked
// session; it never carries key material, only enough to confirm identity.
type SecretHandle struct {
	AccountID string
}

func (km *KeyManager) logEvent(event string, fields map[string]interface{}) {
	if km.logger != nil {
		km.logger.LogSecurityEvent(nil, event, fields)
	}
}

func sealEd25519Seed(seed, prfA []byte, accountID string) (storage.EncryptedKeyBytes, error) {
	key := mustDeriveAeadKey(prfA, accountID)
	nonce, err := cryptoprim.RandomNonce()
	if err != nil {
		return storage.EncryptedKeyBytes{}, pkerrors.EncryptionFailed(err)
	}
	ct, err := cryptoprim.ChaCha20Poly1305Encrypt(key, nonce, []byte(accountID), seed)
	if err != nil {
		return storage.EncryptedKeyBytes{}, err
	}
	return storage.EncryptedKeyBytes{Ciphertext: ct, Nonce: nonce}, nil
}

func mustDeriveAeadKey(prfA []byte, accountID string) []byte {
	key, err := cryptoprim.HkdfSha256([]byte(accountID), prfA, aeadInfo, 32)
	if err != nil {
		// HKDF-Expand only fails when the requested length exceeds
		// 255*hashLen; 32 bytes never does, so this is unreachable.
		panic(err)
	}
	return key
}

func vrfAAD(accountID string) []byte {
	return append([]byte(accountID), []byte("vrf")...)
}

func defaultShamirPrime() *big.Int {
	return shamir.DefaultPrime()
}
