// Package orchestrator implements the Session Orchestrator (SO): the
// high-level register/login/execute/recover/link-device flows spec §4.6
// describes, composed from the Key Manager, Signer Core, VRF Engine, the
// NEAR ChainClient, the Shamir RelayClient, and an injected Storage trait.
package orchestrator

import (
	"context"
	"time"

	"github.com/web3-authn/tatchi-sub013/internal/chain"
	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
	"github.com/web3-authn/tatchi-sub013/internal/shamir"
	"github.com/web3-authn/tatchi-sub013/internal/signer"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
)

// CredentialOutputs is what an Authenticator returns for both create() and
// get(): the credential identity plus the dual PRF outputs spec §6 names
// ("first" = PRF-A for AEAD, "second" = PRF-B for the Ed25519 seed).
type CredentialOutputs struct {
	CredentialID        string
	CredentialPublicKey []byte // COSE-encoded
	Transports          []string
	PrfA                []byte
	PrfB                []byte
}

// CreateOptions parameterizes Authenticator.Create (registration).
type CreateOptions struct {
	AccountID string
	RPID      string
}

// GetOptions parameterizes Authenticator.Get (login/recovery). CredentialID,
// when set, restricts the ceremony to one credential — the Recover phase of
// account recovery does this after Discover has let the user pick.
type GetOptions struct {
	AccountID    string
	RPID         string
	CredentialID string
}

// Authenticator is the platform WebAuthn collaborator the Session
// Orchestrator drives (spec §6). The real implementation lives in whatever
// embeds this core (a browser bridge, a native passkey provider); this
// package depends only on the interface so it can be tested and driven from
// cmd/passkeyctl with a deterministic stand-in.
type Authenticator interface {
	Create(ctx context.Context, opts CreateOptions) (*CredentialOutputs, error)
	Get(ctx context.Context, opts GetOptions) (*CredentialOutputs, error)
}

// LoginState is login's exit contract (spec §6): the account now active in
// the Key Manager's single unlocked session.
type LoginState struct {
	AccountID        string
	Ed25519PublicKey string
	VrfPublicKey     []byte
	LoggedInAtMs     int64
}

// RegisterResult is register's exit contract (spec §6). ClientUnlockExponent
// is set only when registration ran with a non-nil RelayClient (the VRF KEK
// was enrolled in the Shamir 3-pass protocol); the Key Manager never
// persists this value itself, so the caller must durably store it
// client-side and supply it back to Login for every subsequent unlock.
type RegisterResult struct {
	AccountID            string
	PublicKey            string
	ClientUnlockExponent *shamir.ExponentPair
}

// RecoverResult is recover's exit contract (spec §6).
type RecoverResult struct {
	AccountID string
	PublicKey string
}

// CredentialSummary is what Discover offers the user to choose from,
// without touching PRF (spec §4.6 "Discover").
type CredentialSummary struct {
	CredentialID string
	DisplayName  string
}

// TxOutcome is one entry of signAndSendTransactions' exit contract
// (spec §6): `[{txHash, outcome}]`.
type TxOutcome struct {
	TxHash  string
	Outcome string
}

// QRPayload is the device-linking QR JSON (spec §6's wire format):
// `{ device2PublicKey, accountId?, timestamp }`.
type QRPayload struct {
	Device2PublicKey string `json:"device2PublicKey"`
	AccountID        string `json:"accountId,omitempty"`
	TimestampMs      int64  `json:"timestamp"`
}

// LinkDeviceResult is linkDeviceFromQr's exit contract (spec §6).
type LinkDeviceResult struct {
	LinkedToAccount  string
	Device2PublicKey string
	CleanupSignedTx  *signer.SignedTransaction // the retained, unbroadcast DeleteKey
}

// Deps bundles every collaborator the Session Orchestrator is built
// against. All fields except Relay are required; Relay is nil when Shamir
// VRF-KEK enrollment is disabled (spec §4.4's "optionally SE enrolls").
type Deps struct {
	KM     *keymanager.KeyManager
	Signer *signer.Core
	Chain  chain.Client
	Relay  keymanager.RelayClient
	Store  storage.Store
	Auth   Authenticator
	RPID   string

	FreshnessWindowBlocks   uint64
	DeviceLinkQRTTL         time.Duration
	DeviceLinkPollInterval  time.Duration
	DeviceLinkDeadManWindow time.Duration
}
