// Package storage defines the persistent-state trait the Session
// Orchestrator and Key Manager depend on, plus an in-memory reference
// implementation (used in tests and for local development) and an optional
// Postgres-backed implementation for durable deployments.
//
// The core never talks to a database directly: every store is reached
// through the Store interface, which composes the generic CRUDStore[T]
// pattern over four domain entities and adds an atomic
// RollbackUserRegistration for the registration-failure path spec'd in §6.
package storage

import (
	"time"

	pkgstorage "github.com/web3-authn/tatchi-sub013/pkg/storage"
)

// UserRecord is the durable record for one registered passkey account.
// Lifecycle: created on registration; mutated by login and VRF rotation;
// deleted only by explicit user action or a failed-registration rollback.
type UserRecord struct {
	AccountID                string            `json:"accountId"`
	DeviceNumber             uint32            `json:"deviceNumber"`
	Ed25519PublicKey         string            `json:"ed25519PublicKey"`
	EncryptedEd25519Key      EncryptedKeyBytes `json:"encryptedEd25519Key"`
	EncryptedVrfKeypair      EncryptedKeyBytes `json:"encryptedVrfKeypair"`
	ServerEncryptedVrfKeypair *ServerEncryptedVrfKeypair `json:"serverEncryptedVrfKeypair,omitempty"`
	Preferences              map[string]string `json:"preferences"`
	LastLoginMs              int64             `json:"lastLoginMs"`
	RegisteredAtMs           int64             `json:"registeredAtMs"`
	CreatedAt                time.Time         `json:"createdAt"`
	UpdatedAt                time.Time         `json:"updatedAt"`
}

// GetID identifies a UserRecord by its account ID; one record per account.
func (u *UserRecord) GetID() string { return u.AccountID }

// GetAccountID satisfies pkgstorage.Entity.
func (u *UserRecord) GetAccountID() string { return u.AccountID }

// SetCreatedAt satisfies pkgstorage.Entity.
func (u *UserRecord) SetCreatedAt(t time.Time) { u.CreatedAt = t }

// SetUpdatedAt satisfies pkgstorage.Entity.
func (u *UserRecord) SetUpdatedAt(t time.Time) { u.UpdatedAt = t }

// EncryptedKeyBytes is the shared ChaCha20-Poly1305 envelope shape for both
// EncryptedEd25519Key and EncryptedVrfKeypair (spec §3): a ciphertext and the
// 12-byte nonce it was sealed under. AAD differs by use and is not stored —
// it is reconstructed from the owning account ID at decrypt time.
type EncryptedKeyBytes struct {
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
}

// ServerEncryptedVrfKeypair is the optional Shamir-locked VRF KEK record
// (spec §9): the client-and-server-locked value kek_cs. The plaintext KEK
// never exists at rest on either party.
type ServerEncryptedVrfKeypair struct {
	KekCS []byte `json:"kekCs"`
}

// AuthenticatorRecord describes one WebAuthn authenticator bound to an
// account. Immutable except VrfPublicKey on rotation. Owned by the Key
// Manager; replicated read-only into the on-chain contract.
type AuthenticatorRecord struct {
	AccountID              string    `json:"accountId"`
	CredentialID            string    `json:"credentialId"`
	CredentialPublicKey      []byte    `json:"credentialPublicKey"` // COSE-encoded
	Transports               []string  `json:"transports"`
	DeviceNumber             uint32    `json:"deviceNumber"` // >= 1
	RegisteredAt             time.Time `json:"registeredAt"`
	VrfPublicKey             []byte    `json:"vrfPublicKey"`
	UserVerificationPolicy   string    `json:"userVerificationPolicy"`
	OriginPolicy             string    `json:"originPolicy"`
	CreatedAt                time.Time `json:"createdAt"`
	UpdatedAt                time.Time `json:"updatedAt"`
}

// GetID identifies an AuthenticatorRecord by its credential ID, unique
// across the whole system.
func (a *AuthenticatorRecord) GetID() string { return a.CredentialID }

// GetAccountID satisfies pkgstorage.Entity.
func (a *AuthenticatorRecord) GetAccountID() string { return a.AccountID }

// SetCreatedAt satisfies pkgstorage.Entity.
func (a *AuthenticatorRecord) SetCreatedAt(t time.Time) { a.CreatedAt = t }

// SetUpdatedAt satisfies pkgstorage.Entity.
func (a *AuthenticatorRecord) SetUpdatedAt(t time.Time) { a.UpdatedAt = t }

// Ed25519KeyRecord is the independently addressable EncryptedEd25519Key
// store entry, one per account, so the Key Manager can read or replace it
// without touching the rest of a UserRecord (e.g. during recovery).
type Ed25519KeyRecord struct {
	AccountID  string    `json:"accountId"`
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (k *Ed25519KeyRecord) GetID() string          { return k.AccountID }
func (k *Ed25519KeyRecord) GetAccountID() string   { return k.AccountID }
func (k *Ed25519KeyRecord) SetCreatedAt(t time.Time) { k.CreatedAt = t }
func (k *Ed25519KeyRecord) SetUpdatedAt(t time.Time) { k.UpdatedAt = t }

// VrfKeyRecord is the independently addressable EncryptedVrfKeypair store
// entry, one per account, mutated by rotateVrf.
type VrfKeyRecord struct {
	AccountID                 string                     `json:"accountId"`
	Ciphertext                []byte                     `json:"ciphertext"`
	Nonce                     []byte                     `json:"nonce"`
	ServerEncryptedVrfKeypair *ServerEncryptedVrfKeypair `json:"serverEncryptedVrfKeypair,omitempty"`
	CreatedAt                 time.Time                  `json:"createdAt"`
	UpdatedAt                 time.Time                  `json:"updatedAt"`
}

func (k *VrfKeyRecord) GetID() string          { return k.AccountID }
func (k *VrfKeyRecord) GetAccountID() string   { return k.AccountID }
func (k *VrfKeyRecord) SetCreatedAt(t time.Time) { k.CreatedAt = t }
func (k *VrfKeyRecord) SetUpdatedAt(t time.Time) { k.UpdatedAt = t }

var (
	_ pkgstorage.Entity = (*UserRecord)(nil)
	_ pkgstorage.Entity = (*AuthenticatorRecord)(nil)
	_ pkgstorage.Entity = (*Ed25519KeyRecord)(nil)
	_ pkgstorage.Entity = (*VrfKeyRecord)(nil)
)
