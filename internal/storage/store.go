package storage

import (
	"context"
	"errors"

	pkgstorage "github.com/web3-authn/tatchi-sub013/pkg/storage"
)

// ErrNotFound is returned by Get when no record exists for the given ID.
var ErrNotFound = errors.New("storage: record not found")

// ErrAlreadyExists is returned by Create when a record with the same ID is
// already present.
var ErrAlreadyExists = errors.New("storage: record already exists")

// Store is the persistence trait the Key Manager and Session Orchestrator
// are built against (spec §6: "CRUD over UserRecord, AuthenticatorRecord,
// EncryptedEd25519Key, EncryptedVrfKeypair; supports atomic per-account
// rollback"). Implementations must provide single-writer semantics per
// account key — the core does not itself serialize concurrent writers for
// the same account.
type Store interface {
	Users() pkgstorage.CRUDStore[*UserRecord]
	Authenticators() pkgstorage.CRUDStore[*AuthenticatorRecord]
	Ed25519Keys() pkgstorage.CRUDStore[*Ed25519KeyRecord]
	VrfKeys() pkgstorage.CRUDStore[*VrfKeyRecord]

	// RollbackUserRegistration atomically removes every record written for
	// accountID: the user record, all of its authenticators, its encrypted
	// Ed25519 key, and its encrypted VRF keypair. Unconditional on any
	// failure past the "encrypted key stored" step of registration (spec
	// §6 propagation policy). A rollback of an account with no records is
	// a no-op, not an error.
	RollbackUserRegistration(ctx context.Context, accountID string) error
}
