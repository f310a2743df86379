// Package storage provides the generic CRUD contract internal/storage's
// MemoryStore and PostgresStore both implement, one per record type
// (UserRecord, AuthenticatorRecord, Ed25519KeyRecord, VrfKeyRecord).
package storage

import (
	"context"
	"time"
)

// Entity is anything a CRUDStore can hold: it must carry its own ID, the
// account it belongs to, and timestamps the store stamps in on write.
type Entity interface {
	GetID() string
	GetAccountID() string
	SetCreatedAt(time.Time)
	SetUpdatedAt(time.Time)
}

// CRUDStore is the generic per-record-type storage contract. Both of
// internal/storage's backends (in-memory, Postgres) implement one CRUDStore
// per record type rather than one god object, so Store composes four of
// these rather than exposing raw SQL.
type CRUDStore[T Entity] interface {
	Create(ctx context.Context, entity T) (T, error)
	Get(ctx context.Context, id string) (T, error)
	Update(ctx context.Context, entity T) (T, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, accountID string, limit, offset int) ([]T, error)
	Count(ctx context.Context, accountID string) (int64, error)
}
