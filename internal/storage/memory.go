package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	pkgstorage "github.com/web3-authn/tatchi-sub013/pkg/storage"
)

// memoryCRUD is a generic in-process CRUDStore[T] backed by a mutex-guarded
// map, grounded on the CRUDStore[T Entity] contract in pkg/storage. It is
// intentionally simple: a full table scan per List/Count call, adequate for
// tests and local development, not for production load.
type memoryCRUD[T pkgstorage.Entity] struct {
	mu   sync.RWMutex
	rows map[string]T
	zero T
}

func newMemoryCRUD[T pkgstorage.Entity]() *memoryCRUD[T] {
	return &memoryCRUD[T]{rows: make(map[string]T)}
}

func (m *memoryCRUD[T]) Create(_ context.Context, entity T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := entity.GetID()
	if _, exists := m.rows[id]; exists {
		return m.zero, ErrAlreadyExists
	}
	now := time.Now().UTC()
	entity.SetCreatedAt(now)
	entity.SetUpdatedAt(now)
	m.rows[id] = entity
	return entity, nil
}

func (m *memoryCRUD[T]) Get(_ context.Context, id string) (T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[id]
	if !ok {
		return m.zero, ErrNotFound
	}
	return row, nil
}

func (m *memoryCRUD[T]) Update(_ context.Context, entity T) (T, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := entity.GetID()
	if _, ok := m.rows[id]; !ok {
		return m.zero, ErrNotFound
	}
	entity.SetUpdatedAt(time.Now().UTC())
	m.rows[id] = entity
	return entity, nil
}

func (m *memoryCRUD[T]) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rows[id]; !ok {
		return ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memoryCRUD[T]) List(_ context.Context, accountID string, limit, offset int) ([]T, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]T, 0)
	for _, row := range m.rows {
		if row.GetAccountID() == accountID {
			matched = append(matched, row)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].GetID() < matched[j].GetID() })

	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return []T{}, nil
	}
	end := len(matched)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return matched[offset:end], nil
}

func (m *memoryCRUD[T]) Count(_ context.Context, accountID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, row := range m.rows {
		if row.GetAccountID() == accountID {
			n++
		}
	}
	return n, nil
}

// deleteByAccount removes every row owned by accountID, used by
// RollbackUserRegistration; returns the number of rows deleted.
func (m *memoryCRUD[T]) deleteByAccount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id, row := range m.rows {
		if row.GetAccountID() == accountID {
			delete(m.rows, id)
			n++
		}
	}
	return n
}

// MemoryStore is the in-memory reference Store implementation used by tests
// and local development; it satisfies single-writer-per-account semantics
// only to the extent that Go map access under a mutex provides it — callers
// issuing concurrent writes for the same account must still serialize them
// upstream (e.g. via the Key Manager's single unlocked-session invariant).
type MemoryStore struct {
	users          *memoryCRUD[*UserRecord]
	authenticators *memoryCRUD[*AuthenticatorRecord]
	ed25519Keys    *memoryCRUD[*Ed25519KeyRecord]
	vrfKeys        *memoryCRUD[*VrfKeyRecord]
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          newMemoryCRUD[*UserRecord](),
		authenticators: newMemoryCRUD[*AuthenticatorRecord](),
		ed25519Keys:    newMemoryCRUD[*Ed25519KeyRecord](),
		vrfKeys:        newMemoryCRUD[*VrfKeyRecord](),
	}
}

func (s *MemoryStore) Users() pkgstorage.CRUDStore[*UserRecord] { return s.users }

func (s *MemoryStore) Authenticators() pkgstorage.CRUDStore[*AuthenticatorRecord] {
	return s.authenticators
}

func (s *MemoryStore) Ed25519Keys() pkgstorage.CRUDStore[*Ed25519KeyRecord] { return s.ed25519Keys }

func (s *MemoryStore) VrfKeys() pkgstorage.CRUDStore[*VrfKeyRecord] { return s.vrfKeys }

// RollbackUserRegistration deletes every record owned by accountID across
// all four stores. It never fails on a partially-written account: each
// sub-delete is best-effort and the overall call always returns nil.
func (s *MemoryStore) RollbackUserRegistration(_ context.Context, accountID string) error {
	s.users.deleteByAccount(accountID)
	s.authenticators.deleteByAccount(accountID)
	s.ed25519Keys.deleteByAccount(accountID)
	s.vrfKeys.deleteByAccount(accountID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
