package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	pkgstorage "github.com/web3-authn/tatchi-sub013/pkg/storage"
)

// PostgresStore is the durable Store implementation backed by
// database/sql + lib/pq. It expects the schema in Schema() to already have
// been applied; NewPostgresStore does not run migrations itself.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an already-opened *sql.DB (driver "postgres").
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema returns the DDL PostgresStore expects. Callers run this via their
// own migration tooling; it is exposed here so a single source of truth
// exists for the four tables.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS passkey_users (
	account_id                    TEXT PRIMARY KEY,
	device_number                 INTEGER NOT NULL,
	ed25519_public_key            TEXT NOT NULL,
	encrypted_ed25519_ciphertext  BYTEA NOT NULL,
	encrypted_ed25519_nonce       BYTEA NOT NULL,
	encrypted_vrf_ciphertext      BYTEA NOT NULL,
	encrypted_vrf_nonce           BYTEA NOT NULL,
	server_encrypted_vrf_kek_cs   BYTEA,
	preferences                   JSONB NOT NULL DEFAULT '{}',
	last_login_ms                 BIGINT NOT NULL DEFAULT 0,
	registered_at_ms              BIGINT NOT NULL DEFAULT 0,
	created_at                    TIMESTAMPTZ NOT NULL,
	updated_at                    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS passkey_authenticators (
	credential_id             TEXT PRIMARY KEY,
	account_id                TEXT NOT NULL REFERENCES passkey_users(account_id) ON DELETE CASCADE,
	credential_public_key     BYTEA NOT NULL,
	transports                JSONB NOT NULL DEFAULT '[]',
	device_number             INTEGER NOT NULL,
	registered_at             TIMESTAMPTZ NOT NULL,
	vrf_public_key            BYTEA NOT NULL,
	user_verification_policy  TEXT NOT NULL,
	origin_policy             TEXT NOT NULL,
	created_at                TIMESTAMPTZ NOT NULL,
	updated_at                TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_passkey_authenticators_account ON passkey_authenticators(account_id);

CREATE TABLE IF NOT EXISTS passkey_ed25519_keys (
	account_id  TEXT PRIMARY KEY,
	ciphertext  BYTEA NOT NULL,
	nonce       BYTEA NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS passkey_vrf_keys (
	account_id            TEXT PRIMARY KEY,
	ciphertext            BYTEA NOT NULL,
	nonce                 BYTEA NOT NULL,
	server_kek_cs         BYTEA,
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
`
}

func (s *PostgresStore) Users() pkgstorage.CRUDStore[*UserRecord] {
	return crudUsers{db: s.db}
}

func (s *PostgresStore) Authenticators() pkgstorage.CRUDStore[*AuthenticatorRecord] {
	return crudAuthenticators{db: s.db}
}

func (s *PostgresStore) Ed25519Keys() pkgstorage.CRUDStore[*Ed25519KeyRecord] {
	return crudEd25519Keys{db: s.db}
}

func (s *PostgresStore) VrfKeys() pkgstorage.CRUDStore[*VrfKeyRecord] {
	return crudVrfKeys{db: s.db}
}

// RollbackUserRegistration deletes a user's authenticators, key-material
// rows and user row with explicit DELETEs in one transaction, so a rollback
// succeeds even if the user row was never written.
func (s *PostgresStore) RollbackUserRegistration(ctx context.Context, accountID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("rollback registration: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM passkey_authenticators WHERE account_id = $1`,
		`DELETE FROM passkey_ed25519_keys WHERE account_id = $1`,
		`DELETE FROM passkey_vrf_keys WHERE account_id = $1`,
		`DELETE FROM passkey_users WHERE account_id = $1`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, accountID); err != nil {
			return fmt.Errorf("rollback registration: %w", err)
		}
	}
	return tx.Commit()
}

var _ Store = (*PostgresStore)(nil)

// --- UserRecord ---

type crudUsers struct{ db *sql.DB }

func (c crudUsers) Create(ctx context.Context, u *UserRecord) (*UserRecord, error) {
	now := time.Now().UTC()
	u.CreatedAt, u.UpdatedAt = now, now
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return nil, fmt.Errorf("marshal preferences: %w", err)
	}
	var kekCS []byte
	if u.ServerEncryptedVrfKeypair != nil {
		kekCS = u.ServerEncryptedVrfKeypair.KekCS
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO passkey_users (
			account_id, device_number, ed25519_public_key,
			encrypted_ed25519_ciphertext, encrypted_ed25519_nonce,
			encrypted_vrf_ciphertext, encrypted_vrf_nonce, server_encrypted_vrf_kek_cs,
			preferences, last_login_ms, registered_at_ms, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		u.AccountID, u.DeviceNumber, u.Ed25519PublicKey,
		u.EncryptedEd25519Key.Ciphertext, u.EncryptedEd25519Key.Nonce,
		u.EncryptedVrfKeypair.Ciphertext, u.EncryptedVrfKeypair.Nonce, kekCS,
		prefs, u.LastLoginMs, u.RegisteredAtMs, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (c crudUsers) Get(ctx context.Context, id string) (*UserRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT account_id, device_number, ed25519_public_key,
			encrypted_ed25519_ciphertext, encrypted_ed25519_nonce,
			encrypted_vrf_ciphertext, encrypted_vrf_nonce, server_encrypted_vrf_kek_cs,
			preferences, last_login_ms, registered_at_ms, created_at, updated_at
		FROM passkey_users WHERE account_id = $1`, id)
	return scanUser(row)
}

func (c crudUsers) Update(ctx context.Context, u *UserRecord) (*UserRecord, error) {
	u.UpdatedAt = time.Now().UTC()
	prefs, err := json.Marshal(u.Preferences)
	if err != nil {
		return nil, fmt.Errorf("marshal preferences: %w", err)
	}
	var kekCS []byte
	if u.ServerEncryptedVrfKeypair != nil {
		kekCS = u.ServerEncryptedVrfKeypair.KekCS
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE passkey_users SET
			device_number=$2, ed25519_public_key=$3,
			encrypted_ed25519_ciphertext=$4, encrypted_ed25519_nonce=$5,
			encrypted_vrf_ciphertext=$6, encrypted_vrf_nonce=$7, server_encrypted_vrf_kek_cs=$8,
			preferences=$9, last_login_ms=$10, registered_at_ms=$11, updated_at=$12
		WHERE account_id=$1`,
		u.AccountID, u.DeviceNumber, u.Ed25519PublicKey,
		u.EncryptedEd25519Key.Ciphertext, u.EncryptedEd25519Key.Nonce,
		u.EncryptedVrfKeypair.Ciphertext, u.EncryptedVrfKeypair.Nonce, kekCS,
		prefs, u.LastLoginMs, u.RegisteredAtMs, u.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return u, nil
}

func (c crudUsers) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM passkey_users WHERE account_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// List ignores accountID: UserRecord is already keyed 1:1 by account, so
// listing "by account" degenerates to at most one row.
func (c crudUsers) List(ctx context.Context, accountID string, _, _ int) ([]*UserRecord, error) {
	u, err := c.Get(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return []*UserRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []*UserRecord{u}, nil
}

func (c crudUsers) Count(ctx context.Context, accountID string) (int64, error) {
	rows, err := c.List(ctx, accountID, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func scanUser(row *sql.Row) (*UserRecord, error) {
	var u UserRecord
	var prefs []byte
	var kekCS []byte
	err := row.Scan(&u.AccountID, &u.DeviceNumber, &u.Ed25519PublicKey,
		&u.EncryptedEd25519Key.Ciphertext, &u.EncryptedEd25519Key.Nonce,
		&u.EncryptedVrfKeypair.Ciphertext, &u.EncryptedVrfKeypair.Nonce, &kekCS,
		&prefs, &u.LastLoginMs, &u.RegisteredAtMs, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if len(kekCS) > 0 {
		u.ServerEncryptedVrfKeypair = &ServerEncryptedVrfKeypair{KekCS: kekCS}
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &u.Preferences); err != nil {
			return nil, fmt.Errorf("unmarshal preferences: %w", err)
		}
	}
	return &u, nil
}

// --- AuthenticatorRecord ---

type crudAuthenticators struct{ db *sql.DB }

func (c crudAuthenticators) Create(ctx context.Context, a *AuthenticatorRecord) (*AuthenticatorRecord, error) {
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	transports, err := json.Marshal(a.Transports)
	if err != nil {
		return nil, fmt.Errorf("marshal transports: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO passkey_authenticators (
			credential_id, account_id, credential_public_key, transports, device_number,
			registered_at, vrf_public_key, user_verification_policy, origin_policy,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		a.CredentialID, a.AccountID, a.CredentialPublicKey, transports, a.DeviceNumber,
		a.RegisteredAt, a.VrfPublicKey, a.UserVerificationPolicy, a.OriginPolicy,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert authenticator: %w", err)
	}
	return a, nil
}

func (c crudAuthenticators) Get(ctx context.Context, id string) (*AuthenticatorRecord, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT credential_id, account_id, credential_public_key, transports, device_number,
			registered_at, vrf_public_key, user_verification_policy, origin_policy,
			created_at, updated_at
		FROM passkey_authenticators WHERE credential_id = $1`, id)
	return scanAuthenticator(row)
}

func (c crudAuthenticators) Update(ctx context.Context, a *AuthenticatorRecord) (*AuthenticatorRecord, error) {
	a.UpdatedAt = time.Now().UTC()
	transports, err := json.Marshal(a.Transports)
	if err != nil {
		return nil, fmt.Errorf("marshal transports: %w", err)
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE passkey_authenticators SET
			credential_public_key=$2, transports=$3, device_number=$4,
			vrf_public_key=$5, user_verification_policy=$6, origin_policy=$7, updated_at=$8
		WHERE credential_id=$1`,
		a.CredentialID, a.CredentialPublicKey, transports, a.DeviceNumber,
		a.VrfPublicKey, a.UserVerificationPolicy, a.OriginPolicy, a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update authenticator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return a, nil
}

func (c crudAuthenticators) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM passkey_authenticators WHERE credential_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete authenticator: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c crudAuthenticators) List(ctx context.Context, accountID string, limit, offset int) ([]*AuthenticatorRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT credential_id, account_id, credential_public_key, transports, device_number,
			registered_at, vrf_public_key, user_verification_policy, origin_policy,
			created_at, updated_at
		FROM passkey_authenticators WHERE account_id = $1
		ORDER BY device_number ASC LIMIT $2 OFFSET $3`, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list authenticators: %w", err)
	}
	defer rows.Close()

	out := make([]*AuthenticatorRecord, 0)
	for rows.Next() {
		a, err := scanAuthenticatorRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (c crudAuthenticators) Count(ctx context.Context, accountID string) (int64, error) {
	var n int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM passkey_authenticators WHERE account_id = $1`, accountID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count authenticators: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAuthenticator(row *sql.Row) (*AuthenticatorRecord, error) {
	a, err := scanAuthenticatorInto(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func scanAuthenticatorRows(rows *sql.Rows) (*AuthenticatorRecord, error) {
	return scanAuthenticatorInto(rows)
}

func scanAuthenticatorInto(s rowScanner) (*AuthenticatorRecord, error) {
	var a AuthenticatorRecord
	var transports []byte
	err := s.Scan(&a.CredentialID, &a.AccountID, &a.CredentialPublicKey, &transports, &a.DeviceNumber,
		&a.RegisteredAt, &a.VrfPublicKey, &a.UserVerificationPolicy, &a.OriginPolicy,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(transports) > 0 {
		if err := json.Unmarshal(transports, &a.Transports); err != nil {
			return nil, fmt.Errorf("unmarshal transports: %w", err)
		}
	}
	return &a, nil
}

// --- Ed25519KeyRecord ---

type crudEd25519Keys struct{ db *sql.DB }

func (c crudEd25519Keys) Create(ctx context.Context, k *Ed25519KeyRecord) (*Ed25519KeyRecord, error) {
	now := time.Now().UTC()
	k.CreatedAt, k.UpdatedAt = now, now
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO passkey_ed25519_keys (account_id, ciphertext, nonce, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5)`, k.AccountID, k.Ciphertext, k.Nonce, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ed25519 key: %w", err)
	}
	return k, nil
}

func (c crudEd25519Keys) Get(ctx context.Context, id string) (*Ed25519KeyRecord, error) {
	var k Ed25519KeyRecord
	err := c.db.QueryRowContext(ctx, `
		SELECT account_id, ciphertext, nonce, created_at, updated_at
		FROM passkey_ed25519_keys WHERE account_id = $1`, id,
	).Scan(&k.AccountID, &k.Ciphertext, &k.Nonce, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan ed25519 key: %w", err)
	}
	return &k, nil
}

func (c crudEd25519Keys) Update(ctx context.Context, k *Ed25519KeyRecord) (*Ed25519KeyRecord, error) {
	k.UpdatedAt = time.Now().UTC()
	res, err := c.db.ExecContext(ctx, `
		UPDATE passkey_ed25519_keys SET ciphertext=$2, nonce=$3, updated_at=$4
		WHERE account_id=$1`, k.AccountID, k.Ciphertext, k.Nonce, k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update ed25519 key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return k, nil
}

func (c crudEd25519Keys) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM passkey_ed25519_keys WHERE account_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete ed25519 key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c crudEd25519Keys) List(ctx context.Context, accountID string, _, _ int) ([]*Ed25519KeyRecord, error) {
	k, err := c.Get(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return []*Ed25519KeyRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []*Ed25519KeyRecord{k}, nil
}

func (c crudEd25519Keys) Count(ctx context.Context, accountID string) (int64, error) {
	rows, err := c.List(ctx, accountID, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

// --- VrfKeyRecord ---

type crudVrfKeys struct{ db *sql.DB }

func (c crudVrfKeys) Create(ctx context.Context, k *VrfKeyRecord) (*VrfKeyRecord, error) {
	now := time.Now().UTC()
	k.CreatedAt, k.UpdatedAt = now, now
	var kekCS []byte
	if k.ServerEncryptedVrfKeypair != nil {
		kekCS = k.ServerEncryptedVrfKeypair.KekCS
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO passkey_vrf_keys (account_id, ciphertext, nonce, server_kek_cs, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)`, k.AccountID, k.Ciphertext, k.Nonce, kekCS, k.CreatedAt, k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert vrf key: %w", err)
	}
	return k, nil
}

func (c crudVrfKeys) Get(ctx context.Context, id string) (*VrfKeyRecord, error) {
	var k VrfKeyRecord
	var kekCS []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT account_id, ciphertext, nonce, server_kek_cs, created_at, updated_at
		FROM passkey_vrf_keys WHERE account_id = $1`, id,
	).Scan(&k.AccountID, &k.Ciphertext, &k.Nonce, &kekCS, &k.CreatedAt, &k.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan vrf key: %w", err)
	}
	if len(kekCS) > 0 {
		k.ServerEncryptedVrfKeypair = &ServerEncryptedVrfKeypair{KekCS: kekCS}
	}
	return &k, nil
}

func (c crudVrfKeys) Update(ctx context.Context, k *VrfKeyRecord) (*VrfKeyRecord, error) {
	k.UpdatedAt = time.Now().UTC()
	var kekCS []byte
	if k.ServerEncryptedVrfKeypair != nil {
		kekCS = k.ServerEncryptedVrfKeypair.KekCS
	}
	res, err := c.db.ExecContext(ctx, `
		UPDATE passkey_vrf_keys SET ciphertext=$2, nonce=$3, server_kek_cs=$4, updated_at=$5
		WHERE account_id=$1`, k.AccountID, k.Ciphertext, k.Nonce, kekCS, k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update vrf key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return k, nil
}

func (c crudVrfKeys) Delete(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM passkey_vrf_keys WHERE account_id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete vrf key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c crudVrfKeys) List(ctx context.Context, accountID string, _, _ int) ([]*VrfKeyRecord, error) {
	k, err := c.Get(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		return []*VrfKeyRecord{}, nil
	}
	if err != nil {
		return nil, err
	}
	return []*VrfKeyRecord{k}, nil
}

func (c crudVrfKeys) Count(ctx context.Context, accountID string) (int64, error) {
	rows, err := c.List(ctx, accountID, 0, 0)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}
