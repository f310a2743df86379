package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreUserCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	u := &UserRecord{
		AccountID:           "alice.testnet",
		DeviceNumber:        1,
		Ed25519PublicKey:    "ed25519:abc",
		EncryptedEd25519Key: EncryptedKeyBytes{Ciphertext: []byte("ct"), Nonce: []byte("nonce-12-byte")},
		EncryptedVrfKeypair: EncryptedKeyBytes{Ciphertext: []byte("vct"), Nonce: []byte("vnonce-1-byte")},
		Preferences:         map[string]string{"theme": "dark"},
	}

	created, err := s.Users().Create(ctx, u)
	require.NoError(t, err)
	require.False(t, created.CreatedAt.IsZero())

	_, err = s.Users().Create(ctx, u)
	require.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.Users().Get(ctx, "alice.testnet")
	require.NoError(t, err)
	require.Equal(t, "ed25519:abc", got.Ed25519PublicKey)

	got.LastLoginMs = 42
	updated, err := s.Users().Update(ctx, got)
	require.NoError(t, err)
	require.Equal(t, int64(42), updated.LastLoginMs)

	_, err = s.Users().Get(ctx, "nobody.testnet")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Users().Delete(ctx, "alice.testnet"))
	require.ErrorIs(t, s.Users().Delete(ctx, "alice.testnet"), ErrNotFound)
}

func TestMemoryStoreAuthenticatorListAndCount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i := 1; i <= 3; i++ {
		_, err := s.Authenticators().Create(ctx, &AuthenticatorRecord{
			AccountID:    "alice.testnet",
			CredentialID: "cred-" + string(rune('0'+i)),
			DeviceNumber: uint32(i),
		})
		require.NoError(t, err)
	}
	_, err := s.Authenticators().Create(ctx, &AuthenticatorRecord{
		AccountID:    "bob.testnet",
		CredentialID: "cred-bob",
		DeviceNumber: 1,
	})
	require.NoError(t, err)

	count, err := s.Authenticators().Count(ctx, "alice.testnet")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	page, err := s.Authenticators().List(ctx, "alice.testnet", 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)

	rest, err := s.Authenticators().List(ctx, "alice.testnet", 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
}

func TestMemoryStoreRollbackUserRegistration(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Users().Create(ctx, &UserRecord{AccountID: "carol.testnet"})
	require.NoError(t, err)
	_, err = s.Authenticators().Create(ctx, &AuthenticatorRecord{AccountID: "carol.testnet", CredentialID: "cred-1"})
	require.NoError(t, err)
	_, err = s.Ed25519Keys().Create(ctx, &Ed25519KeyRecord{AccountID: "carol.testnet", Ciphertext: []byte("a"), Nonce: []byte("b")})
	require.NoError(t, err)
	_, err = s.VrfKeys().Create(ctx, &VrfKeyRecord{AccountID: "carol.testnet", Ciphertext: []byte("a"), Nonce: []byte("b")})
	require.NoError(t, err)

	require.NoError(t, s.RollbackUserRegistration(ctx, "carol.testnet"))

	_, err = s.Users().Get(ctx, "carol.testnet")
	require.ErrorIs(t, err, ErrNotFound)
	n, err := s.Authenticators().Count(ctx, "carol.testnet")
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = s.Ed25519Keys().Get(ctx, "carol.testnet")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.VrfKeys().Get(ctx, "carol.testnet")
	require.ErrorIs(t, err, ErrNotFound)

	// Rolling back an account with no records at all must not error.
	require.NoError(t, s.RollbackUserRegistration(ctx, "nobody.testnet"))
}
