package keymanager

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi-sub013/internal/shamir"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
	"github.com/web3-authn/tatchi-sub013/internal/vrf"
)

// dummyVrfChallenge is a placeholder satisfying RegisterAccountInput's
// "a VRF challenge was produced for this ceremony" presence check; KM only
// tests VrfChallenge != nil, it does not inspect the challenge's fields.
var dummyVrfChallenge vrf.VrfChallenge

func prfBytes(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func TestRegisterAccountDeterministic(t *testing.T) {
	km := New(nil)
	ctx := context.Background()

	in := RegisterAccountInput{AccountID: "alice.testnet", PrfA: prfBytes('A'), PrfB: prfBytes('B')}
	out1, err := km.RegisterAccount(ctx, in)
	require.NoError(t, err)
	out2, err := km.RegisterAccount(ctx, in)
	require.NoError(t, err)

	require.Equal(t, out1.Ed25519PublicKey, out2.Ed25519PublicKey)
	require.Contains(t, out1.Ed25519PublicKey, "ed25519:")
}

func TestRegisterAccountRejectsMissingPrf(t *testing.T) {
	km := New(nil)
	_, err := km.RegisterAccount(context.Background(), RegisterAccountInput{AccountID: "alice.testnet", PrfB: prfBytes('B')})
	require.Error(t, err)
}

func TestRecoverKeypairMatchesRegistration(t *testing.T) {
	km := New(nil)
	ctx := context.Background()
	accountID := "alice.testnet"
	prfA, prfB := prfBytes('A'), prfBytes('B')

	registered, err := km.RegisterAccount(ctx, RegisterAccountInput{AccountID: accountID, PrfA: prfA, PrfB: prfB})
	require.NoError(t, err)

	recovered, err := km.RecoverKeypair(ctx, RecoverInput{AccountID: accountID, PrfA: prfA, PrfB: prfB})
	require.NoError(t, err)

	require.Equal(t, registered.Ed25519PublicKey, recovered.Ed25519PublicKey)
}

func TestUnlockEd25519KeyAndSigningKeyFor(t *testing.T) {
	km := New(nil)
	ctx := context.Background()
	accountID := "alice.testnet"
	prfA, prfB := prfBytes('A'), prfBytes('B')

	registered, err := km.RegisterAccount(ctx, RegisterAccountInput{AccountID: accountID, PrfA: prfA, PrfB: prfB})
	require.NoError(t, err)

	_, ok := km.SigningKeyFor(accountID)
	require.False(t, ok)

	_, err = km.UnlockEd25519Key(accountID, prfA, registered.EncryptedEd25519Key)
	require.NoError(t, err)

	sk, ok := km.SigningKeyFor(accountID)
	require.True(t, ok)
	require.Len(t, sk, 64)
	require.True(t, km.IsUnlocked(accountID))

	km.LockSession()
	_, ok = km.SigningKeyFor(accountID)
	require.False(t, ok)
}

func TestUnlockEd25519KeyRejectsWrongPrf(t *testing.T) {
	km := New(nil)
	ctx := context.Background()
	accountID := "alice.testnet"
	prfA, prfB := prfBytes('A'), prfBytes('B')

	registered, err := km.RegisterAccount(ctx, RegisterAccountInput{AccountID: accountID, PrfA: prfA, PrfB: prfB})
	require.NoError(t, err)

	_, err = km.UnlockEd25519Key(accountID, prfBytes('Z'), registered.EncryptedEd25519Key)
	require.Error(t, err)
}

// fakeRelay simulates the relay's server-half of the Shamir 3-pass sequence
// using the same engine, as a stand-in for the HTTP-backed implementation.
type fakeRelay struct {
	eng        *shamir.Engine
	serverPair *shamir.ExponentPair
}

func newFakeRelay(t *testing.T) *fakeRelay {
	eng := shamir.NewEngine(defaultShamirPrime())
	pair, err := eng.GenerateExponentPair()
	require.NoError(t, err)
	return &fakeRelay{eng: eng, serverPair: pair}
}

func (f *fakeRelay) ApplyServerLock(_ context.Context, _ string, kekC []byte) ([]byte, error) {
	kekCS, err := f.eng.ServerLock(shamir.KEKFromBytes(kekC), f.serverPair.E)
	if err != nil {
		return nil, err
	}
	return shamir.KEKToBytes(kekCS), nil
}

func (f *fakeRelay) RemoveServerLock(_ context.Context, _ string, kekS []byte) ([]byte, error) {
	kek, err := f.eng.ServerUnlock(shamir.KEKFromBytes(kekS), f.serverPair.D)
	if err != nil {
		return nil, err
	}
	return shamir.KEKToBytes(kek), nil
}

func TestRegisterAndUnlockVrfKeypairViaShamir(t *testing.T) {
	km := New(nil)
	ctx := context.Background()
	accountID := "alice.testnet"
	prfA, prfB := prfBytes('A'), prfBytes('B')
	relay := newFakeRelay(t)

	out, err := km.RegisterAccount(ctx, RegisterAccountInput{
		AccountID:    accountID,
		PrfA:         prfA,
		PrfB:         prfB,
		VrfChallenge: &dummyVrfChallenge,
		Relay:        relay,
	})
	require.NoError(t, err)
	require.NotNil(t, out.ServerEncryptedVrfKeypair)
	require.NotNil(t, out.ClientUnlockExponent)

	handle, err := km.UnlockVrfKeypair(ctx, UnlockInput{
		AccountID: accountID,
		PrfA:      prfA,
		EncryptedVrf: storage.EncryptedKeyBytes{
			Ciphertext: out.EncryptedVrfKeypair.Ciphertext,
			Nonce:      out.EncryptedVrfKeypair.Nonce,
		},
		ServerEncryptedVrf:   out.ServerEncryptedVrfKeypair,
		Relay:                relay,
		ClientUnlockExponent: out.ClientUnlockExponent,
	})
	require.NoError(t, err)
	require.Equal(t, accountID, handle.AccountID)
	require.True(t, km.IsUnlocked(accountID))
}
