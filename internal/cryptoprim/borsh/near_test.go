package borsh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testPublicKey(t *testing.T) PublicKey {
	t.Helper()
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}
	pk, err := NewEd25519PublicKey(raw)
	require.NoError(t, err)
	return pk
}

func TestEncodeTransactionTransfer(t *testing.T) {
	pk := testPublicKey(t)
	var blockHash [32]byte
	for i := range blockHash {
		blockHash[i] = byte(255 - i)
	}

	tx := Transaction{
		SignerId:   "alice.testnet",
		PublicKey:  pk,
		Nonce:      42,
		ReceiverId: "bob.testnet",
		BlockHash:  blockHash,
		Actions: []Action{
			{Kind: ActionTransfer, DepositYocto: "1000000000000000000000000"},
		},
	}

	encoded, err := EncodeTransaction(tx)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)

	// Re-encoding the same value must be byte-identical (determinism).
	again, err := EncodeTransaction(tx)
	require.NoError(t, err)
	require.Equal(t, encoded, again)
}

func TestEncodeTransactionFunctionCallRejectsEmptyMethod(t *testing.T) {
	pk := testPublicKey(t)
	tx := Transaction{
		SignerId:   "alice.testnet",
		PublicKey:  pk,
		Nonce:      1,
		ReceiverId: "bob.testnet",
		Actions: []Action{
			{Kind: ActionFunctionCall, MethodName: "", Args: []byte("{}"), Gas: 30_000_000_000_000, DepositYocto: "0"},
		},
	}

	_, err := EncodeTransaction(tx)
	require.Error(t, err)
}

func TestEncodeTransactionAddKeyFullAccess(t *testing.T) {
	pk := testPublicKey(t)
	device2 := testPublicKey(t)

	tx := Transaction{
		SignerId:   "alice.testnet",
		PublicKey:  pk,
		Nonce:      7,
		ReceiverId: "alice.testnet",
		Actions: []Action{
			{
				Kind:      ActionAddKey,
				PublicKey: &device2,
				AccessKey: &AccessKey{Nonce: 0, Permission: AccessKeyPermission{FullAccess: true}},
			},
		},
	}

	encoded, err := EncodeTransaction(tx)
	require.NoError(t, err)
	require.NotEmpty(t, encoded)
}

func TestWriteU128RejectsOutOfRange(t *testing.T) {
	w := NewWriter()
	err := w.WriteU128("not-a-number")
	require.Error(t, err)

	w2 := NewWriter()
	err = w2.WriteU128("-1")
	require.Error(t, err)
}

func TestEncodeNEP413Deterministic(t *testing.T) {
	var nonce [32]byte
	for i := range nonce {
		nonce[i] = byte(i)
	}
	payload := NEP413Payload{
		Message:   "hello world",
		Recipient: "alice.testnet",
		Nonce:     nonce,
	}

	a := EncodeNEP413(payload)
	b := EncodeNEP413(payload)
	require.Equal(t, a, b)

	// The NEP-413 tag (u32_le(2^31+413)) must be the first four bytes,
	// with the top bit of the final byte set from the 2^31 offset.
	require.Equal(t, []byte{0x9D, 0x01, 0x00, 0x80}, a[:4])
}
