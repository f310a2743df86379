package signer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
)

func prfBytes(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func sampleRequest() TxSigningRequest {
	blockHash := make([]byte, 32)
	for i := range blockHash {
		blockHash[i] = byte(i)
	}
	return TxSigningRequest{
		SignerID:   "alice.testnet",
		ReceiverID: "contract.testnet",
		Nonce:      1,
		BlockHash:  blockHash,
		Actions: []ActionRequest{
			{Kind: ActionFunctionCall, MethodName: "set_greeting", ArgsJSON: json.RawMessage(`{"b":2,"a":1}`), Gas: "30000000000000", Deposit: "0"},
		},
	}
}

func TestIntentDigestIsDeterministicAndOrderInsensitiveForArgs(t *testing.T) {
	r1 := sampleRequest()
	r2 := sampleRequest()
	r2.Actions[0].ArgsJSON = json.RawMessage(`{"a":1,"b":2}`)

	d1, err := IntentDigest([]TxSigningRequest{r1})
	require.NoError(t, err)
	d2, err := IntentDigest([]TxSigningRequest{r2})
	require.NoError(t, err)

	require.Equal(t, d1, d2, "canonical JSON must sort nested arg keys, making field order irrelevant")
}

func TestIntentDigestChangesWithContent(t *testing.T) {
	r1 := sampleRequest()
	r2 := sampleRequest()
	r2.Nonce = 2

	d1, err := IntentDigest([]TxSigningRequest{r1})
	require.NoError(t, err)
	d2, err := IntentDigest([]TxSigningRequest{r2})
	require.NoError(t, err)

	require.NotEqual(t, d1, d2)
}

func TestHandshakeRejectsWrongDigest(t *testing.T) {
	h := NewHandshake("expected-digest", time.Minute)
	require.NoError(t, h.Prompt())

	err := h.Confirm(ConfirmResponse{Confirmed: true, UIIntentDigest: "different-digest"})
	require.Error(t, err)
	require.Equal(t, StateRejected, h.State())
}

func TestHandshakeRejectsCancellation(t *testing.T) {
	h := NewHandshake("digest", time.Minute)
	require.NoError(t, h.Prompt())

	err := h.Confirm(ConfirmResponse{Confirmed: false})
	require.Error(t, err)
	require.Equal(t, StateRejected, h.State())
}

func TestHandshakeRefusesDoublePrompt(t *testing.T) {
	h := NewHandshake("digest", time.Minute)
	require.NoError(t, h.Prompt())
	require.Error(t, h.Prompt())
}

func TestHandshakeTimesOut(t *testing.T) {
	h := NewHandshake("digest", 10*time.Millisecond)
	require.NoError(t, h.Prompt())
	require.Eventually(t, func() bool {
		return h.State() == StateTimedOut
	}, time.Second, 5*time.Millisecond)

	err := h.Confirm(ConfirmResponse{Confirmed: true, UIIntentDigest: "digest"})
	require.Error(t, err)
}

func newUnlockedCore(t *testing.T, accountID string) *Core {
	km := keymanager.New(nil)
	prfA, prfB := prfBytes('A'), prfBytes('B')
	registered, err := km.RegisterAccount(context.Background(), keymanager.RegisterAccountInput{
		AccountID: accountID, PrfA: prfA, PrfB: prfB,
	})
	require.NoError(t, err)
	_, err = km.UnlockEd25519Key(accountID, prfA, registered.EncryptedEd25519Key)
	require.NoError(t, err)
	return New(km, 0, nil, nil)
}

func TestSignBatchSignsInOrderAfterConfirmation(t *testing.T) {
	accountID := "alice.testnet"
	core := newUnlockedCore(t, accountID)
	requests := []TxSigningRequest{sampleRequest()}

	confirm := func(_ context.Context, event PromptEvent) (ConfirmResponse, error) {
		return ConfirmResponse{Confirmed: true, UIIntentDigest: event.IntentDigest}, nil
	}

	result, err := core.SignBatch(context.Background(), accountID, requests, confirm)
	require.NoError(t, err)
	require.Len(t, result.Transactions, 1)
	require.NotEmpty(t, result.Transactions[0].Signature)
	require.NotEmpty(t, result.Transactions[0].BorshBytes)
	require.Len(t, result.Transactions[0].TxHash, 32)
}

func TestSignBatchRejectsDigestMismatch(t *testing.T) {
	accountID := "alice.testnet"
	core := newUnlockedCore(t, accountID)
	requests := []TxSigningRequest{sampleRequest()}

	confirm := func(_ context.Context, _ PromptEvent) (ConfirmResponse, error) {
		return ConfirmResponse{Confirmed: true, UIIntentDigest: "not-the-real-digest"}, nil
	}

	_, err := core.SignBatch(context.Background(), accountID, requests, confirm)
	require.Error(t, err)
}

func TestSignBatchRejectsInvalidRequestBeforePrompting(t *testing.T) {
	accountID := "alice.testnet"
	core := newUnlockedCore(t, accountID)
	bad := sampleRequest()
	bad.Actions[0].MethodName = ""

	called := false
	confirm := func(_ context.Context, _ PromptEvent) (ConfirmResponse, error) {
		called = true
		return ConfirmResponse{Confirmed: true}, nil
	}

	_, err := core.SignBatch(context.Background(), accountID, []TxSigningRequest{bad}, confirm)
	require.Error(t, err)
	require.False(t, called, "an invalid request must fail validation before any confirmation prompt")
}

func TestSignBatchFailsWithoutUnlockedKey(t *testing.T) {
	km := keymanager.New(nil)
	core := New(km, 0, nil, nil)
	requests := []TxSigningRequest{sampleRequest()}

	confirm := func(_ context.Context, event PromptEvent) (ConfirmResponse, error) {
		return ConfirmResponse{Confirmed: true, UIIntentDigest: event.IntentDigest}, nil
	}

	_, err := core.SignBatch(context.Background(), "alice.testnet", requests, confirm)
	require.Error(t, err)
}

func TestSignNep413MessageRejectsNonceReuse(t *testing.T) {
	accountID := "alice.testnet"
	core := newUnlockedCore(t, accountID)
	var nonce [32]byte
	nonce[0] = 1

	sig, err := core.SignNep413Message(accountID, "hello", "example.testnet", nonce, nil)
	require.NoError(t, err)
	require.Contains(t, sig.PublicKey, "ed25519:")
	require.NotEmpty(t, sig.SignatureB64)

	_, err = core.SignNep413Message(accountID, "hello again", "example.testnet", nonce, nil)
	require.Error(t, err)
}
