package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi-sub013/internal/chain"
	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
	"github.com/web3-authn/tatchi-sub013/internal/signer"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
)

func fakeNearPublicKey(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	key, err := cryptoprim.NearPublicKey(raw)
	if err != nil {
		panic(err)
	}
	return key
}

// fakeChain is an in-memory chain.Client: it tracks one block height/hash
// and one access key per account, and records every broadcast transaction
// instead of talking to a real NEAR node.
type fakeChain struct {
	height  uint64
	hash    []byte
	nonces  map[string]uint64
	sent    []string
	results map[string]json.RawMessage
}

func newFakeChain() *fakeChain {
	hash := make([]byte, 32)
	for i := range hash {
		hash[i] = byte(i)
	}
	return &fakeChain{
		height:  100,
		hash:    hash,
		nonces:  map[string]uint64{},
		results: map[string]json.RawMessage{},
	}
}

func (f *fakeChain) ViewAccessKey(_ context.Context, accountID, _ string) (*chain.AccessKeyView, error) {
	return &chain.AccessKeyView{Nonce: f.nonces[accountID], Permission: "FullAccess"}, nil
}

func (f *fakeChain) ViewBlock(_ context.Context, _ string) (*chain.BlockView, error) {
	return &chain.BlockView{Height: f.height, Hash: f.hash}, nil
}

func (f *fakeChain) View(_ context.Context, contractID, method string, _ map[string]interface{}) (*chain.CallResult, error) {
	if raw, ok := f.results[contractID+":"+method]; ok {
		return &chain.CallResult{Result: raw}, nil
	}
	return &chain.CallResult{Result: json.RawMessage(`[]`)}, nil
}

func (f *fakeChain) CallFunction(ctx context.Context, contractID, method string, args map[string]interface{}, _, _ string) (*chain.CallResult, error) {
	return f.View(ctx, contractID, method, args)
}

func (f *fakeChain) SendTransaction(_ context.Context, signedTxBase64 string, _ string) (*chain.SendTxResult, error) {
	f.sent = append(f.sent, signedTxBase64)
	return &chain.SendTxResult{TransactionHash: "tx" + string(rune('0'+len(f.sent))), Status: "SuccessValue"}, nil
}

func (f *fakeChain) bumpNonce(accountID string, by uint64) {
	f.nonces[accountID] += by
}

// fakeAuthenticator returns fixed, deterministic PRF outputs per account so
// registration and login/recovery re-derive the same keys.
type fakeAuthenticator struct {
	credentialID string
	prfA, prfB   []byte
}

func newFakeAuthenticator() *fakeAuthenticator {
	return &fakeAuthenticator{
		credentialID: "cred-1",
		prfA:         prfBytes('A'),
		prfB:         prfBytes('B'),
	}
}

func prfBytes(b byte) []byte {
	out := make([]byte, 32)
	for i := range out {
		out[i] = b
	}
	return out
}

func (a *fakeAuthenticator) Create(_ context.Context, opts CreateOptions) (*CredentialOutputs, error) {
	return &CredentialOutputs{
		CredentialID:        a.credentialID,
		CredentialPublicKey: []byte("cose-key"),
		Transports:          []string{"internal"},
		PrfA:                a.prfA,
		PrfB:                a.prfB,
	}, nil
}

func (a *fakeAuthenticator) Get(_ context.Context, opts GetOptions) (*CredentialOutputs, error) {
	return &CredentialOutputs{
		CredentialID:        a.credentialID,
		CredentialPublicKey: []byte("cose-key"),
		Transports:          []string{"internal"},
		PrfA:                a.prfA,
		PrfB:                a.prfB,
	}, nil
}

func newTestCore(t *testing.T, fc *fakeChain, auth *fakeAuthenticator) *Core {
	t.Helper()
	km := keymanager.New(nil)
	sc := signer.New(km, time.Second, nil, nil)
	store := storage.NewMemoryStore()
	return New(Deps{
		KM:     km,
		Signer: sc,
		Chain:  fc,
		Store:  store,
		Auth:   auth,
		RPID:   "example.com",
	}, nil, nil)
}

func TestRegisterThenLoginRoundTrips(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)
	ctx := context.Background()

	regResult, err := core.Register(ctx, "alice.testnet")
	require.NoError(t, err)
	require.Contains(t, regResult.PublicKey, "ed25519:")
	require.Len(t, fc.sent, 1, "registration broadcasts exactly one FunctionCall transaction")

	loginState, err := core.Login(ctx, "alice.testnet", nil)
	require.NoError(t, err)
	require.Equal(t, regResult.PublicKey, loginState.Ed25519PublicKey)
}

func TestSignAndSendTransactionsUsesChainNoncePlusOne(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)
	ctx := context.Background()

	_, err := core.Register(ctx, "alice.testnet")
	require.NoError(t, err)
	fc.bumpNonce("alice.testnet", 5)

	outcomes, err := core.SignAndSendTransactions(ctx, "alice.testnet", [][]signer.ActionRequest{
		{{Kind: signer.ActionFunctionCall, MethodName: "noop", ArgsJSON: []byte(`{}`), Gas: "1", Deposit: "0"}},
	}, "")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.Len(t, fc.sent, 2, "one broadcast from registration, one from this call")
}

func TestSignAndSendTransactionsRejectsEmptyBatch(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)

	_, err := core.SignAndSendTransactions(context.Background(), "alice.testnet", nil, "")
	require.Error(t, err)
}

func TestSignAndSendTransactionsRejectsWhenAccountNotUnlocked(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)

	_, err := core.SignAndSendTransactions(context.Background(), "nobody.testnet",
		[][]signer.ActionRequest{{{Kind: signer.ActionFunctionCall, MethodName: "noop", ArgsJSON: []byte(`{}`), Gas: "1", Deposit: "0"}}}, "")
	require.Error(t, err)
}

func TestRecoverIsDeterministicAndIdempotent(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)
	ctx := context.Background()

	regResult, err := core.Register(ctx, "alice.testnet")
	require.NoError(t, err)

	recovered1, err := core.Recover(ctx, "alice.testnet", auth.credentialID)
	require.NoError(t, err)
	require.Equal(t, regResult.PublicKey, recovered1.PublicKey)

	recovered2, err := core.Recover(ctx, "alice.testnet", auth.credentialID)
	require.NoError(t, err)
	require.Equal(t, recovered1.PublicKey, recovered2.PublicKey, "recovery must be idempotent across repeated calls")
}

func TestDiscoverCredentialsParsesContractResult(t *testing.T) {
	fc := newFakeChain()
	fc.results["alice.testnet:get_credential_ids_by_account"] = json.RawMessage(`["cred-1","cred-2"]`)
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)

	summaries, err := core.DiscoverCredentials(context.Background(), "alice.testnet")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "cred-1", summaries[0].CredentialID)
}

func TestLinkDeviceFromQRBroadcastsTwoAndRetainsDeleteKey(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)
	core.deviceLinkQRTTL = time.Minute
	core.deviceLinkPollInterval = time.Hour // avoid the cron firing mid-test
	core.deviceLinkDeadManWindow = time.Hour
	ctx := context.Background()

	_, err := core.Register(ctx, "alice.testnet")
	require.NoError(t, err)
	sentBeforeLink := len(fc.sent)

	qr, err := core.GenerateDeviceLinkQR("alice.testnet", fakeNearPublicKey(2))
	require.NoError(t, err)

	result, err := core.LinkDeviceFromQR(ctx, "alice.testnet", *qr)
	require.NoError(t, err)
	require.Equal(t, "alice.testnet", result.LinkedToAccount)
	require.NotNil(t, result.CleanupSignedTx)
	require.Len(t, fc.sent, sentBeforeLink+2, "AddKey and the link-mapping FunctionCall broadcast; DeleteKey is retained")

	core.ConfirmDeviceLink("alice.testnet", fakeNearPublicKey(2))
	core.cleanupsMu.Lock()
	pc := core.cleanups["alice.testnet"]
	core.cleanupsMu.Unlock()
	require.True(t, pc.confirmed)
}

func TestLinkDeviceFromQRRejectsStaleQR(t *testing.T) {
	fc := newFakeChain()
	auth := newFakeAuthenticator()
	core := newTestCore(t, fc, auth)
	core.deviceLinkQRTTL = time.Millisecond
	ctx := context.Background()

	_, err := core.Register(ctx, "alice.testnet")
	require.NoError(t, err)

	qr := QRPayload{Device2PublicKey: fakeNearPublicKey(3), TimestampMs: time.Now().Add(-time.Hour).UnixMilli()}
	_, err = core.LinkDeviceFromQR(ctx, "alice.testnet", qr)
	require.Error(t, err)
}
