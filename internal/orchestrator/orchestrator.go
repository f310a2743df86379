package orchestrator

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/web3-authn/tatchi-sub013/internal/chain"
	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
	"github.com/web3-authn/tatchi-sub013/internal/replay"
	"github.com/web3-authn/tatchi-sub013/internal/shamir"
	"github.com/web3-authn/tatchi-sub013/internal/signer"
	"github.com/web3-authn/tatchi-sub013/internal/storage"
	"github.com/web3-authn/tatchi-sub013/internal/vrf"
)

// Core is the Session Orchestrator (SO): it owns no secrets itself —
// everything secret-touching is delegated to KM/Signer — but it is the
// only component that sequences register/login/execute/recover/link-device
// against the Chain/Relay/Storage/Authenticator collaborators (spec §4.6).
type Core struct {
	km     *keymanager.KeyManager
	signer *signer.Core
	chain  chain.Client
	relay  keymanager.RelayClient
	store  storage.Store
	auth   Authenticator
	rpid   string

	freshnessWindowBlocks uint64

	deviceLinkQRTTL         time.Duration
	deviceLinkPollInterval  time.Duration
	deviceLinkDeadManWindow time.Duration

	logger  *logging.Logger
	metrics *metrics.Metrics

	// challengeReplay rejects a VRF challenge output or device-link QR
	// payload that has already been consumed, per spec §8's replay
	// scenarios (a reused QR payload, a resubmitted WebAuthn assertion).
	challengeReplay *replay.Protection

	cleanupsMu sync.Mutex
	cleanups   map[string]*pendingCleanup // accountID -> scheduled DeleteKey cleanup
}

// New builds a Session Orchestrator from deps. logger and m may be nil.
func New(deps Deps, logger *logging.Logger, m *metrics.Metrics) *Core {
	freshness := deps.FreshnessWindowBlocks
	if freshness == 0 {
		freshness = 100
	}
	qrTTL := deps.DeviceLinkQRTTL
	if qrTTL <= 0 {
		qrTTL = 10 * time.Minute
	}
	poll := deps.DeviceLinkPollInterval
	if poll <= 0 {
		poll = 4 * time.Second
	}
	deadMan := deps.DeviceLinkDeadManWindow
	if deadMan <= 0 {
		deadMan = 20 * time.Second
	}

	return &Core{
		km:                      deps.KM,
		signer:                  deps.Signer,
		chain:                   deps.Chain,
		relay:                   deps.Relay,
		store:                   deps.Store,
		auth:                    deps.Auth,
		rpid:                    deps.RPID,
		freshnessWindowBlocks:   freshness,
		deviceLinkQRTTL:         qrTTL,
		deviceLinkPollInterval:  poll,
		deviceLinkDeadManWindow: deadMan,
		logger:                  logger,
		metrics:                 m,
		challengeReplay:         replay.NewWithMaxSize(qrTTL, 10000, logger),
		cleanups:                make(map[string]*pendingCleanup),
	}
}

// Register implements spec §4.6's registration flow.
func (c *Core) Register(ctx context.Context, accountID string) (*RegisterResult, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}
	c.logEvent("register.start", accountID)

	block, err := c.chain.ViewBlock(ctx, chain.WaitFinal)
	if err != nil {
		return nil, err
	}

	cred, err := c.auth.Create(ctx, CreateOptions{AccountID: accountID, RPID: c.rpid})
	if err != nil {
		return nil, err
	}
	if len(cred.PrfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}
	if len(cred.PrfB) == 0 {
		return nil, pkerrors.PrfMissing("prfB")
	}

	bootstrapKp, err := vrf.GenerateBootstrapKeypair()
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}
	challenge, err := vrf.MakeChallenge(bootstrapKp, vrf.ChallengeInput{
		UserId:      accountID,
		RpId:        c.rpid,
		BlockHeight: block.Height,
		BlockHash:   block.Hash,
	})
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	kmOut, err := c.km.RegisterAccount(ctx, keymanager.RegisterAccountInput{
		AccountID:    accountID,
		PrfA:         cred.PrfA,
		PrfB:         cred.PrfB,
		VrfChallenge: challenge,
		Relay:        c.relay,
	})
	if err != nil {
		return nil, err
	}

	// RegisterAccount only derives and encrypts; the new account's own key
	// has to be unlocked in KM's session before SignBatch (called next) can
	// find it to sign the registration transaction with.
	if _, err := c.km.UnlockEd25519Key(accountID, cred.PrfA, kmOut.EncryptedEd25519Key); err != nil {
		return nil, err
	}

	if err := c.signAndBroadcastRegistration(ctx, accountID, cred, challenge, block); err != nil {
		c.rollback(ctx, accountID, "registration broadcast failed")
		return nil, err
	}

	if err := c.persistRegistration(ctx, accountID, cred, kmOut); err != nil {
		c.rollback(ctx, accountID, "registration persistence failed")
		return nil, err
	}

	c.logEvent("register.success", accountID)
	return &RegisterResult{
		AccountID:            accountID,
		PublicKey:            kmOut.Ed25519PublicKey,
		ClientUnlockExponent: kmOut.ClientUnlockExponent,
	}, nil
}

// signAndBroadcastRegistration builds and sends the
// create_account_and_register_user FunctionCall (spec §4.6 step 5). In the
// reference deployment the new account itself pays for this call once its
// Ed25519 key is unlocked in KM — a production relayer deployment would
// substitute a distinct, pre-funded relayer account as SignerID here.
func (c *Core) signAndBroadcastRegistration(ctx context.Context, accountID string, cred *CredentialOutputs, challenge *vrf.VrfChallenge, block *chain.BlockView) error {
	argsJSON := fmt.Sprintf(
		`{"credential_id":%q,"vrf_public_key":%q,"vrf_input":%q,"vrf_output":%q,"vrf_proof":%q,"block_height":%d}`,
		cred.CredentialID, b64(challenge.VrfPublicKey), b64(challenge.VrfInput), b64(challenge.VrfOutput), b64(challenge.VrfProof), challenge.BlockHeight)

	req := signer.TxSigningRequest{
		SignerID:   accountID,
		ReceiverID: accountID,
		Nonce:      1,
		BlockHash:  block.Hash,
		Actions: []signer.ActionRequest{{
			Kind:       signer.ActionFunctionCall,
			MethodName: "create_account_and_register_user",
			ArgsJSON:   []byte(argsJSON),
			Gas:        "100000000000000",
			Deposit:    "0",
		}},
	}

	result, err := c.signer.SignBatch(ctx, accountID, []signer.TxSigningRequest{req}, autoConfirm)
	if err != nil {
		return err
	}

	_, err = c.chain.SendTransaction(ctx, b64(result.Transactions[0].BorshBytes), chain.WaitExecutedOptimistic)
	return err
}

func (c *Core) persistRegistration(ctx context.Context, accountID string, cred *CredentialOutputs, kmOut *keymanager.RegisterAccountOutput) error {
	now := time.Now()
	user := &storage.UserRecord{
		AccountID:           accountID,
		DeviceNumber:        1,
		Ed25519PublicKey:    kmOut.Ed25519PublicKey,
		EncryptedEd25519Key: kmOut.EncryptedEd25519Key,
		EncryptedVrfKeypair: kmOut.EncryptedVrfKeypair,
		Preferences:         map[string]string{},
		RegisteredAtMs:      now.UnixMilli(),
	}
	if kmOut.ServerEncryptedVrfKeypair != nil {
		user.ServerEncryptedVrfKeypair = kmOut.ServerEncryptedVrfKeypair
	}
	if _, err := c.store.Users().Create(ctx, user); err != nil {
		return pkerrors.StaleRecord(fmt.Sprintf("create user record: %v", err))
	}

	authRecord := &storage.AuthenticatorRecord{
		AccountID:           accountID,
		CredentialID:        cred.CredentialID,
		CredentialPublicKey: cred.CredentialPublicKey,
		Transports:          cred.Transports,
		DeviceNumber:        1,
		RegisteredAt:        now,
	}
	if _, err := c.store.Authenticators().Create(ctx, authRecord); err != nil {
		return pkerrors.StaleRecord(fmt.Sprintf("create authenticator record: %v", err))
	}
	return nil
}

// rollback implements spec §4.6 step 7: atomic per-account rollback on any
// post-write failure.
func (c *Core) rollback(ctx context.Context, accountID, reason string) {
	if err := c.store.RollbackUserRegistration(ctx, accountID); err != nil {
		if c.logger != nil {
			c.logger.WithError(err).Warn("registration rollback failed: " + reason)
		}
		return
	}
	c.km.LockSession()
	c.logEvent("register.rollback", accountID)
}

// Login implements spec §4.6's login flow: fresh block, authenticator
// assertion, KM unlock, then a freshly minted VrfChallenge bound to the
// just-unlocked VRF keypair and the current block.
//
// clientUnlockExponent is the (e_c, d_c) pair KM.RegisterAccount handed back
// as RegisterAccountOutput.ClientUnlockExponent at registration time. KM
// never persists it server-side — by construction of the Shamir 3-pass, the
// server must never see the client's exponent — so it is the caller's job
// to keep it in client-side storage and supply it back here. It is nil
// whenever the account never enrolled a Shamir-locked VRF KEK.
func (c *Core) Login(ctx context.Context, accountID string, clientUnlockExponent *shamir.ExponentPair) (*LoginState, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}

	user, err := c.store.Users().Get(ctx, accountID)
	if err != nil {
		return nil, pkerrors.Unauthorized("unknown account")
	}

	block, err := c.chain.ViewBlock(ctx, chain.WaitFinal)
	if err != nil {
		return nil, err
	}

	cred, err := c.auth.Get(ctx, GetOptions{AccountID: accountID, RPID: c.rpid})
	if err != nil {
		return nil, err
	}
	if len(cred.PrfA) == 0 {
		return nil, pkerrors.PrfMissing("prfA")
	}

	if _, err := c.km.UnlockEd25519Key(accountID, cred.PrfA, user.EncryptedEd25519Key); err != nil {
		return nil, err
	}

	unlockIn := keymanager.UnlockInput{
		AccountID:    accountID,
		PrfA:         cred.PrfA,
		EncryptedVrf: user.EncryptedVrfKeypair,
	}
	if user.ServerEncryptedVrfKeypair != nil {
		if clientUnlockExponent == nil {
			return nil, pkerrors.MissingParameter("clientUnlockExponent")
		}
		unlockIn.ServerEncryptedVrf = user.ServerEncryptedVrfKeypair
		unlockIn.Relay = c.relay
		unlockIn.ClientUnlockExponent = clientUnlockExponent
	}
	if _, err := c.km.UnlockVrfKeypair(ctx, unlockIn); err != nil {
		return nil, err
	}

	challenge, err := c.km.SignVrfChallenge(accountID, vrf.ChallengeInput{
		UserId:      accountID,
		RpId:        c.rpid,
		BlockHeight: block.Height,
		BlockHash:   block.Hash,
	})
	if err != nil {
		return nil, err
	}
	if !c.challengeReplay.ValidateAndMark(accountID + ":" + b64(challenge.VrfOutput)) {
		return nil, pkerrors.Replayed()
	}

	user.LastLoginMs = time.Now().UnixMilli()
	if _, err := c.store.Users().Update(ctx, user); err != nil && c.logger != nil {
		c.logger.WithError(err).Warn("login: failed to persist last-login timestamp")
	}

	c.logEvent("login.success", accountID)
	return &LoginState{
		AccountID:        accountID,
		Ed25519PublicKey: user.Ed25519PublicKey,
		VrfPublicKey:     challenge.VrfPublicKey,
		LoggedInAtMs:     user.LastLoginMs,
	}, nil
}

// SignAndSendTransactions implements spec §4.6's transaction-execution
// flow and §6's `signAndSendTransactions` exit contract.
func (c *Core) SignAndSendTransactions(ctx context.Context, accountID string, actions [][]signer.ActionRequest, waitUntil string) ([]TxOutcome, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}
	if len(actions) == 0 {
		return nil, pkerrors.InputValidation("actions", "must not be empty")
	}
	if waitUntil == "" {
		waitUntil = chain.WaitExecutedOptimistic
	}

	pub, ok := c.km.PublicKeyFor(accountID)
	if !ok {
		return nil, pkerrors.Unauthorized("account is not unlocked")
	}
	nearPub, err := cryptoprim.NearPublicKey(pub)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	access, err := c.chain.ViewAccessKey(ctx, accountID, nearPub)
	if err != nil {
		return nil, err
	}
	block, err := c.chain.ViewBlock(ctx, chain.WaitFinal)
	if err != nil {
		return nil, err
	}

	requests := make([]signer.TxSigningRequest, len(actions))
	for i, batchActions := range actions {
		requests[i] = signer.TxSigningRequest{
			SignerID:   accountID,
			ReceiverID: accountID,
			Nonce:      access.Nonce + uint64(i) + 1,
			BlockHash:  block.Hash,
			Actions:    batchActions,
		}
	}

	result, err := c.signer.SignBatch(ctx, accountID, requests, autoConfirm)
	if err != nil {
		return nil, err
	}

	outcomes := make([]TxOutcome, len(result.Transactions))
	for i, tx := range result.Transactions {
		sendResult, err := c.chain.SendTransaction(ctx, b64(tx.BorshBytes), waitUntil)
		if err != nil {
			return nil, err
		}
		outcomes[i] = TxOutcome{TxHash: sendResult.TransactionHash, Outcome: sendResult.Status}
	}
	return outcomes, nil
}

// autoConfirm is the confirm function used when the embedding application
// has already obtained user confirmation before calling in (e.g.
// cmd/passkeyctl, or a caller that runs its own UI collaborator ahead of
// this call). It re-asserts the digest SignBatch itself computed, so a
// mismatch between what was assembled and what gets signed is still
// impossible by construction; callers that need an interactive prompt
// supply their own signer.ConfirmFunc directly to signer.Core.SignBatch
// instead of going through this helper.
func autoConfirm(ctx context.Context, event signer.PromptEvent) (signer.ConfirmResponse, error) {
	return signer.ConfirmResponse{Confirmed: true, UIIntentDigest: event.IntentDigest}, nil
}

func b64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func (c *Core) logEvent(event, accountID string) {
	if c.logger == nil {
		return
	}
	c.logger.LogSecurityEvent(context.Background(), event, map[string]interface{}{"accountId": accountID})
}
