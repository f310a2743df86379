package signer

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim/borsh"
	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/keymanager"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
)

// SignedTransaction is one Borsh-encoded, Ed25519-signed NEAR transaction,
// ready to submit to the chain.
type SignedTransaction struct {
	BorshBytes []byte
	Signature  []byte
	TxHash     []byte
}

// ConfirmFunc is the UI collaborator's side of the confirmation handshake: it
// receives the prompt event and returns the user's response. SignBatch treats
// any error from it as a failed ceremony (network drop, UI crash, etc).
type ConfirmFunc func(ctx context.Context, event PromptEvent) (ConfirmResponse, error)

// Core is the Signer Core (SC): verifies intents, drives the confirmation
// handshake, and signs NEAR transactions and NEP-413 messages with the key
// the Key Manager currently has unlocked. A Core is shared across signing
// ceremonies for one process; each SignBatch call gets its own Handshake.
type Core struct {
	km             *keymanager.KeyManager
	confirmTimeout time.Duration
	logger         *logging.Logger
	metrics        *metrics.Metrics

	nonces nonceSet
}

// New builds a Signer Core bound to km. confirmTimeout <= 0 uses
// DefaultConfirmTimeout. logger and metrics may be nil.
func New(km *keymanager.KeyManager, confirmTimeout time.Duration, logger *logging.Logger, m *metrics.Metrics) *Core {
	return &Core{
		km:             km,
		confirmTimeout: confirmTimeout,
		logger:         logger,
		metrics:        m,
		nonces:         newNonceSet(),
	}
}

// SignBatchResult is SignBatch's successful outcome: one SignedTransaction
// per input request, in input order.
type SignBatchResult struct {
	IntentDigest string
	Transactions []SignedTransaction
}

// SignBatch implements spec §4.5's batch signing flow: validate every
// request, compute the intent digest, prompt for confirmation, and only on a
// matching confirmed response sign every transaction. All-or-nothing: a
// validation failure or a rejected/mismatched/timed-out confirmation signs
// nothing.
func (c *Core) SignBatch(ctx context.Context, accountID string, requests []TxSigningRequest, confirm ConfirmFunc) (*SignBatchResult, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}
	if len(requests) == 0 {
		return nil, pkerrors.InputValidation("requests", "batch must not be empty")
	}
	for i, r := range requests {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
	}

	digest, err := IntentDigest(requests)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	h := NewHandshake(digest, c.confirmTimeout)
	if err := h.Prompt(); err != nil {
		return nil, err
	}
	promptedAt := time.Now()

	resp, err := confirm(ctx, PromptEvent{Requests: requests, IntentDigest: digest})
	if err != nil {
		h.MarkFailed()
		c.observeHandshake("error", time.Since(promptedAt))
		return nil, pkerrors.SigningFailed(err)
	}

	if err := h.Confirm(resp); err != nil {
		c.observeHandshake(string(h.State()), time.Since(promptedAt))
		return nil, err
	}
	c.observeHandshake("confirmed", time.Since(promptedAt))

	signingKey, ok := c.km.SigningKeyFor(accountID)
	if !ok {
		h.MarkFailed()
		return nil, pkerrors.AccountMismatch(accountID)
	}
	publicKey, ok := c.km.PublicKeyFor(accountID)
	if !ok {
		h.MarkFailed()
		return nil, pkerrors.AccountMismatch(accountID)
	}
	borshPub, err := borsh.NewEd25519PublicKey(publicKey)
	if err != nil {
		h.MarkFailed()
		return nil, pkerrors.SigningFailed(err)
	}

	signed := make([]SignedTransaction, len(requests))
	for i, r := range requests {
		tx, err := toBorshTransaction(r, borshPub)
		if err != nil {
			h.MarkFailed()
			c.observeSign("error")
			return nil, pkerrors.SigningFailed(err)
		}
		txBytes, err := borsh.EncodeTransaction(tx)
		if err != nil {
			h.MarkFailed()
			c.observeSign("error")
			return nil, pkerrors.SigningFailed(err)
		}
		txHash := cryptoprim.SHA256(txBytes)
		sig, err := cryptoprim.Ed25519Sign(signingKey, txHash)
		if err != nil {
			h.MarkFailed()
			c.observeSign("error")
			return nil, pkerrors.SigningFailed(err)
		}
		signed[i] = SignedTransaction{BorshBytes: txBytes, Signature: sig, TxHash: txHash}
	}

	h.MarkSigned()
	c.observeSign("success")
	c.logEvent("batch_signed", map[string]interface{}{"accountId": accountID, "count": len(signed)})

	return &SignBatchResult{IntentDigest: digest, Transactions: signed}, nil
}

func toBorshTransaction(r TxSigningRequest, pub borsh.PublicKey) (borsh.Transaction, error) {
	var blockHash [32]byte
	copy(blockHash[:], r.BlockHash)

	actions := make([]borsh.Action, len(r.Actions))
	for i, a := range r.Actions {
		action, err := toBorshAction(a)
		if err != nil {
			return borsh.Transaction{}, fmt.Errorf("action %d: %w", i, err)
		}
		actions[i] = action
	}

	return borsh.Transaction{
		SignerId:   r.SignerID,
		PublicKey:  pub,
		Nonce:      r.Nonce,
		ReceiverId: r.ReceiverID,
		BlockHash:  blockHash,
		Actions:    actions,
	}, nil
}

func toBorshAction(a ActionRequest) (borsh.Action, error) {
	out := borsh.Action{}
	switch a.Kind {
	case ActionCreateAccount:
		out.Kind = borsh.ActionCreateAccount
	case ActionDeployContract:
		out.Kind = borsh.ActionDeployContract
		code, err := base64.StdEncoding.DecodeString(a.Code)
		if err != nil {
			return out, pkerrors.InputValidation("code", "must be base64-encoded WASM")
		}
		out.Code = code
	case ActionFunctionCall:
		out.Kind = borsh.ActionFunctionCall
		out.MethodName = a.MethodName
		out.Args = []byte(a.ArgsJSON)
		out.Gas = parseU64(a.Gas)
		out.DepositYocto = orZero(a.Deposit)
	case ActionTransfer:
		out.Kind = borsh.ActionTransfer
		out.DepositYocto = orZero(a.Deposit)
	case ActionStake:
		out.Kind = borsh.ActionStake
		pk, err := decodeNearPublicKey(a.PublicKey)
		if err != nil {
			return out, err
		}
		out.StakeYocto = orZero(a.Stake)
		out.StakePublicKey = &pk
	case ActionAddKey:
		out.Kind = borsh.ActionAddKey
		pk, err := decodeNearPublicKey(a.PublicKey)
		if err != nil {
			return out, err
		}
		out.PublicKey = &pk
		out.AccessKey = &borsh.AccessKey{
			Nonce:      0,
			Permission: toBorshPermission(a.AccessKey),
		}
	case ActionDeleteKey:
		out.Kind = borsh.ActionDeleteKey
		pk, err := decodeNearPublicKey(a.PublicKey)
		if err != nil {
			return out, err
		}
		out.PublicKey = &pk
	case ActionDeleteAccount:
		out.Kind = borsh.ActionDeleteAccount
		out.BeneficiaryId = a.BeneficiaryID
	default:
		return out, fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return out, nil
}

func toBorshPermission(ak *AccessKeyRequest) borsh.AccessKeyPermission {
	if ak == nil {
		return borsh.AccessKeyPermission{FullAccess: true}
	}
	return borsh.AccessKeyPermission{
		FullAccess:     ak.FullAccess,
		AllowanceYocto: ak.AllowanceYocto,
		ReceiverId:     ak.ReceiverID,
		MethodNames:    ak.MethodNames,
	}
}

// decodeNearPublicKey strips the "ed25519:" prefix NEAR uses in its text
// public-key format and decodes the base58 payload.
func decodeNearPublicKey(text string) (borsh.PublicKey, error) {
	raw, err := cryptoprim.ParseNearPublicKey(text)
	if err != nil {
		return borsh.PublicKey{}, err
	}
	return borsh.NewEd25519PublicKey(raw)
}

func parseU64(s string) uint64 {
	if s == "" {
		return 0
	}
	var n uint64
	for _, r := range s {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + uint64(r-'0')
	}
	return n
}

// Nep413Signature is the result of SignNep413Message.
type Nep413Signature struct {
	AccountID    string
	PublicKey    string
	SignatureB64 string
}

// SignNep413Message implements spec §4.5's off-chain message signing:
// msg_bytes = borsh({message, recipient, nonce, callbackUrl}), prefixed by
// u32_le(2^31+413), SHA-256 digested, and Ed25519-signed. nonce must be
// unique per account for the lifetime of this Core; a repeat is rejected as
// a replay rather than silently re-signed.
func (c *Core) SignNep413Message(accountID, message, recipient string, nonce [32]byte, callbackURL *string) (*Nep413Signature, error) {
	if accountID == "" {
		return nil, pkerrors.MissingParameter("accountId")
	}
	if message == "" {
		return nil, pkerrors.MissingParameter("message")
	}
	if recipient == "" {
		return nil, pkerrors.MissingParameter("recipient")
	}
	if !c.nonces.claim(accountID, nonce) {
		return nil, pkerrors.NonceConflict(0, 0)
	}

	signingKey, ok := c.km.SigningKeyFor(accountID)
	if !ok {
		return nil, pkerrors.AccountMismatch(accountID)
	}
	publicKey, ok := c.km.PublicKeyFor(accountID)
	if !ok {
		return nil, pkerrors.AccountMismatch(accountID)
	}

	payload := borsh.NEP413Payload{Message: message, Recipient: recipient, Nonce: nonce, CallbackUrl: callbackURL}
	prefixed := borsh.EncodeNEP413(payload)
	digest := cryptoprim.SHA256(prefixed)
	sig, err := cryptoprim.Ed25519Sign(signingKey, digest)
	if err != nil {
		c.observeSign("error")
		return nil, pkerrors.SigningFailed(err)
	}

	pubText, err := cryptoprim.NearPublicKey(publicKey)
	if err != nil {
		c.observeSign("error")
		return nil, pkerrors.SigningFailed(err)
	}

	c.observeSign("success")
	return &Nep413Signature{
		AccountID:    accountID,
		PublicKey:    pubText,
		SignatureB64: cryptoprim.Base64UrlEncode(sig),
	}, nil
}

func (c *Core) observeSign(outcome string) {
	if c.metrics == nil || c.metrics.SignerSignTotal == nil {
		return
	}
	c.metrics.SignerSignTotal.WithLabelValues("sign_batch", outcome).Inc()
}

func (c *Core) observeHandshake(outcome string, elapsed time.Duration) {
	if c.metrics == nil || c.metrics.ConfirmHandshakeSeconds == nil {
		return
	}
	c.metrics.ConfirmHandshakeSeconds.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func (c *Core) logEvent(event string, fields map[string]interface{}) {
	if c.logger == nil {
		return
	}
	c.logger.LogSecurityEvent(nil, event, fields)
}
