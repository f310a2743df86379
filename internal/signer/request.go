// Package signer implements the Signer Core (SC): intent verification, the
// UI confirmation handshake state machine, and Borsh/NEP-413 signing over
// the Ed25519 key the Key Manager unlocks.
package signer

import (
	"encoding/base64"
	"encoding/json"
	"sort"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
)

const maxContractCodeBytes = 4 * 1024 * 1024 // spec §4.5: code >= 4 MiB is rejected

// ActionKind names the NEAR action variant of an ActionRequest; the string
// values double as the "action_type" field in the canonical intent JSON.
type ActionKind string

const (
	ActionCreateAccount   ActionKind = "CreateAccount"
	ActionDeployContract  ActionKind = "DeployContract"
	ActionFunctionCall    ActionKind = "FunctionCall"
	ActionTransfer        ActionKind = "Transfer"
	ActionStake           ActionKind = "Stake"
	ActionAddKey          ActionKind = "AddKey"
	ActionDeleteKey       ActionKind = "DeleteKey"
	ActionDeleteAccount   ActionKind = "DeleteAccount"
)

// AccessKeyRequest mirrors borsh.AccessKeyPermission at the request layer.
type AccessKeyRequest struct {
	FullAccess     bool
	AllowanceYocto *string
	ReceiverID     string
	MethodNames    []string
}

// ActionRequest is one action within a TxSigningRequest, before Borsh
// encoding. Only the fields relevant to Kind are read; validation enforces
// that the required ones are present.
type ActionRequest struct {
	Kind ActionKind

	Code string // DeployContract: base64-encoded WASM

	MethodName string          // FunctionCall
	ArgsJSON   json.RawMessage // FunctionCall: must be valid JSON
	Gas        string          // FunctionCall: decimal u64
	Deposit    string          // FunctionCall, Transfer: decimal u128 yoctoNEAR

	Stake     string // Stake: decimal u128 yoctoNEAR
	PublicKey string // Stake, AddKey, DeleteKey: "ed25519:<base58>"

	AccessKey *AccessKeyRequest // AddKey

	BeneficiaryID string // DeleteAccount
}

// Validate rejects the structurally invalid requests spec §4.5 names:
// empty method_name, non-JSON args, or contract code at or above 4 MiB.
func (a ActionRequest) Validate() error {
	switch a.Kind {
	case ActionFunctionCall:
		if a.MethodName == "" {
			return pkerrors.InputValidation("methodName", "must not be empty")
		}
		if len(a.ArgsJSON) > 0 && !json.Valid(a.ArgsJSON) {
			return pkerrors.InputValidation("args", "must be valid JSON")
		}
	case ActionDeployContract:
		if base64.StdEncoding.DecodedLen(len(a.Code)) >= maxContractCodeBytes {
			return pkerrors.InputValidation("code", "contract code must be under 4 MiB")
		}
	case ActionAddKey:
		if a.PublicKey == "" {
			return pkerrors.InputValidation("publicKey", "required for AddKey")
		}
		if a.AccessKey == nil {
			return pkerrors.InputValidation("accessKey", "required for AddKey")
		}
	case ActionStake, ActionDeleteKey:
		if a.PublicKey == "" {
			return pkerrors.InputValidation("publicKey", "required for "+string(a.Kind))
		}
	case ActionDeleteAccount:
		if a.BeneficiaryID == "" {
			return pkerrors.InputValidation("beneficiaryId", "required for DeleteAccount")
		}
	}
	return nil
}

// canonicalValue renders a closed, lexicographically-ordered field set per
// action variant (spec §4.5's "e.g. FunctionCall: {action_type, args,
// deposit, gas, method_name}"). Go's encoding/json sorts map[string]any
// keys alphabetically, so building this as a map is sufficient to get
// canonical ordering for free.
func (a ActionRequest) canonicalValue() map[string]interface{} {
	m := map[string]interface{}{"action_type": string(a.Kind)}
	switch a.Kind {
	case ActionCreateAccount:
		// no further fields
	case ActionDeployContract:
		m["code"] = a.Code
	case ActionFunctionCall:
		m["args"] = canonicalizeArgs(a.ArgsJSON)
		m["deposit"] = orZero(a.Deposit)
		m["gas"] = orZero(a.Gas)
		m["method_name"] = a.MethodName
	case ActionTransfer:
		m["deposit"] = orZero(a.Deposit)
	case ActionStake:
		m["stake"] = orZero(a.Stake)
		m["public_key"] = a.PublicKey
	case ActionAddKey:
		m["public_key"] = a.PublicKey
		ak := map[string]interface{}{"full_access": false}
		if a.AccessKey != nil {
			ak["full_access"] = a.AccessKey.FullAccess
			ak["receiver_id"] = a.AccessKey.ReceiverID
			names := a.AccessKey.MethodNames
			sort.Strings(names)
			ak["method_names"] = names
		}
		m["access_key"] = ak
	case ActionDeleteKey:
		m["public_key"] = a.PublicKey
	case ActionDeleteAccount:
		m["beneficiary_id"] = a.BeneficiaryID
	}
	return m
}

// canonicalizeArgs re-parses raw FunctionCall args into generic Go values
// so that, once re-marshaled, nested object keys are also sorted
// lexicographically rather than preserving the caller's original ordering.
func canonicalizeArgs(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func orZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// TxSigningRequest is one NEAR transaction to be signed, before the
// SignerCore assembles and Borsh-encodes it.
type TxSigningRequest struct {
	SignerID   string
	ReceiverID string
	Nonce      uint64
	BlockHash  []byte // 32 bytes
	Actions    []ActionRequest
}

// Validate checks every action and the transaction-level invariants.
func (r TxSigningRequest) Validate() error {
	if r.SignerID == "" {
		return pkerrors.MissingParameter("signerId")
	}
	if r.ReceiverID == "" {
		return pkerrors.MissingParameter("receiverId")
	}
	if len(r.BlockHash) != 32 {
		return pkerrors.InputValidation("blockHash", "must be 32 bytes")
	}
	if len(r.Actions) == 0 {
		return pkerrors.InputValidation("actions", "must not be empty")
	}
	for _, a := range r.Actions {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (r TxSigningRequest) canonicalValue() map[string]interface{} {
	actions := make([]interface{}, len(r.Actions))
	for i, a := range r.Actions {
		actions[i] = a.canonicalValue()
	}
	return map[string]interface{}{
		"signer_id":   r.SignerID,
		"receiver_id": r.ReceiverID,
		"nonce":       formatU64(r.Nonce),
		"actions":     actions,
	}
}

func formatU64(n uint64) string {
	if n == 0 {
		return "0"
	}
	digits := make([]byte, 0, 20)
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}
