package borsh

import "fmt"

// PublicKey is NEAR's borsh-encoded public key: a 1-byte curve discriminant
// (0 = ED25519) followed by the 32-byte raw key. Only ED25519 is supported;
// the passkey core never produces or verifies secp256k1 keys.
type PublicKey struct {
	KeyBytes [32]byte
}

func (pk PublicKey) encode(w *Writer) {
	w.WriteU8(0) // ED25519 discriminant
	w.WriteBytes(pk.KeyBytes[:])
}

// AccessKeyPermission is the closed sum type NEAR uses for an AddKey action:
// either unrestricted (FullAccess) or scoped to a contract (FunctionCall).
type AccessKeyPermission struct {
	FullAccess bool

	// FunctionCall fields, used only when FullAccess is false.
	AllowanceYocto *string // nil = unlimited allowance
	ReceiverId     string
	MethodNames    []string
}

func (p AccessKeyPermission) encode(w *Writer) error {
	if p.FullAccess {
		w.WriteU8(1)
		return nil
	}
	w.WriteU8(0)
	if p.AllowanceYocto == nil {
		w.WriteU8(0)
	} else {
		w.WriteU8(1)
		if err := w.WriteU128(*p.AllowanceYocto); err != nil {
			return fmt.Errorf("allowance: %w", err)
		}
	}
	w.WriteString(p.ReceiverId)
	w.WriteVecLen(len(p.MethodNames))
	for _, m := range p.MethodNames {
		w.WriteString(m)
	}
	return nil
}

// AccessKey pairs a nonce with its permission, as embedded in an AddKey action.
type AccessKey struct {
	Nonce      uint64
	Permission AccessKeyPermission
}

func (k AccessKey) encode(w *Writer) error {
	w.WriteU64(k.Nonce)
	return k.Permission.encode(w)
}

// ActionKind enumerates the closed NEAR action sum type named in spec §3.
type ActionKind uint8

const (
	ActionCreateAccount ActionKind = 0
	ActionDeployContract ActionKind = 1
	ActionFunctionCall  ActionKind = 2
	ActionTransfer      ActionKind = 3
	ActionStake         ActionKind = 4
	ActionAddKey        ActionKind = 5
	ActionDeleteKey     ActionKind = 6
	ActionDeleteAccount ActionKind = 7
)

// Action is a single NEAR transaction action. Exactly the fields relevant to
// Kind are populated; this mirrors the tagged union described in spec §3
// rather than NEAR's native Rust enum, since Go has no sum types.
type Action struct {
	Kind ActionKind

	// DeployContract
	Code []byte

	// FunctionCall
	MethodName string
	Args       []byte
	Gas        uint64
	DepositYocto string

	// Transfer / Stake share Deposit/Stake amount
	StakeYocto string
	StakePublicKey *PublicKey

	// AddKey / DeleteKey
	PublicKey *PublicKey
	AccessKey *AccessKey

	// DeleteAccount
	BeneficiaryId string
}

func (a Action) encode(w *Writer) error {
	w.WriteU8(uint8(a.Kind))
	switch a.Kind {
	case ActionCreateAccount:
		return nil
	case ActionDeployContract:
		w.WriteByteVec(a.Code)
		return nil
	case ActionFunctionCall:
		if a.MethodName == "" {
			return fmt.Errorf("function call method_name must not be empty")
		}
		w.WriteString(a.MethodName)
		w.WriteByteVec(a.Args)
		w.WriteU64(a.Gas)
		return w.WriteU128(a.DepositYocto)
	case ActionTransfer:
		return w.WriteU128(a.DepositYocto)
	case ActionStake:
		if a.StakePublicKey == nil {
			return fmt.Errorf("stake action requires a public key")
		}
		if err := w.WriteU128(a.StakeYocto); err != nil {
			return err
		}
		a.StakePublicKey.encode(w)
		return nil
	case ActionAddKey:
		if a.PublicKey == nil || a.AccessKey == nil {
			return fmt.Errorf("add_key action requires public_key and access_key")
		}
		a.PublicKey.encode(w)
		return a.AccessKey.encode(w)
	case ActionDeleteKey:
		if a.PublicKey == nil {
			return fmt.Errorf("delete_key action requires a public key")
		}
		a.PublicKey.encode(w)
		return nil
	case ActionDeleteAccount:
		w.WriteString(a.BeneficiaryId)
		return nil
	default:
		return fmt.Errorf("unknown action kind %d", a.Kind)
	}
}

// Transaction is the borsh-serializable NEAR transaction body signed by the
// Signer Core, matching the V0 on-wire layout.
type Transaction struct {
	SignerId   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverId string
	BlockHash  [32]byte
	Actions    []Action
}

// EncodeTransaction produces the canonical NEAR borsh encoding of tx.
func EncodeTransaction(tx Transaction) ([]byte, error) {
	w := NewWriter()
	w.WriteString(tx.SignerId)
	tx.PublicKey.encode(w)
	w.WriteU64(tx.Nonce)
	w.WriteString(tx.ReceiverId)
	w.WriteBytes(tx.BlockHash[:])
	w.WriteVecLen(len(tx.Actions))
	for _, a := range tx.Actions {
		if err := a.encode(w); err != nil {
			return nil, fmt.Errorf("encode action: %w", err)
		}
	}
	return w.Bytes(), nil
}

// NewEd25519PublicKey builds a borsh PublicKey from a raw 32-byte Ed25519 key.
func NewEd25519PublicKey(raw []byte) (PublicKey, error) {
	var pk PublicKey
	if len(raw) != 32 {
		return pk, fmt.Errorf("ed25519 public key must be 32 bytes, got %d", len(raw))
	}
	copy(pk.KeyBytes[:], raw)
	return pk, nil
}

// NEP413Payload is the off-chain message payload defined in spec §4.5.
type NEP413Payload struct {
	Message     string
	Recipient   string
	Nonce       [32]byte
	CallbackUrl *string
}

// nep413Tag is u32_le(2^31 + 413), the NEP-413 domain-separation prefix
// prepended before hashing, per spec §4.5.
const nep413Tag uint32 = (1 << 31) + 413

// EncodeNEP413 borsh-encodes payload and prepends the NEP-413 tag, ready for
// SHA-256 digesting and Ed25519 signing.
func EncodeNEP413(payload NEP413Payload) []byte {
	w := NewWriter()
	w.WriteU32(nep413Tag)
	w.WriteString(payload.Message)
	w.WriteString(payload.Recipient)
	w.WriteBytes(payload.Nonce[:])
	w.WriteOptionString(payload.CallbackUrl)
	return w.Bytes()
}
