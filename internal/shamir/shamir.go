// Package shamir implements the Shamir 3-Pass KEK Engine (SE): a
// commutative-encryption handshake over a shared safe prime that lets a
// client and a relay server jointly lock and unlock a key-encryption key
// (KEK) without either party ever holding the plaintext KEK alone.
package shamir

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/web3-authn/tatchi-sub013/internal/cryptoprim"
	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
)

// ExponentPair is a party's commutative-encryption exponent pair (e, d)
// with e*d ≡ 1 (mod phi) and gcd(e, phi) = 1.
type ExponentPair struct {
	E *big.Int
	D *big.Int
}

// Engine holds the shared modulus for a Shamir 3-pass sequence. p must be a
// safe prime agreed out of band by client and server; phi = p-1.
type Engine struct {
	P   *big.Int
	Phi *big.Int
}

// NewEngine constructs an Engine over the given safe prime p.
func NewEngine(p *big.Int) *Engine {
	phi := new(big.Int).Sub(p, big.NewInt(1))
	return &Engine{P: p, Phi: phi}
}

// GenerateExponentPair draws a random exponent e coprime to phi and its
// modular inverse d, suitable for one party's lock/unlock pair.
func (eng *Engine) GenerateExponentPair() (*ExponentPair, error) {
	for attempt := 0; attempt < 64; attempt++ {
		e, err := rand.Int(rand.Reader, eng.Phi)
		if err != nil {
			return nil, fmt.Errorf("generate exponent: %w", err)
		}
		if e.Sign() == 0 {
			continue
		}
		d := cryptoprim.BigModInverse(e, eng.Phi)
		if d == nil {
			continue // e not coprime to phi, retry
		}
		return &ExponentPair{E: e, D: d}, nil
	}
	return nil, fmt.Errorf("failed to generate a coprime exponent after 64 attempts")
}

// validateInput rejects any value outside the legal Shamir operand range:
// must be nonzero and strictly less than the modulus p.
func (eng *Engine) validateInput(name string, v *big.Int) error {
	if v == nil || v.Sign() == 0 {
		return pkerrors.InputValidation(name, "must be nonzero")
	}
	if v.Cmp(eng.P) >= 0 {
		return pkerrors.InputValidation(name, "must be less than the Shamir modulus p")
	}
	return nil
}

// ClientLock computes kek_c = kek^{e_c} mod p, the client's first pass.
func (eng *Engine) ClientLock(kek *big.Int, eC *big.Int) (*big.Int, error) {
	if err := eng.validateInput("kek", kek); err != nil {
		return nil, err
	}
	return cryptoprim.BigModExp(kek, eC, eng.P), nil
}

// ServerLock computes kek_cs = kek_c^{e_s} mod p, applied by the relay.
func (eng *Engine) ServerLock(kekC *big.Int, eS *big.Int) (*big.Int, error) {
	if err := eng.validateInput("kek_c", kekC); err != nil {
		return nil, err
	}
	return cryptoprim.BigModExp(kekC, eS, eng.P), nil
}

// ClientUnlock computes kek_s = kek_cs^{d_c} mod p, removing the client's
// own lock from the doubly-locked value.
func (eng *Engine) ClientUnlock(kekCS *big.Int, dC *big.Int) (*big.Int, error) {
	if err := eng.validateInput("kek_cs", kekCS); err != nil {
		return nil, err
	}
	return cryptoprim.BigModExp(kekCS, dC, eng.P), nil
}

// ServerUnlock computes kek = kek_s^{d_s} mod p, the final pass that
// recovers the raw KEK. Neither party alone can perform this computation:
// the server needs kek_s (client-locked-then-client-unlocked) and its own
// d_s; the client never learns d_s.
func (eng *Engine) ServerUnlock(kekS *big.Int, dS *big.Int) (*big.Int, error) {
	if err := eng.validateInput("kek_s", kekS); err != nil {
		return nil, err
	}
	return cryptoprim.BigModExp(kekS, dS, eng.P), nil
}

// Zeroize overwrites an exponent pair's big.Int backing storage. big.Int
// does not expose a stable in-place zero, so callers should also drop their
// reference immediately after calling this; it is a best-effort scrub for
// the common case where the pair is the last live reference.
func (ep *ExponentPair) Zeroize() {
	if ep == nil {
		return
	}
	if ep.E != nil {
		ep.E.SetInt64(0)
	}
	if ep.D != nil {
		ep.D.SetInt64(0)
	}
}

// KEKToBytes renders a KEK big.Int as a fixed 32-byte big-endian value, the
// symmetric key width spec §4.3 requires.
func KEKToBytes(kek *big.Int) []byte {
	raw := kek.Bytes()
	out := make([]byte, 32)
	copy(out[32-len(raw):], raw)
	return out
}

// KEKFromBytes parses a 32-byte big-endian KEK back into a big.Int.
func KEKFromBytes(b []byte) *big.Int {
	return new(big.Int).SetBytes(b)
}

// defaultPrime is the 256-bit safe prime the reference client and relay
// server agree on out of band; production deployments should source this
// from configuration rather than a compiled constant.
var defaultPrime = func() *big.Int {
	p, ok := new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF72EF", 16)
	if !ok {
		panic("invalid compiled-in Shamir prime")
	}
	return p
}()

// DefaultPrime returns the compiled-in safe prime shared by the reference
// Key Manager and relay server.
func DefaultPrime() *big.Int {
	return defaultPrime
}
