// Package vrf implements the VRF Engine (VE): generation and verification of
// ECVRF proofs, and the key-management helpers the Session Orchestrator uses
// to bootstrap, encrypt, and deterministically re-derive a VRF keypair.
//
// The curve suite is ECVRF-P256-SHA256-TAI (RFC 9381), adapted from the
// teacher's ECDSA/VRF implementation. Spec §4.2 allows "ed25519-sha512-tai
// or equivalent"; no example repository in this codebase's ecosystem
// supplies vetted edwards25519 group arithmetic, so P-256 is kept as the
// documented equivalent suite (see DESIGN.md).
package vrf

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
)

var p256 = elliptic.P256()

// suiteString is the ECVRF-P256-SHA256-TAI suite identifier.
var suiteString = []byte{0x01}

// challengeDomain is the fixed, versioned domain separator for VRF
// challenge inputs (spec §4.2). Bumping the version invalidates all
// previously issued challenges by construction.
const challengeDomain = "web3_authn_challenge_v3"

// KeyPair holds a VRF keypair: a 33-byte compressed public key and the
// 32-byte secret seed it was derived from. The seed is secret material and
// must be zeroed by the caller (via cryptoprim.ZeroBytes) once no longer
// needed.
type KeyPair struct {
	PublicKey  []byte
	SecretSeed []byte

	priv *ecdsa.PrivateKey
}

// Proof is a VRF proof: the Gamma curve point plus the Schnorr-style
// challenge/response scalars (c, s).
type Proof struct {
	GammaX, GammaY *big.Int
	C, S           *big.Int
}

// ChallengeInput is the tuple that binds a VrfChallenge to a specific user,
// relying party, and chain state, per spec §4.2.
type ChallengeInput struct {
	UserId        string
	RpId          string
	BlockHeight   uint64
	BlockHash     []byte
	IntentDigest  string // optional; empty string means "not bound to an intent"
}

// VrfChallenge is the ephemeral, single-use authentication challenge
// produced by makeChallenge.
type VrfChallenge struct {
	VrfInput    []byte
	VrfOutput   []byte
	VrfProof    []byte
	VrfPublicKey []byte
	UserId      string
	RpId        string
	BlockHeight uint64
	BlockHash   []byte
	IntentDigest string
}

func scalarFromSeed(seed []byte) (*big.Int, error) {
	if len(seed) != 32 {
		return nil, fmt.Errorf("vrf seed must be 32 bytes, got %d", len(seed))
	}
	n := p256.Params().N
	d := new(big.Int).SetBytes(seed)
	d.Mod(d, n)
	if d.Sign() == 0 {
		// Astronomically unlikely for a random/HKDF-derived seed; fall back
		// to a fixed nonzero scalar rather than leaking structure.
		d.SetInt64(1)
	}
	return d, nil
}

func keyPairFromSeed(seed []byte) (*KeyPair, error) {
	d, err := scalarFromSeed(seed)
	if err != nil {
		return nil, err
	}
	priv := new(ecdsa.PrivateKey)
	priv.Curve = p256
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = p256.ScalarBaseMult(d.Bytes())

	pub := elliptic.MarshalCompressed(p256, priv.PublicKey.X, priv.PublicKey.Y)
	return &KeyPair{PublicKey: pub, SecretSeed: append([]byte(nil), seed...), priv: priv}, nil
}

// GenerateBootstrapKeypair produces a fresh random VRF keypair, used during
// the first registration ceremony before a PRF-derived seed is available.
func GenerateBootstrapKeypair() (*KeyPair, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return keyPairFromSeed(seed)
}

// KeyPairFromSeed reconstructs a KeyPair from an already-known 32-byte
// secret seed (e.g. after AEAD decryption of an EncryptedVrfKeypair).
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	return keyPairFromSeed(seed)
}

// hashToCurve implements ECVRF's try-and-increment hash-to-curve for P-256.
func hashToCurve(alpha []byte, pub []byte) (x, y *big.Int, err error) {
	params := p256.Params()
	for ctr := byte(0); ctr < 255; ctr++ {
		h := sha256.New()
		h.Write(suiteString)
		h.Write([]byte{0x01})
		h.Write(pub)
		h.Write(alpha)
		h.Write([]byte{ctr})
		hash := h.Sum(nil)

		xCandidate := new(big.Int).SetBytes(hash)
		xCandidate.Mod(xCandidate, params.P)

		yCandidate := yFromX(xCandidate)
		if yCandidate == nil {
			continue
		}
		if yCandidate.Bit(0) == 1 {
			yCandidate.Sub(params.P, yCandidate)
		}
		if p256.IsOnCurve(xCandidate, yCandidate) {
			return xCandidate, yCandidate, nil
		}
	}
	return nil, nil, fmt.Errorf("hash_to_curve: no valid point found after 255 attempts")
}

func yFromX(x *big.Int) *big.Int {
	params := p256.Params()
	p := params.P

	x3 := new(big.Int).Mul(x, x)
	x3.Mul(x3, x)
	x3.Mod(x3, p)

	threeX := new(big.Int).Mul(big.NewInt(3), x)
	threeX.Mod(threeX, p)

	y2 := new(big.Int).Sub(x3, threeX)
	y2.Mod(y2, p)
	if y2.Sign() < 0 {
		y2.Add(y2, p)
	}
	y2.Add(y2, params.B)
	y2.Mod(y2, p)

	// P-256's prime is ≡ 3 mod 4, so square roots are exponentiation by (p+1)/4.
	exp := new(big.Int).Add(p, big.NewInt(1))
	exp.Div(exp, big.NewInt(4))
	y := new(big.Int).Exp(y2, exp, p)

	check := new(big.Int).Mul(y, y)
	check.Mod(check, p)
	if check.Cmp(y2) != 0 {
		return nil
	}
	return y
}

func deterministicNonce(priv *ecdsa.PrivateKey, hX, hY *big.Int) *big.Int {
	n := priv.Curve.Params().N
	h := sha256.New()
	h.Write(priv.D.Bytes())
	h.Write(hX.Bytes())
	h.Write(hY.Bytes())
	k := new(big.Int).SetBytes(h.Sum(nil))
	k.Mod(k, n)
	if k.Sign() == 0 {
		k.SetInt64(1)
	}
	return k
}

func computeChallenge(pub *ecdsa.PublicKey, hX, hY, gammaX, gammaY, uX, uY, vX, vY *big.Int) *big.Int {
	n := p256.Params().N
	h := sha256.New()
	h.Write(suiteString)
	h.Write([]byte{0x02})
	h.Write(elliptic.MarshalCompressed(p256, pub.X, pub.Y))
	h.Write(elliptic.MarshalCompressed(p256, hX, hY))
	h.Write(elliptic.MarshalCompressed(p256, gammaX, gammaY))
	h.Write(elliptic.MarshalCompressed(p256, uX, uY))
	h.Write(elliptic.MarshalCompressed(p256, vX, vY))
	c := new(big.Int).SetBytes(h.Sum(nil)[:16])
	c.Mod(c, n)
	return c
}

func proofToHash(gammaX, gammaY *big.Int) []byte {
	h := sha256.New()
	h.Write(suiteString)
	h.Write([]byte{0x03})
	h.Write(elliptic.MarshalCompressed(p256, gammaX, gammaY))
	return h.Sum(nil)
}

// generateProof computes an ECVRF proof over alpha under kp.
func generateProof(kp *KeyPair, alpha []byte) (beta []byte, proof *Proof, err error) {
	hX, hY, err := hashToCurve(alpha, kp.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	gammaX, gammaY := p256.ScalarMult(hX, hY, kp.priv.D.Bytes())
	k := deterministicNonce(kp.priv, hX, hY)
	uX, uY := p256.ScalarBaseMult(k.Bytes())
	vX, vY := p256.ScalarMult(hX, hY, k.Bytes())

	c := computeChallenge(&kp.priv.PublicKey, hX, hY, gammaX, gammaY, uX, uY, vX, vY)

	n := p256.Params().N
	cx := new(big.Int).Mul(c, kp.priv.D)
	cx.Mod(cx, n)
	s := new(big.Int).Add(k, cx)
	s.Mod(s, n)

	beta = proofToHash(gammaX, gammaY)
	return beta, &Proof{GammaX: gammaX, GammaY: gammaY, C: c, S: s}, nil
}

// verifyProofInternal verifies an ECVRF proof and returns its output hash.
func verifyProofInternal(pub []byte, alpha []byte, proof *Proof) ([]byte, bool) {
	x, y := elliptic.UnmarshalCompressed(p256, pub)
	if x == nil {
		return nil, false
	}
	pubKey := &ecdsa.PublicKey{Curve: p256, X: x, Y: y}

	if !p256.IsOnCurve(proof.GammaX, proof.GammaY) {
		return nil, false
	}

	hX, hY, err := hashToCurve(alpha, pub)
	if err != nil {
		return nil, false
	}

	n := p256.Params().N
	negC := new(big.Int).Neg(proof.C)
	negC.Mod(negC, n)

	sGx, sGy := p256.ScalarBaseMult(proof.S.Bytes())
	cYx, cYy := p256.ScalarMult(pubKey.X, pubKey.Y, negC.Bytes())
	uX, uY := p256.Add(sGx, sGy, cYx, cYy)

	sHx, sHy := p256.ScalarMult(hX, hY, proof.S.Bytes())
	cGx, cGy := p256.ScalarMult(proof.GammaX, proof.GammaY, negC.Bytes())
	vX, vY := p256.Add(sHx, sHy, cGx, cGy)

	cPrime := computeChallenge(pubKey, hX, hY, proof.GammaX, proof.GammaY, uX, uY, vX, vY)
	if proof.C.Cmp(cPrime) != 0 {
		return nil, false
	}

	return proofToHash(proof.GammaX, proof.GammaY), true
}

// SerializeProof encodes a proof as Gamma(33B) || c(32B) || s(32B) = 97 bytes.
func SerializeProof(p *Proof) []byte {
	out := make([]byte, 97)
	gamma := elliptic.MarshalCompressed(p256, p.GammaX, p.GammaY)
	copy(out[0:33], gamma)
	cBytes := p.C.Bytes()
	copy(out[33+(32-len(cBytes)):65], cBytes)
	sBytes := p.S.Bytes()
	copy(out[65+(32-len(sBytes)):97], sBytes)
	return out
}

// DeserializeProof decodes a proof previously produced by SerializeProof.
func DeserializeProof(data []byte) (*Proof, error) {
	if len(data) != 97 {
		return nil, fmt.Errorf("invalid vrf proof length: %d", len(data))
	}
	gammaX, gammaY := elliptic.UnmarshalCompressed(p256, data[0:33])
	if gammaX == nil {
		return nil, fmt.Errorf("invalid gamma point")
	}
	c := new(big.Int).SetBytes(data[33:65])
	s := new(big.Int).SetBytes(data[65:97])
	return &Proof{GammaX: gammaX, GammaY: gammaY, C: c, S: s}, nil
}

// BuildChallengeInput computes the domain-separated vrfInput bytes that bind
// a challenge to a specific user, relying party, and chain state:
// SHA256(domain ∥ userId ∥ rpId ∥ u64_be(blockHeight) ∥ blockHash ∥ optionalIntentDigest).
func BuildChallengeInput(in ChallengeInput) []byte {
	h := sha256.New()
	h.Write([]byte(challengeDomain))
	h.Write([]byte(in.UserId))
	h.Write([]byte(in.RpId))
	var heightBytes [8]byte
	binary.BigEndian.PutUint64(heightBytes[:], in.BlockHeight)
	h.Write(heightBytes[:])
	h.Write(in.BlockHash)
	if in.IntentDigest != "" {
		h.Write([]byte(in.IntentDigest))
	}
	return h.Sum(nil)
}

// MakeChallenge builds a VrfChallenge: it derives the domain-separated
// vrfInput, computes an ECVRF proof over it with kp's secret, and returns the
// full challenge including the output bytes used verbatim as the WebAuthn
// challenge.
func MakeChallenge(kp *KeyPair, in ChallengeInput) (*VrfChallenge, error) {
	vrfInput := BuildChallengeInput(in)

	beta, proof, err := generateProof(kp, vrfInput)
	if err != nil {
		return nil, pkerrors.SigningFailed(err)
	}

	return &VrfChallenge{
		VrfInput:     vrfInput,
		VrfOutput:    beta,
		VrfProof:     SerializeProof(proof),
		VrfPublicKey: kp.PublicKey,
		UserId:       in.UserId,
		RpId:         in.RpId,
		BlockHeight:  in.BlockHeight,
		BlockHash:    in.BlockHash,
		IntentDigest: in.IntentDigest,
	}, nil
}

// VerifyProof reports whether (vrfOutput, vrfProof) was produced by the
// secret matching vrfPub over vrfInput.
func VerifyProof(vrfPub, vrfInput, vrfOutput, vrfProof []byte) bool {
	proof, err := DeserializeProof(vrfProof)
	if err != nil {
		return false
	}
	beta, ok := verifyProofInternal(vrfPub, vrfInput, proof)
	if !ok {
		return false
	}
	return subtleEqual(beta, vrfOutput)
}

func subtleEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}
