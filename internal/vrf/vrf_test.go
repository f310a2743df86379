package vrf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateBootstrapKeypairProducesValidPublicKey(t *testing.T) {
	kp, err := GenerateBootstrapKeypair()
	require.NoError(t, err)
	require.Len(t, kp.PublicKey, 33)
	require.Len(t, kp.SecretSeed, 32)
}

func TestMakeChallengeAndVerifyProofRoundTrip(t *testing.T) {
	kp, err := GenerateBootstrapKeypair()
	require.NoError(t, err)

	challenge, err := MakeChallenge(kp, ChallengeInput{
		UserId:      "alice.testnet",
		RpId:        "example.com",
		BlockHeight: 12345,
		BlockHash:   []byte("block-hash-placeholder-32-bytes"),
	})
	require.NoError(t, err)

	ok := VerifyProof(challenge.VrfPublicKey, challenge.VrfInput, challenge.VrfOutput, challenge.VrfProof)
	require.True(t, ok)
}

func TestVerifyProofRejectsTamperedOutput(t *testing.T) {
	kp, err := GenerateBootstrapKeypair()
	require.NoError(t, err)

	challenge, err := MakeChallenge(kp, ChallengeInput{
		UserId:      "alice.testnet",
		RpId:        "example.com",
		BlockHeight: 100,
		BlockHash:   []byte("block-hash-placeholder-32-bytes"),
	})
	require.NoError(t, err)

	tamperedOutput := append([]byte(nil), challenge.VrfOutput...)
	tamperedOutput[0] ^= 0xFF

	ok := VerifyProof(challenge.VrfPublicKey, challenge.VrfInput, tamperedOutput, challenge.VrfProof)
	require.False(t, ok)
}

func TestVerifyProofRejectsWrongPublicKey(t *testing.T) {
	kp1, err := GenerateBootstrapKeypair()
	require.NoError(t, err)
	kp2, err := GenerateBootstrapKeypair()
	require.NoError(t, err)

	challenge, err := MakeChallenge(kp1, ChallengeInput{
		UserId:      "alice.testnet",
		RpId:        "example.com",
		BlockHeight: 100,
		BlockHash:   []byte("block-hash-placeholder-32-bytes"),
	})
	require.NoError(t, err)

	ok := VerifyProof(kp2.PublicKey, challenge.VrfInput, challenge.VrfOutput, challenge.VrfProof)
	require.False(t, ok)
}

func TestBuildChallengeInputBindsIntentDigest(t *testing.T) {
	base := ChallengeInput{UserId: "alice.testnet", RpId: "example.com", BlockHeight: 1, BlockHash: []byte("hash")}
	withDigest := base
	withDigest.IntentDigest = "some-digest"

	require.NotEqual(t, BuildChallengeInput(base), BuildChallengeInput(withDigest))
}

func TestEncryptDecryptKeypairRoundTrip(t *testing.T) {
	kp, err := GenerateBootstrapKeypair()
	require.NoError(t, err)

	prfA := make([]byte, 32)
	for i := range prfA {
		prfA[i] = byte(i + 1)
	}

	enc, err := EncryptKeypair(kp.SecretSeed, prfA, "alice.testnet")
	require.NoError(t, err)

	decrypted, err := DecryptKeypair(enc, prfA, "alice.testnet")
	require.NoError(t, err)
	require.Equal(t, kp.SecretSeed, decrypted)

	// Wrong account id must fail to decrypt (AAD mismatch).
	_, err = DecryptKeypair(enc, prfA, "bob.testnet")
	require.Error(t, err)
}

func TestDeriveDeterministicKeypairIsDeterministic(t *testing.T) {
	prfA := make([]byte, 32)
	for i := range prfA {
		prfA[i] = byte(i * 7)
	}

	kp1, _, err := DeriveDeterministicKeypair(prfA, "alice.testnet")
	require.NoError(t, err)
	kp2, _, err := DeriveDeterministicKeypair(prfA, "alice.testnet")
	require.NoError(t, err)

	require.Equal(t, kp1.PublicKey, kp2.PublicKey)
	require.Equal(t, kp1.SecretSeed, kp2.SecretSeed)
}
