package shamir

import (
	"crypto/sha256"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

// testPrime256 is a 256-bit safe prime used across the test suite, matching
// the "seed values for the test suite" convention in spec §8.
func testPrime256() *big.Int {
	p, ok := new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFFF72EF", 16)
	if !ok {
		panic("invalid test prime")
	}
	return p
}

func TestShamirFullRoundTrip(t *testing.T) {
	eng := NewEngine(testPrime256())

	clientPair, err := eng.GenerateExponentPair()
	require.NoError(t, err)
	serverPair, err := eng.GenerateExponentPair()
	require.NoError(t, err)

	seed := sha256.Sum256([]byte("seed"))
	kek := KEKFromBytes(seed[:])

	kekC, err := eng.ClientLock(kek, clientPair.E)
	require.NoError(t, err)

	kekCS, err := eng.ServerLock(kekC, serverPair.E)
	require.NoError(t, err)

	kekS, err := eng.ClientUnlock(kekCS, clientPair.D)
	require.NoError(t, err)

	recovered, err := eng.ServerUnlock(kekS, serverPair.D)
	require.NoError(t, err)

	require.Equal(t, 0, kek.Cmp(recovered), "serverUnlock(clientUnlock(serverLock(clientLock(kek)))) must equal kek")
}

func TestShamirRejectsInputsOutOfRange(t *testing.T) {
	eng := NewEngine(testPrime256())
	pair, err := eng.GenerateExponentPair()
	require.NoError(t, err)

	_, err = eng.ClientLock(big.NewInt(0), pair.E)
	require.Error(t, err)

	tooLarge := new(big.Int).Add(eng.P, big.NewInt(1))
	_, err = eng.ClientLock(tooLarge, pair.E)
	require.Error(t, err)
}

func TestExponentPairZeroize(t *testing.T) {
	eng := NewEngine(testPrime256())
	pair, err := eng.GenerateExponentPair()
	require.NoError(t, err)

	pair.Zeroize()
	require.Equal(t, int64(0), pair.E.Int64())
	require.Equal(t, int64(0), pair.D.Int64())
}

func TestKEKBytesRoundTrip(t *testing.T) {
	seed := sha256.Sum256([]byte("seed"))
	kek := KEKFromBytes(seed[:])
	b := KEKToBytes(kek)
	require.Len(t, b, 32)
	require.Equal(t, 0, kek.Cmp(KEKFromBytes(b)))
}
