package relay

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
	"github.com/web3-authn/tatchi-sub013/internal/shamir"
)

func TestApplyThenRemoveLockRoundTripsKEK(t *testing.T) {
	logger := logging.New("relay-test", "error", "text")
	srvMetrics := metrics.NewWithRegistry(prometheus.NewRegistry())
	server := NewServer(ServerConfig{JWTSecret: "", JWTAudience: "passkey-relay"}, logger, srvMetrics)

	httpSrv := httptest.NewServer(server.Router())
	t.Cleanup(httpSrv.Close)

	client, err := New(ClientConfig{BaseURL: httpSrv.URL, JWTAudience: "passkey-relay"}, logger, metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	eng := shamir.NewEngine(shamir.DefaultPrime())
	clientPair, err := eng.GenerateExponentPair()
	require.NoError(t, err)

	kek := shamir.KEKFromBytes([]byte("0123456789abcdef0123456789abcdef"))
	kekC, err := eng.ClientLock(kek, clientPair.E)
	require.NoError(t, err)

	kekCSBytes, err := client.ApplyServerLock(context.Background(), "alice.near", shamir.KEKToBytes(kekC))
	require.NoError(t, err)

	kekS, err := eng.ClientUnlock(shamir.KEKFromBytes(kekCSBytes), clientPair.D)
	require.NoError(t, err)

	recoveredBytes, err := client.RemoveServerLock(context.Background(), "alice.near", shamir.KEKToBytes(kekS))
	require.NoError(t, err)

	require.Equal(t, shamir.KEKToBytes(kek), recoveredBytes)
}

func TestRemoveLockWithoutPriorApplyFails(t *testing.T) {
	logger := logging.New("relay-test", "error", "text")
	server := NewServer(ServerConfig{}, logger, metrics.NewWithRegistry(prometheus.NewRegistry()))
	httpSrv := httptest.NewServer(server.Router())
	t.Cleanup(httpSrv.Close)

	client, err := New(ClientConfig{BaseURL: httpSrv.URL}, logger, metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	_, err = client.RemoveServerLock(context.Background(), "unknown.near", shamir.KEKToBytes(shamir.KEKFromBytes([]byte("x"))))
	require.Error(t, err)
}

func TestAuthMiddlewareRejectsMissingBearerWhenSecretConfigured(t *testing.T) {
	logger := logging.New("relay-test", "error", "text")
	server := NewServer(ServerConfig{JWTSecret: "topsecret", JWTAudience: "passkey-relay"}, logger, metrics.NewWithRegistry(prometheus.NewRegistry()))
	httpSrv := httptest.NewServer(server.Router())
	t.Cleanup(httpSrv.Close)

	// No JWTSecret configured on this client => no Authorization header sent.
	client, err := New(ClientConfig{BaseURL: httpSrv.URL}, logger, metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)

	_, err = client.ApplyServerLock(context.Background(), "alice.near", shamir.KEKToBytes(shamir.KEKFromBytes([]byte("x"))))
	require.Error(t, err)
}
