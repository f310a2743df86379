package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *RPCClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{RPCURL: srv.URL, NetworkID: "testnet"}, logging.New("chain-test", "error", "text"), metrics.NewWithRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	return c
}

func TestViewAccessKeyDecodesNonceAndPermission(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "query", req.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"nonce":42,"permission":"FullAccess","block_height":100,"block_hash":"abc"}}`))
	})

	view, err := c.ViewAccessKey(context.Background(), "alice.near", "ed25519:abc")
	require.NoError(t, err)
	require.Equal(t, uint64(42), view.Nonce)
	require.Equal(t, "FullAccess", view.Permission)
}

func TestCallClassifiesServerErrorsAsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	})

	_, err := c.ViewAccessKey(context.Background(), "alice.near", "ed25519:abc")
	require.Error(t, err)
	require.True(t, pkerrors.As(err, pkerrors.ErrCodeChainTransient))
}

func TestSendTransactionSurfacesFailureStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"transaction":{"hash":"abc"},"status":{"Failure":{"ActionError":{}}}}}`))
	})

	_, err := c.SendTransaction(context.Background(), "base64tx", WaitExecutedOptimistic)
	require.Error(t, err)
}
