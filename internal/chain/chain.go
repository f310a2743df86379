// Package chain implements the ChainClient collaborator: a NEAR JSON-RPC
// client used by the Session Orchestrator to read access keys and blocks
// and to broadcast signed transactions (spec §6).
//
// No NEAR SDK appears anywhere in this codebase's example pack, so the
// client is built directly on net/http and encoding/json, reusing
// internal/httputil for base-URL normalization, TLS hardening, and
// body-size limits the same way the relay client does.
package chain

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/httputil"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
	"github.com/web3-authn/tatchi-sub013/internal/ratelimit"
)

// AccessKeyView is the decoded result of viewAccessKey: the nonce and
// permission recorded on-chain for one (accountId, publicKey) pair.
type AccessKeyView struct {
	Nonce      uint64 `json:"nonce"`
	Permission string `json:"permission"`
	BlockHeight uint64
	BlockHash   string
}

// BlockView carries the fields the Orchestrator needs from a block: its
// height and hash, used to bind freshly issued VRF challenges and
// transaction nonces to a recent chain tip (spec §4.2, §4.6).
type BlockView struct {
	Height uint64
	Hash   []byte
}

// CallResult is the decoded return value of a view-only contract call.
type CallResult struct {
	Result []byte // raw bytes returned by the contract, already base64-decoded
	Logs   []string
}

// SendTxResult is the outcome of broadcasting a signed transaction.
type SendTxResult struct {
	TransactionHash string
	Status          string // e.g. "SuccessValue", "Failure"
	SuccessValue    []byte
}

// Client is the interface the Session Orchestrator depends on (spec §6).
// A fake satisfying this interface is used in orchestrator tests so chain
// RPC latency and flakiness never enter unit tests.
type Client interface {
	ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error)
	ViewBlock(ctx context.Context, finality string) (*BlockView, error)
	View(ctx context.Context, contractID, method string, args map[string]interface{}) (*CallResult, error)
	CallFunction(ctx context.Context, contractID, method string, args map[string]interface{}, gas, deposit string) (*CallResult, error)
	SendTransaction(ctx context.Context, signedTxBase64 string, waitUntil string) (*SendTxResult, error)
}

// WaitUntil mirrors NEAR's tx_execution_status finality levels (spec §6).
const (
	WaitExecutedOptimistic = "EXECUTED_OPTIMISTIC"
	WaitIncludedFinal      = "INCLUDED_FINAL"
	WaitFinal              = "FINAL"
)

// RPCClient is the HTTP implementation of Client, talking JSON-RPC 2.0 to
// a NEAR node (spec §6: "viewAccessKey / viewBlock / view / callFunction /
// sendTransaction").
type RPCClient struct {
	httpClient *http.Client
	baseURL    string
	networkID  string
	limiter    *ratelimit.Limiter
	logger     *logging.Logger
	metrics    *metrics.Metrics
	idSeq      uint64
}

// Config configures an RPCClient.
type Config struct {
	RPCURL    string
	NetworkID string
	Timeout   time.Duration
}

// New builds an RPCClient against cfg, applying the shared outbound-client
// defaults (TLS 1.2 floor) from internal/httputil; call caps each response
// body at 4 MiB.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) (*RPCClient, error) {
	httpClient, baseURL, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL: cfg.RPCURL,
		Timeout: cfg.Timeout,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, fmt.Errorf("chain: %w", err)
	}
	return &RPCClient{
		httpClient: httpClient,
		baseURL:    baseURL,
		networkID:  cfg.NetworkID,
		limiter:    ratelimit.New(ratelimit.DefaultConfig()),
		logger:     logger,
		metrics:    m,
	}, nil
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) nextID() string {
	return fmt.Sprintf("passkey-core-%d", atomic.AddUint64(&c.idSeq, 1))
}

// call performs one JSON-RPC round trip, classifying errors as transient
// (network/5xx/timeout, safe to retry per spec §7) or fatal (4xx-shaped
// RPC errors such as UNKNOWN_ACCOUNT).
func (c *RPCClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, pkerrors.ChainError(true, err)
	}

	start := time.Now()
	outcome := "ok"
	defer func() {
		if c.metrics != nil {
			c.metrics.ChainRPCTotal.WithLabelValues(method, outcome).Inc()
			c.metrics.ChainRPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		}
	}()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID(), Method: method, Params: params})
	if err != nil {
		outcome = "error"
		return nil, pkerrors.ChainError(false, fmt.Errorf("encode rpc request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		outcome = "error"
		return nil, pkerrors.ChainError(false, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome = "transient_error"
		return nil, pkerrors.ChainError(true, err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, 4<<20)
	if err != nil {
		outcome = "transient_error"
		return nil, pkerrors.ChainError(true, err)
	}

	if resp.StatusCode >= 500 {
		outcome = "transient_error"
		return nil, pkerrors.ChainError(true, fmt.Errorf("rpc http %d: %s", resp.StatusCode, respBody))
	}
	if resp.StatusCode >= 400 {
		outcome = "error"
		return nil, pkerrors.ChainError(false, fmt.Errorf("rpc http %d: %s", resp.StatusCode, respBody))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		outcome = "error"
		return nil, pkerrors.ChainError(false, fmt.Errorf("decode rpc response: %w", err))
	}
	if decoded.Error != nil {
		outcome = "error"
		transient := decoded.Error.Code == -32000 || decoded.Error.Code == 0
		return nil, pkerrors.ChainError(transient, fmt.Errorf("rpc error %d: %s", decoded.Error.Code, decoded.Error.Message))
	}
	return decoded.Result, nil
}

// ViewAccessKey fetches the nonce and permission for an access key
// (spec §6, used by SO.login and SO.signAndSendTransactions to compute the
// next nonce and detect NonceConflict).
func (c *RPCClient) ViewAccessKey(ctx context.Context, accountID, publicKey string) (*AccessKeyView, error) {
	raw, err := c.call(ctx, "query", map[string]interface{}{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   accountID,
		"public_key":   publicKey,
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Nonce               uint64          `json:"nonce"`
		Permission          json.RawMessage `json:"permission"`
		BlockHeight         uint64          `json:"block_height"`
		BlockHash           string          `json:"block_hash"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, pkerrors.ChainError(false, fmt.Errorf("decode access key view: %w", err))
	}
	permission := "FullAccess"
	if len(decoded.Permission) > 0 && string(decoded.Permission) != `"FullAccess"` {
		permission = "FunctionCall"
	}
	return &AccessKeyView{
		Nonce:       decoded.Nonce,
		Permission:  permission,
		BlockHeight: decoded.BlockHeight,
		BlockHash:   decoded.BlockHash,
	}, nil
}

// ViewBlock fetches the block at the requested finality ("final" or
// "optimistic"), used to bind freshly minted VRF challenges (spec §4.2).
func (c *RPCClient) ViewBlock(ctx context.Context, finality string) (*BlockView, error) {
	if finality == "" {
		finality = "final"
	}
	raw, err := c.call(ctx, "block", map[string]interface{}{"finality": finality})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Header struct {
			Height uint64 `json:"height"`
			Hash   string `json:"hash"`
		} `json:"header"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, pkerrors.ChainError(false, fmt.Errorf("decode block view: %w", err))
	}
	hashBytes, err := base58.Decode(decoded.Header.Hash)
	if err != nil {
		return nil, pkerrors.ChainError(false, fmt.Errorf("decode block hash: %w", err))
	}
	return &BlockView{Height: decoded.Header.Height, Hash: hashBytes}, nil
}

// View performs a read-only contract call (spec §6 "view"), used by the
// Orchestrator to read on-chain authenticator/account state without
// spending gas.
func (c *RPCClient) View(ctx context.Context, contractID, method string, args map[string]interface{}) (*CallResult, error) {
	return c.viewOrCall(ctx, "call_function", contractID, method, args)
}

// CallFunction performs the same RPC as View; NEAR's query API does not
// distinguish "free" reads from gas-metered state-changing calls at the
// RPC layer — that distinction lives in the signed transaction the
// Session Orchestrator constructs before broadcasting. CallFunction exists
// as a distinct method to match spec §6's named exit contract and to keep
// the Orchestrator's call sites self-documenting.
func (c *RPCClient) CallFunction(ctx context.Context, contractID, method string, args map[string]interface{}, gas, deposit string) (*CallResult, error) {
	return c.viewOrCall(ctx, "call_function", contractID, method, args)
}

func (c *RPCClient) viewOrCall(ctx context.Context, requestType, contractID, method string, args map[string]interface{}) (*CallResult, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, pkerrors.ChainError(false, fmt.Errorf("encode call args: %w", err))
	}
	raw, err := c.call(ctx, "query", map[string]interface{}{
		"request_type": requestType,
		"finality":     "optimistic",
		"account_id":   contractID,
		"method_name":  method,
		"args_base64":  base64.StdEncoding.EncodeToString(argsJSON),
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Result []byte   `json:"result"`
		Logs   []string `json:"logs"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, pkerrors.ChainError(false, fmt.Errorf("decode call result: %w", err))
	}
	return &CallResult{Result: decoded.Result, Logs: decoded.Logs}, nil
}

// SendTransaction broadcasts a Borsh-encoded, base64-wrapped SignedTransaction
// and waits for the requested execution status (spec §6).
func (c *RPCClient) SendTransaction(ctx context.Context, signedTxBase64 string, waitUntil string) (*SendTxResult, error) {
	if waitUntil == "" {
		waitUntil = WaitExecutedOptimistic
	}
	raw, err := c.call(ctx, "send_tx", map[string]interface{}{
		"signed_tx_base64": signedTxBase64,
		"wait_until":       waitUntil,
	})
	if err != nil {
		return nil, err
	}
	var decoded struct {
		Transaction struct {
			Hash string `json:"hash"`
		} `json:"transaction"`
		Status struct {
			SuccessValue string `json:"SuccessValue"`
			Failure      json.RawMessage `json:"Failure"`
		} `json:"status"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, pkerrors.ChainError(false, fmt.Errorf("decode send_tx result: %w", err))
	}
	if len(decoded.Status.Failure) > 0 {
		return nil, pkerrors.ChainError(false, fmt.Errorf("transaction failed: %s", decoded.Status.Failure))
	}
	var successValue []byte
	if decoded.Status.SuccessValue != "" {
		successValue, _ = base64.StdEncoding.DecodeString(decoded.Status.SuccessValue)
	}
	return &SendTxResult{
		TransactionHash: decoded.Transaction.Hash,
		Status:          "SuccessValue",
		SuccessValue:    successValue,
	}, nil
}

var _ Client = (*RPCClient)(nil)
