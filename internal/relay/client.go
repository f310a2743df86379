package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/httputil"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
)

// ClientConfig configures a Client against a deployed relay server.
type ClientConfig struct {
	BaseURL     string
	JWTSecret   string
	JWTAudience string
	Timeout     time.Duration
}

// Client implements keymanager.RelayClient against the reference relay
// server's HTTP surface (spec §6: applyServerLock / removeServerLock).
type Client struct {
	httpClient  *http.Client
	baseURL     string
	jwtSecret   string
	jwtAudience string
	logger      *logging.Logger
	metrics     *metrics.Metrics
}

// New builds a Client against cfg.
func New(cfg ClientConfig, logger *logging.Logger, m *metrics.Metrics) (*Client, error) {
	httpClient, baseURL, err := httputil.NewClientWithBaseURL(httputil.ClientConfig{
		BaseURL: cfg.BaseURL,
		Timeout: cfg.Timeout,
	}, httputil.DefaultClientDefaults())
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		jwtSecret:   cfg.JWTSecret,
		jwtAudience: cfg.JWTAudience,
		logger:      logger,
		metrics:     m,
	}, nil
}

// ApplyServerLock sends kek_c to the relay's first pass and returns kek_cs
// (keymanager.RelayClient).
func (c *Client) ApplyServerLock(ctx context.Context, accountID string, kekC []byte) ([]byte, error) {
	var resp applyLockResponse
	if err := c.post(ctx, "/shamir/apply-lock", accountID, applyLockRequest{AccountID: accountID, KekC: kekC}, &resp); err != nil {
		c.observe("apply", "error")
		return nil, err
	}
	c.observe("apply", "ok")
	return resp.KekCS, nil
}

// RemoveServerLock sends kek_s to the relay's final pass and returns the
// recovered plaintext KEK (keymanager.RelayClient).
func (c *Client) RemoveServerLock(ctx context.Context, accountID string, kekS []byte) ([]byte, error) {
	var resp removeLockResponse
	if err := c.post(ctx, "/shamir/remove-lock", accountID, removeLockRequest{AccountID: accountID, KekS: kekS}, &resp); err != nil {
		c.observe("remove", "error")
		return nil, err
	}
	c.observe("remove", "ok")
	return resp.Kek, nil
}

func (c *Client) post(ctx context.Context, path, accountID string, body, out interface{}) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return pkerrors.RelayLockError(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return pkerrors.RelayLockError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	if c.jwtSecret != "" {
		token, err := mint(c.jwtSecret, c.jwtAudience, accountID, 60*time.Second)
		if err != nil {
			return pkerrors.RelayLockError(fmt.Errorf("mint relay bearer token: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return pkerrors.RelayLockError(err)
	}
	defer resp.Body.Close()

	respBody, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return pkerrors.RelayLockError(err)
	}
	if resp.StatusCode != http.StatusOK {
		return pkerrors.RelayLockError(fmt.Errorf("relay http %d: %s", resp.StatusCode, respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return pkerrors.RelayLockError(fmt.Errorf("decode relay response: %w", err))
	}
	return nil
}

func (c *Client) observe(op, outcome string) {
	if c.metrics != nil {
		c.metrics.RelayLockTotal.WithLabelValues(op, outcome).Inc()
	}
}
