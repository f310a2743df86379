package httputil

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ClientConfig configures an outbound HTTP client for the relay or chain RPC
// collaborators.
type ClientConfig struct {
	BaseURL      string
	Timeout      time.Duration
	HTTPClient   *http.Client
	MaxBodyBytes int64
}

// ClientDefaults holds fallback values applied when a ClientConfig field is
// left at its zero value.
type ClientDefaults struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	RequireHTTPS bool
}

// DefaultClientDefaults is the baseline used by internal/chain and
// internal/relay unless overridden by configuration.
func DefaultClientDefaults() ClientDefaults {
	return ClientDefaults{
		Timeout:      15 * time.Second,
		MaxBodyBytes: 1 << 20, // 1 MiB
		RequireHTTPS: false,
	}
}

// NewClientWithBaseURL normalizes cfg.BaseURL and returns an *http.Client
// with the resolved timeout applied.
func NewClientWithBaseURL(cfg ClientConfig, defaults ClientDefaults) (*http.Client, string, error) {
	normalizedURL, _, err := NormalizeBaseURL(cfg.BaseURL, defaults.RequireHTTPS)
	if err != nil {
		return nil, "", fmt.Errorf("normalize base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaults.Timeout
	}
	client := CopyHTTPClientWithTimeout(cfg.HTTPClient, timeout, cfg.Timeout != 0)
	return client, normalizedURL, nil
}

// CopyHTTPClientWithTimeout returns a shallow copy of base with its Timeout
// set, never mutating the caller-provided client. If base is nil, a fresh
// client is created.
func CopyHTTPClientWithTimeout(base *http.Client, timeout time.Duration, force bool) *http.Client {
	if base == nil {
		return &http.Client{Timeout: timeout, Transport: DefaultTransportWithMinTLS12()}
	}
	copied := *base
	if copied.Timeout == 0 || force {
		copied.Timeout = timeout
	}
	return &copied
}

// DefaultTransportWithMinTLS12 clones http.DefaultTransport (when possible)
// and enforces a modern TLS baseline for the relay and chain RPC clients.
func DefaultTransportWithMinTLS12() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	cloned := base.Clone()
	if cloned.TLSClientConfig != nil {
		cloned.TLSClientConfig = cloned.TLSClientConfig.Clone()
		if cloned.TLSClientConfig.MinVersion < tls.VersionTLS12 {
			cloned.TLSClientConfig.MinVersion = tls.VersionTLS12
		}
	} else {
		cloned.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cloned
}

// NormalizeBaseURL trims whitespace, removes a trailing slash, validates
// scheme/host, disallows embedded user info, and optionally requires https.
func NormalizeBaseURL(raw string, requireHTTPS bool) (string, *url.URL, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(raw), "/")
	if baseURL == "" {
		return "", nil, fmt.Errorf("base URL is required")
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", nil, fmt.Errorf("base URL must be a valid URL")
	}
	if parsed.User != nil {
		return "", nil, fmt.Errorf("base URL must not include user info")
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL scheme must be http or https")
	}
	if requireHTTPS && parsed.Scheme != "https" {
		return "", nil, fmt.Errorf("base URL must use https")
	}
	return baseURL, parsed, nil
}
