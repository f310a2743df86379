// Package relay implements the RelayClient collaborator (spec §6) and a
// reference relay HTTP server that performs the server half of the Shamir
// 3-pass KEK protocol (spec §9): applyServerLock / removeServerLock.
//
// The server never learns the client's exponent: it only ever applies or
// removes its own exponentiation over a value the client has locked, per
// internal/shamir's commutative-encryption math. Removing its lock in the
// final pass yields the plaintext KEK, which the remove-lock handler returns
// to the client.
package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"

	pkerrors "github.com/web3-authn/tatchi-sub013/internal/errors"
	"github.com/web3-authn/tatchi-sub013/internal/httputil"
	"github.com/web3-authn/tatchi-sub013/internal/logging"
	"github.com/web3-authn/tatchi-sub013/internal/metrics"
	"github.com/web3-authn/tatchi-sub013/internal/ratelimit"
	"github.com/web3-authn/tatchi-sub013/internal/replay"
	"github.com/web3-authn/tatchi-sub013/internal/security"
	"github.com/web3-authn/tatchi-sub013/internal/shamir"
)

// securityHeaders are set on every relay response. The relay has no
// browser-facing UI of its own, but it is reachable from whatever origin a
// wallet SDK runs in, so the same defensive headers apply.
var securityHeaders = map[string]string{
	"X-Content-Type-Options":   "nosniff",
	"X-Frame-Options":          "DENY",
	"Referrer-Policy":          "strict-origin-when-cross-origin",
	"Content-Security-Policy":  "default-src 'none'",
	"Cache-Control":            "no-store",
}

// CORSConfig controls which browser origins may call the relay directly.
// Empty AllowedOrigins means no cross-origin caller is trusted; a wallet
// SDK that needs browser-side Shamir round trips must set this explicitly.
type CORSConfig struct {
	AllowedOrigins []string
}

// ServerConfig configures the reference relay server.
type ServerConfig struct {
	JWTSecret    string
	JWTAudience  string
	MaxBodyBytes int64
	Prime        *big.Int // shared Shamir modulus; falls back to shamir's default safe prime
	CORS         CORSConfig
	RateLimit    ratelimit.Config // per-account apply-lock/remove-lock budget; zero value uses DefaultConfig
}

// Server is the reference implementation of the relay side of the Shamir
// 3-pass handshake. It is "reference" in the same sense spec §6 uses the
// word: a real, runnable relay, not a mock, but not the only possible one.
type Server struct {
	cfg     ServerConfig
	engine  *shamir.Engine
	logger  *logging.Logger
	metrics *metrics.Metrics
	auth    *jwtAuth

	mu          sync.Mutex
	serverPairs map[string]*shamir.ExponentPair // accountID -> (e_s, d_s), held across apply/remove

	limiter *ratelimit.PerKeyLimiter
	replay  *replay.Protection
}

// NewServer builds a relay Server. If cfg.Prime is nil, shamir.DefaultPrime
// is used so the client and the reference server agree on a modulus
// out of band, the same way spec §9 describes.
func NewServer(cfg ServerConfig, logger *logging.Logger, m *metrics.Metrics) *Server {
	prime := cfg.Prime
	if prime == nil {
		prime = shamir.DefaultPrime()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{
		cfg:         cfg,
		engine:      shamir.NewEngine(prime),
		logger:      logger,
		metrics:     m,
		auth:        newJWTAuth(cfg.JWTSecret, cfg.JWTAudience),
		serverPairs: make(map[string]*shamir.ExponentPair),
		limiter:     ratelimit.NewPerKeyLimiter(cfg.RateLimit),
		replay:      replay.NewWithMaxSize(5*time.Minute, 10000, logger),
	}
}

// Router builds the gorilla/mux router exposing the relay's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoveryMiddleware, s.securityHeadersMiddleware, s.corsMiddleware, s.loggingMiddleware, s.bodyLimitMiddleware, s.auth.middleware)

	r.HandleFunc("/shamir/apply-lock", s.handleApplyLock).Methods(http.MethodPost)
	r.HandleFunc("/shamir/remove-lock", s.handleRemoveLock).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	return r
}

type applyLockRequest struct {
	AccountID string `json:"accountId"`
	KekC      []byte `json:"kekC"`
}

type applyLockResponse struct {
	KekCS []byte `json:"kekCs"`
}

type removeLockRequest struct {
	AccountID string `json:"accountId"`
	KekS      []byte `json:"kekS"`
}

type removeLockResponse struct {
	Kek []byte `json:"kek"`
}

// handleApplyLock is the relay's first pass: given the client-locked value
// kek_c, apply the server's own exponent e_s (generating and persisting one
// for this account on first use) and return kek_cs.
func (s *Server) handleApplyLock(w http.ResponseWriter, r *http.Request) {
	var req applyLockRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" || len(req.KekC) == 0 {
		httputil.WriteServiceError(w, r, pkerrors.MissingParameter("accountId/kekC"))
		return
	}
	if !s.limiter.Allow(req.AccountID) {
		s.observeLock("apply", "rate_limited")
		httputil.WriteServiceError(w, r, pkerrors.RateLimited())
		return
	}
	if !s.replay.ValidateAndMark(req.AccountID + ":apply:" + base64.StdEncoding.EncodeToString(req.KekC)) {
		s.observeLock("apply", "replay")
		httputil.WriteServiceError(w, r, pkerrors.Replayed())
		return
	}

	pair, err := s.serverPairFor(req.AccountID)
	if err != nil {
		s.observeLock("apply", "error")
		httputil.WriteServiceError(w, r, pkerrors.RelayLockError(err))
		return
	}

	kekCS, err := s.engine.ServerLock(shamir.KEKFromBytes(req.KekC), pair.E)
	if err != nil {
		s.observeLock("apply", "error")
		httputil.WriteServiceError(w, r, pkerrors.RelayLockError(err))
		return
	}

	s.observeLock("apply", "ok")
	httputil.WriteJSON(w, http.StatusOK, applyLockResponse{KekCS: shamir.KEKToBytes(kekCS)})
}

// handleRemoveLock is the relay's final pass: given kek_s (the client-
// locked-then-client-unlocked value), apply d_s to recover the raw KEK and
// hand it back. The relay must have seen applyServerLock for this account
// before — that is where its exponent pair was minted.
func (s *Server) handleRemoveLock(w http.ResponseWriter, r *http.Request) {
	var req removeLockRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.AccountID == "" || len(req.KekS) == 0 {
		httputil.WriteServiceError(w, r, pkerrors.MissingParameter("accountId/kekS"))
		return
	}
	if !s.limiter.Allow(req.AccountID) {
		s.observeLock("remove", "rate_limited")
		httputil.WriteServiceError(w, r, pkerrors.RateLimited())
		return
	}
	if !s.replay.ValidateAndMark(req.AccountID + ":remove:" + base64.StdEncoding.EncodeToString(req.KekS)) {
		s.observeLock("remove", "replay")
		httputil.WriteServiceError(w, r, pkerrors.Replayed())
		return
	}

	s.mu.Lock()
	pair, ok := s.serverPairs[req.AccountID]
	s.mu.Unlock()
	if !ok {
		s.observeLock("remove", "error")
		httputil.WriteServiceError(w, r, pkerrors.RelayLockError(fmt.Errorf("no server exponent pair on file for account %s", req.AccountID)))
		return
	}

	kek, err := s.engine.ServerUnlock(shamir.KEKFromBytes(req.KekS), pair.D)
	if err != nil {
		s.observeLock("remove", "error")
		httputil.WriteServiceError(w, r, pkerrors.RelayLockError(err))
		return
	}

	s.observeLock("remove", "ok")
	httputil.WriteJSON(w, http.StatusOK, removeLockResponse{Kek: shamir.KEKToBytes(kek)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) serverPairFor(accountID string) (*shamir.ExponentPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pair, ok := s.serverPairs[accountID]; ok {
		return pair, nil
	}
	pair, err := s.engine.GenerateExponentPair()
	if err != nil {
		return nil, fmt.Errorf("generate server exponent pair: %w", err)
	}
	s.serverPairs[accountID] = pair
	return pair, nil
}

func (s *Server) observeLock(op, outcome string) {
	if s.metrics != nil {
		s.metrics.RelayLockTotal.WithLabelValues(op, outcome).Inc()
	}
}

func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if s.logger != nil {
					s.logger.WithContext(r.Context()).WithField("panic", security.SanitizeString(fmt.Sprintf("%v", err))).
						WithField("stack", string(debug.Stack())).Error("relay panic recovered")
				}
				httputil.WriteServiceError(w, r, pkerrors.New(pkerrors.ErrCodeUnauthorized, "internal relay error", http.StatusInternalServerError))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for key, value := range securityHeaders {
			w.Header().Set(key, value)
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware allows cross-origin callers listed in cfg.CORS.AllowedOrigins
// to call the relay directly (a browser-embedded wallet SDK doing its own
// Shamir round trip rather than going through a backend). No origin is
// trusted by default.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Trace-ID")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORS.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := r.Header.Get("X-Trace-ID")
		ctx := logging.WithTraceID(r.Context(), traceID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Trace-ID", logging.GetTraceID(ctx))

		next.ServeHTTP(w, r)

		if s.logger != nil {
			s.logger.WithContext(ctx).WithField("path", r.URL.Path).
				WithField("duration_ms", time.Since(start).Milliseconds()).Info("relay request")
		}
	})
}

func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Body != http.NoBody {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Serve runs the relay server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
