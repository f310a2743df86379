// Package metrics provides Prometheus metrics collection for the Session
// Orchestrator and its collaborators.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors the Session Orchestrator exposes.
type Metrics struct {
	SignerSignTotal          *prometheus.CounterVec
	ConfirmHandshakeSeconds  *prometheus.HistogramVec
	DeviceLinkCleanupTotal   *prometheus.CounterVec
	ChainRPCTotal            *prometheus.CounterVec
	ChainRPCDuration         *prometheus.HistogramVec
	RelayLockTotal           *prometheus.CounterVec
	VrfChallengesIssuedTotal prometheus.Counter
	ReplayRejectionsTotal    *prometheus.CounterVec
}

// New creates a Metrics instance registered against the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance registered against registerer,
// for tests that want an isolated registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignerSignTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signer_sign_total",
				Help: "Total number of Signer Core signing operations, by outcome.",
			},
			[]string{"operation", "outcome"},
		),
		ConfirmHandshakeSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "confirm_handshake_seconds",
				Help:    "Duration of the UI confirmation handshake, from prompt to resolution.",
				Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),
		DeviceLinkCleanupTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devicelink_cleanup_total",
				Help: "Total number of device-linking dead-man's-switch cleanup outcomes.",
			},
			[]string{"outcome"},
		),
		ChainRPCTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chain_rpc_total",
				Help: "Total number of NEAR chain RPC calls, by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		ChainRPCDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chain_rpc_duration_seconds",
				Help:    "NEAR chain RPC call duration in seconds.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method"},
		),
		RelayLockTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_lock_total",
				Help: "Total number of Shamir relay lock operations, by step and outcome.",
			},
			[]string{"step", "outcome"},
		),
		VrfChallengesIssuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vrf_challenges_issued_total",
				Help: "Total number of VRF challenges issued across registration and login ceremonies.",
			},
		),
		ReplayRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "replay_rejections_total",
				Help: "Total number of requests rejected by replay protection, by source.",
			},
			[]string{"source"},
		),
	}

	collectors := []prometheus.Collector{
		m.SignerSignTotal, m.ConfirmHandshakeSeconds, m.DeviceLinkCleanupTotal,
		m.ChainRPCTotal, m.ChainRPCDuration, m.RelayLockTotal,
		m.VrfChallengesIssuedTotal, m.ReplayRejectionsTotal,
	}
	for _, c := range collectors {
		_ = registerer.Register(c)
	}

	return m
}
