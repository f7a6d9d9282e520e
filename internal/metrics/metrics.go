// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package metrics holds the signer's Prometheus collectors.
// Every method is safe on a nil *Metrics, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records signer activity.
type Metrics struct {
	sessions        prometheus.Gauge
	authFailures    *prometheus.CounterVec
	requests        *prometheus.CounterVec
	signLatency     *prometheus.HistogramVec
	passwordPrompts *prometheus.CounterVec
	pendingPrompts  prometheus.Gauge
	autoSignActive  prometheus.Gauge
	autoSignChanges *prometheus.CounterVec
	limitRemaining  *prometheus.GaugeVec
	walletsLoaded   prometheus.Gauge
}

// New builds the collectors and registers them with reg
// (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bssigner_sessions",
			Help: "Number of authenticated client sessions",
		}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bssigner_auth_failures_total",
			Help: "Rejected authentication attempts and ticket mismatches",
		}, []string{"reason"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bssigner_requests_total",
			Help: "Handled requests by type and resulting error code",
		}, []string{"type", "code"}),
		signLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bssigner_sign_latency_ms",
			Help:    "Time from sign request to reply in milliseconds, password wait included",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000, 30000},
		}, []string{"type"}),
		passwordPrompts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bssigner_password_prompts_total",
			Help: "Password prompts issued by delivery channel",
		}, []string{"channel"}),
		pendingPrompts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bssigner_pending_password_prompts",
			Help: "Wallets with an outstanding password prompt",
		}),
		autoSignActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bssigner_autosign_active_wallets",
			Help: "Root wallets with auto-sign active",
		}),
		autoSignChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bssigner_autosign_transitions_total",
			Help: "Auto-sign state transitions",
		}, []string{"state"}),
		limitRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bssigner_spend_limit_remaining_sat",
			Help: "Remaining spend limit in satoshis (absent when unlimited)",
		}, []string{"kind"}),
		walletsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bssigner_wallets_loaded",
			Help: "Root wallets currently loaded",
		}),
	}
	reg.MustRegister(m.sessions, m.authFailures, m.requests, m.signLatency, m.passwordPrompts,
		m.pendingPrompts, m.autoSignActive, m.autoSignChanges, m.limitRemaining, m.walletsLoaded)
	return m
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) AuthFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(labelOrUnknown(reason)).Inc()
}

func (m *Metrics) Request(requestType, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(labelOrUnknown(requestType), labelOrUnknown(code)).Inc()
}

func (m *Metrics) ObserveSign(requestType string, d time.Duration) {
	if m == nil {
		return
	}
	m.signLatency.WithLabelValues(labelOrUnknown(requestType)).Observe(float64(d.Milliseconds()))
}

// PromptIssued counts an outward prompt; channel is "wire" or "ui".
func (m *Metrics) PromptIssued(channel string) {
	if m == nil {
		return
	}
	m.passwordPrompts.WithLabelValues(labelOrUnknown(channel)).Inc()
}

func (m *Metrics) SetPendingPrompts(n int) {
	if m == nil {
		return
	}
	m.pendingPrompts.Set(float64(n))
}

func (m *Metrics) AutoSignTransition(state string, active int) {
	if m == nil {
		return
	}
	m.autoSignChanges.WithLabelValues(labelOrUnknown(state)).Inc()
	m.autoSignActive.Set(float64(active))
}

// SetLimitRemaining publishes a remaining limit; unlimited removes the series.
func (m *Metrics) SetLimitRemaining(kind string, remaining uint64, unlimited bool) {
	if m == nil {
		return
	}
	if unlimited {
		m.limitRemaining.DeleteLabelValues(kind)
		return
	}
	m.limitRemaining.WithLabelValues(kind).Set(float64(remaining))
}

func (m *Metrics) SetWallets(n int) {
	if m == nil {
		return
	}
	m.walletsLoaded.Set(float64(n))
}

func labelOrUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
