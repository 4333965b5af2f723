package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the service's Prometheus collectors. A nil *Metrics is
// valid and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	SessionsStarted *prometheus.CounterVec
	SessionsEnded   *prometheus.CounterVec
	OracleRequests  *prometheus.CounterVec
	LedgerPostings  *prometheus.CounterVec
	DepositsCredit  prometheus.Counter
	DepositCycles   *prometheus.CounterVec
	FrozenUsers     prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "game_sessions_started_total",
				Help: "Game sessions whose stake was committed",
			},
			[]string{"game"},
		),
		SessionsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "game_sessions_ended_total",
				Help: "Game sessions reaching a terminal state",
			},
			[]string{"game", "reason"},
		),
		OracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_requests_total",
				Help: "Randomness requests by result",
			},
			[]string{"result"},
		),
		LedgerPostings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_postings_total",
				Help: "Ledger transactions appended by kind",
			},
			[]string{"kind"},
		),
		DepositsCredit: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "deposits_credited_total",
				Help: "On-chain deposits credited to balances",
			},
		),
		DepositCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "deposit_scan_cycles_total",
				Help: "Deposit scan cycles by result",
			},
			[]string{"result"},
		),
		FrozenUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "ledger_frozen_users",
				Help: "Users whose ledger writes are halted after a reconciliation mismatch",
			},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
	}

	reg.MustRegister(
		m.SessionsStarted,
		m.SessionsEnded,
		m.OracleRequests,
		m.LedgerPostings,
		m.DepositsCredit,
		m.DepositCycles,
		m.FrozenUsers,
		m.HTTPRequests,
	)
	return m
}

func (m *Metrics) SessionStarted(game string) {
	if m == nil {
		return
	}
	m.SessionsStarted.WithLabelValues(game).Inc()
}

func (m *Metrics) SessionEnded(game, reason string) {
	if m == nil {
		return
	}
	m.SessionsEnded.WithLabelValues(game, reason).Inc()
}

func (m *Metrics) OracleResult(result string) {
	if m == nil {
		return
	}
	m.OracleRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) LedgerPosted(kind string) {
	if m == nil {
		return
	}
	m.LedgerPostings.WithLabelValues(kind).Inc()
}

func (m *Metrics) DepositCredited() {
	if m == nil {
		return
	}
	m.DepositsCredit.Inc()
}

func (m *Metrics) DepositCycle(result string) {
	if m == nil {
		return
	}
	m.DepositCycles.WithLabelValues(result).Inc()
}

func (m *Metrics) UserFrozen() {
	if m == nil {
		return
	}
	m.FrozenUsers.Inc()
}

func (m *Metrics) UserUnfrozen() {
	if m == nil {
		return
	}
	m.FrozenUsers.Dec()
}

func (m *Metrics) HTTPRequest(method, endpoint, status string) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, status).Inc()
}
