package metarelay

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
)

// Relay outcome labels
const (
	outcomeConfirmed         = "confirmed"
	outcomePending           = "pending"
	outcomeBuildError        = "build_error"
	outcomeSignatureDeclined = "signature_declined"
	outcomeNoRelayer         = "no_relayer"
	outcomeSubmissionError   = "submission_error"
	outcomeRevert            = "onchain_revert"
)

// Metrics records relay activity. A nil *Metrics records nothing.
type Metrics struct {
	relays         *prometheus.CounterVec
	confirmation   prometheus.Histogram
	reconciles     *prometheus.CounterVec
	relayerBalance *prometheus.GaugeVec
	replaced       prometheus.Counter
}

// NewMetrics creates the relay collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metarelay",
			Name:      "relays_total",
			Help:      "Relay attempts by outcome.",
		}, []string{"outcome"}),
		confirmation: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "metarelay",
			Name:      "confirmation_seconds",
			Help:      "Time from submission to the required confirmation depth.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metarelay",
			Name:      "reconcile_actions_total",
			Help:      "Startup reconciliation results by action.",
		}, []string{"action"}),
		relayerBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "metarelay",
			Name:      "relayer_balance_ether",
			Help:      "Last observed relayer balance.",
		}, []string{"relayer"}),
		replaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "metarelay",
			Name:      "pending_replaced_total",
			Help:      "Pending records overwritten by a newer submission.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.relays, m.confirmation, m.reconciles, m.relayerBalance, m.replaced)
	}
	return m
}

func (m *Metrics) observeRelay(outcome string) {
	if m == nil {
		return
	}
	m.relays.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeConfirmation(d time.Duration) {
	if m == nil {
		return
	}
	m.confirmation.Observe(d.Seconds())
}

func (m *Metrics) observeReconcile(action ReconcileAction) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(action.String()).Inc()
}

func (m *Metrics) observePendingReplaced() {
	if m == nil {
		return
	}
	m.replaced.Inc()
}

func (m *Metrics) observeRelayerBalance(relayer common.Address, balance *big.Int) {
	if m == nil {
		return
	}
	ether, _ := FromWei(balance).Float64()
	m.relayerBalance.WithLabelValues(relayer.Hex()).Set(ether)
}

// outcomeOf maps a relay error class to its metric label
func outcomeOf(kind error) string {
	switch kind {
	case ErrBuild:
		return outcomeBuildError
	case ErrSignatureDeclined:
		return outcomeSignatureDeclined
	case ErrNoRelayerAvailable:
		return outcomeNoRelayer
	case ErrSubmission:
		return outcomeSubmissionError
	case ErrOnChainRevert:
		return outcomeRevert
	}
	return "unknown"
}
