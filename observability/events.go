package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"stakepool/core/events"
)

var weiPerToken = new(big.Float).SetFloat64(1e18)

type ledgerMetrics struct {
	operations  *prometheus.CounterVec
	shortfalls  prometheus.Counter
	totalStaked prometheus.Gauge
	poolBalance prometheus.Gauge
	rewardRate  prometheus.Gauge
	paused      prometheus.Gauge
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics
)

// Ledger returns the metrics registry tracking committed staking events and
// pool totals. It satisfies events.Emitter.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Count of committed ledger events segmented by type.",
			}, []string{"type"}),
			shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "stakepool",
				Subsystem: "ledger",
				Name:      "payout_shortfalls_total",
				Help:      "Count of reward payouts clamped by the reward pool balance.",
			}),
			totalStaked: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "ledger",
				Name:      "total_staked_tokens",
				Help:      "Principal currently staked, in whole tokens.",
			}),
			poolBalance: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "ledger",
				Name:      "reward_pool_tokens",
				Help:      "Funds available for reward payouts, in whole tokens.",
			}),
			rewardRate: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "ledger",
				Name:      "reward_rate",
				Help:      "Reward per staked token per second.",
			}),
			paused: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "stakepool",
				Subsystem: "ledger",
				Name:      "paused",
				Help:      "1 while participant operations are paused.",
			}),
		}
		prometheus.MustRegister(
			ledgerRegistry.operations,
			ledgerRegistry.shortfalls,
			ledgerRegistry.totalStaked,
			ledgerRegistry.poolBalance,
			ledgerRegistry.rewardRate,
			ledgerRegistry.paused,
		)
	})
	return ledgerRegistry
}

// Emit counts the event and any payout shortfall it reports.
func (m *ledgerMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	m.operations.WithLabelValues(evt.EventType()).Inc()
	payload := evt.Event()
	if payload == nil {
		return
	}
	if _, ok := payload.Attributes["shortfall"]; ok {
		m.shortfalls.Inc()
	}
}

// ObservePool updates the pool gauges from base-unit amounts.
func (m *ledgerMetrics) ObservePool(totalStaked, poolBalance, rate *big.Int, paused bool) {
	if m == nil {
		return
	}
	m.totalStaked.Set(toTokens(totalStaked))
	m.poolBalance.Set(toTokens(poolBalance))
	m.rewardRate.Set(toTokens(rate))
	if paused {
		m.paused.Set(1)
	} else {
		m.paused.Set(0)
	}
}

func toTokens(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), weiPerToken).Float64()
	return f
}
