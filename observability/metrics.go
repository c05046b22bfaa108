package observability

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics

	rewardsMetricsOnce sync.Once
	rewardsRegistry    *RewardsMetrics
)

// API returns the lazily-initialised registry used to record HTTP API
// activity.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route, method and outcome.",
			}, []string{"route", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected due to throttling policies.",
			}, []string{"route", "reason"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *apiMetrics) Observe(route, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, method, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, method, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the supplied route and
// reason. Reasons should be stable strings such as "rate_limit".
func (m *apiMetrics) RecordThrottle(route, reason string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(route, reason).Inc()
}

// RewardsMetrics captures the rewards ledger instrumentation.
type RewardsMetrics struct {
	claims      *prometheus.CounterVec
	paid        *prometheus.CounterVec
	deferred    *prometheus.CounterVec
	harvested   *prometheus.CounterVec
	skimmed     *prometheus.CounterVec
	reserve     *prometheus.GaugeVec
	totalPoints prometheus.Gauge
	rejections  *prometheus.CounterVec
	violations  prometheus.Counter
	latency     *prometheus.HistogramVec
}

// Rewards returns the singleton metrics registry for the rewards ledger.
func Rewards() *RewardsMetrics {
	rewardsMetricsOnce.Do(func() {
		rewardsRegistry = &RewardsMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "claims_total",
				Help:      "Count of claims segmented by outcome.",
			}, []string{"outcome"}),
			paid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "paid_amount_total",
				Help:      "Reward token amounts paid to claimants.",
			}, []string{"token"}),
			deferred: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "deferred_payouts_total",
				Help:      "Count of payouts recorded as owed after a failed transfer.",
			}, []string{"token"}),
			harvested: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "harvested_amount_total",
				Help:      "Reward token amounts pulled from the reward source.",
			}, []string{"token"}),
			skimmed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "skimmed_amount_total",
				Help:      "Reward token amounts withheld into the protocol reserve.",
			}, []string{"token"}),
			reserve: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "protocol_reserve",
				Help:      "Current protocol reserve per reward token.",
			}, []string{"token"}),
			totalPoints: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "total_points",
				Help:      "Global points integral after the most recent mutation.",
			}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "reentrancy_rejections_total",
				Help:      "Mutating calls rejected by the reentrancy boundary.",
			}, []string{"operation"}),
			violations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "invariant_violations_total",
				Help:      "Claims aborted because account points exceeded the global total.",
			}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "rewards",
				Subsystem: "ledger",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for ledger mutations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			rewardsRegistry.claims,
			rewardsRegistry.paid,
			rewardsRegistry.deferred,
			rewardsRegistry.harvested,
			rewardsRegistry.skimmed,
			rewardsRegistry.reserve,
			rewardsRegistry.totalPoints,
			rewardsRegistry.rejections,
			rewardsRegistry.violations,
			rewardsRegistry.latency,
		)
	})
	return rewardsRegistry
}

// RecordClaim increments the claim counter for the supplied outcome.
func (m *RewardsMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// RecordPaid adds a settled payout.
func (m *RewardsMetrics) RecordPaid(token string, amount *big.Int) {
	if m == nil {
		return
	}
	m.paid.WithLabelValues(normalizeToken(token)).Add(bigToFloat(amount))
}

// RecordDeferred counts a payout recorded as owed.
func (m *RewardsMetrics) RecordDeferred(token string) {
	if m == nil {
		return
	}
	m.deferred.WithLabelValues(normalizeToken(token)).Inc()
}

// RecordHarvest tracks the harvested amount and the fee withheld from it.
func (m *RewardsMetrics) RecordHarvest(token string, harvested, fee *big.Int) {
	if m == nil {
		return
	}
	token = normalizeToken(token)
	m.harvested.WithLabelValues(token).Add(bigToFloat(harvested))
	m.skimmed.WithLabelValues(token).Add(bigToFloat(fee))
}

// SetReserve publishes the current reserve of token.
func (m *RewardsMetrics) SetReserve(token string, amount *big.Int) {
	if m == nil {
		return
	}
	m.reserve.WithLabelValues(normalizeToken(token)).Set(bigToFloat(amount))
}

// SetTotalPoints publishes the global points integral.
func (m *RewardsMetrics) SetTotalPoints(points *big.Int) {
	if m == nil {
		return
	}
	m.totalPoints.Set(bigToFloat(points))
}

// RecordReentrancy counts a rejected mutating call.
func (m *RewardsMetrics) RecordReentrancy(operation string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation).Inc()
}

// RecordInvariantViolation counts an aborted claim.
func (m *RewardsMetrics) RecordInvariantViolation() {
	if m == nil {
		return
	}
	m.violations.Inc()
}

// ObserveOperation records the duration of a ledger mutation.
func (m *RewardsMetrics) ObserveOperation(operation string, duration time.Duration) {
	if m == nil {
		return
	}
	if duration < 0 {
		duration = 0
	}
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

func normalizeToken(token string) string {
	normalized := strings.TrimSpace(strings.ToUpper(token))
	if normalized == "" {
		return "UNKNOWN"
	}
	return normalized
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	if f < 0 {
		return 0
	}
	return f
}
