package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors emitted at the router's event
// points. A nil *Metrics is valid and turns every recording call into a
// no-op, which keeps tests free of global-registry collisions.
type Metrics struct {
	SelectionsTotal    *prometheus.CounterVec
	RewardObserved     *prometheus.HistogramVec
	CacheHitsTotal     *prometheus.CounterVec
	CacheMissesTotal   *prometheus.CounterVec
	BudgetDenialsTotal *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	EntropyResetsTotal *prometheus.CounterVec
	FallbacksTotal     *prometheus.CounterVec
	DispatchAttempts   prometheus.Histogram
}

// New creates and registers all collectors on the default registry.
func New() *Metrics {
	return &Metrics{
		SelectionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_selections_total",
				Help: "Bandit selections per tenant and arm",
			},
			[]string{"tenant_id", "arm"},
		),
		RewardObserved: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_reward",
				Help:    "Shaped reward distribution per tenant",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{"tenant_id"},
		),
		CacheHitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_semantic_cache_hits_total",
				Help: "Semantic cache hits per tenant",
			},
			[]string{"tenant_id"},
		),
		CacheMissesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_semantic_cache_misses_total",
				Help: "Semantic cache misses per tenant",
			},
			[]string{"tenant_id"},
		),
		BudgetDenialsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_budget_denials_total",
				Help: "Requests denied by budget preflight, by scope",
			},
			[]string{"tenant_id", "scope"},
		),
		BreakerTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_breaker_transitions_total",
				Help: "Circuit breaker state transitions per model/provider",
			},
			[]string{"model", "provider", "to_state"},
		),
		EntropyResetsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_entropy_resets_total",
				Help: "Posterior-entropy decays applied to tenant bandits",
			},
			[]string{"tenant_id"},
		),
		FallbacksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_contextual_fallbacks_total",
				Help: "Contextual decisions degraded to the fallback policy",
			},
			[]string{"tenant_id"},
		),
		DispatchAttempts: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "router_dispatch_attempts",
				Help:    "Dispatch attempts used per routed request",
				Buckets: []float64{1, 2, 3, 4, 5},
			},
		),
	}
}

func (m *Metrics) RecordSelection(tenantID, arm string) {
	if m == nil {
		return
	}
	m.SelectionsTotal.WithLabelValues(tenantID, arm).Inc()
}

func (m *Metrics) RecordReward(tenantID string, reward float64) {
	if m == nil {
		return
	}
	m.RewardObserved.WithLabelValues(tenantID).Observe(reward)
}

func (m *Metrics) RecordCacheHit(tenantID string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) RecordCacheMiss(tenantID string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(tenantID).Inc()
}

func (m *Metrics) RecordBudgetDenial(tenantID, scope string) {
	if m == nil {
		return
	}
	m.BudgetDenialsTotal.WithLabelValues(tenantID, scope).Inc()
}

func (m *Metrics) RecordBreakerTransition(model, provider, toState string) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(model, provider, toState).Inc()
}

func (m *Metrics) RecordEntropyResets(tenantID string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.EntropyResetsTotal.WithLabelValues(tenantID).Add(float64(n))
}

func (m *Metrics) RecordContextualFallbacks(tenantID string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.FallbacksTotal.WithLabelValues(tenantID).Add(float64(n))
}

func (m *Metrics) RecordDispatchAttempts(attempts int) {
	if m == nil {
		return
	}
	m.DispatchAttempts.Observe(float64(attempts))
}
