package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Giftedx/crew-sub028/internal/bandit"
	"github.com/Giftedx/crew-sub028/internal/budget"
	"github.com/Giftedx/crew-sub028/internal/config"
	"github.com/Giftedx/crew-sub028/internal/metrics"
	"github.com/Giftedx/crew-sub028/internal/registry"
	"github.com/Giftedx/crew-sub028/internal/resilience"
	"github.com/Giftedx/crew-sub028/internal/reward"
	"github.com/Giftedx/crew-sub028/internal/semcache"
	"github.com/Giftedx/crew-sub028/internal/tenant"
	"github.com/Giftedx/crew-sub028/internal/wal"
)

// ErrNoCandidates is returned when neither the request nor the tenant's
// routing configuration supplies any candidate models.
var ErrNoCandidates = errors.New("no candidate models for task")

// DispatchResult is what the injected backend call produces.
type DispatchResult struct {
	Response string
	// CostUSD is the provider-reported cost; zero means "unknown, use
	// the projection".
	CostUSD float64
}

// Dispatcher performs the actual model call. The router treats it as an
// opaque blocking operation; everything around it (selection, budgets,
// retries, breakers, caching, learning) is this package's concern.
type Dispatcher func(ctx context.Context, model, provider, prompt string) (DispatchResult, error)

// Request is one routing question from the orchestrator.
type Request struct {
	Tenant tenant.Context
	// TaskType selects the candidate bucket; unknown types fall back to
	// the general bucket.
	TaskType string
	// CandidateModels overrides the configured bucket when non-empty.
	CandidateModels []string
	// Features feed the contextual policy when the tenant has it
	// enabled; nil is always acceptable.
	Features []float64
	Prompt   string
}

// Decision is the routing answer plus the metadata callers need to
// explain it.
type Decision struct {
	SelectionID      string   `json:"selection_id"`
	Model            string   `json:"model"`
	Provider         string   `json:"provider"`
	PolicyName       string   `json:"policy"`
	Response         string   `json:"response,omitempty"`
	Cached           bool     `json:"cached"`
	CacheType        string   `json:"cache_type,omitempty"`
	Downshifted      bool     `json:"downshifted"`
	Attempts         int      `json:"attempts"`
	Candidates       []string `json:"candidates"`
	ProjectedCostUSD float64  `json:"projected_cost_usd"`
	LatencyMs        float64  `json:"latency_ms"`
}

// pendingSelection bridges a selection to its eventual outcome so reward
// attribution goes to the arm actually chosen for that request.
type pendingSelection struct {
	model       string
	taskType    string
	features    []float64
	reservation *budget.Reservation
	measured    *reward.Outcome // set by Route after dispatch
	at          time.Time
}

// Router is the orchestration entry point tying the pipeline together:
// admission, budget preflight, semantic cache gate, bandit selection,
// guarded dispatch, and the reward feedback loop.
type Router struct {
	cfg      *config.Config
	tenants  *tenant.Manager
	registry *registry.Registry
	meter    *budget.Meter
	breakers *resilience.BreakerSet
	retry    *resilience.RetryPolicy
	cache    *semcache.Gate
	rewards  reward.Store
	journal  *wal.DecisionLog
	metrics  *metrics.Metrics
	dispatch Dispatcher
	tracer   trace.Tracer

	pendingMu sync.Mutex
	pending   map[string]*pendingSelection // tenantKey|model → selection
	// Last observed policy-internal counters per tenant key, diffed into
	// metrics after each update.
	lastResets    map[string]int64
	lastFallbacks map[string]int64
}

// Deps bundles the router's collaborators; Journal, Metrics, Rewards and
// Tracer are optional.
type Deps struct {
	Tenants  *tenant.Manager
	Registry *registry.Registry
	Meter    *budget.Meter
	Breakers *resilience.BreakerSet
	Retry    *resilience.RetryPolicy
	Cache    *semcache.Gate
	Rewards  reward.Store
	Journal  *wal.DecisionLog
	Metrics  *metrics.Metrics
	Dispatch Dispatcher
	Tracer   trace.Tracer
}

func New(cfg *config.Config, deps Deps) *Router {
	tracer := deps.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("router")
	}
	r := &Router{
		cfg:           cfg,
		tenants:       deps.Tenants,
		registry:      deps.Registry,
		meter:         deps.Meter,
		breakers:      deps.Breakers,
		retry:         deps.Retry,
		cache:         deps.Cache,
		rewards:       deps.Rewards,
		journal:       deps.Journal,
		metrics:       deps.Metrics,
		dispatch:      deps.Dispatch,
		tracer:        tracer,
		pending:       make(map[string]*pendingSelection),
		lastResets:    make(map[string]int64),
		lastFallbacks: make(map[string]int64),
	}
	if r.metrics != nil {
		r.breakers.OnTransition(func(model, provider string, _, to resilience.BreakerState) {
			r.metrics.RecordBreakerTransition(model, provider, string(to))
		})
	}
	return r
}

// NewFromConfig wires a router entirely from configuration with in-memory
// stores, the common single-process setup.
func NewFromConfig(cfg *config.Config, dispatch Dispatcher, m *metrics.Metrics) *Router {
	return New(cfg, Deps{
		Tenants:  tenant.NewManager(cfg),
		Registry: registry.New(PolicyFactory(cfg), cfg.StateDir, cfg.Defaults.Flags.EnablePersistence),
		Meter:    budget.NewMeter(budget.NewMemorySpendStore()),
		Breakers: resilience.NewBreakerSet(cfg.Breaker.MaxFailures, time.Duration(cfg.Breaker.ResetTimeoutSec)*time.Second),
		Retry:    resilience.NewRetryPolicy(cfg.Retry.MaxAttempts, time.Duration(cfg.Retry.BaseDelayMs)*time.Millisecond, time.Duration(cfg.Retry.MaxDelayMs)*time.Millisecond, cfg.Seed),
		Cache: semcache.New(semcache.Config{
			MaxEntriesPerTenant: cfg.Cache.MaxEntriesPerTenant,
			TTL:                 time.Duration(cfg.Cache.TTLSec) * time.Second,
			Threshold:           cfg.Cache.Threshold,
			ShingleSize:         cfg.Cache.ShingleSize,
		}),
		Rewards:  reward.NewMemoryStore(0),
		Metrics:  m,
		Dispatch: dispatch,
	})
}

// PolicyFactory builds per-tenant bandit policies from the merged tenant
// overlay, honoring the contextual feature flag and the epsilon floor.
func PolicyFactory(cfg *config.Config) registry.PolicyFactory {
	return func(tc tenant.Context) (bandit.Policy, error) {
		tcfg := cfg.TenantFor(tc.TenantID)
		rl := tcfg.RL

		epsilon := rl.Epsilon
		if rl.EpsilonFloor > epsilon {
			epsilon = rl.EpsilonFloor
		}

		kind := rl.Policy
		if kind == "linucb" && !tcfg.Flags.EnableContextual {
			kind = "thompson_sampling"
		}

		return bandit.New(kind, bandit.Config{
			Seed:                  cfg.Seed,
			Epsilon:               epsilon,
			PriorAlpha:            rl.PriorAlpha,
			PriorBeta:             rl.PriorBeta,
			PriorFloor:            0.01,
			EntropyResetThreshold: rl.EntropyReset.Threshold,
			EntropyResetWindow:    rl.EntropyReset.Window,
			EntropyResetDecay:     rl.EntropyReset.Decay,
			FeatureDim:            rl.FeatureDim,
			LinUCBAlpha:           rl.LinUCBAlpha,
			Lambda:                rl.Lambda,
			RecomputeEvery:        rl.RecomputeEvery,
			MinFeatureNorm:        rl.MinFeatureNorm,
			MaxFeatureNorm:        rl.MaxFeatureNorm,
		})
	}
}

// Select runs the decision pipeline without dispatching: admission,
// budget filtering, cache gate, bandit selection, and daily-cap
// reservation. Callers that dispatch externally report back through
// RecordOutcome.
func (r *Router) Select(ctx context.Context, req Request) (*Decision, error) {
	ctx, span := r.tracer.Start(ctx, "router.select")
	defer span.End()

	t, err := r.tenants.Resolve(req.Tenant)
	if err != nil {
		return nil, err
	}
	if err := r.tenants.Allow(ctx, req.Tenant); err != nil {
		return nil, err
	}

	tcfg := t.Config
	tenantKey := req.Tenant.Key()

	candidates := req.CandidateModels
	if len(candidates) == 0 {
		candidates = tcfg.Routing.CandidatesFor(req.TaskType)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCandidates, req.TaskType)
	}

	affordable, projections, err := tcfg.Budgets.FilterAffordable(req.TaskType, req.Prompt, candidates)
	if err != nil {
		r.metrics.RecordBudgetDenial(req.Tenant.TenantID, "per_request")
		return nil, err
	}
	downshifted := len(affordable) < len(candidates)

	// Semantic cache short-circuit: no bandit selection, no dispatch, no
	// reward update.
	if entry, ok := r.cache.Get(tenantKey, req.Prompt); ok {
		r.metrics.RecordCacheHit(req.Tenant.TenantID)
		d := &Decision{
			SelectionID: uuid.NewString(),
			Model:       entry.Model,
			Provider:    tcfg.Routing.ProviderFor(entry.Model),
			Response:    entry.Response,
			Cached:      true,
			CacheType:   "semantic",
			Candidates:  candidates,
		}
		r.journalEvent(wal.Event{
			Timestamp: time.Now(), Kind: "selection",
			TenantID: req.Tenant.TenantID, WorkspaceID: req.Tenant.WorkspaceID,
			TaskType: req.TaskType, Model: entry.Model, Cached: true,
		})
		return d, nil
	}
	r.metrics.RecordCacheMiss(req.Tenant.TenantID)

	inst, err := r.registry.GetOrCreate(req.Tenant)
	if err != nil {
		return nil, err
	}

	var banditCtx *bandit.Context
	if tcfg.Flags.EnableContextual && len(req.Features) > 0 {
		banditCtx = &bandit.Context{Features: req.Features}
	}

	model, err := inst.Select(banditCtx, affordable)
	if err != nil {
		return nil, err
	}
	r.metrics.RecordSelection(req.Tenant.TenantID, model)

	projected := projections[model]
	reservation, err := r.meter.Preflight(ctx, tenantKey, req.TaskType, tcfg.Budgets, projected)
	if err != nil {
		if budget.IsBudgetError(err) {
			r.metrics.RecordBudgetDenial(req.Tenant.TenantID, "daily")
		}
		return nil, err
	}

	d := &Decision{
		SelectionID:      uuid.NewString(),
		Model:            model,
		Provider:         tcfg.Routing.ProviderFor(model),
		PolicyName:       inst.PolicyName(),
		Downshifted:      downshifted,
		Candidates:       candidates,
		ProjectedCostUSD: projected,
	}
	span.SetAttributes(
		attribute.String("router.model", model),
		attribute.Bool("router.downshifted", downshifted),
	)

	r.track(tenantKey, &pendingSelection{
		model:       model,
		taskType:    req.TaskType,
		features:    req.Features,
		reservation: reservation,
		at:          time.Now(),
	})

	r.journalEvent(wal.Event{
		Timestamp: time.Now(), Kind: "selection",
		TenantID: req.Tenant.TenantID, WorkspaceID: req.Tenant.WorkspaceID,
		TaskType: req.TaskType, Model: model,
	})

	return d, nil
}

// Route runs Select and then dispatches through the resilience layer,
// inserting the response into the semantic cache on success.
func (r *Router) Route(ctx context.Context, req Request) (*Decision, error) {
	d, err := r.Select(ctx, req)
	if err != nil || d.Cached {
		return d, err
	}

	tenantKey := req.Tenant.Key()

	if !r.breakers.ShouldAttempt(d.Model, d.Provider) {
		r.releasePending(ctx, tenantKey, d.Model)
		return nil, &resilience.CircuitOpenError{
			Model:      d.Model,
			Provider:   d.Provider,
			RetryAfter: r.breakers.RetryAfter(d.Model, d.Provider),
		}
	}

	ctx, span := r.tracer.Start(ctx, "router.dispatch",
		trace.WithAttributes(attribute.String("router.model", d.Model)))
	defer span.End()

	start := time.Now()
	var result DispatchResult
	attempts, err := r.retry.Do(ctx, func(ctx context.Context) error {
		var dispatchErr error
		result, dispatchErr = r.dispatch(ctx, d.Model, d.Provider, req.Prompt)
		return dispatchErr
	})
	d.Attempts = attempts
	r.metrics.RecordDispatchAttempts(attempts)

	if err != nil {
		r.breakers.RecordFailure(d.Model, d.Provider)
		r.releasePending(ctx, tenantKey, d.Model)
		return nil, err
	}

	r.breakers.RecordSuccess(d.Model, d.Provider)

	latency := float64(time.Since(start).Milliseconds())
	actualCost := result.CostUSD
	if actualCost <= 0 {
		actualCost = d.ProjectedCostUSD
	}
	d.Response = result.Response
	d.LatencyMs = latency

	r.setMeasured(tenantKey, d.Model, reward.Outcome{CostUSD: actualCost, LatencyMs: latency})
	r.cache.Put(tenantKey, req.Prompt, result.Response, d.Model)
	return d, nil
}

// RecordOutcome closes the learning loop: it shapes the realized outcome
// into a reward, updates the tenant's bandit for the arm chosen for that
// request, commits the budget reservation, and logs the breakdown.
// Requests abandoned before this call simply never update the learner.
func (r *Router) RecordOutcome(ctx context.Context, tc tenant.Context, model string, outcome reward.Outcome, signals reward.Signals) (*reward.Breakdown, error) {
	ctx, span := r.tracer.Start(ctx, "router.record_outcome")
	defer span.End()

	t, err := r.tenants.Resolve(tc)
	if err != nil {
		return nil, err
	}
	tcfg := t.Config
	tenantKey := tc.Key()

	pending := r.take(tenantKey, model)

	// Prefer measured dispatch values when the caller has none.
	if outcome.CostUSD == 0 && pending != nil && pending.measured != nil {
		outcome.CostUSD = pending.measured.CostUSD
	}
	if outcome.LatencyMs == 0 && pending != nil && pending.measured != nil {
		outcome.LatencyMs = pending.measured.LatencyMs
	}

	breakdown := reward.Compute(outcome, signals, tcfg.RL.Weights, tcfg.RL.Norms)

	inst, err := r.registry.GetOrCreate(tc)
	if err != nil {
		return nil, err
	}

	var banditCtx *bandit.Context
	if pending != nil && tcfg.Flags.EnableContextual && len(pending.features) > 0 {
		banditCtx = &bandit.Context{Features: pending.features}
	}
	if err := inst.Update(model, breakdown.Total, banditCtx); err != nil {
		return nil, err
	}
	r.metrics.RecordReward(tc.TenantID, breakdown.Total)

	resets, fallbacks := inst.Telemetry()
	r.pendingMu.Lock()
	dResets := resets - r.lastResets[tenantKey]
	dFallbacks := fallbacks - r.lastFallbacks[tenantKey]
	r.lastResets[tenantKey] = resets
	r.lastFallbacks[tenantKey] = fallbacks
	r.pendingMu.Unlock()
	r.metrics.RecordEntropyResets(tc.TenantID, dResets)
	r.metrics.RecordContextualFallbacks(tc.TenantID, dFallbacks)

	if pending != nil && pending.reservation != nil {
		if err := pending.reservation.Commit(ctx, outcome.CostUSD); err != nil {
			log.Printf("router: spend commit for %s failed: %v", tenantKey, err)
		}
	}

	if r.rewards != nil {
		rec := reward.Record{
			Timestamp:   time.Now(),
			TenantID:    tc.TenantID,
			WorkspaceID: tc.WorkspaceID,
			Model:       model,
			Outcome:     outcome,
			Breakdown:   breakdown,
		}
		if pending != nil {
			rec.TaskType = pending.taskType
		}
		if err := r.rewards.Append(ctx, rec); err != nil {
			log.Printf("router: reward log append failed: %v", err)
		}
	}

	r.journalEvent(wal.Event{
		Timestamp: time.Now(), Kind: "outcome",
		TenantID: tc.TenantID, WorkspaceID: tc.WorkspaceID,
		Model: model, Reward: breakdown.Total,
		CostUSD: outcome.CostUSD, LatencyMs: outcome.LatencyMs,
	})

	return &breakdown, nil
}

// SelectionEntropy exposes the registry's exploration-health signal.
func (r *Router) SelectionEntropy(tc tenant.Context) float64 {
	return r.registry.SelectionEntropy(tc)
}

// CacheStats exposes semantic cache hit/miss counters.
func (r *Router) CacheStats() semcache.Stats {
	return r.cache.Stats()
}

// Close persists bandit state and releases collaborators that own
// resources.
func (r *Router) Close() error {
	err := r.registry.SaveAll()
	if r.journal != nil {
		if cerr := r.journal.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

const pendingTTL = time.Hour

func (r *Router) track(tenantKey string, p *pendingSelection) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	// Lazy pruning keeps abandoned selections from accumulating. An
	// abandoned selection means "outcome unknown": no reward update, and
	// its conservative reservation stands until the daily window rolls.
	cutoff := time.Now().Add(-pendingTTL)
	for k, old := range r.pending {
		if old.at.Before(cutoff) {
			delete(r.pending, k)
		}
	}

	r.pending[tenantKey+"|"+p.model] = p
}

func (r *Router) setMeasured(tenantKey, model string, outcome reward.Outcome) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if p, ok := r.pending[tenantKey+"|"+model]; ok {
		p.measured = &outcome
	}
}

func (r *Router) take(tenantKey, model string) *pendingSelection {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()

	key := tenantKey + "|" + model
	p := r.pending[key]
	delete(r.pending, key)
	return p
}

func (r *Router) releasePending(ctx context.Context, tenantKey, model string) {
	if p := r.take(tenantKey, model); p != nil && p.reservation != nil {
		if err := p.reservation.Release(ctx); err != nil {
			log.Printf("router: spend release for %s failed: %v", tenantKey, err)
		}
	}
}

func (r *Router) journalEvent(ev wal.Event) {
	if r.journal == nil {
		return
	}
	if err := r.journal.Append(ev); err != nil {
		log.Printf("router: decision journal append failed: %v", err)
	}
}
