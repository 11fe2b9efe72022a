package config

import (
	"fmt"

	"github.com/Giftedx/crew-sub028/internal/budget"
	"github.com/Giftedx/crew-sub028/internal/reward"
)

// ValidationError reports a malformed configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// Flags are the deployment feature switches consumed by the router core.
type Flags struct {
	EnableContextual  bool `yaml:"enable_contextual" json:"enable_contextual"`
	EnablePersistence bool `yaml:"enable_persistence" json:"enable_persistence"`
}

// EntropyReset configures the Thompson posterior-entropy decay. There are
// no safe implicit values: enabling it (threshold > 0) requires an
// explicit window and decay.
type EntropyReset struct {
	Threshold float64 `yaml:"threshold" json:"threshold"`
	Window    int     `yaml:"window" json:"window"`
	Decay     float64 `yaml:"decay" json:"decay"`
}

// RL configures the learning side of routing for a tenant.
type RL struct {
	// Policy is one of epsilon_greedy, ucb1, thompson_sampling, linucb.
	Policy  string         `yaml:"policy" json:"policy"`
	Weights reward.Weights `yaml:"weights" json:"weights"`
	Norms   reward.Norms   `yaml:"norms" json:"norms"`

	Epsilon      float64 `yaml:"epsilon" json:"epsilon"`
	EpsilonFloor float64 `yaml:"epsilon_floor" json:"epsilon_floor"`

	PriorAlpha float64 `yaml:"prior_alpha" json:"prior_alpha"`
	PriorBeta  float64 `yaml:"prior_beta" json:"prior_beta"`

	EntropyReset EntropyReset `yaml:"entropy_reset" json:"entropy_reset"`

	FeatureDim     int     `yaml:"feature_dim" json:"feature_dim"`
	LinUCBAlpha    float64 `yaml:"linucb_alpha" json:"linucb_alpha"`
	Lambda         float64 `yaml:"lambda" json:"lambda"`
	RecomputeEvery int     `yaml:"recompute_every" json:"recompute_every"`
	MinFeatureNorm float64 `yaml:"min_feature_norm" json:"min_feature_norm"`
	MaxFeatureNorm float64 `yaml:"max_feature_norm" json:"max_feature_norm"`
}

// Routing maps task types to their allowed model lists. The "general"
// bucket is the required fallback for unmapped task types.
type Routing struct {
	TaskModels   map[string][]string `yaml:"task_models" json:"task_models"`
	DefaultModel string              `yaml:"default_model" json:"default_model"`
	// Providers maps a model id to its provider name for circuit-breaker
	// keying; unmapped models use "default".
	Providers map[string]string `yaml:"providers" json:"providers"`
}

// GeneralTask is the fallback bucket consulted when a task type has no
// explicit model list.
const GeneralTask = "general"

// CandidatesFor resolves the allowed model list for a task type, falling
// back to the general bucket.
func (r Routing) CandidatesFor(taskType string) []string {
	if models, ok := r.TaskModels[taskType]; ok && len(models) > 0 {
		return models
	}
	return r.TaskModels[GeneralTask]
}

// ProviderFor resolves the provider name for a model.
func (r Routing) ProviderFor(model string) string {
	if p, ok := r.Providers[model]; ok && p != "" {
		return p
	}
	return "default"
}

// RateLimit bounds a tenant's request admission independent of USD spend.
type RateLimit struct {
	PerSecond  int   `yaml:"per_second" json:"per_second"`
	Burst      int   `yaml:"burst" json:"burst"`
	DailyQuota int64 `yaml:"daily_quota" json:"daily_quota"`
}

// Tenant is one tenant's effective configuration: global defaults with
// the tenant's overlay applied on top.
type Tenant struct {
	Budgets   budget.Budget `yaml:"budgets" json:"budgets"`
	Routing   Routing       `yaml:"routing" json:"routing"`
	RL        RL            `yaml:"rl" json:"rl"`
	Flags     Flags         `yaml:"flags" json:"flags"`
	RateLimit RateLimit     `yaml:"rate_limit" json:"rate_limit"`
}

// Breaker configures the circuit breaker shared across tenants.
type Breaker struct {
	MaxFailures     int `yaml:"max_failures" json:"max_failures"`
	ResetTimeoutSec int `yaml:"reset_timeout_sec" json:"reset_timeout_sec"`
}

// Retry configures dispatch retries.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms" json:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms" json:"max_delay_ms"`
}

// Cache configures the semantic cache gate.
type Cache struct {
	MaxEntriesPerTenant int     `yaml:"max_entries_per_tenant" json:"max_entries_per_tenant"`
	TTLSec              int     `yaml:"ttl_sec" json:"ttl_sec"`
	Threshold           float64 `yaml:"threshold" json:"threshold"`
	ShingleSize         int     `yaml:"shingle_size" json:"shingle_size"`
}

// Config is the process-wide configuration document.
type Config struct {
	StateDir string  `yaml:"state_dir" json:"state_dir"`
	Seed     int64   `yaml:"seed" json:"seed"`
	Breaker  Breaker `yaml:"breaker" json:"breaker"`
	Retry    Retry   `yaml:"retry" json:"retry"`
	Cache    Cache   `yaml:"cache" json:"cache"`

	// Defaults apply to every tenant; Tenants holds per-tenant overlays
	// keyed by tenant id.
	Defaults Tenant            `yaml:"defaults" json:"defaults"`
	Tenants  map[string]Tenant `yaml:"tenants" json:"tenants"`
}

// Default returns a runnable configuration with a single general bucket.
func Default() *Config {
	return &Config{
		StateDir: "data/state",
		Breaker:  Breaker{MaxFailures: 5, ResetTimeoutSec: 60},
		Retry:    Retry{MaxAttempts: 3, BaseDelayMs: 500, MaxDelayMs: 30000},
		Cache:    Cache{MaxEntriesPerTenant: 512, TTLSec: 900, Threshold: 0.90, ShingleSize: 2},
		Defaults: Tenant{
			Budgets: budget.Budget{},
			Routing: Routing{
				TaskModels: map[string][]string{GeneralTask: {"gpt-4o-mini"}},
			},
			RL: RL{
				Policy:         "thompson_sampling",
				Weights:        reward.DefaultWeights(),
				Norms:          reward.DefaultNorms(),
				Epsilon:        0.1,
				PriorAlpha:     1.0,
				PriorBeta:      1.0,
				FeatureDim:     8,
				LinUCBAlpha:    1.0,
				Lambda:         1.0,
				RecomputeEvery: 10,
				MinFeatureNorm: 1e-6,
				MaxFeatureNorm: 1e6,
			},
			RateLimit: RateLimit{PerSecond: 50, Burst: 100},
		},
		Tenants: make(map[string]Tenant),
	}
}

// Validate checks the merged configuration at load time.
func (c *Config) Validate() error {
	if c.StateDir == "" {
		return &ValidationError{Field: "state_dir", Message: "state directory is required"}
	}
	if c.Breaker.MaxFailures <= 0 {
		return &ValidationError{Field: "breaker.max_failures", Message: "must be positive"}
	}
	if c.Breaker.ResetTimeoutSec <= 0 {
		return &ValidationError{Field: "breaker.reset_timeout_sec", Message: "must be positive"}
	}
	if c.Retry.MaxAttempts <= 0 {
		return &ValidationError{Field: "retry.max_attempts", Message: "must be positive"}
	}
	if c.Cache.Threshold <= 0 || c.Cache.Threshold > 1 {
		return &ValidationError{Field: "cache.threshold", Message: "must be in (0, 1]"}
	}

	if err := validateTenant("defaults", &c.Defaults, true); err != nil {
		return err
	}
	for id := range c.Tenants {
		merged := Merge(c.Defaults, c.Tenants[id])
		if err := validateTenant("tenants."+id, &merged, false); err != nil {
			return err
		}
	}
	return nil
}

func validateTenant(prefix string, t *Tenant, requireGeneral bool) error {
	w := t.RL.Weights
	if w.Cost < 0 || w.Latency < 0 || w.Quality < 0 {
		return &ValidationError{Field: prefix + ".rl.weights", Message: "weights must be non-negative"}
	}
	if w.Cost+w.Latency+w.Quality == 0 {
		return &ValidationError{Field: prefix + ".rl.weights", Message: "at least one weight must be positive"}
	}

	switch t.RL.Policy {
	case "epsilon_greedy", "ucb1", "thompson", "thompson_sampling", "linucb":
	default:
		return &ValidationError{Field: prefix + ".rl.policy", Message: fmt.Sprintf("unknown policy %q", t.RL.Policy)}
	}

	if t.RL.Epsilon < 0 || t.RL.Epsilon > 1 {
		return &ValidationError{Field: prefix + ".rl.epsilon", Message: "must be in [0, 1]"}
	}

	er := t.RL.EntropyReset
	if er.Threshold > 0 {
		if er.Window <= 0 {
			return &ValidationError{Field: prefix + ".rl.entropy_reset.window", Message: "required when threshold is set"}
		}
		if er.Decay <= 0 || er.Decay >= 1 {
			return &ValidationError{Field: prefix + ".rl.entropy_reset.decay", Message: "must be in (0, 1) when threshold is set"}
		}
	}

	if t.Budgets.DailyCapUSD < 0 || t.Budgets.MaxPerRequestUSD < 0 {
		return &ValidationError{Field: prefix + ".budgets", Message: "caps must be non-negative"}
	}
	for task, cap := range t.Budgets.ByTaskCapsUSD {
		if cap < 0 {
			return &ValidationError{Field: prefix + ".budgets.by_task_caps_usd." + task, Message: "must be non-negative"}
		}
	}

	if requireGeneral {
		if models := t.Routing.TaskModels[GeneralTask]; len(models) == 0 {
			return &ValidationError{Field: prefix + ".routing.task_models.general", Message: "the general fallback bucket is required"}
		}
	}
	for task, models := range t.Routing.TaskModels {
		if len(models) == 0 {
			return &ValidationError{Field: prefix + ".routing.task_models." + task, Message: "model list must not be empty"}
		}
	}

	return nil
}

// TenantFor returns the effective configuration for a tenant id: defaults
// overlaid with the tenant's document when one exists.
func (c *Config) TenantFor(tenantID string) Tenant {
	overlay, ok := c.Tenants[tenantID]
	if !ok {
		return c.Defaults
	}
	return Merge(c.Defaults, overlay)
}
