package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads the global YAML configuration and applies per-tenant overlay
// documents from <dir>/tenants/*.yaml (file stem = tenant id). Missing
// overlay directory is fine; a malformed document is not.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if cfg.Tenants == nil {
		cfg.Tenants = make(map[string]Tenant)
	}

	overlayDir := filepath.Join(filepath.Dir(path), "tenants")
	if err := loadOverlays(cfg, overlayDir); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOverlays(cfg *Config, dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read tenant overlay dir %s: %w", dir, err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		tenantID := strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return fmt.Errorf("failed to read tenant overlay %s: %w", name, err)
		}
		var overlay Tenant
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return fmt.Errorf("failed to parse tenant overlay %s: %w", name, err)
		}
		cfg.Tenants[tenantID] = overlay
	}
	return nil
}

// Merge applies an overlay on top of base field by field: zero-valued
// overlay fields keep the base value, maps are merged key-wise with the
// overlay winning.
func Merge(base, overlay Tenant) Tenant {
	out := base

	// Budgets
	if overlay.Budgets.DailyCapUSD != 0 {
		out.Budgets.DailyCapUSD = overlay.Budgets.DailyCapUSD
	}
	if overlay.Budgets.MaxPerRequestUSD != 0 {
		out.Budgets.MaxPerRequestUSD = overlay.Budgets.MaxPerRequestUSD
	}
	out.Budgets.ByTaskCapsUSD = mergeFloatMap(base.Budgets.ByTaskCapsUSD, overlay.Budgets.ByTaskCapsUSD)
	out.Budgets.PricingPer1K = mergeFloatMap(base.Budgets.PricingPer1K, overlay.Budgets.PricingPer1K)

	// Routing
	if len(overlay.Routing.TaskModels) > 0 {
		merged := make(map[string][]string, len(base.Routing.TaskModels)+len(overlay.Routing.TaskModels))
		for k, v := range base.Routing.TaskModels {
			merged[k] = v
		}
		for k, v := range overlay.Routing.TaskModels {
			merged[k] = v
		}
		out.Routing.TaskModels = merged
	}
	if overlay.Routing.DefaultModel != "" {
		out.Routing.DefaultModel = overlay.Routing.DefaultModel
	}
	if len(overlay.Routing.Providers) > 0 {
		merged := make(map[string]string, len(base.Routing.Providers)+len(overlay.Routing.Providers))
		for k, v := range base.Routing.Providers {
			merged[k] = v
		}
		for k, v := range overlay.Routing.Providers {
			merged[k] = v
		}
		out.Routing.Providers = merged
	}

	// RL
	if overlay.RL.Policy != "" {
		out.RL.Policy = overlay.RL.Policy
	}
	if overlay.RL.Weights.Cost+overlay.RL.Weights.Latency+overlay.RL.Weights.Quality > 0 {
		out.RL.Weights = overlay.RL.Weights
	}
	if overlay.RL.Norms.ReferenceCostUSD != 0 {
		out.RL.Norms.ReferenceCostUSD = overlay.RL.Norms.ReferenceCostUSD
	}
	if overlay.RL.Norms.LatencyWindowMs != 0 {
		out.RL.Norms.LatencyWindowMs = overlay.RL.Norms.LatencyWindowMs
	}
	if overlay.RL.Epsilon != 0 {
		out.RL.Epsilon = overlay.RL.Epsilon
	}
	if overlay.RL.EpsilonFloor != 0 {
		out.RL.EpsilonFloor = overlay.RL.EpsilonFloor
	}
	if overlay.RL.PriorAlpha != 0 {
		out.RL.PriorAlpha = overlay.RL.PriorAlpha
	}
	if overlay.RL.PriorBeta != 0 {
		out.RL.PriorBeta = overlay.RL.PriorBeta
	}
	if overlay.RL.EntropyReset.Threshold != 0 {
		out.RL.EntropyReset = overlay.RL.EntropyReset
	}
	if overlay.RL.FeatureDim != 0 {
		out.RL.FeatureDim = overlay.RL.FeatureDim
	}
	if overlay.RL.LinUCBAlpha != 0 {
		out.RL.LinUCBAlpha = overlay.RL.LinUCBAlpha
	}
	if overlay.RL.Lambda != 0 {
		out.RL.Lambda = overlay.RL.Lambda
	}
	if overlay.RL.RecomputeEvery != 0 {
		out.RL.RecomputeEvery = overlay.RL.RecomputeEvery
	}
	if overlay.RL.MinFeatureNorm != 0 {
		out.RL.MinFeatureNorm = overlay.RL.MinFeatureNorm
	}
	if overlay.RL.MaxFeatureNorm != 0 {
		out.RL.MaxFeatureNorm = overlay.RL.MaxFeatureNorm
	}

	// Flags: booleans only override when true; disabling a default-on
	// flag is done in the global document, not per tenant.
	if overlay.Flags.EnableContextual {
		out.Flags.EnableContextual = true
	}
	if overlay.Flags.EnablePersistence {
		out.Flags.EnablePersistence = true
	}

	// Rate limits
	if overlay.RateLimit.PerSecond != 0 {
		out.RateLimit.PerSecond = overlay.RateLimit.PerSecond
	}
	if overlay.RateLimit.Burst != 0 {
		out.RateLimit.Burst = overlay.RateLimit.Burst
	}
	if overlay.RateLimit.DailyQuota != 0 {
		out.RateLimit.DailyQuota = overlay.RateLimit.DailyQuota
	}

	return out
}

func mergeFloatMap(base, overlay map[string]float64) map[string]float64 {
	if len(overlay) == 0 {
		return base
	}
	merged := make(map[string]float64, len(base)+len(overlay))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overlay {
		merged[k] = v
	}
	return merged
}
