package budget

import (
	"strings"
)

// longPromptThreshold is the prompt length (in bytes) above which token
// estimation switches from whitespace counting to the characters/4
// heuristic. The exact heuristic is load-bearing: budget decisions must be
// reproducible across processes.
const longPromptThreshold = 1024

// Budget is a tenant's spending configuration, loaded from the tenant
// overlay and mutated only by spend tracking.
type Budget struct {
	DailyCapUSD      float64            `yaml:"daily_cap_usd" json:"daily_cap_usd"`
	MaxPerRequestUSD float64            `yaml:"max_per_request_usd" json:"max_per_request_usd"`
	ByTaskCapsUSD    map[string]float64 `yaml:"by_task_caps_usd" json:"by_task_caps_usd"`
	// PricingPer1K maps model id to USD per 1000 tokens. Models absent
	// from the map are costed at zero (free tier / local models).
	PricingPer1K map[string]float64 `yaml:"pricing_per_1k" json:"pricing_per_1k"`
}

// EstimateTokens applies the deterministic token heuristic: whitespace
// token count for short prompts, len/4 for long ones.
func EstimateTokens(prompt string) int {
	if len(prompt) > longPromptThreshold {
		return len(prompt) / 4
	}
	return len(strings.Fields(prompt))
}

// EstimateCost projects the USD cost of sending prompt to model.
func (b Budget) EstimateCost(model, prompt string) float64 {
	price := b.PricingPer1K[model]
	if price <= 0 {
		return 0
	}
	return float64(EstimateTokens(prompt)) / 1000.0 * price
}

// PerRequestCap returns the effective per-request cap for a task type: the
// task-specific cap when configured, otherwise the global one. Zero means
// uncapped.
func (b Budget) PerRequestCap(taskType string) float64 {
	if cap, ok := b.ByTaskCapsUSD[taskType]; ok && cap > 0 {
		return cap
	}
	return b.MaxPerRequestUSD
}

// FilterAffordable prunes candidates whose projected cost exceeds the
// per-request cap, so the bandit re-selects among affordable arms only
// (downshift). The returned map carries every candidate's projection for
// diagnostics. All candidates pruned yields a NoAffordableError.
func (b Budget) FilterAffordable(taskType, prompt string, candidates []string) ([]string, map[string]float64, error) {
	cap := b.PerRequestCap(taskType)
	projections := make(map[string]float64, len(candidates))

	affordable := make([]string, 0, len(candidates))
	cheapest := 0.0
	for i, model := range candidates {
		cost := b.EstimateCost(model, prompt)
		projections[model] = cost
		if i == 0 || cost < cheapest {
			cheapest = cost
		}
		if cap <= 0 || cost <= cap {
			affordable = append(affordable, model)
		}
	}

	if len(candidates) > 0 && len(affordable) == 0 {
		return nil, projections, &NoAffordableError{
			TaskType:    taskType,
			CapUSD:      cap,
			CheapestUSD: cheapest,
		}
	}
	return affordable, projections, nil
}
