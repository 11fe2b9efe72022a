package reward

import "math"

// Weights controls how realized cost, latency, and quality are combined
// into one scalar. Tenants may override any subset, including putting all
// weight on quality.
type Weights struct {
	Cost    float64 `yaml:"cost" json:"cost"`
	Latency float64 `yaml:"latency" json:"latency"`
	Quality float64 `yaml:"quality" json:"quality"`
}

// DefaultWeights splits the reward evenly between cost and latency;
// quality only contributes when a tenant opts in.
func DefaultWeights() Weights {
	return Weights{Cost: 0.5, Latency: 0.5, Quality: 0}
}

// Norms holds the normalization references: a cost equal to ReferenceCost
// or a latency equal to WindowMs scores zero on that component.
type Norms struct {
	ReferenceCostUSD float64 `yaml:"reference_cost_usd" json:"reference_cost_usd"`
	LatencyWindowMs  float64 `yaml:"latency_window_ms" json:"latency_window_ms"`
}

func DefaultNorms() Norms {
	return Norms{ReferenceCostUSD: 0.10, LatencyWindowMs: 30000}
}

// Outcome is the raw measurement from one completed request.
type Outcome struct {
	CostUSD   float64 `json:"cost_usd"`
	LatencyMs float64 `json:"latency_ms"`
}

// Signals carries externally supplied quality feedback in [0,1].
type Signals struct {
	Quality float64 `json:"quality"`
}

// Breakdown is the immutable result of reward shaping, kept alongside the
// total for analysis.
type Breakdown struct {
	CostComponent    float64 `json:"cost_component"`
	LatencyComponent float64 `json:"latency_component"`
	QualityComponent float64 `json:"quality_component"`
	Weights          Weights `json:"weights"`
	Total            float64 `json:"total"`
}

// Compute shapes raw outcome metrics into a single reward in [0,1]. Each
// component is normalized before weighting; the total is the weighted
// average over the supplied weights, so weights {quality:1, others:0}
// reproduce the quality signal exactly. Pure function, no side effects.
func Compute(outcome Outcome, signals Signals, weights Weights, norms Norms) Breakdown {
	costComponent := 1.0
	if norms.ReferenceCostUSD > 0 {
		costComponent = 1 - math.Min(1, outcome.CostUSD/norms.ReferenceCostUSD)
	}

	latencyComponent := 1.0
	if norms.LatencyWindowMs > 0 {
		latencyComponent = 1 - math.Min(1, outcome.LatencyMs/norms.LatencyWindowMs)
	}

	qualityComponent := clamp01(signals.Quality)

	wc := math.Max(0, weights.Cost)
	wl := math.Max(0, weights.Latency)
	wq := math.Max(0, weights.Quality)
	sum := wc + wl + wq

	total := 0.0
	if sum > 0 {
		total = (wc*costComponent + wl*latencyComponent + wq*qualityComponent) / sum
	}

	return Breakdown{
		CostComponent:    costComponent,
		LatencyComponent: latencyComponent,
		QualityComponent: qualityComponent,
		Weights:          Weights{Cost: wc, Latency: wl, Quality: wq},
		Total:            clamp01(total),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
