package reward

import (
	"context"
	"math"
	"testing"
)

func TestComputeDefaultWeights(t *testing.T) {
	// Half the reference cost, half the latency window: both components
	// score 0.5, so the cost/latency split totals 0.5.
	b := Compute(
		Outcome{CostUSD: 0.05, LatencyMs: 15000},
		Signals{},
		DefaultWeights(),
		DefaultNorms(),
	)
	if math.Abs(b.CostComponent-0.5) > 1e-9 {
		t.Errorf("CostComponent = %v, want 0.5", b.CostComponent)
	}
	if math.Abs(b.LatencyComponent-0.5) > 1e-9 {
		t.Errorf("LatencyComponent = %v, want 0.5", b.LatencyComponent)
	}
	if math.Abs(b.Total-0.5) > 1e-9 {
		t.Errorf("Total = %v, want 0.5", b.Total)
	}
}

func TestComputeQualityOnlyWeights(t *testing.T) {
	weights := Weights{Quality: 1}
	for _, q := range []float64{0.1, 0.9} {
		b := Compute(Outcome{CostUSD: 1000, LatencyMs: 1e9}, Signals{Quality: q}, weights, DefaultNorms())
		if math.Abs(b.Total-q) > 1e-6 {
			t.Errorf("quality-only Total = %v, want %v", b.Total, q)
		}
	}
}

func TestComputeSaturates(t *testing.T) {
	b := Compute(Outcome{CostUSD: 5, LatencyMs: 1e7}, Signals{}, DefaultWeights(), DefaultNorms())
	if b.CostComponent != 0 {
		t.Errorf("CostComponent = %v, want 0 at saturation", b.CostComponent)
	}
	if b.LatencyComponent != 0 {
		t.Errorf("LatencyComponent = %v, want 0 at saturation", b.LatencyComponent)
	}
	if b.Total != 0 {
		t.Errorf("Total = %v, want 0", b.Total)
	}
}

func TestComputeFreeAndInstant(t *testing.T) {
	b := Compute(Outcome{}, Signals{Quality: 1}, Weights{Cost: 1, Latency: 1, Quality: 1}, DefaultNorms())
	if math.Abs(b.Total-1) > 1e-9 {
		t.Errorf("Total = %v, want 1", b.Total)
	}
}

func TestComputeZeroNormsDisableComponent(t *testing.T) {
	b := Compute(Outcome{CostUSD: 99}, Signals{}, Weights{Cost: 1}, Norms{})
	if b.CostComponent != 1 {
		t.Errorf("CostComponent = %v with zero reference, want neutral 1", b.CostComponent)
	}
}

func TestComputeNegativeWeightsIgnored(t *testing.T) {
	b := Compute(Outcome{}, Signals{Quality: 0.8}, Weights{Cost: -1, Latency: -1, Quality: 1}, DefaultNorms())
	if math.Abs(b.Total-0.8) > 1e-9 {
		t.Errorf("Total = %v, want 0.8 with negative weights zeroed", b.Total)
	}
}

func TestComputeClampsQualitySignal(t *testing.T) {
	b := Compute(Outcome{}, Signals{Quality: 3}, Weights{Quality: 1}, DefaultNorms())
	if b.Total != 1 {
		t.Errorf("Total = %v, want 1 from clamped quality", b.Total)
	}
}

func TestMemoryStoreBounded(t *testing.T) {
	s := NewMemoryStore(3)
	for i := 0; i < 5; i++ {
		rec := Record{TenantID: "t", Model: "m"}
		rec.Outcome.CostUSD = float64(i)
		if err := s.Append(context.Background(), rec); err != nil {
			t.Fatal(err)
		}
	}

	recent := s.Recent(10)
	if len(recent) != 3 {
		t.Fatalf("Recent returned %d records, want 3", len(recent))
	}
	// Oldest records are evicted first.
	if recent[0].Outcome.CostUSD != 2 {
		t.Errorf("oldest kept record CostUSD = %v, want 2", recent[0].Outcome.CostUSD)
	}
	if recent[2].Outcome.CostUSD != 4 {
		t.Errorf("newest record CostUSD = %v, want 4", recent[2].Outcome.CostUSD)
	}
}
