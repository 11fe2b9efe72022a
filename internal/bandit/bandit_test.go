package bandit

import (
	"math"
	"testing"
)

func TestNewRejectsUnknownPolicy(t *testing.T) {
	if _, err := New("gradient", DefaultConfig()); err == nil {
		t.Fatal("expected error for unknown policy kind")
	}
}

func TestNewAcceptsThompsonAlias(t *testing.T) {
	p, err := New("thompson", DefaultConfig())
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "thompson_sampling" {
		t.Errorf("Name() = %q, want thompson_sampling", p.Name())
	}
}

func TestRecommendNoArms(t *testing.T) {
	for _, kind := range []string{"epsilon_greedy", "ucb1", "thompson_sampling", "linucb"} {
		p, err := New(kind, DefaultConfig())
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Recommend(nil, nil); err != ErrNoArms {
			t.Errorf("%s: Recommend with no arms returned %v, want ErrNoArms", kind, err)
		}
	}
}

func TestEpsilonGreedyIncrementalMean(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	e := NewEpsilonGreedy(cfg)

	rewards := []float64{1, 0, 1}
	for _, r := range rewards {
		if err := e.Update("m", r, nil); err != nil {
			t.Fatal(err)
		}
	}

	s := e.Snapshot()["m"]
	if s.PullCount != 3 {
		t.Errorf("PullCount = %d, want 3", s.PullCount)
	}
	if math.Abs(s.MeanReward-2.0/3.0) > 1e-9 {
		t.Errorf("MeanReward = %v, want %v", s.MeanReward, 2.0/3.0)
	}
}

func TestEpsilonGreedyExploitsBestArm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	e := NewEpsilonGreedy(cfg)

	e.Update("cheap", 0.3, nil)
	e.Update("strong", 0.8, nil)

	for i := 0; i < 10; i++ {
		got, err := e.Recommend(nil, []string{"cheap", "strong"})
		if err != nil {
			t.Fatal(err)
		}
		if got != "strong" {
			t.Fatalf("Recommend = %q, want strong", got)
		}
	}
}

func TestEpsilonGreedyTieBreaksFirstCandidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 0
	e := NewEpsilonGreedy(cfg)

	got, err := e.Recommend(nil, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "a" {
		t.Errorf("Recommend with all-equal means = %q, want a", got)
	}
}

func TestEpsilonGreedyExploresWithSeededRNG(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Epsilon = 1.0
	cfg.Seed = 7
	e := NewEpsilonGreedy(cfg)
	e.Update("best", 1.0, nil)

	arms := []string{"best", "other"}
	sawOther := false
	for i := 0; i < 100; i++ {
		got, err := e.Recommend(nil, arms)
		if err != nil {
			t.Fatal(err)
		}
		if got == "other" {
			sawOther = true
		}
	}
	if !sawOther {
		t.Error("epsilon=1 never selected a non-greedy arm in 100 draws")
	}
}

func TestRewardsAreClamped(t *testing.T) {
	cfg := DefaultConfig()
	e := NewEpsilonGreedy(cfg)
	e.Update("m", -5, nil)
	e.Update("m", 42, nil)

	s := e.Snapshot()["m"]
	if s.MeanReward < 0 || s.MeanReward > 1 {
		t.Errorf("MeanReward = %v, want within [0,1]", s.MeanReward)
	}
	if math.Abs(s.MeanReward-0.5) > 1e-9 {
		t.Errorf("MeanReward = %v, want 0.5 from clamped {0,1}", s.MeanReward)
	}
}

func TestUCB1UnpulledArmsFirstInInputOrder(t *testing.T) {
	u := NewUCB1()
	u.Update("a", 1.0, nil)

	got, err := u.Recommend(nil, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "b" {
		t.Errorf("Recommend = %q, want first unpulled arm b", got)
	}

	u.Update("b", 0.1, nil)
	got, err = u.Recommend(nil, []string{"a", "b", "c"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "c" {
		t.Errorf("Recommend = %q, want remaining unpulled arm c", got)
	}
}

func TestUCB1PrefersHigherMeanAtEqualPulls(t *testing.T) {
	u := NewUCB1()
	for i := 0; i < 20; i++ {
		u.Update("good", 0.9, nil)
		u.Update("bad", 0.1, nil)
	}

	got, err := u.Recommend(nil, []string{"good", "bad"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "good" {
		t.Errorf("Recommend = %q, want good", got)
	}
}

func TestUCB1BonusFavorsUnderexploredArm(t *testing.T) {
	u := NewUCB1()
	// Equal means, very unequal pull counts: the confidence bonus should
	// pick the rarely pulled arm.
	for i := 0; i < 100; i++ {
		u.Update("often", 0.5, nil)
	}
	u.Update("rare", 0.5, nil)

	got, err := u.Recommend(nil, []string{"often", "rare"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "rare" {
		t.Errorf("Recommend = %q, want rare", got)
	}
}

func TestThompsonFractionalUpdate(t *testing.T) {
	cfg := DefaultConfig()
	th := NewThompson(cfg)
	th.Update("m", 0.7, nil)

	s := th.Snapshot()["m"]
	if math.Abs(s.Alpha-1.7) > 1e-9 {
		t.Errorf("Alpha = %v, want 1.7", s.Alpha)
	}
	if math.Abs(s.Beta-1.3) > 1e-9 {
		t.Errorf("Beta = %v, want 1.3", s.Beta)
	}
}

func TestThompsonConvergesToBetterArm(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 42
	th := NewThompson(cfg)

	for i := 0; i < 200; i++ {
		th.Update("good", 0.9, nil)
		th.Update("bad", 0.1, nil)
	}

	wins := 0
	const draws = 500
	for i := 0; i < draws; i++ {
		got, err := th.Recommend(nil, []string{"good", "bad"})
		if err != nil {
			t.Fatal(err)
		}
		if got == "good" {
			wins++
		}
	}
	if wins < draws*8/10 {
		t.Errorf("good won %d/%d draws, want at least 80%%", wins, draws)
	}
}

func TestThompsonNoResetWhenDisabled(t *testing.T) {
	cfg := DefaultConfig()
	th := NewThompson(cfg)

	for i := 0; i < 10; i++ {
		th.Update("a", 1.0, nil)
		th.Update("b", 0.0, nil)
	}

	if got := th.Resets(); got != 0 {
		t.Errorf("Resets = %d with reset disabled, want 0", got)
	}
	if a := th.Snapshot()["a"].Alpha; math.Abs(a-11) > 1e-9 {
		t.Errorf("Alpha = %v, want exactly 11 with reset disabled", a)
	}
}

func TestThompsonEntropyResetDecaysTowardPrior(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EntropyResetThreshold = 0.6
	cfg.EntropyResetWindow = 2
	cfg.EntropyResetDecay = 0.5
	th := NewThompson(cfg)

	for i := 0; i < 20; i++ {
		th.Update("a", 1.0, nil)
		th.Update("b", 0.0, nil)
	}

	if th.Resets() == 0 {
		t.Fatal("expected at least one entropy reset under heavy skew")
	}

	snap := th.Snapshot()
	for id, s := range snap {
		if s.Alpha <= 0 || s.Beta <= 0 {
			t.Errorf("arm %s: posterior (%v,%v) not strictly positive after reset", id, s.Alpha, s.Beta)
		}
	}
	if a := snap["a"].Alpha; a >= 21 {
		t.Errorf("Alpha = %v, expected decay below the no-reset value 21", a)
	}
}

func TestThompsonSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	th := NewThompson(cfg)
	th.Update("a", 0.8, nil)
	th.Update("b", 0.2, nil)

	snap := th.Snapshot()

	restored := NewThompson(cfg)
	if err := restored.Restore(snap); err != nil {
		t.Fatal(err)
	}

	got := restored.Snapshot()
	for id, want := range snap {
		if math.Abs(got[id].Alpha-want.Alpha) > 1e-9 || math.Abs(got[id].Beta-want.Beta) > 1e-9 {
			t.Errorf("arm %s: restored (%v,%v), want (%v,%v)", id, got[id].Alpha, got[id].Beta, want.Alpha, want.Beta)
		}
	}
}

func TestUCB1RestoreRecomputesTotalPulls(t *testing.T) {
	u := NewUCB1()
	u.Update("a", 1.0, nil)
	u.Update("a", 0.0, nil)
	u.Update("b", 0.5, nil)

	restored := NewUCB1()
	if err := restored.Restore(u.Snapshot()); err != nil {
		t.Fatal(err)
	}
	if restored.totalPulls != 3 {
		t.Errorf("totalPulls = %d after restore, want 3", restored.totalPulls)
	}
}

func linConfig() Config {
	cfg := DefaultConfig()
	cfg.FeatureDim = 2
	cfg.RecomputeEvery = 5
	return cfg
}

func TestLinUCBLearnsFromContext(t *testing.T) {
	l := NewLinUCB(linConfig())

	ctx := &Context{Features: []float64{1, 0}}
	for i := 0; i < 12; i++ {
		l.Update("good", 1.0, ctx)
		l.Update("bad", 0.0, ctx)
	}

	got, err := l.Recommend(ctx, []string{"bad", "good"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "good" {
		t.Errorf("Recommend = %q, want good", got)
	}
}

func TestLinUCBDimensionMismatchFallsBack(t *testing.T) {
	l := NewLinUCB(linConfig())
	l.fallback.Update("good", 1.0, nil)
	l.fallback.Update("good", 1.0, nil)

	got, err := l.Recommend(&Context{Features: []float64{1, 2, 3}}, []string{"good"})
	if err != nil {
		t.Fatalf("dimension mismatch must degrade, not fail: %v", err)
	}
	if got != "good" {
		t.Errorf("Recommend = %q, want good", got)
	}
	if l.Fallbacks() != 1 {
		t.Errorf("Fallbacks = %d, want 1", l.Fallbacks())
	}
}

func TestLinUCBNilContextFallsBack(t *testing.T) {
	l := NewLinUCB(linConfig())
	if _, err := l.Recommend(nil, []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if l.Fallbacks() != 1 {
		t.Errorf("Fallbacks = %d, want 1", l.Fallbacks())
	}
}

func TestLinUCBNormGate(t *testing.T) {
	cfg := linConfig()
	cfg.MaxFeatureNorm = 10
	l := NewLinUCB(cfg)

	if _, err := l.Recommend(&Context{Features: []float64{1000, 1000}}, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if l.Fallbacks() != 1 {
		t.Errorf("out-of-range norm: Fallbacks = %d, want 1", l.Fallbacks())
	}

	if _, err := l.Recommend(&Context{Features: []float64{1, 1}}, []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if l.Fallbacks() != 1 {
		t.Errorf("in-range norm counted as fallback: Fallbacks = %d, want 1", l.Fallbacks())
	}
}

func TestLinUCBFallbackLearnsFromEveryUpdate(t *testing.T) {
	l := NewLinUCB(linConfig())
	l.Update("m", 0.7, &Context{Features: []float64{1, 0}})

	s := l.fallback.Snapshot()["m"]
	if math.Abs(s.Alpha-1.7) > 1e-9 {
		t.Errorf("fallback Alpha = %v, want 1.7", s.Alpha)
	}
}

func TestLinUCBSnapshotRestoreRoundTrip(t *testing.T) {
	cfg := linConfig()
	l := NewLinUCB(cfg)
	ctx := &Context{Features: []float64{0.5, 1}}
	for i := 0; i < 7; i++ {
		l.Update("m", 0.8, ctx)
	}

	snap := l.Snapshot()
	if len(snap["m"].A) != 4 || len(snap["m"].B) != 2 {
		t.Fatalf("snapshot shape A=%d b=%d, want 4 and 2", len(snap["m"].A), len(snap["m"].B))
	}

	restored := NewLinUCB(cfg)
	if err := restored.Restore(snap); err != nil {
		t.Fatal(err)
	}
	got := restored.Snapshot()["m"]
	for i, v := range snap["m"].A {
		if math.Abs(got.A[i]-v) > 1e-9 {
			t.Fatalf("A[%d] = %v after restore, want %v", i, got.A[i], v)
		}
	}
}

func TestLinUCBRestoreRejectsDimensionMismatch(t *testing.T) {
	l := NewLinUCB(linConfig())
	bad := map[string]ArmState{
		"m": {A: []float64{1, 0, 0, 0, 0, 0, 0, 0, 1}, B: []float64{0, 0, 0}},
	}
	if err := l.Restore(bad); err == nil {
		t.Fatal("expected error restoring 3-dim state into 2-dim policy")
	}
}

func TestInvertIdentity(t *testing.T) {
	m := [][]float64{{2, 0}, {0, 4}}
	inv, err := invert(m)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]float64{{0.5, 0}, {0, 0.25}}
	for i := range want {
		for j := range want[i] {
			if math.Abs(inv[i][j]-want[i][j]) > 1e-12 {
				t.Errorf("inv[%d][%d] = %v, want %v", i, j, inv[i][j], want[i][j])
			}
		}
	}
}

func TestInvertSingular(t *testing.T) {
	if _, err := invert([][]float64{{1, 2}, {2, 4}}); err == nil {
		t.Fatal("expected error for singular matrix")
	}
}

func TestNormalizedEntropy(t *testing.T) {
	if got := NormalizedEntropy([]float64{1, 1, 1, 1}); math.Abs(got-1) > 1e-9 {
		t.Errorf("uniform entropy = %v, want 1", got)
	}
	if got := NormalizedEntropy([]float64{1, 0, 0}); got > 1e-9 {
		t.Errorf("degenerate entropy = %v, want 0", got)
	}
	if got := NormalizedEntropy([]float64{5}); got != 0 {
		t.Errorf("single-weight entropy = %v, want 0", got)
	}
}

func TestSampleBetaInUnitInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 1
	th := NewThompson(cfg)
	th.Update("a", 0.9, nil)

	for i := 0; i < 1000; i++ {
		s := sampleBeta(th.rng, 2.5, 0.7)
		if s < 0 || s > 1 {
			t.Fatalf("sampleBeta = %v, want within [0,1]", s)
		}
	}
}
