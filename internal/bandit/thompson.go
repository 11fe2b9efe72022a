package bandit

import (
	"math/rand"
	"sync"
)

// betaArm holds Beta posterior parameters for one arm.
type betaArm struct {
	Alpha float64
	Beta  float64
}

// Thompson implements Thompson sampling with Beta posteriors, generalized
// to bounded rewards in [0,1]: update adds reward to alpha and (1-reward)
// to beta, so a 0.7 reward counts as 0.7 of a success.
//
// A posterior-entropy monitor guards against premature convergence: when
// the entropy of the posterior means stays below a configured threshold
// for a configured number of consecutive observations, all arms are
// decayed toward the prior (never zeroed) to re-open exploration.
type Thompson struct {
	mu  sync.Mutex
	rng *rand.Rand

	priorAlpha float64
	priorBeta  float64
	floor      float64

	arms  map[string]*betaArm
	order []string

	resetThreshold float64
	resetWindow    int
	resetDecay     float64
	lowStreak      int
	resets         int64
}

func NewThompson(cfg Config) *Thompson {
	priorAlpha := cfg.PriorAlpha
	if priorAlpha <= 0 {
		priorAlpha = 1.0
	}
	priorBeta := cfg.PriorBeta
	if priorBeta <= 0 {
		priorBeta = 1.0
	}
	floor := cfg.PriorFloor
	if floor <= 0 {
		floor = 0.01
	}

	return &Thompson{
		rng:            rand.New(rand.NewSource(cfg.Seed)),
		priorAlpha:     priorAlpha,
		priorBeta:      priorBeta,
		floor:          floor,
		arms:           make(map[string]*betaArm),
		resetThreshold: cfg.EntropyResetThreshold,
		resetWindow:    cfg.EntropyResetWindow,
		resetDecay:     cfg.EntropyResetDecay,
	}
}

func (t *Thompson) Name() string { return "thompson_sampling" }

func (t *Thompson) Recommend(_ *Context, arms []string) (string, error) {
	if len(arms) == 0 {
		return "", ErrNoArms
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	best := ""
	bestSample := -1.0
	for _, arm := range arms {
		a := t.ensure(arm)
		if sample := sampleBeta(t.rng, a.Alpha, a.Beta); sample > bestSample {
			best, bestSample = arm, sample
		}
	}
	return best, nil
}

func (t *Thompson) Update(arm string, reward float64, _ *Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r := clampReward(reward)
	a := t.ensure(arm)
	a.Alpha += r
	a.Beta += 1 - r

	t.checkEntropyReset()
	return nil
}

// PosteriorMeanEntropy returns the normalized entropy of the posterior
// means across all known arms, the signal watched by the reset monitor.
func (t *Thompson) PosteriorMeanEntropy() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.posteriorMeanEntropyLocked()
}

// Resets reports how many entropy-triggered decays have fired.
func (t *Thompson) Resets() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

func (t *Thompson) posteriorMeanEntropyLocked() float64 {
	means := make([]float64, 0, len(t.arms))
	for _, id := range t.order {
		a := t.arms[id]
		means = append(means, a.Alpha/(a.Alpha+a.Beta))
	}
	return NormalizedEntropy(means)
}

// checkEntropyReset decays all arms toward the prior after resetWindow
// consecutive low-entropy observations. Disabled unless both threshold
// and window are configured.
func (t *Thompson) checkEntropyReset() {
	if t.resetThreshold <= 0 || t.resetWindow <= 0 || len(t.arms) < 2 {
		return
	}

	if t.posteriorMeanEntropyLocked() >= t.resetThreshold {
		t.lowStreak = 0
		return
	}

	t.lowStreak++
	if t.lowStreak < t.resetWindow {
		return
	}

	decay := t.resetDecay
	if decay < 0 || decay >= 1 {
		decay = 0.5
	}
	for _, a := range t.arms {
		a.Alpha = t.priorAlpha + decay*(a.Alpha-t.priorAlpha)
		a.Beta = t.priorBeta + decay*(a.Beta-t.priorBeta)
		t.applyFloor(a)
	}
	t.lowStreak = 0
	t.resets++
}

func (t *Thompson) Snapshot() map[string]ArmState {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]ArmState, len(t.arms))
	for id, a := range t.arms {
		out[id] = ArmState{Alpha: a.Alpha, Beta: a.Beta}
	}
	return out
}

func (t *Thompson) Restore(states map[string]ArmState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, s := range states {
		a := t.ensure(id)
		if s.Alpha > 0 {
			a.Alpha = s.Alpha
		}
		if s.Beta > 0 {
			a.Beta = s.Beta
		}
		t.applyFloor(a)
	}
	return nil
}

func (t *Thompson) ensure(arm string) *betaArm {
	a, ok := t.arms[arm]
	if !ok {
		a = &betaArm{Alpha: t.priorAlpha, Beta: t.priorBeta}
		t.arms[arm] = a
		t.order = append(t.order, arm)
	}
	return a
}

func (t *Thompson) applyFloor(a *betaArm) {
	if a.Alpha < t.floor {
		a.Alpha = t.floor
	}
	if a.Beta < t.floor {
		a.Beta = t.floor
	}
}
