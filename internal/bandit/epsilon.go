package bandit

import (
	"math/rand"
	"sync"
)

// meanArm tracks incremental-mean statistics shared by the frequency
// policies (epsilon-greedy, UCB1).
type meanArm struct {
	PullCount  int64
	MeanReward float64
}

func (a *meanArm) observe(reward float64) {
	a.MeanReward += (reward - a.MeanReward) / float64(a.PullCount+1)
	a.PullCount++
}

// EpsilonGreedy explores uniformly at random with probability epsilon and
// otherwise exploits the arm with the highest observed mean reward.
type EpsilonGreedy struct {
	mu      sync.Mutex
	rng     *rand.Rand
	epsilon float64
	arms    map[string]*meanArm
	order   []string // first-seen order for deterministic tie-breaking
}

// NewEpsilonGreedy creates an epsilon-greedy policy with a seeded RNG.
func NewEpsilonGreedy(cfg Config) *EpsilonGreedy {
	return &EpsilonGreedy{
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		epsilon: cfg.Epsilon,
		arms:    make(map[string]*meanArm),
	}
}

func (e *EpsilonGreedy) Name() string { return "epsilon_greedy" }

func (e *EpsilonGreedy) Recommend(_ *Context, arms []string) (string, error) {
	if len(arms) == 0 {
		return "", ErrNoArms
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, arm := range arms {
		e.ensure(arm)
	}

	if e.rng.Float64() < e.epsilon {
		return arms[e.rng.Intn(len(arms))], nil
	}

	best := arms[0]
	bestMean := e.arms[best].MeanReward
	for _, arm := range arms[1:] {
		if m := e.arms[arm].MeanReward; m > bestMean {
			best, bestMean = arm, m
		}
	}
	return best, nil
}

func (e *EpsilonGreedy) Update(arm string, reward float64, _ *Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ensure(arm).observe(clampReward(reward))
	return nil
}

func (e *EpsilonGreedy) Snapshot() map[string]ArmState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]ArmState, len(e.arms))
	for id, a := range e.arms {
		out[id] = ArmState{PullCount: a.PullCount, MeanReward: a.MeanReward}
	}
	return out
}

func (e *EpsilonGreedy) Restore(states map[string]ArmState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, s := range states {
		if s.PullCount < 0 {
			continue
		}
		arm := e.ensure(id)
		arm.PullCount = s.PullCount
		arm.MeanReward = s.MeanReward
	}
	return nil
}

func (e *EpsilonGreedy) ensure(arm string) *meanArm {
	a, ok := e.arms[arm]
	if !ok {
		a = &meanArm{}
		e.arms[arm] = a
		e.order = append(e.order, arm)
	}
	return a
}
