package bandit

import (
	"math"
	"sync"
)

// UCB1 scores each pulled arm by mean + sqrt(2*ln(total)/pulls) and picks
// the maximum. Any never-pulled arm is selected first, in input order, so
// every arm gets an exploration floor before scores are compared.
type UCB1 struct {
	mu         sync.Mutex
	arms       map[string]*meanArm
	order      []string
	totalPulls int64
}

func NewUCB1() *UCB1 {
	return &UCB1{arms: make(map[string]*meanArm)}
}

func (u *UCB1) Name() string { return "ucb1" }

func (u *UCB1) Recommend(_ *Context, arms []string) (string, error) {
	if len(arms) == 0 {
		return "", ErrNoArms
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	for _, arm := range arms {
		u.ensure(arm)
	}

	// Exploration floor: unpulled arms first, in input order.
	for _, arm := range arms {
		if u.arms[arm].PullCount == 0 {
			return arm, nil
		}
	}

	total := math.Max(float64(u.totalPulls), 1)
	best := arms[0]
	bestScore := u.score(u.arms[best], total)
	for _, arm := range arms[1:] {
		if s := u.score(u.arms[arm], total); s > bestScore {
			best, bestScore = arm, s
		}
	}
	return best, nil
}

func (u *UCB1) score(a *meanArm, total float64) float64 {
	return a.MeanReward + math.Sqrt(2*math.Log(total)/float64(a.PullCount))
}

func (u *UCB1) Update(arm string, reward float64, _ *Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.ensure(arm).observe(clampReward(reward))
	u.totalPulls++
	return nil
}

func (u *UCB1) Snapshot() map[string]ArmState {
	u.mu.Lock()
	defer u.mu.Unlock()

	out := make(map[string]ArmState, len(u.arms))
	for id, a := range u.arms {
		out[id] = ArmState{PullCount: a.PullCount, MeanReward: a.MeanReward}
	}
	return out
}

func (u *UCB1) Restore(states map[string]ArmState) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	u.totalPulls = 0
	for id, s := range states {
		if s.PullCount < 0 {
			continue
		}
		arm := u.ensure(id)
		arm.PullCount = s.PullCount
		arm.MeanReward = s.MeanReward
		u.totalPulls += s.PullCount
	}
	return nil
}

func (u *UCB1) ensure(arm string) *meanArm {
	a, ok := u.arms[arm]
	if !ok {
		a = &meanArm{}
		u.arms[arm] = a
		u.order = append(u.order, arm)
	}
	return a
}
