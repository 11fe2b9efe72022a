package bandit

import (
	"errors"
	"fmt"
)

var (
	ErrNoArms     = errors.New("no arms to recommend")
	ErrUnknownArm = errors.New("unknown arm")
)

// Context carries optional per-request features for contextual policies.
// Non-contextual policies ignore it.
type Context struct {
	Features []float64
}

// ArmState is the serialized per-arm record. Which fields are populated
// depends on the policy: Thompson uses Alpha/Beta, frequency policies use
// PullCount/MeanReward, LinUCB uses the flattened A matrix and b vector
// (plus Alpha/Beta for its Thompson fallback).
type ArmState struct {
	PullCount  int64     `json:"pull_count,omitempty"`
	MeanReward float64   `json:"mean_reward,omitempty"`
	Alpha      float64   `json:"alpha,omitempty"`
	Beta       float64   `json:"beta,omitempty"`
	A          []float64 `json:"A,omitempty"` // row-major d×d
	B          []float64 `json:"b,omitempty"`
}

// Policy is the recommend-and-update contract shared by all bandit
// algorithms. Implementations are safe for concurrent use.
type Policy interface {
	// Name identifies the algorithm ("epsilon_greedy", "ucb1", ...).
	Name() string

	// Recommend selects one arm from the candidate set. Arms are
	// registered in first-seen order; ties break toward earlier arms so
	// selection is deterministic under a seeded RNG.
	Recommend(ctx *Context, arms []string) (string, error)

	// Update applies a reward in [0,1] to an arm. Rewards outside the
	// range are clamped.
	Update(arm string, reward float64, ctx *Context) error

	// Snapshot returns the serializable per-arm state.
	Snapshot() map[string]ArmState

	// Restore replaces policy state from a snapshot.
	Restore(states map[string]ArmState) error
}

// Config holds tunables shared across policy constructors. Entropy-reset
// parameters have no safe implicit values and must be supplied when the
// reset behavior is wanted; zero disables it.
type Config struct {
	Seed int64

	// Epsilon-greedy
	Epsilon float64

	// Thompson priors
	PriorAlpha float64
	PriorBeta  float64
	PriorFloor float64

	// Posterior-entropy reset: decay all arms toward the prior after
	// Window consecutive observations below Threshold. Decay in (0,1)
	// scales the learned excess over the prior.
	EntropyResetThreshold float64
	EntropyResetWindow    int
	EntropyResetDecay     float64

	// LinUCB
	FeatureDim     int
	LinUCBAlpha    float64
	Lambda         float64
	RecomputeEvery int
	MinFeatureNorm float64
	MaxFeatureNorm float64
}

// DefaultConfig returns conservative defaults; entropy resets are disabled
// until explicitly configured.
func DefaultConfig() Config {
	return Config{
		Epsilon:        0.1,
		PriorAlpha:     1.0,
		PriorBeta:      1.0,
		PriorFloor:     0.01,
		FeatureDim:     8,
		LinUCBAlpha:    1.0,
		Lambda:         1.0,
		RecomputeEvery: 10,
		MinFeatureNorm: 1e-6,
		MaxFeatureNorm: 1e6,
	}
}

// New constructs a policy by kind name.
func New(kind string, cfg Config) (Policy, error) {
	switch kind {
	case "epsilon_greedy":
		return NewEpsilonGreedy(cfg), nil
	case "ucb1":
		return NewUCB1(), nil
	case "thompson", "thompson_sampling":
		return NewThompson(cfg), nil
	case "linucb":
		return NewLinUCB(cfg), nil
	default:
		return nil, fmt.Errorf("unknown bandit policy: %s", kind)
	}
}

func clampReward(r float64) float64 {
	if r < 0 {
		return 0
	}
	if r > 1 {
		return 1
	}
	return r
}
