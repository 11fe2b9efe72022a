package bandit

import (
	"fmt"
	"math"
	"sync"
)

// LinUCB is a contextual policy scoring arms by x·θ̂ + α·sqrt(x·A⁻¹·x)
// with θ̂ = A⁻¹b. The inverse of A is cached and only recomputed every
// RecomputeEvery updates; between recomputations scoring uses the stale
// inverse, a deliberate accuracy/CPU tradeoff for a ranking heuristic.
//
// Malformed contexts never fail a request: a dimension mismatch or a
// feature vector with an out-of-range L2 norm degrades that single
// decision to the embedded Thompson fallback, which is kept warm by
// feeding it every update.
type LinUCB struct {
	mu sync.Mutex

	dim            int
	alpha          float64
	lambda         float64
	recomputeEvery int
	minNorm        float64
	maxNorm        float64

	arms  map[string]*linArm
	order []string

	fallback  *Thompson
	fallbacks int64 // decisions degraded to the fallback policy
}

type linArm struct {
	a    [][]float64 // d×d design matrix, initialized to λ·I
	b    []float64
	aInv [][]float64
	// staleUpdates counts updates since aInv was last recomputed.
	staleUpdates int
}

func NewLinUCB(cfg Config) *LinUCB {
	dim := cfg.FeatureDim
	if dim <= 0 {
		dim = 8
	}
	lambda := cfg.Lambda
	if lambda <= 0 {
		lambda = 1.0
	}
	alpha := cfg.LinUCBAlpha
	if alpha <= 0 {
		alpha = 1.0
	}
	every := cfg.RecomputeEvery
	if every <= 0 {
		every = 10
	}

	return &LinUCB{
		dim:            dim,
		alpha:          alpha,
		lambda:         lambda,
		recomputeEvery: every,
		minNorm:        cfg.MinFeatureNorm,
		maxNorm:        cfg.MaxFeatureNorm,
		arms:           make(map[string]*linArm),
		fallback:       NewThompson(cfg),
	}
}

func (l *LinUCB) Name() string { return "linucb" }

func (l *LinUCB) Recommend(ctx *Context, arms []string) (string, error) {
	if len(arms) == 0 {
		return "", ErrNoArms
	}

	x, ok := l.usableFeatures(ctx)
	if !ok {
		l.mu.Lock()
		l.fallbacks++
		l.mu.Unlock()
		return l.fallback.Recommend(nil, arms)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	best := ""
	bestScore := math.Inf(-1)
	for _, arm := range arms {
		a := l.ensure(arm)
		theta := matVec(a.aInv, a.b)
		explore := dot(x, matVec(a.aInv, x))
		if explore < 0 {
			explore = 0 // stale inverse can dip slightly negative
		}
		score := dot(x, theta) + l.alpha*math.Sqrt(explore)
		if score > bestScore {
			best, bestScore = arm, score
		}
	}
	return best, nil
}

func (l *LinUCB) Update(arm string, reward float64, ctx *Context) error {
	r := clampReward(reward)

	// The fallback learns from every outcome so degraded decisions keep
	// improving it.
	if err := l.fallback.Update(arm, r, nil); err != nil {
		return err
	}

	x, ok := l.usableFeatures(ctx)
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	a := l.ensure(arm)
	for i := 0; i < l.dim; i++ {
		for j := 0; j < l.dim; j++ {
			a.a[i][j] += x[i] * x[j]
		}
		a.b[i] += r * x[i]
	}

	a.staleUpdates++
	if a.staleUpdates >= l.recomputeEvery {
		if inv, err := invert(a.a); err == nil {
			a.aInv = inv
			a.staleUpdates = 0
		}
	}
	return nil
}

// Fallbacks reports how many decisions degraded to the Thompson fallback.
func (l *LinUCB) Fallbacks() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fallbacks
}

// usableFeatures validates dimension and L2 norm. Invalid contexts return
// ok=false rather than an error.
func (l *LinUCB) usableFeatures(ctx *Context) ([]float64, bool) {
	if ctx == nil || len(ctx.Features) != l.dim {
		return nil, false
	}
	norm := 0.0
	for _, v := range ctx.Features {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if math.IsNaN(norm) || norm < l.minNorm || (l.maxNorm > 0 && norm > l.maxNorm) {
		return nil, false
	}
	return ctx.Features, true
}

func (l *LinUCB) Snapshot() map[string]ArmState {
	fallback := l.fallback.Snapshot()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]ArmState, len(l.arms))
	for id, a := range l.arms {
		flat := make([]float64, 0, l.dim*l.dim)
		for i := 0; i < l.dim; i++ {
			flat = append(flat, a.a[i]...)
		}
		s := ArmState{A: flat, B: append([]float64(nil), a.b...)}
		if fb, ok := fallback[id]; ok {
			s.Alpha, s.Beta = fb.Alpha, fb.Beta
		}
		out[id] = s
	}
	// Arms only ever seen through the fallback still persist their
	// posterior.
	for id, fb := range fallback {
		if _, ok := out[id]; !ok {
			out[id] = ArmState{Alpha: fb.Alpha, Beta: fb.Beta}
		}
	}
	return out
}

func (l *LinUCB) Restore(states map[string]ArmState) error {
	if err := l.fallback.Restore(states); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, s := range states {
		if len(s.A) == 0 {
			continue
		}
		if len(s.A) != l.dim*l.dim || len(s.B) != l.dim {
			return fmt.Errorf("arm %s: persisted dimension %d does not match configured %d", id, len(s.B), l.dim)
		}
		a := l.ensure(id)
		for i := 0; i < l.dim; i++ {
			copy(a.a[i], s.A[i*l.dim:(i+1)*l.dim])
		}
		copy(a.b, s.B)
		inv, err := invert(a.a)
		if err != nil {
			return fmt.Errorf("restore arm %s: %w", id, err)
		}
		a.aInv = inv
		a.staleUpdates = 0
	}
	return nil
}

func (l *LinUCB) ensure(arm string) *linArm {
	a, ok := l.arms[arm]
	if !ok {
		a = newLinArm(l.dim, l.lambda)
		l.arms[arm] = a
		l.order = append(l.order, arm)
	}
	return a
}

func newLinArm(dim int, lambda float64) *linArm {
	a := &linArm{
		a:    make([][]float64, dim),
		aInv: make([][]float64, dim),
		b:    make([]float64, dim),
	}
	for i := 0; i < dim; i++ {
		a.a[i] = make([]float64, dim)
		a.aInv[i] = make([]float64, dim)
		a.a[i][i] = lambda
		a.aInv[i][i] = 1 / lambda
	}
	return a
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func matVec(m [][]float64, v []float64) []float64 {
	out := make([]float64, len(m))
	for i, row := range m {
		out[i] = dot(row, v)
	}
	return out
}

// invert computes the inverse of a square matrix by Gauss-Jordan
// elimination with partial pivoting. A stays positive definite (it starts
// at λ·I and only rank-one updates are added), so this should not fail in
// practice.
func invert(m [][]float64) ([][]float64, error) {
	n := len(m)

	// Augmented working copy [m | I].
	work := make([][]float64, n)
	for i := 0; i < n; i++ {
		work[i] = make([]float64, 2*n)
		copy(work[i], m[i])
		work[i][n+i] = 1
	}

	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(work[row][col]) > math.Abs(work[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(work[pivot][col]) < 1e-12 {
			return nil, fmt.Errorf("singular matrix at column %d", col)
		}
		work[col], work[pivot] = work[pivot], work[col]

		scale := work[col][col]
		for j := 0; j < 2*n; j++ {
			work[col][j] /= scale
		}
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			factor := work[row][col]
			if factor == 0 {
				continue
			}
			for j := 0; j < 2*n; j++ {
				work[row][j] -= factor * work[col][j]
			}
		}
	}

	inv := make([][]float64, n)
	for i := 0; i < n; i++ {
		inv[i] = make([]float64, n)
		copy(inv[i], work[i][n:])
	}
	return inv, nil
}
