package bandit

import (
	"math"
	"math/rand"
)

// sampleBeta draws from Beta(alpha, beta) via two Gamma draws.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	if alpha <= 0 || beta <= 0 {
		return 0.5 // Fallback for degenerate parameters
	}

	ga := sampleGamma(rng, alpha)
	gb := sampleGamma(rng, beta)
	if ga+gb == 0 {
		return 0.5
	}
	return ga / (ga + gb)
}

// sampleGamma draws from Gamma(shape, 1) using Marsaglia-Tsang squeeze
// rejection. Shapes below 1 use the standard boost transform.
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / math.Sqrt(9*d)
	for {
		x := rng.NormFloat64()
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// Entropy computes Shannon entropy (nats) of the distribution obtained by
// normalizing the given non-negative weights.
func Entropy(weights []float64) float64 {
	total := 0.0
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total == 0 {
		return 0
	}

	h := 0.0
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		p := w / total
		h -= p * math.Log(p)
	}
	return h
}

// NormalizedEntropy scales Entropy into [0,1] by the maximum ln(n), so
// thresholds are comparable across arm counts.
func NormalizedEntropy(weights []float64) float64 {
	if len(weights) <= 1 {
		return 0
	}
	return Entropy(weights) / math.Log(float64(len(weights)))
}
