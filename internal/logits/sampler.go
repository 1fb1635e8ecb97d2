// Package logits turns next-token logits into token choices.
package logits

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

// SamplerConfig configures the behaviour of a Sampler. A negative Seed picks
// a time-based seed.
type SamplerConfig struct {
	Seed        int64
	Temperature float64
	TopK        int
	TopP        float64
}

// Sampler draws token ids from logits. It is not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	cfg    SamplerConfig
	topIdx []int
	prob   []float64
}

// NewSampler returns a new sampler with the provided configuration.
// Temperature <= 0 and TopP outside (0, 1] fall back to 1; callers that must
// reject such values validate before constructing the sampler.
func NewSampler(cfg SamplerConfig) *Sampler {
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK < 0 {
		cfg.TopK = 0
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	seed := cfg.Seed
	if seed < 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		rng: rand.New(rand.NewSource(seed)),
		cfg: cfg,
	}
}

// Sample draws a single index from the provided logits vector:
//
//  1. The logits are scaled by the inverse temperature.
//  2. The TopK largest are shortlisted (TopK == 0 keeps every index).
//  3. A softmax is taken over the shortlist.
//  4. If TopP < 1 the shortlist is cut after the first candidate at which the
//     cumulative probability reaches TopP.
//  5. An index is drawn from what remains, renormalized.
func (s *Sampler) Sample(logits []float64) int {
	if len(logits) == 0 {
		return 0
	}

	k := len(logits)
	if s.cfg.TopK > 0 && s.cfg.TopK < k {
		k = s.cfg.TopK
	}
	topIdx := s.topK(logits, k)

	invTemp := 1 / s.cfg.Temperature
	maxv := logits[topIdx[0]] * invTemp

	if cap(s.prob) < len(topIdx) {
		s.prob = make([]float64, len(topIdx))
	}
	prob := s.prob[:len(topIdx)]
	var sum float64
	for i, idx := range topIdx {
		e := math.Exp(logits[idx]*invTemp - maxv)
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return topIdx[0]
	}
	for i := range prob {
		prob[i] /= sum
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if c >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	var mass float64
	for _, p := range prob[:cut] {
		mass += p
	}
	r := s.rng.Float64() * mass
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r < c {
			return topIdx[i]
		}
	}
	return topIdx[cut-1]
}

// topK returns the indices of the k largest logits, largest first. Ties keep
// the lower index first.
func (s *Sampler) topK(logits []float64, k int) []int {
	if k >= len(logits) {
		if cap(s.topIdx) < len(logits) {
			s.topIdx = make([]int, len(logits))
		}
		idx := s.topIdx[:len(logits)]
		for i := range idx {
			idx[i] = i
		}
		sort.SliceStable(idx, func(a, b int) bool {
			return logits[idx[a]] > logits[idx[b]]
		})
		return idx
	}

	// O(V*K) insertion; K is small in practice.
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
	}
	idx := s.topIdx[:0]
	for i, v := range logits {
		pos := len(idx)
		for pos > 0 && logits[idx[pos-1]] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		copy(idx[pos+1:], idx[pos:])
		idx[pos] = i
		if len(idx) > k {
			idx = idx[:k]
		}
	}
	s.topIdx = idx
	return idx
}

// Argmax returns the index of the maximum value in the slice, the first one
// on ties. It panics on an empty slice.
func Argmax(x []float64) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}
