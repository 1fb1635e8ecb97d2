package logits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSamplerDeterminism ensures that two samplers configured identically
// produce identical sequences.
func TestSamplerDeterminism(t *testing.T) {
	t.Parallel()
	logs := []float64{0, 1, 2, 3, 4, 5}
	s1 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	s2 := NewSampler(SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95})
	for i := 0; i < 100; i++ {
		require.Equal(t, s1.Sample(logs), s2.Sample(logs), "draw %d", i)
	}
}

// TestSamplerTopP: the first candidate alone carries more than TopP of the
// mass, so it is the only one that can be drawn.
func TestSamplerTopP(t *testing.T) {
	t.Parallel()
	logs := []float64{0, 10, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopP: 0.5})
	for i := 0; i < 200; i++ {
		require.Equal(t, 1, s.Sample(logs))
	}
}

func TestSamplerTopK(t *testing.T) {
	t.Parallel()
	logs := []float64{3, 2.9, 2.8, -1, -2, 2.95}
	s := NewSampler(SamplerConfig{Seed: 1, Temperature: 5, TopK: 2, TopP: 1})
	seen := map[int]bool{}
	for i := 0; i < 500; i++ {
		seen[s.Sample(logs)] = true
	}
	assert.Equal(t, map[int]bool{0: true, 5: true}, seen)
}

// A low temperature sharpens the distribution toward the best logit.
func TestSamplerTemperature(t *testing.T) {
	t.Parallel()
	logs := []float64{1, 2, 1.5}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 0.01, TopP: 1})
	for i := 0; i < 100; i++ {
		require.Equal(t, 1, s.Sample(logs))
	}
}

func TestSamplerCoversNucleus(t *testing.T) {
	t.Parallel()
	// Two equally likely candidates plus a negligible tail.
	logs := []float64{5, 5, -20, -20}
	s := NewSampler(SamplerConfig{Seed: 11, Temperature: 1, TopP: 0.9})
	counts := map[int]int{}
	for i := 0; i < 1000; i++ {
		counts[s.Sample(logs)]++
	}
	assert.Len(t, counts, 2)
	assert.Greater(t, counts[0], 300)
	assert.Greater(t, counts[1], 300)
}

func TestNewSamplerFallbacks(t *testing.T) {
	t.Parallel()
	s := NewSampler(SamplerConfig{Seed: -1, Temperature: 0, TopK: -3, TopP: 2})
	assert.Equal(t, 1.0, s.cfg.Temperature)
	assert.Equal(t, 0, s.cfg.TopK)
	assert.Equal(t, 1.0, s.cfg.TopP)
	assert.Equal(t, 0, s.Sample(nil))
}

func TestArgmax(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 3, Argmax([]float64{-1, 5, 3, 7, 2}))
	assert.Equal(t, 0, Argmax([]float64{1, 1}))
	assert.Panics(t, func() { Argmax(nil) })
}
