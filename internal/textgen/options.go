package textgen

import (
	"errors"
	"fmt"
	"math"

	"gpt2gen/internal/gpt2"
)

// ErrInvalidOptions wraps every Options validation failure.
var ErrInvalidOptions = errors.New("invalid generation options")

// Options are the sampling parameters of one Generate call.
type Options struct {
	// MaxLength is the total token count of the result, prompt included.
	MaxLength   int
	Temperature float64
	TopP        float64
	TopK        int
	// Seed makes sampling reproducible; negative picks a fresh seed per call.
	Seed int64
}

// DefaultOptions returns max_length 100, temperature 0.7 and top_p 0.9.
func DefaultOptions() Options {
	return Options{
		MaxLength:   100,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        gpt2.DefaultTopK,
		Seed:        -1,
	}
}

// Validate rejects out-of-range values. Nothing is clamped.
func (o Options) Validate() error {
	var errs []error
	if o.MaxLength <= 0 {
		errs = append(errs, fmt.Errorf("max_length must be positive, got %d", o.MaxLength))
	}
	if !(o.Temperature > 0) || math.IsInf(o.Temperature, 0) {
		errs = append(errs, fmt.Errorf("temperature must be a positive number, got %v", o.Temperature))
	}
	if !(o.TopP > 0 && o.TopP <= 1) {
		errs = append(errs, fmt.Errorf("top_p must be in (0, 1], got %v", o.TopP))
	}
	if o.TopK < 0 {
		errs = append(errs, fmt.Errorf("top_k must not be negative, got %d", o.TopK))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	return nil
}

func (o Options) generateConfig(eosID int) gpt2.GenerateConfig {
	return gpt2.GenerateConfig{
		MaxLength:          o.MaxLength,
		NumReturnSequences: 1,
		DoSample:           true,
		Temperature:        o.Temperature,
		TopK:               o.TopK,
		TopP:               o.TopP,
		Seed:               o.Seed,
		EOSTokenID:         eosID,
	}
}
