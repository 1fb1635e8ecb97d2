package gpt2

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gpt2gen/internal/logger"
	"gpt2gen/internal/logits"
)

var (
	// ErrEmptyInput is returned when generation or a forward pass gets no tokens.
	ErrEmptyInput = errors.New("input has no tokens")

	// ErrContextOverflow is returned when a sequence would not fit in the
	// model's position embeddings.
	ErrContextOverflow = errors.New("sequence exceeds model context")

	// ErrInvalidGenerateConfig wraps every GenerateConfig validation failure.
	ErrInvalidGenerateConfig = errors.New("invalid generation config")
)

// DefaultTopK matches the Hugging Face generation default.
const DefaultTopK = 50

// GenerateConfig controls Generate.
type GenerateConfig struct {
	// MaxLength bounds the total sequence length, prompt included.
	MaxLength int
	// NumReturnSequences is the number of independent continuations; 0 means 1.
	NumReturnSequences int
	// DoSample selects temperature/top-k/top-p sampling; otherwise greedy.
	DoSample    bool
	Temperature float64
	// TopK restricts sampling to the K most likely tokens; 0 disables it.
	TopK int
	TopP float64
	// Seed makes sampling reproducible; negative picks a random seed.
	Seed int64
	// EOSTokenID ends a sequence once generated; negative disables it.
	EOSTokenID int
}

// Validate checks the config against a model context size.
func (c GenerateConfig) Validate(contextSize int) error {
	var errs []error
	if c.MaxLength <= 0 {
		errs = append(errs, fmt.Errorf("max_length must be positive, got %d", c.MaxLength))
	} else if c.MaxLength > contextSize {
		errs = append(errs, fmt.Errorf("max_length %d exceeds model context %d", c.MaxLength, contextSize))
	}
	if c.NumReturnSequences < 0 {
		errs = append(errs, fmt.Errorf("num_return_sequences must not be negative, got %d", c.NumReturnSequences))
	}
	if c.DoSample {
		if !(c.Temperature > 0) || math.IsInf(c.Temperature, 0) {
			errs = append(errs, fmt.Errorf("temperature has to be a strictly positive float, got %v", c.Temperature))
		}
		if !(c.TopP > 0 && c.TopP <= 1) {
			errs = append(errs, fmt.Errorf("top_p has to be a float in (0, 1], got %v", c.TopP))
		}
		if c.TopK < 0 {
			errs = append(errs, fmt.Errorf("top_k must not be negative, got %d", c.TopK))
		}
	} else if c.NumReturnSequences > 1 {
		errs = append(errs, fmt.Errorf("greedy search returns a single sequence, got num_return_sequences=%d", c.NumReturnSequences))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGenerateConfig, err)
	}
	return nil
}

// Generate extends ids until each sequence reaches cfg.MaxLength tokens or
// emits cfg.EOSTokenID. The returned sequences include the prompt. If the
// prompt already has MaxLength tokens or more, it is returned unchanged.
func (m *Model) Generate(ctx context.Context, ids, attentionMask []int, cfg GenerateConfig) ([][]int, error) {
	if err := cfg.Validate(m.ContextSize()); err != nil {
		return nil, err
	}
	mask, err := m.checkInputs(ids, attentionMask)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)
	n := max(cfg.NumReturnSequences, 1)
	out := make([][]int, 0, n)

	if len(ids) >= cfg.MaxLength {
		log.Warnw("input length already reaches max_length; nothing generated",
			"input_tokens", len(ids), "max_length", cfg.MaxLength)
		for range n {
			out = append(out, append([]int(nil), ids...))
		}
		return out, nil
	}

	for s := range n {
		var sampler *logits.Sampler
		if cfg.DoSample {
			seed := cfg.Seed
			if seed >= 0 {
				seed += int64(s)
			}
			sampler = logits.NewSampler(logits.SamplerConfig{
				Seed:        seed,
				Temperature: cfg.Temperature,
				TopK:        cfg.TopK,
				TopP:        cfg.TopP,
			})
		}
		seq, err := m.generateOne(ctx, ids, mask, cfg, sampler)
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, nil
}

func (m *Model) generateOne(ctx context.Context, ids, mask []int, cfg GenerateConfig, sampler *logits.Sampler) ([]int, error) {
	log := logger.FromContext(ctx)

	st := m.newState()
	next := m.lastLogits(m.forward(st, ids, mask))

	seq := append(make([]int, 0, cfg.MaxLength), ids...)
	toGenerate := cfg.MaxLength - len(ids)
	for i := range toGenerate {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("generation interrupted at step %d: %w", i, err)
		}

		var id int
		if sampler != nil {
			id = sampler.Sample(next)
		} else {
			id = logits.Argmax(next)
		}
		seq = append(seq, id)
		log.Debugw("generated token", "step", i+1, "of", toGenerate, "id", id)

		if id == cfg.EOSTokenID || len(seq) >= cfg.MaxLength {
			break
		}
		next = m.lastLogits(m.forward(st, []int{id}, []int{1}))
	}
	return seq, nil
}
