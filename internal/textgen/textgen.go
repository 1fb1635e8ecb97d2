// Package textgen turns a prompt into a sampled GPT-2 continuation.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"gpt2gen/internal/gpt2"
	"gpt2gen/internal/logger"
	"gpt2gen/internal/tokenizer"
)

// ErrEmptyPrompt is returned for a prompt with no characters.
var ErrEmptyPrompt = errors.New("prompt is empty")

// Tokenizer converts between text and token ids.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int, skipSpecial bool) (string, error)
	EOSID() int
}

// Model extends token sequences.
type Model interface {
	Generate(ctx context.Context, ids, attentionMask []int, cfg gpt2.GenerateConfig) ([][]int, error)
}

// Stage names the step of Generate that failed.
type Stage string

const (
	StageValidate Stage = "validate"
	StageEncode   Stage = "encode"
	StageGenerate Stage = "generate"
	StageDecode   Stage = "decode"
)

// GenerationError is the only error type Generate returns.
type GenerationError struct {
	Stage Stage
	Err   error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() error {
	return e.Err
}

// Generator holds a loaded tokenizer and model. It is safe for concurrent
// use when both collaborators are.
type Generator struct {
	tok     Tokenizer
	model   Model
	log     *logger.Logger
	rawText bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger used when the call context carries none.
func WithLogger(l *logger.Logger) Option {
	return func(g *Generator) {
		g.log = l
	}
}

// WithRawDecode keeps the decoded text as is. By default the spaces a
// word-level tokenizer puts before punctuation and contractions are removed.
func WithRawDecode() Option {
	return func(g *Generator) {
		g.rawText = true
	}
}

// New returns a Generator over a loaded tokenizer and model.
func New(tok Tokenizer, model Model, opts ...Option) *Generator {
	g := &Generator{tok: tok, model: model}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns one sampled continuation of prompt. The result starts with
// the decoded prompt and has at most opts.MaxLength tokens. Special tokens are
// removed from the output.
func (g *Generator) Generate(ctx context.Context, prompt string, opts Options) (text string, err error) {
	log := logger.FromContextOr(ctx, g.log).With("request_id", uuid.NewString())
	ctx = logger.WithContext(ctx, log)
	stage := StageValidate

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("generation panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			text, err = "", &GenerationError{Stage: stage, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if prompt == "" {
		return "", &GenerationError{Stage: stage, Err: ErrEmptyPrompt}
	}
	if err := opts.Validate(); err != nil {
		return "", &GenerationError{Stage: stage, Err: err}
	}

	stage = StageEncode
	ids, err := g.tok.Encode(prompt)
	if err != nil {
		return "", &GenerationError{Stage: stage, Err: err}
	}
	if len(ids) == 0 {
		return "", &GenerationError{Stage: stage, Err: ErrEmptyPrompt}
	}
	mask := make([]int, len(ids))
	for i := range mask {
		mask[i] = 1
	}

	stage = StageGenerate
	start := time.Now()
	log.Debugw("generating", "prompt_tokens", len(ids), "max_length", opts.MaxLength,
		"temperature", opts.Temperature, "top_p", opts.TopP, "top_k", opts.TopK, "seed", opts.Seed)
	seqs, err := g.model.Generate(ctx, ids, mask, opts.generateConfig(g.tok.EOSID()))
	if err != nil {
		return "", &GenerationError{Stage: stage, Err: err}
	}
	if len(seqs) == 0 {
		return "", &GenerationError{Stage: stage, Err: errors.New("model returned no sequences")}
	}
	out := seqs[0]
	log.Infow("generated", "tokens", len(out), "new_tokens", len(out)-len(ids),
		"elapsed", time.Since(start).Round(time.Millisecond))

	stage = StageDecode
	text, err = g.tok.Decode(out, true)
	if err != nil {
		return "", &GenerationError{Stage: stage, Err: err}
	}
	if !g.rawText {
		text = tokenizer.CleanUpTokenizationSpaces(text)
	}
	return text, nil
}
