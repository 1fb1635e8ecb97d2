package gpt2

import (
	"errors"
	"fmt"
	"os"

	"github.com/goccy/go-json"
)

// Config holds the GPT-2 hyper-parameters read from a Hugging Face
// config.json.
type Config struct {
	VocabSize  int
	NPositions int
	NEmbd      int
	NLayer     int
	NHead      int
	LayerNormE float64
	BOSTokenID int
	EOSTokenID int
}

// DefaultConfig returns the hyper-parameters of GPT-2 small (124M).
func DefaultConfig() Config {
	return Config{
		VocabSize:  50257,
		NPositions: 1024,
		NEmbd:      768,
		NLayer:     12,
		NHead:      12,
		LayerNormE: 1e-5,
		BOSTokenID: 50256,
		EOSTokenID: 50256,
	}
}

type configJSON struct {
	ModelType  string   `json:"model_type"`
	Activation string   `json:"activation_function"`
	VocabSize  *int     `json:"vocab_size"`
	NPositions *int     `json:"n_positions"`
	NCtx       *int     `json:"n_ctx"`
	NEmbd      *int     `json:"n_embd"`
	NLayer     *int     `json:"n_layer"`
	NHead      *int     `json:"n_head"`
	LayerNormE *float64 `json:"layer_norm_epsilon"`
	BOSTokenID *int     `json:"bos_token_id"`
	EOSTokenID *int     `json:"eos_token_id"`
}

// LoadConfig reads a config.json file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read model config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses config.json contents. Missing fields keep the GPT-2
// small defaults.
func ParseConfig(data []byte) (Config, error) {
	var raw configJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse model config: %w", err)
	}
	if raw.ModelType != "" && raw.ModelType != "gpt2" {
		return Config{}, fmt.Errorf("unsupported model_type %q", raw.ModelType)
	}
	if raw.Activation != "" && raw.Activation != "gelu_new" {
		return Config{}, fmt.Errorf("unsupported activation_function %q", raw.Activation)
	}

	cfg := DefaultConfig()
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&cfg.VocabSize, raw.VocabSize)
	setInt(&cfg.NPositions, raw.NCtx)
	setInt(&cfg.NPositions, raw.NPositions)
	setInt(&cfg.NEmbd, raw.NEmbd)
	setInt(&cfg.NLayer, raw.NLayer)
	setInt(&cfg.NHead, raw.NHead)
	setInt(&cfg.BOSTokenID, raw.BOSTokenID)
	setInt(&cfg.EOSTokenID, raw.EOSTokenID)
	if raw.LayerNormE != nil {
		cfg.LayerNormE = *raw.LayerNormE
	}
	return cfg, cfg.Validate()
}

// Validate checks that the hyper-parameters describe a buildable model.
func (c Config) Validate() error {
	var errs []error
	if c.VocabSize <= 0 {
		errs = append(errs, fmt.Errorf("vocab_size must be positive, got %d", c.VocabSize))
	}
	if c.NPositions <= 0 {
		errs = append(errs, fmt.Errorf("n_positions must be positive, got %d", c.NPositions))
	}
	if c.NLayer <= 0 {
		errs = append(errs, fmt.Errorf("n_layer must be positive, got %d", c.NLayer))
	}
	if c.NHead <= 0 || c.NEmbd <= 0 || c.NEmbd%c.NHead != 0 {
		errs = append(errs, fmt.Errorf("n_embd (%d) must be a positive multiple of n_head (%d)", c.NEmbd, c.NHead))
	}
	if c.LayerNormE <= 0 {
		errs = append(errs, fmt.Errorf("layer_norm_epsilon must be positive, got %g", c.LayerNormE))
	}
	return errors.Join(errs...)
}

// HeadDim is the width of a single attention head.
func (c Config) HeadDim() int {
	return c.NEmbd / c.NHead
}
