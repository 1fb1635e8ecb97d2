// Package pretrained resolves a model identifier to GPT-2 files on disk and
// loads the tokenizer and weights from them.
package pretrained

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"

	"gpt2gen/internal/gpt2"
	"gpt2gen/internal/logger"
	"gpt2gen/internal/tokenizer"
)

const (
	// DefaultModel is the Hub repo loaded when no model is given.
	DefaultModel = "gpt2"

	configFile      = "config.json"
	tokenizerFile   = "tokenizer.json"
	safetensorsFile = "model.safetensors"
	binaryFile      = "model.bin"
)

// Options selects the model to load.
type Options struct {
	// Model is a local directory or a Hugging Face Hub repo id.
	Model string
	// CacheDir overrides the Hugging Face cache location.
	CacheDir string
	// HFToken authenticates Hub downloads.
	HFToken string
	// ProgressBar shows download progress on the terminal.
	ProgressBar bool
}

// Bundle is a tokenizer and model loaded from the same identifier.
type Bundle struct {
	Tokenizer *tokenizer.Encoder
	Model     *gpt2.Model
	Config    gpt2.Config
}

// source hands out local paths for files of one model.
type source interface {
	File(name string) (string, error)
	String() string
}

type localDir string

func (d localDir) File(name string) (string, error) {
	path := filepath.Join(string(d), name)
	if _, err := os.Stat(path); err != nil {
		return "", err
	}
	return path, nil
}

func (d localDir) String() string { return string(d) }

type hubRepo struct {
	id   string
	repo *hub.Repo
}

func (h *hubRepo) File(name string) (string, error) {
	return h.repo.DownloadFile(name)
}

func (h *hubRepo) String() string { return "hf://" + h.id }

func resolve(opts Options) (source, error) {
	if info, err := os.Stat(opts.Model); err == nil && info.IsDir() {
		return localDir(opts.Model), nil
	}
	repo := hub.New(opts.Model).WithProgressBar(opts.ProgressBar)
	if opts.CacheDir != "" {
		repo = repo.WithCacheDir(opts.CacheDir)
	}
	if opts.HFToken != "" {
		repo = repo.WithAuth(opts.HFToken)
	}
	if err := repo.DownloadInfo(false); err != nil {
		return nil, fmt.Errorf("resolve %s on the Hugging Face Hub: %w", opts.Model, err)
	}
	return &hubRepo{id: opts.Model, repo: repo}, nil
}

// Load resolves opts.Model and loads its config, tokenizer and weights.
func Load(ctx context.Context, opts Options) (*Bundle, error) {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	src, err := resolve(opts)
	if err != nil {
		return nil, err
	}
	return load(ctx, src)
}

func load(ctx context.Context, src source) (*Bundle, error) {
	log := logger.FromContext(ctx).With("model", src.String())
	start := time.Now()

	cfgPath, err := src.File(configFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", configFile, err)
	}
	cfg, err := gpt2.LoadConfig(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cfgPath, err)
	}

	tokPath, err := src.File(tokenizerFile)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tokenizerFile, err)
	}
	tok, err := tokenizer.NewEncoder(tokPath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", tokPath, err)
	}
	if tok.VocabSize() > cfg.VocabSize {
		return nil, fmt.Errorf("%s: tokenizer has %d tokens, model vocabulary is %d", tokPath, tok.VocabSize(), cfg.VocabSize)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	weightsPath, model, err := loadWeights(src, cfg)
	if err != nil {
		return nil, err
	}

	var size uint64
	if info, err := os.Stat(weightsPath); err == nil {
		size = uint64(info.Size())
	}
	log.Infow("model loaded",
		"weights", weightsPath,
		"params", humanize.Comma(int64(model.NumParams())),
		"size", humanize.IBytes(size),
		"elapsed", time.Since(start).Round(time.Millisecond))

	return &Bundle{Tokenizer: tok, Model: model, Config: cfg}, nil
}

func loadWeights(src source, cfg gpt2.Config) (string, *gpt2.Model, error) {
	path, err := src.File(safetensorsFile)
	if err == nil {
		m, err := gpt2.LoadSafetensors(path, cfg)
		return path, m, err
	}
	if _, local := src.(localDir); !local || !errors.Is(err, fs.ErrNotExist) {
		return "", nil, fmt.Errorf("%s: %w", safetensorsFile, err)
	}
	path, err = src.File(binaryFile)
	if err != nil {
		return "", nil, fmt.Errorf("no %s or %s in %s: %w", safetensorsFile, binaryFile, src, err)
	}
	m, err := gpt2.LoadBinary(path, cfg)
	return path, m, err
}
