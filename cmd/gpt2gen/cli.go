package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap/zapcore"

	"gpt2gen/internal/config"
	"gpt2gen/internal/logger"
	"gpt2gen/internal/pretrained"
	"gpt2gen/internal/textgen"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitLoadFailed = 2

	missingPromptMessage = "You must provide a prompt for text generation."
)

var errMissingPrompt = errors.New("missing prompt")

// loadError marks a failure to load the model or tokenizer.
type loadError struct {
	model string
	err   error
}

func (e *loadError) Error() string {
	return fmt.Sprintf("failed to load model %q: %v", e.model, e.err)
}

func (e *loadError) Unwrap() error { return e.err }

type generator interface {
	Generate(ctx context.Context, prompt string, opts textgen.Options) (string, error)
}

type loadFunc func(ctx context.Context, opts pretrained.Options) (generator, error)

func loadGenerator(ctx context.Context, opts pretrained.Options) (generator, error) {
	b, err := pretrained.Load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return textgen.New(b.Tokenizer, b.Model), nil
}

// run executes the command line in args and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, load loadFunc) int {
	err := newCommand(stdout, stderr, load).Run(ctx, args)

	var genErr *textgen.GenerationError
	var loadErr *loadError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errMissingPrompt):
		_, _ = fmt.Fprintln(stderr, missingPromptMessage)
		return exitFailure
	case errors.As(err, &genErr):
		_, _ = fmt.Fprintf(stderr, "An error occurred: %v\n", genErr)
		return exitFailure
	case errors.As(err, &loadErr):
		_, _ = fmt.Fprintln(stderr, loadErr)
		return exitLoadFailed
	default:
		_, _ = fmt.Fprintln(stderr, err)
		return exitFailure
	}
}

func newCommand(stdout, stderr io.Writer, load loadFunc) *cli.Command {
	defaults := config.Defaults()
	return &cli.Command{
		Name:      "gpt2gen",
		Usage:     "generate text with a pretrained GPT-2 model",
		ArgsUsage: "<prompt>",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "model",
				Aliases: []string{"m"},
				Usage:   "local model directory or Hugging Face repo id",
				Value:   defaults.Model,
			},
			&cli.StringFlag{
				Name:  "cache-dir",
				Usage: "Hugging Face cache directory",
			},
			&cli.IntFlag{
				Name:  "max-length",
				Usage: "maximum length of the result in tokens, prompt included",
				Value: defaults.MaxLength,
			},
			&cli.Float64Flag{
				Name:  "temperature",
				Usage: "sampling temperature",
				Value: defaults.Temperature,
			},
			&cli.Float64Flag{
				Name:  "top-p",
				Usage: "nucleus sampling probability mass",
				Value: defaults.TopP,
			},
			&cli.IntFlag{
				Name:  "top-k",
				Usage: "sample from the K most likely tokens (0 disables)",
				Value: defaults.TopK,
			},
			&cli.Int64Flag{
				Name:  "seed",
				Usage: "random seed (negative for a random seed)",
				Value: defaults.Seed,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a config.yaml or config.toml file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug, info, warn, error)",
				Value: defaults.LogLevel,
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (console, json)",
				Value: defaults.LogFormat,
			},
		},
		// The only positional argument is the prompt, even when it reads "help".
		HideHelpCommand: true,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return generate(ctx, cmd, stdout, stderr, load)
		},
		// run reports every error on stderr; stdout is for generated text.
		OnUsageError: func(_ context.Context, _ *cli.Command, err error, _ bool) error {
			return err
		},
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

func generate(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer, load loadFunc) error {
	if cmd.Args().Len() == 0 {
		return errMissingPrompt
	}
	prompt := cmd.Args().First()

	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	applyFlags(cmd, &cfg)

	log, err := logger.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	ctx = logger.WithContext(ctx, log)

	lvl, _ := logger.ParseLevel(cfg.LogLevel)
	gen, err := load(ctx, pretrained.Options{
		Model:       cfg.Model,
		CacheDir:    cfg.CacheDir,
		HFToken:     cfg.HFToken,
		ProgressBar: lvl <= zapcore.InfoLevel,
	})
	if err != nil {
		return &loadError{model: cfg.Model, err: err}
	}

	text, err := gen.Generate(ctx, prompt, textgen.Options{
		MaxLength:   cfg.MaxLength,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		TopK:        cfg.TopK,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, text)
	return err
}

// applyFlags overrides cfg with the flags given on the command line.
func applyFlags(cmd *cli.Command, cfg *config.Config) {
	if cmd.IsSet("model") {
		cfg.Model = cmd.String("model")
	}
	if cmd.IsSet("cache-dir") {
		cfg.CacheDir = cmd.String("cache-dir")
	}
	if cmd.IsSet("max-length") {
		cfg.MaxLength = cmd.Int("max-length")
	}
	if cmd.IsSet("temperature") {
		cfg.Temperature = cmd.Float64("temperature")
	}
	if cmd.IsSet("top-p") {
		cfg.TopP = cmd.Float64("top-p")
	}
	if cmd.IsSet("top-k") {
		cfg.TopK = cmd.Int("top-k")
	}
	if cmd.IsSet("seed") {
		cfg.Seed = cmd.Int64("seed")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
}
