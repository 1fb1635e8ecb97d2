package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpt2gen/internal/gpt2"
	"gpt2gen/internal/pretrained"
	"gpt2gen/internal/textgen"
	"gpt2gen/internal/tokenizer"
)

const tinyTokenizerJSON = `{
	"added_tokens": [{"id": 18, "content": "<|endoftext|>", "special": true}],
	"model": {
		"type": "BPE",
		"vocab": {"H": 0, "e": 1, "l": 2, "o": 3, ",": 4, "Ġ": 5, "w": 6, "r": 7, "d": 8,
			"He": 9, "ll": 10, "Hell": 11, "Hello": 12, "Ġw": 13, "or": 14, "Ġwor": 15,
			"ld": 16, "Ġworld": 17, "Ċ": 19},
		"merges": ["H e", "l l", "He ll", "Hell o", "Ġ w", "o r", "Ġw or", "l d", "Ġwor ld"]
	}
}`

// isolate keeps the host's config files out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("GPT2GEN_CONFIG_DIR", t.TempDir())
	t.Chdir(t.TempDir())
}

func tinyTokenizer(t *testing.T) *tokenizer.Encoder {
	t.Helper()
	tok, err := tokenizer.Parse([]byte(tinyTokenizerJSON))
	require.NoError(t, err)
	return tok
}

func tinyModel(t *testing.T) *gpt2.Model {
	t.Helper()
	m, err := gpt2.NewRandom(gpt2.Config{
		VocabSize:  20,
		NPositions: 128,
		NEmbd:      8,
		NLayer:     1,
		NHead:      2,
		LayerNormE: 1e-5,
		BOSTokenID: 18,
		EOSTokenID: 18,
	}, 11)
	require.NoError(t, err)
	return m
}

type failingModel struct{}

func (failingModel) Generate(context.Context, []int, []int, gpt2.GenerateConfig) ([][]int, error) {
	return nil, errors.New("out of memory")
}

type recordingGenerator struct {
	prompt string
	opts   textgen.Options
}

func (g *recordingGenerator) Generate(_ context.Context, prompt string, opts textgen.Options) (string, error) {
	g.prompt, g.opts = prompt, opts
	return prompt + "!", nil
}

func loaderFor(gen generator, got *pretrained.Options) loadFunc {
	return func(_ context.Context, opts pretrained.Options) (generator, error) {
		if got != nil {
			*got = opts
		}
		return gen, nil
	}
}

func execute(t *testing.T, load loadFunc, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), append([]string{"gpt2gen"}, args...), &out, &errOut, load)
	return code, out.String(), errOut.String()
}

func TestMissingPrompt(t *testing.T) {
	isolate(t)
	load := func(context.Context, pretrained.Options) (generator, error) {
		t.Fatal("model must not be loaded without a prompt")
		return nil, nil
	}

	code, stdout, stderr := execute(t, load)
	assert.Equal(t, exitFailure, code)
	assert.Empty(t, stdout)
	assert.Equal(t, "You must provide a prompt for text generation.\n", stderr)
}

func TestGenerateSuccess(t *testing.T) {
	isolate(t)
	var opts pretrained.Options
	gen := textgen.New(tinyTokenizer(t), tinyModel(t))

	code, stdout, stderr := execute(t, loaderFor(gen, &opts), "--seed", "3", "Hello, world")
	require.Equal(t, exitOK, code, stderr)
	assert.True(t, strings.HasPrefix(stdout, "Hello, world"), stdout)
	assert.True(t, strings.HasSuffix(stdout, "\n"))
	assert.NotContains(t, stdout, tokenizer.EndOfText)
	assert.Equal(t, "gpt2", opts.Model)

	_, again, _ := execute(t, loaderFor(gen, nil), "--seed", "3", "Hello, world")
	assert.Equal(t, stdout, again)
}

func TestExtraArgumentsAreIgnored(t *testing.T) {
	isolate(t)
	rec := &recordingGenerator{}

	code, stdout, _ := execute(t, loaderFor(rec, nil), "first", "second")
	require.Equal(t, exitOK, code)
	assert.Equal(t, "first", rec.prompt)
	assert.Equal(t, "first!\n", stdout)
}

func TestGenerationFailure(t *testing.T) {
	isolate(t)
	gen := textgen.New(tinyTokenizer(t), failingModel{})

	code, stdout, stderr := execute(t, loaderFor(gen, nil), "Hello")
	assert.Equal(t, exitFailure, code)
	assert.Empty(t, stdout)
	assert.True(t, strings.HasPrefix(stderr, "An error occurred: "), stderr)
	assert.Contains(t, stderr, "out of memory")
}

func TestInvalidTopP(t *testing.T) {
	isolate(t)
	gen := textgen.New(tinyTokenizer(t), tinyModel(t))

	code, stdout, stderr := execute(t, loaderFor(gen, nil), "--top-p", "1.5", "Hello")
	assert.Equal(t, exitFailure, code)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "An error occurred: ")
	assert.Contains(t, stderr, "top_p")
}

func TestLoadFailure(t *testing.T) {
	isolate(t)
	load := func(context.Context, pretrained.Options) (generator, error) {
		return nil, errors.New("config.json: no such file")
	}

	code, stdout, stderr := execute(t, load, "--model", "missing", "Hello")
	assert.Equal(t, exitLoadFailed, code)
	assert.Empty(t, stdout)
	assert.Equal(t, "failed to load model \"missing\": config.json: no such file\n", stderr)
}

func TestSettingsPrecedence(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("model: from-file\ntemperature: 1.2\ntop_k: 7\nmax_length: 40\n"), 0o644))
	t.Setenv("GPT2GEN_MAX_LENGTH", "30")

	rec := &recordingGenerator{}
	var opts pretrained.Options
	code, _, stderr := execute(t, loaderFor(rec, &opts),
		"--config", cfgPath, "--temperature", "0.3", "--top-p", "0.5", "Hello")
	require.Equal(t, exitOK, code, stderr)

	assert.Equal(t, "from-file", opts.Model)
	assert.Equal(t, textgen.Options{
		MaxLength:   30,
		Temperature: 0.3,
		TopP:        0.5,
		TopK:        7,
		Seed:        -1,
	}, rec.opts)
}

func TestBadLogLevel(t *testing.T) {
	isolate(t)
	code, _, stderr := execute(t, loaderFor(&recordingGenerator{}, nil), "--log-level", "loud", "Hello")
	assert.Equal(t, exitFailure, code)
	assert.Contains(t, stderr, "loud")
}

func TestHelpIsAPrompt(t *testing.T) {
	isolate(t)
	rec := &recordingGenerator{}

	code, stdout, stderr := execute(t, loaderFor(rec, nil), "help")
	require.Equal(t, exitOK, code, stderr)
	assert.Equal(t, "help", rec.prompt)
	assert.Equal(t, "help!\n", stdout)
}

func TestBadFlagValue(t *testing.T) {
	isolate(t)
	load := func(context.Context, pretrained.Options) (generator, error) {
		t.Fatal("model must not be loaded after a usage error")
		return nil, nil
	}

	code, stdout, stderr := execute(t, load, "--top-p", "abc", "Hello")
	assert.Equal(t, exitFailure, code)
	assert.Empty(t, stdout)
	assert.Equal(t, 1, strings.Count(stderr, "\n"), stderr)
	assert.Contains(t, stderr, "abc")
	assert.NotContains(t, stderr, "Incorrect Usage")
}
