package pretrained

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpt2gen/internal/gpt2"
)

const tinyConfigJSON = `{
	"model_type": "gpt2",
	"activation_function": "gelu_new",
	"vocab_size": 24,
	"n_positions": 16,
	"n_embd": 8,
	"n_layer": 1,
	"n_head": 2,
	"bos_token_id": 18,
	"eos_token_id": 18
}`

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

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func modelDir(t *testing.T) (string, *gpt2.Model) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, configFile, tinyConfigJSON)
	writeFile(t, dir, tokenizerFile, tinyTokenizerJSON)

	cfg, err := gpt2.ParseConfig([]byte(tinyConfigJSON))
	require.NoError(t, err)
	m, err := gpt2.NewRandom(cfg, 7)
	require.NoError(t, err)

	f, err := os.Create(filepath.Join(dir, safetensorsFile))
	require.NoError(t, err)
	require.NoError(t, m.WriteSafetensors(f, ""))
	require.NoError(t, f.Close())
	return dir, m
}

func TestLoadLocalDirectory(t *testing.T) {
	t.Parallel()
	dir, m := modelDir(t)

	b, err := Load(context.Background(), Options{Model: dir})
	require.NoError(t, err)
	assert.Equal(t, 24, b.Config.VocabSize)
	assert.Equal(t, 18, b.Tokenizer.EOSID())
	assert.Equal(t, m.NumParams(), b.Model.NumParams())

	ids, err := b.Tokenizer.Encode("Hello, world")
	require.NoError(t, err)
	logits, err := b.Model.Forward(ids, nil)
	require.NoError(t, err)
	want, err := m.Forward(ids, nil)
	require.NoError(t, err)
	assert.InDelta(t, want.At(2, 5), logits.At(2, 5), 1e-4)
}

func TestLoadFallsBackToBinaryWeights(t *testing.T) {
	t.Parallel()
	dir, m := modelDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, safetensorsFile)))
	writeFile(t, dir, binaryFile, string(make([]byte, 4*m.NumParams())))

	b, err := Load(context.Background(), Options{Model: dir})
	require.NoError(t, err)
	assert.Zero(t, b.Model.WTE.At(0, 0))
}

func TestLoadMissingFiles(t *testing.T) {
	t.Parallel()

	dir, _ := modelDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, configFile)))
	_, err := Load(context.Background(), Options{Model: dir})
	require.ErrorContains(t, err, configFile)

	dir, _ = modelDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, tokenizerFile)))
	_, err = Load(context.Background(), Options{Model: dir})
	require.ErrorContains(t, err, tokenizerFile)

	dir, _ = modelDir(t)
	require.NoError(t, os.Remove(filepath.Join(dir, safetensorsFile)))
	_, err = Load(context.Background(), Options{Model: dir})
	require.ErrorContains(t, err, binaryFile)
}

func TestLoadRejectsTokenizerLargerThanModel(t *testing.T) {
	t.Parallel()
	dir, _ := modelDir(t)
	writeFile(t, dir, configFile, `{"vocab_size": 10, "n_positions": 16, "n_embd": 8, "n_layer": 1, "n_head": 2}`)

	_, err := Load(context.Background(), Options{Model: dir})
	require.ErrorContains(t, err, "model vocabulary is 10")
}

func TestLoadHonorsCancellation(t *testing.T) {
	t.Parallel()
	dir, _ := modelDir(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Load(ctx, Options{Model: dir})
	require.ErrorIs(t, err, context.Canceled)
}
