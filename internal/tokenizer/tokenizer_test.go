package tokenizer

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tinyVocab = `{
	"H": 0, "e": 1, "l": 2, "o": 3, ",": 4, "Ġ": 5, "w": 6, "r": 7, "d": 8,
	"He": 9, "ll": 10, "Hell": 11, "Hello": 12, "Ġw": 13, "or": 14, "Ġwor": 15,
	"ld": 16, "Ġworld": 17, "Ċ": 19
}`

const tinyAdded = `[{"id": 18, "content": "<|endoftext|>", "special": true}]`

func tinyTokenizerJSON(merges string) string {
	return `{
	"version": "1.0",
	"added_tokens": ` + tinyAdded + `,
	"model": {"type": "BPE", "vocab": ` + tinyVocab + `, "merges": ` + merges + `}
}`
}

const stringMerges = `["H e", "l l", "He ll", "Hell o", "Ġ w", "o r", "Ġw or", "l d", "Ġwor ld"]`

const pairMerges = `[["H","e"],["l","l"],["He","ll"],["Hell","o"],["Ġ","w"],["o","r"],["Ġw","or"],["l","d"],["Ġwor","ld"]]`

func newTiny(t *testing.T) *Encoder {
	t.Helper()
	enc, err := Parse([]byte(tinyTokenizerJSON(stringMerges)))
	require.NoError(t, err)
	return enc
}

func TestEncodeDecode(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)

	tests := []struct {
		text string
		ids  []int
	}{
		{"Hello", []int{12}},
		{"Hello, world", []int{12, 4, 17}},
		{"Hello  world", []int{12, 5, 17}},
		{"Hello\n", []int{12, 19}},
		{"Hello<|endoftext|>", []int{12, 18}},
		{"", []int{}},
	}
	for _, tt := range tests {
		ids, err := enc.Encode(tt.text)
		require.NoError(t, err, tt.text)
		assert.Equal(t, tt.ids, ids, tt.text)

		text, err := enc.Decode(ids, false)
		require.NoError(t, err)
		assert.Equal(t, tt.text, text)
	}
}

func TestDecodeSkipsSpecialTokens(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)

	text, err := enc.Decode([]int{12, 18, 4, 18}, true)
	require.NoError(t, err)
	assert.Equal(t, "Hello,", text)

	text, err = enc.Decode([]int{12, 18}, false)
	require.NoError(t, err)
	assert.Equal(t, "Hello<|endoftext|>", text)
}

func TestPairMergesMatchStringMerges(t *testing.T) {
	t.Parallel()
	a := newTiny(t)
	b, err := Parse([]byte(tinyTokenizerJSON(pairMerges)))
	require.NoError(t, err)

	for _, s := range []string{"Hello, world", "Hello  world"} {
		want, err := a.Encode(s)
		require.NoError(t, err)
		got, err := b.Encode(s)
		require.NoError(t, err)
		assert.Equal(t, want, got, s)
	}
}

func TestErrors(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)

	_, err := enc.Encode("zebra")
	require.ErrorContains(t, err, "unknown token")

	_, err = enc.Decode([]int{12, 999}, true)
	require.ErrorContains(t, err, "unknown token id 999")

	_, err = Parse([]byte(`{"model": {"type": "WordPiece", "vocab": {"a": 0}}}`))
	require.ErrorContains(t, err, "unsupported tokenizer model")

	_, err = Parse([]byte(`{"model": {"type": "BPE", "vocab": {}}}`))
	require.ErrorContains(t, err, "empty vocabulary")

	_, err = Parse([]byte(`{"model": {"type": "BPE", "vocab": {"a": 0}, "merges": ["a"]}}`))
	require.ErrorContains(t, err, "malformed")

	_, err = Parse([]byte(`not json`))
	require.Error(t, err)
}

func TestAccessors(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)

	assert.Equal(t, 18, enc.EOSID())
	assert.True(t, enc.IsSpecial(18))
	assert.False(t, enc.IsSpecial(12))
	assert.Equal(t, 20, enc.VocabSize())

	id, ok := enc.TokenToID("Ġworld")
	assert.True(t, ok)
	assert.Equal(t, 17, id)

	tok, ok := enc.IDToToken(12)
	assert.True(t, ok)
	assert.Equal(t, "Hello", tok)
}

func TestNewEncoderFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "tokenizer.json")
	require.NoError(t, os.WriteFile(path, []byte(tinyTokenizerJSON(stringMerges)), 0o644))

	enc, err := NewEncoder(path)
	require.NoError(t, err)
	ids, err := enc.Encode("Hello, world")
	require.NoError(t, err)
	assert.Equal(t, []int{12, 4, 17}, ids)

	_, err = NewEncoder(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestConcurrentEncode(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				ids, err := enc.Encode("Hello, world")
				assert.NoError(t, err)
				assert.Equal(t, []int{12, 4, 17}, ids)
			}
		}()
	}
	wg.Wait()
}

func TestBytesToUnicode(t *testing.T) {
	t.Parallel()
	be, bd := bytesToUnicode()
	require.Len(t, be, 256)
	require.Len(t, bd, 256)
	assert.Equal(t, 'Ġ', be[' '])
	assert.Equal(t, 'Ċ', be['\n'])
	assert.Equal(t, 'A', be['A'])
	for b, r := range be {
		assert.Equal(t, b, bd[r])
	}
}

func TestPretokenizeKeepsLeadingSpace(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)
	got := enc.pretokenize("a   b\t\nc ")
	assert.Equal(t, []string{"a", "  ", " b", "\t", "\n", "c", " "}, got)
	assert.Equal(t, "a   b\t\nc ", strings.Join(got, ""))
}

func TestPretokenizeUnicodeWhitespace(t *testing.T) {
	t.Parallel()
	enc := newTiny(t)

	tests := []struct {
		text string
		want []string
	}{
		{"a\u00a0\u00a0b", []string{"a", "\u00a0", "\u00a0", "b"}},
		{"x\v\vy", []string{"x", "\v", "\v", "y"}},
		{"a\u3000 b", []string{"a", "\u3000", " b"}},
		{"a\u2003\u2003", []string{"a", "\u2003\u2003"}},
		{"a\u0085b", []string{"a", "\u0085", "b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, enc.pretokenize(tt.text), "%q", tt.text)
	}
}
