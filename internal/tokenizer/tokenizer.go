// Package tokenizer implements the GPT-2 byte-level BPE tokenizer on top of a
// Hugging Face tokenizer.json file.
package tokenizer

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jellydator/ttlcache/v3"
)

// EndOfText is the GPT-2 end-of-sequence marker.
const EndOfText = "<|endoftext|>"

// cacheCapacity bounds the number of memoized BPE words.
const cacheCapacity = 1 << 16

// Encoder converts between text and GPT-2 token ids. It is immutable after
// construction apart from its internal cache and is safe for concurrent use.
type Encoder struct {
	encoder     map[string]int
	decoder     map[int]string
	byteEncoder map[byte]rune
	byteDecoder map[rune]byte
	bpeRanks    map[[2]string]int
	cache       *ttlcache.Cache[string, []string]
	pat         *regexp.Regexp

	special     map[int]bool
	specialText []string // longest first
	eosID       int
}

// tokenizerFile is the subset of tokenizer.json this package reads.
type tokenizerFile struct {
	Model struct {
		Type   string         `json:"type"`
		Vocab  map[string]int `json:"vocab"`
		Merges []any          `json:"merges"`
	} `json:"model"`
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// spaceClass is Unicode whitespace as matched by the upstream pattern. Go's
// \s only covers ASCII.
const spaceClass = `\t\n\v\f\r\x{1c}-\x{1f}\x{85}\p{Z}`

// GPT-2 pre-tokenizer. The upstream pattern ends in \s+(?!\S); Go regexp has no
// lookahead, so pretokenize emulates it by giving back the last whitespace rune.
var gpt2Pattern = regexp.MustCompile(`'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^` +
	spaceClass + `\p{L}\p{N}]+|[` + spaceClass + `]+`)

// NewEncoder loads a tokenizer.json file.
func NewEncoder(tokenizerPath string) (*Encoder, error) {
	file, err := os.ReadFile(tokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tokenizer file: %w", err)
	}
	return Parse(file)
}

// Parse builds an Encoder from the contents of a tokenizer.json file.
func Parse(data []byte) (*Encoder, error) {
	var tf tokenizerFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("failed to parse tokenizer JSON: %w", err)
	}
	if tf.Model.Type != "" && !strings.EqualFold(tf.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model %q", tf.Model.Type)
	}
	if len(tf.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer has an empty vocabulary")
	}

	encoderMap := make(map[string]int, len(tf.Model.Vocab)+len(tf.AddedTokens))
	for tok, id := range tf.Model.Vocab {
		encoderMap[tok] = id
	}

	// Build BPE ranks from merges. Older files store "a b" strings, newer
	// ones ["a", "b"] pairs.
	bpeRanks := make(map[[2]string]int, len(tf.Model.Merges))
	for i, raw := range tf.Model.Merges {
		var pair [2]string
		switch v := raw.(type) {
		case string:
			parts := strings.Fields(v)
			if len(parts) != 2 {
				return nil, fmt.Errorf("merge %d: malformed entry %q", i, v)
			}
			pair = [2]string{parts[0], parts[1]}
		case []any:
			if len(v) != 2 {
				return nil, fmt.Errorf("merge %d: want 2 parts, got %d", i, len(v))
			}
			a, okA := v[0].(string)
			b, okB := v[1].(string)
			if !okA || !okB {
				return nil, fmt.Errorf("merge %d: non-string part", i)
			}
			pair = [2]string{a, b}
		default:
			return nil, fmt.Errorf("merge %d: unexpected type %T", i, raw)
		}
		if _, ok := bpeRanks[pair]; !ok {
			bpeRanks[pair] = i
		}
	}

	special := make(map[int]bool)
	var specialText []string
	for _, at := range tf.AddedTokens {
		encoderMap[at.Content] = at.ID
		if at.Special {
			special[at.ID] = true
			specialText = append(specialText, at.Content)
		}
	}
	// longest-match first
	sort.SliceStable(specialText, func(i, j int) bool {
		return len(specialText[i]) > len(specialText[j])
	})

	decoderMap := make(map[int]string, len(encoderMap))
	for k, v := range encoderMap {
		decoderMap[v] = k
	}

	eosID := -1
	if id, ok := encoderMap[EndOfText]; ok {
		eosID = id
	}

	byteEncoder, byteDecoder := bytesToUnicode()

	cache := ttlcache.New[string, []string](
		ttlcache.WithCapacity[string, []string](cacheCapacity),
		ttlcache.WithDisableTouchOnHit[string, []string](),
	)

	return &Encoder{
		encoder:     encoderMap,
		decoder:     decoderMap,
		byteEncoder: byteEncoder,
		byteDecoder: byteDecoder,
		bpeRanks:    bpeRanks,
		cache:       cache,
		pat:         gpt2Pattern,
		special:     special,
		specialText: specialText,
		eosID:       eosID,
	}, nil
}

// Encode converts text into token ids. Special token literals such as
// <|endoftext|> are mapped directly to their ids.
func (e *Encoder) Encode(text string) ([]int, error) {
	if text == "" {
		return []int{}, nil
	}

	var bpeTokens []int
	for _, part := range splitSpecials(text, e.specialText) {
		if part.isSpecial {
			bpeTokens = append(bpeTokens, e.encoder[part.text])
			continue
		}
		for _, token := range e.pretokenize(part.text) {
			// Convert token bytes to unicode using byte encoder
			var encodedToken strings.Builder
			for _, b := range []byte(token) {
				encodedToken.WriteRune(e.byteEncoder[b])
			}

			for _, bpeToken := range e.bpe(encodedToken.String()) {
				tokenID, ok := e.encoder[bpeToken]
				if !ok {
					return nil, fmt.Errorf("unknown token %q", bpeToken)
				}
				bpeTokens = append(bpeTokens, tokenID)
			}
		}
	}

	return bpeTokens, nil
}

// Decode converts token ids back to text. With skipSpecial set, ids of
// special tokens are dropped. Each ill-formed UTF-8 sequence is replaced with
// one U+FFFD.
func (e *Encoder) Decode(tokens []int, skipSpecial bool) (string, error) {
	if len(tokens) == 0 {
		return "", nil
	}

	var decodedBytes []byte
	for _, token := range tokens {
		if skipSpecial && e.special[token] {
			continue
		}
		tokenStr, ok := e.decoder[token]
		if !ok {
			return "", fmt.Errorf("unknown token id %d", token)
		}
		// Convert unicode back to bytes
		for _, r := range tokenStr {
			if b, ok := e.byteDecoder[r]; ok {
				decodedBytes = append(decodedBytes, b)
			} else {
				decodedBytes = append(decodedBytes, string(r)...)
			}
		}
	}

	return replaceInvalidUTF8(decodedBytes), nil
}

// VocabSize returns the number of distinct token ids.
func (e *Encoder) VocabSize() int {
	return len(e.decoder)
}

// EOSID returns the id of <|endoftext|>, or -1 when the vocabulary lacks it.
func (e *Encoder) EOSID() int {
	return e.eosID
}

// IsSpecial reports whether id is a special (control) token.
func (e *Encoder) IsSpecial(id int) bool {
	return e.special[id]
}

// TokenToID returns the id of a byte-level token string.
func (e *Encoder) TokenToID(token string) (int, bool) {
	id, ok := e.encoder[token]
	return id, ok
}

// IDToToken returns the byte-level token string of id.
func (e *Encoder) IDToToken(id int) (string, bool) {
	token, ok := e.decoder[id]
	return token, ok
}

// pretokenize splits text the way the GPT-2 regex does. A whitespace run that
// is followed by more text gives its last rune back so the next word keeps
// its leading space.
func (e *Encoder) pretokenize(text string) []string {
	var out []string
	for pos := 0; pos < len(text); {
		loc := e.pat.FindStringIndex(text[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if end < len(text) && isSpaceRun(text[start:end]) {
			if _, size := lastRune(text[start:end]); size < end-start {
				end -= size
			}
		}
		out = append(out, text[start:end])
		pos = end
	}
	return out
}
