package tokenizer

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jellydator/ttlcache/v3"
)

func bytesToUnicode() (map[byte]rune, map[rune]byte) {
	// Create the standard GPT-2 byte-to-unicode mapping
	bs := []int{}

	// Add printable ASCII characters
	for i := int('!'); i <= int('~'); i++ {
		bs = append(bs, i)
	}
	// Add Latin-1 supplement characters
	for i := int('¡'); i <= int('¬'); i++ {
		bs = append(bs, i)
	}
	for i := int('®'); i <= int('ÿ'); i++ {
		bs = append(bs, i)
	}

	printable := make(map[int]bool, len(bs))
	for _, b := range bs {
		printable[b] = true
	}
	cs := make([]int, len(bs))
	copy(cs, bs)

	// Add remaining bytes, mapping them to unused Unicode points
	n := 0
	for b := 0; b < 256; b++ {
		if !printable[b] {
			bs = append(bs, b)
			cs = append(cs, 256+n)
			n++
		}
	}

	byteEncoder := make(map[byte]rune, len(bs))
	byteDecoder := make(map[rune]byte, len(bs))
	for i, b := range bs {
		byteEncoder[byte(b)] = rune(cs[i])
		byteDecoder[rune(cs[i])] = byte(b)
	}

	return byteEncoder, byteDecoder
}

func getPairs(word []string) [][2]string {
	if len(word) < 2 {
		return nil
	}
	pairs := make([][2]string, 0, len(word)-1)
	for i := 0; i < len(word)-1; i++ {
		pairs = append(pairs, [2]string{word[i], word[i+1]})
	}
	return pairs
}

// bpe applies the merge table to a byte-encoded token and returns its pieces.
func (e *Encoder) bpe(token string) []string {
	if item := e.cache.Get(token); item != nil {
		return item.Value()
	}

	word := make([]string, 0, len(token))
	for _, r := range token {
		word = append(word, string(r))
	}

	pairs := getPairs(word)
	for len(pairs) > 0 {
		// Find the pair with the lowest rank (highest priority merge)
		minRank := math.MaxInt
		var bigram [2]string
		found := false
		for _, pair := range pairs {
			if rank, ok := e.bpeRanks[pair]; ok && rank < minRank {
				minRank = rank
				bigram = pair
				found = true
			}
		}
		if !found {
			break
		}

		first, second := bigram[0], bigram[1]
		newWord := make([]string, 0, len(word))
		for i := 0; i < len(word); {
			if i < len(word)-1 && word[i] == first && word[i+1] == second {
				newWord = append(newWord, first+second)
				i += 2
				continue
			}
			newWord = append(newWord, word[i])
			i++
		}

		word = newWord
		if len(word) == 1 {
			break
		}
		pairs = getPairs(word)
	}

	e.cache.Set(token, word, ttlcache.DefaultTTL)
	return word
}

type textPart struct {
	text      string
	isSpecial bool
}

func splitSpecials(text string, specials []string) []textPart {
	if len(specials) == 0 {
		return []textPart{{text: text}}
	}
	var parts []textPart
	var buf strings.Builder
	for i := 0; i < len(text); {
		match := ""
		for _, sp := range specials {
			if sp != "" && strings.HasPrefix(text[i:], sp) {
				match = sp
				break
			}
		}
		if match != "" {
			if buf.Len() > 0 {
				parts = append(parts, textPart{text: buf.String()})
				buf.Reset()
			}
			parts = append(parts, textPart{text: match, isSpecial: true})
			i += len(match)
			continue
		}
		buf.WriteByte(text[i])
		i++
	}
	if buf.Len() > 0 {
		parts = append(parts, textPart{text: buf.String()})
	}
	return parts
}

// isSpaceRun reports whether s consists only of whitespace runes.
func isSpaceRun(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !isSpace(r) {
			return false
		}
	}
	return true
}

// isSpace matches spaceClass: unicode.IsSpace plus the ASCII separators
// U+001C..U+001F.
func isSpace(r rune) bool {
	return unicode.IsSpace(r) || (r >= 0x1c && r <= 0x1f)
}

func lastRune(s string) (rune, int) {
	return utf8.DecodeLastRuneInString(s)
}
