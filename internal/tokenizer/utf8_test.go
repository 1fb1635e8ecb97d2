package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReplaceInvalidUTF8(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{"valid", []byte("héllo"), "héllo"},
		{"invalid lead bytes", []byte{0xff, 0xfe}, "��"},
		{"stray continuations", []byte{'a', 0x80, 0x80}, "a��"},
		{"truncated sequence", []byte{'a', 0xe2, 0x82, 'b'}, "a�b"},
		{"truncated at end", []byte{0xe2, 0x82}, "�"},
		{"truncated four byte", []byte{0xf0, 0x9f, 0x98, 'x'}, "�x"},
		{"surrogate", []byte{0xed, 0xa0, 0x80}, "���"},
		{"literal replacement char", []byte("�"), "�"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, replaceInvalidUTF8(tt.in), tt.name)
	}
}

func TestCleanUpTokenizationSpaces(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"Hello , world .":            "Hello, world.",
		"I do n't know ! Why ?":      "I don't know! Why?",
		"it 's what we 're used to": "it's what we're used to",
		"I 'm sure they 've gone":    "I'm sure they've gone",
		"rock ' n roll":              "rock'n roll",
		"no change here":             "no change here",
	}
	for in, want := range tests {
		assert.Equal(t, want, CleanUpTokenizationSpaces(in), in)
	}
}
