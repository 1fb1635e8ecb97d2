package gpt2

import (
	"fmt"
	"io"

	"gonum.org/v1/gonum/mat"

	"gpt2gen/internal/safetensors"
)

// WriteSafetensors writes the model weights as F32 tensors in Hugging Face
// GPT-2 naming, each name prefixed with prefix.
func (m *Model) WriteSafetensors(w io.Writer, prefix string) error {
	return safetensors.WriteF32(w, m.tensors(prefix))
}

func (m *Model) tensors(prefix string) map[string]safetensors.F32Tensor {
	out := map[string]safetensors.F32Tensor{}
	put := func(name string, d *mat.Dense, shape ...int) {
		raw := mat.DenseCopyOf(d).RawMatrix().Data
		data := make([]float32, len(raw))
		for i, v := range raw {
			data[i] = float32(v)
		}
		out[prefix+name] = safetensors.F32Tensor{Shape: shape, Data: data}
	}
	c := m.Config
	d := c.NEmbd
	put("wte.weight", m.WTE, c.VocabSize, d)
	put("wpe.weight", m.WPE, c.NPositions, d)
	put("ln_f.weight", m.LnFG, d)
	put("ln_f.bias", m.LnFB, d)
	for i, b := range m.Blocks {
		p := fmt.Sprintf("h.%d.", i)
		put(p+"ln_1.weight", b.Ln1G, d)
		put(p+"ln_1.bias", b.Ln1B, d)
		put(p+"ln_2.weight", b.Ln2G, d)
		put(p+"ln_2.bias", b.Ln2B, d)
		put(p+"attn.c_attn.weight", b.Attn.CAttnW, d, 3*d)
		put(p+"attn.c_attn.bias", b.Attn.CAttnB, 3*d)
		put(p+"attn.c_proj.weight", b.Attn.CProjW, d, d)
		put(p+"attn.c_proj.bias", b.Attn.CProjB, d)
		put(p+"mlp.c_fc.weight", b.MLP.CFcW, d, 4*d)
		put(p+"mlp.c_fc.bias", b.MLP.CFcB, 4*d)
		put(p+"mlp.c_proj.weight", b.MLP.CProjW, 4*d, d)
		put(p+"mlp.c_proj.bias", b.MLP.CProjB, d)
	}
	if m.LMHead != nil {
		put("lm_head.weight", m.LMHead, c.VocabSize, d)
	}
	return out
}
