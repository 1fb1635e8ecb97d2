package gpt2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"

	"gpt2gen/internal/safetensors"
)

// LoadSafetensors loads weights in Hugging Face GPT-2 naming from a
// .safetensors file. Names may carry a "transformer." prefix.
func LoadSafetensors(path string, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := safetensors.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open weights: %w", err)
	}
	defer func() { _ = st.Close() }()

	prefix := ""
	if _, ok := st.Tensor("wte.weight"); !ok {
		if _, ok := st.Tensor("transformer.wte.weight"); ok {
			prefix = "transformer."
		}
	}

	read := func(name string, rows, cols int) (*mat.Dense, error) {
		info, ok := st.Tensor(prefix + name)
		if !ok {
			return nil, fmt.Errorf("tensor not found: %s", prefix+name)
		}
		if !shapeMatches(info.Shape, rows, cols) {
			return nil, fmt.Errorf("tensor %s: shape %v, want (%d, %d)", name, info.Shape, rows, cols)
		}
		data, _, err := st.ReadTensorF32(prefix + name)
		if err != nil {
			return nil, err
		}
		return mat.NewDense(rows, cols, widen(data)), nil
	}

	d := cfg.NEmbd
	m := &Model{Config: cfg, Blocks: make([]Block, cfg.NLayer)}
	fields := []tensorSpec{
		{&m.WTE, "wte.weight", cfg.VocabSize, d},
		{&m.WPE, "wpe.weight", cfg.NPositions, d},
		{&m.LnFG, "ln_f.weight", 1, d},
		{&m.LnFB, "ln_f.bias", 1, d},
	}
	for i := range m.Blocks {
		b := &m.Blocks[i]
		p := fmt.Sprintf("h.%d.", i)
		fields = append(fields,
			tensorSpec{&b.Ln1G, p + "ln_1.weight", 1, d},
			tensorSpec{&b.Ln1B, p + "ln_1.bias", 1, d},
			tensorSpec{&b.Attn.CAttnW, p + "attn.c_attn.weight", d, 3 * d},
			tensorSpec{&b.Attn.CAttnB, p + "attn.c_attn.bias", 1, 3 * d},
			tensorSpec{&b.Attn.CProjW, p + "attn.c_proj.weight", d, d},
			tensorSpec{&b.Attn.CProjB, p + "attn.c_proj.bias", 1, d},
			tensorSpec{&b.Ln2G, p + "ln_2.weight", 1, d},
			tensorSpec{&b.Ln2B, p + "ln_2.bias", 1, d},
			tensorSpec{&b.MLP.CFcW, p + "mlp.c_fc.weight", d, 4 * d},
			tensorSpec{&b.MLP.CFcB, p + "mlp.c_fc.bias", 1, 4 * d},
			tensorSpec{&b.MLP.CProjW, p + "mlp.c_proj.weight", 4 * d, d},
			tensorSpec{&b.MLP.CProjB, p + "mlp.c_proj.bias", 1, d},
		)
	}
	for _, f := range fields {
		t, err := read(f.name, f.rows, f.cols)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		*f.dst = t
	}

	// lm_head is tied to wte in the released checkpoints; a separate
	// head is used only when the file carries one.
	if info, ok := st.Tensor("lm_head.weight"); ok {
		if !shapeMatches(info.Shape, cfg.VocabSize, d) {
			return nil, fmt.Errorf("failed to load %s: lm_head.weight: shape %v, want (%d, %d)", path, info.Shape, cfg.VocabSize, d)
		}
		data, _, err := st.ReadTensorF32("lm_head.weight")
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		m.LMHead = mat.NewDense(cfg.VocabSize, d, widen(data))
	}
	return m, nil
}

// LoadBinary loads a raw little-endian float32 dump laid out as wte, wpe,
// ln_f (g, b), then per block ln_1 (g, b), ln_2 (g, b), c_attn (w, b),
// attn c_proj (w, b), c_fc (w, b), mlp c_proj (w, b).
func LoadBinary(path string, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer func() { _ = file.Close() }()
	r := bufio.NewReaderSize(file, 1<<20)

	buf := make([]byte, 0, 4096)
	readDense := func(what string, rows, cols int) (*mat.Dense, error) {
		count := rows * cols
		if cap(buf) < count*4 {
			buf = make([]byte, count*4)
		}
		raw := buf[:count*4]
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", what, err)
		}
		floats := make([]float64, count)
		for i := range floats {
			floats[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
		return mat.NewDense(rows, cols, floats), nil
	}

	d := cfg.NEmbd
	m := &Model{Config: cfg, Blocks: make([]Block, cfg.NLayer)}
	if m.WTE, err = readDense("token embeddings", cfg.VocabSize, d); err != nil {
		return nil, err
	}
	if m.WPE, err = readDense("position embeddings", cfg.NPositions, d); err != nil {
		return nil, err
	}
	if m.LnFG, err = readDense("final layer norm weight", 1, d); err != nil {
		return nil, err
	}
	if m.LnFB, err = readDense("final layer norm bias", 1, d); err != nil {
		return nil, err
	}

	for i := range m.Blocks {
		b := &m.Blocks[i]
		steps := []tensorSpec{
			{&b.Ln1G, "layer norm 1 weight", 1, d},
			{&b.Ln1B, "layer norm 1 bias", 1, d},
			{&b.Ln2G, "layer norm 2 weight", 1, d},
			{&b.Ln2B, "layer norm 2 bias", 1, d},
			{&b.Attn.CAttnW, "QKV weight", d, 3 * d},
			{&b.Attn.CAttnB, "QKV bias", 1, 3 * d},
			{&b.Attn.CProjW, "attention projection weight", d, d},
			{&b.Attn.CProjB, "attention projection bias", 1, d},
			{&b.MLP.CFcW, "MLP fc weight", d, 4 * d},
			{&b.MLP.CFcB, "MLP fc bias", 1, 4 * d},
			{&b.MLP.CProjW, "MLP projection weight", 4 * d, d},
			{&b.MLP.CProjB, "MLP projection bias", 1, d},
		}
		for _, s := range steps {
			t, err := readDense(fmt.Sprintf("%s for block %d", s.name, i), s.rows, s.cols)
			if err != nil {
				return nil, err
			}
			*s.dst = t
		}
	}

	if _, err := r.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("model file %s is larger than the configured model", path)
	}
	return m, nil
}

// shapeMatches reports whether a stored shape is (rows, cols). Row vectors
// may also be stored 1-D as (cols).
func shapeMatches(shape []int, rows, cols int) bool {
	switch len(shape) {
	case 1:
		return rows == 1 && shape[0] == cols
	case 2:
		return shape[0] == rows && shape[1] == cols
	}
	return false
}

// tensorSpec names one parameter matrix and its expected shape.
type tensorSpec struct {
	dst        **mat.Dense
	name       string
	rows, cols int
}

func widen(src []float32) []float64 {
	dst := make([]float64, len(src))
	for i, v := range src {
		dst[i] = float64(v)
	}
	return dst
}
