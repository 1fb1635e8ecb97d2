// Package gpt2 implements GPT-2 inference on gonum matrices: weight loading,
// the transformer forward pass and sampled generation.
package gpt2

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// --- Model Parameters ---

// MLP is the feed-forward half of a block.
type MLP struct {
	CFcW, CFcB, CProjW, CProjB *mat.Dense
}

// Attention holds the fused QKV and output projections.
type Attention struct {
	CAttnW, CAttnB, CProjW, CProjB *mat.Dense
}

// Block is one pre-norm transformer layer.
type Block struct {
	MLP                    MLP
	Attn                   Attention
	Ln1G, Ln1B, Ln2G, Ln2B *mat.Dense
}

// Model is a loaded GPT-2. Its parameters are never modified after loading,
// so one Model may serve concurrent Forward and Generate calls.
type Model struct {
	Config     Config
	WTE, WPE   *mat.Dense
	Blocks     []Block
	LnFG, LnFB *mat.Dense
	// LMHead is (vocab, n_embd). Nil means the head is tied to WTE.
	LMHead *mat.Dense
}

// decodeState carries the per-layer key/value cache of one sequence.
type decodeState struct {
	keyMask []int
	maskSum int
	kv      []layerKV
}

type layerKV struct {
	k, v []float64 // row-major (positions, n_embd)
}

func (m *Model) newState() *decodeState {
	return &decodeState{kv: make([]layerKV, len(m.Blocks))}
}

func (s *decodeState) len() int {
	return len(s.keyMask)
}

// ContextSize is the maximum number of positions the model can attend to.
func (m *Model) ContextSize() int {
	return m.Config.NPositions
}

// NumParams counts the model parameters.
func (m *Model) NumParams() int {
	n := 0
	add := func(ds ...*mat.Dense) {
		for _, d := range ds {
			if d == nil {
				continue
			}
			r, c := d.Dims()
			n += r * c
		}
	}
	add(m.WTE, m.WPE, m.LnFG, m.LnFB, m.LMHead)
	for _, b := range m.Blocks {
		add(b.Ln1G, b.Ln1B, b.Ln2G, b.Ln2B,
			b.Attn.CAttnW, b.Attn.CAttnB, b.Attn.CProjW, b.Attn.CProjB,
			b.MLP.CFcW, b.MLP.CFcB, b.MLP.CProjW, b.MLP.CProjB)
	}
	return n
}

func (m *Model) checkInputs(ids, attentionMask []int) ([]int, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyInput
	}
	if len(ids) > m.Config.NPositions {
		return nil, fmt.Errorf("%w: %d tokens, model context is %d", ErrContextOverflow, len(ids), m.Config.NPositions)
	}
	for i, id := range ids {
		if id < 0 || id >= m.Config.VocabSize {
			return nil, fmt.Errorf("token %d at position %d is outside the vocabulary (size %d)", id, i, m.Config.VocabSize)
		}
	}
	if attentionMask == nil {
		attentionMask = make([]int, len(ids))
		for i := range attentionMask {
			attentionMask[i] = 1
		}
	}
	if len(attentionMask) != len(ids) {
		return nil, fmt.Errorf("attention mask has %d entries for %d tokens", len(attentionMask), len(ids))
	}
	for i, v := range attentionMask {
		if v != 0 && v != 1 {
			return nil, fmt.Errorf("attention mask value %d at position %d (want 0 or 1)", v, i)
		}
	}
	return attentionMask, nil
}

// Forward returns the logits (len(ids), vocab) for every position.
// attentionMask marks attended tokens with 1 and padding with 0; nil means
// every token is attended.
func (m *Model) Forward(ids, attentionMask []int) (*mat.Dense, error) {
	mask, err := m.checkInputs(ids, attentionMask)
	if err != nil {
		return nil, err
	}
	hidden := m.forward(m.newState(), ids, mask)
	return m.logits(hidden), nil
}

// forward runs the transformer over tokens appended to st and returns the
// final hidden states (after ln_f) of those tokens.
func (m *Model) forward(st *decodeState, ids, mask []int) *mat.Dense {
	past := st.len()

	// Position ids follow the attention mask: padding does not advance the
	// position counter and is itself parked at position 1.
	positions := make([]int, len(ids))
	for i, v := range mask {
		st.maskSum += v
		if v == 0 {
			positions[i] = 1
		} else {
			positions[i] = st.maskSum - 1
		}
	}
	st.keyMask = append(st.keyMask, mask...)

	tokEmb := getEmbedding(m.WTE, ids)
	posEmb := getEmbedding(m.WPE, positions)
	var x mat.Dense
	x.Add(tokEmb, posEmb)

	attnMask := attentionMask(len(ids), past, st.keyMask)

	currentX := &x
	for l, block := range m.Blocks {
		currentX = m.transformerBlock(currentX, block, &st.kv[l], attnMask)
	}

	return layerNorm(currentX, m.LnFG, m.LnFB, m.Config.LayerNormE)
}

func (m *Model) transformerBlock(x *mat.Dense, block Block, kv *layerKV, attnMask *mat.Dense) *mat.Dense {
	// x = x + mha(layer_norm(x, ln_1))
	ln1Out := layerNorm(x, block.Ln1G, block.Ln1B, m.Config.LayerNormE)
	mhaOut := m.mha(ln1Out, block.Attn, kv, attnMask)

	var x1 mat.Dense
	x1.Add(x, mhaOut)

	// x = x + ffn(layer_norm(x, ln_2))
	ln2Out := layerNorm(&x1, block.Ln2G, block.Ln2B, m.Config.LayerNormE)
	ffnOut := ffn(ln2Out, block.MLP)

	var x2 mat.Dense
	x2.Add(&x1, ffnOut)
	return &x2
}

// mha is causal multi-head attention over the cached positions plus the rows
// of x, which are appended to the cache.
func (m *Model) mha(x *mat.Dense, attn Attention, kv *layerKV, attnMask *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	nEmbd := m.Config.NEmbd
	nHead := m.Config.NHead
	headDim := m.Config.HeadDim()

	qkv := linear(x, attn.CAttnW, attn.CAttnB)
	q, k, v := splitQKV(qkv)

	kv.k = append(kv.k, k.RawMatrix().Data...)
	kv.v = append(kv.v, v.RawMatrix().Data...)
	total := len(kv.k) / nEmbd
	keys := mat.NewDense(total, nEmbd, kv.k)
	values := mat.NewDense(total, nEmbd, kv.v)

	concat := mat.NewDense(rows, nEmbd, nil)
	for h := range nHead {
		headOut := attention(headView(q, h, headDim), headView(keys, h, headDim), headView(values, h, headDim), attnMask)
		concat.Slice(0, rows, h*headDim, (h+1)*headDim).(*mat.Dense).Copy(headOut)
	}

	return linear(concat, attn.CProjW, attn.CProjB)
}

// logits projects hidden states onto the vocabulary.
func (m *Model) logits(hidden *mat.Dense) *mat.Dense {
	head := m.WTE
	if m.LMHead != nil {
		head = m.LMHead
	}
	var out mat.Dense
	out.Mul(hidden, head.T())
	return &out
}

// lastLogits returns the vocabulary logits of the last hidden row only.
func (m *Model) lastLogits(hidden *mat.Dense) []float64 {
	rows, _ := hidden.Dims()
	last := hidden.Slice(rows-1, rows, 0, m.Config.NEmbd)
	return m.logits(mat.DenseCopyOf(last)).RawRowView(0)
}

// NewRandom builds a model with the given shape and small random weights.
// Layer norms start as the identity transform.
func NewRandom(cfg Config, seed int64) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(seed))
	randn := func(r, c int, std float64) *mat.Dense {
		data := make([]float64, r*c)
		for i := range data {
			data[i] = rng.NormFloat64() * std
		}
		return mat.NewDense(r, c, data)
	}
	ones := func(c int) *mat.Dense {
		data := make([]float64, c)
		for i := range data {
			data[i] = 1
		}
		return mat.NewDense(1, c, data)
	}
	zeros := func(c int) *mat.Dense {
		return mat.NewDense(1, c, nil)
	}

	d := cfg.NEmbd
	blocks := make([]Block, cfg.NLayer)
	for i := range blocks {
		blocks[i] = Block{
			MLP: MLP{
				CFcW:   randn(d, 4*d, 0.02),
				CFcB:   zeros(4 * d),
				CProjW: randn(4*d, d, 0.02),
				CProjB: zeros(d),
			},
			Attn: Attention{
				CAttnW: randn(d, 3*d, 0.02),
				CAttnB: zeros(3 * d),
				CProjW: randn(d, d, 0.02),
				CProjB: zeros(d),
			},
			Ln1G: ones(d),
			Ln1B: zeros(d),
			Ln2G: ones(d),
			Ln2B: zeros(d),
		}
	}

	return &Model{
		Config: cfg,
		WTE:    randn(cfg.VocabSize, d, 0.5),
		WPE:    randn(cfg.NPositions, d, 0.01),
		Blocks: blocks,
		LnFG:   ones(d),
		LnFB:   zeros(d),
	}, nil
}
