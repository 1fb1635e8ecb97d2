package gpt2

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// maskedValue is added to attention scores of padding keys. It is finite so a
// row whose keys are all padding still softmaxes to a uniform distribution.
const maskedValue = -1e9

// --- Neural Network Functions ---

// gelu is the tanh approximation GPT-2 uses ("gelu_new").
func gelu(x *mat.Dense) *mat.Dense {
	rows, cols := x.Dims()
	data := make([]float64, rows*cols)
	c := math.Sqrt(2 / math.Pi)
	for r := range rows {
		for i, val := range x.RawRowView(r) {
			data[r*cols+i] = 0.5 * val * (1 + math.Tanh(c*(val+0.044715*val*val*val)))
		}
	}
	return mat.NewDense(rows, cols, data)
}

// softmax normalizes each row in place and returns x.
func softmax(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	for r := range rows {
		row := x.RawRowView(r)
		maxVal := math.Inf(-1)
		for _, val := range row {
			if val > maxVal {
				maxVal = val
			}
		}
		var sumExp float64
		for i, val := range row {
			row[i] = math.Exp(val - maxVal)
			sumExp += row[i]
		}
		for i := range row {
			row[i] /= sumExp
		}
	}
	return x
}

func layerNorm(x, g, b *mat.Dense, eps float64) *mat.Dense {
	rows, cols := x.Dims()
	out := mat.NewDense(rows, cols, nil)
	gRow := g.RawRowView(0)
	bRow := b.RawRowView(0)
	for r := range rows {
		row := x.RawRowView(r)

		var mean float64
		for _, val := range row {
			mean += val
		}
		mean /= float64(cols)

		var variance float64
		for _, val := range row {
			d := val - mean
			variance += d * d
		}
		variance /= float64(cols)

		std := math.Sqrt(variance + eps)
		outRow := out.RawRowView(r)
		for i, val := range row {
			outRow[i] = (val-mean)/std*gRow[i] + bRow[i]
		}
	}
	return out
}

// linear computes x*w + b with b broadcast over the rows of the product.
func linear(x, w, b *mat.Dense) *mat.Dense {
	var z mat.Dense
	z.Mul(x, w)

	rows, cols := z.Dims()
	bRows, bCols := b.Dims()
	switch {
	case bRows == 1 && bCols == cols:
		// Standard case: bias is (1, output_features)
		biasRow := b.RawRowView(0)
		for r := range rows {
			row := z.RawRowView(r)
			for c := range row {
				row[c] += biasRow[c]
			}
		}
	case bRows == rows && bCols == cols:
		z.Add(&z, b)
	default:
		panic("bias shape is incompatible for broadcasting")
	}
	return &z
}

func ffn(x *mat.Dense, mlp MLP) *mat.Dense {
	x1 := linear(x, mlp.CFcW, mlp.CFcB)
	x2 := gelu(x1)
	return linear(x2, mlp.CProjW, mlp.CProjB)
}

// attention computes softmax(q*kᵀ/sqrt(d) + mask) * v for one head.
func attention(q, k, v mat.Matrix, mask *mat.Dense) *mat.Dense {
	_, headDim := k.Dims()

	var score mat.Dense
	score.Mul(q, k.T())
	score.Scale(1/math.Sqrt(float64(headDim)), &score)
	score.Add(&score, mask)

	softmax(&score)

	var out mat.Dense
	out.Mul(&score, v)
	return &out
}

// splitQKV splits the fused c_attn output into Q, K and V.
func splitQKV(qkv *mat.Dense) (q, k, v *mat.Dense) {
	rows, cols := qkv.Dims()
	dModel := cols / 3
	q = mat.DenseCopyOf(qkv.Slice(0, rows, 0, dModel))
	k = mat.DenseCopyOf(qkv.Slice(0, rows, dModel, 2*dModel))
	v = mat.DenseCopyOf(qkv.Slice(0, rows, 2*dModel, 3*dModel))
	return q, k, v
}

// headView returns the columns of head h.
func headView(x *mat.Dense, h, headDim int) mat.Matrix {
	rows, _ := x.Dims()
	return x.Slice(0, rows, h*headDim, (h+1)*headDim)
}

// attentionMask builds the additive mask for nNew query rows appended after
// past cached positions. keyMask covers all past+nNew key positions; a zero
// marks padding.
func attentionMask(nNew, past int, keyMask []int) *mat.Dense {
	total := past + nNew
	mask := mat.NewDense(nNew, total, nil)
	for i := range nNew {
		row := mask.RawRowView(i)
		for j := range total {
			switch {
			case j > past+i:
				row[j] = math.Inf(-1)
			case keyMask[j] == 0:
				row[j] = maskedValue
			}
		}
	}
	return mask
}

// getEmbedding extracts rows from embedding matrix based on indices
func getEmbedding(embMatrix *mat.Dense, indices []int) *mat.Dense {
	_, embDim := embMatrix.Dims()
	result := mat.NewDense(len(indices), embDim, nil)
	for i, idx := range indices {
		result.SetRow(i, embMatrix.RawRowView(idx))
	}
	return result
}
