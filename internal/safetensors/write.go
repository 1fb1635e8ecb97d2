package safetensors

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/goccy/go-json"
)

// F32Tensor is a float32 tensor to be written with WriteF32.
type F32Tensor struct {
	Shape []int
	Data  []float32
}

// WriteF32 writes tensors as a F32 safetensors file. Tensors are laid out in
// name order.
func WriteF32(w io.Writer, tensors map[string]F32Tensor) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]tensorHeader, len(tensors))
	var off int64
	for _, name := range names {
		t := tensors[name]
		n, err := NumElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v wants %d values, got %d", name, t.Shape, n, len(t.Data))
		}
		size := int64(n) * 4
		header[name] = tensorHeader{DType: "F32", Shape: t.Shape, DataOffsets: []int64{off, off + size}}
		off += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write(headerBytes); err != nil {
		return err
	}

	var buf [4]byte
	for _, name := range names {
		for _, v := range tensors[name].Data {
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			if _, err := w.Write(buf[:]); err != nil {
				return err
			}
		}
	}
	return nil
}
