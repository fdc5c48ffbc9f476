// Package tensor provides the host-side tensor representation shared by the
// engine and the kernel backends. Tensors are dense, row-major, and own their
// storage; they cross the kernel boundary as opaque handles with known dtype,
// shape and strides.
package tensor

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Tensor is a dense row-major tensor. Element storage is a flat byte slice
// encoded per DType; strides are in elements, not bytes.
type Tensor struct {
	dtype   DType
	dims    []int
	strides []int
	data    []byte
}

// New allocates a zero-filled tensor of the given dtype and dimensions.
func New(dtype DType, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		if d < 0 {
			panic(errors.Errorf("tensor: negative dimension %d", d))
		}
		n *= d
	}
	return &Tensor{
		dtype:   dtype,
		dims:    append([]int(nil), dims...),
		strides: rowMajorStrides(dims),
		data:    make([]byte, n*dtype.Size()),
	}
}

// FromFloats builds an F32 tensor from a flat float32 slice.
func FromFloats(data []float32, dims ...int) *Tensor {
	t := New(F32, dims...)
	if len(data) != t.NumElems() {
		panic(errors.Errorf("tensor: %d values for shape %v", len(data), dims))
	}
	for i, v := range data {
		binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
	}
	return t
}

// FromInts builds an I32 tensor from a flat int32 slice.
func FromInts(data []int32, dims ...int) *Tensor {
	t := New(I32, dims...)
	if len(data) != t.NumElems() {
		panic(errors.Errorf("tensor: %d values for shape %v", len(data), dims))
	}
	for i, v := range data {
		binary.LittleEndian.PutUint32(t.data[i*4:], uint32(v))
	}
	return t
}

func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}

func (t *Tensor) DType() DType   { return t.dtype }
func (t *Tensor) Rank() int      { return len(t.dims) }
func (t *Tensor) Dims() []int    { return t.dims }
func (t *Tensor) Dim(i int) int  { return t.dims[i] }
func (t *Tensor) Strides() []int { return t.strides }

// NumElems returns the total number of elements.
func (t *Tensor) NumElems() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Offset computes the flat element offset for a multi-index. Callers on the
// kernel hot path use it once per vector and then walk the innermost stride.
func (t *Tensor) Offset(idx ...int) int {
	if len(idx) != len(t.dims) {
		panic(errors.Errorf("tensor: %d indices for rank %d", len(idx), len(t.dims)))
	}
	off := 0
	for i, x := range idx {
		off += x * t.strides[i]
	}
	return off
}

// FloatAt returns the element at the flat offset as float32.
func (t *Tensor) FloatAt(off int) float32 {
	switch t.dtype {
	case F32:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.data[off*4:]))
	case F16:
		return f16Float(binary.LittleEndian.Uint16(t.data[off*2:]))
	case BF16:
		return bf16Float(binary.LittleEndian.Uint16(t.data[off*2:]))
	case F8E4M3:
		return f8e4m3Float(t.data[off])
	}
	panic(errors.Errorf("tensor: FloatAt on %s tensor", t.dtype))
}

// SetFloatAt stores a float32 at the flat offset, converting to the tensor dtype.
func (t *Tensor) SetFloatAt(off int, v float32) {
	switch t.dtype {
	case F32:
		binary.LittleEndian.PutUint32(t.data[off*4:], math.Float32bits(v))
	case F16:
		binary.LittleEndian.PutUint16(t.data[off*2:], f16Bits(v))
	case BF16:
		binary.LittleEndian.PutUint16(t.data[off*2:], bf16Bits(v))
	case F8E4M3:
		t.data[off] = f8e4m3Bits(v)
	default:
		panic(errors.Errorf("tensor: SetFloatAt on %s tensor", t.dtype))
	}
}

// Float returns the element at a multi-index as float32.
func (t *Tensor) Float(idx ...int) float32 {
	return t.FloatAt(t.Offset(idx...))
}

// SetFloat stores a float32 at a multi-index.
func (t *Tensor) SetFloat(v float32, idx ...int) {
	t.SetFloatAt(t.Offset(idx...), v)
}

// IntAt returns the element at the flat offset of an I32 tensor.
func (t *Tensor) IntAt(off int) int32 {
	if t.dtype != I32 {
		panic(errors.Errorf("tensor: IntAt on %s tensor", t.dtype))
	}
	return int32(binary.LittleEndian.Uint32(t.data[off*4:]))
}

// SetIntAt stores an int32 at the flat offset of an I32 tensor.
func (t *Tensor) SetIntAt(off int, v int32) {
	if t.dtype != I32 {
		panic(errors.Errorf("tensor: SetIntAt on %s tensor", t.dtype))
	}
	binary.LittleEndian.PutUint32(t.data[off*4:], uint32(v))
}

// Int returns the element at a multi-index of an I32 tensor.
func (t *Tensor) Int(idx ...int) int32 {
	return t.IntAt(t.Offset(idx...))
}

// SetInt stores an int32 at a multi-index of an I32 tensor.
func (t *Tensor) SetInt(v int32, idx ...int) {
	t.SetIntAt(t.Offset(idx...), v)
}

// Floats materializes the whole tensor as float32, regardless of storage dtype.
func (t *Tensor) Floats() []float32 {
	if !t.dtype.IsFloat() {
		panic(errors.Errorf("tensor: Floats on %s tensor", t.dtype))
	}
	out := make([]float32, t.NumElems())
	for i := range out {
		out[i] = t.FloatAt(i)
	}
	return out
}

// SetFloats overwrites the tensor contents from a flat float32 slice.
func (t *Tensor) SetFloats(vals []float32) error {
	if len(vals) != t.NumElems() {
		return errors.Errorf("tensor: %d values for %d elements", len(vals), t.NumElems())
	}
	for i, v := range vals {
		t.SetFloatAt(i, v)
	}
	return nil
}

// Ints materializes an I32 tensor as a flat int32 slice.
func (t *Tensor) Ints() []int32 {
	out := make([]int32, t.NumElems())
	for i := range out {
		out[i] = t.IntAt(i)
	}
	return out
}

// Cast returns a copy of t converted to the given float dtype.
func (t *Tensor) Cast(dtype DType) *Tensor {
	out := New(dtype, t.dims...)
	for i, n := 0, t.NumElems(); i < n; i++ {
		out.SetFloatAt(i, t.FloatAt(i))
	}
	return out
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := &Tensor{
		dtype:   t.dtype,
		dims:    append([]int(nil), t.dims...),
		strides: append([]int(nil), t.strides...),
		data:    append([]byte(nil), t.data...),
	}
	return out
}

// SameShape reports whether two tensors have identical dimensions.
func SameShape(a, b *Tensor) bool {
	if a.Rank() != b.Rank() {
		return false
	}
	for i := range a.dims {
		if a.dims[i] != b.dims[i] {
			return false
		}
	}
	return true
}
