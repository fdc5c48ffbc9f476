package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStridesRowMajor(t *testing.T) {
	tt := New(F32, 2, 3, 4)
	assert.Equal(t, []int{12, 4, 1}, tt.Strides())
	assert.Equal(t, 24, tt.NumElems())

	tt.SetFloat(42, 1, 2, 3)
	assert.Equal(t, float32(42), tt.FloatAt(23))
}

func TestFromFloatsAndInts(t *testing.T) {
	f := FromFloats([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, float32(6), f.Float(1, 2))

	i := FromInts([]int32{-1, 7}, 2)
	assert.Equal(t, int32(-1), i.Int(0))
	assert.Equal(t, []int32{-1, 7}, i.Ints())
}

func TestF16RoundTrip(t *testing.T) {
	tt := New(F16, 4)
	vals := []float32{0, 1, -2.5, 0.333984375} // exactly representable in f16
	require.NoError(t, tt.SetFloats(vals))
	for i, v := range vals {
		assert.Equal(t, v, tt.FloatAt(i))
	}
}

func TestF16Precision(t *testing.T) {
	tt := New(F16, 1)
	tt.SetFloatAt(0, 0.1)
	assert.InDelta(t, 0.1, float64(tt.FloatAt(0)), 1e-4)
}

func TestBF16RoundTrip(t *testing.T) {
	tt := New(BF16, 3)
	vals := []float32{1.5, -3.0, 256}
	require.NoError(t, tt.SetFloats(vals))
	for i, v := range vals {
		assert.Equal(t, v, tt.FloatAt(i))
	}

	// bf16 keeps the f32 exponent range but only 8 mantissa bits.
	tt.SetFloatAt(0, 3.14159)
	assert.InDelta(t, 3.14159, float64(tt.FloatAt(0)), 0.02)
}

func TestF8E4M3(t *testing.T) {
	tt := New(F8E4M3, 1)

	// Exactly representable values survive the round trip.
	for _, v := range []float32{0, 1, -1, 0.5, 2, 448, -448, 0.015625} {
		tt.SetFloatAt(0, v)
		assert.Equal(t, v, tt.FloatAt(0), "value %v", v)
	}

	// Saturation to the max finite value, no Inf in E4M3.
	tt.SetFloatAt(0, 10000)
	assert.Equal(t, float32(448), tt.FloatAt(0))
	tt.SetFloatAt(0, -10000)
	assert.Equal(t, float32(-448), tt.FloatAt(0))

	// NaN is preserved.
	tt.SetFloatAt(0, float32(math.NaN()))
	assert.True(t, math.IsNaN(float64(tt.FloatAt(0))))

	// Subnormals: smallest positive value is 2^-9.
	tt.SetFloatAt(0, float32(math.Exp2(-9)))
	assert.Equal(t, float32(math.Exp2(-9)), tt.FloatAt(0))

	// Coarse but bounded relative error inside the normal range.
	tt.SetFloatAt(0, 3.3)
	assert.InDelta(t, 3.3, float64(tt.FloatAt(0)), 0.25)
}

func TestCast(t *testing.T) {
	f := FromFloats([]float32{0.5, -1.25, 3}, 3)
	h := f.Cast(F16)
	assert.Equal(t, F16, h.DType())
	for i := 0; i < 3; i++ {
		assert.InDelta(t, float64(f.FloatAt(i)), float64(h.FloatAt(i)), 1e-3)
	}
}

func TestCloneIsDeep(t *testing.T) {
	a := FromFloats([]float32{1, 2}, 2)
	b := a.Clone()
	b.SetFloatAt(0, 9)
	assert.Equal(t, float32(1), a.FloatAt(0))
	assert.Equal(t, float32(9), b.FloatAt(0))
}

func TestParseDType(t *testing.T) {
	for s, want := range map[string]DType{"f32": F32, "f16": F16, "bf16": BF16, "f8": F8E4M3} {
		got, err := ParseDType(s)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDType("f64")
	assert.Error(t, err)
}
