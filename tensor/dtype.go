package tensor

import (
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType identifies the element type of a Tensor. The KV cache supports the
// reduced-precision float types; I32 is used for host-built index vectors
// (slot mappings, block tables, context lengths) that cross the kernel
// boundary alongside the float tensors.
type DType int

const (
	F32 DType = iota
	F16
	BF16
	F8E4M3
	I32
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	case BF16:
		return "bf16"
	case F8E4M3:
		return "f8_e4m3"
	case I32:
		return "i32"
	}
	return "unknown"
}

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case F32, I32:
		return 4
	case F16, BF16:
		return 2
	case F8E4M3:
		return 1
	}
	return 0
}

// ParseDType maps a config string ("f32", "f16", "bf16", "f8") to a DType.
func ParseDType(s string) (DType, error) {
	switch s {
	case "f32", "float32":
		return F32, nil
	case "f16", "float16", "half":
		return F16, nil
	case "bf16", "bfloat16":
		return BF16, nil
	case "f8", "f8_e4m3", "fp8":
		return F8E4M3, nil
	}
	return F32, errors.Errorf("unknown dtype %q", s)
}

// IsFloat reports whether d is one of the float element types.
func (d DType) IsFloat() bool {
	return d == F32 || d == F16 || d == BF16 || d == F8E4M3
}

// f16Bits converts a float32 to IEEE half-precision bits, round-to-nearest-even.
func f16Bits(v float32) uint16 {
	return float16.Fromfloat32(v).Bits()
}

func f16Float(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}

// bf16Bits truncates a float32 to bfloat16 with round-to-nearest-even.
// bfloat16 is the top 16 bits of the float32 representation, so no library
// is needed beyond the rounding step.
func bf16Bits(v float32) uint16 {
	if v != v {
		return 0x7FC0
	}
	u := math.Float32bits(v)
	return uint16((u + 0x7FFF + ((u >> 16) & 1)) >> 16)
}

func bf16Float(bits uint16) float32 {
	return math.Float32frombits(uint32(bits) << 16)
}

// f8e4m3Bits converts a float32 to FP8 E4M3 (bias 7, max finite 448, no Inf;
// 0x7F/0xFF are NaN). Values beyond the finite range saturate to ±448.
func f8e4m3Bits(v float32) uint8 {
	bits := math.Float32bits(v)
	sign := uint8(bits>>31) << 7
	if v != v {
		return sign | 0x7F
	}

	abs := v
	if abs < 0 {
		abs = -abs
	}
	if abs == 0 {
		return sign
	}

	// Subnormal range: below 2^-6 the format stores mant/8 * 2^-6.
	if abs < 0.015625 {
		n := math.RoundToEven(float64(abs) * 512) // abs / 2^-9
		if n == 0 {
			return sign
		}
		if n < 8 {
			return sign | uint8(n)
		}
		// Rounded up into the smallest normal.
		return sign | 0x08
	}

	exp := int(bits>>23&0xFF) - 127
	man := bits & 0x7FFFFF
	// Round 23-bit mantissa to 3 bits, nearest-even.
	m3 := (man + 0x7FFFF + ((man >> 20) & 1)) >> 20
	if m3 == 8 {
		m3 = 0
		exp++
	}
	if exp > 8 || (exp == 8 && m3 == 7) {
		return sign | 0x7E // saturate to 448
	}
	return sign | uint8(exp+7)<<3 | uint8(m3)
}

func f8e4m3Float(x uint8) float32 {
	sign := float32(1)
	if x&0x80 != 0 {
		sign = -1
	}
	exp := int(x>>3) & 0xF
	man := int(x) & 7
	if exp == 0xF && man == 7 {
		return float32(math.NaN())
	}
	if exp == 0 {
		return sign * float32(man) * float32(math.Exp2(-9))
	}
	return sign * float32(1+float64(man)/8) * float32(math.Exp2(float64(exp-7)))
}
