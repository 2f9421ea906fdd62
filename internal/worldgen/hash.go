// Package worldgen reproduces the block orientation hash of the target world
// generator. Every function here is pure and must stay bit-exact with the
// device kernels in internal/gpu.
package worldgen

const (
	seedMulX    = 3129871
	seedMulZ    = 116129781
	seedSquare  = 42317861
	seedLinear  = 11
	lcgScramble = 0x5DEECE66D
	lcgMul      = 0xBB20B4600A69
	lcgAdd      = 0x40942DE6BA
	lcgMask     = (1 << 48) - 1
)

// RenderingSeed returns the per-position seed used to pick a block variant.
// All arithmetic wraps on overflow, which Go guarantees for signed integers.
func RenderingSeed(x, y, z int64) int64 {
	l := (x * seedMulX) ^ (z * seedMulZ) ^ y
	return l*l*seedSquare + l*seedLinear
}

// Mix runs one step of the 48-bit LCG over seed and returns the next 32 bits.
func Mix(seed int64) int32 {
	s := (seed ^ lcgScramble) & lcgMask
	v := (uint64(s*lcgMul+lcgAdd) >> 16) & 0xFFFFFFFF
	return int32(v)
}

// BlockRotation returns the rotation, in [0, 3], of the block at (x, y, z).
func BlockRotation(x, y, z int64) uint8 {
	v := Mix(RenderingSeed(x, y, z) >> 16)
	if v < 0 {
		// -MinInt32 wraps back to MinInt32, whose low bits are zero.
		v = -v
	}
	return uint8(v & 3)
}
