// Package spiral enumerates 2D integer points in an outward square spiral.
//
// Index 0 is the origin. Ring r (Chebyshev distance r from the origin) holds
// the 8r indices 4r(r-1)+1 through 4r(r+1). Each ring starts one step right of
// its top-left corner and walks the top, right, bottom and left edges in turn,
// ending on the top-left corner.
package spiral

import "math"

// At returns the n-th point of the spiral.
func At(n uint32) (x, y int32) {
	if n == 0 {
		return 0, 0
	}
	r := int64(Ring(n))
	p := 4 * r * (r - 1)
	edge := 2 * r
	a := (int64(n) - p) % (8 * r)
	var px, py int64
	switch a / edge {
	case 0:
		px, py = a-r, -r
	case 1:
		px, py = r, a%edge-r
	case 2:
		px, py = r-a%edge, r
	default:
		px, py = -r, r-a%edge
	}
	return int32(px), int32(py)
}

// Ring returns the Chebyshev radius of the ring holding index n.
func Ring(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	s := isqrt(uint64(n))
	return uint32((s-1)/2 + 1)
}

// Origin returns the world-space (x, z) offset of the chunk at spiral index n
// when chunks are placed stride blocks apart.
func Origin(n uint32, stride int64) (x, z int64) {
	cx, cz := At(n)
	return int64(cx) * stride, int64(cz) * stride
}

// isqrt returns floor(sqrt(v)) without float rounding surprises.
func isqrt(v uint64) uint64 {
	s := uint64(math.Sqrt(float64(v)))
	for s*s > v {
		s--
	}
	for (s+1)*(s+1) <= v {
		s++
	}
	return s
}
