package spiral

import "testing"

func chebyshev(x, y int32) int32 {
	if x < 0 {
		x = -x
	}
	if y < 0 {
		y = -y
	}
	if x > y {
		return x
	}
	return y
}

func TestOrigin(t *testing.T) {
	if x, y := At(0); x != 0 || y != 0 {
		t.Fatalf("At(0) = (%d, %d), want (0, 0)", x, y)
	}
}

func TestFirstRing(t *testing.T) {
	want := [][2]int32{
		{0, 0},
		{0, -1}, {1, -1}, {1, 0}, {1, 1}, {0, 1}, {-1, 1}, {-1, 0}, {-1, -1},
		{-1, -2},
	}
	for n, w := range want {
		x, y := At(uint32(n))
		if x != w[0] || y != w[1] {
			t.Errorf("At(%d) = (%d, %d), want (%d, %d)", n, x, y, w[0], w[1])
		}
	}
}

func TestInjective(t *testing.T) {
	seen := make(map[[2]int32]uint32, 10000)
	for n := uint32(0); n < 10000; n++ {
		x, y := At(n)
		if prev, ok := seen[[2]int32{x, y}]; ok {
			t.Fatalf("At(%d) and At(%d) both map to (%d, %d)", prev, n, x, y)
		}
		seen[[2]int32{x, y}] = n
	}
}

func TestRingsGrowByOne(t *testing.T) {
	ringMin := map[int32]int32{}
	last := int32(0)
	for n := uint32(0); n < 10000; n++ {
		x, y := At(n)
		d := chebyshev(x, y)
		if d < last {
			t.Fatalf("At(%d) distance %d dropped below %d", n, d, last)
		}
		if d != int32(Ring(n)) {
			t.Fatalf("At(%d) distance %d, Ring reports %d", n, d, Ring(n))
		}
		last = d
		if m, ok := ringMin[int32(Ring(n))]; !ok || d < m {
			ringMin[int32(Ring(n))] = d
		}
	}
	for r := int32(1); r < int32(len(ringMin)); r++ {
		if ringMin[r] != ringMin[r-1]+1 {
			t.Fatalf("ring %d minimum distance %d, previous %d", r, ringMin[r], ringMin[r-1])
		}
	}
}

func TestCoversSquares(t *testing.T) {
	for r := int32(0); r < 50; r++ {
		side := 2*r + 1
		count := uint32(side * side)
		covered := make(map[[2]int32]bool, count)
		for n := uint32(0); n < count; n++ {
			x, y := At(n)
			if chebyshev(x, y) > r {
				t.Fatalf("At(%d) = (%d, %d) escapes square of radius %d", n, x, y, r)
			}
			covered[[2]int32{x, y}] = true
		}
		if uint32(len(covered)) != count {
			t.Fatalf("radius %d: covered %d points, want %d", r, len(covered), count)
		}
	}
}

func TestLargeIndex(t *testing.T) {
	n := uint32(1<<32 - 1)
	x, y := At(n)
	if chebyshev(x, y) != int32(Ring(n)) {
		t.Fatalf("At(%d) = (%d, %d) off ring %d", n, x, y, Ring(n))
	}
}

func TestChunkOrigin(t *testing.T) {
	x, z := Origin(1, 1200)
	if x != 0 || z != -1200 {
		t.Fatalf("Origin(1, 1200) = (%d, %d), want (0, -1200)", x, z)
	}
}
