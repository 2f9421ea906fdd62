package rotation

import "testing"

func TestRoundTrip(t *testing.T) {
	for maxRot := uint8(1); maxRot <= MaxNibble; maxRot++ {
		for rot := uint8(0); rot < maxRot; rot++ {
			c := New(rot, maxRot)
			if c.Rotation() != rot || c.MaxRotation() != maxRot {
				t.Fatalf("New(%d, %d) decoded as %d/%d", rot, maxRot, c.Rotation(), c.MaxRotation())
			}
			if Normalize(byte(c)) != c {
				t.Fatalf("Normalize changed valid code %s", c)
			}
		}
	}
}

func TestNewNormalizesStrayRotation(t *testing.T) {
	tests := []struct {
		rot, maxRot uint8
		want        Code
	}{
		{5, 4, New(1, 4)},
		{3, 0, Code(0)},
		{7, 1, Code(0x10)},
		{2, 0x13, New(2, 3)},
	}
	for _, tt := range tests {
		got := New(tt.rot, tt.maxRot)
		if got != tt.want {
			t.Errorf("New(%d, %d) = %#02x, want %#02x", tt.rot, tt.maxRot, uint8(got), uint8(tt.want))
		}
		if got.Rotation() >= modulus(got.MaxRotation()) {
			t.Errorf("New(%d, %d) broke rotation < max invariant", tt.rot, tt.maxRot)
		}
	}
	if c := Normalize(0x0F); c != 0 {
		t.Errorf("Normalize(0x0F) = %#02x, want 0", uint8(c))
	}
}

func TestRotateComposition(t *testing.T) {
	for maxRot := uint8(0); maxRot <= MaxNibble; maxRot++ {
		m := modulus(maxRot)
		for rot := uint8(0); rot < m; rot++ {
			for r := uint8(0); r < 16; r++ {
				for k := 0; k < 8; k++ {
					c := New(rot, maxRot)
					for i := 0; i < k; i++ {
						c = c.Rotate(r)
					}
					once := New(rot, maxRot).Rotate(uint8((int(r) * k) % int(m)))
					if c != once {
						t.Fatalf("%d x Rotate(%d) on %d/%d = %s, single rotate gives %s", k, r, rot, maxRot, c, once)
					}
					if c.MaxRotation() != maxRot {
						t.Fatalf("Rotate changed max rotation")
					}
				}
			}
		}
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		code    Code
		terrain uint8
		want    bool
	}{
		{Code(0), 3, true},
		{New(0, 1), 2, true},
		{New(1, 2), 3, true},
		{New(1, 2), 2, false},
		{New(2, 4), 2, true},
		{New(2, 4), 0, false},
		{New(5, 8), 3, false},
		{New(3, 8), 3, true},
	}
	for _, tt := range tests {
		if got := tt.code.Matches(tt.terrain); got != tt.want {
			t.Errorf("%s.Matches(%d) = %v, want %v", tt.code, tt.terrain, got, tt.want)
		}
	}
}
