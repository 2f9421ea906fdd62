package pattern

import (
	"fmt"
	"math"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
)

// NoMatch is the result slot value when no offset in a chunk matched.
const NoMatch uint32 = math.MaxUint32

// Offset is a candidate placement of a pattern inside one chunk.
type Offset struct {
	X, Y, Z int
}

// Window is the set of candidate offsets scanned in a chunk: x and z run over
// the chunk stride, y over every height the grid still fits at.
type Window struct {
	Width  int // x and z extent, chunk size minus margin
	Layers int // y extent, height - grid.Y + 1
}

// NewWindow checks that a grid fits inside a chunk and that every scan key
// stays below NoMatch.
func NewWindow(d chunk.Dimensions, g Dims) (Window, error) {
	if err := d.Validate(); err != nil {
		return Window{}, err
	}
	if err := g.validate(); err != nil {
		return Window{}, err
	}
	if g.X > d.Margin || g.Z > d.Margin {
		return Window{}, fmt.Errorf("%w: grid %dx%d wider than chunk margin %d", ErrDimensions, g.X, g.Z, d.Margin)
	}
	if g.Y > d.Height {
		return Window{}, fmt.Errorf("%w: grid height %d above world height %d", ErrDimensions, g.Y, d.Height)
	}
	w := Window{Width: d.Stride(), Layers: d.Height - g.Y + 1}
	if w.Count() >= uint64(NoMatch) {
		return Window{}, fmt.Errorf("%w: %d offsets overflow the result slot", ErrDimensions, w.Count())
	}
	return w, nil
}

// Count returns the number of candidate offsets.
func (w Window) Count() uint64 {
	return uint64(w.Width) * uint64(w.Width) * uint64(w.Layers)
}

// Key orders offsets x fastest, then z, then y. The lowest matching key is
// the one a search reports.
func (w Window) Key(o Offset) uint32 {
	return uint32(o.X + o.Z*w.Width + o.Y*w.Width*w.Width)
}

// Offset decodes a key produced by Key.
func (w Window) Offset(key uint32) Offset {
	layer := uint32(w.Width * w.Width)
	rem := key % layer
	return Offset{X: int(rem % uint32(w.Width)), Y: int(key / layer), Z: int(rem / uint32(w.Width))}
}

// Match reports whether every cell of p is satisfied by the terrain of c at
// offset o. The caller guarantees o lies in the window.
func Match(c *chunk.Chunk, p *Pattern, o Offset) bool {
	g := p.Dims
	for y := 0; y < g.Y; y++ {
		for z := 0; z < g.Z; z++ {
			row := p.Cells[g.Index(0, y, z) : g.Index(0, y, z)+g.X]
			base := c.Dims.Index(o.X, o.Y+y, o.Z+z)
			for x, want := range row {
				if !want.Matches(c.Cells[base+x]) {
					return false
				}
			}
		}
	}
	return true
}

// FirstMatch scans the window of c in key order and returns the first
// matching offset.
func FirstMatch(c *chunk.Chunk, p *Pattern) (Offset, bool, error) {
	w, err := NewWindow(c.Dims, p.Dims)
	if err != nil {
		return Offset{}, false, err
	}
	for y := 0; y < w.Layers; y++ {
		for z := 0; z < w.Width; z++ {
			for x := 0; x < w.Width; x++ {
				o := Offset{X: x, Y: y, Z: z}
				if Match(c, p, o) {
					return o, true, nil
				}
			}
		}
	}
	return Offset{}, false, nil
}
