// Package pattern holds the target structure a search looks for: a dense grid
// of rotation constraints, plus its file formats and device upload layout.
package pattern

import (
	"errors"
	"fmt"

	"github.com/StormyCloudInc/blockseek/internal/rotation"
)

// ErrDimensions is returned for grids that cannot be searched.
var ErrDimensions = errors.New("invalid pattern dimensions")

// Dims is the size of a pattern grid along x, y and z.
type Dims struct {
	X, Y, Z int
}

// DefaultDims is the builder grid size.
func DefaultDims() Dims { return Dims{X: 32, Y: 32, Z: 32} }

// MaxVolume bounds the cell count of a pattern. It is far above any grid
// that fits inside a chunk margin.
const MaxVolume = 1 << 24

// Volume returns the number of cells.
func (d Dims) Volume() int { return d.X * d.Y * d.Z }

// Index linearizes x fastest, then z, then y, the same order chunks use.
func (d Dims) Index(x, y, z int) int { return x + z*d.X + y*d.X*d.Z }

// Coords is the inverse of Index.
func (d Dims) Coords(i int) (x, y, z int) {
	layer := d.X * d.Z
	return i % layer % d.X, i / layer, i % layer / d.X
}

func (d Dims) validate() error {
	if d.X <= 0 || d.Y <= 0 || d.Z <= 0 {
		return fmt.Errorf("%w: %dx%dx%d", ErrDimensions, d.X, d.Y, d.Z)
	}
	if d.X > 0xFFFF || d.Y > 0xFFFF || d.Z > 0xFFFF {
		return fmt.Errorf("%w: %dx%dx%d exceeds 65535", ErrDimensions, d.X, d.Y, d.Z)
	}
	if v := int64(d.X) * int64(d.Y) * int64(d.Z); v > MaxVolume {
		return fmt.Errorf("%w: %dx%dx%d holds %d cells, limit %d", ErrDimensions, d.X, d.Y, d.Z, v, MaxVolume)
	}
	return nil
}

// Pattern is a target grid. The finder treats it as read-only once published.
type Pattern struct {
	Dims  Dims
	Cells []rotation.Code
}

// New returns an all-wildcard pattern.
func New(d Dims) (*Pattern, error) {
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &Pattern{Dims: d, Cells: make([]rotation.Code, d.Volume())}, nil
}

// FromBytes builds a pattern from a flattened grid of raw rotation bytes.
// Every byte is normalized through rotation.Normalize.
func FromBytes(d Dims, raw []byte) (*Pattern, error) {
	p, err := New(d)
	if err != nil {
		return nil, err
	}
	if len(raw) != d.Volume() {
		return nil, fmt.Errorf("%w: got %d bytes for %d cells", ErrDimensions, len(raw), d.Volume())
	}
	for i, b := range raw {
		p.Cells[i] = rotation.Normalize(b)
	}
	return p, nil
}

// Bytes returns the flattened grid.
func (p *Pattern) Bytes() []byte {
	out := make([]byte, len(p.Cells))
	for i, c := range p.Cells {
		out[i] = byte(c)
	}
	return out
}

// Set stores a constraint at a grid coordinate, normalized like FromBytes.
func (p *Pattern) Set(x, y, z int, c rotation.Code) error {
	if x < 0 || y < 0 || z < 0 || x >= p.Dims.X || y >= p.Dims.Y || z >= p.Dims.Z {
		return fmt.Errorf("cell %d,%d,%d outside %dx%dx%d grid", x, y, z, p.Dims.X, p.Dims.Y, p.Dims.Z)
	}
	p.Cells[p.Dims.Index(x, y, z)] = rotation.Normalize(byte(c))
	return nil
}

// At returns the constraint at a grid coordinate.
func (p *Pattern) At(x, y, z int) rotation.Code {
	return p.Cells[p.Dims.Index(x, y, z)]
}

// Constrained counts cells that are not wildcards.
func (p *Pattern) Constrained() int {
	n := 0
	for _, c := range p.Cells {
		if !c.Wildcard() {
			n++
		}
	}
	return n
}
