// Package chunk generates dense terrain volumes from the world hash and hands
// them to consumers in spiral order.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/StormyCloudInc/blockseek/internal/spiral"
	"github.com/StormyCloudInc/blockseek/internal/worldgen"
)

// Defaults match the world the finder targets.
const (
	DefaultSize   = 1240
	DefaultMargin = 40
	DefaultHeight = 320
)

// Dimensions describes a chunk volume. Size is the horizontal edge length in
// both x and z, Height the vertical extent, Margin the overlap between
// horizontally adjacent chunks.
type Dimensions struct {
	Size   int
	Height int
	Margin int
}

// Default returns the stock chunk dimensions.
func Default() Dimensions {
	return Dimensions{Size: DefaultSize, Height: DefaultHeight, Margin: DefaultMargin}
}

// Validate checks the constraints shared by the CPU and device paths.
func (d Dimensions) Validate() error {
	if d.Size <= 0 || d.Height <= 0 {
		return errors.New("chunk dimensions must be positive")
	}
	if d.Size%4 != 0 {
		return fmt.Errorf("chunk size %d must be a multiple of 4", d.Size)
	}
	if d.Margin < 0 || d.Margin >= d.Size {
		return fmt.Errorf("chunk margin %d must be in [0, %d)", d.Margin, d.Size)
	}
	return nil
}

// Volume returns the number of cells in one chunk.
func (d Dimensions) Volume() int { return d.Size * d.Size * d.Height }

// Stride is the distance between origins of adjacent chunks.
func (d Dimensions) Stride() int { return d.Size - d.Margin }

// Interior returns the number of cells a chunk contributes to a search once
// the overlap with its neighbours is removed.
func (d Dimensions) Interior() uint64 {
	s := uint64(d.Stride())
	return s * s * uint64(d.Height)
}

// Index linearizes a local coordinate: x fastest, then z, then y.
func (d Dimensions) Index(x, y, z int) int {
	return x + z*d.Size + y*d.Size*d.Size
}

// Coords is the inverse of Index.
func (d Dimensions) Coords(i int) (x, y, z int) {
	layer := d.Size * d.Size
	y = i / layer
	rem := i % layer
	return rem % d.Size, y, rem / d.Size
}

// Origin is the world-space (x, z) of a chunk's local cell 0. The y origin is
// always 0.
type Origin struct {
	X, Z int64
}

// OriginAt returns the origin of the chunk at spiral index n.
func (d Dimensions) OriginAt(n uint32) Origin {
	x, z := spiral.Origin(n, int64(d.Stride()))
	return Origin{X: x, Z: z}
}

// Chunk is an immutable volume of block rotations.
type Chunk struct {
	Origin Origin
	Dims   Dimensions
	Cells  []uint8
}

// At returns the rotation stored at a local coordinate.
func (c *Chunk) At(x, y, z int) uint8 {
	return c.Cells[c.Dims.Index(x, y, z)]
}

// Generate fills a chunk by evaluating the world hash at every cell. Layers
// are computed in parallel; the result is identical to a sequential pass.
func Generate(ctx context.Context, dims Dimensions, origin Origin) (*Chunk, error) {
	if err := dims.Validate(); err != nil {
		return nil, err
	}
	cells := make([]uint8, dims.Volume())
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	layer := dims.Size * dims.Size
	for y := 0; y < dims.Height; y++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			out := cells[y*layer : (y+1)*layer]
			for z := 0; z < dims.Size; z++ {
				wz := origin.Z + int64(z)
				row := out[z*dims.Size : (z+1)*dims.Size]
				for x := range row {
					row[x] = worldgen.BlockRotation(origin.X+int64(x), int64(y), wz)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &Chunk{Origin: origin, Dims: dims, Cells: cells}, nil
}
