package gpu

import "math"

// WorkgroupSize is the invocation count of one workgroup for both kernels.
const WorkgroupSize = 64

// ParamWords is the size, in 32-bit words, of every uniform parameter block.
const ParamWords = 8

// ResultSentinel is the value of the result slot when nothing matched.
const ResultSentinel uint32 = math.MaxUint32

// ResultSize is the byte size of the result slot.
const ResultSize = 4

// ChunkParams is the uniform block of KernelChunk.
//
// Bindings: 0 params, 1 terrain (2 bits per cell, 16 cells per word, x
// fastest, then z, then y). One invocation fills one terrain word.
type ChunkParams struct {
	OriginX int64
	OriginZ int64
	Size    uint32
	Height  uint32
}

// Words encodes p as uploaded to the device, 64-bit values low word first.
func (p ChunkParams) Words() []uint32 {
	return []uint32{
		uint32(p.OriginX), uint32(uint64(p.OriginX) >> 32),
		uint32(p.OriginZ), uint32(uint64(p.OriginZ) >> 32),
		p.Size, p.Height, 0, 0,
	}
}

// Invocations returns the number of terrain words to fill.
func (p ChunkParams) Invocations() uint64 {
	cells := uint64(p.Size) * uint64(p.Size) * uint64(p.Height)
	return (cells + 15) / 16
}

func decodeChunkParams(w []uint32) ChunkParams {
	return ChunkParams{
		OriginX: int64(uint64(w[0]) | uint64(w[1])<<32),
		OriginZ: int64(uint64(w[2]) | uint64(w[3])<<32),
		Size:    w[4],
		Height:  w[5],
	}
}

// FindParams is the uniform block of KernelFind.
//
// Bindings: 0 params, 1 terrain, 2 pattern (4 cells per word,
// little-endian), 3 result slot. Invocation k tests the offset whose scan key
// is k and atomically lowers the result slot to k on a match.
type FindParams struct {
	Size   uint32
	Height uint32
	GridX  uint32
	GridY  uint32
	GridZ  uint32
	Width  uint32 // x and z extent of the scan window
	Layers uint32 // y extent of the scan window
}

func (p FindParams) Words() []uint32 {
	return []uint32{p.Size, p.Height, p.GridX, p.GridY, p.GridZ, p.Width, p.Layers, 0}
}

// Invocations returns the number of candidate offsets.
func (p FindParams) Invocations() uint64 {
	return uint64(p.Width) * uint64(p.Width) * uint64(p.Layers)
}

func decodeFindParams(w []uint32) FindParams {
	return FindParams{Size: w[0], Height: w[1], GridX: w[2], GridY: w[3], GridZ: w[4], Width: w[5], Layers: w[6]}
}

// Groups returns the workgroup count covering n invocations.
func Groups(n uint64) uint32 {
	return uint32((n + WorkgroupSize - 1) / WorkgroupSize)
}
