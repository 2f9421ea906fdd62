package gpu

import (
	"fmt"
	"sync/atomic"

	"github.com/StormyCloudInc/blockseek/internal/rotation"
	"github.com/StormyCloudInc/blockseek/internal/worldgen"
)

// invocation is the body of a software kernel for one global invocation id.
type invocation func(id uint64)

// prepareFunc checks a dispatch's bindings once and returns the invocation
// body plus the number of invocations that do work.
type prepareFunc func(bind [][]uint32) (invocation, uint64, error)

func softwareKernel(k Kernel) (prepareFunc, bool) {
	switch k {
	case KernelChunk:
		return prepareChunk, true
	case KernelFind:
		return prepareFind, true
	default:
		return nil, false
	}
}

func needBindings(k Kernel, bind [][]uint32, n int) error {
	if len(bind) != n {
		return fmt.Errorf("%s: %d bindings, want %d", k, len(bind), n)
	}
	if len(bind[0]) < ParamWords {
		return fmt.Errorf("%s: params hold %d words, want %d", k, len(bind[0]), ParamWords)
	}
	return nil
}

func prepareChunk(bind [][]uint32) (invocation, uint64, error) {
	if err := needBindings(KernelChunk, bind, 2); err != nil {
		return nil, 0, err
	}
	p := decodeChunkParams(bind[0])
	terrain := bind[1]
	n := p.Invocations()
	if uint64(len(terrain)) < n {
		return nil, 0, fmt.Errorf("%s: terrain holds %d words, want %d", KernelChunk, len(terrain), n)
	}
	size := uint64(p.Size)
	layer := size * size
	cells := layer * uint64(p.Height)

	return func(id uint64) {
		var word uint32
		for k := uint64(0); k < 16; k++ {
			i := id*16 + k
			if i >= cells {
				break
			}
			rem := i % layer
			x := int64(rem % size)
			z := int64(rem / size)
			y := int64(i / layer)
			r := worldgen.BlockRotation(p.OriginX+x, y, p.OriginZ+z)
			word |= uint32(r) << (2 * k)
		}
		terrain[id] = word
	}, n, nil
}

type constraint struct {
	rel  uint64 // terrain index relative to the candidate offset
	code rotation.Code
}

func prepareFind(bind [][]uint32) (invocation, uint64, error) {
	if err := needBindings(KernelFind, bind, 4); err != nil {
		return nil, 0, err
	}
	p := decodeFindParams(bind[0])
	terrain, pat, result := bind[1], bind[2], bind[3]

	size := uint64(p.Size)
	if need := (size*size*uint64(p.Height) + 15) / 16; uint64(len(terrain)) < need {
		return nil, 0, fmt.Errorf("%s: terrain holds %d words, want %d", KernelFind, len(terrain), need)
	}
	cells := uint64(p.GridX) * uint64(p.GridY) * uint64(p.GridZ)
	if need := (cells + 3) / 4; uint64(len(pat)) < need {
		return nil, 0, fmt.Errorf("%s: pattern holds %d words, want %d", KernelFind, len(pat), need)
	}
	if len(result) < 1 {
		return nil, 0, fmt.Errorf("%s: missing result slot", KernelFind)
	}
	if p.Width == 0 || uint64(p.Width)+uint64(p.GridX) > size+1 || uint64(p.Width)+uint64(p.GridZ) > size+1 ||
		uint64(p.Layers)+uint64(p.GridY) > uint64(p.Height)+1 {
		return nil, 0, fmt.Errorf("%s: scan window %dx%d exceeds chunk", KernelFind, p.Width, p.Layers)
	}

	// Wildcards never reject, so only constrained cells are visited.
	var cs []constraint
	for gy := uint64(0); gy < uint64(p.GridY); gy++ {
		for gz := uint64(0); gz < uint64(p.GridZ); gz++ {
			for gx := uint64(0); gx < uint64(p.GridX); gx++ {
				pi := gx + gz*uint64(p.GridX) + gy*uint64(p.GridX)*uint64(p.GridZ)
				code := rotation.Code(pat[pi/4] >> (pi % 4 * 8))
				if code.Wildcard() {
					continue
				}
				cs = append(cs, constraint{rel: gx + gz*size + gy*size*size, code: code})
			}
		}
	}

	width := uint64(p.Width)
	layer := width * width
	slot := &result[0]
	return func(id uint64) {
		key := uint32(id)
		if atomic.LoadUint32(slot) <= key {
			return
		}
		rem := id % layer
		base := rem%width + rem/width*size + id/layer*size*size
		for _, c := range cs {
			ti := base + c.rel
			t := uint8(terrain[ti/16]>>(ti%16*2)) & 3
			if !c.code.Matches(t) {
				return
			}
		}
		for {
			cur := atomic.LoadUint32(slot)
			if cur <= key || atomic.CompareAndSwapUint32(slot, cur, key) {
				return
			}
		}
	}, p.Invocations(), nil
}
