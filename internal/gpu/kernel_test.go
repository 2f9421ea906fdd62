package gpu

import (
	"context"
	"testing"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
	"github.com/StormyCloudInc/blockseek/internal/rotation"
)

// kernelOrigins cover the spawn chunk, small negative coordinates and a far
// origin whose products overflow 32 bits.
var kernelOrigins = []chunk.Origin{
	{},
	{X: -9, Z: 9},
	{X: 300, Z: -300},
	{X: 1 << 40, Z: -(1 << 40)},
	{X: -(1 << 40) - 7, Z: 1<<40 + 5},
}

// testChunkKernel checks the chunk kernel of the device returned by open
// against chunk.Generate.
func testChunkKernel(t *testing.T, open func(*testing.T) Device) {
	dims := chunk.Dimensions{Size: 12, Height: 5, Margin: 3}
	for _, origin := range kernelOrigins {
		d := open(t)
		terrain, _ := generateOnDevice(t, d, dims, origin)
		lanes := readBack(t, d, terrain)

		c, err := chunk.Generate(context.Background(), dims, origin)
		if err != nil {
			t.Fatal(err)
		}
		want, err := chunk.PackLanes(c.Cells)
		if err != nil {
			t.Fatal(err)
		}
		for i := range want {
			if lanes[i] != want[i] {
				t.Fatalf("origin %+v lane %d = %#08x, want %#08x", origin, i, lanes[i], want[i])
			}
		}
	}
}

// testFindKernel plants a pattern copied from each chunk and checks the find
// kernel reports the same first offset as pattern.FirstMatch.
func testFindKernel(t *testing.T, open func(*testing.T) Device) {
	dims := chunk.Dimensions{Size: 16, Height: 6, Margin: 4}
	g := pattern.Dims{X: 2, Y: 1, Z: 2}
	target := pattern.Offset{X: 9, Y: 3, Z: 7}
	w, err := pattern.NewWindow(dims, g)
	if err != nil {
		t.Fatal(err)
	}

	for _, origin := range kernelOrigins {
		c, err := chunk.Generate(context.Background(), dims, origin)
		if err != nil {
			t.Fatal(err)
		}
		p, err := pattern.New(g)
		if err != nil {
			t.Fatal(err)
		}
		for z := 0; z < g.Z; z++ {
			for x := 0; x < g.X; x++ {
				if err := p.Set(x, 0, z, rotation.New(c.At(target.X+x, target.Y, target.Z+z), 4)); err != nil {
					t.Fatal(err)
				}
			}
		}
		wantOffset, ok, err := pattern.FirstMatch(c, p)
		if err != nil || !ok {
			t.Fatalf("origin %+v: CPU reference found nothing: %v", origin, err)
		}

		d := open(t)
		terrain, _ := generateOnDevice(t, d, dims, origin)
		find := waitPipeline(t, d, KernelFind)
		fp := FindParams{
			Size: uint32(dims.Size), Height: uint32(dims.Height),
			GridX: uint32(g.X), GridY: uint32(g.Y), GridZ: uint32(g.Z),
			Width: uint32(w.Width), Layers: uint32(w.Layers),
		}
		lanes := p.Lanes()
		params := mustBuffer(t, d, "find params", ParamWords*4, UsageUniform)
		patBuf := mustBuffer(t, d, "pattern", uint64(len(lanes))*4, UsageStorage)
		result := mustBuffer(t, d, "result", ResultSize, UsageStorage|UsageCopySrc)
		for _, wr := range []struct {
			b *Buffer
			w []uint32
		}{{params, fp.Words()}, {patBuf, lanes}, {result, []uint32{ResultSentinel}}} {
			if err := d.WriteBuffer(wr.b, 0, wr.w); err != nil {
				t.Fatal(err)
			}
		}
		err = d.Submit(Dispatch{Pipeline: find, Bindings: []*Buffer{params, terrain, patBuf, result}, Groups: Groups(fp.Invocations())})
		if err != nil {
			t.Fatal(err)
		}
		got := readBack(t, d, result)[0]
		if got != w.Key(wantOffset) {
			t.Fatalf("origin %+v: device key %d (%+v), CPU key %d (%+v)", origin, got, w.Offset(got), w.Key(wantOffset), wantOffset)
		}
	}
}
