package finder

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/gpu"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
	"github.com/StormyCloudInc/blockseek/internal/rotation"
)

var testDims = chunk.Dimensions{Size: 12, Height: 6, Margin: 3}

type harness struct {
	p      *Pipeline
	jobs   *JobCell
	status *StatusCell
}

func newHarness(t *testing.T, dev gpu.Device, grid pattern.Dims) *harness {
	t.Helper()
	h := &harness{jobs: &JobCell{}, status: &StatusCell{}}
	p, err := New(dev, Params{Chunk: testDims, Grid: grid, DeviceTimeout: 10 * time.Second}, h.jobs, h.status, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.p = p
	return h
}

func softwareDevice(t *testing.T) *gpu.SoftwareDevice {
	t.Helper()
	d := gpu.NewSoftwareDevice(gpu.Options{Workers: 2})
	t.Cleanup(func() { d.Close() })
	return d
}

// tickUntil ticks until done reports true, failing after max ticks.
func (h *harness) tickUntil(t *testing.T, max int, done func(*Pipeline) bool) {
	t.Helper()
	for i := 0; i < max; i++ {
		if done(h.p) {
			return
		}
		if err := h.p.Tick(); err != nil {
			t.Fatalf("tick %d in %s: %v", i, h.p.State(), err)
		}
		if h.p.State() == StateLoadingPipelines {
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatalf("condition not reached after %d ticks, state %s", max, h.p.State())
}

func (h *harness) ready(t *testing.T) {
	t.Helper()
	h.tickUntil(t, 5000, func(p *Pipeline) bool { return p.State() == StateWaitingForTask })
}

func finished(p *Pipeline) bool { return p.State() == StateFinished }

func TestWildcardMatchesFirstChunkOrigin(t *testing.T) {
	h := newHarness(t, softwareDevice(t), pattern.Dims{X: 1, Y: 1, Z: 1})
	if got := h.status.Load().Phase; got != PhaseWaitingForJob {
		t.Fatalf("initial phase = %s", got)
	}
	h.ready(t)
	wild, _ := pattern.New(pattern.Dims{X: 1, Y: 1, Z: 1})
	h.jobs.Publish(NewJob(wild))
	h.tickUntil(t, 10, finished)

	s := h.status.Load()
	if s.Phase != PhaseFinished {
		t.Fatalf("phase = %s", s.Phase)
	}
	if s.Position != (Position{}) {
		t.Fatalf("position = %v, want the first chunk origin", s.Position)
	}
	if s.Scanned != testDims.Interior() || s.Chunks != 1 {
		t.Fatalf("scanned %d in %d chunks, want %d in 1", s.Scanned, s.Chunks, testDims.Interior())
	}
	// Finished is terminal.
	if err := h.p.Tick(); err != nil || h.p.State() != StateFinished {
		t.Fatalf("tick after finish: %v %s", err, h.p.State())
	}
}

func TestFindsCopiedTerrainLikeCPU(t *testing.T) {
	grid := pattern.Dims{X: 2, Y: 2, Z: 2}
	const source = 3
	src, err := chunk.Generate(context.Background(), testDims, testDims.OriginAt(source))
	if err != nil {
		t.Fatal(err)
	}
	at := pattern.Offset{X: 5, Y: 2, Z: 7}
	p, _ := pattern.New(grid)
	for i := range p.Cells {
		x, y, z := grid.Coords(i)
		p.Cells[i] = rotation.New(src.At(at.X+x, at.Y+y, at.Z+z), 4)
	}

	h := newHarness(t, softwareDevice(t), grid)
	h.ready(t)
	h.jobs.Publish(NewJob(p))
	h.tickUntil(t, 100, finished)
	s := h.status.Load()
	if s.Chunks < 1 || s.Chunks > source+1 {
		t.Fatalf("found after %d chunks, source chunk is index %d", s.Chunks, source)
	}

	// The CPU reference must agree on which chunk and offset come first.
	for n := uint32(0); n < s.Chunks; n++ {
		origin := testDims.OriginAt(n)
		c, err := chunk.Generate(context.Background(), testDims, origin)
		if err != nil {
			t.Fatal(err)
		}
		o, ok, err := pattern.FirstMatch(c, p)
		if err != nil {
			t.Fatal(err)
		}
		last := n == s.Chunks-1
		if ok != last {
			t.Fatalf("chunk %d: CPU match=%v, device stopped after chunk %d", n, ok, s.Chunks-1)
		}
		if last {
			want := Position{X: origin.X + int64(o.X), Y: int64(o.Y), Z: origin.Z + int64(o.Z)}
			if s.Position != want {
				t.Fatalf("device position %v, CPU %v", s.Position, want)
			}
		}
	}
	if s.Scanned != uint64(s.Chunks)*testDims.Interior() {
		t.Fatalf("scanned = %d", s.Scanned)
	}
}

func TestImpossiblePatternKeepsRunning(t *testing.T) {
	h := newHarness(t, softwareDevice(t), pattern.Dims{X: 1, Y: 1, Z: 1})
	h.ready(t)
	p, _ := pattern.New(pattern.Dims{X: 1, Y: 1, Z: 1})
	p.Cells[0] = rotation.New(5, 8)
	h.jobs.Publish(NewJob(p))

	var last uint64
	for i := 0; i < 6; i++ {
		h.tickUntil(t, 10, func(p *Pipeline) bool {
			return p.State() == StateWaitingForGPU && h.status.Load().Scanned > last
		})
		s := h.status.Load()
		if s.Phase != PhaseRunning {
			t.Fatalf("phase = %s after %d chunks", s.Phase, s.Chunks)
		}
		if s.Scanned <= last {
			t.Fatalf("scanned did not increase: %d -> %d", last, s.Scanned)
		}
		last = s.Scanned
	}
	if got := h.status.Load().Chunks; got != 6 {
		t.Fatalf("chunks = %d, want 6", got)
	}
}

func TestRejectsJobOfWrongShape(t *testing.T) {
	h := newHarness(t, softwareDevice(t), pattern.Dims{X: 2, Y: 2, Z: 2})
	h.ready(t)
	p, _ := pattern.New(pattern.Dims{X: 1, Y: 1, Z: 1})
	h.jobs.Publish(NewJob(p))
	err := h.p.Tick()
	if !errors.Is(err, ErrJobRejected) || errors.Is(err, ErrFatal) {
		t.Fatalf("Tick = %v, want a non-fatal rejection", err)
	}
	if h.p.State() != StateWaitingForTask {
		t.Fatalf("state = %s", h.p.State())
	}
	if h.status.Load().Phase != PhaseWaitingForJob {
		t.Fatal("rejected job must not start a search")
	}
}

func TestNewRejectsOversizedGrid(t *testing.T) {
	_, err := New(softwareDevice(t), Params{Chunk: testDims, Grid: pattern.Dims{X: 4, Y: 1, Z: 1}}, &JobCell{}, &StatusCell{}, nil)
	if !errors.Is(err, pattern.ErrDimensions) {
		t.Fatalf("New = %v, want ErrDimensions", err)
	}
}

type brokenCompiler struct{ *gpu.SoftwareDevice }

func (brokenCompiler) PipelineState(gpu.PipelineID) (bool, error) {
	return false, fmt.Errorf("%w: syntax error", gpu.ErrCompile)
}

func TestCompileFailureIsFatal(t *testing.T) {
	h := newHarness(t, brokenCompiler{softwareDevice(t)}, pattern.Dims{X: 1, Y: 1, Z: 1})
	err := h.p.Tick()
	if !errors.Is(err, ErrFatal) || !errors.Is(err, gpu.ErrCompile) {
		t.Fatalf("Tick = %v", err)
	}
	if again := h.p.Tick(); again != err {
		t.Fatalf("second Tick = %v, want the same fatal error", again)
	}
}

type stalledDevice struct{ *gpu.SoftwareDevice }

func (stalledDevice) Poll(bool, time.Duration) error {
	return fmt.Errorf("%w: queue busy", gpu.ErrTimeout)
}

func TestDeviceTimeoutIsFatal(t *testing.T) {
	dev := softwareDevice(t)
	h := newHarness(t, stalledDevice{dev}, pattern.Dims{X: 1, Y: 1, Z: 1})
	h.ready(t)
	wild, _ := pattern.New(pattern.Dims{X: 1, Y: 1, Z: 1})
	h.jobs.Publish(NewJob(wild))

	var err error
	for i := 0; i < 5 && err == nil; i++ {
		err = h.p.Tick()
	}
	if !errors.Is(err, ErrFatal) || !errors.Is(err, gpu.ErrTimeout) {
		t.Fatalf("Tick = %v, want fatal timeout", err)
	}
	s := h.status.Load()
	if s.Phase != PhaseRunning || s.Scanned != 0 {
		t.Fatalf("status after failure = %+v, want untouched running status", s)
	}
	// Let the real queue drain before the device is closed.
	if err := dev.Poll(true, 10*time.Second); err != nil {
		t.Fatal(err)
	}
}

func TestJobCellKeepsLatest(t *testing.T) {
	var c JobCell
	if _, ok := c.Take(); ok {
		t.Fatal("empty cell returned a job")
	}
	a := NewJob(nil)
	b := NewJob(nil)
	c.Publish(a)
	c.Publish(b)
	got, ok := c.Take()
	if !ok || got.ID != b.ID {
		t.Fatalf("Take = %v %v, want the latest job", got.ID, ok)
	}
	if _, ok := c.Take(); ok {
		t.Fatal("job taken twice")
	}
}

func TestStatusCellChanged(t *testing.T) {
	var c StatusCell
	if c.Load().Phase != PhaseWaitingForJob {
		t.Fatal("zero cell should read as waiting")
	}
	ch := c.Changed()
	select {
	case <-ch:
		t.Fatal("Changed closed before any Store")
	default:
	}
	c.Store(Status{Phase: PhaseRunning, Scanned: 7})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("Store did not close Changed")
	}
	if s := c.Load(); s.Phase != PhaseRunning || s.Scanned != 7 {
		t.Fatalf("Load = %+v", s)
	}
}
