// Package finder drives the device search: a state machine advanced one step
// per Tick that generates terrain chunk by chunk in spiral order, scans it for
// the published pattern and reports progress through a StatusCell.
package finder

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/StormyCloudInc/blockseek/internal/chunk"
	"github.com/StormyCloudInc/blockseek/internal/gpu"
	"github.com/StormyCloudInc/blockseek/internal/logging"
	"github.com/StormyCloudInc/blockseek/internal/pattern"
)

// ErrFatal wraps every device failure. A pipeline that returned it refuses
// further work.
var ErrFatal = errors.New("search pipeline failed")

// ErrJobRejected is returned when a published job does not fit the grid the
// pipeline was built for. The pipeline keeps waiting for another job.
var ErrJobRejected = errors.New("job rejected")

// State is the position of the pipeline in its transition table.
type State int

const (
	StateLoadingPipelines State = iota
	StateWaitingForTask
	StateWaitingForGPU
	StateReadingData
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateLoadingPipelines:
		return "LoadingPipelines"
	case StateWaitingForTask:
		return "WaitingForTask"
	case StateWaitingForGPU:
		return "WaitingForGPU"
	case StateReadingData:
		return "ReadingData"
	case StateFinished:
		return "Finished"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Params fixes the geometry of one pipeline.
type Params struct {
	Chunk chunk.Dimensions
	Grid  pattern.Dims
	// DeviceTimeout bounds each wait for the device to go idle. Zero waits
	// forever.
	DeviceTimeout time.Duration
}

// Pipeline is the search state machine. It is not safe for concurrent use;
// one goroutine calls Tick.
type Pipeline struct {
	dev    gpu.Device
	params Params
	window pattern.Window
	jobs   *JobCell
	status *StatusCell
	log    logrus.FieldLogger

	state   State
	genID   gpu.PipelineID
	findID  gpu.PipelineID
	scan    gpu.FindParams
	fatal   error
	job     Job
	cursor  uint32
	origin  chunk.Origin
	running Status

	chunkParams *gpu.Buffer
	terrain     *gpu.Buffer
	findParams  *gpu.Buffer
	patternBuf  *gpu.Buffer
	result      *gpu.Buffer
	staging     *gpu.Buffer

	mapDone bool
	mapErr  error
}

// New validates params, allocates device buffers and starts compiling both
// kernels. The status cell is reset to waiting.
func New(dev gpu.Device, params Params, jobs *JobCell, status *StatusCell, logger logrus.FieldLogger) (*Pipeline, error) {
	w, err := pattern.NewWindow(params.Chunk, params.Grid)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{
		dev:    dev,
		params: params,
		window: w,
		jobs:   jobs,
		status: status,
		log:    logging.Component(logger, "finder"),
		scan: gpu.FindParams{
			Size:   uint32(params.Chunk.Size),
			Height: uint32(params.Chunk.Height),
			GridX:  uint32(params.Grid.X),
			GridY:  uint32(params.Grid.Y),
			GridZ:  uint32(params.Grid.Z),
			Width:  uint32(w.Width),
			Layers: uint32(w.Layers),
		},
	}

	bufs := []struct {
		dst   **gpu.Buffer
		label string
		size  uint64
		usage gpu.Usage
	}{
		{&p.chunkParams, "chunk params", gpu.ParamWords * 4, gpu.UsageUniform | gpu.UsageCopyDst},
		{&p.terrain, "terrain", uint64(params.Chunk.LaneCount()) * 4, gpu.UsageStorage},
		{&p.findParams, "find params", gpu.ParamWords * 4, gpu.UsageUniform | gpu.UsageCopyDst},
		{&p.patternBuf, "pattern", uint64(params.Grid.Volume()+3) / 4 * 4, gpu.UsageStorage | gpu.UsageCopyDst},
		{&p.result, "result", gpu.ResultSize, gpu.UsageStorage | gpu.UsageCopySrc | gpu.UsageCopyDst},
		{&p.staging, "result staging", gpu.ResultSize, gpu.UsageMapRead | gpu.UsageCopyDst},
	}
	for _, b := range bufs {
		*b.dst, err = dev.NewBuffer(b.label, b.size, b.usage)
		if err != nil {
			return nil, fmt.Errorf("%w: allocate %s: %w", ErrFatal, b.label, err)
		}
	}

	p.genID = dev.QueuePipeline(gpu.KernelChunk)
	p.findID = dev.QueuePipeline(gpu.KernelFind)
	status.Store(Status{Phase: PhaseWaitingForJob})
	p.log.WithFields(logrus.Fields{
		"device": dev.Info().String(),
		"chunk":  fmt.Sprintf("%dx%dx%d", params.Chunk.Size, params.Chunk.Height, params.Chunk.Size),
		"margin": params.Chunk.Margin,
		"grid":   fmt.Sprintf("%dx%dx%d", params.Grid.X, params.Grid.Y, params.Grid.Z),
	}).Info("compiling kernels")
	return p, nil
}

// State returns the current state.
func (p *Pipeline) State() State { return p.state }

// Window returns the per-chunk scan window.
func (p *Pipeline) Window() pattern.Window { return p.window }

// Tick advances the state machine by at most one transition. It returns an
// error wrapping ErrFatal on any device failure, after which every Tick
// returns the same error.
func (p *Pipeline) Tick() error {
	if p.fatal != nil {
		return p.fatal
	}
	switch p.state {
	case StateLoadingPipelines:
		return p.loadPipelines()
	case StateWaitingForTask:
		return p.acceptJob()
	case StateWaitingForGPU:
		return p.dispatch()
	case StateReadingData:
		return p.readResult()
	}
	return nil
}

func (p *Pipeline) fail(err error) error {
	p.fatal = fmt.Errorf("%w: %w", ErrFatal, err)
	p.log.WithError(err).WithField("state", p.state.String()).Error("device failure")
	return p.fatal
}

func (p *Pipeline) loadPipelines() error {
	genReady, err := p.dev.PipelineState(p.genID)
	if err != nil {
		return p.fail(err)
	}
	findReady, err := p.dev.PipelineState(p.findID)
	if err != nil {
		return p.fail(err)
	}
	if genReady && findReady {
		p.state = StateWaitingForTask
		p.log.Info("kernels ready")
	}
	return nil
}

func (p *Pipeline) acceptJob() error {
	job, ok := p.jobs.Take()
	if !ok {
		return nil
	}
	if job.Pattern == nil || job.Pattern.Dims != p.params.Grid {
		return fmt.Errorf("%w: pattern does not match the %dx%dx%d grid", ErrJobRejected,
			p.params.Grid.X, p.params.Grid.Y, p.params.Grid.Z)
	}
	if err := p.dev.WriteBuffer(p.patternBuf, 0, job.Pattern.Lanes()); err != nil {
		return p.fail(err)
	}
	if err := p.dev.WriteBuffer(p.findParams, 0, p.scan.Words()); err != nil {
		return p.fail(err)
	}
	p.job = job
	p.cursor = 0
	p.running = Status{Phase: PhaseRunning, JobID: job.ID, Start: time.Now()}
	p.status.Store(p.running)
	p.state = StateWaitingForGPU
	p.log.WithFields(logrus.Fields{
		"job":         job.ID.String(),
		"constrained": job.Pattern.Constrained(),
	}).Info("job accepted")
	return nil
}

func (p *Pipeline) dispatch() error {
	p.origin = p.params.Chunk.OriginAt(p.cursor)
	cp := gpu.ChunkParams{
		OriginX: p.origin.X,
		OriginZ: p.origin.Z,
		Size:    uint32(p.params.Chunk.Size),
		Height:  uint32(p.params.Chunk.Height),
	}
	if err := p.dev.WriteBuffer(p.chunkParams, 0, cp.Words()); err != nil {
		return p.fail(err)
	}
	if err := p.dev.WriteBuffer(p.result, 0, []uint32{gpu.ResultSentinel}); err != nil {
		return p.fail(err)
	}
	err := p.dev.Submit(
		gpu.Dispatch{
			Pipeline: p.genID,
			Bindings: []*gpu.Buffer{p.chunkParams, p.terrain},
			Groups:   gpu.Groups(cp.Invocations()),
		},
		gpu.Dispatch{
			Pipeline: p.findID,
			Bindings: []*gpu.Buffer{p.findParams, p.terrain, p.patternBuf, p.result},
			Groups:   gpu.Groups(p.scan.Invocations()),
		},
		gpu.Copy{Src: p.result, Dst: p.staging, Size: gpu.ResultSize},
	)
	if err != nil {
		return p.fail(err)
	}
	p.mapDone, p.mapErr = false, nil
	if err := p.dev.MapAsync(p.staging, func(err error) {
		p.mapDone, p.mapErr = true, err
	}); err != nil {
		return p.fail(err)
	}
	p.state = StateReadingData
	p.log.WithFields(logrus.Fields{
		"chunk":  p.cursor,
		"origin": fmt.Sprintf("%d, %d", p.origin.X, p.origin.Z),
	}).Debug("dispatched chunk")
	return nil
}

func (p *Pipeline) readResult() error {
	if err := p.dev.Poll(true, p.params.DeviceTimeout); err != nil {
		return p.fail(err)
	}
	if !p.mapDone {
		return p.fail(fmt.Errorf("%w: map callback did not run after the queue drained", gpu.ErrMap))
	}
	if p.mapErr != nil {
		return p.fail(p.mapErr)
	}
	view, err := p.dev.MappedRange(p.staging)
	if err != nil {
		return p.fail(err)
	}
	key := view[0]
	if err := p.dev.Unmap(p.staging); err != nil {
		return p.fail(err)
	}

	p.running.Scanned += p.params.Chunk.Interior()
	p.running.Chunks++
	if key == gpu.ResultSentinel {
		p.log.WithFields(logrus.Fields{
			"chunk":   p.cursor,
			"scanned": p.running.Scanned,
		}).Debug("no match in chunk")
		p.cursor++
		p.status.Store(p.running)
		p.state = StateWaitingForGPU
		return nil
	}

	o := p.window.Offset(key)
	done := p.running
	done.Phase = PhaseFinished
	done.Position = Position{X: p.origin.X + int64(o.X), Y: int64(o.Y), Z: p.origin.Z + int64(o.Z)}
	done.Elapsed = time.Since(p.running.Start)
	p.status.Store(done)
	p.state = StateFinished
	p.log.WithFields(logrus.Fields{
		"job":      p.job.ID.String(),
		"position": done.Position.String(),
		"scanned":  done.Scanned,
		"elapsed":  done.Elapsed.Round(time.Millisecond).String(),
	}).Info("match found")
	return nil
}
