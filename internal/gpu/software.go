package gpu

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/StormyCloudInc/blockseek/internal/logging"
)

type mapState int

const (
	unmapped mapState = iota
	mapPending
	mapped
)

type swBuffer struct {
	buf   *Buffer
	data  []uint32
	state mapState
}

type swPipeline struct {
	kernel  Kernel
	prepare prepareFunc
	ready   chan struct{}
	err     error
}

type pendingMap struct {
	b    *swBuffer
	done func(error)
}

// SoftwareDevice runs the kernels on the CPU. Submitted batches execute in
// order on a queue goroutine; each dispatch fans its workgroups out over a
// bounded set of goroutines.
type SoftwareDevice struct {
	info    Info
	workers int
	log     logrus.FieldLogger

	mu        sync.Mutex
	buffers   map[uint32]*swBuffer
	nextID    uint32
	pipelines []*swPipeline
	inflight  int
	idle      chan struct{}
	maps      []pendingMap
	err       error
	closed    bool

	work   chan func() error
	quit   chan struct{}
	exited chan struct{}
}

func softwareInfo(workers int) Info {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return Info{Name: "Go software device", Backend: BackendSoftware, Units: workers}
}

// NewSoftwareDevice starts a software device.
func NewSoftwareDevice(opts Options) *SoftwareDevice {
	info := softwareInfo(opts.Workers)
	idle := make(chan struct{})
	close(idle)
	d := &SoftwareDevice{
		info:    info,
		workers: info.Units,
		log:     logging.Component(opts.Logger, "gpu-software"),
		buffers: make(map[uint32]*swBuffer),
		idle:    idle,
		work:    make(chan func() error, 64),
		quit:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *SoftwareDevice) Info() Info { return d.info }

func (d *SoftwareDevice) run() {
	defer close(d.exited)
	for {
		select {
		case fn := <-d.work:
			err := fn()
			d.mu.Lock()
			if err != nil && d.err == nil {
				d.err = err
			}
			d.inflight--
			if d.inflight == 0 {
				close(d.idle)
			}
			d.mu.Unlock()
		case <-d.quit:
			return
		}
	}
}

func (d *SoftwareDevice) enqueue(fn func() error) {
	d.mu.Lock()
	if d.inflight == 0 {
		d.idle = make(chan struct{})
	}
	d.inflight++
	d.mu.Unlock()
	d.work <- fn
}

func (d *SoftwareDevice) NewBuffer(label string, size uint64, usage Usage) (*Buffer, error) {
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("buffer %q: size %d must be a positive multiple of 4", label, size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	d.nextID++
	b := &Buffer{id: d.nextID, label: label, size: size, usage: usage}
	d.buffers[b.id] = &swBuffer{buf: b, data: make([]uint32, size/4)}
	return b, nil
}

// lookup resolves a handle. Callers hold d.mu.
func (d *SoftwareDevice) lookup(b *Buffer) (*swBuffer, error) {
	if b == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	sb, ok := d.buffers[b.id]
	if !ok || sb.buf != b {
		return nil, fmt.Errorf("buffer %q does not belong to this device", b.label)
	}
	return sb, nil
}

func (d *SoftwareDevice) WriteBuffer(b *Buffer, offset uint64, words []uint32) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	sb, err := d.lookup(b)
	if err == nil && sb.state != unmapped {
		err = fmt.Errorf("%w: write to mapped buffer %q", ErrMap, b.label)
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if offset%4 != 0 || offset/4+uint64(len(words)) > uint64(len(sb.data)) {
		return fmt.Errorf("write of %d words at %d overruns buffer %q", len(words), offset, b.label)
	}
	src := make([]uint32, len(words))
	copy(src, words)
	d.enqueue(func() error {
		copy(sb.data[offset/4:], src)
		return nil
	})
	return nil
}

func (d *SoftwareDevice) QueuePipeline(k Kernel) PipelineID {
	p := &swPipeline{kernel: k, ready: make(chan struct{})}
	d.mu.Lock()
	id := PipelineID(len(d.pipelines))
	d.pipelines = append(d.pipelines, p)
	d.mu.Unlock()

	go func() {
		defer close(p.ready)
		prepare, ok := softwareKernel(k)
		if !ok {
			p.err = fmt.Errorf("%w: no entry point %s", ErrCompile, k)
			return
		}
		p.prepare = prepare
		d.log.WithField("kernel", k.String()).Debug("pipeline ready")
	}()
	return id
}

func (d *SoftwareDevice) pipeline(id PipelineID) (*swPipeline, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if int(id) < 0 || int(id) >= len(d.pipelines) {
		return nil, fmt.Errorf("unknown pipeline %d", id)
	}
	return d.pipelines[id], nil
}

func (d *SoftwareDevice) PipelineState(id PipelineID) (bool, error) {
	p, err := d.pipeline(id)
	if err != nil {
		return false, err
	}
	select {
	case <-p.ready:
		return p.err == nil, p.err
	default:
		return false, nil
	}
}

func (d *SoftwareDevice) Submit(cmds ...Command) error {
	steps := make([]func() error, 0, len(cmds))
	for _, c := range cmds {
		var step func() error
		var err error
		switch c := c.(type) {
		case Dispatch:
			step, err = d.prepareDispatch(c)
		case Copy:
			step, err = d.prepareCopy(c)
		default:
			err = fmt.Errorf("unsupported command %T", c)
		}
		if err != nil {
			return err
		}
		steps = append(steps, step)
	}
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	d.enqueue(func() error {
		for _, step := range steps {
			if err := step(); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// resolve looks up buffers that a command will touch and rejects mapped ones.
func (d *SoftwareDevice) resolve(bufs []*Buffer) ([]*swBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*swBuffer, len(bufs))
	for i, b := range bufs {
		sb, err := d.lookup(b)
		if err != nil {
			return nil, err
		}
		if sb.state != unmapped {
			return nil, fmt.Errorf("%w: buffer %q is mapped", ErrMap, b.label)
		}
		out[i] = sb
	}
	return out, nil
}

func (d *SoftwareDevice) prepareDispatch(c Dispatch) (func() error, error) {
	p, err := d.pipeline(c.Pipeline)
	if err != nil {
		return nil, err
	}
	ready, err := d.PipelineState(c.Pipeline)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, fmt.Errorf("pipeline %s not ready", p.kernel)
	}
	bufs, err := d.resolve(c.Bindings)
	if err != nil {
		return nil, err
	}
	return func() error {
		bind := make([][]uint32, len(bufs))
		for i, b := range bufs {
			bind[i] = b.data
		}
		body, n, err := p.prepare(bind)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDispatch, err)
		}
		total := uint64(c.Groups) * WorkgroupSize
		if total < n {
			n = total
		}
		return d.fanOut(n, body)
	}, nil
}

// fanOut runs body for ids [0, n) split into contiguous spans.
func (d *SoftwareDevice) fanOut(n uint64, body invocation) error {
	if n == 0 {
		return nil
	}
	span := n / uint64(d.workers*8)
	if span < WorkgroupSize {
		span = WorkgroupSize
	}
	var g errgroup.Group
	g.SetLimit(d.workers)
	for start := uint64(0); start < n; start += span {
		end := min(start+span, n)
		g.Go(func() error {
			for id := start; id < end; id++ {
				body(id)
			}
			return nil
		})
	}
	return g.Wait()
}

func (d *SoftwareDevice) prepareCopy(c Copy) (func() error, error) {
	bufs, err := d.resolve([]*Buffer{c.Src, c.Dst})
	if err != nil {
		return nil, err
	}
	src, dst := bufs[0], bufs[1]
	if c.Size%4 != 0 || c.Size > src.buf.size || c.Size > dst.buf.size {
		return nil, fmt.Errorf("copy of %d bytes from %q to %q out of range", c.Size, c.Src.label, c.Dst.label)
	}
	return func() error {
		copy(dst.data[:c.Size/4], src.data[:c.Size/4])
		return nil
	}, nil
}

func (d *SoftwareDevice) MapAsync(b *Buffer, done func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	sb, err := d.lookup(b)
	if err != nil {
		return err
	}
	if b.usage&UsageMapRead == 0 {
		return fmt.Errorf("%w: buffer %q lacks map-read usage", ErrMap, b.label)
	}
	if sb.state != unmapped {
		return fmt.Errorf("%w: buffer %q already mapped", ErrMap, b.label)
	}
	sb.state = mapPending
	d.maps = append(d.maps, pendingMap{b: sb, done: done})
	return nil
}

func (d *SoftwareDevice) MappedRange(b *Buffer) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb, err := d.lookup(b)
	if err != nil {
		return nil, err
	}
	if sb.state != mapped {
		return nil, fmt.Errorf("%w: buffer %q is not mapped", ErrMap, b.label)
	}
	return sb.data, nil
}

func (d *SoftwareDevice) Unmap(b *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb, err := d.lookup(b)
	if err != nil {
		return err
	}
	if sb.state != mapped {
		return fmt.Errorf("%w: buffer %q is not mapped", ErrMap, b.label)
	}
	sb.state = unmapped
	return nil
}

func (d *SoftwareDevice) Poll(wait bool, timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	idle := d.idle
	d.mu.Unlock()

	if wait {
		var expired <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case <-idle:
		case <-expired:
			return fmt.Errorf("%w: queue busy after %s", ErrTimeout, timeout)
		}
	} else {
		select {
		case <-idle:
		default:
			return nil
		}
	}

	d.mu.Lock()
	maps := d.maps
	d.maps = nil
	failure := d.err
	for _, m := range maps {
		if failure != nil {
			m.b.state = unmapped
		} else {
			m.b.state = mapped
		}
	}
	d.mu.Unlock()

	for _, m := range maps {
		if m.done == nil {
			continue
		}
		if failure != nil {
			m.done(fmt.Errorf("%w: %v", ErrMap, failure))
		} else {
			m.done(nil)
		}
	}
	return failure
}

// Close stops the queue goroutine. Work still queued is dropped.
func (d *SoftwareDevice) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	close(d.quit)
	<-d.exited
	return nil
}
