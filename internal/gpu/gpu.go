// Package gpu is the compute backend boundary. A Device owns buffers and
// compiled kernels, executes submitted command batches asynchronously and
// hands results back through an explicit map, poll and unmap cycle.
package gpu

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout is returned by Poll when the queue does not drain in time.
	ErrTimeout = errors.New("device timeout")
	// ErrCompile is reported when a kernel fails to build.
	ErrCompile = errors.New("kernel compile failed")
	// ErrMap is returned for invalid or failed buffer mappings.
	ErrMap = errors.New("buffer map failed")
	// ErrDispatch is reported when a submitted command fails on the device.
	ErrDispatch = errors.New("dispatch failed")
	// ErrUnavailable is returned when the requested backend is not present.
	ErrUnavailable = errors.New("compute backend unavailable")
	// ErrClosed is returned by every call on a closed device.
	ErrClosed = errors.New("device closed")
)

// Info describes a compute device.
type Info struct {
	Name    string
	Vendor  string
	Backend string // "software" or "opencl"
	Units   int
}

func (i Info) String() string {
	if i.Vendor == "" {
		return fmt.Sprintf("%s (%s)", i.Name, i.Backend)
	}
	return fmt.Sprintf("%s %s (%s)", i.Vendor, i.Name, i.Backend)
}

// Usage is a bit set of the ways a buffer may be used.
type Usage uint8

const (
	UsageStorage Usage = 1 << iota
	UsageUniform
	UsageCopySrc
	UsageCopyDst
	UsageMapRead
)

// Buffer is a handle to device memory. Sizes are in bytes and always a
// multiple of four.
type Buffer struct {
	id    uint32
	label string
	size  uint64
	usage Usage
}

func (b *Buffer) Label() string { return b.label }
func (b *Buffer) Size() uint64  { return b.size }
func (b *Buffer) Words() int    { return int(b.size / 4) }

// Kernel names a compute entry point.
type Kernel int

const (
	// KernelChunk fills a terrain buffer from the world hash.
	KernelChunk Kernel = iota
	// KernelFind scans a terrain buffer for the lowest matching offset.
	KernelFind
)

func (k Kernel) String() string {
	switch k {
	case KernelChunk:
		return "gen_chunk"
	case KernelFind:
		return "find"
	default:
		return fmt.Sprintf("kernel(%d)", int(k))
	}
}

// PipelineID identifies a compiled or compiling kernel on one device.
type PipelineID int

// Command is one step of a submitted batch.
type Command interface{ command() }

// Dispatch runs a kernel over Groups workgroups of WorkgroupSize
// invocations. Bindings follow the kernel's layout (see ChunkParams and
// FindParams).
type Dispatch struct {
	Pipeline PipelineID
	Bindings []*Buffer
	Groups   uint32
}

// Copy copies Size bytes from the start of Src to the start of Dst.
type Copy struct {
	Src, Dst *Buffer
	Size     uint64
}

func (Dispatch) command() {}
func (Copy) command()     {}

// Device is a compute backend. Calls are made from a single goroutine;
// execution of submitted work happens elsewhere.
type Device interface {
	Info() Info
	// NewBuffer allocates a zeroed buffer.
	NewBuffer(label string, size uint64, usage Usage) (*Buffer, error)
	// WriteBuffer queues a host write ahead of any later submission.
	WriteBuffer(b *Buffer, offset uint64, words []uint32) error
	// QueuePipeline starts compiling a kernel and returns immediately.
	QueuePipeline(k Kernel) PipelineID
	// PipelineState reports whether a queued kernel is ready. A compile
	// failure is returned as an error wrapping ErrCompile.
	PipelineState(id PipelineID) (ready bool, err error)
	// Submit queues a batch of commands for in-order execution.
	Submit(cmds ...Command) error
	// MapAsync requests host access to a MapRead buffer. done runs during
	// a later Poll, once all work submitted before the request finished.
	MapAsync(b *Buffer, done func(error)) error
	// MappedRange returns the contents of a mapped buffer. The slice is
	// only valid until Unmap.
	MappedRange(b *Buffer) ([]uint32, error)
	Unmap(b *Buffer) error
	// Poll fires ready map callbacks. With wait set it first blocks until
	// the queue is idle, failing with ErrTimeout after timeout.
	Poll(wait bool, timeout time.Duration) error
	Close() error
}

// Backend names accepted by Open.
const (
	BackendAuto     = "auto"
	BackendSoftware = "software"
	BackendOpenCL   = "opencl"
)

// Backends lists the names Open understands.
func Backends() []string {
	return []string{BackendAuto, BackendSoftware, BackendOpenCL}
}

// Options configures Open.
type Options struct {
	// DeviceIndex selects an OpenCL device.
	DeviceIndex int
	// Workers bounds the goroutines the software device runs kernels on.
	// Zero means GOMAXPROCS.
	Workers int
	Logger  logrus.FieldLogger
}

// Open returns a device for the named backend. "auto" prefers OpenCL and
// falls back to the software device.
func Open(backend string, opts Options) (Device, error) {
	switch strings.ToLower(backend) {
	case BackendSoftware:
		return NewSoftwareDevice(opts), nil
	case BackendOpenCL:
		return NewOpenCLDevice(opts)
	case "", BackendAuto:
		if OpenCLAvailable() {
			d, err := NewOpenCLDevice(opts)
			if err == nil {
				return d, nil
			}
			if opts.Logger != nil {
				opts.Logger.WithError(err).Warn("OpenCL device unusable, using software device")
			}
		}
		return NewSoftwareDevice(opts), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend %q", ErrUnavailable, backend)
	}
}

// ListDevices enumerates every device Open can return.
func ListDevices() ([]Info, error) {
	devices := []Info{softwareInfo(0)}
	cl, err := listOpenCLDevices()
	if err != nil {
		return devices, err
	}
	return append(devices, cl...), nil
}
