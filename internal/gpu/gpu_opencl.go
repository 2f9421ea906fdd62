//go:build opencl && cgo

package gpu

/*
#cgo CFLAGS: -DCL_TARGET_OPENCL_VERSION=120
#cgo linux LDFLAGS: -lOpenCL
#cgo windows LDFLAGS: -lOpenCL
#cgo darwin LDFLAGS: -framework OpenCL

#ifdef __APPLE__
#include <OpenCL/cl.h>
#else
#include <CL/cl.h>
#endif

#include <stdio.h>
#include <stdlib.h>
#include <string.h>

static cl_device_id* g_devices = NULL;
static int g_deviceCount = 0;
static int g_initialized = 0;

static void ensureInit(void) {
    if (g_initialized) return;
    g_initialized = 1;

    cl_uint numPlatforms = 0;
    clGetPlatformIDs(0, NULL, &numPlatforms);
    if (numPlatforms == 0) return;

    cl_platform_id* platforms = (cl_platform_id*)malloc(sizeof(cl_platform_id) * numPlatforms);
    clGetPlatformIDs(numPlatforms, platforms, NULL);

    int total = 0;
    for (cl_uint p = 0; p < numPlatforms; p++) {
        cl_uint nd = 0;
        clGetDeviceIDs(platforms[p], CL_DEVICE_TYPE_GPU, 0, NULL, &nd);
        total += nd;
    }
    if (total == 0) { free(platforms); return; }

    g_devices = (cl_device_id*)malloc(sizeof(cl_device_id) * total);
    int idx = 0;
    for (cl_uint p = 0; p < numPlatforms; p++) {
        cl_uint nd = 0;
        clGetDeviceIDs(platforms[p], CL_DEVICE_TYPE_GPU, 0, NULL, &nd);
        if (nd > 0) {
            clGetDeviceIDs(platforms[p], CL_DEVICE_TYPE_GPU, nd, g_devices + idx, NULL);
            idx += nd;
        }
    }
    g_deviceCount = idx;
    free(platforms);
}

static int oclDeviceCount(void) {
    ensureInit();
    return g_deviceCount;
}

static char* oclDeviceString(int index, cl_device_info param) {
    ensureInit();
    if (index < 0 || index >= g_deviceCount) return strdup("Unknown");
    char buf[256];
    buf[0] = 0;
    clGetDeviceInfo(g_devices[index], param, sizeof(buf), buf, NULL);
    return strdup(buf);
}

static int oclDeviceUnits(int index) {
    ensureInit();
    if (index < 0 || index >= g_deviceCount) return 0;
    cl_uint units = 0;
    clGetDeviceInfo(g_devices[index], CL_DEVICE_MAX_COMPUTE_UNITS, sizeof(units), &units, NULL);
    return (int)units;
}

typedef struct {
    cl_device_id device;
    cl_context context;
    cl_command_queue queue;
} OpenCLDevice;

static void* oclOpen(int index) {
    ensureInit();
    if (index < 0 || index >= g_deviceCount) return NULL;
    cl_device_id dev = g_devices[index];
    cl_int err;
    cl_context ctx = clCreateContext(NULL, 1, &dev, NULL, NULL, &err);
    if (err != CL_SUCCESS) return NULL;
    cl_command_queue queue = clCreateCommandQueue(ctx, dev, 0, &err);
    if (err != CL_SUCCESS) { clReleaseContext(ctx); return NULL; }
    OpenCLDevice* d = (OpenCLDevice*)calloc(1, sizeof(OpenCLDevice));
    d->device = dev;
    d->context = ctx;
    d->queue = queue;
    return d;
}

// oclBuild compiles src and returns the program, or NULL with the build log
// copied into log.
static void* oclBuild(void* handle, const char* src, char* log, size_t logLen) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    cl_int err;
    size_t srcLen = strlen(src);
    cl_program prog = clCreateProgramWithSource(d->context, 1, &src, &srcLen, &err);
    if (err != CL_SUCCESS) { snprintf(log, logLen, "create program: %d", err); return NULL; }
    err = clBuildProgram(prog, 1, &d->device, NULL, NULL, NULL);
    if (err != CL_SUCCESS) {
        clGetProgramBuildInfo(prog, d->device, CL_PROGRAM_BUILD_LOG, logLen, log, NULL);
        clReleaseProgram(prog);
        return NULL;
    }
    return prog;
}

static void* oclKernel(void* program, const char* entry) {
    cl_int err;
    cl_kernel k = clCreateKernel((cl_program)program, entry, &err);
    return err == CL_SUCCESS ? k : NULL;
}

static void* oclBuffer(void* handle, size_t size) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    cl_int err;
    cl_mem m = clCreateBuffer(d->context, CL_MEM_READ_WRITE, size, NULL, &err);
    if (err != CL_SUCCESS) return NULL;
    cl_uint zero = 0;
    clEnqueueFillBuffer(d->queue, m, &zero, sizeof(zero), 0, size, 0, NULL, NULL);
    return m;
}

static int oclWrite(void* handle, void* mem, size_t offset, size_t size, const void* data) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    return clEnqueueWriteBuffer(d->queue, (cl_mem)mem, CL_TRUE, offset, size, data, 0, NULL, NULL);
}

static int oclRead(void* handle, void* mem, size_t size, void* out) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    return clEnqueueReadBuffer(d->queue, (cl_mem)mem, CL_TRUE, 0, size, out, 0, NULL, NULL);
}

static int oclSetArg(void* kernel, unsigned int index, void* mem) {
    cl_mem m = (cl_mem)mem;
    return clSetKernelArg((cl_kernel)kernel, index, sizeof(cl_mem), &m);
}

static int oclDispatch(void* handle, void* kernel, size_t groups, size_t local) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    size_t global = groups * local;
    return clEnqueueNDRangeKernel(d->queue, (cl_kernel)kernel, 1, NULL, &global, &local, 0, NULL, NULL);
}

static int oclCopy(void* handle, void* src, void* dst, size_t size) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    return clEnqueueCopyBuffer(d->queue, (cl_mem)src, (cl_mem)dst, 0, 0, size, 0, NULL, NULL);
}

static int oclFlush(void* handle) {
    return clFlush(((OpenCLDevice*)handle)->queue);
}

static int oclFinish(void* handle) {
    return clFinish(((OpenCLDevice*)handle)->queue);
}

static void oclReleaseBuffer(void* mem) { clReleaseMemObject((cl_mem)mem); }
static void oclReleaseKernel(void* k) { clReleaseKernel((cl_kernel)k); }
static void oclReleaseProgram(void* p) { clReleaseProgram((cl_program)p); }

static void oclClose(void* handle) {
    OpenCLDevice* d = (OpenCLDevice*)handle;
    if (!d) return;
    clReleaseCommandQueue(d->queue);
    clReleaseContext(d->context);
    free(d);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/StormyCloudInc/blockseek/internal/logging"
)

// OpenCLAvailable reports whether at least one OpenCL GPU is present.
func OpenCLAvailable() bool {
	return C.oclDeviceCount() > 0
}

func listOpenCLDevices() ([]Info, error) {
	count := int(C.oclDeviceCount())
	devices := make([]Info, 0, count)
	for i := 0; i < count; i++ {
		devices = append(devices, openCLInfo(i))
	}
	return devices, nil
}

func openCLInfo(i int) Info {
	cName := C.oclDeviceString(C.int(i), C.CL_DEVICE_NAME)
	cVendor := C.oclDeviceString(C.int(i), C.CL_DEVICE_VENDOR)
	defer C.free(unsafe.Pointer(cName))
	defer C.free(unsafe.Pointer(cVendor))
	return Info{
		Name:    C.GoString(cName),
		Vendor:  C.GoString(cVendor),
		Backend: BackendOpenCL,
		Units:   int(C.oclDeviceUnits(C.int(i))),
	}
}

type clBuffer struct {
	buf    *Buffer
	mem    unsafe.Pointer
	state  mapState
	shadow []uint32
}

type clPipeline struct {
	kernel Kernel
	handle unsafe.Pointer
	ready  chan struct{}
	err    error
}

// OpenCLDevice drives one OpenCL GPU through an in-order command queue.
type OpenCLDevice struct {
	info   Info
	handle unsafe.Pointer
	log    logrus.FieldLogger

	buildOnce sync.Once
	program   unsafe.Pointer
	buildErr  error

	mu        sync.Mutex
	buffers   map[uint32]*clBuffer
	nextID    uint32
	pipelines []*clPipeline
	maps      []*clBuffer
	callbacks []func(error)
	busy      bool
	closed    bool
}

// NewOpenCLDevice opens the OpenCL GPU at opts.DeviceIndex.
func NewOpenCLDevice(opts Options) (Device, error) {
	if !OpenCLAvailable() {
		return nil, fmt.Errorf("%w: no OpenCL GPU detected", ErrUnavailable)
	}
	handle := C.oclOpen(C.int(opts.DeviceIndex))
	if handle == nil {
		return nil, fmt.Errorf("%w: cannot open OpenCL device %d", ErrUnavailable, opts.DeviceIndex)
	}
	d := &OpenCLDevice{
		info:    openCLInfo(opts.DeviceIndex),
		handle:  handle,
		log:     logging.Component(opts.Logger, "gpu-opencl"),
		buffers: make(map[uint32]*clBuffer),
	}
	d.log.WithField("device", d.info.String()).Info("opened OpenCL device")
	return d, nil
}

func (d *OpenCLDevice) Info() Info { return d.info }

func (d *OpenCLDevice) lookup(b *Buffer) (*clBuffer, error) {
	if b == nil {
		return nil, fmt.Errorf("nil buffer")
	}
	cb, ok := d.buffers[b.id]
	if !ok || cb.buf != b {
		return nil, fmt.Errorf("buffer %q does not belong to this device", b.label)
	}
	return cb, nil
}

func (d *OpenCLDevice) NewBuffer(label string, size uint64, usage Usage) (*Buffer, error) {
	if size == 0 || size%4 != 0 {
		return nil, fmt.Errorf("buffer %q: size %d must be a positive multiple of 4", label, size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	mem := C.oclBuffer(d.handle, C.size_t(size))
	if mem == nil {
		return nil, fmt.Errorf("allocate buffer %q of %d bytes", label, size)
	}
	d.nextID++
	b := &Buffer{id: d.nextID, label: label, size: size, usage: usage}
	d.buffers[b.id] = &clBuffer{buf: b, mem: mem}
	return b, nil
}

func (d *OpenCLDevice) WriteBuffer(b *Buffer, offset uint64, words []uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.lookup(b)
	if err != nil {
		return err
	}
	if cb.state != unmapped {
		return fmt.Errorf("%w: write to mapped buffer %q", ErrMap, b.label)
	}
	if len(words) == 0 {
		return nil
	}
	if offset+uint64(len(words))*4 > b.size {
		return fmt.Errorf("write of %d words at %d overruns buffer %q", len(words), offset, b.label)
	}
	if rc := C.oclWrite(d.handle, cb.mem, C.size_t(offset), C.size_t(len(words)*4), unsafe.Pointer(&words[0])); rc != 0 {
		return fmt.Errorf("%w: write buffer %q: cl error %d", ErrDispatch, b.label, int(rc))
	}
	return nil
}

func (d *OpenCLDevice) build() (unsafe.Pointer, error) {
	d.buildOnce.Do(func() {
		src := C.CString(openCLSource)
		defer C.free(unsafe.Pointer(src))
		log := (*C.char)(C.calloc(8192, 1))
		defer C.free(unsafe.Pointer(log))
		d.program = C.oclBuild(d.handle, src, log, 8192)
		if d.program == nil {
			d.buildErr = fmt.Errorf("%w: %s", ErrCompile, C.GoString(log))
		}
	})
	return d.program, d.buildErr
}

func (d *OpenCLDevice) QueuePipeline(k Kernel) PipelineID {
	p := &clPipeline{kernel: k, ready: make(chan struct{})}
	d.mu.Lock()
	id := PipelineID(len(d.pipelines))
	d.pipelines = append(d.pipelines, p)
	d.mu.Unlock()

	go func() {
		defer close(p.ready)
		prog, err := d.build()
		if err != nil {
			p.err = err
			return
		}
		entry := C.CString(k.String())
		defer C.free(unsafe.Pointer(entry))
		p.handle = C.oclKernel(prog, entry)
		if p.handle == nil {
			p.err = fmt.Errorf("%w: no entry point %s", ErrCompile, k)
			return
		}
		d.log.WithField("kernel", k.String()).Debug("pipeline ready")
	}()
	return id
}

func (d *OpenCLDevice) PipelineState(id PipelineID) (bool, error) {
	d.mu.Lock()
	if int(id) < 0 || int(id) >= len(d.pipelines) {
		d.mu.Unlock()
		return false, fmt.Errorf("unknown pipeline %d", id)
	}
	p := d.pipelines[id]
	d.mu.Unlock()
	select {
	case <-p.ready:
		return p.err == nil, p.err
	default:
		return false, nil
	}
}

func (d *OpenCLDevice) Submit(cmds ...Command) error {
	for _, c := range cmds {
		if err := d.enqueue(c); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.busy = true
	d.mu.Unlock()
	if rc := C.oclFlush(d.handle); rc != 0 {
		return fmt.Errorf("%w: flush: cl error %d", ErrDispatch, int(rc))
	}
	return nil
}

func (d *OpenCLDevice) enqueue(c Command) error {
	switch c := c.(type) {
	case Dispatch:
		ready, err := d.PipelineState(c.Pipeline)
		if err != nil {
			return err
		}
		if !ready {
			return fmt.Errorf("pipeline %d not ready", c.Pipeline)
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		p := d.pipelines[c.Pipeline]
		for i, b := range c.Bindings {
			cb, err := d.lookup(b)
			if err != nil {
				return err
			}
			if cb.state != unmapped {
				return fmt.Errorf("%w: buffer %q is mapped", ErrMap, b.label)
			}
			if rc := C.oclSetArg(p.handle, C.uint(i), cb.mem); rc != 0 {
				return fmt.Errorf("%w: bind %q to %s: cl error %d", ErrDispatch, b.label, p.kernel, int(rc))
			}
		}
		if rc := C.oclDispatch(d.handle, p.handle, C.size_t(c.Groups), WorkgroupSize); rc != 0 {
			return fmt.Errorf("%w: %s: cl error %d", ErrDispatch, p.kernel, int(rc))
		}
	case Copy:
		d.mu.Lock()
		defer d.mu.Unlock()
		src, err := d.lookup(c.Src)
		if err != nil {
			return err
		}
		dst, err := d.lookup(c.Dst)
		if err != nil {
			return err
		}
		if dst.state != unmapped {
			return fmt.Errorf("%w: buffer %q is mapped", ErrMap, c.Dst.label)
		}
		if rc := C.oclCopy(d.handle, src.mem, dst.mem, C.size_t(c.Size)); rc != 0 {
			return fmt.Errorf("%w: copy %q to %q: cl error %d", ErrDispatch, c.Src.label, c.Dst.label, int(rc))
		}
	default:
		return fmt.Errorf("unsupported command %T", c)
	}
	return nil
}

func (d *OpenCLDevice) MapAsync(b *Buffer, done func(error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.lookup(b)
	if err != nil {
		return err
	}
	if b.usage&UsageMapRead == 0 {
		return fmt.Errorf("%w: buffer %q lacks map-read usage", ErrMap, b.label)
	}
	if cb.state != unmapped {
		return fmt.Errorf("%w: buffer %q already mapped", ErrMap, b.label)
	}
	cb.state = mapPending
	d.maps = append(d.maps, cb)
	d.callbacks = append(d.callbacks, done)
	return nil
}

func (d *OpenCLDevice) MappedRange(b *Buffer) ([]uint32, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.lookup(b)
	if err != nil {
		return nil, err
	}
	if cb.state != mapped {
		return nil, fmt.Errorf("%w: buffer %q is not mapped", ErrMap, b.label)
	}
	return cb.shadow, nil
}

func (d *OpenCLDevice) Unmap(b *Buffer) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	cb, err := d.lookup(b)
	if err != nil {
		return err
	}
	if cb.state != mapped {
		return fmt.Errorf("%w: buffer %q is not mapped", ErrMap, b.label)
	}
	cb.state = unmapped
	cb.shadow = nil
	return nil
}

// Poll waits for clFinish on a helper goroutine so a hung device surfaces as
// ErrTimeout. A non-waiting poll only completes maps when nothing is queued.
func (d *OpenCLDevice) Poll(wait bool, timeout time.Duration) error {
	d.mu.Lock()
	busy := d.busy
	d.mu.Unlock()
	if busy {
		if !wait {
			return nil
		}
		finished := make(chan C.int, 1)
		go func() { finished <- C.oclFinish(d.handle) }()
		var expired <-chan time.Time
		if timeout > 0 {
			t := time.NewTimer(timeout)
			defer t.Stop()
			expired = t.C
		}
		select {
		case rc := <-finished:
			if rc != 0 {
				return fmt.Errorf("%w: finish: cl error %d", ErrDispatch, int(rc))
			}
		case <-expired:
			return fmt.Errorf("%w: queue busy after %s", ErrTimeout, timeout)
		}
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}

	d.mu.Lock()
	maps, callbacks := d.maps, d.callbacks
	d.maps, d.callbacks = nil, nil
	d.mu.Unlock()

	for i, cb := range maps {
		shadow := make([]uint32, cb.buf.Words())
		var err error
		if rc := C.oclRead(d.handle, cb.mem, C.size_t(cb.buf.size), unsafe.Pointer(&shadow[0])); rc != 0 {
			err = fmt.Errorf("%w: read %q: cl error %d", ErrMap, cb.buf.label, int(rc))
		}
		d.mu.Lock()
		if err != nil {
			cb.state = unmapped
		} else {
			cb.state = mapped
			cb.shadow = shadow
		}
		d.mu.Unlock()
		if callbacks[i] != nil {
			callbacks[i](err)
		}
	}
	return nil
}

func (d *OpenCLDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	for _, p := range d.pipelines {
		<-p.ready
		if p.handle != nil {
			C.oclReleaseKernel(p.handle)
		}
	}
	if d.program != nil {
		C.oclReleaseProgram(d.program)
	}
	for _, cb := range d.buffers {
		C.oclReleaseBuffer(cb.mem)
	}
	C.oclClose(d.handle)
	return nil
}
