//go:build !(opencl && cgo)

package gpu

import "fmt"

// OpenCLAvailable returns false when OpenCL support is not compiled in.
func OpenCLAvailable() bool { return false }

func listOpenCLDevices() ([]Info, error) { return nil, nil }

// NewOpenCLDevice returns an error when OpenCL support is not compiled in.
func NewOpenCLDevice(opts Options) (Device, error) {
	return nil, fmt.Errorf("%w: built without OpenCL (use -tags opencl with cgo)", ErrUnavailable)
}
