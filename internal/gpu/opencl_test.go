//go:build opencl && cgo

package gpu

import "testing"

func openOpenCL(t *testing.T) Device {
	t.Helper()
	if !OpenCLAvailable() {
		t.Skip("no OpenCL device")
	}
	d, err := NewOpenCLDevice(Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenCLChunkKernelMatchesCPU(t *testing.T) {
	testChunkKernel(t, openOpenCL)
}

func TestOpenCLFindKernelMatchesCPU(t *testing.T) {
	testFindKernel(t, openOpenCL)
}
