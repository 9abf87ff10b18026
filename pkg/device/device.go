// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines the narrow contract the BLAS core needs from a compute-device runtime.
//
// The core only ever:
//
//   - creates a kernel object from source text and a named entry point;
//   - queries integer device properties (see Property);
//   - enqueues a kernel with given global/local work sizes, and waits for its completion;
//   - releases kernel, program and context handles.
//
// Runtimes register themselves with Register, and are constructed from a configuration
// string "<device_name>:<options>". See New and NewWithConfig.
package device

import (
	"fmt"
	"time"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
)

// Property is an integer property of a device that can be queried with Device.QueryInt.
type Property int

const (
	// MaxWorkGroupSize is the maximum number of work-items in one work-group.
	MaxWorkGroupSize Property = iota

	// MaxComputeUnits is the number of parallel compute units.
	MaxComputeUnits

	// LocalMemSize is the size in bytes of the on-chip local memory (LDS) available to a work-group.
	// It is 0 for devices without dedicated local memory.
	LocalMemSize

	// DoubleFPSupport is 1 if the device supports double-precision, 0 otherwise.
	DoubleFPSupport

	// WavefrontSize is the number of work-items executed in lock-step.
	WavefrontSize

	// GlobalMemCacheLineSize is the size in bytes of a global memory cache line.
	GlobalMemCacheLineSize

	// FMASupport is 1 if the device has a fast fused multiply-add, 0 otherwise.
	FMASupport

	// NumProperties is the number of properties.
	NumProperties
)

var propertyNames = [NumProperties]string{
	MaxWorkGroupSize:       "MaxWorkGroupSize",
	MaxComputeUnits:        "MaxComputeUnits",
	LocalMemSize:           "LocalMemSize",
	DoubleFPSupport:        "DoubleFPSupport",
	WavefrontSize:          "WavefrontSize",
	GlobalMemCacheLineSize: "GlobalMemCacheLineSize",
	FMASupport:             "FMASupport",
}

// String implements fmt.Stringer.
func (p Property) String() string {
	if p < 0 || p >= NumProperties {
		return fmt.Sprintf("Property(%d)", int(p))
	}
	return propertyNames[p]
}

// Device is a compute device handle.
//
// Two handles are the same device iff they are equal as interface values.
type Device interface {
	// ID is a unique identifier of the handle, used for logging.
	ID() string

	// Name of the device as reported by the runtime. E.g.: "Tahiti".
	Name() string

	// Vendor of the device as reported by the runtime.
	Vendor() string

	// QueryInt returns the value of an integer property.
	QueryInt(p Property) (int, error)

	// NewContext creates a new context on the device. The caller owns one reference to it.
	NewContext() (Context, error)

	// Finalize releases all resources associated with the device. The device is invalid afterward.
	Finalize()
}

// Context owns programs, kernels and buffers of a device. It is reference counted: see Retain and Release.
type Context interface {
	// ID is a unique identifier of the context, used for logging.
	ID() string

	// Device the context was created for.
	Device() Device

	// Retain increments the reference count of the context.
	Retain()

	// Release decrements the reference count, and frees the context when it reaches 0.
	Release() error

	// BuildKernel compiles the source text and creates a kernel for the entry point.
	// The returned kernel owns its program: releasing the kernel releases the program.
	BuildKernel(source, entryPoint, options string) (Kernel, error)

	// NewBuffer allocates a device buffer initialized with the contents of flat, a slice of
	// one of the supported dtypes.
	NewBuffer(flat any) (Buffer, error)

	// ReadBuffer copies the contents of the buffer back to flat, which must have the same
	// dtype and length.
	ReadBuffer(buffer Buffer, flat any) error

	// Enqueue executes kernel over the NDRange with the given arguments, and waits for its completion.
	// Arguments are Go scalars (int, float32, float64, complex64, complex128) or Buffer.
	Enqueue(kernel Kernel, nd NDRange, args ...any) (Event, error)
}

// Program is a compiled program.
type Program interface {
	// ID is a unique identifier of the program, used for logging.
	ID() string

	// Source text the program was built from.
	Source() string

	// BinarySizes returns the size of the compiled binary for each of the targeted devices.
	BinarySizes() []int
}

// Kernel is a compiled entry point of a program.
type Kernel interface {
	// Name of the entry point.
	Name() string

	// Program the kernel belongs to.
	Program() Program

	// Context the kernel was built in.
	Context() Context

	// Release frees the kernel and its program. It is an error to release a kernel twice.
	Release() error
}

// Buffer is a device memory buffer.
type Buffer interface {
	DType() dtypes.DType

	// Len is the number of elements of the buffer.
	Len() int

	// Release frees the buffer.
	Release() error
}

// NDRange is the index space of a kernel execution.
type NDRange struct {
	// Dims is the number of axes used: 1 or 2.
	Dims int

	// Global is the total number of work-items per axis. It must be a multiple of Local.
	Global [2]int

	// Local is the work-group size per axis.
	Local [2]int
}

// NumGroups returns the number of work-groups along each axis.
func (nd NDRange) NumGroups() [2]int {
	groups := [2]int{1, 1}
	for axis := 0; axis < nd.Dims && axis < 2; axis++ {
		if nd.Local[axis] > 0 {
			groups[axis] = nd.Global[axis] / nd.Local[axis]
		}
	}
	return groups
}

// String implements fmt.Stringer.
func (nd NDRange) String() string {
	if nd.Dims == 1 {
		return fmt.Sprintf("global=[%d] local=[%d]", nd.Global[0], nd.Local[0])
	}
	return fmt.Sprintf("global=[%d,%d] local=[%d,%d]", nd.Global[0], nd.Global[1], nd.Local[0], nd.Local[1])
}

// Event holds the profiling timestamps of a completed kernel execution.
type Event struct {
	Queued, Start, End time.Time
}

// Duration of the kernel execution, excluding queueing.
func (e Event) Duration() time.Duration {
	return e.End.Sub(e.Start)
}
