// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostdev

import (
	"reflect"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Context implements device.Context. It keeps count of the live objects created in it,
// which tests use to check for leaks.
type Context struct {
	id   string
	dev  *Device
	refs atomic.Int32

	liveKernels    atomic.Int32
	liveBuffers    atomic.Int32
	kernelsBuilt   atomic.Int32
	kernelsEnqueue atomic.Int64
}

// Compile-time check that hostdev.Context implements device.Context.
var _ device.Context = (*Context)(nil)

func newContext(dev *Device) *Context {
	ctx := &Context{id: uuid.NewString(), dev: dev}
	ctx.refs.Store(1)
	return ctx
}

// ID implements device.Context.
func (ctx *Context) ID() string { return ctx.id }

// Device implements device.Context.
func (ctx *Context) Device() device.Device { return ctx.dev }

// Retain implements device.Context.
func (ctx *Context) Retain() {
	ctx.refs.Add(1)
}

// Release implements device.Context.
func (ctx *Context) Release() error {
	refs := ctx.refs.Add(-1)
	if refs < 0 {
		return errors.Errorf("hostdev: context %s released more times than retained", ctx.id)
	}
	if refs == 0 {
		klog.V(2).Infof("hostdev: context %s freed, %d kernels and %d buffers still alive",
			ctx.id, ctx.liveKernels.Load(), ctx.liveBuffers.Load())
	}
	return nil
}

// RefCount returns the current reference count of the context.
func (ctx *Context) RefCount() int { return int(ctx.refs.Load()) }

// LiveKernels returns the number of kernels built and not yet released.
func (ctx *Context) LiveKernels() int { return int(ctx.liveKernels.Load()) }

// LiveBuffers returns the number of buffers allocated and not yet released.
func (ctx *Context) LiveBuffers() int { return int(ctx.liveBuffers.Load()) }

// KernelsBuilt returns the total number of successful BuildKernel calls.
func (ctx *Context) KernelsBuilt() int { return int(ctx.kernelsBuilt.Load()) }

func (ctx *Context) checkValid() error {
	if ctx.refs.Load() <= 0 {
		return errors.Errorf("hostdev: invalid context %s (already released)", ctx.id)
	}
	if ctx.dev.finalized.Load() {
		return errors.Errorf("hostdev: device %s of context %s already finalized", ctx.dev.id, ctx.id)
	}
	return nil
}

// Buffer implements device.Buffer, holding a flat slice of one of the supported dtypes.
type Buffer struct {
	ctx      *Context
	dtype    dtypes.DType
	flat     any
	released atomic.Bool
}

// Compile-time check that hostdev.Buffer implements device.Buffer.
var _ device.Buffer = (*Buffer)(nil)

// DType implements device.Buffer.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len implements device.Buffer.
func (b *Buffer) Len() int { return reflect.ValueOf(b.flat).Len() }

// Release implements device.Buffer.
func (b *Buffer) Release() error {
	if b.released.Swap(true) {
		return errors.New("hostdev: buffer released twice")
	}
	b.ctx.liveBuffers.Add(-1)
	b.flat = nil
	return nil
}

// copyFlat assumes both flat slices are of the same underlying type.
func copyFlat(flatDst, flatSrc any) {
	reflect.Copy(reflect.ValueOf(flatDst), reflect.ValueOf(flatSrc))
}

// NewBuffer implements device.Context. The contents of flat are copied.
func (ctx *Context) NewBuffer(flat any) (device.Buffer, error) {
	if err := ctx.checkValid(); err != nil {
		return nil, err
	}
	dtype := dtypes.FromFlat(flat)
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("hostdev: cannot create buffer from %T, it must be a slice of a supported dtype", flat)
	}
	length := reflect.ValueOf(flat).Len()
	buf := &Buffer{
		ctx:   ctx,
		dtype: dtype,
		flat:  reflect.MakeSlice(reflect.SliceOf(dtype.GoType()), length, length).Interface(),
	}
	copyFlat(buf.flat, flat)
	ctx.liveBuffers.Add(1)
	return buf, nil
}

// ReadBuffer implements device.Context.
func (ctx *Context) ReadBuffer(buffer device.Buffer, flat any) error {
	if err := ctx.checkValid(); err != nil {
		return err
	}
	buf, ok := buffer.(*Buffer)
	if !ok || buf.ctx != ctx {
		return errors.Errorf("hostdev: buffer %T was not created in context %s", buffer, ctx.id)
	}
	if buf.released.Load() {
		return errors.New("hostdev: reading from a released buffer")
	}
	if dtype := dtypes.FromFlat(flat); dtype != buf.dtype {
		return errors.Errorf("hostdev: cannot read buffer of dtype %s into %T", buf.dtype, flat)
	}
	if got, want := reflect.ValueOf(flat).Len(), buf.Len(); got != want {
		return errors.Errorf("hostdev: cannot read buffer of %d elements into slice of length %d", want, got)
	}
	copyFlat(flat, buf.flat)
	return nil
}

// Enqueue implements device.Context: it runs the kernel synchronously, one call of its host
// implementation per work-group, and returns wall-clock timestamps.
func (ctx *Context) Enqueue(kernel device.Kernel, nd device.NDRange, args ...any) (device.Event, error) {
	var ev device.Event
	ev.Queued = time.Now()
	if err := ctx.checkValid(); err != nil {
		return ev, err
	}
	k, ok := kernel.(*Kernel)
	if !ok || k.ctx != ctx {
		return ev, errors.Errorf("hostdev: kernel %T was not built in context %s", kernel, ctx.id)
	}
	if k.released.Load() {
		return ev, errors.Errorf("hostdev: kernel %q already released", k.name)
	}
	if err := ctx.checkNDRange(nd); err != nil {
		return ev, errors.WithMessagef(err, "enqueue of %q", k.name)
	}
	ctx.kernelsEnqueue.Add(1)
	ev.Start = time.Now()
	err := k.exec(&launch{ctx: ctx, kernel: k, nd: nd, args: args})
	ev.End = time.Now()
	if err != nil {
		return ev, errors.WithMessagef(err, "execution of %q with %s", k.name, nd)
	}
	return ev, nil
}

// checkNDRange validates the work sizes against the device limits.
func (ctx *Context) checkNDRange(nd device.NDRange) error {
	if nd.Dims < 1 || nd.Dims > 2 {
		return errors.Errorf("invalid work dimension %d", nd.Dims)
	}
	wgSize := 1
	for axis := range nd.Dims {
		if nd.Local[axis] <= 0 || nd.Global[axis] < 0 || nd.Global[axis]%nd.Local[axis] != 0 {
			return errors.Errorf("invalid work sizes %s: global must be a multiple of local", nd)
		}
		wgSize *= nd.Local[axis]
	}
	if maxWG := ctx.dev.props[device.MaxWorkGroupSize]; wgSize > maxWG {
		return errors.Errorf("invalid work-group size %d > device max work-group size %d", wgSize, maxWG)
	}
	return nil
}

// runGroups runs fn for every work-group of the launch on the device workers.
// Panics within fn are converted to errors.
func (l *launch) runGroups(fn func(group int) error) error {
	groups := l.nd.NumGroups()
	return l.ctx.dev.workers.RunGroups(groups[0]*groups[1], func(group int) (err error) {
		exception := exceptions.Try(func() { err = fn(group) })
		if exception != nil {
			if e, ok := exception.(error); ok {
				return errors.WithMessagef(e, "work-group %d", group)
			}
			return errors.Errorf("work-group %d: %v", group, exception)
		}
		return err
	})
}
