// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blas

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/decomp"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/kcache"
	"github.com/gomlx/gpublas/pkg/kgen"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// request returns the generation request of the call with the decomposition d.
func request(shape decomp.CallShape, d decomp.Decomposition) kgen.Request {
	return kgen.Request{
		Family:      shape.Family,
		DType:       shape.DType,
		Dims:        d.Subdims(),
		Granularity: d.Granularity,
		Flags:       d.Flags(shape),
	}
}

// acquire returns a node holding a reference to the kernel for the call, and the index space to
// run it with. The node must be released to the session cache.
func (s *Session) acquire(routine string, shape decomp.CallShape) (*kcache.Node, device.NDRange, error) {
	d, err := decomp.DefaultDecomposition(shape, s.caps)
	if err != nil {
		return nil, device.NDRange{}, newError(routine, StageDecomposition, err)
	}
	req := request(shape, d)
	if kgen.QuerySize(req) == 0 {
		klog.V(2).Infof("blas: %s not renderable with %s, using the plain decomposition", shape, d)
		if d, err = decomp.Plain(shape, s.caps); err != nil {
			return nil, device.NDRange{}, newError(routine, StageDecomposition, err)
		}
		req = request(shape, d)
		if kgen.QuerySize(req) == 0 {
			return nil, device.NDRange{}, newError(routine, StageDecomposition,
				errors.Errorf("no kernel template for %s", shape))
		}
	}
	params, _ := kgen.Effective(req)
	if params.Degraded {
		klog.V(2).Infof("blas: %s vector width degraded from %d to %d", kgen.EntryName(req), params.RequestedVecLen, params.VecLen)
	}
	// The key holds the effective vector width: requests that degrade to the same width share a
	// kernel.
	extra := kernels.BLASExtra{Kind: shape.Family, DType: shape.DType, Flags: params.Flags, Granularity: d.Granularity}
	key := kcache.Key{Device: s.dev, Context: s.ctx, Dims: req.Dims}
	node, err := s.lookup(routine, req, key, extra)
	if err != nil {
		return nil, device.NDRange{}, err
	}
	return node, d.NDRange(shape), nil
}

// lookup finds the kernel in the cache, or builds it. Concurrent misses of the same kernel are
// collapsed into one build.
func (s *Session) lookup(routine string, req kgen.Request, key kcache.Key, extra kernels.BLASExtra) (*kcache.Node, error) {
	if node, found := s.cache.Find(extra.Kind, key, extra); found {
		return node, nil
	}
	var leader bool
	v, err, _ := s.flights.Do(extra.String()+kernels.DimsString(key.Dims), func() (any, error) {
		leader = true
		return s.build(routine, req, key, extra)
	})
	if err != nil {
		return nil, err
	}
	// Each caller takes its own reference; the leader then drops the one of the build.
	node := v.(*kcache.Node)
	retained := s.cache.Retain(node)
	if leader {
		s.cache.Release(node)
	}
	if retained {
		return node, nil
	}
	// The shared node was not cached (too large) or was evicted, and its last reference is gone:
	// build a private one, already holding our reference.
	klog.V(1).Infof("blas: kernel %s destroyed before use, rebuilding", node)
	return s.build(routine, req, key, extra)
}

// build generates, compiles and caches the kernel of req. The returned node holds one reference.
func (s *Session) build(routine string, req kgen.Request, key kcache.Key, extra kernels.BLASExtra) (*kcache.Node, error) {
	// Another flight may have finished between the miss and this one.
	if node, found := s.cache.Find(extra.Kind, key, extra); found {
		return node, nil
	}
	buf := make([]byte, kgen.QuerySize(req))
	n := kgen.Generate(buf, req)
	if n == 0 {
		return nil, newError(routine, StageDecomposition, errors.Errorf("no kernel template for %s", extra))
	}
	source, entry := string(buf[:n]), kgen.EntryName(req)
	if klog.V(2).Enabled() {
		klog.Infof("blas: generated %s (%s):\n%s", entry, kernels.DimsString(req.Dims), source)
	}
	var kernel device.Kernel
	err := guard("compilation of "+entry, func() (err error) {
		kernel, err = s.ctx.BuildKernel(source, entry, "")
		return err
	})
	if err != nil {
		return nil, newError(routine, StageCompilation, err)
	}
	node, err := s.cache.Insert(extra.Kind, kernel, key, extra)
	if errors.Is(err, kcache.ErrTooLarge) {
		klog.V(1).Infof("blas: %s not cached: %v", entry, err)
		return s.cache.Detached(extra.Kind, kernel, extra), nil
	}
	if err != nil {
		if releaseErr := kernel.Release(); releaseErr != nil {
			klog.Warningf("blas: failed to release kernel %q: %+v", entry, releaseErr)
		}
		return nil, newError(routine, StageCache, err)
	}
	return node, nil
}

// guard calls fn and converts a panic with an error, raised by a device runtime, into a
// returned error.
func guard(what string, fn func() error) (err error) {
	exception := exceptions.TryCatch[error](func() { err = fn() })
	if exception != nil {
		return errors.WithMessagef(exception, "panic during %s", what)
	}
	return err
}

// execute runs the kernel of the call on the operands, the last of which is the output: it is
// read back when the kernel completes. args builds the kernel arguments from the operand buffers.
func execute[T dtypes.Supported](s *Session, routine string, shape decomp.CallShape, operands [][]T,
	args func(bufs []device.Buffer) []any) error {
	node, nd, err := s.acquire(routine, shape)
	if err != nil {
		return err
	}
	defer s.cache.Release(node)

	bufs := make([]device.Buffer, 0, len(operands))
	defer func() {
		for _, buf := range bufs {
			if err := buf.Release(); err != nil {
				klog.Warningf("blas: failed to release buffer of %s: %+v", routine, err)
			}
		}
	}()
	for ii, flat := range operands {
		buf, err := s.ctx.NewBuffer(flat)
		if err != nil {
			return newError(routine, StageExecution, errors.WithMessagef(err, "uploading operand #%d", ii))
		}
		bufs = append(bufs, buf)
	}

	kernel := node.Kernel()
	var ev device.Event
	err = guard("execution of "+kernel.Name(), func() (err error) {
		ev, err = s.ctx.Enqueue(kernel, nd, args(bufs)...)
		return err
	})
	if err != nil {
		return newError(routine, StageExecution, err)
	}
	klog.V(2).Infof("blas: %s %s ran in %s", kernel.Name(), nd, ev.Duration())

	if err := s.ctx.ReadBuffer(bufs[len(bufs)-1], operands[len(operands)-1]); err != nil {
		return newError(routine, StageReadBack, err)
	}
	return nil
}
