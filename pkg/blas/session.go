// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blas is the BLAS front end: a Session owns a device context and a kernel cache, and
// the generic level 3 routines (Gemm, Trsm, Syrk, Herk, Symm and Hemm) run on it.
//
// A call is lowered to column-major, a decomposition is selected for the device, and the kernel
// is taken from the cache or generated, compiled and inserted. Operands are host slices: they
// are uploaded before and the output read back after the kernel runs.
//
// Example:
//
//	s, err := blas.New(blas.DefaultConfig())
//	if err != nil { ... }
//	defer s.Finalize()
//	err = blas.Gemm(s, blas.ColMajor, blas.NoTrans, blas.NoTrans, m, n, k, 1.0, a, m, b, k, 0.0, c, m)
//
// Sessions are safe for concurrent use.
package blas

import (
	"fmt"
	"sync/atomic"

	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/decomp"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/kcache"
	"github.com/gomlx/gpublas/pkg/probe"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	// Host device, so there is always one device runtime registered.
	_ "github.com/gomlx/gpublas/pkg/device/hostdev"
)

// Session holds the device resources of the BLAS: a context and a kernel cache.
// Create it with New or NewWithDevice, and release it with Finalize.
type Session struct {
	cfg        Config
	dev        device.Device
	ownsDevice bool
	ctx        device.Context
	cache      *kcache.Cache
	caps       probe.Capabilities

	// flights collapses concurrent compilations of the same kernel.
	flights singleflight.Group

	finalized atomic.Bool
}

// New creates a device from cfg.Device and a Session on it. The device is finalized with the
// session.
func New(cfg Config) (*Session, error) {
	var dev device.Device
	var err error
	if cfg.Device == "" {
		dev, err = device.New()
	} else {
		dev, err = device.NewWithConfig(cfg.Device)
	}
	if err != nil {
		return nil, errors.WithMessage(err, "blas.New")
	}
	s, err := NewWithDevice(dev, cfg)
	if err != nil {
		dev.Finalize()
		return nil, err
	}
	s.ownsDevice = true
	return s, nil
}

// NewWithDevice creates a Session on an existing device, which stays owned by the caller.
func NewWithDevice(dev device.Device, cfg Config) (*Session, error) {
	caps, err := decomp.Capabilities(dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "querying capabilities of %s", dev.Name())
	}
	ctx, err := dev.NewContext()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating context on %s", dev.Name())
	}
	cache := kcache.New(int(kernels.NumFamilies), cfg.CacheLimit).
		WithRetainSource(cfg.RetainSource)
	if cfg.EvictionLookAhead > 0 {
		cache.WithEvictionLookAhead(cfg.EvictionLookAhead)
	}
	s := &Session{cfg: cfg, dev: dev, ctx: ctx, cache: cache, caps: caps}
	if cfg.MeasureCaches && caps.L2CacheSize == 0 {
		s.measureCaches()
	}
	klog.V(1).Infof("blas: session on %s (%s)", s.caps, cfg)
	return s, nil
}

// measureCaches runs the cache-size micro-benchmarks. Failures are logged and leave the sizes
// unknown.
func (s *Session) measureCaches() {
	prober := probe.NewProber(s.ctx).WithCache(s.cache)
	l2, err := prober.MeasureL2()
	if err != nil {
		klog.Warningf("blas: L2 cache size of %s not measured: %v", s.dev.Name(), err)
		return
	}
	l1, err := prober.MeasureL1(l2)
	if err != nil {
		klog.Warningf("blas: L1 cache size of %s not measured: %v", s.dev.Name(), err)
		l1 = 0
	}
	s.caps.L1CacheSize, s.caps.L2CacheSize = l1, l2
	decomp.SetCapabilities(s.dev, s.caps)
}

// Finalize destroys the cached kernels, regardless of outstanding references, and releases the
// context, and the device if the session created it. It is idempotent. Later calls on the
// session fail with ErrFinalized.
func (s *Session) Finalize() {
	if s.finalized.Swap(true) {
		return
	}
	s.cache.Destroy()
	if err := s.ctx.Release(); err != nil {
		klog.Warningf("blas: failed to release context %s: %+v", s.ctx.ID(), err)
	}
	if s.ownsDevice {
		decomp.ForgetCapabilities(s.dev)
		s.dev.Finalize()
	}
}

// Device of the session.
func (s *Session) Device() device.Device { return s.dev }

// Context of the session. Kernels and buffers of the session live in it.
func (s *Session) Context() device.Context { return s.ctx }

// Capabilities of the device, as used to select decompositions.
func (s *Session) Capabilities() probe.Capabilities { return s.caps }

// CacheStats returns a snapshot of the kernel cache statistics.
func (s *Session) CacheStats() kcache.Stats { return s.cache.Stats() }

// FlushCache evicts every cached kernel.
func (s *Session) FlushCache() { s.cache.Flush() }

// String implements fmt.Stringer.
func (s *Session) String() string {
	return fmt.Sprintf("blas.Session(%s, cache: %s)", s.caps.Name, s.cache.Stats())
}

func (s *Session) checkAlive(routine string) error {
	if s.finalized.Load() {
		return newError(routine, StageArguments, ErrFinalized)
	}
	return nil
}
