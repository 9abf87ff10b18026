// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostdev implements a portable, pure Go compute device for the BLAS core.
//
// It is not a GPU: "compiling" a kernel validates the generated source (entry point present, no
// unsubstituted placeholders, balanced delimiters) and parses its #define switches, and executing
// it runs a host implementation of the kernel's family (backed by gonum) once per work-group, on a
// bounded pool of goroutines. It makes the whole pipeline (selection, generation, caching and
// execution) runnable and testable anywhere.
//
// The device properties are configurable, so it can impersonate a GPU model for the tuning table:
//
//	GPUBLAS_DEVICE="host:chip=Tahiti,wgsize=256,lds=32768"
//
// Options: chip or name (device name reported), vendor, wgsize (max work-group size), lds (local
// memory bytes, 0 for none), cu (compute units), wavefront, fp64 (0 or 1), fma (0 or 1),
// cacheline (bytes) and workers (max parallelism: 0 disables, -1 is unlimited).
package hostdev

import (
	"runtime"
	"strconv"
	"sync/atomic"

	"github.com/gomlx/gpublas/internal/workerspool"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
	"k8s.io/klog/v2"
)

// DeviceName to be used in GPUBLAS_DEVICE to select this device.
const DeviceName = "host"

// Registers New as the constructor for the "host" device.
func init() {
	device.Register(DeviceName, func(config string) (device.Device, error) {
		return New(config)
	})
}

// Device implements device.Device on the host CPU.
type Device struct {
	id     string
	name   string
	vendor string
	props  [device.NumProperties]int

	workers   *workerspool.Pool
	finalized atomic.Bool
}

// Compile-time check that hostdev.Device implements device.Device.
var _ device.Device = (*Device)(nil)

// vectorLanes returns the number of float32 lanes of the widest vector unit of the CPU.
func vectorLanes() int {
	switch {
	case cpu.X86.HasAVX512F:
		return 16
	case cpu.X86.HasAVX2, cpu.X86.HasAVX:
		return 8
	default:
		return 4
	}
}

func hasFMA() bool {
	return cpu.X86.HasFMA || cpu.ARM64.HasASIMD
}

// New constructs a new host Device from the options in config, see package documentation.
func New(config string) (*Device, error) {
	options, err := device.ParseOptions(config)
	if err != nil {
		return nil, errors.WithMessage(err, "hostdev.New")
	}
	d := &Device{
		id:      uuid.NewString(),
		name:    "Host",
		vendor:  "gpublas",
		workers: workerspool.New(),
	}
	d.props[device.MaxWorkGroupSize] = 256
	d.props[device.MaxComputeUnits] = runtime.NumCPU()
	d.props[device.LocalMemSize] = 32 * 1024
	d.props[device.DoubleFPSupport] = 1
	d.props[device.WavefrontSize] = vectorLanes()
	d.props[device.GlobalMemCacheLineSize] = 64
	if hasFMA() {
		d.props[device.FMASupport] = 1
	}

	intOptions := map[string]device.Property{
		"wgsize":    device.MaxWorkGroupSize,
		"cu":        device.MaxComputeUnits,
		"lds":       device.LocalMemSize,
		"fp64":      device.DoubleFPSupport,
		"wavefront": device.WavefrontSize,
		"cacheline": device.GlobalMemCacheLineSize,
		"fma":       device.FMASupport,
	}
	for key, value := range options {
		switch key {
		case "chip", "name":
			d.name = value
		case "vendor":
			d.vendor = value
		case "workers":
			workers, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "hostdev: invalid value for option %q", key)
			}
			d.workers.SetMaxParallelism(workers)
		default:
			prop, found := intOptions[key]
			if !found {
				return nil, errors.Errorf("hostdev: unknown option %q in config %q", key, config)
			}
			v, err := strconv.Atoi(value)
			if err != nil {
				return nil, errors.Wrapf(err, "hostdev: invalid value for option %q", key)
			}
			if v < 0 || (v == 0 && prop != device.LocalMemSize && prop != device.DoubleFPSupport && prop != device.FMASupport) {
				return nil, errors.Errorf("hostdev: option %s=%d out of range", key, v)
			}
			d.props[prop] = v
		}
	}
	klog.V(1).Infof("hostdev: created device %q (%s): %v", d.name, d.id, d.props)
	return d, nil
}

// ID implements device.Device.
func (d *Device) ID() string { return d.id }

// Name implements device.Device.
func (d *Device) Name() string { return d.name }

// Vendor implements device.Device.
func (d *Device) Vendor() string { return d.vendor }

// String implements fmt.Stringer.
func (d *Device) String() string { return DeviceName + ":" + d.name }

// QueryInt implements device.Device.
func (d *Device) QueryInt(p device.Property) (int, error) {
	if d.finalized.Load() {
		return 0, errors.Errorf("hostdev: device %s already finalized", d.id)
	}
	if p < 0 || p >= device.NumProperties {
		return 0, errors.Errorf("hostdev: invalid property %s", p)
	}
	return d.props[p], nil
}

// NewContext implements device.Device.
func (d *Device) NewContext() (device.Context, error) {
	if d.finalized.Load() {
		return nil, errors.Errorf("hostdev: device %s already finalized", d.id)
	}
	return newContext(d), nil
}

// Finalize implements device.Device.
func (d *Device) Finalize() {
	d.finalized.Store(true)
}
