// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package probe supplies the device capabilities used by the decomposition selector: direct
// queries of the device properties (Query, MaxWorkGroupSize) and micro-benchmark measurements
// of the cache sizes (MeasureL2CacheSize, MeasureL1CacheSize and the Prober).
//
// Measurements are best effort: any failure returns 0 ("unknown") and an error that callers
// are expected to log and ignore, since the static tuning table already encodes good defaults.
package probe

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/tune"
	"github.com/pkg/errors"
)

// Capabilities of a device, as used by the decomposition selector.
type Capabilities struct {
	Name, Vendor string

	// Chip identified from the device name and vendor, tune.ChipUnknown if not recognized.
	Chip tune.Chip

	MaxWorkGroupSize int
	ComputeUnits     int

	// LocalMemSize in bytes, 0 if the device has no local memory.
	LocalMemSize int

	DoubleFP bool
	FMA      bool

	WavefrontSize int
	CacheLineSize int

	// L1CacheSize and L2CacheSize are measured sizes in bytes, or 0 if unknown.
	L1CacheSize, L2CacheSize int64
}

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	cacheSize := func(size int64) string {
		if size <= 0 {
			return "unknown"
		}
		return humanize.IBytes(uint64(size))
	}
	return fmt.Sprintf("%s (%s, chip %s): maxWG=%d, CUs=%d, LDS=%s, fp64=%v, fma=%v, wavefront=%d, cacheline=%d, L1=%s, L2=%s",
		c.Name, c.Vendor, c.Chip, c.MaxWorkGroupSize, c.ComputeUnits, humanize.IBytes(uint64(c.LocalMemSize)),
		c.DoubleFP, c.FMA, c.WavefrontSize, c.CacheLineSize, cacheSize(c.L1CacheSize), cacheSize(c.L2CacheSize))
}

// MaxWorkGroupSize returns the maximum number of work-items in a work-group of the device.
func MaxWorkGroupSize(dev device.Device) (int, error) {
	v, err := dev.QueryInt(device.MaxWorkGroupSize)
	if err != nil {
		return 0, errors.WithMessagef(err, "querying max work-group size of %q", dev.Name())
	}
	if v <= 0 {
		return 0, errors.Errorf("device %q reported an invalid max work-group size %d", dev.Name(), v)
	}
	return v, nil
}

// Query returns the capabilities of the device that can be queried directly.
// The measured cache sizes are left at 0.
func Query(dev device.Device) (Capabilities, error) {
	caps := Capabilities{
		Name:   dev.Name(),
		Vendor: dev.Vendor(),
		Chip:   tune.ChipFromName(dev.Vendor(), dev.Name()),
	}
	var err error
	if caps.MaxWorkGroupSize, err = MaxWorkGroupSize(dev); err != nil {
		return Capabilities{}, err
	}
	props := []struct {
		prop device.Property
		dst  *int
	}{
		{device.MaxComputeUnits, &caps.ComputeUnits},
		{device.LocalMemSize, &caps.LocalMemSize},
		{device.WavefrontSize, &caps.WavefrontSize},
		{device.GlobalMemCacheLineSize, &caps.CacheLineSize},
	}
	for _, p := range props {
		if *p.dst, err = dev.QueryInt(p.prop); err != nil {
			return Capabilities{}, errors.WithMessagef(err, "querying %s of %q", p.prop, dev.Name())
		}
	}
	fp64, err := dev.QueryInt(device.DoubleFPSupport)
	if err != nil {
		return Capabilities{}, errors.WithMessagef(err, "querying %s of %q", device.DoubleFPSupport, dev.Name())
	}
	caps.DoubleFP = fp64 != 0
	fma, err := dev.QueryInt(device.FMASupport)
	if err != nil {
		return Capabilities{}, errors.WithMessagef(err, "querying %s of %q", device.FMASupport, dev.Name())
	}
	caps.FMA = fma != 0
	if caps.WavefrontSize <= 0 {
		caps.WavefrontSize = 1
	}
	return caps, nil
}
