// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package probe

import (
	"testing"
	"time"

	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/device/hostdev"
	"github.com/gomlx/gpublas/pkg/kcache"
	"github.com/gomlx/gpublas/pkg/tune"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// latencyDevice simulates a device with a single cache level: reads of working sets up to
// cacheSize take 1ns, larger ones take 5ns.
type latencyDevice struct {
	*hostdev.Device
	cacheSize int64

	// failAfter makes Enqueue fail after that many calls, if > 0.
	failAfter int
}

type latencyContext struct {
	*hostdev.Context
	dev      *latencyDevice
	enqueues int
}

func (d *latencyDevice) NewContext() (device.Context, error) {
	ctx, err := d.Device.NewContext()
	if err != nil {
		return nil, err
	}
	return &latencyContext{Context: ctx.(*hostdev.Context), dev: d}, nil
}

func (c *latencyContext) Device() device.Device { return c.dev }

func (c *latencyContext) Enqueue(kernel device.Kernel, nd device.NDRange, args ...any) (device.Event, error) {
	c.enqueues++
	if c.dev.failAfter > 0 && c.enqueues > c.dev.failAfter {
		return device.Event{}, errors.New("device lost")
	}
	n, stride, iterations := args[0].(int), args[1].(int), args[2].(int)
	perRead := time.Nanosecond
	if int64(n)*4 > c.dev.cacheSize {
		perRead = 5 * time.Nanosecond
	}
	reads := kernels.CeilDiv(n, stride) * iterations
	start := time.Unix(0, 0)
	return device.Event{Queued: start, Start: start, End: start.Add(time.Duration(reads) * perRead)}, nil
}

func newLatencyContext(t *testing.T, cacheSize int64, failAfter int) *latencyContext {
	dev := &latencyDevice{Device: must.M1(hostdev.New("cacheline=64")), cacheSize: cacheSize, failAfter: failAfter}
	ctx := must.M1(dev.NewContext()).(*latencyContext)
	t.Cleanup(func() {
		require.NoError(t, ctx.Release())
		dev.Finalize()
	})
	return ctx
}

func TestQuery(t *testing.T) {
	dev := must.M1(hostdev.New("chip=Tahiti,vendor=AMD,wgsize=128,lds=65536,fp64=0,fma=1,wavefront=64"))
	defer dev.Finalize()
	caps, err := Query(dev)
	require.NoError(t, err)
	assert.Equal(t, tune.ChipTahiti, caps.Chip)
	assert.Equal(t, 128, caps.MaxWorkGroupSize)
	assert.Equal(t, 65536, caps.LocalMemSize)
	assert.Equal(t, 64, caps.WavefrontSize)
	assert.False(t, caps.DoubleFP)
	assert.True(t, caps.FMA)
	assert.Zero(t, caps.L2CacheSize)
	assert.Contains(t, caps.String(), "L2=unknown")
	assert.Equal(t, 128, must.M1(MaxWorkGroupSize(dev)))

	unknown := must.M1(hostdev.New("chip=SomeFutureGPU"))
	caps = must.M1(Query(unknown))
	assert.Equal(t, tune.ChipUnknown, caps.Chip)
	unknown.Finalize()
	_, err = Query(unknown)
	require.Error(t, err)
}

func TestNearestPowerOfTwo(t *testing.T) {
	for _, tc := range []struct{ x, want int64 }{
		{0, 1}, {1, 1}, {2, 2}, {3, 4}, {5, 4}, {6, 8}, {7, 8},
		{256 << 10, 256 << 10}, {300 << 10, 256 << 10}, {384 << 10, 512 << 10}, {400 << 10, 512 << 10},
	} {
		assert.Equalf(t, tc.want, NearestPowerOfTwo(tc.x), "NearestPowerOfTwo(%d)", tc.x)
	}
}

func TestFindKnee(t *testing.T) {
	samples := func(latencies ...float64) []Sample {
		s := make([]Sample, len(latencies))
		for ii, l := range latencies {
			s[ii] = Sample{Bytes: int64(1024) << ii, NsPerRead: l}
		}
		return s
	}
	size, err := FindKnee(samples(1, 1.1, 0.9, 3, 3.2), DefaultKneeRatio)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	// A single spike is noise.
	size, err = FindKnee(samples(1, 1, 4, 1, 1, 6, 6), DefaultKneeRatio)
	require.NoError(t, err)
	assert.Equal(t, int64(16384), size)

	// Jump at the very last sample.
	size, err = FindKnee(samples(1, 1, 1, 2), DefaultKneeRatio)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), size)

	_, err = FindKnee(samples(1, 1.2, 1.1, 1.3), DefaultKneeRatio)
	require.ErrorIs(t, err, ErrNoKnee)
	_, err = FindKnee(samples(1), DefaultKneeRatio)
	require.ErrorIs(t, err, ErrNoKnee)
}

func TestWorkingSets(t *testing.T) {
	assert.Equal(t, []int64{1024, 1536, 2048, 3072, 4096}, workingSets(1024, 4096))
	assert.Equal(t, []int64{1536, 2048, 3072}, workingSets(1500, 3500))
	assert.Empty(t, workingSets(0, 4096))
}

func TestMeasure(t *testing.T) {
	ctx := newLatencyContext(t, 256<<10, 0)
	var progress []int
	p := NewProber(ctx).WithReads(1<<12).WithRepeats(2).WithProgress(func(done, total int) {
		progress = append(progress, done)
		assert.Equal(t, len(workingSets(minL2, 4<<20)), total)
	}).WithRange(0, 4<<20)
	l2, err := p.MeasureL2()
	require.NoError(t, err)
	assert.Equal(t, int64(256<<10), l2)
	samples := p.Samples()
	require.Len(t, samples, len(progress))
	assert.Equal(t, len(samples), progress[len(progress)-1])
	assert.InDelta(t, 1.0, samples[0].NsPerRead, 0.01)
	assert.InDelta(t, 5.0, samples[len(samples)-1].NsPerRead, 0.01)
	assert.Equal(t, 0, ctx.LiveKernels())
	assert.Equal(t, 0, ctx.LiveBuffers())
}

func TestMeasureL1BoundedByL2(t *testing.T) {
	ctx := newLatencyContext(t, 32<<10, 0)
	cache := kcache.New(int(kernels.NumFamilies), kcache.Unlimited)
	defer cache.Destroy()
	p := NewProber(ctx).WithCache(cache).WithReads(1 << 10)
	l1, err := p.MeasureL1(256 << 10)
	require.NoError(t, err)
	assert.Equal(t, int64(32<<10), l1)
	assert.Equal(t, int64(256<<10), p.Samples()[len(p.Samples())-1].Bytes)

	// Second measurement reuses the cached kernel.
	_, err = p.MeasureL1(256 << 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cache.Stats().Hits)
	assert.Equal(t, 1, ctx.LiveKernels())
}

func TestMeasureFailures(t *testing.T) {
	// Device failing in the middle of the measurement.
	ctx := newLatencyContext(t, 256<<10, 5)
	l2, err := NewProber(ctx).WithReads(1<<10).WithRange(0, 1<<20).MeasureL2()
	require.Error(t, err)
	assert.Zero(t, l2)
	assert.Equal(t, 0, ctx.LiveKernels())
	assert.Equal(t, 0, ctx.LiveBuffers())

	// Cache larger than the range: no knee.
	ctx = newLatencyContext(t, 64<<20, 0)
	l2, err = NewProber(ctx).WithReads(1<<10).WithRange(0, 1<<20).MeasureL2()
	require.ErrorIs(t, err, ErrNoKnee)
	assert.Zero(t, l2)

	// Range too small.
	_, err = NewProber(ctx).MeasureL1(1536)
	require.Error(t, err)
}
