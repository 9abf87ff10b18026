// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package probe

import (
	"math"
	"math/bits"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/kcache"
	"github.com/gomlx/gpublas/pkg/kgen"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrNoKnee is returned (wrapped) when the latency curve has no clear jump in the measured range.
var ErrNoKnee = errors.New("no latency knee found")

const (
	// DefaultKneeRatio is the latency increase, relative to the fastest smaller working set, that
	// marks a working set as no longer fitting in the cache.
	DefaultKneeRatio = 1.5

	// DefaultReads is the approximate number of strided reads timed per sample.
	DefaultReads = 1 << 20

	// DefaultRepeats is the number of times each sample is timed; the fastest is kept.
	DefaultRepeats = 3

	defaultL1Max = 1 << 20
	minL1        = 1 << 10
	minL2        = 64 << 10
	maxL2        = 32 << 20
)

// Sample is one point of the latency curve.
type Sample struct {
	// Bytes of the working set.
	Bytes int64

	// NsPerRead is the average time of one strided read.
	NsPerRead float64
}

// Prober runs the cache-size micro-benchmarks in a device context.
//
// It times a kernel that sweeps working sets of growing size with a stride of one cache line,
// and finds the first size where the time per read jumps (the "knee"): the last size before it
// is taken as the cache size, rounded to the nearest power of two.
type Prober struct {
	ctx   device.Context
	cache *kcache.Cache

	minBytes, maxBytes int64
	kneeRatio          float64
	reads, repeats     int
	progress           func(done, total int)

	samples []Sample
}

// NewProber creates a Prober for the given context.
func NewProber(ctx device.Context) *Prober {
	return &Prober{
		ctx:       ctx,
		kneeRatio: DefaultKneeRatio,
		reads:     DefaultReads,
		repeats:   DefaultRepeats,
	}
}

// WithCache makes the Prober take the benchmark kernel from the cache, and insert it on a miss.
func (p *Prober) WithCache(cache *kcache.Cache) *Prober {
	p.cache = cache
	return p
}

// WithRange overrides the range of working set sizes swept by MeasureL1 and MeasureL2.
func (p *Prober) WithRange(minBytes, maxBytes int64) *Prober {
	p.minBytes, p.maxBytes = minBytes, maxBytes
	return p
}

// WithKneeRatio sets the relative latency jump taken as the knee. See DefaultKneeRatio.
func (p *Prober) WithKneeRatio(ratio float64) *Prober {
	p.kneeRatio = ratio
	return p
}

// WithReads sets the approximate number of reads timed for each sample.
func (p *Prober) WithReads(reads int) *Prober {
	p.reads = max(1, reads)
	return p
}

// WithRepeats sets how many times each sample is timed.
func (p *Prober) WithRepeats(repeats int) *Prober {
	p.repeats = max(1, repeats)
	return p
}

// WithProgress sets a callback called after each sample is measured.
func (p *Prober) WithProgress(fn func(done, total int)) *Prober {
	p.progress = fn
	return p
}

// Samples returns the latency curve of the last measurement.
func (p *Prober) Samples() []Sample {
	return p.samples
}

// MeasureL2 measures the L2 cache size, in bytes. It returns 0 and an error on failure.
func (p *Prober) MeasureL2() (int64, error) {
	minBytes, maxBytes := p.minBytes, p.maxBytes
	if minBytes <= 0 {
		minBytes = minL2
	}
	if maxBytes <= 0 {
		maxBytes = maxL2
	}
	size, err := p.Measure(minBytes, maxBytes)
	if err != nil {
		return 0, errors.WithMessage(err, "measuring L2 cache size")
	}
	return size, nil
}

// MeasureL1 measures the L1 cache size, in bytes, bounded above by the L2 size if known (> 0).
// It returns 0 and an error on failure.
func (p *Prober) MeasureL1(l2 int64) (int64, error) {
	minBytes, maxBytes := p.minBytes, p.maxBytes
	if minBytes <= 0 {
		minBytes = minL1
	}
	if maxBytes <= 0 {
		maxBytes = defaultL1Max
	}
	if l2 > 0 {
		maxBytes = min(maxBytes, l2)
	}
	size, err := p.Measure(minBytes, maxBytes)
	if err != nil {
		return 0, errors.WithMessage(err, "measuring L1 cache size")
	}
	return size, nil
}

// MeasureL2CacheSize measures the L2 cache size of the device of ctx with the default settings.
func MeasureL2CacheSize(ctx device.Context) (int64, error) {
	return NewProber(ctx).MeasureL2()
}

// MeasureL1CacheSize measures the L1 cache size of the device of ctx with the default settings,
// bounded above by l2 if it is known (> 0).
func MeasureL1CacheSize(ctx device.Context, l2 int64) (int64, error) {
	return NewProber(ctx).MeasureL1(l2)
}

// workingSets returns the sizes swept between minBytes and maxBytes: the powers of two and the
// midpoints 1.5x between them.
func workingSets(minBytes, maxBytes int64) []int64 {
	var sizes []int64
	if minBytes <= 0 {
		return nil
	}
	for s := floorPowerOfTwo(minBytes); s <= maxBytes; s *= 2 {
		if s >= minBytes {
			sizes = append(sizes, s)
		}
		if mid := s + s/2; mid >= minBytes && mid <= maxBytes {
			sizes = append(sizes, mid)
		}
	}
	return sizes
}

// Measure sweeps the working set sizes in [minBytes, maxBytes] and returns the cache size
// detected from the latency curve.
func (p *Prober) Measure(minBytes, maxBytes int64) (int64, error) {
	p.samples = nil
	sizes := workingSets(minBytes, maxBytes)
	if len(sizes) < 3 {
		return 0, errors.Errorf("range [%s, %s] too small to measure", humanize.IBytes(uint64(minBytes)), humanize.IBytes(uint64(maxBytes)))
	}
	lineSize, err := p.ctx.Device().QueryInt(device.GlobalMemCacheLineSize)
	if err != nil {
		return 0, errors.WithMessage(err, "querying cache line size")
	}
	stride := max(1, lineSize/4)

	node, owner, err := p.kernel(stride)
	if err != nil {
		return 0, err
	}
	defer owner.Release(node)

	maxElements := int(maxBytes / 4)
	src, err := p.ctx.NewBuffer(make([]float32, maxElements))
	if err != nil {
		return 0, errors.WithMessage(err, "allocating probe source buffer")
	}
	defer releaseBuffer(src)
	dst, err := p.ctx.NewBuffer(make([]float32, 1))
	if err != nil {
		return 0, errors.WithMessage(err, "allocating probe destination buffer")
	}
	defer releaseBuffer(dst)

	nd := device.NDRange{Dims: 1, Global: [2]int{1}, Local: [2]int{1}}
	for ii, size := range sizes {
		n := int(size / 4)
		readsPerPass := kernels.CeilDiv(n, stride)
		iterations := max(1, p.reads/readsPerPass)
		best := time.Duration(math.MaxInt64)
		for range p.repeats {
			ev, err := p.ctx.Enqueue(node.Kernel(), nd, n, stride, iterations, src, dst)
			if err != nil {
				return 0, errors.WithMessagef(err, "running probe kernel for %s", humanize.IBytes(uint64(size)))
			}
			best = min(best, ev.Duration())
		}
		p.samples = append(p.samples, Sample{
			Bytes:     size,
			NsPerRead: float64(best.Nanoseconds()) / float64(readsPerPass*iterations),
		})
		if p.progress != nil {
			p.progress(ii+1, len(sizes))
		}
	}
	size, err := FindKnee(p.samples, p.kneeRatio)
	if err != nil {
		return 0, err
	}
	klog.V(1).Infof("probe: cache size of %q measured as %s", p.ctx.Device().Name(), humanize.IBytes(uint64(size)))
	return size, nil
}

// FindKnee returns the cache size indicated by the latency curve: the working set right before
// the first sample whose latency exceeds ratio times the fastest of the smaller working sets,
// rounded to the nearest power of two. The jump must be confirmed by the following sample,
// if there is one, to filter out noise.
func FindKnee(samples []Sample, ratio float64) (int64, error) {
	if len(samples) < 2 {
		return 0, errors.Wrapf(ErrNoKnee, "only %d samples", len(samples))
	}
	baseline := samples[0].NsPerRead
	for ii := 1; ii < len(samples); ii++ {
		threshold := ratio * baseline
		if samples[ii].NsPerRead > threshold && (ii+1 == len(samples) || samples[ii+1].NsPerRead > threshold) {
			return NearestPowerOfTwo(samples[ii-1].Bytes), nil
		}
		baseline = min(baseline, samples[ii].NsPerRead)
	}
	return 0, errors.Wrapf(ErrNoKnee, "between %s and %s", humanize.IBytes(uint64(samples[0].Bytes)),
		humanize.IBytes(uint64(samples[len(samples)-1].Bytes)))
}

// NearestPowerOfTwo returns the power of two closest to x, the larger one on ties.
// It returns 1 for x <= 1.
func NearestPowerOfTwo(x int64) int64 {
	if x <= 1 {
		return 1
	}
	lower := floorPowerOfTwo(x)
	if lower == x {
		return x
	}
	upper := lower << 1
	if x-lower < upper-x {
		return lower
	}
	return upper
}

func floorPowerOfTwo(x int64) int64 {
	return int64(1) << (63 - bits.LeadingZeros64(uint64(x)))
}

// kernel returns a node holding the probe kernel, from the cache if one was configured, and the
// cache the node must be released to.
func (p *Prober) kernel(stride int) (node *kcache.Node, owner *kcache.Cache, err error) {
	req := kgen.ProbeRequest()
	extra := kernels.ProbeExtra{ElementStride: stride}
	key := kcache.Key{Device: p.ctx.Device(), Context: p.ctx}
	owner = p.cache
	if owner != nil {
		if node, found := owner.Find(kernels.FamilyProbe, key, extra); found {
			return node, owner, nil
		}
	}
	source, ok := kgen.Source(req)
	if !ok {
		return nil, nil, errors.New("probe kernel could not be generated")
	}
	kernel, err := p.ctx.BuildKernel(source, kgen.EntryName(req), "")
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building probe kernel")
	}
	if owner == nil {
		owner = kcache.New(int(kernels.NumFamilies), kcache.Unlimited)
		return owner.Detached(kernels.FamilyProbe, kernel, extra), owner, nil
	}
	node, err = owner.Insert(kernels.FamilyProbe, kernel, key, extra)
	if err != nil {
		klog.V(1).Infof("probe: kernel not cached: %v", err)
		return owner.Detached(kernels.FamilyProbe, kernel, extra), owner, nil
	}
	return node, owner, nil
}

func releaseBuffer(buf device.Buffer) {
	if err := buf.Release(); err != nil {
		klog.Warningf("probe: failed to release buffer: %+v", err)
	}
}
