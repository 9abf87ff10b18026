// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostdev

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/gomlx/gpublas/internal/refblas"
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/support/xslices"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("v", "1")
}

// testSource returns a minimal kernel source with the tile macros and the given switches.
func testSource(entry string, tileY, tileX int, switches ...string) string {
	var sb strings.Builder
	for _, s := range switches {
		fmt.Fprintf(&sb, "#define %s\n", s)
	}
	fmt.Fprintf(&sb, "#define WG_TILE_Y %d\n#define WG_TILE_X (%d)\n", tileY, tileX)
	fmt.Fprintf(&sb, "#define MAD(a, b, c) ((a) * (b) + (c))\n")
	fmt.Fprintf(&sb, "__kernel void %s(uint M, uint N, __global float *A)\n{\n  // body\n  A[get_global_id(0)] = 0;\n}\n", entry)
	return sb.String()
}

func newTestContext(t *testing.T, config string) *Context {
	dev := must.M1(New(config))
	ctx := must.M1(dev.NewContext()).(*Context)
	t.Cleanup(func() {
		require.NoError(t, ctx.Release())
		dev.Finalize()
	})
	return ctx
}

func TestNew(t *testing.T) {
	dev, err := New("chip=Tahiti,wgsize=128,lds=0,workers=2,fp64=0")
	require.NoError(t, err)
	assert.Equal(t, "Tahiti", dev.Name())
	assert.Equal(t, 128, must.M1(dev.QueryInt(device.MaxWorkGroupSize)))
	assert.Equal(t, 0, must.M1(dev.QueryInt(device.LocalMemSize)))
	assert.Equal(t, 0, must.M1(dev.QueryInt(device.DoubleFPSupport)))
	assert.Equal(t, 2, dev.workers.MaxParallelism())
	assert.Greater(t, must.M1(dev.QueryInt(device.WavefrontSize)), 0)

	_, err = New("bogus=1")
	require.Error(t, err)
	_, err = New("wgsize=0")
	require.Error(t, err)
	_, err = New("wgsize=x")
	require.Error(t, err)

	generic, err := device.NewWithConfig("host:wgsize=64")
	require.NoError(t, err)
	assert.Equal(t, 64, must.M1(generic.QueryInt(device.MaxWorkGroupSize)))
	generic.Finalize()
	_, err = generic.QueryInt(device.MaxWorkGroupSize)
	require.Error(t, err)
}

func TestBuildKernel(t *testing.T) {
	ctx := newTestContext(t, "")

	source := testSource("sgemm_nn", 16, 8)
	k1, err := ctx.BuildKernel(source, "sgemm_nn", "")
	require.NoError(t, err)
	k2, err := ctx.BuildKernel(source, "sgemm_nn", "")
	require.NoError(t, err)
	assert.Equal(t, k1.Program().BinarySizes(), k2.Program().BinarySizes())
	assert.Equal(t, 2, ctx.LiveKernels())
	assert.Equal(t, source, k1.Program().Source())
	p := k1.Program().(*Program)
	assert.Equal(t, 16, must.M1(p.IntMacro("WG_TILE_Y")))
	assert.Equal(t, 8, must.M1(p.IntMacro("WG_TILE_X")))
	assert.True(t, p.Defined("MAD"))
	assert.False(t, p.Defined("TRANS_A"))

	require.NoError(t, k1.Release())
	require.Error(t, k1.Release())
	require.NoError(t, k2.Release())
	assert.Equal(t, 0, ctx.LiveKernels())

	// Entry point missing.
	_, err = ctx.BuildKernel(source, "sgemm_nt", "")
	require.ErrorContains(t, err, "not found")

	// Left-over placeholders.
	_, err = ctx.BuildKernel(strings.Replace(source, "A[", "A[%WIDTH + ", 1), "sgemm_nn", "")
	require.ErrorContains(t, err, "%WIDTH")

	// Unbalanced.
	_, err = ctx.BuildKernel(source+"}\n", "sgemm_nn", "")
	require.ErrorContains(t, err, "unbalanced")

	// Unknown family or variant.
	_, err = ctx.BuildKernel(testSource("sfoo_nn", 16, 8), "sfoo_nn", "")
	require.Error(t, err)
	_, err = ctx.BuildKernel(testSource("strsm_xx", 16, 8), "strsm_xx", "")
	require.Error(t, err)
	_, err = ctx.BuildKernel(testSource("hgemm_nn", 16, 8), "hgemm_nn", "")
	require.Error(t, err)
	assert.Equal(t, 0, ctx.LiveKernels())
}

// ndFor returns an NDRange with local size [4,4] and enough groups to cover
// ceil(rows/tileY) x ceil(cols/tileX).
func ndFor(rows, cols, tileY, tileX int) device.NDRange {
	gy, gx := max(1, (rows+tileY-1)/tileY), max(1, (cols+tileX-1)/tileX)
	return device.NDRange{Dims: 2, Global: [2]int{gy * 4, gx * 4}, Local: [2]int{4, 4}}
}

func tolerance[T dtypes.Supported]() float64 {
	if dtypes.FromGenericsType[T]().IsDouble() {
		return 1e-9
	}
	return 1e-3
}

func opOf(trans, conj bool) refblas.Op {
	switch {
	case !trans:
		return refblas.NoTrans
	case conj:
		return refblas.ConjTrans
	}
	return refblas.Trans
}

func testGemm[T dtypes.Supported](t *testing.T, ctx *Context) {
	dtype := dtypes.FromGenericsType[T]()
	rng := rand.New(rand.NewPCG(42, 1))
	const m, n, k, tileY, tileX = 37, 29, 13, 16, 8
	for _, variant := range []string{"nn", "nt", "tn", "tt"} {
		for _, conj := range []bool{false, true} {
			if conj && !dtype.IsComplex() {
				continue
			}
			name := fmt.Sprintf("%s/%s/conj=%v", dtype, variant, conj)
			t.Run(name, func(t *testing.T) {
				transA, transB := variant[0] == 't', variant[1] == 't'
				var switches []string
				if conj {
					switches = []string{"CONJ_A", "CONJ_B"}
				}
				lda, ldb, ldc := m+3, k+1, m+2
				colsA := k
				if transA {
					lda, colsA = k+2, m
				}
				colsB := n
				if transB {
					ldb, colsB = n+1, k
				}
				offA, offB, offC := 1, 2, 3
				a := refblas.Random[T](rng, offA+lda*colsA)
				b := refblas.Random[T](rng, offB+ldb*colsB)
				c := refblas.Random[T](rng, offC+ldc*n)
				alpha, beta := T(2), T(-1)

				entry := dtype.Prefix() + "gemm_" + variant
				kernel := must.M1(ctx.BuildKernel(testSource(entry, tileY, tileX, switches...), entry, ""))
				defer func() { require.NoError(t, kernel.Release()) }()
				bufA, bufB, bufC := must.M1(ctx.NewBuffer(a)), must.M1(ctx.NewBuffer(b)), must.M1(ctx.NewBuffer(c))
				_, err := ctx.Enqueue(kernel, ndFor(m, n, tileY, tileX),
					m, n, k, alpha, beta, bufA, bufB, bufC, lda, ldb, ldc, offA, offB, offC)
				require.NoError(t, err)
				got := make([]T, len(c))
				require.NoError(t, ctx.ReadBuffer(bufC, got))
				for _, buf := range []device.Buffer{bufA, bufB, bufC} {
					require.NoError(t, buf.Release())
				}

				want := append([]T(nil), c...)
				refblas.Gemm(opOf(transA, conj), opOf(transB, conj), m, n, k, alpha, a[offA:], lda, b[offB:], ldb, beta, want[offC:], ldc)
				assert.LessOrEqual(t, xslices.MaxAbsDiff(want, got), tolerance[T]())
			})
		}
	}
}

func TestGemm(t *testing.T) {
	ctx := newTestContext(t, "workers=3")
	testGemm[float32](t, ctx)
	testGemm[float64](t, ctx)
	testGemm[complex64](t, ctx)
	testGemm[complex128](t, ctx)
	assert.Equal(t, 0, ctx.LiveBuffers())
	assert.Equal(t, 0, ctx.LiveKernels())
}

func testTrsm[T dtypes.Supported](t *testing.T, ctx *Context) {
	dtype := dtypes.FromGenericsType[T]()
	rng := rand.New(rand.NewPCG(42, 2))
	const m, n, tileY, tileX = 23, 19, 8, 8
	for _, side := range []string{"l", "r"} {
		for _, ul := range []string{"u", "l"} {
			for _, transA := range []bool{false, true} {
				for _, unit := range []bool{false, true} {
					name := fmt.Sprintf("%s/%s%s/trans=%v/unit=%v", dtype, side, ul, transA, unit)
					t.Run(name, func(t *testing.T) {
						left := side == "l"
						order := m
						if !left {
							order = n
						}
						lda, ldb := order+1, m+2
						a := refblas.WellConditionedTriangular[T](rng, order, lda)
						b := refblas.Random[T](rng, ldb*n)
						alpha := T(3)
						var switches []string
						if transA {
							switches = append(switches, "TRANS_A")
							if dtype.IsComplex() {
								switches = append(switches, "CONJ_A")
							}
						}
						if unit {
							switches = append(switches, "UNIT_DIAG")
						}
						entry := dtype.Prefix() + "trsm_" + side + ul
						kernel := must.M1(ctx.BuildKernel(testSource(entry, tileY, tileX, switches...), entry, ""))
						defer func() { require.NoError(t, kernel.Release()) }()
						bufA, bufB := must.M1(ctx.NewBuffer(a)), must.M1(ctx.NewBuffer(b))
						defer func() {
							require.NoError(t, bufA.Release())
							require.NoError(t, bufB.Release())
						}()
						nd := device.NDRange{Dims: 1, Global: [2]int{4 * 4}, Local: [2]int{4}}
						_, err := ctx.Enqueue(kernel, nd, m, n, alpha, bufA, bufB, lda, ldb, 0, 0)
						require.NoError(t, err)
						got := make([]T, len(b))
						require.NoError(t, ctx.ReadBuffer(bufB, got))

						// The variant names the triangle of op(A): the stored one flips with TRANS_A.
						storedUpper := (ul == "u") != transA
						want := append([]T(nil), b...)
						refblas.Trsm(left, storedUpper, opOf(transA, dtype.IsComplex()), unit, m, n, alpha, a, lda, want, ldb)
						assert.LessOrEqual(t, xslices.MaxAbsDiff(want, got), tolerance[T]())
					})
				}
			}
		}
	}
}

func TestTrsm(t *testing.T) {
	ctx := newTestContext(t, "")
	testTrsm[float32](t, ctx)
	testTrsm[float64](t, ctx)
	testTrsm[complex64](t, ctx)
	testTrsm[complex128](t, ctx)
}

func testSyrk[T dtypes.Supported](t *testing.T, ctx *Context, hermitian bool) {
	dtype := dtypes.FromGenericsType[T]()
	rng := rand.New(rand.NewPCG(42, 3))
	const n, k, tileY, tileX = 21, 11, 8, 8
	family, transLetter := "syrk", "t"
	if hermitian {
		family, transLetter = "herk", "c"
	}
	for _, ul := range []string{"u", "l"} {
		for _, trans := range []bool{false, true} {
			variant := ul + "n"
			if trans {
				variant = ul + transLetter
			}
			t.Run(fmt.Sprintf("%s/%s_%s", dtype, family, variant), func(t *testing.T) {
				lda, colsA := n+1, k
				if trans {
					lda, colsA = k+3, n
				}
				ldc := n + 2
				a := refblas.Random[T](rng, lda*colsA)
				c := refblas.Random[T](rng, ldc*n)
				alpha, beta := T(0.5), T(2)
				entry := dtype.Prefix() + family + "_" + variant
				kernel := must.M1(ctx.BuildKernel(testSource(entry, tileY, tileX), entry, ""))
				defer func() { require.NoError(t, kernel.Release()) }()
				bufA, bufC := must.M1(ctx.NewBuffer(a)), must.M1(ctx.NewBuffer(c))
				defer func() {
					require.NoError(t, bufA.Release())
					require.NoError(t, bufC.Release())
				}()
				_, err := ctx.Enqueue(kernel, ndFor(n, n, tileY, tileX), n, k, alpha, beta, bufA, bufC, lda, ldc, 0, 0)
				require.NoError(t, err)
				got := make([]T, len(c))
				require.NoError(t, ctx.ReadBuffer(bufC, got))

				want := append([]T(nil), c...)
				refblas.Syrk(ul == "u", opOf(trans, hermitian), hermitian, n, k, alpha, a, lda, beta, want, ldc)
				assert.LessOrEqual(t, xslices.MaxAbsDiff(want, got), tolerance[T]())
			})
		}
	}
}

func TestSyrk(t *testing.T) {
	ctx := newTestContext(t, "")
	testSyrk[float32](t, ctx, false)
	testSyrk[float64](t, ctx, false)
	testSyrk[complex64](t, ctx, false)
	testSyrk[complex64](t, ctx, true)
	testSyrk[complex128](t, ctx, true)
}

func testSymm[T dtypes.Supported](t *testing.T, ctx *Context, hermitian bool) {
	dtype := dtypes.FromGenericsType[T]()
	rng := rand.New(rand.NewPCG(42, 4))
	const m, n, tileY, tileX = 17, 26, 8, 8
	family := "symm"
	if hermitian {
		family = "hemm"
	}
	for _, side := range []string{"l", "r"} {
		for _, ul := range []string{"u", "l"} {
			t.Run(fmt.Sprintf("%s/%s_%s%s", dtype, family, side, ul), func(t *testing.T) {
				left := side == "l"
				order := m
				if !left {
					order = n
				}
				lda, ldb, ldc := order, m+1, m+3
				a := refblas.Random[T](rng, lda*order)
				b := refblas.Random[T](rng, ldb*n)
				c := refblas.Random[T](rng, ldc*n)
				alpha, beta := T(1), T(0.25)
				entry := dtype.Prefix() + family + "_" + side + ul
				kernel := must.M1(ctx.BuildKernel(testSource(entry, tileY, tileX), entry, ""))
				defer func() { require.NoError(t, kernel.Release()) }()
				bufA, bufB, bufC := must.M1(ctx.NewBuffer(a)), must.M1(ctx.NewBuffer(b)), must.M1(ctx.NewBuffer(c))
				_, err := ctx.Enqueue(kernel, ndFor(m, n, tileY, tileX),
					m, n, alpha, beta, bufA, bufB, bufC, lda, ldb, ldc, 0, 0, 0)
				require.NoError(t, err)
				got := make([]T, len(c))
				require.NoError(t, ctx.ReadBuffer(bufC, got))
				for _, buf := range []device.Buffer{bufA, bufB, bufC} {
					require.NoError(t, buf.Release())
				}

				want := append([]T(nil), c...)
				refblas.Symm(left, ul == "u", hermitian, m, n, alpha, a, lda, b, ldb, beta, want, ldc)
				assert.LessOrEqual(t, xslices.MaxAbsDiff(want, got), tolerance[T]())
			})
		}
	}
}

func TestSymm(t *testing.T) {
	ctx := newTestContext(t, "")
	testSymm[float32](t, ctx, false)
	testSymm[float64](t, ctx, false)
	testSymm[complex128](t, ctx, false)
	testSymm[complex64](t, ctx, true)
	testSymm[complex128](t, ctx, true)
}

func TestEnqueueErrors(t *testing.T) {
	ctx := newTestContext(t, "wgsize=16")
	entry := "sgemm_nn"
	kernel := must.M1(ctx.BuildKernel(testSource(entry, 16, 8), entry, ""))
	buf := must.M1(ctx.NewBuffer(make([]float32, 512)))
	args := []any{8, 8, 8, float32(1), float32(0), buf, buf, buf, 8, 8, 8, 0, 0, 0}

	// Work-group too large for the device.
	nd := device.NDRange{Dims: 2, Global: [2]int{8, 8}, Local: [2]int{8, 8}}
	_, err := ctx.Enqueue(kernel, nd, args...)
	require.ErrorContains(t, err, "work-group size")

	// Global not a multiple of local.
	nd = device.NDRange{Dims: 2, Global: [2]int{6, 4}, Local: [2]int{4, 4}}
	_, err = ctx.Enqueue(kernel, nd, args...)
	require.Error(t, err)

	// Missing and wrongly typed arguments.
	nd = device.NDRange{Dims: 2, Global: [2]int{4, 4}, Local: [2]int{4, 4}}
	_, err = ctx.Enqueue(kernel, nd, args[:5]...)
	require.ErrorContains(t, err, "missing argument")
	badArgs := append([]any(nil), args...)
	badArgs[3] = 1.0
	_, err = ctx.Enqueue(kernel, nd, badArgs...)
	require.ErrorContains(t, err, "alpha")

	// Too few groups to cover N=40.
	args[1] = 40
	_, err = ctx.Enqueue(kernel, nd, args...)
	require.ErrorContains(t, err, "does not cover")

	require.NoError(t, buf.Release())
	require.NoError(t, kernel.Release())
	_, err = ctx.Enqueue(kernel, nd, args...)
	require.ErrorContains(t, err, "released")
}

func TestProbeKernel(t *testing.T) {
	ctx := newTestContext(t, "")
	source := "__kernel void probe_stride_read(int n, int stride, int iterations, __global const float *src, __global float *dst)\n{ }\n" +
		"#define WG_TILE_Y 1\n"
	kernel := must.M1(ctx.BuildKernel(source, ProbeEntryPoint, ""))
	src := must.M1(ctx.NewBuffer(xslices.SliceWithValue[float32](1024, 1)))
	dst := must.M1(ctx.NewBuffer(make([]float32, 1)))
	nd := device.NDRange{Dims: 1, Global: [2]int{1}, Local: [2]int{1}}
	ev, err := ctx.Enqueue(kernel, nd, 1024, 16, 3, src, dst)
	require.NoError(t, err)
	assert.False(t, ev.End.Before(ev.Start))
	got := make([]float32, 1)
	require.NoError(t, ctx.ReadBuffer(dst, got))
	assert.Equal(t, float32(3*1024/16), got[0])
	require.NoError(t, kernel.Release())
	require.NoError(t, src.Release())
	require.NoError(t, dst.Release())
}

func TestContextRefCount(t *testing.T) {
	dev := must.M1(New(""))
	ctx := must.M1(dev.NewContext()).(*Context)
	ctx.Retain()
	assert.Equal(t, 2, ctx.RefCount())
	require.NoError(t, ctx.Release())
	require.NoError(t, ctx.Release())
	_, err := ctx.NewBuffer([]float32{1})
	require.Error(t, err)
	require.Error(t, ctx.Release())
}
