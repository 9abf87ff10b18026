// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decomp

import (
	"fmt"
	"testing"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/device/hostdev"
	"github.com/gomlx/gpublas/pkg/kgen"
	"github.com/gomlx/gpublas/pkg/probe"
	"github.com/gomlx/gpublas/pkg/tune"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCaps returns capabilities as reported by a typical discrete GPU of the given chip.
func testCaps(chip tune.Chip) probe.Capabilities {
	return probe.Capabilities{
		Name:             chip.String(),
		Chip:             chip,
		MaxWorkGroupSize: 256,
		LocalMemSize:     32 * 1024,
		DoubleFP:         true,
		WavefrontSize:    64,
	}
}

func TestDefaultDecompositionHost(t *testing.T) {
	dev := must.M1(hostdev.New(""))
	defer dev.Finalize()
	defer ForgetCapabilities(dev)
	caps, err := Capabilities(dev)
	require.NoError(t, err)
	require.Equal(t, tune.ChipHost, caps.Chip)

	shape := CallShape{Family: kernels.FamilyGemm, DType: dtypes.Float32, M: 100, N: 128, K: 13}
	d, err := DefaultDecomposition(shape, caps)
	require.NoError(t, err)
	assert.Equal(t, tune.GemmNN, d.CallType)
	assert.Equal(t, tune.BlockSizes{TY: 8, TX: 8, ItemY: 8, ItemX: 8, UseBarrier: true}, d.Sizes)
	assert.Equal(t, kernels.SubproblemDim{Y: 64, X: 64, BWidth: CoarseBWidth, ItemY: 8, ItemX: 8}, d.Dims[0])
	assert.Equal(t, kernels.SubproblemDim{Y: 8, X: 8, BWidth: 8, ItemY: 8, ItemX: 8}, d.Dims[1])
	assert.Equal(t, [2]int{8, 8}, d.Granularity.WGSize)
	assert.Equal(t, 4, d.VecLen)
	assert.True(t, d.UseLDS, "8x64 float32 panel fits in 32KiB")
	assert.False(t, d.Plain)

	flags := d.Flags(shape)
	assert.True(t, flags.Has(kernels.ColumnMajor))
	assert.True(t, flags.Has(kernels.TailsM), "M=100 vs tile 64")
	assert.False(t, flags.Has(kernels.TailsN), "N=128 vs tile 64")
	assert.True(t, flags.Has(kernels.TailsK), "K=13 vs panel 8")
	assert.True(t, flags.Has(kernels.UseLDS))
	assert.Equal(t, 4, flags.VecLen())
	fmt.Printf("%s\n\t%s\n", shape, d)
}

func TestFallbackToUnknownChip(t *testing.T) {
	// Cypress double-precision TRSM is not tuned and must match the ChipUnknown selection.
	for _, flags := range []kernels.ExtraFlags{0, kernels.Upper, kernels.SideRight, kernels.SideRight | kernels.Upper} {
		shape := CallShape{Family: kernels.FamilyTrsm, DType: dtypes.Float64, Flags: flags, M: 40, N: 24}
		got, err := DefaultDecomposition(shape, testCaps(tune.ChipCypress))
		require.NoError(t, err)
		want, err := DefaultDecomposition(shape, testCaps(tune.ChipUnknown))
		require.NoError(t, err)
		assert.Equal(t, want, got, "flags=%s", flags)
	}

	// Chips with no row at all for a dtype/call type.
	shape := CallShape{Family: kernels.FamilySymm, DType: dtypes.Complex128, Flags: kernels.ConjA, M: 17, N: 9}
	got := must.M1(DefaultDecomposition(shape, testCaps(tune.ChipFiji)))
	want := must.M1(DefaultDecomposition(shape, testCaps(tune.ChipUnknown)))
	assert.Equal(t, want, got)
	assert.Equal(t, tune.HemmLL, got.CallType)
}

func TestClampToMaxWorkGroupSize(t *testing.T) {
	caps := testCaps(tune.ChipCayman)
	shape := CallShape{Family: kernels.FamilyGemm, DType: dtypes.Float32, M: 512, N: 512, K: 512}

	d := must.M1(DefaultDecomposition(shape, caps))
	assert.Equal(t, 512, tune.LookupExact(tune.ChipCayman, dtypes.Float32, tune.GemmNN).WorkGroupSize())
	assert.Equal(t, [2]int{16, 16}, d.Granularity.WGSize)

	caps.MaxWorkGroupSize = 64
	d = must.M1(DefaultDecomposition(shape, caps))
	assert.LessOrEqual(t, d.Sizes.TY*d.Sizes.TX, 64)
	assert.Equal(t, [2]int{8, 8}, d.Granularity.WGSize)
	assert.Equal(t, d.Sizes.TY*d.Sizes.ItemY, d.Dims[0].Y)
	assert.Equal(t, d.Sizes.TX*d.Sizes.ItemX, d.Dims[0].X)
}

func TestDoubleRequiresFP64(t *testing.T) {
	caps := testCaps(tune.ChipTahiti)
	caps.DoubleFP = false
	for _, dtype := range []dtypes.DType{dtypes.Float64, dtypes.Complex128} {
		shape := CallShape{Family: kernels.FamilyGemm, DType: dtype, M: 8, N: 8, K: 8}
		_, err := DefaultDecomposition(shape, caps)
		require.Error(t, err, "dtype=%s", dtype)
		assert.Contains(t, err.Error(), "double-precision")
		_, err = Plain(shape, caps)
		require.Error(t, err)
	}
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Complex64} {
		_, err := DefaultDecomposition(CallShape{Family: kernels.FamilyGemm, DType: dtype, M: 8, N: 8, K: 8}, caps)
		require.NoError(t, err, "dtype=%s", dtype)
	}
	_, err := DefaultDecomposition(CallShape{Family: kernels.FamilyGemm, DType: dtypes.Float16, M: 8, N: 8, K: 8}, caps)
	require.Error(t, err)
}

func TestLocalMemory(t *testing.T) {
	dims := []kernels.SubproblemDim{
		{Y: 64, X: 32, BWidth: 4, ItemY: 8, ItemX: 4},
		{Y: 8, X: 4, BWidth: 8, ItemY: 8, ItemX: 4},
	}
	gemm := LDSExtra{Family: kernels.FamilyGemm}
	assert.Equal(t, 8*32*4, LocalMemoryBytes(dims, dtypes.Float32, gemm))
	assert.Equal(t, 8*32*16, LocalMemoryBytes(dims, dtypes.Complex128, gemm))
	assert.True(t, IsFitToLocalMemory(dims, dtypes.Float32, 1024, gemm))
	assert.False(t, IsFitToLocalMemory(dims, dtypes.Float32, 1023, gemm))
	assert.False(t, IsFitToLocalMemory(nil, dtypes.Float32, 1<<20, gemm))

	invalid := []kernels.SubproblemDim{{Y: 0, X: 4, BWidth: 4, ItemY: 1, ItemX: 1}}
	assert.False(t, IsFitToLocalMemory(invalid, dtypes.Float32, 1<<20, gemm))

	trsm := LDSExtra{Family: kernels.FamilyTrsm}
	assert.Equal(t, 0, LocalMemoryBytes(dims, dtypes.Float32, trsm))
	assert.True(t, IsFitToLocalMemory(dims, dtypes.Float32, 0, trsm))

	// Devices with too little local memory get global-memory kernels.
	caps := testCaps(tune.ChipHost)
	caps.LocalMemSize = 1024
	shape := CallShape{Family: kernels.FamilyGemm, DType: dtypes.Float32, M: 64, N: 64, K: 64}
	d := must.M1(DefaultDecomposition(shape, caps))
	assert.False(t, d.UseLDS)
	assert.False(t, d.Flags(shape).Has(kernels.UseLDS))

	// Only GEMM stages operands.
	shape.Family = kernels.FamilyTrsm
	caps.LocalMemSize = 1 << 20
	d = must.M1(DefaultDecomposition(shape, caps))
	assert.False(t, d.UseLDS)
}

func TestL1Refinement(t *testing.T) {
	caps := testCaps(tune.ChipHost)
	shape := CallShape{Family: kernels.FamilyGemm, DType: dtypes.Float32, M: 64, N: 64, K: 64}

	// Unknown L1: tuned panel width.
	assert.Equal(t, 8, must.M1(DefaultDecomposition(shape, caps)).Dims[1].BWidth)

	// 8x8 work-items, 16 elements per K step each, 4 bytes: 4KiB per unit of panel width.
	caps.L1CacheSize = 16 * 1024
	assert.Equal(t, 4, must.M1(DefaultDecomposition(shape, caps)).Dims[1].BWidth)

	// Never below the vector width.
	caps.L1CacheSize = 1
	assert.Equal(t, 4, must.M1(DefaultDecomposition(shape, caps)).Dims[1].BWidth)
}

func TestPlain(t *testing.T) {
	caps := testCaps(tune.ChipTahiti)
	caps.MaxWorkGroupSize = 16
	shape := CallShape{Family: kernels.FamilySyrk, DType: dtypes.Complex64, Flags: kernels.ConjA | kernels.TransA, N: 5, K: 3}
	d, err := Plain(shape, caps)
	require.NoError(t, err)
	assert.True(t, d.Plain)
	assert.Equal(t, tune.HerkLC, d.CallType)
	assert.Equal(t, 1, d.VecLen)
	assert.False(t, d.UseLDS)
	assert.Equal(t, [2]int{4, 4}, d.Granularity.WGSize)
	assert.Equal(t, kernels.SubproblemDim{Y: 4, X: 4, BWidth: 1, ItemY: 1, ItemX: 1}, d.Dims[0])

	req := kgen.Request{Family: shape.Family, DType: shape.DType, Dims: d.Subdims(), Granularity: d.Granularity, Flags: d.Flags(shape)}
	p, ok := kgen.Effective(req)
	require.True(t, ok)
	assert.Equal(t, 1, p.VecLen)
	assert.Equal(t, "cherk_lc", kgen.EntryName(req))
}

// TestSelectionIsRenderable checks every chip, dtype and call type is accepted by the generator.
func TestSelectionIsRenderable(t *testing.T) {
	shapes := []CallShape{
		{Family: kernels.FamilyGemm, M: 33, N: 65, K: 7},
		{Family: kernels.FamilyGemm, Flags: kernels.TransA, M: 33, N: 65, K: 7},
		{Family: kernels.FamilyGemm, Flags: kernels.TransB | kernels.ConjB, M: 33, N: 65, K: 7},
		{Family: kernels.FamilyTrsm, Flags: kernels.Upper | kernels.TransA | kernels.UnitDiag, M: 20, N: 3},
		{Family: kernels.FamilyTrsm, Flags: kernels.SideRight, M: 20, N: 3},
		{Family: kernels.FamilySyrk, Flags: kernels.Upper, N: 19, K: 4},
		{Family: kernels.FamilySyrk, Flags: kernels.TransA | kernels.ConjA, N: 19, K: 4},
		{Family: kernels.FamilySymm, Flags: kernels.SideRight | kernels.Upper, M: 6, N: 11},
		{Family: kernels.FamilySymm, Flags: kernels.ConjA, M: 6, N: 11},
	}
	for chip := tune.Chip(0); chip < tune.NumChips; chip++ {
		caps := testCaps(chip)
		for _, dtype := range dtypes.BLASTypes {
			for _, shape := range shapes {
				shape.DType = dtype
				d := must.M1(DefaultDecomposition(shape, caps))
				req := kgen.Request{Family: shape.Family, DType: dtype, Dims: d.Subdims(), Granularity: d.Granularity, Flags: d.Flags(shape)}
				p, ok := kgen.Effective(req)
				require.True(t, ok, "chip=%s shape=%s decomposition=%s", chip, shape, d)
				assert.LessOrEqual(t, p.WGY*p.WGX, caps.MaxWorkGroupSize)
				assert.NotEmpty(t, kgen.EntryName(req), "chip=%s shape=%s", chip, shape)
			}
		}
	}
}

func TestNDRangeCoverage(t *testing.T) {
	caps := testCaps(tune.ChipTahiti)
	for _, shape := range []CallShape{
		{Family: kernels.FamilyGemm, DType: dtypes.Float32, M: 1, N: 1, K: 1},
		{Family: kernels.FamilyGemm, DType: dtypes.Float32, M: 257, N: 31, K: 9},
		{Family: kernels.FamilyGemm, DType: dtypes.Complex128, M: 0, N: 0, K: 0},
		{Family: kernels.FamilyTrsm, DType: dtypes.Float64, M: 100, N: 77},
		{Family: kernels.FamilyTrsm, DType: dtypes.Float64, Flags: kernels.SideRight, M: 100, N: 77},
		{Family: kernels.FamilySyrk, DType: dtypes.Float32, N: 130, K: 3},
		{Family: kernels.FamilySymm, DType: dtypes.Complex64, Flags: kernels.SideRight, M: 45, N: 2},
		{Family: kernels.FamilySymm, DType: dtypes.Complex64, M: 45, N: 2},
	} {
		d := must.M1(DefaultDecomposition(shape, caps))
		nd := d.NDRange(shape)
		assert.Equal(t, 2, nd.Dims)
		assert.Equal(t, d.Granularity.WGSize, nd.Local)
		for axis := range 2 {
			assert.Zero(t, nd.Global[axis]%nd.Local[axis], "shape=%s nd=%s", shape, nd)
		}
		groups := nd.NumGroups()
		tileY, tileX := d.Dims[0].Y, d.Dims[0].X
		switch {
		case shape.Family == kernels.FamilyGemm:
			assert.GreaterOrEqual(t, groups[0]*tileY, shape.M, "shape=%s nd=%s", shape, nd)
			assert.GreaterOrEqual(t, groups[1]*tileX, shape.N, "shape=%s nd=%s", shape, nd)
		case shape.Family != kernels.FamilySyrk && shape.Flags.Has(kernels.SideRight):
			assert.Equal(t, 1, groups[0])
			assert.GreaterOrEqual(t, groups[1]*tileY, shape.M, "shape=%s nd=%s", shape, nd)
		default:
			assert.Equal(t, 1, groups[0])
			assert.GreaterOrEqual(t, groups[1]*tileX, shape.N, "shape=%s nd=%s", shape, nd)
		}
	}
}

func TestCapabilitiesCache(t *testing.T) {
	dev := must.M1(hostdev.New("chip=Hawaii,vendor=AMD,wgsize=128"))
	defer dev.Finalize()
	defer ForgetCapabilities(dev)

	caps := must.M1(Capabilities(dev))
	assert.Equal(t, tune.ChipHawaii, caps.Chip)
	assert.Equal(t, 128, caps.MaxWorkGroupSize)
	assert.Equal(t, caps, must.M1(Capabilities(dev)))

	measured := caps
	measured.L1CacheSize, measured.L2CacheSize = 16*1024, 1024*1024
	SetCapabilities(dev, measured)
	assert.Equal(t, measured, must.M1(Capabilities(dev)))

	ForgetCapabilities(dev)
	assert.Equal(t, caps, must.M1(Capabilities(dev)))
}
