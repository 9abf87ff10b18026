// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package decomp is the tile/decomposition selector: given the shape of a BLAS call and the
// capabilities of a device, it picks the work-group geometry and the per-item blocks of the
// kernel, from the tuning table of package tune.
//
// Selection is a pure function of its inputs. The only process-wide state is the per-device
// cache of capabilities, see Capabilities.
package decomp

import (
	"fmt"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/gomlx/gpublas/pkg/device"
	"github.com/gomlx/gpublas/pkg/probe"
	"github.com/gomlx/gpublas/pkg/tune"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// CoarseBWidth is the K-panel width of the coarse (work-group) level.
const CoarseBWidth = 4

// PlainTile is the work-group tile (in work-items per axis) of the plain decomposition, before
// clamping to the device limits.
const PlainTile = 8

// CallShape is the logical shape of a BLAS call, in column-major order.
//
// Flags hold the operation modifiers: TransA, TransB, ConjA, ConjB, Upper, SideRight and
// UnitDiag. For SYRK and SYMM, ConjA on a complex dtype selects HERK and HEMM.
type CallShape struct {
	Family  kernels.Family
	DType   dtypes.DType
	Flags   kernels.ExtraFlags
	M, N, K int
}

// String implements fmt.Stringer.
func (s CallShape) String() string {
	return fmt.Sprintf("%s/%s M=%d N=%d K=%d flags=%s", s.Family, s.DType, s.M, s.N, s.K, s.Flags)
}

// Decomposition is the selector output: the subproblem dimensions of the two levels and the
// work-group granularity, with the generation choices derived from them.
type Decomposition struct {
	CallType tune.CallType

	// Sizes is the tuning entry after clamping to the device max work-group size.
	Sizes tune.BlockSizes

	// Dims are the coarse (per work-group) and fine (per work-item) levels.
	Dims        [2]kernels.SubproblemDim
	Granularity kernels.Granularity

	// VecLen is the requested vector width. The generator may degrade it.
	VecLen int

	UseLDS bool
	FMA    bool

	// Plain is set for the unconditionally renderable scalar fallback.
	Plain bool
}

// String implements fmt.Stringer.
func (d Decomposition) String() string {
	kind := "tuned"
	if d.Plain {
		kind = "plain"
	}
	return fmt.Sprintf("%s %s %s dims=%s %s vec=%d lds=%v", kind, d.CallType, d.Sizes,
		kernels.DimsString(d.Subdims()), d.Granularity, d.VecLen, d.UseLDS)
}

// Subdims returns the decomposition levels as a slice, the form used by the generator and the
// kernel cache.
func (d Decomposition) Subdims() []kernels.SubproblemDim {
	return []kernels.SubproblemDim{d.Dims[0], d.Dims[1]}
}

// Flags returns the generation flags of the call: the shape flags plus the column-major order,
// the tails, the vector width, the local memory and the FMA switches.
func (d Decomposition) Flags(shape CallShape) kernels.ExtraFlags {
	flags := shape.Flags | kernels.ColumnMajor
	m, n, k := tailSizes(shape)
	flags = flags.WithTails(m, n, k, d.Subdims())
	flags = flags.With(kernels.UseLDS, d.UseLDS)
	flags = flags.With(kernels.VendorFMA, d.FMA)
	return flags.WithVecLen(d.VecLen)
}

// tailSizes returns the extents checked for tails, per family. Negative extents are not used.
func tailSizes(shape CallShape) (m, n, k int) {
	switch shape.Family {
	case kernels.FamilyGemm:
		return shape.M, shape.N, shape.K
	case kernels.FamilySyrk:
		return shape.N, shape.N, shape.K
	case kernels.FamilySymm:
		if shape.Flags.Has(kernels.SideRight) {
			return shape.M, shape.N, shape.N
		}
		return shape.M, shape.N, shape.M
	default:
		return shape.M, shape.N, -1
	}
}

// NDRange returns the index space that covers the call with the decomposition.
//
// GEMM uses a 2D grid of work-groups: axis 0 over the rows (M), axis 1 over the columns (N).
// The other families process independent column blocks (or row blocks for right-side calls)
// indexed by the linear work-group number.
func (d Decomposition) NDRange(shape CallShape) device.NDRange {
	ty, tx := d.Granularity.WGSize[0], d.Granularity.WGSize[1]
	if d.Granularity.WGDim == 1 {
		tx = 1
	}
	tileY, tileX := d.Dims[0].Y, d.Dims[0].X
	nd := device.NDRange{Dims: 2, Local: [2]int{ty, tx}}
	if shape.Family == kernels.FamilyGemm {
		nd.Global = [2]int{
			max(1, kernels.CeilDiv(shape.M, tileY)) * ty,
			max(1, kernels.CeilDiv(shape.N, tileX)) * tx,
		}
		return nd
	}
	var groups int
	switch {
	case shape.Family == kernels.FamilySyrk:
		groups = kernels.CeilDiv(shape.N, tileX)
	case shape.Flags.Has(kernels.SideRight):
		groups = kernels.CeilDiv(shape.M, tileY)
	default:
		groups = kernels.CeilDiv(shape.N, tileX)
	}
	nd.Global = [2]int{ty, max(1, groups) * tx}
	return nd
}

// fineBWidth is the tuned K-panel width of the fine level, per dtype.
func fineBWidth(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Float32:
		return 8
	case dtypes.Float64, dtypes.Complex64:
		return 4
	default:
		return 2
	}
}

// defaultVecLen is the vector width requested by default, per dtype: 128 bits of elements.
func defaultVecLen(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Float32:
		return 4
	case dtypes.Float64, dtypes.Complex64:
		return 2
	default:
		return 1
	}
}

func checkShape(shape CallShape, caps probe.Capabilities) (tune.CallType, error) {
	if !shape.DType.IsBLAS() {
		return 0, errors.Errorf("dtype %s not supported by BLAS kernels", shape.DType)
	}
	if shape.DType.IsDouble() && !caps.DoubleFP {
		return 0, errors.Errorf("device %q has no double-precision support, required by %s", caps.Name, shape.DType)
	}
	if caps.MaxWorkGroupSize <= 0 {
		return 0, errors.Errorf("device %q has an invalid max work-group size %d", caps.Name, caps.MaxWorkGroupSize)
	}
	return tune.CallTypeOf(shape.Family, shape.DType, shape.Flags)
}

// DefaultDecomposition returns the decomposition of the call on a device with the given
// capabilities:
//
//   - the tuning entry of (chip, dtype, call type), falling back to the ChipUnknown entry;
//   - clamped to the device max work-group size;
//   - expanded into a coarse level {Y=TY*ItemY, X=TX*ItemX, ItemY, ItemX, BWidth=4} and a fine
//     level with the same items and the tuned per-dtype BWidth.
//
// The result may still be rejected by the generator on pathological devices, in which case
// callers use Plain.
func DefaultDecomposition(shape CallShape, caps probe.Capabilities) (Decomposition, error) {
	ct, err := checkShape(shape, caps)
	if err != nil {
		return Decomposition{}, err
	}
	sizes := tune.Lookup(caps.Chip, shape.DType, ct).Clamp(caps.MaxWorkGroupSize)
	bwidth := fitL1(sizes, fineBWidth(shape.DType), defaultVecLen(shape.DType), shape.DType, caps.L1CacheSize)
	d := Decomposition{
		CallType: ct,
		Sizes:    sizes,
		Dims: [2]kernels.SubproblemDim{
			{Y: sizes.TY * sizes.ItemY, X: sizes.TX * sizes.ItemX, BWidth: CoarseBWidth, ItemY: sizes.ItemY, ItemX: sizes.ItemX},
			{Y: sizes.ItemY, X: sizes.ItemX, BWidth: bwidth, ItemY: sizes.ItemY, ItemX: sizes.ItemX},
		},
		Granularity: kernels.Granularity{WGDim: 2, WGSize: [2]int{sizes.TY, sizes.TX}, WFSize: caps.WavefrontSize},
		VecLen:      defaultVecLen(shape.DType),
		FMA:         caps.FMA,
	}
	if sizes.UseBarrier && caps.LocalMemSize > 0 {
		extra := LDSExtra{Family: shape.Family, Flags: shape.Flags}
		d.UseLDS = LocalMemoryBytes(d.Subdims(), shape.DType, extra) > 0 &&
			IsFitToLocalMemory(d.Subdims(), shape.DType, caps.LocalMemSize, extra)
	}
	if klog.V(2).Enabled() {
		klog.Infof("decomp: %s on %s: %s", shape, caps.Chip, d)
	}
	return d, nil
}

// fitL1 halves the fine panel width, not below vecLen, while the operand panels of a
// work-group exceed a known (> 0) L1 cache size.
func fitL1(sizes tune.BlockSizes, bwidth, vecLen int, dtype dtypes.DType, l1 int64) int {
	if l1 <= 0 {
		return bwidth
	}
	footprint := func(bw int) int64 {
		return int64(sizes.TY*sizes.TX) * int64((sizes.ItemY+sizes.ItemX)*bw) * int64(dtype.Size())
	}
	for bwidth > vecLen && footprint(bwidth) > l1 {
		bwidth /= 2
	}
	return bwidth
}

// Plain returns the scalar fallback decomposition: an 8x8 work-group tile (clamped to the
// device limits), one element per work-item, no vectors and no local memory. The generator
// renders it for every supported call.
func Plain(shape CallShape, caps probe.Capabilities) (Decomposition, error) {
	ct, err := checkShape(shape, caps)
	if err != nil {
		return Decomposition{}, err
	}
	sizes := tune.BlockSizes{TY: PlainTile, TX: PlainTile, ItemY: 1, ItemX: 1}.Clamp(caps.MaxWorkGroupSize)
	return Decomposition{
		CallType: ct,
		Sizes:    sizes,
		Dims: [2]kernels.SubproblemDim{
			{Y: sizes.TY, X: sizes.TX, BWidth: 1, ItemY: 1, ItemX: 1},
			{Y: 1, X: 1, BWidth: 1, ItemY: 1, ItemX: 1},
		},
		Granularity: kernels.Granularity{WGDim: 2, WGSize: [2]int{sizes.TY, sizes.TX}, WFSize: caps.WavefrontSize},
		VecLen:      1,
		Plain:       true,
	}, nil
}
