// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kgen

import (
	"fmt"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
)

// ProbeEntryPoint is the entry point of the strided-read micro-benchmark kernel.
const ProbeEntryPoint = "probe_stride_read"

// maxVectorComponents is the widest vector type of the kernel language (e.g. float16).
const maxVectorComponents = 16

// Request describes the kernel to generate. All of its fields are part of the generation key.
type Request struct {
	Family kernels.Family
	DType  dtypes.DType

	// Dims holds the coarse (per work-group) and the fine (per work-item) decomposition levels.
	Dims []kernels.SubproblemDim

	Granularity kernels.Granularity
	Flags       kernels.ExtraFlags
}

// String implements fmt.Stringer.
func (req Request) String() string {
	return fmt.Sprintf("%s/%s dims=%s %s flags=%s", req.Family, req.DType, kernels.DimsString(req.Dims), req.Granularity, req.Flags)
}

// ProbeRequest returns the request of the cache-size probing kernel.
func ProbeRequest() Request {
	return Request{
		Family:      kernels.FamilyProbe,
		DType:       dtypes.Float32,
		Granularity: kernels.Granularity{WGDim: 1, WGSize: [2]int{1, 1}, WFSize: 1},
	}
}

// Params are the scalars derived from a request, the values substituted in the templates.
type Params struct {
	Family kernels.Family
	DType  dtypes.DType

	// VecLen is the effective vector width, and RequestedVecLen the one in the request flags.
	// They differ (and Degraded is set) when the request extents are not divisible by the
	// requested width: generation then silently falls back to scalar accesses.
	VecLen, RequestedVecLen int
	Degraded                bool

	// TileY and TileX are the work-group tile in elements.
	TileY, TileX int

	// TY and TX are the work-group tile in work-items.
	TY, TX int

	// ItemY and ItemX are the block computed by each work-item.
	ItemY, ItemX int

	// BWidth is the K-panel width of the fine level.
	BWidth int

	// Width is the number of vectors covering ItemY, and PanelByV the number covering BWidth.
	Width, PanelByV int

	// WGY, WGX are the work-group sizes of the granularity.
	WGY, WGX int

	// Flags are the request flags with the effective vector width.
	Flags kernels.ExtraFlags
}

// Effective returns the parameters generation would use for req, or false if req cannot be
// rendered.
//
// The flags of the returned Params hold the effective vector width: they are the ones to use
// in the cache key of the resulting kernel.
func Effective(req Request) (Params, bool) {
	if req.Family == kernels.FamilyProbe {
		if req.DType != dtypes.Float32 {
			return Params{}, false
		}
		return Params{Family: req.Family, DType: req.DType, VecLen: 1, RequestedVecLen: 1,
			TileY: 1, TileX: 1, TY: 1, TX: 1, ItemY: 1, ItemX: 1, BWidth: 1, Width: 1, PanelByV: 1,
			WGY: 1, WGX: 1, Flags: req.Flags.WithVecLen(1)}, true
	}
	if req.Family < 0 || req.Family >= kernels.NumFamilies || !req.DType.IsBLAS() {
		return Params{}, false
	}
	if !req.Flags.Has(kernels.ColumnMajor) || len(req.Dims) < 2 {
		return Params{}, false
	}
	coarse, fine := req.Dims[0], req.Dims[1]
	if !coarse.IsValid() || !fine.IsValid() {
		return Params{}, false
	}
	if coarse.Y <= 0 || coarse.X <= 0 || coarse.ItemY <= 0 || coarse.ItemX <= 0 {
		return Params{}, false
	}
	bwidth := fine.BWidth
	if bwidth == kernels.Unused {
		bwidth = coarse.BWidth
	}
	if bwidth <= 0 {
		return Params{}, false
	}
	g := req.Granularity
	if g.WGDim < 1 || g.WGDim > 2 || g.WGSize[0] <= 0 || (g.WGDim == 2 && g.WGSize[1] <= 0) {
		return Params{}, false
	}

	p := Params{
		Family:          req.Family,
		DType:           req.DType,
		RequestedVecLen: req.Flags.VecLen(),
		TileY:           coarse.Y,
		TileX:           coarse.X,
		TY:              kernels.CeilDiv(coarse.Y, coarse.ItemY),
		TX:              kernels.CeilDiv(coarse.X, coarse.ItemX),
		ItemY:           coarse.ItemY,
		ItemX:           coarse.ItemX,
		BWidth:          bwidth,
		WGY:             g.WGSize[0],
		WGX:             1,
	}
	if g.WGDim == 2 {
		p.WGX = g.WGSize[1]
	}
	v := p.RequestedVecLen
	if v > 1 && (p.ItemY%v != 0 || bwidth%v != 0 || !coarse.DivisibleItems() || !fine.DivisibleItems() ||
		v*req.DType.Components() > maxVectorComponents) {
		v = 1
		p.Degraded = true
	}
	p.VecLen = v
	p.Width = p.ItemY / v
	p.PanelByV = bwidth / v
	p.Flags = req.Flags.WithVecLen(v)
	return p, true
}
