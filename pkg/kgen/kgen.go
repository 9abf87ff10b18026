// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kgen generates the source of specialized BLAS kernels.
//
// A kernel is described by a Request: family, dtype, subproblem dimensions, work-group
// granularity and generation flags. Generation is a template-substitution pipeline:
//
//  1. Derive the scalar parameters (Effective), degrading the vector width to 1 when the
//     extents are not divisible by it.
//  2. Select a template Variant (SelectVariant).
//  3. Substitute the "%NAME" placeholders.
//  4. Prepend the prologue: #define switches, tile sizes, arithmetic macros and the
//     type-punning unions.
//
// Identical requests render byte-identical source. Requests no template can render (row-major
// order, GEMM with both operands transposed, non-BLAS dtypes, missing decomposition levels)
// are reported with a 0 (or false) return, never with an error: callers are expected to try a
// simpler decomposition.
package kgen

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
)

// QuerySize returns the size of the buffer Generate needs for req: the source length plus a
// terminating zero byte. It returns 0 if req cannot be rendered.
func QuerySize(req Request) int {
	source, ok := Source(req)
	if !ok {
		return 0
	}
	return len(source) + 1
}

// Generate writes the kernel source of req into buf and returns the number of bytes of source
// written, or 0 if req cannot be rendered. If buf is nil it returns QuerySize(req) instead.
//
// The bytes of buf following the source, up to QuerySize(req), are zeroed.
// It panics if buf is not nil and too small to hold the source.
func Generate(buf []byte, req Request) int {
	source, ok := Source(req)
	if !ok {
		return 0
	}
	if buf == nil {
		return len(source) + 1
	}
	if len(buf) < len(source) {
		exceptions.Panicf("kgen: buffer of %d bytes too small for the %d bytes of %s", len(buf), len(source), EntryName(req))
	}
	n := copy(buf, source)
	clear(buf[n:min(len(buf), n+1)])
	return n
}

// Source returns the kernel source of req, or false if it cannot be rendered.
func Source(req Request) (string, bool) {
	v, ok := SelectVariant(req)
	if !ok {
		return "", false
	}
	return Render(v, req), true
}

// EntryName returns the name of the kernel function of req, e.g. "sgemm_nt" or "zherk_lc".
// It returns "" if req cannot be rendered.
func EntryName(req Request) string {
	v, ok := SelectVariant(req)
	if !ok {
		return ""
	}
	return entryName(v)
}

func entryName(v Variant) string {
	if _, ok := v.(ProbeStrideRead); ok {
		return ProbeEntryPoint
	}
	return v.Effective().DType.Prefix() + v.Name() + "_" + v.Suffix()
}

// Render renders the source of the variant v selected for req.
func Render(v Variant, req Request) string {
	var sb strings.Builder
	tmpl := v.template()
	writePrologue(&sb, v, req)
	sb.WriteString(tmpl.header)
	sb.WriteString(tmpl.body)
	return newReplacer(v).Replace(sb.String())
}

// newReplacer returns the replacer of all placeholders of v. Longer placeholders go first, so
// that "%TYPE" is not taken as "%TY" followed by "PE".
func newReplacer(v Variant) *strings.Replacer {
	p := v.Effective()
	pairs := [][2]string{{"%ENTRY", entryName(v)}}
	if _, isProbe := v.(ProbeStrideRead); !isProbe {
		itoa := strconv.Itoa
		pairs = append(pairs, [][2]string{
			{"%TYPE", p.DType.KernelType(1)},
			{"%VTYPE", p.DType.KernelType(p.VecLen)},
			{"%PTYPE", p.DType.KernelScalar()},
			{"%VFIELD", vectorField(p.VecLen)},
			{"%ZERO", zeroLiteral(p.DType)},
			{"%V", itoa(p.VecLen)},
			{"%VN", itoa(p.VecLen * p.DType.Components())},
			{"%WIDTH", itoa(p.Width)},
			{"%PANEL_BY_V", itoa(p.PanelByV)},
			{"%TY", itoa(p.TY)},
			{"%TX", itoa(p.TX)},
			{"%ITEMY", itoa(p.ItemY)},
			{"%ITEMX", itoa(p.ItemX)},
			{"%BWIDTH", itoa(p.BWidth)},
			{"%TILEY", itoa(p.TileY)},
			{"%TILEX", itoa(p.TileX)},
			{"%WGY", itoa(p.WGY)},
			{"%WGX", itoa(p.WGX)},
			{"%WGSIZE", itoa(p.WGY * p.WGX)},
		}...)
	}
	extra := v.substitutions()
	for ii := 0; ii+1 < len(extra); ii += 2 {
		pairs = append(pairs, [2]string{extra[ii], extra[ii+1]})
	}
	slices.SortStableFunc(pairs, func(a, b [2]string) int {
		return len(b[0]) - len(a[0])
	})
	oldNew := make([]string, 0, 2*len(pairs))
	for _, pair := range pairs {
		oldNew = append(oldNew, pair[0], pair[1])
	}
	return strings.NewReplacer(oldNew...)
}

// vectorField is the GPtr union field of the given vector width.
func vectorField(vecLen int) string {
	if vecLen <= 1 {
		return "s"
	}
	return "v" + strconv.Itoa(vecLen)
}

func zeroLiteral(dtype dtypes.DType) string {
	switch dtype {
	case dtypes.Float32:
		return "0.0f"
	case dtypes.Float64:
		return "0.0"
	case dtypes.Complex64:
		return "(float2)(0.0f, 0.0f)"
	default:
		return "(double2)(0.0, 0.0)"
	}
}

// switches maps the flags to the #define's consumed by the templates.
var switches = []struct {
	flag        kernels.ExtraFlags
	name        string
	complexOnly bool
}{
	{kernels.TransA, "TRANS_A", false},
	{kernels.TransB, "TRANS_B", false},
	{kernels.ConjA, "CONJ_A", true},
	{kernels.ConjB, "CONJ_B", true},
	{kernels.UnitDiag, "UNIT_DIAG", false},
	{kernels.TailsM, "M_TAIL_PRESENT", false},
	{kernels.TailsN, "N_TAIL_PRESENT", false},
	{kernels.TailsK, "K_TAIL_PRESENT", false},
	{kernels.UseLDS, "USE_LDS", false},
	{kernels.VendorFMA, "USE_FMA", false},
}

// writePrologue writes everything preceding the variant header.
func writePrologue(sb *strings.Builder, v Variant, req Request) {
	p := v.Effective()
	fmt.Fprintf(sb, "/*\n * %%ENTRY: %s kernel for %s.\n", v.Name(), p.DType)
	fmt.Fprintf(sb, " * Generated for dims %s, granularity %s, flags %s.\n */\n",
		kernels.DimsString(req.Dims), req.Granularity, p.Flags)
	if _, isProbe := v.(ProbeStrideRead); isProbe {
		return
	}
	if p.DType.IsDouble() {
		sb.WriteString("\n#pragma OPENCL EXTENSION cl_khr_fp64 : enable\n")
	}

	sb.WriteString("\n")
	for _, sw := range switches {
		if p.Flags.Has(sw.flag) && (!sw.complexOnly || p.DType.IsComplex()) {
			fmt.Fprintf(sb, "#define %s\n", sw.name)
		}
	}
	if hermitian(v) {
		sb.WriteString("#define HERMITIAN\n")
	}

	sb.WriteString(`
#define WG_TILE_Y %TILEY
#define WG_TILE_X %TILEX
#define WG_SIZE_Y %WGY
#define WG_SIZE_X %WGX
#define WG_SIZE %WGSIZE
#define ITEM_Y %ITEMY
#define ITEM_X %ITEMX
#define BWIDTH %BWIDTH
#define VEC_LEN %V
`)

	if p.DType.IsComplex() {
		sb.WriteString(complexArithmetic)
	} else {
		sb.WriteString(realArithmetic)
	}

	// Type-punning unions: one pointer, seen as scalars or any vector width.
	for _, union := range []struct{ name, space string }{{"GPtr", "__global"}, {"LPtr", "__local"}} {
		fmt.Fprintf(sb, "\ntypedef union %s {\n    %s %%TYPE *s;\n", union.name, union.space)
		for n := 2; n*p.DType.Components() <= maxVectorComponents; n *= 2 {
			fmt.Fprintf(sb, "    %s %s *%s;\n", union.space, p.DType.KernelType(n), vectorField(n))
		}
		fmt.Fprintf(sb, "} %s;\n", union.name)
	}
	sb.WriteString("\ntypedef union PVec {\n    %VTYPE v;\n    %TYPE s[%V];\n} PVec;\n")
	sb.WriteString(commonMacros)
}

func hermitian(v Variant) bool {
	h, ok := v.(interface{ hermitian() bool })
	return ok && h.hermitian()
}
