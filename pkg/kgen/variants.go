// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kgen

import (
	"github.com/gomlx/gpublas/pkg/core/kernels"
)

// Variant is one of the kernel templates, with the typed parameters it is rendered with.
//
// It is a closed set: GemmNN, GemmNT, GemmTN, TrsmLU, TrsmLL, TrsmRU, TrsmRL, SyrkUN, SyrkUT,
// SyrkLN, SyrkLT, SymmLU, SymmLL, SymmRU, SymmRL and ProbeStrideRead. SYRK and SYMM variants
// render HERK and HEMM kernels when their parameters are Hermitian.
type Variant interface {
	// Effective returns the scalar parameters of the variant.
	Effective() Params

	// Name is the operation name in the entry point, e.g. "gemm" or "herk".
	Name() string

	// Suffix is the variant part of the entry point, e.g. "nt" or "lc".
	Suffix() string

	template() template

	// substitutions returns the variant-specific placeholders, as old/new pairs.
	substitutions() []string

	isVariant()
}

// GemmParams parameterize the GEMM variants.
type GemmParams struct {
	Tile         Params
	ConjA, ConjB bool
}

func (p GemmParams) Effective() Params       { return p.Tile }
func (p GemmParams) Name() string            { return "gemm" }
func (p GemmParams) substitutions() []string { return nil }
func (p GemmParams) isVariant()              {}

// GemmNN computes C = alpha * A * B + beta * C.
type GemmNN struct{ GemmParams }

// GemmNT computes C = alpha * A * op(B)^T + beta * C.
type GemmNT struct{ GemmParams }

// GemmTN computes C = alpha * op(A)^T * B + beta * C.
type GemmTN struct{ GemmParams }

func (GemmNN) Suffix() string { return "nn" }
func (GemmNT) Suffix() string { return "nt" }
func (GemmTN) Suffix() string { return "tn" }

func (GemmNN) template() template {
	return template{header: gemmAAlongRows + gemmBAlongK, body: gemmBody}
}

func (GemmNT) template() template {
	return template{header: gemmAAlongRows + gemmBTransposed, body: gemmBody}
}

func (GemmTN) template() template {
	return template{header: gemmAAlongK + gemmBAlongK, body: gemmBody}
}

// TrsmParams parameterize the TRSM variants. The variant names the triangle of op(A):
// with TransA the stored triangle is the opposite one.
type TrsmParams struct {
	Tile     Params
	TransA   bool
	ConjA    bool
	UnitDiag bool
}

func (p TrsmParams) Effective() Params { return p.Tile }
func (p TrsmParams) Name() string      { return "trsm" }
func (p TrsmParams) isVariant()        {}

// TrsmLU solves op(A) * X = alpha * B with op(A) upper triangular.
type TrsmLU struct{ TrsmParams }

// TrsmLL solves op(A) * X = alpha * B with op(A) lower triangular.
type TrsmLL struct{ TrsmParams }

// TrsmRU solves X * op(A) = alpha * B with op(A) upper triangular.
type TrsmRU struct{ TrsmParams }

// TrsmRL solves X * op(A) = alpha * B with op(A) lower triangular.
type TrsmRL struct{ TrsmParams }

func (TrsmLU) Suffix() string { return "lu" }
func (TrsmLL) Suffix() string { return "ll" }
func (TrsmRU) Suffix() string { return "ru" }
func (TrsmRL) Suffix() string { return "rl" }

func (TrsmLU) template() template { return template{header: trsmHeader, body: trsmLeftBody} }
func (TrsmLL) template() template { return template{header: trsmHeader, body: trsmLeftBody} }
func (TrsmRU) template() template { return template{header: trsmHeader, body: trsmRightBody} }
func (TrsmRL) template() template { return template{header: trsmHeader, body: trsmRightBody} }

// Solve order of the substitution: upper-left and lower-right solve backwards.
const (
	stepForward  = "(s)"
	stepBackward = "((n) - 1 - (s))"
)

func (TrsmLU) substitutions() []string { return []string{"%STEP", stepBackward} }
func (TrsmLL) substitutions() []string { return []string{"%STEP", stepForward} }
func (TrsmRU) substitutions() []string { return []string{"%STEP", stepForward} }
func (TrsmRL) substitutions() []string { return []string{"%STEP", stepBackward} }

// SyrkParams parameterize the SYRK variants, and the HERK ones if Hermitian.
type SyrkParams struct {
	Tile      Params
	Hermitian bool
}

func (p SyrkParams) Effective() Params { return p.Tile }
func (p SyrkParams) isVariant()        {}
func (p SyrkParams) hermitian() bool   { return p.Hermitian }

func (p SyrkParams) Name() string {
	if p.Hermitian {
		return "herk"
	}
	return "syrk"
}

// transSuffix is the letter of the transposed variants: "c" for HERK.
func (p SyrkParams) transSuffix() string {
	if p.Hermitian {
		return "c"
	}
	return "t"
}

// conj returns the conjugation macro if the factor is conjugated in the Hermitian variants.
func (p SyrkParams) conj(conjugated bool) string {
	if p.Hermitian && conjugated {
		return "CONJ"
	}
	return ""
}

// SyrkUN updates the upper triangle of C with alpha * A * A^T.
type SyrkUN struct{ SyrkParams }

// SyrkUT updates the upper triangle of C with alpha * A^T * A.
type SyrkUT struct{ SyrkParams }

// SyrkLN updates the lower triangle of C with alpha * A * A^T.
type SyrkLN struct{ SyrkParams }

// SyrkLT updates the lower triangle of C with alpha * A^T * A.
type SyrkLT struct{ SyrkParams }

func (SyrkUN) Suffix() string   { return "un" }
func (v SyrkUT) Suffix() string { return "u" + v.transSuffix() }
func (SyrkLN) Suffix() string   { return "ln" }
func (v SyrkLT) Suffix() string { return "l" + v.transSuffix() }

func (SyrkUN) template() template { return template{header: syrkHeader, body: syrkBody} }
func (SyrkUT) template() template { return template{header: syrkHeader, body: syrkBody} }
func (SyrkLN) template() template { return template{header: syrkHeader, body: syrkBody} }
func (SyrkLT) template() template { return template{header: syrkHeader, body: syrkBody} }

// syrkSubstitutions of the rank-k factors: C += op(A) * op(A)^H, where op(A) is A for the
// "n" variants and A^H for the transposed ones.
func (p SyrkParams) syrkSubstitutions(upper, trans bool) []string {
	triangle := ">="
	if upper {
		triangle = "<="
	}
	left, right := "(i) + (k) * lda", "(j) + (k) * lda"
	conjLeft, conjRight := false, true
	if trans {
		left, right = "(k) + (i) * lda", "(k) + (j) * lda"
		conjLeft, conjRight = true, false
	}
	return []string{
		"%LEFT_INDEX", left,
		"%RIGHT_INDEX", right,
		"%CONJL", p.conj(conjLeft),
		"%CONJR", p.conj(conjRight),
		"%TRI_OP", triangle,
	}
}

func (v SyrkUN) substitutions() []string { return v.syrkSubstitutions(true, false) }
func (v SyrkUT) substitutions() []string { return v.syrkSubstitutions(true, true) }
func (v SyrkLN) substitutions() []string { return v.syrkSubstitutions(false, false) }
func (v SyrkLT) substitutions() []string { return v.syrkSubstitutions(false, true) }

// SymmParams parameterize the SYMM variants, and the HEMM ones if Hermitian.
type SymmParams struct {
	Tile      Params
	Hermitian bool
}

func (p SymmParams) Effective() Params { return p.Tile }
func (p SymmParams) isVariant()        {}
func (p SymmParams) hermitian() bool   { return p.Hermitian }

func (p SymmParams) Name() string {
	if p.Hermitian {
		return "hemm"
	}
	return "symm"
}

// SymmLU computes alpha * A * B + beta * C, A stored in its upper triangle.
type SymmLU struct{ SymmParams }

// SymmLL computes alpha * A * B + beta * C, A stored in its lower triangle.
type SymmLL struct{ SymmParams }

// SymmRU computes alpha * B * A + beta * C, A stored in its upper triangle.
type SymmRU struct{ SymmParams }

// SymmRL computes alpha * B * A + beta * C, A stored in its lower triangle.
type SymmRL struct{ SymmParams }

func (SymmLU) Suffix() string { return "lu" }
func (SymmLL) Suffix() string { return "ll" }
func (SymmRU) Suffix() string { return "ru" }
func (SymmRL) Suffix() string { return "rl" }

func (SymmLU) template() template { return template{header: symmHeader, body: symmLeftBody} }
func (SymmLL) template() template { return template{header: symmHeader, body: symmLeftBody} }
func (SymmRU) template() template { return template{header: symmHeader, body: symmRightBody} }
func (SymmRL) template() template { return template{header: symmHeader, body: symmRightBody} }

func (SymmLU) substitutions() []string { return []string{"%TRI_OP", "<="} }
func (SymmLL) substitutions() []string { return []string{"%TRI_OP", ">="} }
func (SymmRU) substitutions() []string { return []string{"%TRI_OP", "<="} }
func (SymmRL) substitutions() []string { return []string{"%TRI_OP", ">="} }

// ProbeStrideRead is the cache-size micro-benchmark.
type ProbeStrideRead struct {
	Tile Params
}

func (v ProbeStrideRead) Effective() Params     { return v.Tile }
func (ProbeStrideRead) Name() string            { return "probe" }
func (ProbeStrideRead) Suffix() string          { return "stride_read" }
func (ProbeStrideRead) template() template      { return template{body: probeBody} }
func (ProbeStrideRead) substitutions() []string { return nil }
func (ProbeStrideRead) isVariant()              {}

// Compile-time check that all variants implement Variant.
var (
	_ Variant = GemmNN{}
	_ Variant = GemmNT{}
	_ Variant = GemmTN{}
	_ Variant = TrsmLU{}
	_ Variant = TrsmLL{}
	_ Variant = TrsmRU{}
	_ Variant = TrsmRL{}
	_ Variant = SyrkUN{}
	_ Variant = SyrkUT{}
	_ Variant = SyrkLN{}
	_ Variant = SyrkLT{}
	_ Variant = SymmLU{}
	_ Variant = SymmLL{}
	_ Variant = SymmRU{}
	_ Variant = SymmRL{}
	_ Variant = ProbeStrideRead{}
)

// SelectVariant returns the template variant rendering req, or false if no template can.
//
// GEMM with both operands transposed has no template: callers lower it to another variant.
func SelectVariant(req Request) (Variant, bool) {
	p, ok := Effective(req)
	if !ok {
		return nil, false
	}
	flags := req.Flags
	isComplex := req.DType.IsComplex()
	right := flags.Has(kernels.SideRight)
	upper := flags.Has(kernels.Upper)
	switch req.Family {
	case kernels.FamilyGemm:
		gp := GemmParams{Tile: p, ConjA: isComplex && flags.Has(kernels.ConjA), ConjB: isComplex && flags.Has(kernels.ConjB)}
		transA, transB := flags.Has(kernels.TransA), flags.Has(kernels.TransB)
		switch {
		case !transA && !transB:
			return GemmNN{gp}, true
		case !transA:
			return GemmNT{gp}, true
		case !transB:
			return GemmTN{gp}, true
		}
		return nil, false

	case kernels.FamilyTrsm:
		tp := TrsmParams{Tile: p, TransA: flags.Has(kernels.TransA),
			ConjA: isComplex && flags.Has(kernels.ConjA), UnitDiag: flags.Has(kernels.UnitDiag)}
		opUpper := upper != tp.TransA
		switch {
		case !right && opUpper:
			return TrsmLU{tp}, true
		case !right:
			return TrsmLL{tp}, true
		case opUpper:
			return TrsmRU{tp}, true
		default:
			return TrsmRL{tp}, true
		}

	case kernels.FamilySyrk:
		sp := SyrkParams{Tile: p, Hermitian: isComplex && flags.Has(kernels.ConjA)}
		trans := flags.Has(kernels.TransA)
		switch {
		case upper && !trans:
			return SyrkUN{sp}, true
		case upper:
			return SyrkUT{sp}, true
		case !trans:
			return SyrkLN{sp}, true
		default:
			return SyrkLT{sp}, true
		}

	case kernels.FamilySymm:
		sp := SymmParams{Tile: p, Hermitian: isComplex && flags.Has(kernels.ConjA)}
		switch {
		case !right && upper:
			return SymmLU{sp}, true
		case !right:
			return SymmLL{sp}, true
		case upper:
			return SymmRU{sp}, true
		default:
			return SymmRL{sp}, true
		}

	case kernels.FamilyProbe:
		return ProbeStrideRead{Tile: p}, true
	}
	return nil, false
}
