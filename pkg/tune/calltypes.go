// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tune

import (
	"fmt"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
	"github.com/pkg/errors"
)

// CallType is the closed set of call shapes the tuning table is indexed by: the operation
// family crossed with its transpose, triangle and side variants.
type CallType int

const (
	GemmNN CallType = iota
	GemmNT
	GemmTN
	GemmTT

	TrsmLU
	TrsmLL
	TrsmRU
	TrsmRL

	SyrkUN
	SyrkUT
	SyrkLN
	SyrkLT

	HerkUN
	HerkUC
	HerkLN
	HerkLC

	SymmLU
	SymmLL
	SymmRU
	SymmRL

	HemmLU
	HemmLL
	HemmRU
	HemmRL

	// NumCallTypes is the number of call types.
	NumCallTypes
)

var callTypeNames = [NumCallTypes]string{
	GemmNN: "GEMM_NN", GemmNT: "GEMM_NT", GemmTN: "GEMM_TN", GemmTT: "GEMM_TT",
	TrsmLU: "TRSM_LU", TrsmLL: "TRSM_LL", TrsmRU: "TRSM_RU", TrsmRL: "TRSM_RL",
	SyrkUN: "SYRK_UN", SyrkUT: "SYRK_UT", SyrkLN: "SYRK_LN", SyrkLT: "SYRK_LT",
	HerkUN: "HERK_UN", HerkUC: "HERK_UC", HerkLN: "HERK_LN", HerkLC: "HERK_LC",
	SymmLU: "SYMM_LU", SymmLL: "SYMM_LL", SymmRU: "SYMM_RU", SymmRL: "SYMM_RL",
	HemmLU: "HEMM_LU", HemmLL: "HEMM_LL", HemmRU: "HEMM_RU", HemmRL: "HEMM_RL",
}

// String implements fmt.Stringer.
func (ct CallType) String() string {
	if ct < 0 || ct >= NumCallTypes {
		return fmt.Sprintf("CallType(%d)", int(ct))
	}
	return callTypeNames[ct]
}

// Family returns the kernel family generating the call type. HERK and HEMM are rendered by
// the SYRK and SYMM generators with conjugation.
func (ct CallType) Family() kernels.Family {
	switch {
	case ct <= GemmTT:
		return kernels.FamilyGemm
	case ct <= TrsmRL:
		return kernels.FamilyTrsm
	case ct <= HerkLC:
		return kernels.FamilySyrk
	default:
		return kernels.FamilySymm
	}
}

// CallTypeOf derives the call type of a BLAS call from its family, dtype and flags.
//
// For SYRK and SYMM, flag ConjA on a complex dtype selects the Hermitian variants (HERK, HEMM).
// For TRSM the call type reflects the raw side and triangle, before any transpose folding.
func CallTypeOf(family kernels.Family, dtype dtypes.DType, flags kernels.ExtraFlags) (CallType, error) {
	pick := func(first, second bool, base CallType) CallType {
		ct := base
		if !first {
			ct += 2
		}
		if !second {
			ct++
		}
		return ct
	}
	hermitian := dtype.IsComplex() && flags.Has(kernels.ConjA)
	switch family {
	case kernels.FamilyGemm:
		// Order: NN, NT, TN, TT.
		return pick(!flags.Has(kernels.TransA), !flags.Has(kernels.TransB), GemmNN), nil
	case kernels.FamilyTrsm:
		return pick(!flags.Has(kernels.SideRight), flags.Has(kernels.Upper), TrsmLU), nil
	case kernels.FamilySyrk:
		base := SyrkUN
		if hermitian {
			base = HerkUN
		}
		return pick(flags.Has(kernels.Upper), !flags.Has(kernels.TransA), base), nil
	case kernels.FamilySymm:
		base := SymmLU
		if hermitian {
			base = HemmLU
		}
		return pick(!flags.Has(kernels.SideRight), flags.Has(kernels.Upper), base), nil
	}
	return -1, errors.Errorf("family %s has no tuned call types", family)
}
