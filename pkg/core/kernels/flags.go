// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ExtraFlags is the bitset of generation-time choices of a kernel.
//
// Together with the subproblem dimensions, the granularity and the dtype, it forms the
// generation key: two requests with identical keys produce identical kernel source.
type ExtraFlags uint32

const (
	TransA ExtraFlags = 1 << iota
	TransB
	ConjA
	ConjB
	ColumnMajor
	Upper
	UnitDiag
	SideRight
	TailsM
	TailsN
	TailsK
	UseLDS
	VendorFMA

	// NoFlags is the empty set.
	NoFlags ExtraFlags = 0
)

// The vector width is stored as log2(vecLen) in 3 bits.
const (
	vecShift = 16
	vecMask  = ExtraFlags(0x7) << vecShift

	// MaxVecLen is the largest vector width that can be encoded.
	MaxVecLen = 16
)

var flagNames = []struct {
	flag ExtraFlags
	name string
}{
	{TransA, "TransA"},
	{TransB, "TransB"},
	{ConjA, "ConjA"},
	{ConjB, "ConjB"},
	{ColumnMajor, "ColumnMajor"},
	{Upper, "Upper"},
	{UnitDiag, "UnitDiag"},
	{SideRight, "SideRight"},
	{TailsM, "TailsM"},
	{TailsN, "TailsN"},
	{TailsK, "TailsK"},
	{UseLDS, "UseLDS"},
	{VendorFMA, "VendorFMA"},
}

// Has returns whether all bits of mask are set.
func (f ExtraFlags) Has(mask ExtraFlags) bool {
	return f&mask == mask
}

// With returns the flags with mask set or cleared.
func (f ExtraFlags) With(mask ExtraFlags, set bool) ExtraFlags {
	if set {
		return f | mask
	}
	return f &^ mask
}

// VecLen returns the vector width used for memory accesses. It is 1 if never set.
func (f ExtraFlags) VecLen() int {
	return 1 << ((f & vecMask) >> vecShift)
}

// WithVecLen returns the flags with the vector width replaced.
// It panics if vecLen is not a power of 2 in [1, MaxVecLen].
func (f ExtraFlags) WithVecLen(vecLen int) ExtraFlags {
	if vecLen < 1 || vecLen > MaxVecLen || bits.OnesCount(uint(vecLen)) != 1 {
		panic(errors.Errorf("invalid vector width %d, it must be a power of 2 <= %d", vecLen, MaxVecLen))
	}
	log2 := ExtraFlags(bits.TrailingZeros(uint(vecLen)))
	return (f &^ vecMask) | (log2 << vecShift)
}

// Tails returns only the tail bits.
func (f ExtraFlags) Tails() ExtraFlags {
	return f & (TailsM | TailsN | TailsK)
}

// String implements fmt.Stringer.
func (f ExtraFlags) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	if v := f.VecLen(); v > 1 {
		parts = append(parts, "Vec"+strconv.Itoa(v))
	}
	if len(parts) == 0 {
		return "NoFlags"
	}
	return strings.Join(parts, "|")
}

// WithTails sets the tail bits for a problem of sizes M, N and K decomposed with dims.
//
// A tail is present along an axis when the problem size is not a multiple of the tile: M is
// checked against the work-group tile height dims[0].Y, N against the work-group tile width
// dims[0].X and K against the per-item panel width dims[1].BWidth (or dims[0].BWidth if there is
// a single level). Negative sizes mean "axis not used" and never set a tail.
func (f ExtraFlags) WithTails(m, n, k int, dims []SubproblemDim) ExtraFlags {
	f &^= TailsM | TailsN | TailsK
	if len(dims) == 0 {
		return f
	}
	hasTail := func(size, tile int) bool {
		return size > 0 && tile > 0 && size%tile != 0
	}
	bwidth := dims[0].BWidth
	if len(dims) > 1 {
		bwidth = dims[1].BWidth
	}
	f = f.With(TailsM, hasTail(m, dims[0].Y))
	f = f.With(TailsN, hasTail(n, dims[0].X))
	f = f.With(TailsK, hasTail(k, bwidth))
	return f
}
