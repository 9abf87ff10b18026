// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernels

import (
	"fmt"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
)

// Family identifies an operation family: kernels of different families never share a cache
// bucket.
type Family int

const (
	FamilyGemm Family = iota
	FamilyTrsm
	FamilySyrk
	FamilySymm
	FamilyProbe

	// NumFamilies is the number of families, used to size the kernel cache.
	NumFamilies
)

var familyNames = [NumFamilies]string{
	FamilyGemm:  "gemm",
	FamilyTrsm:  "trsm",
	FamilySyrk:  "syrk",
	FamilySymm:  "symm",
	FamilyProbe: "probe",
}

// String implements fmt.Stringer.
func (f Family) String() string {
	if f < 0 || f >= NumFamilies {
		return fmt.Sprintf("Family(%d)", int(f))
	}
	return familyNames[f]
}

// FamilyFromName returns the family with the given name, or false if unknown.
func FamilyFromName(name string) (Family, bool) {
	for f, n := range familyNames {
		if n == name {
			return Family(f), true
		}
	}
	return -1, false
}

// Extra is the family-specific metadata attached to a cached kernel, used to disambiguate
// kernels whose structural key (device, context, subproblem dimensions) is identical.
//
// It is a closed set of variants: BLASExtra and ProbeExtra.
type Extra interface {
	// Family of the kernel the extra describes.
	Family() Family

	// Equal returns whether other describes the same kernel.
	Equal(other Extra) bool

	fmt.Stringer

	isExtra()
}

// BLASExtra is the Extra of the BLAS families (gemm, trsm, syrk and symm).
//
// Flags must hold the effective vector width: the one actually used by the generator after
// any degradation, not the requested one.
type BLASExtra struct {
	Kind        Family
	DType       dtypes.DType
	Flags       ExtraFlags
	Granularity Granularity
}

var _ Extra = BLASExtra{}

// Family implements Extra.
func (e BLASExtra) Family() Family { return e.Kind }

// Equal implements Extra.
func (e BLASExtra) Equal(other Extra) bool {
	o, ok := other.(BLASExtra)
	return ok && o == e
}

// String implements fmt.Stringer.
func (e BLASExtra) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", e.Kind, e.DType, e.Flags, e.Granularity)
}

func (BLASExtra) isExtra() {}

// ProbeExtra is the Extra of the cache-size probing kernels.
type ProbeExtra struct {
	// ElementStride is the distance, in elements, between two consecutive reads.
	ElementStride int
}

var _ Extra = ProbeExtra{}

// Family implements Extra.
func (e ProbeExtra) Family() Family { return FamilyProbe }

// Equal implements Extra.
func (e ProbeExtra) Equal(other Extra) bool {
	o, ok := other.(ProbeExtra)
	return ok && o == e
}

// String implements fmt.Stringer.
func (e ProbeExtra) String() string {
	return fmt.Sprintf("probe/stride=%d", e.ElementStride)
}

func (ProbeExtra) isExtra() {}
