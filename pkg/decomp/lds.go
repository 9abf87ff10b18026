// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package decomp

import (
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/core/kernels"
)

// LDSExtra is the family-specific information needed to size the local memory of a kernel.
type LDSExtra struct {
	Family kernels.Family
	Flags  kernels.ExtraFlags
}

// LocalMemoryBytes returns the local memory a kernel of the family stages with the given
// decomposition. It is 0 for families whose kernels read directly from global memory.
//
// GEMM stages the op(B) panel of the work-group: fine BWidth x coarse X elements.
func LocalMemoryBytes(dims []kernels.SubproblemDim, dtype dtypes.DType, extra LDSExtra) int {
	if extra.Family != kernels.FamilyGemm || len(dims) == 0 {
		return 0
	}
	bwidth := dims[0].BWidth
	if len(dims) > 1 && dims[1].BWidth > 0 {
		bwidth = dims[1].BWidth
	}
	if bwidth <= 0 || dims[0].X <= 0 {
		return 0
	}
	return bwidth * dims[0].X * dtype.Size()
}

// IsFitToLocalMemory returns whether a kernel with the given decomposition fits in budget bytes
// of local memory. When it does not, the kernel must read its operands from global memory.
func IsFitToLocalMemory(dims []kernels.SubproblemDim, dtype dtypes.DType, budget int, extra LDSExtra) bool {
	if len(dims) == 0 {
		return false
	}
	for _, d := range dims {
		if !d.IsValid() {
			return false
		}
	}
	return LocalMemoryBytes(dims, dtype, extra) <= max(0, budget)
}
