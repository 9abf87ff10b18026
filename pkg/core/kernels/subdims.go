// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package kernels holds the data model shared by the decomposition selector, the kernel
// source generator and the kernel cache: subproblem dimensions, work-group granularity,
// the generation flags bitset and the per-family cache "extra" payloads.
package kernels

import (
	"fmt"
	"strings"
)

// Unused marks a SubproblemDim extent that is not used at a given decomposition level.
const Unused = -1

// MaxSubdims is the maximum number of decomposition levels a kernel key can hold.
const MaxSubdims = 3

// SubproblemDim is the block shape processed at one decomposition level.
//
// Level 0 is the coarse one, per work-group. Level 1 is the fine one, per work-item.
// X runs along the N (columns of the result) axis, Y along the M (rows) axis and BWidth
// along the K (contracting) axis.
type SubproblemDim struct {
	X, Y   int
	BWidth int
	ItemX  int
	ItemY  int
}

// String implements fmt.Stringer.
func (d SubproblemDim) String() string {
	f := func(v int) string {
		if v == Unused {
			return "-"
		}
		return fmt.Sprint(v)
	}
	return fmt.Sprintf("{y=%s x=%s bw=%s itemY=%s itemX=%s}",
		f(d.Y), f(d.X), f(d.BWidth), f(d.ItemY), f(d.ItemX))
}

// IsValid returns whether every extent is either positive or Unused.
func (d SubproblemDim) IsValid() bool {
	for _, v := range []int{d.X, d.Y, d.BWidth, d.ItemX, d.ItemY} {
		if v != Unused && v <= 0 {
			return false
		}
	}
	return true
}

// DivisibleItems returns whether ItemX divides X and ItemY divides Y (Unused extents are ignored).
func (d SubproblemDim) DivisibleItems() bool {
	return divides(d.ItemX, d.X) && divides(d.ItemY, d.Y)
}

func divides(item, extent int) bool {
	if item == Unused || extent == Unused {
		return true
	}
	return item > 0 && extent%item == 0
}

// DimsString pretty-prints a list of subproblem dimensions.
func DimsString(dims []SubproblemDim) string {
	parts := make([]string, len(dims))
	for ii, d := range dims {
		parts[ii] = d.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Granularity describes the work-group geometry: how many work-items form one work-group, and
// along how many axes.
type Granularity struct {
	// WGDim is the number of axes used by the work-group: 1 or 2.
	WGDim int

	// WGSize is the number of work-items along each axis. WGSize[1] is 1 if WGDim == 1.
	WGSize [2]int

	// WFSize is the hardware wavefront (warp) size.
	WFSize int
}

// Size returns the total number of work-items in a work-group.
func (g Granularity) Size() int {
	if g.WGDim == 1 {
		return g.WGSize[0]
	}
	return g.WGSize[0] * g.WGSize[1]
}

// String implements fmt.Stringer.
func (g Granularity) String() string {
	return fmt.Sprintf("wg%dD[%d,%d]/wf%d", g.WGDim, g.WGSize[0], g.WGSize[1], g.WFSize)
}

// CeilDiv returns ceil(a/b) for positive integers.
func CeilDiv(a, b int) int {
	return (a + b - 1) / b
}
