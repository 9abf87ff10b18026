// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tune holds the static tuning table of preferred block sizes per device chip, dtype
// and call type, and the identification of device chips from the names reported by a runtime.
//
// The table is compiled in and read-only: supporting a new device means adding rows to
// tuningRows (and a name to RegisterChipName), not code.
package tune

import (
	"fmt"
	"sync"

	"github.com/gomlx/gpublas/pkg/core/dtypes"
)

// BlockSizes is one entry of the tuning table: the preferred work-group tile (TY x TX
// work-items), the per-item block (ItemY x ItemX elements) and whether the kernel should
// stage operands in local memory behind a barrier.
type BlockSizes struct {
	TY, TX       int
	ItemY, ItemX int
	UseBarrier   bool
}

// IsComplete returns whether all the sizes are set. Entries with any zero field are "not tuned".
func (b BlockSizes) IsComplete() bool {
	return b.TY > 0 && b.TX > 0 && b.ItemY > 0 && b.ItemX > 0
}

// WorkGroupSize is the number of work-items of the tile, TY*TX.
func (b BlockSizes) WorkGroupSize() int {
	return b.TY * b.TX
}

// Clamp halves the larger of TY and TX (TY on ties) until TY*TX <= maxWorkGroupSize.
//
// If maxWorkGroupSize < 1 the result is a 1x1 tile.
func (b BlockSizes) Clamp(maxWorkGroupSize int) BlockSizes {
	for b.TY*b.TX > maxWorkGroupSize && (b.TY > 1 || b.TX > 1) {
		if b.TY >= b.TX {
			b.TY /= 2
		} else {
			b.TX /= 2
		}
	}
	return b
}

// String implements fmt.Stringer.
func (b BlockSizes) String() string {
	barrier := 0
	if b.UseBarrier {
		barrier = 1
	}
	return fmt.Sprintf("{TY=%d, TX=%d, ITEMY=%d, ITEMX=%d, useBarrier=%d}", b.TY, b.TX, b.ItemY, b.ItemX, barrier)
}

// tableRow assigns sizes to every combination of the listed dtypes and call types of a chip.
type tableRow struct {
	chip   Chip
	dtypes []dtypes.DType
	calls  []CallType
	sizes  BlockSizes
}

var (
	f32    = []dtypes.DType{dtypes.Float32}
	f64    = []dtypes.DType{dtypes.Float64}
	c64    = []dtypes.DType{dtypes.Complex64}
	c128   = []dtypes.DType{dtypes.Complex128}
	f64c64 = []dtypes.DType{dtypes.Float64, dtypes.Complex64}

	gemmCalls = []CallType{GemmNN, GemmNT, GemmTN, GemmTT}
	trsmCalls = []CallType{TrsmLU, TrsmLL, TrsmRU, TrsmRL}
	syrkCalls = []CallType{SyrkUN, SyrkUT, SyrkLN, SyrkLT, HerkUN, HerkUC, HerkLN, HerkLC}
	symmCalls = []CallType{SymmLU, SymmLL, SymmRU, SymmRL, HemmLU, HemmLL, HemmRU, HemmRL}
)

// tuningRows is the static table. Later rows override earlier ones for the same cell.
//
// ChipUnknown must cover every call type of every BLAS dtype.
var tuningRows = []tableRow{
	// Fallback entries.
	{ChipUnknown, f32, gemmCalls, BlockSizes{16, 8, 8, 4, true}},
	{ChipUnknown, f64c64, gemmCalls, BlockSizes{16, 8, 4, 4, true}},
	{ChipUnknown, c128, gemmCalls, BlockSizes{8, 8, 4, 2, true}},
	{ChipUnknown, f32, trsmCalls, BlockSizes{8, 8, 4, 4, true}},
	{ChipUnknown, f64c64, trsmCalls, BlockSizes{8, 8, 4, 2, true}},
	{ChipUnknown, c128, trsmCalls, BlockSizes{8, 8, 2, 2, true}},
	{ChipUnknown, f32, syrkCalls, BlockSizes{16, 8, 4, 4, true}},
	{ChipUnknown, f64c64, syrkCalls, BlockSizes{16, 8, 4, 2, true}},
	{ChipUnknown, c128, syrkCalls, BlockSizes{8, 8, 2, 2, true}},
	{ChipUnknown, f32, symmCalls, BlockSizes{16, 16, 4, 4, false}},
	{ChipUnknown, f64c64, symmCalls, BlockSizes{16, 8, 4, 2, false}},
	{ChipUnknown, c128, symmCalls, BlockSizes{8, 8, 2, 2, false}},

	// Evergreen.
	{ChipCypress, f32, gemmCalls, BlockSizes{16, 16, 8, 8, false}},
	{ChipCypress, f64, gemmCalls, BlockSizes{16, 16, 4, 4, false}},
	{ChipCypress, f32, trsmCalls, BlockSizes{8, 8, 8, 4, true}},
	// Double-precision TRSM was never tuned on Cypress: ItemY left at 0 falls back to ChipUnknown.
	{ChipCypress, f64, trsmCalls, BlockSizes{8, 8, 0, 2, true}},

	// Northern Islands: tuned for a 512 work-item group, clamped on smaller limits.
	{ChipCayman, f32, gemmCalls, BlockSizes{32, 16, 8, 4, true}},
	{ChipCayman, f64, gemmCalls, BlockSizes{16, 16, 4, 4, true}},
	{ChipCayman, f32, syrkCalls, BlockSizes{16, 16, 4, 4, true}},

	// Southern Islands.
	{ChipTahiti, f32, gemmCalls, BlockSizes{32, 8, 8, 4, true}},
	{ChipTahiti, f64c64, gemmCalls, BlockSizes{16, 16, 4, 4, true}},
	{ChipTahiti, c128, gemmCalls, BlockSizes{16, 8, 2, 2, true}},
	{ChipTahiti, f32, trsmCalls, BlockSizes{16, 16, 4, 4, true}},
	{ChipTahiti, f64, trsmCalls, BlockSizes{16, 8, 4, 2, true}},
	{ChipTahiti, f32, syrkCalls, BlockSizes{16, 16, 8, 4, true}},
	{ChipTahiti, f64, syrkCalls, BlockSizes{16, 16, 4, 2, true}},
	{ChipTahiti, c64, syrkCalls, BlockSizes{16, 8, 4, 2, true}},
	{ChipTahiti, f32, symmCalls, BlockSizes{16, 16, 8, 4, false}},

	// Sea Islands.
	{ChipHawaii, f32, gemmCalls, BlockSizes{16, 16, 8, 4, true}},
	{ChipHawaii, f64, gemmCalls, BlockSizes{16, 16, 4, 4, true}},
	{ChipHawaii, f32, trsmCalls, BlockSizes{16, 16, 4, 4, true}},
	{ChipHawaii, f32, syrkCalls, BlockSizes{16, 16, 8, 4, true}},

	// Volcanic Islands and later.
	{ChipFiji, f32, gemmCalls, BlockSizes{16, 16, 8, 8, true}},
	{ChipFiji, f64, gemmCalls, BlockSizes{16, 16, 4, 4, true}},
	{ChipVega, f32, gemmCalls, BlockSizes{16, 16, 8, 8, true}},
	{ChipVega, f64c64, gemmCalls, BlockSizes{16, 16, 8, 4, true}},
	{ChipVega, f32, trsmCalls, BlockSizes{16, 16, 8, 4, true}},

	// Host device: small tiles, items aligned to the CPU vector width.
	{ChipHost, f32, gemmCalls, BlockSizes{8, 8, 8, 8, true}},
	{ChipHost, f64, gemmCalls, BlockSizes{8, 8, 4, 4, true}},
	{ChipHost, f32, trsmCalls, BlockSizes{4, 4, 8, 8, true}},
}

var (
	tableOnce sync.Once
	table     [NumChips][dtypes.NumDTypes][NumCallTypes]BlockSizes
)

// buildTable populates the table from tuningRows. It is called exactly once, see Lookup.
func buildTable() {
	for _, row := range tuningRows {
		for _, dtype := range row.dtypes {
			for _, ct := range row.calls {
				table[row.chip][dtype][ct] = row.sizes
			}
		}
	}
}

// LookupExact returns the entry of the table for the given cell, without falling back.
// It returns the zero BlockSizes if the cell is out of range or was never tuned.
func LookupExact(chip Chip, dtype dtypes.DType, ct CallType) BlockSizes {
	tableOnce.Do(buildTable)
	if chip < 0 || chip >= NumChips || dtype < 0 || dtype >= dtypes.NumDTypes || ct < 0 || ct >= NumCallTypes {
		return BlockSizes{}
	}
	return table[chip][dtype][ct]
}

// Lookup returns the tuned block sizes for the cell, falling back to the ChipUnknown entry of
// the same dtype and call type if the entry for chip has any zero field.
//
// The result is the zero BlockSizes only for non-BLAS dtypes.
func Lookup(chip Chip, dtype dtypes.DType, ct CallType) BlockSizes {
	entry := LookupExact(chip, dtype, ct)
	if entry.IsComplete() {
		return entry
	}
	return LookupExact(ChipUnknown, dtype, ct)
}

// Entry is one cell of the table, as listed by Entries.
type Entry struct {
	DType    dtypes.DType
	CallType CallType
	Sizes    BlockSizes

	// Fallback is set if Sizes come from the ChipUnknown row.
	Fallback bool
}

// Entries lists the effective table of chip for every BLAS dtype and call type, in order.
func Entries(chip Chip) []Entry {
	entries := make([]Entry, 0, len(dtypes.BLASTypes)*int(NumCallTypes))
	for _, dtype := range dtypes.BLASTypes {
		for ct := CallType(0); ct < NumCallTypes; ct++ {
			entries = append(entries, Entry{
				DType:    dtype,
				CallType: ct,
				Sizes:    Lookup(chip, dtype, ct),
				Fallback: chip != ChipUnknown && !LookupExact(chip, dtype, ct).IsComplete(),
			})
		}
	}
	return entries
}
