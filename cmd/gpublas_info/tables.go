// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpublas/pkg/core/dtypes"
	"github.com/gomlx/gpublas/pkg/kcache"
	"github.com/gomlx/gpublas/pkg/probe"
	"github.com/gomlx/gpublas/pkg/tune"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	fallbackRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "3", Dark: "11"}).
				PaddingLeft(1).PaddingRight(1)
)

// markedTable is a table where some rows can be highlighted.
type markedTable struct {
	Table  *lgtable.Table
	Count  int
	Marked map[int]bool
}

func (t *markedTable) Row(marked bool, row ...string) {
	if marked {
		t.Marked[t.Count] = true
	}
	t.Table.Row(row...)
	t.Count++
}

func newPlainTable(withHeader bool, alignments ...lipgloss.Position) *lgtable.Table {
	return newMarkedTable(withHeader, alignments...).Table
}

func newMarkedTable(withHeader bool, alignments ...lipgloss.Position) *markedTable {
	t := &markedTable{Marked: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				return headerRowStyle
			case t.Marked[row]:
				s = fallbackRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			if col < len(alignments) {
				s = s.Align(alignments[col])
			}
			return
		})
	if !withHeader {
		t.Table = t.Table.BorderHeader(false)
	}
	return t
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func bytesOrUnknown(size int64) string {
	if size <= 0 {
		return "unknown"
	}
	return humanize.IBytes(uint64(size))
}

// capabilitiesTable lists the device capabilities as property/value rows.
func capabilitiesTable(caps probe.Capabilities) *lgtable.Table {
	table := newPlainTable(true, lipgloss.Right, lipgloss.Left)
	table.Headers("Property", "Value")
	table.Row("Name", caps.Name)
	table.Row("Vendor", caps.Vendor)
	table.Row("Chip", caps.Chip.String())
	table.Row("Max work-group size", strconv.Itoa(caps.MaxWorkGroupSize))
	table.Row("Compute units", strconv.Itoa(caps.ComputeUnits))
	table.Row("Local memory", humanize.IBytes(uint64(caps.LocalMemSize)))
	table.Row("Double precision", yesNo(caps.DoubleFP))
	table.Row("Vendor FMA", yesNo(caps.FMA))
	table.Row("Wavefront size", strconv.Itoa(caps.WavefrontSize))
	table.Row("Cache line", humanize.IBytes(uint64(caps.CacheLineSize)))
	table.Row("L1 cache", bytesOrUnknown(caps.L1CacheSize))
	table.Row("L2 cache", bytesOrUnknown(caps.L2CacheSize))
	return table
}

// tuningTable lists the block sizes used for chip, for the given dtypes or all if empty.
// Rows taken from the generic row are marked.
func tuningTable(chip tune.Chip, only []dtypes.DType) *lgtable.Table {
	table := newMarkedTable(true, lipgloss.Left, lipgloss.Left,
		lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Center, lipgloss.Center)
	table.Table.Headers("DType", "Call", "TY", "TX", "ItemY", "ItemX", "Barrier", "Source")
	for _, entry := range tune.Entries(chip) {
		if len(only) > 0 && !slices.Contains(only, entry.DType) {
			continue
		}
		source := chip.String()
		if entry.Fallback || chip == tune.ChipUnknown {
			source = tune.ChipUnknown.String()
		}
		sizes := entry.Sizes
		table.Row(entry.Fallback, entry.DType.String(), entry.CallType.String(),
			strconv.Itoa(sizes.TY), strconv.Itoa(sizes.TX),
			strconv.Itoa(sizes.ItemY), strconv.Itoa(sizes.ItemX),
			yesNo(sizes.UseBarrier), source)
	}
	return table.Table
}

// cacheStatsTable shows a snapshot of the kernel cache counters.
func cacheStatsTable(stats kcache.Stats) *lgtable.Table {
	table := newPlainTable(true, lipgloss.Right, lipgloss.Right)
	table.Headers("Counter", "Value")
	table.Row("Entries", humanize.Comma(int64(stats.Entries)))
	table.Row("Bytes", fmt.Sprintf("%s of %s", humanize.IBytes(uint64(stats.Bytes)), cacheLimit(stats.Limit)))
	table.Row("Hits", humanize.Comma(stats.Hits))
	table.Row("Misses", humanize.Comma(stats.Misses))
	table.Row("Inserts", humanize.Comma(stats.Inserts))
	table.Row("Evictions", humanize.Comma(stats.Evictions))
	return table
}

func cacheLimit(limit int64) string {
	if limit == kcache.Unlimited {
		return "unlimited"
	}
	return humanize.IBytes(uint64(limit))
}

// samplesTable lists the latency measured for each working set.
func samplesTable(samples []probe.Sample) *lgtable.Table {
	table := newPlainTable(true, lipgloss.Right, lipgloss.Right)
	table.Headers("Working set", "ns/read")
	for _, sample := range samples {
		table.Row(humanize.IBytes(uint64(sample.Bytes)), fmt.Sprintf("%.3f", sample.NsPerRead))
	}
	return table
}
