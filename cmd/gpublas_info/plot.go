// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image/color"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpublas/pkg/probe"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// latencyCurve is one sweep of the prober, to be plotted as a line.
type latencyCurve struct {
	Name    string
	Samples []probe.Sample
	Knee    int64
}

var curveColors = []color.Color{
	color.RGBA{R: 0x70, G: 0x50, B: 0x90, A: 0xff},
	color.RGBA{R: 0xd0, G: 0x60, B: 0x20, A: 0xff},
}

// byteTicks labels a log-scale axis of byte counts at the powers of two.
type byteTicks struct{}

func (byteTicks) Ticks(lo, hi float64) []plot.Tick {
	var ticks []plot.Tick
	for v := float64(1); v <= hi; v *= 2 {
		if v < lo {
			continue
		}
		ticks = append(ticks, plot.Tick{Value: v, Label: humanize.IBytes(uint64(v))})
	}
	return ticks
}

// plotLatency saves the latency of each curve, in ns per read, as a function of the working set
// size to filePath. The format is taken from the file extension (".png", ".svg", ".pdf"...).
func plotLatency(filePath, title string, curves ...latencyCurve) error {
	p := plot.New()
	p.Title.Text = title

	p.X.Label.Text = "working set"
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = byteTicks{}
	p.Y.Label.Text = "ns/read"
	p.Y.Min = 0
	p.Add(plotter.NewGrid())

	for ii, curve := range curves {
		if len(curve.Samples) == 0 {
			continue
		}
		xys := make(plotter.XYs, len(curve.Samples))
		for jj, sample := range curve.Samples {
			xys[jj].X = float64(sample.Bytes)
			xys[jj].Y = sample.NsPerRead
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %s curve", curve.Name)
		}
		c := curveColors[ii%len(curveColors)]
		line.Color = c
		points.Color = c
		p.Add(line, points)
		name := curve.Name
		if curve.Knee > 0 {
			name += " (knee at " + humanize.IBytes(uint64(curve.Knee)) + ")"
		}
		p.Legend.Add(name, line, points)
	}
	p.Legend.Top = true
	if err := p.Save(12*vg.Inch, 6*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}
