// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version, if the terminal supports it.
var ProgressbarStyle = progressbar.ThemeASCII

// progressBar displays the progression of the cache-size measurements.
// The bar is created on the first report, when the number of working sets is known.
type progressBar struct {
	description string
	bar         *progressbar.ProgressBar
	reported    int
	termenv     *termenv.Output
}

func newProgressBar(description string) *progressBar {
	return &progressBar{
		description: description,
		termenv:     termenv.NewOutput(os.Stdout),
	}
}

// Update is the callback given to probe.Prober.WithProgress.
// The prober may run several sweeps: a report with a smaller done count starts a new bar.
func (pBar *progressBar) Update(done, total int) {
	if pBar.bar == nil || done < pBar.reported || pBar.bar.GetMax() != total {
		pBar.finish()
		pBar.termenv.HideCursor()
		pBar.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription(fmt.Sprintf("%-12s", pBar.description)),
			progressbar.OptionUseANSICodes(true),
			progressbar.OptionEnableColorCodes(true),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("sets"),
			progressbar.OptionSetTheme(ProgressbarStyle),
			progressbar.OptionSetWriter(os.Stdout),
		)
		pBar.reported = 0
	}
	if amount := done - pBar.reported; amount > 0 {
		_ = pBar.bar.Add(amount)
		pBar.reported = done
	}
}

// Done finishes the current bar, if any, and restores the cursor.
func (pBar *progressBar) Done() {
	pBar.finish()
	pBar.termenv.ShowCursor()
}

func (pBar *progressBar) finish() {
	if pBar.bar == nil {
		return
	}
	if !pBar.bar.IsFinished() {
		_ = pBar.bar.Finish()
	}
	fmt.Println()
	pBar.bar = nil
}
