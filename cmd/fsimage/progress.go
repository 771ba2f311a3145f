package main

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/moffa90/go-fsimage/engine"
)

// progressView renders engine progress: a bar on a terminal, one line per
// step otherwise.
type progressView struct {
	w    io.Writer
	bar  *progressbar.ProgressBar
	last string
}

func newProgressView(quiet bool) *progressView {
	if quiet {
		return nil
	}
	v := &progressView{w: os.Stderr}
	if isTTY(os.Stderr) {
		v.bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetPredictTime(false),
			progressbar.OptionClearOnFinish(),
		)
	}
	return v
}

// callback returns the engine progress callback, nil for a quiet view.
func (v *progressView) callback() engine.ProgressCallback {
	if v == nil {
		return nil
	}
	return v.update
}

func (v *progressView) update(p engine.Progress) {
	step := p.Phase
	if p.Region != "" && p.Phase != engine.PhaseComplete {
		step = fmt.Sprintf("%s %s copy %d", p.Phase, p.Region, p.Copy)
	}

	if v.bar == nil {
		if step != v.last {
			fmt.Fprintf(v.w, "  [%3.0f%%] %s\n", p.Percentage, step)
		}
		v.last = step
		return
	}

	v.bar.Describe(step)
	_ = v.bar.Set(int(p.Percentage))
	if p.Phase == engine.PhaseComplete {
		_ = v.bar.Finish()
	}
}

// close ends the bar after an operation that stopped early.
func (v *progressView) close() {
	if v != nil && v.bar != nil {
		_ = v.bar.Exit()
	}
}

// isTTY checks if the given file is a terminal
func isTTY(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
