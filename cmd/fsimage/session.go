package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/moffa90/go-fsimage/engine"
)

// session is an opened device with an engine on top.
type session struct {
	flags  globalFlags
	dev    *device
	eng    *engine.Engine
	logger *stdLogger
	view   *progressView
}

func openSession(cmd *cobra.Command) (*session, error) {
	flags := getGlobalFlags(cmd)
	cfg, err := LoadDeviceConfig(flags.device)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr(), flags.verbose)
	dev, err := openDevice(cfg, logger)
	if err != nil {
		return nil, err
	}
	view := newProgressView(flags.quiet || flags.json)
	eng, err := dev.engine(logger, engine.WithProgressCallback(view.callback()))
	if err != nil {
		return nil, err
	}
	return &session{flags: flags, dev: dev, eng: eng, logger: logger, view: view}, nil
}

// persist stores the device state after a change.
func (s *session) persist() error {
	return s.dev.persist(s.eng)
}

// regionOutput is one region of a save report.
type regionOutput struct {
	Label  string   `json:"label"`
	Status string   `json:"status"`
	Size   int64    `json:"size"`
	Failed []int    `json:"failed_copies,omitempty"`
	Errors []string `json:"errors,omitempty"`
}

type saveOutput struct {
	Device  string         `json:"device"`
	BoardID string         `json:"board_id,omitempty"`
	Regions []regionOutput `json:"regions"`
	Error   string         `json:"error,omitempty"`
}

func newSaveOutput(dev string, report *engine.SaveReport, err error) saveOutput {
	out := saveOutput{Device: dev, Error: errString(err)}
	if report == nil {
		return out
	}
	if report.BoardID.Name != "" {
		out.BoardID = report.BoardID.String()
	}
	for _, rr := range report.Regions {
		ro := regionOutput{Label: rr.Label, Size: rr.Size}
		for cp := 0; cp < 2; cp++ {
			if rr.Failed&(1<<cp) != 0 {
				ro.Failed = append(ro.Failed, cp)
				ro.Errors = append(ro.Errors, errString(rr.Errors[cp]))
			}
		}
		switch {
		case rr.Skipped:
			ro.Status = "up to date"
		case rr.Failed == 3:
			ro.Status = "failed"
		case rr.Degraded():
			ro.Status = "degraded"
		default:
			ro.Status = "written"
		}
		out.Regions = append(out.Regions, ro)
	}
	return out
}

func (s *session) printSave(cmd *cobra.Command, report *engine.SaveReport, err error) error {
	out := newSaveOutput(s.dev.cfg.Image, report, err)
	if s.flags.json {
		return printJSON(cmd.OutOrStdout(), out)
	}
	w := cmd.OutOrStdout()
	if out.BoardID != "" {
		fmt.Fprintf(w, "Board configuration: %s\n", out.BoardID)
	}
	for _, ro := range out.Regions {
		mark := "✓"
		if ro.Status == "failed" || ro.Status == "degraded" {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %-6s %-10s %s\n", mark, ro.Label, ro.Status, formatBytes(ro.Size))
		for i, cp := range ro.Failed {
			fmt.Fprintf(w, "    copy %d: %s\n", cp, ro.Errors[i])
		}
	}
	return nil
}
