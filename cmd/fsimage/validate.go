package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moffa90/go-fsimage/fsimage"
)

type validateResult struct {
	File    string `json:"file"`
	Valid   bool   `json:"valid"`
	Records int    `json:"records"`
	Offset  int64  `json:"offset,omitempty"`
	Record  string `json:"record,omitempty"`
	Check   string `json:"check,omitempty"`
	Error   string `json:"error,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var locked bool

	cmd := &cobra.Command{
		Use:   "validate <container>",
		Short: "Check every CRC and signature of a container",
		Long: `Check every CRC and signature of a container

Every record with a stamped CRC is checked, at any depth. With --locked the
BOARD-CFG, DRAM-FW, DRAM-TIMING, ATF and TEE records are refused unless they
can be verified, as a locked device would.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			res := validateContainer(args[0], container, locked)

			if getGlobalFlags(cmd).json {
				if err := printJSON(cmd.OutOrStdout(), res); err != nil {
					return err
				}
			} else if res.Valid {
				fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d records)\n", res.File, res.Records)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "✗ %s is invalid\n", res.File)
				if res.Record != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "  Record: %s at 0x%X\n", res.Record, res.Offset)
					fmt.Fprintf(cmd.OutOrStdout(), "  Check:  %s\n", res.Check)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  Error:  %s\n", res.Error)
			}
			if !res.Valid {
				return fmt.Errorf("validation failed")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&locked, "locked", false, "refuse unverifiable boot chain records")
	return cmd
}

func validateContainer(name string, container []byte, locked bool) validateResult {
	res := validateResult{File: name}
	entries, err := fsimage.List(container)
	if err == nil && len(entries) == 0 {
		err = fmt.Errorf("no container records found")
	}
	if err == nil {
		res.Records = len(entries)
		err = fsimage.Validate(container, fsimage.ValidateOptions{Locked: locked})
	}
	if err == nil {
		res.Valid = true
		return res
	}

	res.Error = err.Error()
	var ve *fsimage.ValidationError
	if errors.As(err, &ve) {
		res.Offset = ve.Offset
		res.Record = ve.Type
		if ve.Descr != "" {
			res.Record += "(" + ve.Descr + ")"
		}
		res.Check = ve.Check
	}
	return res
}
