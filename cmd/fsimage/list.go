package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/moffa90/go-fsimage/fsimage"
)

// listEntry is one record in list output.
type listEntry struct {
	Offset int64  `json:"offset"`
	Depth  int    `json:"depth"`
	Type   string `json:"type"`
	Descr  string `json:"descr,omitempty"`
	Size   uint64 `json:"size"`
	Flags  string `json:"flags"`
	CRC    string `json:"crc"`
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list <container>",
		Aliases: []string{"ls"},
		Short:   "Show the record tree of a container",
		Example: `  fsimage list firmware.fs
  fsimage list --json firmware.fs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			entries, err := listContainer(container)
			if err != nil {
				return err
			}
			if getGlobalFlags(cmd).json {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-10s %-10s %-16s %s\n", "OFFSET", "SIZE", "CRC", "RECORD")
			for _, e := range entries {
				name := e.Type
				if e.Descr != "" {
					name += "(" + e.Descr + ")"
				}
				fmt.Fprintf(w, "0x%08X %-10d %-16s %s%s\n", e.Offset, e.Size, e.CRC, strings.Repeat("  ", e.Depth), name)
			}
			return nil
		},
	}
}

func listContainer(container []byte) ([]listEntry, error) {
	entries, err := fsimage.List(container)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("no container records found")
	}
	out := make([]listEntry, 0, len(entries))
	for _, e := range entries {
		rec := container[e.Offset : e.Offset+fsimage.HeaderSize+int64(len(e.Payload))]
		out = append(out, listEntry{
			Offset: e.Offset,
			Depth:  e.Depth,
			Type:   e.Header.TypeString(),
			Descr:  e.Header.Descr(),
			Size:   uint64(e.Header.Size()),
			Flags:  fmt.Sprintf("0x%04X", uint16(e.Header.Flags)),
			CRC:    fsimage.CheckCRC32(rec).String(),
		})
	}
	return out, nil
}
