package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newUBootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uboot",
		Short: "Save or load the U-Boot region",
	}
	cmd.AddCommand(newUBootSaveCommand(), newUBootLoadCommand())
	return cmd
}

func newUBootSaveCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "save <file>",
		Short: "Store U-Boot in both copies of the U-Boot region",
		Long: `Store U-Boot in both copies of the U-Boot region

The file is either a raw U-Boot binary or a U-BOOT container record. The
board configuration decides whether the record header is kept on the
device.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.view.close()

			report, saveErr := s.eng.SaveUBoot(context.Background(), image, force)
			if report != nil {
				if err := s.persist(); err != nil {
					return err
				}
			}
			if err := s.printSave(cmd, report, saveErr); err != nil {
				return err
			}
			return saveErr
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "rewrite copies that are already up to date")
	return cmd
}

func newUBootLoadCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Read U-Boot from the first good copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.view.close()

			data, err := s.eng.LoadUBoot(context.Background())
			if err != nil {
				return err
			}
			if err := os.WriteFile(output, data, 0o644); err != nil {
				return err
			}
			if s.flags.json {
				return printJSON(cmd.OutOrStdout(), artifactOutput{Name: "uboot", File: output, Size: len(data)})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Wrote %s (%s)\n", output, formatBytes(int64(len(data))))
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "file to write U-Boot to")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}
