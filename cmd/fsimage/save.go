package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func newSaveCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "save <container>",
		Short: "Store a container in the boot regions of the device",
		Long: `Store a container in the boot regions of the device

The copy the device did not boot from is written first, then the booted
copy. Regions that already hold the new image are left alone unless
--force is given.`,
		Example: `  fsimage save firmware.fs
  fsimage save --force -d emmc.yml firmware.fs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			container, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			s, err := openSession(cmd)
			if err != nil {
				return err
			}
			defer s.view.close()

			report, saveErr := s.eng.Save(context.Background(), container, force)
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

	cmd.Flags().BoolVarP(&force, "force", "f", false, "rewrite regions that are already up to date")
	return cmd
}
