// Command fsimage inspects firmware containers and saves them to simulated
// NAND and eMMC devices.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fsimage",
		Short: "Firmware container and boot storage tool",
		Long: `fsimage lists, validates and packs firmware containers and stores
them in the redundant boot regions of a device.

The device is described by a YAML file (see --device). Its backing image
file holds the raw NAND or eMMC contents between runs.`,
		Example: `  # Show the record tree of a container
  fsimage list firmware.fs

  # Store a container and read the firmware back
  fsimage save firmware.fs
  fsimage load --out artifacts/

  # Edit the redundant environment
  fsimage env set bootdelay=0`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringP("device", "d", "device.yml", "device description file")
	root.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	root.PersistentFlags().BoolP("quiet", "q", false, "suppress progress output")
	root.PersistentFlags().Bool("json", false, "print results as JSON")

	root.AddCommand(
		newListCommand(),
		newValidateCommand(),
		newPackCommand(),
		newSaveCommand(),
		newLoadCommand(),
		newUBootCommand(),
		newEnvCommand(),
	)
	return root
}

// globalFlags are the persistent flags every command reads.
type globalFlags struct {
	device  string
	verbose bool
	quiet   bool
	json    bool
}

func getGlobalFlags(cmd *cobra.Command) globalFlags {
	flags := cmd.Root().PersistentFlags()
	device, _ := flags.GetString("device")
	verbose, _ := flags.GetBool("verbose")
	quiet, _ := flags.GetBool("quiet")
	asJSON, _ := flags.GetBool("json")
	return globalFlags{device: device, verbose: verbose, quiet: quiet, json: asJSON}
}
