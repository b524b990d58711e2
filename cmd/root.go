package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fvm/internal/device"
	"github.com/deploymenttheory/go-fvm/internal/interfaces"
)

var (
	verbose    bool
	devicePath string
)

var rootCmd = &cobra.Command{
	Use:   "go-fvm",
	Short: "Dynamic slice-allocating volume manager",
	Long: `go-fvm formats and manages FVM-style volumes: a raw block device is
divided into fixed-size slices and carved into independently growable
virtual partitions, with dual-copy crash-consistent metadata.

Commands:
  format      Initialize a device with empty volume metadata
  inspect     Dump the header and partition table
  check       Validate both metadata copies and audit invariants
  partition   Create, extend, shrink, destroy, activate, query partitions`,
	Version: "0.1.0-dev",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&devicePath, "device", "", "path to the device or image file")
}

// openDevice opens the --device argument with the configured block size.
func openDevice() (interfaces.BlockDevice, error) {
	if devicePath == "" {
		return nil, fmt.Errorf("--device is required")
	}
	cfg, err := device.LoadConfig()
	if err != nil {
		return nil, err
	}
	return device.OpenFile(devicePath, cfg)
}

func logVerbose(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
}
