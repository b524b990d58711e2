package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fvm/internal/services"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate both metadata copies and audit allocation invariants",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openDevice()
		if err != nil {
			return err
		}
		defer dev.Close()

		report, err := services.Check(dev)
		if err != nil {
			return err
		}

		status := func(e error) string {
			if e == nil {
				return "valid"
			}
			return e.Error()
		}
		fmt.Printf("Primary copy:  %s\n", status(report.PrimaryErr))
		fmt.Printf("Backup copy:   %s\n", status(report.BackupErr))
		fmt.Printf("Authoritative: %s copy, generation %d\n", report.ActiveCopy, report.Generation)
		fmt.Printf("Slices:        %d total, %d allocated, %d free\n",
			report.TotalSlices, report.AllocatedSlices, report.FreeSlices)
		fmt.Printf("Partitions:    %d\n", report.Partitions)

		if !report.Ok() {
			for _, p := range report.Problems {
				fmt.Printf("PROBLEM: %s\n", p)
			}
			return fmt.Errorf("volume failed consistency check with %d problems", len(report.Problems))
		}
		fmt.Println("Volume is consistent.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
