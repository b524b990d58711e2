package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fvm/internal/services"
)

var inspectJSON bool

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Dump the volume header and partition table",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := openDevice()
		if err != nil {
			return err
		}
		defer dev.Close()

		vm, err := services.Open(dev)
		if err != nil {
			return err
		}

		info := vm.GetInfo()
		parts := vm.ListPartitions()

		if inspectJSON {
			out := struct {
				Volume     services.VolumeInfo      `json:"volume"`
				Partitions []services.PartitionInfo `json:"partitions"`
			}{info, parts}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		fmt.Printf("Generation:       %d (%s copy active)\n", info.Generation, info.ActiveCopy)
		fmt.Printf("Slice size:       %d bytes\n", info.SliceSize)
		fmt.Printf("Slices:           %d total, %d allocated, %d free\n",
			info.TotalSlices, info.AllocatedSlices, info.FreeSlices)
		fmt.Printf("Partition slots:  %d\n\n", info.MaxPartitions)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "INDEX\tNAME\tSLICES\tSTATE\tINSTANCE\tTYPE")
		for _, p := range parts {
			state := "active"
			if p.Inactive {
				state = "inactive"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
				p.Index, p.Name, p.Slices, state, p.Instance, p.Type)
		}
		return w.Flush()
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "emit JSON instead of a table")
	rootCmd.AddCommand(inspectCmd)
}
