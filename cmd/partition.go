package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-fvm/internal/services"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

var (
	partTypeGUID     string
	partInstanceGUID string
	partOldGUID      string
	partName         string
	partSlices       uint64
	partOffset       uint64
	partLength       uint64
	partInactive     bool
)

var partitionCmd = &cobra.Command{
	Use:   "partition",
	Short: "Manage virtual partitions",
}

func withVolume(fn func(vm *services.VolumeManager) error) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	vm, err := services.Open(dev)
	if err != nil {
		return err
	}
	return fn(vm)
}

func instanceFlag() (types.GUID, error) {
	if partInstanceGUID == "" {
		return types.GUID{}, fmt.Errorf("--instance is required")
	}
	return types.GUIDFromString(partInstanceGUID)
}

var partitionAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a partition with an initial slice allocation",
	RunE: func(cmd *cobra.Command, args []string) error {
		typeGUID, err := types.GUIDFromString(partTypeGUID)
		if err != nil {
			return fmt.Errorf("invalid --type: %w", err)
		}
		instance := types.NewGUID()
		if partInstanceGUID != "" {
			if instance, err = types.GUIDFromString(partInstanceGUID); err != nil {
				return fmt.Errorf("invalid --instance: %w", err)
			}
		}
		return withVolume(func(vm *services.VolumeManager) error {
			idx, err := vm.AllocatePartition(typeGUID, instance, partName, partSlices, partInactive)
			if err != nil {
				return err
			}
			logVerbose("allocated table slot %d", idx)
			fmt.Printf("Created partition %q (%s) with %d slices\n", partName, instance, partSlices)
			return nil
		})
	},
}

var partitionExtendCmd = &cobra.Command{
	Use:   "extend",
	Short: "Allocate additional virtual slices to a partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, err := instanceFlag()
		if err != nil {
			return err
		}
		return withVolume(func(vm *services.VolumeManager) error {
			if err := vm.Extend(instance, partOffset, partLength); err != nil {
				return err
			}
			fmt.Printf("Extended %s by %d slices at offset %d\n", instance, partLength, partOffset)
			return nil
		})
	},
}

var partitionShrinkCmd = &cobra.Command{
	Use:   "shrink",
	Short: "Release virtual slices from a partition",
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, err := instanceFlag()
		if err != nil {
			return err
		}
		return withVolume(func(vm *services.VolumeManager) error {
			if err := vm.Shrink(instance, partOffset, partLength); err != nil {
				return err
			}
			fmt.Printf("Shrank %s by %d slices at offset %d\n", instance, partLength, partOffset)
			return nil
		})
	},
}

var partitionDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Free a partition's slices and clear its table slot",
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, err := instanceFlag()
		if err != nil {
			return err
		}
		return withVolume(func(vm *services.VolumeManager) error {
			if err := vm.Destroy(instance); err != nil {
				return err
			}
			fmt.Printf("Destroyed %s\n", instance)
			return nil
		})
	},
}

var partitionActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Atomically activate a partition, replacing an old instance",
	Long: `activate clears the inactive flag of the partition named by --instance.
When --old names a different live partition, it is destroyed in the same
metadata generation, making "install new version, delete old version"
atomic across reboots.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, err := instanceFlag()
		if err != nil {
			return err
		}
		old := instance
		if partOldGUID != "" {
			if old, err = types.GUIDFromString(partOldGUID); err != nil {
				return fmt.Errorf("invalid --old: %w", err)
			}
		}
		return withVolume(func(vm *services.VolumeManager) error {
			if err := vm.Activate(old, instance); err != nil {
				return err
			}
			fmt.Printf("Activated %s\n", instance)
			return nil
		})
	},
}

var partitionQueryCmd = &cobra.Command{
	Use:   "query [start offsets...]",
	Short: "Report allocation runs at the given virtual slice offsets",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		instance, err := instanceFlag()
		if err != nil {
			return err
		}
		starts := make([]uint64, 0, len(args))
		for _, a := range args {
			s, err := strconv.ParseUint(a, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid start offset %q: %w", a, err)
			}
			starts = append(starts, s)
		}
		return withVolume(func(vm *services.VolumeManager) error {
			ranges, err := vm.QuerySlices(instance, starts)
			if err != nil {
				return err
			}
			for i, r := range ranges {
				state := "free"
				if r.Allocated {
					state = "allocated"
				}
				fmt.Printf("vslice %d: %s run of %d\n", starts[i], state, r.Count)
			}
			return nil
		})
	},
}

func init() {
	partitionCmd.PersistentFlags().StringVar(&partInstanceGUID, "instance", "", "partition instance GUID")

	partitionAddCmd.Flags().StringVar(&partTypeGUID, "type", "", "partition type GUID")
	partitionAddCmd.Flags().StringVar(&partName, "name", "", "partition name")
	partitionAddCmd.Flags().Uint64Var(&partSlices, "slices", 1, "initial slice count")
	partitionAddCmd.Flags().BoolVar(&partInactive, "inactive", false, "create as provisional (discarded unless activated)")
	partitionAddCmd.MarkFlagRequired("type")
	partitionAddCmd.MarkFlagRequired("name")

	partitionExtendCmd.Flags().Uint64Var(&partOffset, "offset", 0, "first virtual slice")
	partitionExtendCmd.Flags().Uint64Var(&partLength, "length", 1, "number of slices")
	partitionShrinkCmd.Flags().Uint64Var(&partOffset, "offset", 0, "first virtual slice")
	partitionShrinkCmd.Flags().Uint64Var(&partLength, "length", 1, "number of slices")

	partitionActivateCmd.Flags().StringVar(&partOldGUID, "old", "", "instance GUID of the version to replace")

	partitionCmd.AddCommand(
		partitionAddCmd,
		partitionExtendCmd,
		partitionShrinkCmd,
		partitionDestroyCmd,
		partitionActivateCmd,
		partitionQueryCmd,
	)
	rootCmd.AddCommand(partitionCmd)
}
