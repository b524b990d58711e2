package services

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-fvm/internal/interfaces"
	"github.com/deploymenttheory/go-fvm/internal/parsers/metadata"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

// CheckReport is the outcome of a consistency check of an FVM device.
type CheckReport struct {
	// PrimaryErr / BackupErr hold the per-copy validation failures, nil
	// when the copy deserialized cleanly.
	PrimaryErr error
	BackupErr  error

	// ActiveCopy and Generation describe the authoritative copy.
	ActiveCopy string
	Generation uint64

	TotalSlices     uint64
	AllocatedSlices uint64
	FreeSlices      uint64
	Partitions      int

	// Problems lists metadata invariant violations in the authoritative
	// copy. An empty list means the volume is consistent.
	Problems []string
}

// Ok reports whether the authoritative copy satisfies every invariant.
func (r *CheckReport) Ok() bool {
	return len(r.Problems) == 0
}

// Check validates both metadata copies of the device and then audits the
// authoritative image: slice ownership must point at live partition
// entries, no virtual slice may be backed twice, per-entry slice counts
// must match the allocation table, and the free pool must account for
// every physical slice.
func Check(dev interfaces.BlockDevice) (*CheckReport, error) {
	probe, err := dev.ReadBlocks(0, int64(types.MetadataAlign))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}
	metaSize, err := metadata.PeekMetadataSize(probe)
	if err != nil {
		return nil, err
	}
	primary, err := dev.ReadBlocks(0, int64(metaSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read primary metadata: %w", err)
	}
	backup, err := dev.ReadBlocks(int64(metaSize), int64(metaSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}

	report := &CheckReport{}
	_, report.PrimaryErr = metadata.Deserialize(primary, binary.LittleEndian)
	_, report.BackupErr = metadata.Deserialize(backup, binary.LittleEndian)

	img, copyID, err := metadata.SelectAuthoritative(primary, backup)
	if err != nil {
		return nil, err
	}
	report.ActiveCopy = copyID.String()
	report.Generation = img.Header.Generation
	report.TotalSlices = img.Header.PSliceCount

	audit(img, report)
	return report, nil
}

func audit(img *metadata.Image, report *CheckReport) {
	type vkey struct {
		part   uint16
		vslice uint64
	}
	seen := make(map[vkey]uint64)
	owned := make(map[uint16]uint64)

	for p := uint64(1); p < uint64(len(img.Slices)); p++ {
		e := img.Slices[p]
		if e.IsFree() {
			report.FreeSlices++
			continue
		}
		report.AllocatedSlices++
		part := e.PartitionIndex()
		owned[part]++

		if int(part) >= len(img.Partitions) {
			report.Problems = append(report.Problems,
				fmt.Sprintf("pslice %d owned by out-of-table partition index %d", p, part))
			continue
		}
		if img.Partitions[part].IsFree() {
			report.Problems = append(report.Problems,
				fmt.Sprintf("pslice %d owned by free partition slot %d", p, part))
		}
		if e.VSlice() >= types.MaxVSlices {
			report.Problems = append(report.Problems,
				fmt.Sprintf("pslice %d maps virtual slice %d beyond the address space", p, e.VSlice()))
		}
		k := vkey{part, e.VSlice()}
		if prev, dup := seen[k]; dup {
			report.Problems = append(report.Problems,
				fmt.Sprintf("virtual slice %d of partition %d backed by both pslice %d and %d", e.VSlice(), part, prev, p))
		}
		seen[k] = p
	}

	for i := 1; i < len(img.Partitions); i++ {
		e := &img.Partitions[i]
		if e.IsFree() {
			continue
		}
		report.Partitions++
		if uint64(e.Slices) != owned[uint16(i)] {
			report.Problems = append(report.Problems,
				fmt.Sprintf("partition %d records %d slices but owns %d", i, e.Slices, owned[uint16(i)]))
		}
	}

	if report.FreeSlices+report.AllocatedSlices != report.TotalSlices {
		report.Problems = append(report.Problems,
			fmt.Sprintf("free (%d) + allocated (%d) slices do not cover the %d usable slices", report.FreeSlices, report.AllocatedSlices, report.TotalSlices))
	}
}
