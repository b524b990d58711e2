// Package geometry computes the on-disk layout of an FVM-formatted device
// from its size and the chosen slice size. It performs no I/O.
package geometry

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/deploymenttheory/go-fvm/internal/types"
)

// ErrInvalidArgument reports geometry parameters that cannot describe a
// valid volume.
var ErrInvalidArgument = errors.New("invalid volume geometry argument")

// Layout describes where the metadata copies and the slice data live on
// the device. All offsets and sizes are in bytes.
type Layout struct {
	// SliceSize is the allocation granularity.
	SliceSize uint64

	// MetadataSize is the size of one metadata copy (header + partition
	// table + allocation table), rounded up to types.MetadataAlign.
	MetadataSize uint64

	// PrimaryOffset and BackupOffset locate the two metadata copies.
	PrimaryOffset uint64
	BackupOffset  uint64

	// DataStart is the byte offset of physical slice 1, aligned to
	// SliceSize.
	DataStart uint64

	// PSliceCount is the number of usable physical slices.
	PSliceCount uint64

	// AllocTableEntries is PSliceCount+1: entry 0 is unused so physical
	// slices are 1-indexed.
	AllocTableEntries uint64

	// PartitionTableSize and AllocTableSize are the serialized table sizes.
	PartitionTableSize uint64
	AllocTableSize     uint64

	// MaxPartitions is the partition table capacity including the null
	// entry.
	MaxPartitions uint64
}

// SliceStart returns the byte offset of the given 1-indexed physical slice.
func (l *Layout) SliceStart(pslice uint64) uint64 {
	return l.DataStart + (pslice-1)*l.SliceSize
}

func roundUp(n, align uint64) uint64 {
	return (n + align - 1) / align * align
}

// metadataSize returns the size of one metadata copy holding an allocation
// table for pslices physical slices.
func metadataSize(maxPartitions, pslices uint64) uint64 {
	partTable := maxPartitions * types.PartitionEntrySize
	allocTable := roundUp((pslices+1)*types.SliceEntrySize, types.MetadataAlign)
	return roundUp(types.HeaderSize+partTable+allocTable, types.MetadataAlign)
}

// usableSlices returns how many whole slices fit behind the metadata
// copies for a candidate slice count.
func usableSlices(maxPartitions, diskSize, sliceSize, pslices uint64) uint64 {
	dataStart := roundUp(2*metadataSize(maxPartitions, pslices), sliceSize)
	if dataStart >= diskSize {
		return 0
	}
	return (diskSize - dataStart) / sliceSize
}

// ComputeLayout solves for the largest physical slice count N such that
// both metadata copies sized for N plus N slices fit in diskSizeBytes.
// The allocation table size depends on N itself, so the computation starts
// from the upper bound diskSize/sliceSize and shrinks until it is
// self-consistent.
func ComputeLayout(maxPartitions, diskSizeBytes, sliceSizeBytes uint64) (Layout, error) {
	if sliceSizeBytes == 0 || bits.OnesCount64(sliceSizeBytes) != 1 {
		return Layout{}, fmt.Errorf("%w: slice size %d must be a non-zero power of two", ErrInvalidArgument, sliceSizeBytes)
	}
	if sliceSizeBytes%types.MetadataAlign != 0 && types.MetadataAlign%sliceSizeBytes != 0 {
		return Layout{}, fmt.Errorf("%w: slice size %d incompatible with metadata alignment %d", ErrInvalidArgument, sliceSizeBytes, types.MetadataAlign)
	}
	if maxPartitions < 2 || maxPartitions > types.MaxVPartitions {
		return Layout{}, fmt.Errorf("%w: max partitions %d outside [2, %d]", ErrInvalidArgument, maxPartitions, types.MaxVPartitions)
	}

	pslices := diskSizeBytes / sliceSizeBytes
	for pslices > 0 {
		fit := usableSlices(maxPartitions, diskSizeBytes, sliceSizeBytes, pslices)
		if fit >= pslices {
			break
		}
		// Never shrinks below the true fixed point: metadata sized for a
		// smaller table cannot be larger.
		pslices = fit
	}
	if pslices == 0 {
		return Layout{}, fmt.Errorf("%w: disk of %d bytes too small for metadata plus one %d-byte slice", ErrInvalidArgument, diskSizeBytes, sliceSizeBytes)
	}

	metaSize := metadataSize(maxPartitions, pslices)
	return Layout{
		SliceSize:          sliceSizeBytes,
		MetadataSize:       metaSize,
		PrimaryOffset:      0,
		BackupOffset:       metaSize,
		DataStart:          roundUp(2*metaSize, sliceSizeBytes),
		PSliceCount:        pslices,
		AllocTableEntries:  pslices + 1,
		PartitionTableSize: maxPartitions * types.PartitionEntrySize,
		AllocTableSize:     roundUp((pslices+1)*types.SliceEntrySize, types.MetadataAlign),
		MaxPartitions:      maxPartitions,
	}, nil
}

// LayoutFromHeader reconstructs the layout recorded in a deserialized
// header. Geometry is otherwise derived, not persisted.
func LayoutFromHeader(sliceSize, pslices, partTableSize, allocTableSize uint64) Layout {
	metaSize := roundUp(types.HeaderSize+partTableSize+allocTableSize, types.MetadataAlign)
	return Layout{
		SliceSize:          sliceSize,
		MetadataSize:       metaSize,
		PrimaryOffset:      0,
		BackupOffset:       metaSize,
		DataStart:          roundUp(2*metaSize, sliceSize),
		PSliceCount:        pslices,
		AllocTableEntries:  pslices + 1,
		PartitionTableSize: partTableSize,
		AllocTableSize:     allocTableSize,
		MaxPartitions:      partTableSize / types.PartitionEntrySize,
	}
}
