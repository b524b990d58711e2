// Package metadata serializes and validates the FVM metadata image: the
// header, the partition table, and the slice allocation table. It also
// selects the authoritative copy between the primary and backup images.
package metadata

import (
	"github.com/deploymenttheory/go-fvm/internal/geometry"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

// Image is the in-memory form of one full metadata copy.
type Image struct {
	Header types.Header

	// Partitions has Header.PartitionTableSize/PartitionEntrySize entries;
	// index 0 is the reserved null partition.
	Partitions []types.PartitionEntry

	// Slices has PSliceCount+1 entries; index 0 is unused so physical
	// slices are 1-indexed.
	Slices []types.SliceEntry
}

// NewImage builds an empty generation-0 image for the given layout.
func NewImage(layout geometry.Layout) *Image {
	return &Image{
		Header: types.Header{
			Magic:              types.Magic,
			MajorVersion:       types.VersionMajor,
			MinorVersion:       types.VersionMinor,
			SliceSize:          layout.SliceSize,
			PSliceCount:        layout.PSliceCount,
			Generation:         0,
			PartitionTableSize: layout.PartitionTableSize,
			AllocTableSize:     layout.AllocTableSize,
		},
		Partitions: make([]types.PartitionEntry, layout.MaxPartitions),
		Slices:     make([]types.SliceEntry, layout.AllocTableEntries),
	}
}

// Layout reconstructs the device layout recorded in the image's header.
func (img *Image) Layout() geometry.Layout {
	return geometry.LayoutFromHeader(
		img.Header.SliceSize,
		img.Header.PSliceCount,
		img.Header.PartitionTableSize,
		img.Header.AllocTableSize,
	)
}

// Clone returns a deep copy, used for rollback snapshots.
func (img *Image) Clone() *Image {
	out := &Image{
		Header:     img.Header,
		Partitions: make([]types.PartitionEntry, len(img.Partitions)),
		Slices:     make([]types.SliceEntry, len(img.Slices)),
	}
	copy(out.Partitions, img.Partitions)
	copy(out.Slices, img.Slices)
	return out
}

// Equal reports whether two images describe identical metadata, ignoring
// the stored hash (which is recomputed on every serialization).
func (img *Image) Equal(other *Image) bool {
	a, b := img.Header, other.Header
	a.Hash, b.Hash = [types.HashLength]byte{}, [types.HashLength]byte{}
	if a != b {
		return false
	}
	if len(img.Partitions) != len(other.Partitions) || len(img.Slices) != len(other.Slices) {
		return false
	}
	for i := range img.Partitions {
		if img.Partitions[i] != other.Partitions[i] {
			return false
		}
	}
	for i := range img.Slices {
		if img.Slices[i] != other.Slices[i] {
			return false
		}
	}
	return true
}
