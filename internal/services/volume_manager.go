// Package services exposes the external-facing volume manager: request
// validation, serialization of concurrent callers, and delegation to the
// allocator, partition table, and persistence engine.
package services

import (
	"fmt"
	"sync"

	"github.com/deploymenttheory/go-fvm/internal/allocator"
	"github.com/deploymenttheory/go-fvm/internal/geometry"
	"github.com/deploymenttheory/go-fvm/internal/interfaces"
	"github.com/deploymenttheory/go-fvm/internal/parsers/metadata"
	"github.com/deploymenttheory/go-fvm/internal/partition"
	"github.com/deploymenttheory/go-fvm/internal/persist"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

// VolumeManager serializes every mutating operation against the shared
// metadata image and its on-disk commit behind one lock. Read-only
// operations take the read side and observe a consistent snapshot.
type VolumeManager struct {
	mu     sync.RWMutex
	dev    interfaces.BlockDevice
	layout geometry.Layout
	img    *metadata.Image
	alloc  *allocator.Allocator
	parts  *partition.Manager
	engine *persist.Engine
}

// VolumeInfo summarizes the whole volume.
type VolumeInfo struct {
	SliceSize       uint64
	TotalSlices     uint64
	AllocatedSlices uint64
	FreeSlices      uint64
	Generation      uint64
	ActiveCopy      string
	MaxPartitions   uint64
}

// PartitionInfo summarizes one partition.
type PartitionInfo struct {
	Index    uint16
	Type     types.GUID
	Instance types.GUID
	Name     string
	Slices   uint64
	Inactive bool
}

// Format initializes the device with empty generation-1 metadata in both
// copies and returns a manager serving it.
func Format(dev interfaces.BlockDevice, sliceSize, maxPartitions uint64) (*VolumeManager, error) {
	diskSize := dev.BlockCount() * uint64(dev.BlockSize())
	layout, err := geometry.ComputeLayout(maxPartitions, diskSize, sliceSize)
	if err != nil {
		return nil, err
	}
	engine, img, err := persist.NewFormatted(dev, layout)
	if err != nil {
		return nil, err
	}
	return newManager(dev, layout, img, engine)
}

// Open loads the authoritative metadata copy from the device and resumes
// serving requests. Partitions still flagged inactive were never
// activated; they are discarded, and the purge is committed so both sides
// of a subsequent upgrade see the same table.
func Open(dev interfaces.BlockDevice) (*VolumeManager, error) {
	engine, img, err := persist.Load(dev)
	if err != nil {
		return nil, err
	}
	vm, err := newManager(dev, img.Layout(), img, engine)
	if err != nil {
		return nil, err
	}
	if reaped := vm.parts.ReapInactive(); reaped > 0 {
		vm.syncSliceCounts()
		if err := vm.engine.Commit(vm.img); err != nil {
			vm.rebuild()
			return nil, err
		}
	}
	return vm, nil
}

func newManager(dev interfaces.BlockDevice, layout geometry.Layout, img *metadata.Image, engine *persist.Engine) (*VolumeManager, error) {
	diskSize := dev.BlockCount() * uint64(dev.BlockSize())
	if layout.DataStart+layout.PSliceCount*layout.SliceSize > diskSize {
		return nil, fmt.Errorf("metadata describes %d slices but the device holds only %d bytes", layout.PSliceCount, diskSize)
	}
	vm := &VolumeManager{
		dev:    dev,
		layout: layout,
		img:    img,
		engine: engine,
	}
	vm.rebuild()
	return vm, nil
}

// rebuild reconstructs the derived in-memory structures from the image,
// after load and after a rolled-back commit.
func (vm *VolumeManager) rebuild() {
	vm.alloc = allocator.New(vm.img.Slices)
	vm.parts = partition.NewManager(vm.img.Partitions, vm.alloc)
}

// syncSliceCounts refreshes each live entry's persisted slice count from
// the allocator before serialization.
func (vm *VolumeManager) syncSliceCounts() {
	for _, idx := range vm.parts.Live() {
		vm.img.Partitions[idx].Slices = uint32(vm.alloc.PartitionSliceCount(idx))
	}
}

// commit persists the mutated image as the next generation. A failed
// commit has already rolled the image back; the derived structures are
// rebuilt to match.
func (vm *VolumeManager) commit() error {
	vm.syncSliceCounts()
	if err := vm.engine.Commit(vm.img); err != nil {
		vm.rebuild()
		return err
	}
	return nil
}

// AllocatePartition creates a partition with initialSlices virtual slices
// at offsets [0, initialSlices) and persists the new generation.
func (vm *VolumeManager) AllocatePartition(typeGUID, instanceGUID types.GUID, name string, initialSlices uint64, inactive bool) (uint16, error) {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	idx, err := vm.parts.Allocate(typeGUID, instanceGUID, name, initialSlices, inactive)
	if err != nil {
		return 0, err
	}
	if err := vm.commit(); err != nil {
		return 0, err
	}
	return idx, nil
}

// Extend grows the partition by length virtual slices at vsliceOffset.
func (vm *VolumeManager) Extend(instance types.GUID, vsliceOffset, length uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	idx, ok := vm.parts.Lookup(instance)
	if !ok {
		return fmt.Errorf("%w: %s", partition.ErrNotFound, instance)
	}
	if err := vm.alloc.Extend(idx, vsliceOffset, length); err != nil {
		return err
	}
	return vm.commit()
}

// Shrink releases [vsliceOffset, vsliceOffset+length) from the partition.
func (vm *VolumeManager) Shrink(instance types.GUID, vsliceOffset, length uint64) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	idx, ok := vm.parts.Lookup(instance)
	if !ok {
		return fmt.Errorf("%w: %s", partition.ErrNotFound, instance)
	}
	if err := vm.alloc.Shrink(idx, vsliceOffset, length); err != nil {
		return err
	}
	return vm.commit()
}

// Destroy frees all of the partition's slices and clears its table slot.
func (vm *VolumeManager) Destroy(instance types.GUID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.parts.Destroy(instance); err != nil {
		return err
	}
	return vm.commit()
}

// Activate flips the partition with newInstance to active and destroys the
// distinct partition with oldInstance if one exists. Both effects land in
// the same generation, so the intermediate state is never observable on
// disk.
func (vm *VolumeManager) Activate(oldInstance, newInstance types.GUID) error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if err := vm.parts.Activate(oldInstance, newInstance); err != nil {
		return err
	}
	return vm.commit()
}

// QuerySlices reports allocation runs for each virtual start offset.
func (vm *VolumeManager) QuerySlices(instance types.GUID, starts []uint64) ([]allocator.VSliceRange, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	idx, ok := vm.parts.Lookup(instance)
	if !ok {
		return nil, fmt.Errorf("%w: %s", partition.ErrNotFound, instance)
	}
	return vm.alloc.QuerySlices(idx, starts)
}

// GetInfo returns a snapshot of volume-level counters.
func (vm *VolumeManager) GetInfo() VolumeInfo {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	free := vm.alloc.FreeSlices()
	total := vm.alloc.TotalSlices()
	return VolumeInfo{
		SliceSize:       vm.layout.SliceSize,
		TotalSlices:     total,
		AllocatedSlices: total - free,
		FreeSlices:      free,
		Generation:      vm.img.Header.Generation,
		ActiveCopy:      vm.engine.Active().String(),
		MaxPartitions:   vm.layout.MaxPartitions - 1,
	}
}

// GetPartitionInfo returns a snapshot of one partition's entry.
func (vm *VolumeManager) GetPartitionInfo(instance types.GUID) (PartitionInfo, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	idx, ok := vm.parts.Lookup(instance)
	if !ok {
		return PartitionInfo{}, fmt.Errorf("%w: %s", partition.ErrNotFound, instance)
	}
	e := vm.img.Partitions[idx]
	return PartitionInfo{
		Index:    idx,
		Type:     e.Type,
		Instance: e.Instance,
		Name:     e.NameString(),
		Slices:   vm.alloc.PartitionSliceCount(idx),
		Inactive: e.IsInactive(),
	}, nil
}

// ListPartitions returns snapshots of every live partition in table order.
func (vm *VolumeManager) ListPartitions() []PartitionInfo {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	var out []PartitionInfo
	for _, idx := range vm.parts.Live() {
		e := vm.img.Partitions[idx]
		out = append(out, PartitionInfo{
			Index:    idx,
			Type:     e.Type,
			Instance: e.Instance,
			Name:     e.NameString(),
			Slices:   vm.alloc.PartitionSliceCount(idx),
			Inactive: e.IsInactive(),
		})
	}
	return out
}

// Layout returns the computed device layout.
func (vm *VolumeManager) Layout() geometry.Layout {
	return vm.layout
}
