package services

import (
	"fmt"

	"github.com/deploymenttheory/go-fvm/internal/types"
)

// PartitionDevice presents one partition as a virtual block device:
// reads and writes at virtual byte offsets are translated through the
// partition's virtual-to-physical slice map. Slice data I/O never touches
// the metadata copies, so it only takes the manager's read lock.
type PartitionDevice struct {
	vm       *VolumeManager
	instance types.GUID
}

// PartitionDeviceInfo is the block geometry a filesystem client sees.
type PartitionDeviceInfo struct {
	BlockSize  uint32
	BlockCount uint64
}

// OpenPartition returns a virtual block device for the partition.
func (vm *VolumeManager) OpenPartition(instance types.GUID) (*PartitionDevice, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()
	if _, ok := vm.parts.Lookup(instance); !ok {
		return nil, fmt.Errorf("cannot open partition %s: not found", instance)
	}
	return &PartitionDevice{vm: vm, instance: instance}, nil
}

// GetInfo returns the device geometry: the underlying block size and the
// capacity implied by the allocated virtual slices.
func (d *PartitionDevice) GetInfo() (PartitionDeviceInfo, error) {
	d.vm.mu.RLock()
	defer d.vm.mu.RUnlock()

	idx, ok := d.vm.parts.Lookup(d.instance)
	if !ok {
		return PartitionDeviceInfo{}, fmt.Errorf("partition %s no longer exists", d.instance)
	}
	bs := d.vm.dev.BlockSize()
	slices := d.vm.alloc.PartitionSliceCount(idx)
	return PartitionDeviceInfo{
		BlockSize:  bs,
		BlockCount: slices * d.vm.layout.SliceSize / uint64(bs),
	}, nil
}

// ReadAt reads len(p) bytes at the virtual byte offset off. The range must
// be block aligned and fully backed by allocated slices.
func (d *PartitionDevice) ReadAt(p []byte, off int64) (int, error) {
	return d.transfer(p, off, false)
}

// WriteAt writes len(p) bytes at the virtual byte offset off, under the
// same alignment and allocation requirements as ReadAt.
func (d *PartitionDevice) WriteAt(p []byte, off int64) (int, error) {
	return d.transfer(p, off, true)
}

func (d *PartitionDevice) transfer(p []byte, off int64, write bool) (int, error) {
	d.vm.mu.RLock()
	defer d.vm.mu.RUnlock()

	idx, ok := d.vm.parts.Lookup(d.instance)
	if !ok {
		return 0, fmt.Errorf("partition %s no longer exists", d.instance)
	}
	bs := int64(d.vm.dev.BlockSize())
	if off < 0 || off%bs != 0 || int64(len(p))%bs != 0 {
		return 0, fmt.Errorf("offset %d / length %d not multiples of block size %d", off, len(p), bs)
	}

	sliceSize := int64(d.vm.layout.SliceSize)
	done := 0
	for done < len(p) {
		cur := off + int64(done)
		vslice := uint64(cur / sliceSize)
		within := cur % sliceSize

		chunk := int(sliceSize - within)
		if remaining := len(p) - done; chunk > remaining {
			chunk = remaining
		}

		pslice, ok := d.vm.alloc.Lookup(idx, vslice)
		if !ok {
			return done, fmt.Errorf("virtual slice %d of partition %s is not allocated", vslice, d.instance)
		}
		phys := int64(d.vm.layout.SliceStart(pslice)) + within

		if write {
			if err := d.vm.dev.WriteBlocks(phys, p[done:done+chunk]); err != nil {
				return done, err
			}
		} else {
			buf, err := d.vm.dev.ReadBlocks(phys, int64(chunk))
			if err != nil {
				return done, err
			}
			copy(p[done:], buf)
		}
		done += chunk
	}
	return done, nil
}
