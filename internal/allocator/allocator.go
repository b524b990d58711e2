// Package allocator manages the slice allocation table: the mapping from
// physical slices to (partition, virtual slice) pairs and its reverse.
// All operations are atomic: on failure the table is untouched.
package allocator

import (
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-fvm/internal/types"
)

var (
	// ErrOutOfSpace means fewer free physical slices exist than requested.
	ErrOutOfSpace = errors.New("not enough free slices")

	// ErrAlreadyAllocated means a target virtual slice is already mapped.
	ErrAlreadyAllocated = errors.New("virtual slice already allocated")

	// ErrNotAllocated means a virtual slice in a shrink range is not mapped.
	ErrNotAllocated = errors.New("virtual slice not allocated")

	// ErrOutOfRange means a virtual slice index exceeds the address space.
	ErrOutOfRange = errors.New("virtual slice out of range")
)

// VSliceRange describes a maximal run of virtual slices with uniform
// allocation status starting at a queried offset.
type VSliceRange struct {
	Allocated bool
	Count     uint64
}

// Allocator mutates the slice table of a metadata image in place. The
// reverse virtual-to-physical index is built lazily from the table and is
// never persisted.
type Allocator struct {
	slices  []types.SliceEntry
	free    uint64
	hint    uint64
	reverse map[uint16]map[uint64]uint64
}

// New builds an allocator over the image's slice table. Entry 0 is unused;
// physical slices are 1-indexed.
func New(slices []types.SliceEntry) *Allocator {
	a := &Allocator{
		slices:  slices,
		hint:    1,
		reverse: make(map[uint16]map[uint64]uint64),
	}
	for p := uint64(1); p < uint64(len(slices)); p++ {
		e := slices[p]
		if e.IsFree() {
			a.free++
			continue
		}
		a.index(e.PartitionIndex())[e.VSlice()] = p
	}
	return a
}

func (a *Allocator) index(partition uint16) map[uint64]uint64 {
	m, ok := a.reverse[partition]
	if !ok {
		m = make(map[uint64]uint64)
		a.reverse[partition] = m
	}
	return m
}

// FreeSlices returns the size of the global free pool.
func (a *Allocator) FreeSlices() uint64 {
	return a.free
}

// TotalSlices returns the usable physical slice count.
func (a *Allocator) TotalSlices() uint64 {
	return uint64(len(a.slices)) - 1
}

// PartitionSliceCount returns how many virtual slices the partition has
// allocated.
func (a *Allocator) PartitionSliceCount(partition uint16) uint64 {
	return uint64(len(a.reverse[partition]))
}

// Lookup resolves a partition's virtual slice to its physical slice.
func (a *Allocator) Lookup(partition uint16, vslice uint64) (uint64, bool) {
	p, ok := a.reverse[partition][vslice]
	return p, ok
}

// findFree scans for the next free physical slice starting at the cached
// hint. Returns 0 when the pool is exhausted.
func (a *Allocator) findFree() uint64 {
	n := uint64(len(a.slices))
	for i := uint64(0); i < n-1; i++ {
		p := a.hint + i
		if p >= n {
			p = p - n + 1
		}
		if a.slices[p].IsFree() {
			a.hint = p + 1
			if a.hint >= n {
				a.hint = 1
			}
			return p
		}
	}
	return 0
}

// Extend maps length additional virtual slices starting at vsliceOffset to
// freshly allocated physical slices. Physical placement is arbitrary;
// virtual contiguity is what the partition's client observes. Either all
// length slices are reserved or none are.
func (a *Allocator) Extend(partition uint16, vsliceOffset, length uint64) error {
	if vsliceOffset+length > types.MaxVSlices || vsliceOffset+length < vsliceOffset {
		return fmt.Errorf("%w: [%d, %d) exceeds %d virtual slices", ErrOutOfRange, vsliceOffset, vsliceOffset+length, types.MaxVSlices)
	}
	if length == 0 {
		return nil
	}
	rev := a.index(partition)
	for v := vsliceOffset; v < vsliceOffset+length; v++ {
		if _, ok := rev[v]; ok {
			return fmt.Errorf("%w: partition %d virtual slice %d", ErrAlreadyAllocated, partition, v)
		}
	}
	if a.free < length {
		return fmt.Errorf("%w: want %d, have %d", ErrOutOfSpace, length, a.free)
	}

	for v := vsliceOffset; v < vsliceOffset+length; v++ {
		p := a.findFree()
		a.slices[p] = types.NewSliceEntry(partition, v)
		rev[v] = p
		a.free--
	}
	return nil
}

// Shrink releases the physical slices backing [vsliceOffset,
// vsliceOffset+length). The whole range must be currently allocated; the
// freed slices return to the global pool immediately.
func (a *Allocator) Shrink(partition uint16, vsliceOffset, length uint64) error {
	if vsliceOffset+length > types.MaxVSlices || vsliceOffset+length < vsliceOffset {
		return fmt.Errorf("%w: [%d, %d) exceeds %d virtual slices", ErrOutOfRange, vsliceOffset, vsliceOffset+length, types.MaxVSlices)
	}
	rev := a.index(partition)
	for v := vsliceOffset; v < vsliceOffset+length; v++ {
		if _, ok := rev[v]; !ok {
			return fmt.Errorf("%w: partition %d virtual slice %d", ErrNotAllocated, partition, v)
		}
	}

	for v := vsliceOffset; v < vsliceOffset+length; v++ {
		p := rev[v]
		a.slices[p] = 0
		delete(rev, v)
		a.free++
	}
	return nil
}

// QuerySlices reports, for each start offset, the length of the maximal
// run of uniformly allocated or uniformly free virtual slices beginning
// there, capped at the virtual address space bound.
func (a *Allocator) QuerySlices(partition uint16, starts []uint64) ([]VSliceRange, error) {
	for _, s := range starts {
		if s >= types.MaxVSlices {
			return nil, fmt.Errorf("%w: start %d exceeds %d", ErrOutOfRange, s, types.MaxVSlices)
		}
	}
	// Read-only: a missing partition reads as an empty (nil) map. Callers
	// may hold only a read lock here, so the index must not be mutated.
	rev := a.reverse[partition]
	out := make([]VSliceRange, 0, len(starts))
	for _, s := range starts {
		_, allocated := rev[s]
		count := uint64(1)
		for v := s + 1; v < types.MaxVSlices; v++ {
			if _, ok := rev[v]; ok != allocated {
				break
			}
			count++
		}
		out = append(out, VSliceRange{Allocated: allocated, Count: count})
	}
	return out, nil
}

// Destroy frees every physical slice owned by the partition. Calling it on
// a partition with no slices is a no-op.
func (a *Allocator) Destroy(partition uint16) {
	rev := a.reverse[partition]
	for _, p := range rev {
		a.slices[p] = 0
		a.free++
	}
	delete(a.reverse, partition)
}
