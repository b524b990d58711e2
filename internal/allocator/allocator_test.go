package allocator

import (
	"errors"
	"sync"
	"testing"

	"github.com/deploymenttheory/go-fvm/internal/types"
)

// newTestAllocator builds an allocator over a table with n usable slices.
func newTestAllocator(n int) *Allocator {
	return New(make([]types.SliceEntry, n+1))
}

func TestExtend_MapsRequestedRange(t *testing.T) {
	a := newTestAllocator(16)

	if err := a.Extend(1, 0, 4); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}
	if a.FreeSlices() != 12 {
		t.Errorf("FreeSlices() = %d, want 12", a.FreeSlices())
	}
	if a.PartitionSliceCount(1) != 4 {
		t.Errorf("PartitionSliceCount(1) = %d, want 4", a.PartitionSliceCount(1))
	}
	for v := uint64(0); v < 4; v++ {
		if _, ok := a.Lookup(1, v); !ok {
			t.Errorf("virtual slice %d not mapped after Extend", v)
		}
	}
}

func TestExtend_AlreadyAllocated(t *testing.T) {
	a := newTestAllocator(16)
	if err := a.Extend(1, 0, 4); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}

	err := a.Extend(1, 2, 4)
	if !errors.Is(err, ErrAlreadyAllocated) {
		t.Fatalf("overlapping Extend() = %v, want ErrAlreadyAllocated", err)
	}
	// No partial effect: the non-overlapping part of the range stayed free.
	if a.FreeSlices() != 12 {
		t.Errorf("FreeSlices() = %d after failed Extend, want 12", a.FreeSlices())
	}
	if _, ok := a.Lookup(1, 4); ok {
		t.Error("virtual slice 4 mapped despite failed Extend")
	}
}

func TestExtend_OutOfSpaceIsAtomic(t *testing.T) {
	a := newTestAllocator(8)
	if err := a.Extend(1, 0, 6); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}

	err := a.Extend(2, 0, 3)
	if !errors.Is(err, ErrOutOfSpace) {
		t.Fatalf("Extend() = %v, want ErrOutOfSpace", err)
	}
	if a.FreeSlices() != 2 {
		t.Errorf("FreeSlices() = %d after failed Extend, want 2", a.FreeSlices())
	}
	if a.PartitionSliceCount(2) != 0 {
		t.Errorf("PartitionSliceCount(2) = %d after failed Extend, want 0", a.PartitionSliceCount(2))
	}
}

func TestExtend_OutOfRange(t *testing.T) {
	a := newTestAllocator(8)
	err := a.Extend(1, types.MaxVSlices-1, 2)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Extend() = %v, want ErrOutOfRange", err)
	}
}

func TestShrink_RequiresFullyAllocatedRange(t *testing.T) {
	a := newTestAllocator(16)
	if err := a.Extend(1, 0, 4); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}

	err := a.Shrink(1, 2, 4)
	if !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("Shrink() over a hole = %v, want ErrNotAllocated", err)
	}
	// Nothing was freed.
	if a.PartitionSliceCount(1) != 4 {
		t.Errorf("PartitionSliceCount(1) = %d after failed Shrink, want 4", a.PartitionSliceCount(1))
	}
}

func TestShrink_IsInverseOfExtend(t *testing.T) {
	a := newTestAllocator(32)
	before := a.FreeSlices()

	if err := a.Extend(1, 10, 5); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}
	if err := a.Shrink(1, 10, 5); err != nil {
		t.Fatalf("Shrink() failed: %v", err)
	}

	if a.FreeSlices() != before {
		t.Errorf("FreeSlices() = %d, want pre-Extend value %d", a.FreeSlices(), before)
	}
	ranges, err := a.QuerySlices(1, []uint64{10})
	if err != nil {
		t.Fatalf("QuerySlices() failed: %v", err)
	}
	if ranges[0].Allocated {
		t.Error("QuerySlices reports virtual slice 10 allocated after Shrink")
	}
}

func TestShrink_FreedSlicesServeOtherPartitions(t *testing.T) {
	a := newTestAllocator(4)
	if err := a.Extend(1, 0, 4); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}
	if err := a.Shrink(1, 0, 2); err != nil {
		t.Fatalf("Shrink() failed: %v", err)
	}

	// The global pool is shared: partition 2 can claim the freed slices.
	if err := a.Extend(2, 0, 2); err != nil {
		t.Errorf("Extend() on another partition failed: %v", err)
	}
}

func TestQuerySlices_CoalescesVirtualRuns(t *testing.T) {
	a := newTestAllocator(32)
	if err := a.Extend(1, 0, 10); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}
	if err := a.Shrink(1, 5, 1); err != nil {
		t.Fatalf("Shrink() failed: %v", err)
	}

	ranges, err := a.QuerySlices(1, []uint64{0, 5, 6})
	if err != nil {
		t.Fatalf("QuerySlices() failed: %v", err)
	}
	want := []VSliceRange{
		{Allocated: true, Count: 5},
		{Allocated: false, Count: 1},
		{Allocated: true, Count: 4},
	}
	for i, w := range want {
		if ranges[i] != w {
			t.Errorf("QuerySlices()[%d] = %+v, want %+v", i, ranges[i], w)
		}
	}
}

func TestQuerySlices_IgnoresPhysicalPlacement(t *testing.T) {
	a := newTestAllocator(16)
	// Interleave two partitions so neither is physically contiguous.
	for v := uint64(0); v < 4; v++ {
		if err := a.Extend(1, v, 1); err != nil {
			t.Fatalf("Extend(1, %d, 1) failed: %v", v, err)
		}
		if err := a.Extend(2, v, 1); err != nil {
			t.Fatalf("Extend(2, %d, 1) failed: %v", v, err)
		}
	}

	for _, part := range []uint16{1, 2} {
		ranges, err := a.QuerySlices(part, []uint64{0})
		if err != nil {
			t.Fatalf("QuerySlices() failed: %v", err)
		}
		if !ranges[0].Allocated || ranges[0].Count != 4 {
			t.Errorf("partition %d: QuerySlices()[0] = %+v, want {true 4}", part, ranges[0])
		}
	}
}

func TestQuerySlices_OutOfRange(t *testing.T) {
	a := newTestAllocator(8)
	_, err := a.QuerySlices(1, []uint64{types.MaxVSlices})
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("QuerySlices() = %v, want ErrOutOfRange", err)
	}
}

func TestQuerySlices_DoesNotMutateReverseIndex(t *testing.T) {
	a := newTestAllocator(8)

	// Partition 7 has no slices and no reverse entry. Querying it must
	// not materialize one, or concurrent readers would race on the map.
	if _, err := a.QuerySlices(7, []uint64{0}); err != nil {
		t.Fatalf("QuerySlices() failed: %v", err)
	}
	if _, ok := a.reverse[7]; ok {
		t.Error("QuerySlices() inserted a reverse entry for an empty partition")
	}
}

func TestQuerySlices_ConcurrentReadersOfEmptyPartition(t *testing.T) {
	a := newTestAllocator(8)
	if err := a.Extend(1, 0, 2); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}

	// Starts near the address space bound keep the free runs short.
	starts := []uint64{types.MaxVSlices - 3}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				got, err := a.QuerySlices(42, starts)
				if err != nil {
					t.Errorf("QuerySlices() failed: %v", err)
					return
				}
				if got[0].Allocated || got[0].Count != 3 {
					t.Errorf("QuerySlices() = %+v, want {false 3}", got[0])
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestDestroy_ReturnsSlicesToPool(t *testing.T) {
	a := newTestAllocator(16)
	if err := a.Extend(1, 0, 5); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}
	if err := a.Extend(2, 0, 5); err != nil {
		t.Fatalf("Extend() failed: %v", err)
	}

	a.Destroy(1)
	if a.FreeSlices() != 11 {
		t.Errorf("FreeSlices() = %d after Destroy, want 11", a.FreeSlices())
	}
	if a.PartitionSliceCount(1) != 0 {
		t.Errorf("PartitionSliceCount(1) = %d after Destroy, want 0", a.PartitionSliceCount(1))
	}
	// The other partition is untouched, and a second Destroy is a no-op.
	a.Destroy(1)
	if a.PartitionSliceCount(2) != 5 {
		t.Errorf("PartitionSliceCount(2) = %d, want 5", a.PartitionSliceCount(2))
	}
}

func TestInvariants_ConservationAndNoDoubleAllocation(t *testing.T) {
	slices := make([]types.SliceEntry, 33)
	a := New(slices)

	// Drive the allocator through a mixed workload.
	steps := []func() error{
		func() error { return a.Extend(1, 0, 10) },
		func() error { return a.Extend(2, 0, 8) },
		func() error { return a.Shrink(1, 3, 4) },
		func() error { return a.Extend(3, 100, 6) },
		func() error { a.Destroy(2); return nil },
		func() error { return a.Extend(1, 3, 2) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}

		owned := uint64(0)
		type vkey struct {
			part   uint16
			vslice uint64
		}
		seen := make(map[vkey]bool)
		for p := 1; p < len(slices); p++ {
			e := slices[p]
			if e.IsFree() {
				continue
			}
			owned++
			k := vkey{e.PartitionIndex(), e.VSlice()}
			if seen[k] {
				t.Fatalf("step %d: virtual slice %d of partition %d backed twice", i, e.VSlice(), e.PartitionIndex())
			}
			seen[k] = true
		}
		if owned+a.FreeSlices() != a.TotalSlices() {
			t.Fatalf("step %d: owned %d + free %d != total %d", i, owned, a.FreeSlices(), a.TotalSlices())
		}
	}
}

func TestNew_RebuildsReverseIndex(t *testing.T) {
	slices := make([]types.SliceEntry, 9)
	slices[2] = types.NewSliceEntry(3, 7)
	slices[5] = types.NewSliceEntry(3, 0)

	a := New(slices)
	if a.FreeSlices() != 6 {
		t.Errorf("FreeSlices() = %d, want 6", a.FreeSlices())
	}
	if p, ok := a.Lookup(3, 7); !ok || p != 2 {
		t.Errorf("Lookup(3, 7) = (%d, %t), want (2, true)", p, ok)
	}
	if p, ok := a.Lookup(3, 0); !ok || p != 5 {
		t.Errorf("Lookup(3, 0) = (%d, %t), want (5, true)", p, ok)
	}
}
