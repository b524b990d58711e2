package services

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-fvm/internal/allocator"
	"github.com/deploymenttheory/go-fvm/internal/device"
	"github.com/deploymenttheory/go-fvm/internal/partition"
	"github.com/deploymenttheory/go-fvm/internal/persist"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

const (
	testDiskSize  = 64 << 20
	testSliceSize = 1 << 20
	testBlockSize = 512
)

var minfsType = types.GUID{0x01, 0x02}

func newTestVolume(t *testing.T) (*device.MemDevice, *VolumeManager) {
	t.Helper()
	dev, err := device.NewMemDevice(testDiskSize, testBlockSize)
	require.NoError(t, err, "failed to create memory device")

	vm, err := Format(dev, testSliceSize, types.MaxVPartitions)
	require.NoError(t, err, "failed to format volume")
	return dev, vm
}

func readMetadata(t *testing.T, dev *device.MemDevice, vm *VolumeManager) []byte {
	t.Helper()
	raw, err := dev.ReadBlocks(0, int64(2*vm.Layout().MetadataSize))
	require.NoError(t, err, "failed to read metadata region")
	return raw
}

func TestEndToEndScenario(t *testing.T) {
	// 64 MiB device with 1 MiB slices: 64 slices minus metadata overhead.
	dev, vm := newTestVolume(t)

	info := vm.GetInfo()
	assert.Equal(t, uint64(63), info.TotalSlices, "two metadata copies displace one slice")
	assert.Equal(t, info.TotalSlices, info.FreeSlices, "fresh volume should be all free")
	preAlloc := info.FreeSlices

	inst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, inst, "minfs", 1, false)
	require.NoError(t, err, "failed to allocate partition")

	require.NoError(t, vm.Extend(inst, 1, 2), "failed to extend partition")

	ranges, err := vm.QuerySlices(inst, []uint64{0})
	require.NoError(t, err, "failed to query slices")
	assert.Equal(t, allocator.VSliceRange{Allocated: true, Count: 3}, ranges[0],
		"initial slice plus two extended slices should coalesce")

	pinfo, err := vm.GetPartitionInfo(inst)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), pinfo.Slices)

	require.NoError(t, vm.Destroy(inst), "failed to destroy partition")
	assert.Equal(t, preAlloc, vm.GetInfo().FreeSlices, "free pool should return to the pre-allocation maximum")

	report, err := Check(dev)
	require.NoError(t, err, "consistency check errored")
	assert.True(t, report.Ok(), "volume inconsistent after scenario: %v", report.Problems)
}

func TestConcurrentReadsDuringMutations(t *testing.T) {
	_, vm := newTestVolume(t)

	busy := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, busy, "busy", 4, false)
	require.NoError(t, err, "failed to allocate busy partition")

	// A partition that never gains a slice exercises the read paths that
	// see no allocation state at all.
	empty := types.NewGUID()
	_, err = vm.AllocatePartition(minfsType, empty, "empty", 0, false)
	require.NoError(t, err, "failed to allocate empty partition")

	done := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := vm.QuerySlices(empty, []uint64{types.MaxVSlices - 1}); err != nil {
					t.Errorf("QuerySlices(empty) failed: %v", err)
					return
				}
				ranges, err := vm.QuerySlices(busy, []uint64{0})
				if err != nil {
					t.Errorf("QuerySlices(busy) failed: %v", err)
					return
				}
				// The base slices never move; the run only grows.
				if !ranges[0].Allocated || ranges[0].Count < 4 {
					t.Errorf("QuerySlices(busy) = %+v, want an allocated run of at least 4", ranges[0])
					return
				}
				vm.GetInfo()
				if _, err := vm.GetPartitionInfo(busy); err != nil {
					t.Errorf("GetPartitionInfo() failed: %v", err)
					return
				}
			}
		}()
	}

	for i := 0; i < 25; i++ {
		require.NoError(t, vm.Extend(busy, 4, 4), "Extend() failed on iteration %d", i)
		require.NoError(t, vm.Shrink(busy, 4, 4), "Shrink() failed on iteration %d", i)
	}
	close(done)
	wg.Wait()

	ranges, err := vm.QuerySlices(busy, []uint64{0})
	require.NoError(t, err)
	assert.Equal(t, allocator.VSliceRange{Allocated: true, Count: 4}, ranges[0])
}

func TestMutationsPersistAcrossReload(t *testing.T) {
	dev, vm := newTestVolume(t)

	inst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, inst, "minfs", 2, false)
	require.NoError(t, err)
	require.NoError(t, vm.Extend(inst, 5, 3))

	reloaded, err := Open(dev)
	require.NoError(t, err, "failed to reload volume")

	pinfo, err := reloaded.GetPartitionInfo(inst)
	require.NoError(t, err, "partition missing after reload")
	assert.Equal(t, uint64(5), pinfo.Slices)
	assert.Equal(t, "minfs", pinfo.Name)

	ranges, err := reloaded.QuerySlices(inst, []uint64{0, 2, 5})
	require.NoError(t, err)
	assert.Equal(t, allocator.VSliceRange{Allocated: true, Count: 2}, ranges[0])
	assert.Equal(t, allocator.VSliceRange{Allocated: false, Count: 3}, ranges[1])
	assert.Equal(t, allocator.VSliceRange{Allocated: true, Count: 3}, ranges[2])
}

func TestActivate_NotFoundLeavesMetadataUntouched(t *testing.T) {
	dev, vm := newTestVolume(t)

	inst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, inst, "minfs", 1, false)
	require.NoError(t, err)

	before := readMetadata(t, dev, vm)
	gen := vm.GetInfo().Generation

	err = vm.Activate(inst, types.NewGUID())
	require.ErrorIs(t, err, partition.ErrNotFound, "activating an absent instance should fail")

	after := readMetadata(t, dev, vm)
	assert.Equal(t, before, after, "failed Activate must not touch the on-disk metadata")
	assert.Equal(t, gen, vm.GetInfo().Generation, "failed Activate must not bump the generation")
}

func TestActivate_UpgradeReplacesOldVersion(t *testing.T) {
	dev, vm := newTestVolume(t)

	oldInst := types.NewGUID()
	newInst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, oldInst, "minfs", 4, false)
	require.NoError(t, err)
	_, err = vm.AllocatePartition(minfsType, newInst, "minfs-v2", 2, true)
	require.NoError(t, err)

	require.NoError(t, vm.Activate(oldInst, newInst), "upgrade activation failed")

	_, err = vm.GetPartitionInfo(oldInst)
	assert.ErrorIs(t, err, partition.ErrNotFound, "old version should be destroyed")

	pinfo, err := vm.GetPartitionInfo(newInst)
	require.NoError(t, err)
	assert.False(t, pinfo.Inactive, "new version should be active")

	// Both effects landed in one generation: a reload sees the same state.
	reloaded, err := Open(dev)
	require.NoError(t, err)
	_, err = reloaded.GetPartitionInfo(oldInst)
	assert.ErrorIs(t, err, partition.ErrNotFound)
	_, err = reloaded.GetPartitionInfo(newInst)
	assert.NoError(t, err)
}

func TestOpen_DiscardsUnactivatedInactivePartitions(t *testing.T) {
	dev, vm := newTestVolume(t)

	liveInst := types.NewGUID()
	staleInst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, liveInst, "live", 2, false)
	require.NoError(t, err)
	_, err = vm.AllocatePartition(minfsType, staleInst, "stale", 3, true)
	require.NoError(t, err)

	free := vm.GetInfo().FreeSlices

	reloaded, err := Open(dev)
	require.NoError(t, err)

	_, err = reloaded.GetPartitionInfo(staleInst)
	assert.ErrorIs(t, err, partition.ErrNotFound, "inactive partition should not survive a reload")
	_, err = reloaded.GetPartitionInfo(liveInst)
	assert.NoError(t, err, "active partition must survive a reload")
	assert.Equal(t, free+3, reloaded.GetInfo().FreeSlices, "the stale partition's slices should be reclaimed")
}

func TestCommitFailureRollsBackServiceState(t *testing.T) {
	dev, vm := newTestVolume(t)

	inst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, inst, "minfs", 1, false)
	require.NoError(t, err)
	free := vm.GetInfo().FreeSlices

	// The next commit targets the primary slot (format wrote both, the
	// first mutation ping-ponged to the backup).
	dev.FailWritesAt(0)
	err = vm.Extend(inst, 1, 2)
	require.ErrorIs(t, err, persist.ErrCommitFailed, "extend should surface the device failure")
	dev.FailWritesAt(-1)

	assert.Equal(t, free, vm.GetInfo().FreeSlices, "failed commit must not leak slices")
	ranges, err := vm.QuerySlices(inst, []uint64{1})
	require.NoError(t, err)
	assert.False(t, ranges[0].Allocated, "rolled-back extend must not remain visible")

	// The volume stays usable and a retry succeeds.
	require.NoError(t, vm.Extend(inst, 1, 2), "retry after device recovery failed")

	report, err := Check(dev)
	require.NoError(t, err)
	assert.True(t, report.Ok(), "volume inconsistent after rollback: %v", report.Problems)
}

func TestAllocatePartition_SurfacesCapacityErrors(t *testing.T) {
	_, vm := newTestVolume(t)

	inst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, inst, "huge", 1000, false)
	assert.ErrorIs(t, err, allocator.ErrOutOfSpace)

	_, err = vm.AllocatePartition(minfsType, inst, "ok", 1, false)
	require.NoError(t, err, "capacity failure should leave the table usable")
	_, err = vm.AllocatePartition(minfsType, inst, "dup", 1, false)
	assert.ErrorIs(t, err, partition.ErrDuplicateInstanceGUID)
}

func TestCheck_DetectsCorruption(t *testing.T) {
	dev, vm := newTestVolume(t)

	inst := types.NewGUID()
	_, err := vm.AllocatePartition(minfsType, inst, "minfs", 2, false)
	require.NoError(t, err)

	report, err := Check(dev)
	require.NoError(t, err)
	assert.True(t, report.Ok())
	assert.Equal(t, 1, report.Partitions)
	assert.Equal(t, uint64(2), report.AllocatedSlices)

	// Corrupt the non-authoritative (primary) copy: check still succeeds
	// from the backup but reports the bad copy.
	raw, err := dev.ReadBlocks(0, testBlockSize)
	require.NoError(t, err)
	raw[types.HeaderOffGeneration] ^= 0xFF
	require.NoError(t, dev.WriteBlocks(0, raw))

	report, err = Check(dev)
	require.NoError(t, err)
	assert.Error(t, report.PrimaryErr, "tampered primary should fail validation")
	assert.NoError(t, report.BackupErr)
	assert.Equal(t, "backup", report.ActiveCopy)
}
