// Package partition manages the partition table: slot allocation, the
// active/inactive upgrade protocol, and destruction. Slice accounting is
// delegated to the slice allocator.
package partition

import (
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-fvm/internal/allocator"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

var (
	// ErrTableFull means no free partition table slot remains.
	ErrTableFull = errors.New("partition table full")

	// ErrDuplicateInstanceGUID means an active entry already carries the
	// requested instance GUID.
	ErrDuplicateInstanceGUID = errors.New("instance GUID already in use")

	// ErrNotFound means no entry matches the given instance GUID.
	ErrNotFound = errors.New("partition not found")
)

// Manager mutates the partition table of a metadata image in place.
type Manager struct {
	entries []types.PartitionEntry
	alloc   *allocator.Allocator
}

// NewManager builds a manager over the image's partition table. Entry 0 is
// the reserved null partition.
func NewManager(entries []types.PartitionEntry, alloc *allocator.Allocator) *Manager {
	return &Manager{entries: entries, alloc: alloc}
}

// Lookup returns the table index of the entry with the given instance
// GUID.
func (m *Manager) Lookup(instance types.GUID) (uint16, bool) {
	if instance.IsNil() {
		return 0, false
	}
	for i := 1; i < len(m.entries); i++ {
		if m.entries[i].Instance == instance {
			return uint16(i), true
		}
	}
	return 0, false
}

// Get returns the entry at index, or false for the null slot, a free slot,
// or an index past the table.
func (m *Manager) Get(index uint16) (*types.PartitionEntry, bool) {
	if index == 0 || int(index) >= len(m.entries) || m.entries[index].IsFree() {
		return nil, false
	}
	return &m.entries[index], true
}

// Live returns the indices of all occupied slots in table order.
func (m *Manager) Live() []uint16 {
	var out []uint16
	for i := 1; i < len(m.entries); i++ {
		if !m.entries[i].IsFree() {
			out = append(out, uint16(i))
		}
	}
	return out
}

// Allocate claims a free slot, reserves initialSlices virtual slices at
// offsets [0, initialSlices), and marks the entry active or inactive.
// Nothing is modified on failure.
func (m *Manager) Allocate(typeGUID, instanceGUID types.GUID, name string, initialSlices uint64, inactive bool) (uint16, error) {
	if instanceGUID.IsNil() {
		return 0, fmt.Errorf("instance GUID must not be nil")
	}
	if _, exists := m.Lookup(instanceGUID); exists {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateInstanceGUID, instanceGUID)
	}

	slot := uint16(0)
	for i := 1; i < len(m.entries); i++ {
		if m.entries[i].IsFree() {
			slot = uint16(i)
			break
		}
	}
	if slot == 0 {
		return 0, fmt.Errorf("%w: all %d slots occupied", ErrTableFull, len(m.entries)-1)
	}

	if err := m.alloc.Extend(slot, 0, initialSlices); err != nil {
		return 0, err
	}

	e := &m.entries[slot]
	e.Type = typeGUID
	e.Instance = instanceGUID
	e.Slices = uint32(initialSlices)
	e.SetName(name)
	e.SetInactive(inactive)
	return slot, nil
}

// Activate marks the entry with newInstance as active and, when an entry
// with oldInstance exists and is a different slot, destroys it. A missing
// old entry is not an error: the previous version may already be gone and
// upgrade retries must succeed. When oldInstance equals newInstance the
// call only clears the inactive flag.
func (m *Manager) Activate(oldInstance, newInstance types.GUID) error {
	newSlot, ok := m.Lookup(newInstance)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, newInstance)
	}

	m.entries[newSlot].SetInactive(false)

	if oldInstance == newInstance {
		return nil
	}
	if oldSlot, ok := m.Lookup(oldInstance); ok {
		m.destroySlot(oldSlot)
	}
	return nil
}

// Destroy frees the partition's slices and clears its slot.
func (m *Manager) Destroy(instance types.GUID) error {
	slot, ok := m.Lookup(instance)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, instance)
	}
	m.destroySlot(slot)
	return nil
}

func (m *Manager) destroySlot(slot uint16) {
	m.alloc.Destroy(slot)
	m.entries[slot].Clear()
}

// ReapInactive destroys every entry still flagged inactive. It runs at
// load time, before the table serves requests: provisional partitions that
// were never activated do not survive a reload. Returns how many entries
// were discarded.
func (m *Manager) ReapInactive() int {
	reaped := 0
	for i := 1; i < len(m.entries); i++ {
		if !m.entries[i].IsFree() && m.entries[i].IsInactive() {
			m.destroySlot(uint16(i))
			reaped++
		}
	}
	return reaped
}
