// Package types implements the on-disk data structures of the FVM
// (Fuchsia Volume Manager) partition format.
package types

import (
	"github.com/google/uuid"
)

// Magic identifies an FVM-formatted device ("FVM PART" little-endian).
const Magic uint64 = 0x54524150204D5646

// Format version understood by this implementation. A major version
// mismatch makes a metadata copy unusable; minor versions are
// forward-compatible.
const (
	VersionMajor uint32 = 1
	VersionMinor uint32 = 0
)

const (
	// HeaderSize is the reserved on-disk size of the header, including
	// padding. The serialized fields occupy the first HeaderUsedSize bytes.
	HeaderSize = 512

	// HeaderUsedSize is the number of header bytes actually populated.
	HeaderUsedSize = 88

	// MaxVPartitions is the number of partition table slots, including the
	// reserved null entry at index 0.
	MaxVPartitions = 1024

	// MaxUsablePartitions excludes the null entry.
	MaxUsablePartitions = MaxVPartitions - 1

	// MaxVSlices bounds the virtual slice address space of one partition.
	MaxVSlices uint64 = 1 << 20

	// PartitionEntrySize is the on-disk size of one partition table entry.
	PartitionEntrySize = 64

	// PartitionNameLength is the fixed, NUL-padded name field size.
	PartitionNameLength = 24

	// SliceEntrySize is the on-disk size of one allocation table entry.
	SliceEntrySize = 8

	// MetadataAlign is the alignment of each metadata copy. Every block
	// size the device layer accepts divides it.
	MetadataAlign = 4096
)

// Header field offsets within a serialized metadata copy.
const (
	HeaderOffMagic          = 0
	HeaderOffMajorVersion   = 8
	HeaderOffMinorVersion   = 12
	HeaderOffSliceSize      = 16
	HeaderOffPSliceCount    = 24
	HeaderOffGeneration     = 32
	HeaderOffPartTableSize  = 40
	HeaderOffAllocTableSize = 48
	HeaderOffHash           = 56
	HashLength              = 32
)

// GUID is a 16-byte identifier for partition types and instances.
// The all-zero value marks a free partition table slot.
type GUID [16]byte

// NilGUID is the zero GUID.
var NilGUID GUID

// GUIDFromString parses the canonical xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
// form.
func GUIDFromString(s string) (GUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return GUID{}, err
	}
	return GUID(u), nil
}

// NewGUID returns a random (version 4) GUID.
func NewGUID() GUID {
	return GUID(uuid.New())
}

// IsNil reports whether the GUID is all zero.
func (g GUID) IsNil() bool {
	return g == NilGUID
}

// String formats the GUID in canonical UUID form.
func (g GUID) String() string {
	return uuid.UUID(g).String()
}

// MarshalText renders the GUID in canonical form for JSON and text output.
func (g GUID) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText parses the canonical form.
func (g *GUID) UnmarshalText(text []byte) error {
	u, err := uuid.ParseBytes(text)
	if err != nil {
		return err
	}
	*g = GUID(u)
	return nil
}

// Header is the fixed-size record at the start of each metadata copy.
type Header struct {
	Magic        uint64
	MajorVersion uint32
	MinorVersion uint32

	// SliceSize is the allocation granularity in bytes; always a power of
	// two.
	SliceSize uint64

	// PSliceCount is the number of usable physical slices on the device.
	PSliceCount uint64

	// Generation increases by one on every persisted update and selects
	// the authoritative metadata copy at load time.
	Generation uint64

	// PartitionTableSize and AllocTableSize record the serialized table
	// sizes in bytes so readers do not have to re-derive the geometry.
	PartitionTableSize uint64
	AllocTableSize     uint64

	// Hash is the SHA-256 of the whole metadata copy with this field
	// zeroed.
	Hash [HashLength]byte
}

// MetadataSize returns the size in bytes of one serialized metadata copy,
// including the zero padding up to MetadataAlign.
func (h *Header) MetadataSize() uint64 {
	size := HeaderSize + h.PartitionTableSize + h.AllocTableSize
	return (size + MetadataAlign - 1) / MetadataAlign * MetadataAlign
}

// Partition entry flag bits.
const (
	// PartitionFlagInactive marks a provisional entry that is discarded on
	// the next load unless activated first.
	PartitionFlagInactive uint32 = 1 << 0
)

// PartitionEntry is one slot of the partition table. Slot 0 is the
// reserved null partition and is never allocated.
type PartitionEntry struct {
	Type     GUID
	Instance GUID

	// Slices is the number of virtual slices currently allocated to the
	// partition.
	Slices uint32

	Flags uint32

	// Name is NUL-padded UTF-8.
	Name [PartitionNameLength]byte
}

// IsFree reports whether the slot is unoccupied.
func (e *PartitionEntry) IsFree() bool {
	return e.Instance.IsNil()
}

// IsInactive reports whether the entry is provisional.
func (e *PartitionEntry) IsInactive() bool {
	return e.Flags&PartitionFlagInactive != 0
}

// SetInactive sets or clears the inactive flag.
func (e *PartitionEntry) SetInactive(inactive bool) {
	if inactive {
		e.Flags |= PartitionFlagInactive
	} else {
		e.Flags &^= PartitionFlagInactive
	}
}

// SetName stores name, truncated to PartitionNameLength and NUL-padded.
func (e *PartitionEntry) SetName(name string) {
	var buf [PartitionNameLength]byte
	copy(buf[:], name)
	e.Name = buf
}

// NameString returns the name with trailing NULs stripped.
func (e *PartitionEntry) NameString() string {
	n := 0
	for n < len(e.Name) && e.Name[n] != 0 {
		n++
	}
	return string(e.Name[:n])
}

// Clear resets the slot to the free state.
func (e *PartitionEntry) Clear() {
	*e = PartitionEntry{}
}

// SliceEntry is one allocation table entry, packed into a u64:
// bits 0..15 hold the owning partition index (0 = free), bits 16..47 the
// virtual slice index within that partition, bits 48..63 are reserved.
type SliceEntry uint64

const (
	sliceEntryPartBits   = 16
	sliceEntryVSliceBits = 32
	sliceEntryPartMask   = (1 << sliceEntryPartBits) - 1
	sliceEntryVSliceMask = (1 << sliceEntryVSliceBits) - 1
)

// NewSliceEntry packs an owning partition index and virtual slice index.
func NewSliceEntry(partition uint16, vslice uint64) SliceEntry {
	return SliceEntry(uint64(partition) | (vslice&sliceEntryVSliceMask)<<sliceEntryPartBits)
}

// PartitionIndex returns the owning partition table index, 0 if free.
func (s SliceEntry) PartitionIndex() uint16 {
	return uint16(s & sliceEntryPartMask)
}

// VSlice returns the virtual slice index the physical slice backs.
func (s SliceEntry) VSlice() uint64 {
	return uint64(s>>sliceEntryPartBits) & sliceEntryVSliceMask
}

// IsFree reports whether the physical slice is unowned.
func (s SliceEntry) IsFree() bool {
	return s.PartitionIndex() == 0
}
