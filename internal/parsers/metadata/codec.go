package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	sha256 "github.com/minio/sha256-simd"

	"github.com/deploymenttheory/go-fvm/internal/types"
)

// Corruption kinds reported by Deserialize. Callers treat any of them as
// "this copy is not authoritative" but the kinds are kept distinct for
// diagnostics.
var (
	ErrBadMagic           = errors.New("metadata magic mismatch")
	ErrUnsupportedVersion = errors.New("unsupported metadata format version")
	ErrChecksumMismatch   = errors.New("metadata checksum mismatch")
	ErrCorrupt            = errors.New("metadata structurally corrupt")
)

// ErrUnrecoverable means neither metadata copy validates; the volume
// cannot be mounted.
var ErrUnrecoverable = errors.New("no valid metadata copy found")

// Serialize encodes the image as one little-endian metadata copy, zero
// padded to the aligned copy size. The hash field is computed over the
// hash-zeroed buffer and written last.
func Serialize(img *Image) []byte {
	buf := make([]byte, img.Header.MetadataSize())
	le := binary.LittleEndian

	h := &img.Header
	le.PutUint64(buf[types.HeaderOffMagic:], h.Magic)
	le.PutUint32(buf[types.HeaderOffMajorVersion:], h.MajorVersion)
	le.PutUint32(buf[types.HeaderOffMinorVersion:], h.MinorVersion)
	le.PutUint64(buf[types.HeaderOffSliceSize:], h.SliceSize)
	le.PutUint64(buf[types.HeaderOffPSliceCount:], h.PSliceCount)
	le.PutUint64(buf[types.HeaderOffGeneration:], h.Generation)
	le.PutUint64(buf[types.HeaderOffPartTableSize:], h.PartitionTableSize)
	le.PutUint64(buf[types.HeaderOffAllocTableSize:], h.AllocTableSize)

	off := uint64(types.HeaderSize)
	for i := range img.Partitions {
		e := &img.Partitions[i]
		copy(buf[off:], e.Type[:])
		copy(buf[off+16:], e.Instance[:])
		le.PutUint32(buf[off+32:], e.Slices)
		le.PutUint32(buf[off+36:], e.Flags)
		copy(buf[off+40:], e.Name[:])
		off += types.PartitionEntrySize
	}

	off = types.HeaderSize + h.PartitionTableSize
	for i, s := range img.Slices {
		le.PutUint64(buf[off+uint64(i)*types.SliceEntrySize:], uint64(s))
	}

	sum := sha256.Sum256(buf)
	copy(buf[types.HeaderOffHash:], sum[:])
	img.Header.Hash = sum
	return buf
}

// PeekMetadataSize reads the copy size out of a raw header without
// validating the checksum. Loaders use it to locate the backup copy even
// when the primary's payload is torn.
func PeekMetadataSize(data []byte) (uint64, error) {
	if len(data) < types.HeaderSize {
		return 0, fmt.Errorf("%w: %d bytes is smaller than the %d-byte header", ErrCorrupt, len(data), types.HeaderSize)
	}
	le := binary.LittleEndian
	if m := le.Uint64(data[types.HeaderOffMagic:]); m != types.Magic {
		return 0, fmt.Errorf("%w: got 0x%016X, want 0x%016X", ErrBadMagic, m, types.Magic)
	}
	h := types.Header{
		PartitionTableSize: le.Uint64(data[types.HeaderOffPartTableSize:]),
		AllocTableSize:     le.Uint64(data[types.HeaderOffAllocTableSize:]),
	}
	return h.MetadataSize(), nil
}

// Deserialize decodes and validates one metadata copy.
func Deserialize(data []byte, endian binary.ByteOrder) (*Image, error) {
	if len(data) < types.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is smaller than the %d-byte header", ErrCorrupt, len(data), types.HeaderSize)
	}

	var h types.Header
	h.Magic = endian.Uint64(data[types.HeaderOffMagic:])
	if h.Magic != types.Magic {
		return nil, fmt.Errorf("%w: got 0x%016X, want 0x%016X", ErrBadMagic, h.Magic, types.Magic)
	}
	h.MajorVersion = endian.Uint32(data[types.HeaderOffMajorVersion:])
	h.MinorVersion = endian.Uint32(data[types.HeaderOffMinorVersion:])
	if h.MajorVersion != types.VersionMajor {
		return nil, fmt.Errorf("%w: major version %d, supported %d", ErrUnsupportedVersion, h.MajorVersion, types.VersionMajor)
	}
	h.SliceSize = endian.Uint64(data[types.HeaderOffSliceSize:])
	h.PSliceCount = endian.Uint64(data[types.HeaderOffPSliceCount:])
	h.Generation = endian.Uint64(data[types.HeaderOffGeneration:])
	h.PartitionTableSize = endian.Uint64(data[types.HeaderOffPartTableSize:])
	h.AllocTableSize = endian.Uint64(data[types.HeaderOffAllocTableSize:])
	copy(h.Hash[:], data[types.HeaderOffHash:types.HeaderOffHash+types.HashLength])

	size := h.MetadataSize()
	if uint64(len(data)) < size {
		return nil, fmt.Errorf("%w: header describes %d bytes of metadata, only %d available", ErrCorrupt, size, len(data))
	}
	if h.PartitionTableSize == 0 || h.PartitionTableSize%types.PartitionEntrySize != 0 {
		return nil, fmt.Errorf("%w: partition table size %d not a multiple of %d", ErrCorrupt, h.PartitionTableSize, types.PartitionEntrySize)
	}
	if h.AllocTableSize < (h.PSliceCount+1)*types.SliceEntrySize {
		return nil, fmt.Errorf("%w: allocation table size %d too small for %d physical slices", ErrCorrupt, h.AllocTableSize, h.PSliceCount)
	}

	// Hash is verified over the copy with the hash field zeroed, exactly as
	// it was computed.
	scratch := make([]byte, size)
	copy(scratch, data[:size])
	for i := 0; i < types.HashLength; i++ {
		scratch[types.HeaderOffHash+i] = 0
	}
	sum := sha256.Sum256(scratch)
	if !bytes.Equal(sum[:], h.Hash[:]) {
		return nil, fmt.Errorf("%w: stored %x, computed %x", ErrChecksumMismatch, h.Hash[:8], sum[:8])
	}

	img := &Image{
		Header:     h,
		Partitions: make([]types.PartitionEntry, h.PartitionTableSize/types.PartitionEntrySize),
		Slices:     make([]types.SliceEntry, h.PSliceCount+1),
	}

	off := uint64(types.HeaderSize)
	for i := range img.Partitions {
		e := &img.Partitions[i]
		copy(e.Type[:], data[off:off+16])
		copy(e.Instance[:], data[off+16:off+32])
		e.Slices = endian.Uint32(data[off+32:])
		e.Flags = endian.Uint32(data[off+36:])
		copy(e.Name[:], data[off+40:off+40+types.PartitionNameLength])
		off += types.PartitionEntrySize
	}

	off = types.HeaderSize + h.PartitionTableSize
	for i := range img.Slices {
		img.Slices[i] = types.SliceEntry(endian.Uint64(data[off+uint64(i)*types.SliceEntrySize:]))
	}
	return img, nil
}

// Copy identifies which on-disk metadata slot an image came from or is
// destined for.
type Copy int

const (
	CopyPrimary Copy = iota
	CopyBackup
)

func (c Copy) String() string {
	if c == CopyPrimary {
		return "primary"
	}
	return "backup"
}

// Other returns the opposite slot.
func (c Copy) Other() Copy {
	if c == CopyPrimary {
		return CopyBackup
	}
	return CopyPrimary
}

// SelectAuthoritative deserializes both copies and picks the one to load
// from. With two valid copies the strictly greater generation wins and a
// tie prefers the primary; with one valid copy that copy wins; with none
// the volume is unrecoverable.
func SelectAuthoritative(primary, backup []byte) (*Image, Copy, error) {
	pImg, pErr := Deserialize(primary, binary.LittleEndian)
	bImg, bErr := Deserialize(backup, binary.LittleEndian)

	switch {
	case pErr == nil && bErr == nil:
		if bImg.Header.Generation > pImg.Header.Generation {
			return bImg, CopyBackup, nil
		}
		return pImg, CopyPrimary, nil
	case pErr == nil:
		return pImg, CopyPrimary, nil
	case bErr == nil:
		return bImg, CopyBackup, nil
	default:
		return nil, CopyPrimary, fmt.Errorf("%w: primary: %v; backup: %v", ErrUnrecoverable, pErr, bErr)
	}
}
