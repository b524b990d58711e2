// Package persist commits metadata images to the two on-disk copies with
// a ping-pong protocol: only the non-authoritative slot is ever written,
// so at least one copy stays consistent through any crash or torn write.
package persist

import (
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-fvm/internal/geometry"
	"github.com/deploymenttheory/go-fvm/internal/interfaces"
	"github.com/deploymenttheory/go-fvm/internal/parsers/metadata"
	"github.com/deploymenttheory/go-fvm/internal/types"
)

// ErrCommitFailed wraps device errors raised while writing a metadata
// generation. The in-memory image has been rolled back when it is
// returned.
var ErrCommitFailed = errors.New("metadata commit failed")

// CommitState tracks where the engine is in its write protocol.
type CommitState int

const (
	// StateIdle: no commit in flight; memory matches the durable image.
	StateIdle CommitState = iota

	// StatePending: a mutation is applied in memory but not yet durable.
	StatePending

	// StateWriting: the serialized generation is being written to the
	// non-authoritative slot.
	StateWriting

	// StateCommitted: the write completed; the written slot is now
	// authoritative.
	StateCommitted

	// StateWriteFailed: the write failed; memory was rolled back to the
	// last durable generation.
	StateWriteFailed
)

func (s CommitState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateWriting:
		return "writing"
	case StateCommitted:
		return "committed"
	case StateWriteFailed:
		return "write-failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Engine owns the durable side of the metadata image. Callers serialize
// access externally; the engine itself holds no lock.
type Engine struct {
	dev    interfaces.BlockDevice
	layout geometry.Layout

	// active is the slot the last successful load or commit made
	// authoritative. Commits always target active.Other().
	active metadata.Copy

	// durable is a snapshot of the last committed image, used to roll the
	// caller's image back after a failed write.
	durable *metadata.Image

	state CommitState
}

// Load reads both metadata copies, selects the authoritative one, and
// returns the reconstructed image alongside an engine primed to commit
// subsequent generations.
//
// The metadata copy size is learned by peeking at the primary header's
// size fields without checksum validation, so a copy whose payload is
// torn still locates the backup. When even the primary header is
// unreadable, the backup is found by scanning aligned offsets for a
// header whose size field points back at its own position.
func Load(dev interfaces.BlockDevice) (*Engine, *metadata.Image, error) {
	probe, err := dev.ReadBlocks(0, int64(types.MetadataAlign))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read metadata header: %w", err)
	}
	metaSize, peekErr := metadata.PeekMetadataSize(probe)
	if peekErr != nil {
		if metaSize, err = findBackup(dev); err != nil {
			return nil, nil, peekErr
		}
	}

	primary, err := dev.ReadBlocks(0, int64(metaSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read primary metadata: %w", err)
	}
	backup, err := dev.ReadBlocks(int64(metaSize), int64(metaSize))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}
	return finishLoad(dev, primary, backup)
}

// findBackup scans MetadataAlign multiples for the backup header. The
// backup copy starts at exactly its own metadata size, so a candidate
// counts only when its size field names the offset it was found at.
func findBackup(dev interfaces.BlockDevice) (uint64, error) {
	total := dev.BlockCount() * uint64(dev.BlockSize())
	for off := uint64(types.MetadataAlign); 2*off <= total; off += types.MetadataAlign {
		probe, err := dev.ReadBlocks(int64(off), int64(types.MetadataAlign))
		if err != nil {
			return 0, fmt.Errorf("failed to probe offset %d: %w", off, err)
		}
		size, err := metadata.PeekMetadataSize(probe)
		if err == nil && size == off {
			return size, nil
		}
	}
	return 0, metadata.ErrUnrecoverable
}

func finishLoad(dev interfaces.BlockDevice, primary, backup []byte) (*Engine, *metadata.Image, error) {
	img, copyID, err := metadata.SelectAuthoritative(primary, backup)
	if err != nil {
		return nil, nil, err
	}
	eng := &Engine{
		dev:     dev,
		layout:  img.Layout(),
		active:  copyID,
		durable: img.Clone(),
		state:   StateIdle,
	}
	return eng, img, nil
}

// NewFormatted writes a fresh generation-1 image to both copies and
// returns the primed engine. Used by format, not by load.
func NewFormatted(dev interfaces.BlockDevice, layout geometry.Layout) (*Engine, *metadata.Image, error) {
	img := metadata.NewImage(layout)
	img.Header.Generation = 1
	raw := metadata.Serialize(img)
	if err := dev.WriteBlocks(int64(layout.PrimaryOffset), raw); err != nil {
		return nil, nil, fmt.Errorf("%w: primary: %v", ErrCommitFailed, err)
	}
	if err := dev.WriteBlocks(int64(layout.BackupOffset), raw); err != nil {
		return nil, nil, fmt.Errorf("%w: backup: %v", ErrCommitFailed, err)
	}
	if err := dev.Flush(); err != nil {
		return nil, nil, fmt.Errorf("%w: flush: %v", ErrCommitFailed, err)
	}
	eng := &Engine{
		dev:     dev,
		layout:  layout,
		active:  metadata.CopyPrimary,
		durable: img.Clone(),
		state:   StateIdle,
	}
	return eng, img, nil
}

// Active returns the slot the last load or commit made authoritative.
func (e *Engine) Active() metadata.Copy {
	return e.active
}

// State returns the current commit state, for diagnostics.
func (e *Engine) State() CommitState {
	return e.state
}

// Durable returns a copy of the last committed image.
func (e *Engine) Durable() *metadata.Image {
	return e.durable.Clone()
}

// Commit makes img the next durable generation. It bumps the generation,
// serializes, writes the non-authoritative slot, and flushes; only then
// does that slot become authoritative. On any device error the image is
// rolled back in place to the last durable generation and ErrCommitFailed
// is returned. The other copy on disk is still valid, so the volume
// remains usable.
func (e *Engine) Commit(img *metadata.Image) error {
	e.state = StatePending
	img.Header.Generation = e.durable.Header.Generation + 1

	e.state = StateWriting
	raw := metadata.Serialize(img)
	target := e.active.Other()
	off := int64(e.layout.PrimaryOffset)
	if target == metadata.CopyBackup {
		off = int64(e.layout.BackupOffset)
	}

	if err := e.dev.WriteBlocks(off, raw); err != nil {
		e.rollback(img)
		return fmt.Errorf("%w: write to %s slot: %v", ErrCommitFailed, target, err)
	}
	if err := e.dev.Flush(); err != nil {
		e.rollback(img)
		return fmt.Errorf("%w: flush: %v", ErrCommitFailed, err)
	}

	e.state = StateCommitted
	e.active = target
	e.durable = img.Clone()
	e.state = StateIdle
	return nil
}

// rollback restores img from the last durable snapshot after a failed
// write.
func (e *Engine) rollback(img *metadata.Image) {
	e.state = StateWriteFailed
	img.Header = e.durable.Header
	copy(img.Partitions, e.durable.Partitions)
	copy(img.Slices, e.durable.Slices)
}
