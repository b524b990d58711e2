// File: internal/interfaces/block_device.go
package interfaces

// BlockDevice is the contract the volume manager consumes from the
// underlying storage. Offsets and lengths are in bytes and must be
// multiples of the device block size.
type BlockDevice interface {
	// ReadBlocks reads length bytes starting at the byte offset off.
	ReadBlocks(off int64, length int64) ([]byte, error)

	// WriteBlocks writes data starting at the byte offset off.
	WriteBlocks(off int64, data []byte) error

	// BlockSize returns the size in bytes of the smallest addressable
	// block.
	BlockSize() uint32

	// BlockCount returns the total number of blocks on the device.
	BlockCount() uint64

	// Flush commits all buffered writes to stable storage. Metadata
	// commits do not report success before Flush returns.
	Flush() error

	// Close releases the device. Behavior of other methods after Close is
	// undefined.
	Close() error
}
