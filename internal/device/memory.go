package device

import (
	"fmt"
	"sync"
)

// MemDevice is a byte-slice backed BlockDevice. Tests use it directly and
// the CLI uses it for scratch runs. FailWritesAt arms fault injection for
// crash-consistency tests.
type MemDevice struct {
	mu        sync.Mutex
	data      []byte
	blockSize uint32

	failAt    int64
	failArmed bool
	flushes   uint64
}

// NewMemDevice allocates a zeroed in-memory device.
func NewMemDevice(sizeBytes int64, blockSize uint32) (*MemDevice, error) {
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("block size %d is not a power of two", blockSize)
	}
	if sizeBytes <= 0 || sizeBytes%int64(blockSize) != 0 {
		return nil, fmt.Errorf("size %d must be a positive multiple of block size %d", sizeBytes, blockSize)
	}
	return &MemDevice{
		data:      make([]byte, sizeBytes),
		blockSize: blockSize,
	}, nil
}

// FailWritesAt makes every subsequent WriteBlocks overlapping the byte
// offset off fail without modifying the device, until disarmed with a
// negative offset.
func (d *MemDevice) FailWritesAt(off int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failArmed = off >= 0
	d.failAt = off
}

func (d *MemDevice) checkRange(off, length int64) error {
	bs := int64(d.blockSize)
	if off%bs != 0 || length%bs != 0 {
		return fmt.Errorf("offset %d / length %d not multiples of block size %d", off, length, bs)
	}
	if off < 0 || length < 0 || off+length > int64(len(d.data)) {
		return fmt.Errorf("range [%d, %d) outside device of %d bytes", off, off+length, len(d.data))
	}
	return nil
}

// ReadBlocks reads length bytes at the block-aligned byte offset off.
func (d *MemDevice) ReadBlocks(off, length int64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(off, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	copy(buf, d.data[off:off+length])
	return buf, nil
}

// WriteBlocks writes data at the block-aligned byte offset off.
func (d *MemDevice) WriteBlocks(off int64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkRange(off, int64(len(data))); err != nil {
		return err
	}
	if d.failArmed && d.failAt < off+int64(len(data)) && off <= d.failAt {
		return fmt.Errorf("injected write failure at offset %d", d.failAt)
	}
	copy(d.data[off:], data)
	return nil
}

// BlockSize returns the device block size in bytes.
func (d *MemDevice) BlockSize() uint32 {
	return d.blockSize
}

// BlockCount returns the number of blocks on the device.
func (d *MemDevice) BlockCount() uint64 {
	return uint64(len(d.data)) / uint64(d.blockSize)
}

// Flush records the sync; in-memory writes are already durable as far as
// this device is concerned.
func (d *MemDevice) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.flushes++
	return nil
}

// Flushes returns how many times Flush has been called.
func (d *MemDevice) Flushes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.flushes
}

// Close is a no-op for the in-memory device.
func (d *MemDevice) Close() error {
	return nil
}
