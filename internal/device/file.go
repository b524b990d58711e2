// Package device provides block device implementations backed by regular
// files or memory, plus the configuration they are opened with.
package device

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/viper"
)

// Config holds device-layer configuration loaded through Viper.
type Config struct {
	BlockSize uint32 `mapstructure:"block_size"`
	ReadOnly  bool   `mapstructure:"read_only"`
}

// LoadConfig loads device configuration from an fvm-config file, the
// environment (FVM_ prefix), or defaults.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("fvm-config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.fvm")
	viper.AddConfigPath("/etc/fvm")

	viper.SetDefault("block_size", 512)
	viper.SetDefault("read_only", false)

	viper.SetEnvPrefix("FVM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read device config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal device config: %w", err)
	}
	if cfg.BlockSize == 0 || cfg.BlockSize&(cfg.BlockSize-1) != 0 {
		return nil, fmt.Errorf("configured block size %d is not a power of two", cfg.BlockSize)
	}
	return &cfg, nil
}

// FileDevice exposes a regular file or raw device node as a BlockDevice.
type FileDevice struct {
	file      *os.File
	blockSize uint32
	size      int64
	readOnly  bool
}

// OpenFile opens path as a block device with the given configuration.
func OpenFile(path string, cfg *Config) (*FileDevice, error) {
	if path == "" {
		return nil, fmt.Errorf("device path cannot be empty")
	}
	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat device %s: %w", path, err)
	}
	size := info.Size()
	if size%int64(cfg.BlockSize) != 0 {
		f.Close()
		return nil, fmt.Errorf("device size %d is not a multiple of block size %d", size, cfg.BlockSize)
	}
	return &FileDevice{
		file:      f,
		blockSize: cfg.BlockSize,
		size:      size,
		readOnly:  cfg.ReadOnly,
	}, nil
}

// CreateFile creates (or truncates) a file of sizeBytes to serve as a
// device image.
func CreateFile(path string, sizeBytes int64, cfg *Config) (*FileDevice, error) {
	if sizeBytes <= 0 || sizeBytes%int64(cfg.BlockSize) != 0 {
		return nil, fmt.Errorf("device size %d must be a positive multiple of block size %d", sizeBytes, cfg.BlockSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create device image %s: %w", path, err)
	}
	if err := f.Truncate(sizeBytes); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to size device image %s: %w", path, err)
	}
	return &FileDevice{
		file:      f,
		blockSize: cfg.BlockSize,
		size:      sizeBytes,
	}, nil
}

func (d *FileDevice) checkRange(off, length int64) error {
	bs := int64(d.blockSize)
	if off%bs != 0 || length%bs != 0 {
		return fmt.Errorf("offset %d / length %d not multiples of block size %d", off, length, bs)
	}
	if off < 0 || length < 0 || off+length > d.size {
		return fmt.Errorf("range [%d, %d) outside device of %d bytes", off, off+length, d.size)
	}
	return nil
}

// ReadBlocks reads length bytes at the block-aligned byte offset off.
func (d *FileDevice) ReadBlocks(off, length int64) ([]byte, error) {
	if err := d.checkRange(off, length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := d.file.ReadAt(buf, off); err != nil && err != io.EOF {
		return nil, fmt.Errorf("read of %d bytes at %d failed: %w", length, off, err)
	}
	return buf, nil
}

// WriteBlocks writes data at the block-aligned byte offset off.
func (d *FileDevice) WriteBlocks(off int64, data []byte) error {
	if d.readOnly {
		return fmt.Errorf("device is read-only")
	}
	if err := d.checkRange(off, int64(len(data))); err != nil {
		return err
	}
	if _, err := d.file.WriteAt(data, off); err != nil {
		return fmt.Errorf("write of %d bytes at %d failed: %w", len(data), off, err)
	}
	return nil
}

// BlockSize returns the device block size in bytes.
func (d *FileDevice) BlockSize() uint32 {
	return d.blockSize
}

// BlockCount returns the number of blocks on the device.
func (d *FileDevice) BlockCount() uint64 {
	return uint64(d.size) / uint64(d.blockSize)
}

// Flush syncs the backing file.
func (d *FileDevice) Flush() error {
	return d.file.Sync()
}

// Close flushes and closes the backing file.
func (d *FileDevice) Close() error {
	if err := d.file.Sync(); err != nil {
		d.file.Close()
		return err
	}
	return d.file.Close()
}
