package device

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestMemDevice_ReadBackWrites(t *testing.T) {
	dev, err := NewMemDevice(1<<20, 512)
	if err != nil {
		t.Fatalf("NewMemDevice() failed: %v", err)
	}
	if dev.BlockCount() != (1<<20)/512 {
		t.Errorf("BlockCount() = %d, want %d", dev.BlockCount(), (1<<20)/512)
	}

	data := bytes.Repeat([]byte{0xAB}, 1024)
	if err := dev.WriteBlocks(4096, data); err != nil {
		t.Fatalf("WriteBlocks() failed: %v", err)
	}
	got, err := dev.ReadBlocks(4096, 1024)
	if err != nil {
		t.Fatalf("ReadBlocks() failed: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Error("read data differs from written data")
	}
}

func TestMemDevice_RejectsMisalignedAndOutOfRange(t *testing.T) {
	dev, err := NewMemDevice(1<<20, 512)
	if err != nil {
		t.Fatalf("NewMemDevice() failed: %v", err)
	}

	if _, err := dev.ReadBlocks(100, 512); err == nil {
		t.Error("ReadBlocks() accepted a misaligned offset")
	}
	if err := dev.WriteBlocks(0, make([]byte, 100)); err == nil {
		t.Error("WriteBlocks() accepted a misaligned length")
	}
	if _, err := dev.ReadBlocks(1<<20, 512); err == nil {
		t.Error("ReadBlocks() accepted an out-of-range read")
	}
}

func TestMemDevice_FaultInjection(t *testing.T) {
	dev, err := NewMemDevice(1<<20, 512)
	if err != nil {
		t.Fatalf("NewMemDevice() failed: %v", err)
	}

	dev.FailWritesAt(8192)
	if err := dev.WriteBlocks(8192, make([]byte, 512)); err == nil {
		t.Error("armed write should have failed")
	}
	if err := dev.WriteBlocks(0, make([]byte, 512)); err != nil {
		t.Errorf("write outside the fault range failed: %v", err)
	}

	dev.FailWritesAt(-1)
	if err := dev.WriteBlocks(8192, make([]byte, 512)); err != nil {
		t.Errorf("write after disarm failed: %v", err)
	}
}

func TestFileDevice_CreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	cfg := &Config{BlockSize: 512}

	dev, err := CreateFile(path, 1<<20, cfg)
	if err != nil {
		t.Fatalf("CreateFile() failed: %v", err)
	}
	data := bytes.Repeat([]byte{0x5A}, 512)
	if err := dev.WriteBlocks(512, data); err != nil {
		t.Fatalf("WriteBlocks() failed: %v", err)
	}
	if err := dev.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	dev, err = OpenFile(path, cfg)
	if err != nil {
		t.Fatalf("OpenFile() failed: %v", err)
	}
	defer dev.Close()

	if dev.BlockCount() != (1<<20)/512 {
		t.Errorf("BlockCount() = %d, want %d", dev.BlockCount(), (1<<20)/512)
	}
	got, err := dev.ReadBlocks(512, 512)
	if err != nil {
		t.Fatalf("ReadBlocks() failed: %v", err)
	}
	if !bytes.Equal(data, got) {
		t.Error("data did not survive close and reopen")
	}
}

func TestCreateFile_RejectsBadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "volume.img")
	cfg := &Config{BlockSize: 512}

	if _, err := CreateFile(path, 1000, cfg); err == nil {
		t.Error("CreateFile() accepted a size that is not a block multiple")
	}
	if _, err := CreateFile(path, 0, cfg); err == nil {
		t.Error("CreateFile() accepted a zero size")
	}
}
