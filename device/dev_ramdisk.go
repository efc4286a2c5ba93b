package device

import (
	"sync"

	"github.com/jnwhiteh/sectorfs/common"
)

// RamDevice keeps every sector in memory. It is the device used by tests
// and by fsexplorer when asked to work on a scratch disk.
type RamDevice struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
}

// NewRamDevice creates a zeroed ramdisk with the given number of sectors.
func NewRamDevice(sectors uint32) *RamDevice {
	return &RamDevice{data: make([]byte, int(sectors)*common.SECTOR_SIZE)}
}

// NewRamDeviceFrom uses data as the disk contents. The length is rounded
// down to whole sectors.
func NewRamDeviceFrom(data []byte) *RamDevice {
	n := len(data) / common.SECTOR_SIZE * common.SECTOR_SIZE
	return &RamDevice{data: data[:n]}
}

func (dev *RamDevice) Sectors() uint32 {
	return uint32(len(dev.data) / common.SECTOR_SIZE)
}

func (dev *RamDevice) ReadSectors(lba uint32, buf []byte, count int) error {
	dev.mu.RLock()
	defer dev.mu.RUnlock()
	if dev.closed {
		return ErrClosed
	}
	if err := checkRange(dev.Sectors(), lba, buf, count); err != nil {
		return err
	}
	off := int(lba) * common.SECTOR_SIZE
	copy(buf[:count*common.SECTOR_SIZE], dev.data[off:])
	return nil
}

func (dev *RamDevice) WriteSectors(lba uint32, buf []byte, count int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	if dev.closed {
		return ErrClosed
	}
	if err := checkRange(dev.Sectors(), lba, buf, count); err != nil {
		return err
	}
	off := int(lba) * common.SECTOR_SIZE
	copy(dev.data[off:], buf[:count*common.SECTOR_SIZE])
	return nil
}

// Bytes exposes the raw disk contents.
func (dev *RamDevice) Bytes() []byte { return dev.data }

func (dev *RamDevice) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.closed = true
	return nil
}
