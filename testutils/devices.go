package testutils

import (
	"sync"
	"sync/atomic"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/device"
)

//////////////////////////////////////////////////////////////////////////////
// A ramdisk with a given number of sectors. Each sector is filled with the
// low byte of its sector number, so every byte of sector 0 is 0, every
// byte of sector 1 is 1, etc.
//////////////////////////////////////////////////////////////////////////////

func NewTestDevice(sectors uint32) *device.RamDevice {
	data := make([]byte, int(sectors)*common.SECTOR_SIZE)
	for i := 0; i < int(sectors); i++ {
		for j := 0; j < common.SECTOR_SIZE; j++ {
			data[i*common.SECTOR_SIZE+j] = byte(i)
		}
	}
	return device.NewRamDeviceFrom(data)
}

//////////////////////////////////////////////////////////////////////////////
// A device that counts physical transfers, so tests can tell a cache hit
// from a trip to the disk.
//////////////////////////////////////////////////////////////////////////////

type CountingDevice struct {
	common.BlockDevice
	reads        atomic.Int64 // read calls
	writes       atomic.Int64 // write calls
	sectorsRead  atomic.Int64
	sectorsWrite atomic.Int64
}

func NewCountingDevice(dev common.BlockDevice) *CountingDevice {
	return &CountingDevice{BlockDevice: dev}
}

func (dev *CountingDevice) ReadSectors(lba uint32, buf []byte, count int) error {
	dev.reads.Add(1)
	dev.sectorsRead.Add(int64(count))
	return dev.BlockDevice.ReadSectors(lba, buf, count)
}

func (dev *CountingDevice) WriteSectors(lba uint32, buf []byte, count int) error {
	dev.writes.Add(1)
	dev.sectorsWrite.Add(int64(count))
	return dev.BlockDevice.WriteSectors(lba, buf, count)
}

func (dev *CountingDevice) Reads() int64        { return dev.reads.Load() }
func (dev *CountingDevice) Writes() int64       { return dev.writes.Load() }
func (dev *CountingDevice) SectorsRead() int64  { return dev.sectorsRead.Load() }
func (dev *CountingDevice) SectorsWrite() int64 { return dev.sectorsWrite.Load() }

func (dev *CountingDevice) Reset() {
	dev.reads.Store(0)
	dev.writes.Store(0)
	dev.sectorsRead.Store(0)
	dev.sectorsWrite.Store(0)
}

//////////////////////////////////////////////////////////////////////////////
// A device that blocks on every read. It announces the block on the
// HasBlocked channel and waits to be released on the Unblock channel.
//////////////////////////////////////////////////////////////////////////////

type BlockingDevice struct {
	common.BlockDevice
	HasBlocked chan bool
	Unblock    chan bool
}

func NewBlockingDevice(dev common.BlockDevice) *BlockingDevice {
	return &BlockingDevice{
		dev,
		make(chan bool),
		make(chan bool),
	}
}

func (dev *BlockingDevice) ReadSectors(lba uint32, buf []byte, count int) error {
	dev.HasBlocked <- true
	<-dev.Unblock
	return dev.BlockDevice.ReadSectors(lba, buf, count)
}

//////////////////////////////////////////////////////////////////////////////
// A device that fails every transfer touching one sector.
//////////////////////////////////////////////////////////////////////////////

type FaultyDevice struct {
	common.BlockDevice
	mu  sync.Mutex
	bad map[uint32]error
}

func NewFaultyDevice(dev common.BlockDevice) *FaultyDevice {
	return &FaultyDevice{BlockDevice: dev, bad: make(map[uint32]error)}
}

func (dev *FaultyDevice) Fail(lba uint32, err error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	dev.bad[lba] = err
}

func (dev *FaultyDevice) Heal(lba uint32) {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	delete(dev.bad, lba)
}

func (dev *FaultyDevice) check(lba uint32, count int) error {
	dev.mu.Lock()
	defer dev.mu.Unlock()
	for i := 0; i < count; i++ {
		if err, ok := dev.bad[lba+uint32(i)]; ok {
			return err
		}
	}
	return nil
}

func (dev *FaultyDevice) ReadSectors(lba uint32, buf []byte, count int) error {
	if err := dev.check(lba, count); err != nil {
		return err
	}
	return dev.BlockDevice.ReadSectors(lba, buf, count)
}

func (dev *FaultyDevice) WriteSectors(lba uint32, buf []byte, count int) error {
	if err := dev.check(lba, count); err != nil {
		return err
	}
	return dev.BlockDevice.WriteSectors(lba, buf, count)
}
