// Package device provides backing stores that satisfy common.BlockDevice:
// an in-memory ramdisk and a disk image file.
package device

import (
	"errors"
	"fmt"

	"github.com/jnwhiteh/sectorfs/common"
)

var (
	ErrOutOfRange = errors.New("sector range outside device")
	ErrShortBuf   = errors.New("buffer smaller than transfer")
	ErrClosed     = errors.New("device is closed")
)

func checkRange(sectors, lba uint32, buf []byte, count int) error {
	if count <= 0 || uint64(lba)+uint64(count) > uint64(sectors) {
		return fmt.Errorf("lba %d count %d on %d sectors: %w", lba, count, sectors, ErrOutOfRange)
	}
	if len(buf) < count*common.SECTOR_SIZE {
		return fmt.Errorf("%d bytes for %d sectors: %w", len(buf), count, ErrShortBuf)
	}
	return nil
}
