package device

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jnwhiteh/sectorfs/common"
)

// FileDevice is a disk image on the host filesystem. The image is locked
// exclusively for as long as the device is open.
type FileDevice struct {
	file     *os.File
	filename string
	sectors  uint32
}

// CreateFileDevice creates (or truncates) an image of the given number of
// sectors and opens it.
func CreateFileDevice(filename string, sectors uint32) (*FileDevice, error) {
	file, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(sectors) * common.SECTOR_SIZE
	if err := unix.Ftruncate(int(file.Fd()), size); err != nil {
		file.Close()
		return nil, fmt.Errorf("sizing image `%s` to %d bytes: %w", filename, size, err)
	}
	return openFile(file, filename)
}

// NewFileDevice opens an existing image read-write.
func NewFileDevice(filename string) (*FileDevice, error) {
	file, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return openFile(file, filename)
}

func openFile(file *os.File, filename string) (*FileDevice, error) {
	fd := int(file.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("locking image `%s`: %w", filename, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		file.Close()
		return nil, fmt.Errorf("stat image `%s`: %w", filename, err)
	}

	return &FileDevice{
		file:     file,
		filename: filename,
		sectors:  uint32(st.Size / common.SECTOR_SIZE),
	}, nil
}

func (dev *FileDevice) Name() string { return dev.filename }

func (dev *FileDevice) Sectors() uint32 { return dev.sectors }

func (dev *FileDevice) ReadSectors(lba uint32, buf []byte, count int) error {
	if err := checkRange(dev.sectors, lba, buf, count); err != nil {
		return err
	}
	off := int64(lba) * common.SECTOR_SIZE
	want := count * common.SECTOR_SIZE
	for done := 0; done < want; {
		n, err := unix.Pread(int(dev.file.Fd()), buf[done:want], off+int64(done))
		if err != nil {
			return fmt.Errorf("reading file `%s` at offset `%d`: %w", dev.filename, off+int64(done), err)
		}
		if n == 0 {
			return fmt.Errorf("reading file `%s` at offset `%d`: unexpected end of image", dev.filename, off+int64(done))
		}
		done += n
	}
	return nil
}

func (dev *FileDevice) WriteSectors(lba uint32, buf []byte, count int) error {
	if err := checkRange(dev.sectors, lba, buf, count); err != nil {
		return err
	}
	off := int64(lba) * common.SECTOR_SIZE
	want := count * common.SECTOR_SIZE
	for done := 0; done < want; {
		n, err := unix.Pwrite(int(dev.file.Fd()), buf[done:want], off+int64(done))
		if err != nil {
			return fmt.Errorf("writing file `%s` at offset `%d`: %w", dev.filename, off+int64(done), err)
		}
		done += n
	}
	return nil
}

// Close flushes the image to stable storage and releases the lock.
func (dev *FileDevice) Close() error {
	fd := int(dev.file.Fd())
	if err := unix.Fsync(fd); err != nil {
		dev.file.Close()
		return fmt.Errorf("syncing image `%s`: %w", dev.filename, err)
	}
	unix.Flock(fd, unix.LOCK_UN)
	return dev.file.Close()
}
