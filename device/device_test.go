package device

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/sectorfs/common"
)

func exercise(test *testing.T, dev common.BlockDevice) {
	out := bytes.Repeat([]byte{0xab}, 3*common.SECTOR_SIZE)
	require.NoError(test, dev.WriteSectors(2, out, 3))

	in := make([]byte, 3*common.SECTOR_SIZE)
	require.NoError(test, dev.ReadSectors(2, in, 3))
	assert.Equal(test, out, in)

	// Neighbouring sectors are untouched
	require.NoError(test, dev.ReadSectors(1, in, 1))
	assert.Equal(test, make([]byte, common.SECTOR_SIZE), in[:common.SECTOR_SIZE])

	assert.ErrorIs(test, dev.ReadSectors(dev.Sectors()-1, in, 2), ErrOutOfRange)
	assert.ErrorIs(test, dev.WriteSectors(0, in[:10], 1), ErrShortBuf)
	assert.ErrorIs(test, dev.ReadSectors(0, in, 0), ErrOutOfRange)
}

func TestRamDevice(test *testing.T) {
	dev := NewRamDevice(16)
	assert.Equal(test, uint32(16), dev.Sectors())
	exercise(test, dev)

	require.NoError(test, dev.Close())
	assert.ErrorIs(test, dev.ReadSectors(0, make([]byte, 512), 1), ErrClosed)
}

func TestFileDevice(test *testing.T) {
	name := filepath.Join(test.TempDir(), "disk.img")
	dev, err := CreateFileDevice(name, 16)
	require.NoError(test, err)
	assert.Equal(test, uint32(16), dev.Sectors())
	exercise(test, dev)

	// The image is locked while open
	_, err = NewFileDevice(name)
	assert.Error(test, err)

	require.NoError(test, dev.Close())

	dev, err = NewFileDevice(name)
	require.NoError(test, err)
	defer dev.Close()

	in := make([]byte, common.SECTOR_SIZE)
	require.NoError(test, dev.ReadSectors(4, in, 1))
	assert.Equal(test, bytes.Repeat([]byte{0xab}, common.SECTOR_SIZE), in)
}
