package fs

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/sectorfs/common"
	. "github.com/jnwhiteh/sectorfs/testutils"
)

// Writes always land at the end of the file, wherever the descriptor
// was pointing.
func TestWriteAppends(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()

	fd, err := proc.Creat("/log")
	require.NoError(test, err)

	n, err := proc.Write(fd, []byte("hello"))
	require.NoError(test, err)
	assert.Equal(test, 5, n)

	_, err = proc.Lseek(fd, 1, common.SEEK_SET)
	require.NoError(test, err)
	_, err = proc.Write(fd, []byte(" world"))
	require.NoError(test, err)

	// The position follows the end of the file
	_, err = proc.Lseek(fd, -5, common.SEEK_CUR)
	require.NoError(test, err)
	buf := make([]byte, 5)
	_, err = proc.Read(fd, buf)
	require.NoError(test, err)
	assert.Equal(test, "world", string(buf))

	require.NoError(test, proc.Close(fd))
	assert.Equal(test, []byte("hello world"), readFile(test, proc, "/log"))
}

func TestWriteReadOnly(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()
	writeFile(test, proc, "/f", []byte("x"))

	fd, err := proc.Open("/f", common.O_RDONLY)
	require.NoError(test, err)
	defer proc.Close(fd)

	_, err = proc.Write(fd, []byte("y"))
	assert.Equal(test, common.EBADF, err)
}

// A file grows to the size limit and no further
func TestWriteMaxFileSize(test *testing.T) {
	fs, proc := OpenTestFS(test)
	defer fs.Shutdown()

	blocks, _ := usage(test, fs)
	fd, err := proc.Creat("/max")
	require.NoError(test, err)

	chunk := bytes.Repeat([]byte{0xA5}, 10*common.BLOCK_SIZE)
	for written := 0; written < common.MAX_FILE_SIZE; written += len(chunk) {
		_, err := proc.Write(fd, chunk)
		require.NoError(test, err)
	}
	st, err := proc.Fstat(fd)
	require.NoError(test, err)
	assert.Equal(test, uint32(common.MAX_FILE_SIZE), st.Size)

	n, err := proc.Write(fd, []byte{1})
	assert.Equal(test, 0, n)
	assert.Equal(test, common.EFBIG, err)
	require.NoError(test, proc.Close(fd))

	// Every data block plus the indirect block
	b, _ := usage(test, fs)
	if b != blocks+common.MAX_FILE_BLOCKS+1 {
		ErrorHere(test, "Used blocks expected %d, got %d", blocks+common.MAX_FILE_BLOCKS+1, b)
	}

	require.NoError(test, proc.Unlink("/max"))
	b, _ = usage(test, fs)
	assert.Equal(test, blocks, b)
}

// Running out of blocks part way through keeps what was written
func TestWriteNoSpace(test *testing.T) {
	fs, proc, _ := newTestFS(test, 490)
	defer fs.Shutdown()

	fd, err := proc.Creat("/f")
	require.NoError(test, err)
	defer proc.Close(fd)

	n, err := proc.Write(fd, make([]byte, 8*common.BLOCK_SIZE))
	assert.Equal(test, common.ENOSPC, err)
	assert.Equal(test, 5*common.BLOCK_SIZE, n)

	st, err := proc.Fstat(fd)
	require.NoError(test, err)
	assert.Equal(test, uint32(5*common.BLOCK_SIZE), st.Size)
}
