package debug

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/super"
)

func TestPrintSuperblock(test *testing.T) {
	sb, err := super.Layout(0, 2048)
	require.NoError(test, err)

	var buf bytes.Buffer
	PrintSuperblock(&buf, sb)
	out := buf.String()
	assert.Contains(test, out, "0x20030607")
	assert.Contains(test, out, "2,048 (1.0 MiB)")
	assert.Contains(test, out, "4,096")
}

func TestPrintInode(test *testing.T) {
	var buf bytes.Buffer
	di := &common.DiskInode{Size: 1536, Type: common.FT_REGULAR}
	di.Sectors[0], di.Sectors[1], di.Sectors[2] = 500, 501, 502
	PrintInode(&buf, 3, di)
	assert.Contains(test, buf.String(), "inode 3: regular, 1.5 KiB")
	assert.Contains(test, buf.String(), "[500 501 502 0")
	assert.NotContains(test, buf.String(), "indirect")

	buf.Reset()
	dev := &common.DiskInode{Type: common.FT_CHAR_SPECIAL}
	dev.Sectors[0] = 0x401
	PrintInode(&buf, 4, dev)
	assert.Equal(test, "inode 4: char, 0 B, rdev 0x401\n", buf.String())
}

func TestPrintDirBlock(test *testing.T) {
	block := make([]byte, common.BLOCK_SIZE)
	dot, _ := common.NewDirEntry(".", 0, common.FT_DIRECTORY)
	file, _ := common.NewDirEntry("notes", 7, common.FT_REGULAR)
	dot.Encode(block)
	file.Encode(block[3*common.DIRENT_SIZE:])

	var buf bytes.Buffer
	PrintDirBlock(&buf, block)
	out := buf.String()
	assert.Contains(test, out, `"notes"`)
	assert.Contains(test, out, `"."`)
	assert.Equal(test, 3, bytes.Count(buf.Bytes(), []byte("\n")))
}

func TestPrintUsage(test *testing.T) {
	var buf bytes.Buffer
	PrintUsage(&buf, "sda1", super.Usage{Blocks: 2048, FreeBlocks: 1024, Inodes: 4096, FreeInodes: 4000})
	assert.Equal(test, "sda1: 512 KiB of 1.0 MiB used (50.0%), 512 KiB free; inodes 96 of 4,096 used\n", buf.String())
}
