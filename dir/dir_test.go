package dir

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/device"
	"github.com/jnwhiteh/sectorfs/inode"
	"github.com/jnwhiteh/sectorfs/super"
	. "github.com/jnwhiteh/sectorfs/testutils"
)

func newTestTable(test *testing.T, sectors uint32) *inode.Table {
	cache := bcache.NewLRUCache(1, 256, 32, nil)
	require.NoError(test, cache.MountDevice(0, device.NewRamDevice(sectors)))
	part := super.NewPartition("sda", 0, cache, 0, sectors, nil)
	if err := part.Mount(); err != nil {
		FatalHere(test, "Failed mounting test partition: %s", err)
	}
	return inode.NewTable(part, nil)
}

// mkdir creates an empty directory inode whose parent is the root; it is
// not linked into the root.
func mkdir(test *testing.T, t *inode.Table) *Dir {
	inum, err := t.Partition().AllocInode()
	require.NoError(test, err)
	ip, err := t.New(inum, common.FT_DIRECTORY)
	require.NoError(test, err)
	require.NoError(test, Init(t, ip, common.ROOT_INODE))
	t.Put(ip)

	d, err := Open(t, inum)
	require.NoError(test, err)
	return d
}

func entry(test *testing.T, name string, inum uint32) common.DirEntry {
	ent, err := common.NewDirEntry(name, inum, common.FT_REGULAR)
	require.NoError(test, err)
	return ent
}

func blockCount(d *Dir) int {
	n := 0
	for _, b := range d.Inode.Sectors[:common.NR_DIRECT] {
		if b != common.NO_BLOCK {
			n++
		}
	}
	return n
}

func usedBlocks(test *testing.T, t *inode.Table) uint32 {
	usage, err := t.Partition().Usage()
	require.NoError(test, err)
	return usage.UsedBlocks()
}

func TestOpenRoot(test *testing.T) {
	t := newTestTable(test, 2048)
	root, err := Open(t, common.ROOT_INODE)
	require.NoError(test, err)
	defer root.Close()

	assert.True(test, root.IsEmpty())
	ent, ok, err := root.Search("..")
	require.NoError(test, err)
	assert.True(test, ok)
	assert.Equal(test, uint32(common.ROOT_INODE), ent.Inum)

	_, ok, err = root.Search("missing")
	require.NoError(test, err)
	assert.False(test, ok)
}

func TestOpenNotDirectory(test *testing.T) {
	t := newTestTable(test, 2048)
	inum, err := t.Partition().AllocInode()
	require.NoError(test, err)
	ip, err := t.New(inum, common.FT_REGULAR)
	require.NoError(test, err)
	require.NoError(test, t.Sync(ip))
	t.Put(ip)

	_, err = Open(t, inum)
	assert.ErrorIs(test, err, common.ENOTDIR)
	assert.False(test, t.IsOpen(inum))
}

func TestIsEmptyAfterInsertDelete(test *testing.T) {
	t := newTestTable(test, 2048)
	d := mkdir(test, t)
	defer d.Close()

	assert.True(test, d.IsEmpty())
	require.NoError(test, d.Insert(entry(test, "f", 42)))
	assert.False(test, d.IsEmpty())
	require.NoError(test, d.Delete(42))
	assert.True(test, d.IsEmpty())

	assert.ErrorIs(test, d.Delete(42), common.ENOENT)
}

// A tombstone is reused before the directory grows.
func TestInsertReusesTombstone(test *testing.T) {
	t := newTestTable(test, 2048)
	d := mkdir(test, t)
	defer d.Close()

	require.NoError(test, d.Insert(entry(test, "a", 10)))
	require.NoError(test, d.Insert(entry(test, "b", 11)))
	assert.Equal(test, uint32(4*common.DIRENT_SIZE), d.Inode.Size)

	require.NoError(test, d.Delete(10))
	assert.Equal(test, uint32(3*common.DIRENT_SIZE), d.Inode.Size)

	require.NoError(test, d.Insert(entry(test, "c", 12)))
	assert.Equal(test, uint32(4*common.DIRENT_SIZE), d.Inode.Size)
	assert.Equal(test, 1, blockCount(d))

	// "c" took the slot "a" left behind
	d.Rewind()
	var names []string
	for {
		ent, err := d.Read()
		if err == io.EOF {
			break
		}
		require.NoError(test, err)
		names = append(names, ent.String())
	}
	assert.Equal(test, []string{".", "..", "c", "b"}, names)
}

func TestGrowAndShrink(test *testing.T) {
	t := newTestTable(test, 2048)
	d := mkdir(test, t)
	defer d.Close()
	base := usedBlocks(test, t)

	// The first block has room for 19 entries besides "." and ".."
	for i := 0; i < common.DIRENTS_PER_BLOCK-2; i++ {
		require.NoError(test, d.Insert(entry(test, fmt.Sprintf("f%d", i), uint32(100+i))))
	}
	assert.Equal(test, 1, blockCount(d))

	require.NoError(test, d.Insert(entry(test, "spill", 500)))
	assert.Equal(test, 2, blockCount(d))
	assert.Equal(test, base+1, usedBlocks(test, t))

	ent, ok, err := d.Search("spill")
	require.NoError(test, err)
	require.True(test, ok)
	assert.Equal(test, uint32(500), ent.Inum)

	// Last live entry of a block other than the first: the block goes
	require.NoError(test, d.Delete(500))
	assert.Equal(test, 1, blockCount(d))
	assert.Equal(test, base, usedBlocks(test, t))

	// An entry in the first block is only zeroed
	require.NoError(test, d.Delete(100))
	assert.Equal(test, 1, blockCount(d))
	_, ok, err = d.Search("f0")
	require.NoError(test, err)
	assert.False(test, ok)
}

func TestGrowIntoIndirect(test *testing.T) {
	t := newTestTable(test, 2048)
	d := mkdir(test, t)
	defer d.Close()

	n := common.NR_DIRECT*common.DIRENTS_PER_BLOCK - 2
	for i := 0; i < n; i++ {
		require.NoError(test, d.Insert(entry(test, fmt.Sprintf("e%d", i), uint32(1000+i))))
	}
	assert.Equal(test, common.NR_DIRECT, blockCount(d))
	assert.Equal(test, uint32(common.NO_BLOCK), d.Inode.Sectors[common.INDIRECT_SLOT])

	base := usedBlocks(test, t)
	require.NoError(test, d.Insert(entry(test, "deep", 9999)))
	assert.NotEqual(test, uint32(common.NO_BLOCK), d.Inode.Sectors[common.INDIRECT_SLOT])
	assert.Equal(test, base+2, usedBlocks(test, t))

	// Reopen from disk and find it again
	inum := d.Inum()
	other, err := Open(inode.NewTable(t.Partition(), nil), inum)
	require.NoError(test, err)
	ent, ok, err := other.Search("deep")
	require.NoError(test, err)
	assert.True(test, ok)
	assert.Equal(test, uint32(9999), ent.Inum)
	other.Close()

	// Removing it empties the indirect block, which goes too
	require.NoError(test, d.Delete(9999))
	assert.Equal(test, uint32(common.NO_BLOCK), d.Inode.Sectors[common.INDIRECT_SLOT])
	assert.Equal(test, base, usedBlocks(test, t))
}

func TestDirectoryFull(test *testing.T) {
	t := newTestTable(test, 2048)
	d := mkdir(test, t)
	defer d.Close()

	n := common.MAX_FILE_BLOCKS*common.DIRENTS_PER_BLOCK - 2
	for i := 0; i < n; i++ {
		if err := d.Insert(entry(test, fmt.Sprintf("x%d", i), uint32(i+1))); err != nil {
			FatalHere(test, "Insert %d failed: %s", i, err)
		}
	}
	assert.ErrorIs(test, d.Insert(entry(test, "one-more", 1)), common.EDIRFULL)

	// Making a hole makes room again
	require.NoError(test, d.Delete(5))
	require.NoError(test, d.Insert(entry(test, "one-more", 1)))
}

func TestRemove(test *testing.T) {
	t := newTestTable(test, 2048)
	part := t.Partition()
	root, err := Open(t, common.ROOT_INODE)
	require.NoError(test, err)
	defer root.Close()

	before := usedBlocks(test, t)
	child := mkdir(test, t)
	inum := child.Inum()
	ent, err := common.NewDirEntry("sub", inum, common.FT_DIRECTORY)
	require.NoError(test, err)
	require.NoError(test, root.Insert(ent))

	require.NoError(test, child.Insert(entry(test, "f", 77)))
	assert.ErrorIs(test, Remove(root, child), common.ENOTEMPTY)
	require.NoError(test, child.Delete(77))

	require.NoError(test, Remove(root, child))
	child.Close()

	assert.True(test, root.IsEmpty())
	assert.False(test, part.InodeInUse(inum))
	assert.Equal(test, before, usedBlocks(test, t))
	assert.False(test, t.IsOpen(inum))
}
