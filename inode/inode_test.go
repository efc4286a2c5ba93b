package inode

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/device"
	"github.com/jnwhiteh/sectorfs/super"
	. "github.com/jnwhiteh/sectorfs/testutils"
)

func newTestTable(test *testing.T, sectors uint32) *Table {
	dev := device.NewRamDevice(sectors)
	cache := bcache.NewLRUCache(1, 256, 32, nil)
	require.NoError(test, cache.MountDevice(0, dev))
	part := super.NewPartition("sda", 0, cache, 0, sectors, nil)
	if err := part.Mount(); err != nil {
		FatalHere(test, "Failed mounting test partition: %s", err)
	}
	return NewTable(part, nil)
}

func newFile(test *testing.T, t *Table) *Inode {
	inum, err := t.Partition().AllocInode()
	require.NoError(test, err)
	ip, err := t.New(inum, common.FT_REGULAR)
	require.NoError(test, err)
	require.NoError(test, t.Sync(ip))
	return ip
}

func usedBlocks(test *testing.T, t *Table) uint32 {
	usage, err := t.Partition().Usage()
	require.NoError(test, err)
	return usage.UsedBlocks()
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/common.BLOCK_SIZE)
	}
	return data
}

func TestLocate(test *testing.T) {
	sb := &common.Superblock{InodeTableLBA: 4}

	pos := Locate(sb, 0)
	assert.Equal(test, Position{LBA: 4, Offset: 0}, pos)

	// 8*60 = 480, so inode 8 runs 32 bytes into the next sector
	pos = Locate(sb, 8)
	assert.Equal(test, uint32(4), pos.LBA)
	assert.Equal(test, 480, pos.Offset)
	assert.True(test, pos.TwoSectors)
	assert.Equal(test, 2, pos.Sectors())

	pos = Locate(sb, 9)
	assert.Equal(test, uint32(5), pos.LBA)
	assert.Equal(test, 28, pos.Offset)
	assert.False(test, pos.TwoSectors)
}

func TestGetSharesInstance(test *testing.T) {
	t := newTestTable(test, 2048)

	a, err := t.Get(common.ROOT_INODE)
	require.NoError(test, err)
	b, err := t.Get(common.ROOT_INODE)
	require.NoError(test, err)

	assert.Same(test, a, b)
	assert.Equal(test, 2, a.Count)
	assert.True(test, a.IsDirectory())
	assert.Equal(test, uint32(2*common.DIRENT_SIZE), a.Size)

	t.Put(a)
	assert.True(test, t.IsOpen(common.ROOT_INODE))
	t.Put(b)
	assert.False(test, t.IsOpen(common.ROOT_INODE))
	assert.Equal(test, 0, t.Busy())

	assert.Panics(test, func() { t.Put(b) })

	_, err = t.Get(common.MAX_FILES_PER_PART)
	assert.ErrorIs(test, err, common.EINVAL)
}

// An inode straddling two sectors must round-trip, and syncing it must not
// disturb its neighbours.
func TestSyncStraddlingInode(test *testing.T) {
	t := newTestTable(test, 2048)

	var ips []*Inode
	for inum := uint32(7); inum <= 9; inum++ {
		ip, err := t.New(inum, common.FT_REGULAR)
		require.NoError(test, err)
		ip.Size = 1000 + inum
		ip.Sectors[common.INDIRECT_SLOT] = 0xabcd0000 + inum
		require.NoError(test, t.Sync(ip))
		ips = append(ips, ip)
	}
	for _, ip := range ips {
		t.Put(ip)
	}

	for inum := uint32(7); inum <= 9; inum++ {
		ip, err := t.Get(inum)
		require.NoError(test, err)
		assert.Equal(test, 1000+inum, ip.Size, "inode %d", inum)
		assert.Equal(test, 0xabcd0000+inum, ip.Sectors[common.INDIRECT_SLOT], "inode %d", inum)
		assert.Equal(test, common.FT_REGULAR, ip.Type)
		t.Put(ip)
	}
}

func TestAppendRead(test *testing.T) {
	t := newTestTable(test, 2048)
	ip := newFile(test, t)
	defer t.Put(ip)

	n, err := t.Append(ip, []byte("hello"))
	require.NoError(test, err)
	assert.Equal(test, 5, n)
	n, err = t.Append(ip, []byte(", world"))
	require.NoError(test, err)
	assert.Equal(test, 7, n)
	assert.Equal(test, uint32(12), ip.Size)
	assert.Equal(test, 1, ip.Blocks())

	buf := make([]byte, 64)
	n, err = t.Read(ip, buf, 0)
	require.NoError(test, err)
	assert.Equal(test, "hello, world", string(buf[:n]))

	n, err = t.Read(ip, buf, 7)
	require.NoError(test, err)
	assert.Equal(test, "world", string(buf[:n]))

	_, err = t.Read(ip, buf, 12)
	assert.Equal(test, io.EOF, err)
}

func TestAppendCrossesBlocks(test *testing.T) {
	t := newTestTable(test, 2048)
	ip := newFile(test, t)
	defer t.Put(ip)

	data := pattern(3*common.BLOCK_SIZE + 100)
	// Odd sized writes so chunks straddle block boundaries
	for rest := data; len(rest) > 0; {
		chunk := min(333, len(rest))
		n, err := t.Append(ip, rest[:chunk])
		if err != nil {
			FatalHere(test, "Append failed at size %d: %s", ip.Size, err)
		}
		rest = rest[n:]
	}

	got := make([]byte, len(data))
	n, err := t.Read(ip, got, 0)
	require.NoError(test, err)
	assert.Equal(test, len(data), n)
	if !bytes.Equal(data, got) {
		ErrorHere(test, "Data read back does not match data written")
	}
}

// Twelve full blocks fit in the direct slots; the first byte past them
// needs the indirect block as well as a data block.
func TestIndirectBoundary(test *testing.T) {
	t := newTestTable(test, 2048)
	ip := newFile(test, t)
	defer t.Put(ip)

	before := usedBlocks(test, t)
	_, err := t.Append(ip, pattern(common.NR_DIRECT*common.BLOCK_SIZE))
	require.NoError(test, err)
	assert.Equal(test, before+common.NR_DIRECT, usedBlocks(test, t))
	assert.Equal(test, uint32(common.NO_BLOCK), ip.Sectors[common.INDIRECT_SLOT])

	_, err = t.Append(ip, []byte{1})
	require.NoError(test, err)
	assert.Equal(test, before+common.NR_DIRECT+2, usedBlocks(test, t))
	assert.NotEqual(test, uint32(common.NO_BLOCK), ip.Sectors[common.INDIRECT_SLOT])

	blocks, err := t.AllBlocks(ip)
	require.NoError(test, err)
	assert.Len(test, blocks, common.MAX_FILE_BLOCKS)
	assert.NotEqual(test, uint32(common.NO_BLOCK), blocks[common.NR_DIRECT])
	assert.Equal(test, uint32(common.NO_BLOCK), blocks[common.NR_DIRECT+1])
}

func TestMaxFileSize(test *testing.T) {
	t := newTestTable(test, 2048)
	ip := newFile(test, t)
	defer t.Put(ip)

	data := pattern(common.MAX_FILE_SIZE)
	n, err := t.Append(ip, data)
	require.NoError(test, err)
	assert.Equal(test, common.MAX_FILE_SIZE, n)

	n, err = t.Append(ip, []byte{0})
	assert.ErrorIs(test, err, common.EFBIG)
	assert.Equal(test, 0, n)

	// Re-read through a fresh inode from disk
	inum := ip.Inum
	other := newTestTableFrom(t)
	rip, err := other.Get(inum)
	require.NoError(test, err)
	got := make([]byte, common.MAX_FILE_SIZE+10)
	n, err = other.Read(rip, got, 0)
	require.NoError(test, err)
	assert.Equal(test, common.MAX_FILE_SIZE, n)
	assert.True(test, bytes.Equal(data, got[:n]))
	other.Put(rip)

	_, err = t.BlockFor(ip, common.MAX_FILE_BLOCKS, true)
	assert.ErrorIs(test, err, common.EFBIG)
}

func newTestTableFrom(t *Table) *Table {
	return NewTable(t.Partition(), nil)
}

func TestAppendNoSpace(test *testing.T) {
	t := newTestTable(test, 490)
	part := t.Partition()
	ip := newFile(test, t)
	defer t.Put(ip)

	usage, err := part.Usage()
	require.NoError(test, err)
	free := int(usage.FreeBlocks)
	require.Less(test, free, common.NR_DIRECT)

	n, err := t.Append(ip, pattern(common.NR_DIRECT*common.BLOCK_SIZE))
	assert.ErrorIs(test, err, common.ENOSPC)
	assert.Equal(test, free*common.BLOCK_SIZE, n)
	assert.Equal(test, uint32(n), ip.Size)

	// The partial write is on disk
	again, err := newTestTableFrom(t).Get(ip.Inum)
	require.NoError(test, err)
	assert.Equal(test, ip.Size, again.Size)
}

// Allocation of the first indirect entry fails after the indirect block
// itself was taken; the indirect block goes back.
func TestIndirectRollback(test *testing.T) {
	t := newTestTable(test, 490)
	part := t.Partition()
	ip := newFile(test, t)
	defer t.Put(ip)

	usage, err := part.Usage()
	require.NoError(test, err)
	// Leave exactly one free block once the direct slots are full
	for i := 0; i < int(usage.FreeBlocks)-1; i++ {
		_, err := part.AllocBlock()
		require.NoError(test, err)
	}
	ip.Size = common.NR_DIRECT * common.BLOCK_SIZE

	_, err = t.BlockFor(ip, common.NR_DIRECT, true)
	assert.ErrorIs(test, err, common.ENOSPC)
	assert.Equal(test, uint32(common.NO_BLOCK), ip.Sectors[common.INDIRECT_SLOT])

	usage, err = part.Usage()
	require.NoError(test, err)
	assert.Equal(test, uint32(1), usage.FreeBlocks)
}

func TestRelease(test *testing.T) {
	t := newTestTable(test, 2048)
	part := t.Partition()
	before := usedBlocks(test, t)

	ip := newFile(test, t)
	inum := ip.Inum
	_, err := t.Append(ip, pattern(20*common.BLOCK_SIZE))
	require.NoError(test, err)
	assert.Equal(test, before+21, usedBlocks(test, t))
	t.Put(ip)

	require.NoError(test, t.Release(inum))
	assert.Equal(test, before, usedBlocks(test, t))
	assert.False(test, part.InodeInUse(inum))

	ip, err = t.Get(inum)
	require.NoError(test, err)
	assert.Equal(test, common.FT_UNKNOWN, ip.Type)
	assert.Equal(test, uint32(0), ip.Size)
	t.Put(ip)
}

// Device inodes keep a device number in the first slot, which must not be
// treated as a block.
func TestReleaseDeviceInode(test *testing.T) {
	t := newTestTable(test, 2048)
	before := usedBlocks(test, t)

	inum, err := t.Partition().AllocInode()
	require.NoError(test, err)
	ip, err := t.New(inum, common.FT_CHAR_SPECIAL)
	require.NoError(test, err)
	ip.Sectors[0] = 0x0403
	require.NoError(test, t.Sync(ip))
	t.Put(ip)

	require.NoError(test, t.Release(inum))
	assert.Equal(test, before, usedBlocks(test, t))

	_, err = t.Append(t.NewAnon(common.FT_CHAR_SPECIAL), []byte("x"))
	assert.ErrorIs(test, err, common.EINVAL)
}

func TestTruncate(test *testing.T) {
	t := newTestTable(test, 2048)
	ip := newFile(test, t)
	defer t.Put(ip)
	before := usedBlocks(test, t)

	_, err := t.Append(ip, pattern(14*common.BLOCK_SIZE))
	require.NoError(test, err)
	assert.Equal(test, before+15, usedBlocks(test, t))

	require.NoError(test, t.Truncate(ip, 12*common.BLOCK_SIZE))
	assert.Equal(test, before+12, usedBlocks(test, t))
	assert.Equal(test, uint32(common.NO_BLOCK), ip.Sectors[common.INDIRECT_SLOT])

	require.NoError(test, t.Truncate(ip, 0))
	assert.Equal(test, before, usedBlocks(test, t))
	assert.ErrorIs(test, t.Truncate(ip, 1), common.EINVAL)
}

func TestCorruptIndirect(test *testing.T) {
	t := newTestTable(test, 2048)
	part := t.Partition()
	ip := newFile(test, t)
	defer t.Put(ip)

	ind, err := part.AllocBlock()
	require.NoError(test, err)
	table := make([]byte, common.BLOCK_SIZE)
	table[0] = 3 // LBA 3 is inside the inode bitmap, not data
	require.NoError(test, part.Cache.Write(part.Devno, ind, table))
	ip.Sectors[common.INDIRECT_SLOT] = ind
	ip.Size = 13 * common.BLOCK_SIZE

	_, err = t.BlockFor(ip, common.NR_DIRECT, false)
	assert.ErrorIs(test, err, common.ECORRUPT)
	_, err = t.Read(ip, make([]byte, 10), 12*common.BLOCK_SIZE)
	assert.ErrorIs(test, err, common.ECORRUPT)
}
