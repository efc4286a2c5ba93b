// Package super manages partitions: locating them on a disk, laying out and
// formatting the on-disk structures, and mounting them so that inodes and
// data blocks can be allocated.
package super

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/bitmap"
	"github.com/jnwhiteh/sectorfs/common"
)

type Partition struct {
	Name     string
	StartLBA uint32
	SecCnt   uint32
	Devno    int
	Cache    *bcache.LRUCache

	// Reformat instead of failing when the superblock magic is missing
	AutoFormat bool

	SB *common.Superblock // nil until mounted

	mu     sync.Mutex // guards the bitmaps
	syncMu sync.Mutex // orders bitmap write-back
	bmap   *bitmap.Bitmap
	imap   *bitmap.Bitmap

	log *slog.Logger
}

func NewPartition(name string, devno int, cache *bcache.LRUCache, start, count uint32, logger *slog.Logger) *Partition {
	if logger == nil {
		logger = slog.Default()
	}
	return &Partition{
		Name:       name,
		StartLBA:   start,
		SecCnt:     count,
		Devno:      devno,
		Cache:      cache,
		AutoFormat: true,
		log:        logger.With("part", name),
	}
}

func (p *Partition) String() string {
	return fmt.Sprintf("%s [%d+%d]", p.Name, p.StartLBA, p.SecCnt)
}

func (p *Partition) Mounted() bool { return p.SB != nil }

func ceilDiv(a, b uint32) uint32 { return (a + b - 1) / b }

// Layout computes the superblock for a partition of count sectors starting
// at start. The boot sector and superblock come first, followed by the
// block bitmap, the inode bitmap, the inode table and the data region.
func Layout(start, count uint32) (*common.Superblock, error) {
	inodeBitmapSects := ceilDiv(common.MAX_FILES_PER_PART, common.BITS_PER_SECTOR)
	inodeTableSects := ceilDiv(common.DINODE_SIZE*common.MAX_FILES_PER_PART, common.SECTOR_SIZE)
	used := 2 + inodeBitmapSects + inodeTableSects
	if count <= used+1 {
		return nil, fmt.Errorf("partition of %d sectors cannot hold %d metadata sectors: %w", count, used, common.ENOSPC)
	}
	free := count - used

	// The block bitmap describes the sectors left after itself
	blockBitmapSects := ceilDiv(free, common.BITS_PER_SECTOR)
	bitLen := free - blockBitmapSects
	blockBitmapSects = ceilDiv(bitLen, common.BITS_PER_SECTOR)

	sb := &common.Superblock{
		Magic:            common.FS_MAGIC,
		SecCnt:           count,
		InodeCnt:         common.MAX_FILES_PER_PART,
		PartLBABase:      start,
		BlockBitmapLBA:   start + 2,
		BlockBitmapSects: blockBitmapSects,
		InodeBitmapSects: inodeBitmapSects,
		InodeTableSects:  inodeTableSects,
		RootInodeNo:      common.ROOT_INODE,
		DirEntrySize:     common.DIRENT_SIZE,
	}
	sb.InodeBitmapLBA = sb.BlockBitmapLBA + sb.BlockBitmapSects
	sb.InodeTableLBA = sb.InodeBitmapLBA + sb.InodeBitmapSects
	sb.DataStartLBA = sb.InodeTableLBA + sb.InodeTableSects
	if sb.DataStartLBA >= start+count {
		return nil, fmt.Errorf("partition of %d sectors leaves no data region: %w", count, common.ENOSPC)
	}
	return sb, nil
}

// Format writes an empty filesystem to the partition: both bitmaps, a
// zeroed inode table whose inode 0 is the root directory, the root
// directory block holding "." and "..", and finally the superblock.
func (p *Partition) Format() error {
	sb, err := Layout(p.StartLBA, p.SecCnt)
	if err != nil {
		return err
	}
	id := uuid.New()
	copy(sb.VolumeID[:], id[:])

	cache, dev := p.Cache, p.Devno

	data, err := sb.MarshalBinary()
	if err != nil {
		return err
	}
	// The magic number goes on disk only once the rest of the layout is
	// there, so a format that fails part way leaves no file system behind.
	if err := cache.Write(dev, p.StartLBA+1, make([]byte, common.SECTOR_SIZE)); err != nil {
		return fmt.Errorf("clearing superblock of %s: %w", p.Name, err)
	}

	// Block bitmap: bit 0 is the root directory's block, and the tail of
	// the last sector past the data region can never be allocated.
	bitLen := sb.DataBlocks()
	bmap := bitmap.New(int(sb.BlockBitmapSects) * common.SECTOR_SIZE)
	bmap.Set(0, true)
	for i := int(bitLen); i < bmap.Len(); i++ {
		bmap.Set(i, true)
	}
	if err := cache.WriteThrough(dev, sb.BlockBitmapLBA, bmap.Bytes(), int(sb.BlockBitmapSects)); err != nil {
		return fmt.Errorf("writing block bitmap of %s: %w", p.Name, err)
	}

	imap := bitmap.New(int(sb.InodeBitmapSects) * common.SECTOR_SIZE)
	imap.Set(common.ROOT_INODE, true)
	if err := cache.WriteThrough(dev, sb.InodeBitmapLBA, imap.Bytes(), int(sb.InodeBitmapSects)); err != nil {
		return fmt.Errorf("writing inode bitmap of %s: %w", p.Name, err)
	}

	table := make([]byte, int(sb.InodeTableSects)*common.SECTOR_SIZE)
	root := common.DiskInode{
		Size: 2 * common.DIRENT_SIZE,
		Type: common.FT_DIRECTORY,
	}
	root.Sectors[0] = sb.DataStartLBA
	root.Encode(table[common.ROOT_INODE*common.DINODE_SIZE:])
	if err := cache.WriteThrough(dev, sb.InodeTableLBA, table, int(sb.InodeTableSects)); err != nil {
		return fmt.Errorf("writing inode table of %s: %w", p.Name, err)
	}

	block := make([]byte, common.BLOCK_SIZE)
	dot, _ := common.NewDirEntry(".", common.ROOT_INODE, common.FT_DIRECTORY)
	dotdot, _ := common.NewDirEntry("..", common.ROOT_INODE, common.FT_DIRECTORY)
	dot.Encode(block[0:])
	dotdot.Encode(block[common.DIRENT_SIZE:])
	if err := cache.Write(dev, sb.DataStartLBA, block); err != nil {
		return fmt.Errorf("writing root directory of %s: %w", p.Name, err)
	}
	if err := cache.Write(dev, p.StartLBA+1, data); err != nil {
		return fmt.Errorf("writing superblock of %s: %w", p.Name, err)
	}

	p.log.Info("formatted partition",
		"sectors", sb.SecCnt,
		"block_bitmap", fmt.Sprintf("%d+%d", sb.BlockBitmapLBA, sb.BlockBitmapSects),
		"inode_bitmap", fmt.Sprintf("%d+%d", sb.InodeBitmapLBA, sb.InodeBitmapSects),
		"inode_table", fmt.Sprintf("%d+%d", sb.InodeTableLBA, sb.InodeTableSects),
		"data_start", sb.DataStartLBA,
		"volume", id)
	return nil
}

// ReadSuperblock reads the superblock sector without mounting.
func (p *Partition) ReadSuperblock() (*common.Superblock, error) {
	bp, err := p.Cache.Read(p.Devno, p.StartLBA+1)
	if err != nil {
		return nil, err
	}
	defer p.Cache.Put(bp)

	sb := new(common.Superblock)
	if err := sb.UnmarshalBinary(bp.Data); err != nil {
		return nil, err
	}
	return sb, nil
}

// Mount reads the superblock, formatting the partition first if it does
// not carry the magic number, and loads both bitmaps into memory.
func (p *Partition) Mount() error {
	sb, err := p.ReadSuperblock()
	if err != nil {
		return fmt.Errorf("mounting %s: %w", p.Name, err)
	}

	if sb.Magic != common.FS_MAGIC {
		if !p.AutoFormat {
			return fmt.Errorf("mounting %s: %w", p.Name, common.EUNFORMATTED)
		}
		p.log.Warn("no filesystem found, formatting", "magic", fmt.Sprintf("%#x", sb.Magic))
		if err := p.Format(); err != nil {
			return err
		}
		if sb, err = p.ReadSuperblock(); err != nil {
			return err
		}
	}

	bmap := make([]byte, int(sb.BlockBitmapSects)*common.SECTOR_SIZE)
	if err := p.Cache.ReadMany(p.Devno, sb.BlockBitmapLBA, bmap, int(sb.BlockBitmapSects)); err != nil {
		return fmt.Errorf("loading block bitmap of %s: %w", p.Name, err)
	}
	imap := make([]byte, int(sb.InodeBitmapSects)*common.SECTOR_SIZE)
	if err := p.Cache.ReadMany(p.Devno, sb.InodeBitmapLBA, imap, int(sb.InodeBitmapSects)); err != nil {
		return fmt.Errorf("loading inode bitmap of %s: %w", p.Name, err)
	}

	p.mu.Lock()
	p.bmap = bitmap.FromBytes(bmap)
	p.imap = bitmap.FromBytes(imap)
	p.SB = sb
	p.mu.Unlock()

	p.log.Debug("mounted", "data_start", sb.DataStartLBA, "volume", uuid.UUID(sb.VolumeID))
	return nil
}

// Unmount drops the in-memory bitmaps. Bitmaps are written back on every
// change, so nothing needs flushing.
func (p *Partition) Unmount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bmap = nil
	p.imap = nil
	p.SB = nil
	p.log.Debug("unmounted")
}
