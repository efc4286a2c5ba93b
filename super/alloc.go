package super

import (
	"fmt"

	"github.com/jnwhiteh/sectorfs/bitmap"
	"github.com/jnwhiteh/sectorfs/common"
)

type BitmapType int

const (
	INODE_BITMAP BitmapType = iota
	BLOCK_BITMAP
)

// AllocInode claims a free inode number and writes the changed inode
// bitmap sector back to disk.
func (p *Partition) AllocInode() (uint32, error) {
	p.mu.Lock()
	if p.imap == nil {
		p.mu.Unlock()
		return 0, common.EINVAL
	}
	bit := p.imap.Alloc()
	p.mu.Unlock()

	if bit == bitmap.NO_BIT || bit >= common.MAX_FILES_PER_PART {
		p.log.Warn("out of inodes")
		return 0, common.ENFILE
	}
	if err := p.SyncBitmap(INODE_BITMAP, bit); err != nil {
		p.mu.Lock()
		p.imap.Set(bit, false)
		p.mu.Unlock()
		return 0, err
	}
	return uint32(bit), nil
}

// FreeInode returns an inode number to the bitmap. Freeing an inode that
// is not allocated panics.
func (p *Partition) FreeInode(inum uint32) error {
	p.clearBit(INODE_BITMAP, int(inum))
	return p.SyncBitmap(INODE_BITMAP, int(inum))
}

// AllocBlock claims a free data block and returns its LBA.
func (p *Partition) AllocBlock() (uint32, error) {
	p.mu.Lock()
	if p.bmap == nil {
		p.mu.Unlock()
		return 0, common.EINVAL
	}
	bit := p.bmap.Alloc()
	p.mu.Unlock()

	if bit == bitmap.NO_BIT {
		p.log.Warn("no space left", "dev", p.Devno)
		return 0, common.ENOSPC
	}
	if err := p.SyncBitmap(BLOCK_BITMAP, bit); err != nil {
		p.mu.Lock()
		p.bmap.Set(bit, false)
		p.mu.Unlock()
		return 0, err
	}
	return p.SB.DataStartLBA + uint32(bit), nil
}

// FreeBlock returns a data block to the bitmap.
func (p *Partition) FreeBlock(lba uint32) error {
	sb := p.SB
	if lba < sb.DataStartLBA || lba >= sb.PartLBABase+sb.SecCnt {
		panic(fmt.Sprintf("%s: tried to free block %d outside the data region", p.Name, lba))
	}
	bit := int(lba - sb.DataStartLBA)
	p.clearBit(BLOCK_BITMAP, bit)
	return p.SyncBitmap(BLOCK_BITMAP, bit)
}

// clearBit releases an allocated bit in memory. The bitmap panics if the
// bit is out of range or already clear.
func (p *Partition) clearBit(which BitmapType, bit int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if which == INODE_BITMAP {
		p.imap.Free(bit)
	} else {
		p.bmap.Free(bit)
	}
}

// BlockInUse reports whether the data block at lba is marked allocated.
func (p *Partition) BlockInUse(lba uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bmap.Test(int(lba - p.SB.DataStartLBA))
}

// InodeInUse reports whether the inode number is marked allocated.
func (p *Partition) InodeInUse(inum uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.imap.Test(int(inum))
}

// SyncBitmap writes the single bitmap sector containing bit to disk.
func (p *Partition) SyncBitmap(which BitmapType, bit int) error {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	p.mu.Lock()
	var (
		bmap *bitmap.Bitmap
		base uint32
	)
	switch which {
	case INODE_BITMAP:
		bmap, base = p.imap, p.SB.InodeBitmapLBA
	case BLOCK_BITMAP:
		bmap, base = p.bmap, p.SB.BlockBitmapLBA
	default:
		p.mu.Unlock()
		return common.EINVAL
	}
	sec, data := bmap.Sector(bit, common.SECTOR_SIZE)
	sector := make([]byte, common.SECTOR_SIZE)
	copy(sector, data)
	p.mu.Unlock()

	if err := p.Cache.Write(p.Devno, base+uint32(sec), sector); err != nil {
		return fmt.Errorf("syncing bitmap of %s: %w", p.Name, err)
	}
	return nil
}

type Usage struct {
	Blocks     uint32 // allocatable data blocks
	FreeBlocks uint32
	Inodes     uint32
	FreeInodes uint32
}

func (u Usage) UsedBlocks() uint32 { return u.Blocks - u.FreeBlocks }
func (u Usage) UsedInodes() uint32 { return u.Inodes - u.FreeInodes }

// DiskUsage reads the superblock and both bitmaps straight from disk, so
// it works on partitions that are not mounted. An unformatted partition
// returns EUNFORMATTED.
func (p *Partition) DiskUsage() (*common.Superblock, Usage, error) {
	sb, err := p.ReadSuperblock()
	if err != nil {
		return nil, Usage{}, err
	}
	if sb.Magic != common.FS_MAGIC {
		return sb, Usage{}, common.EUNFORMATTED
	}
	load := func(lba, sects uint32) (*bitmap.Bitmap, error) {
		data := make([]byte, int(sects)*common.SECTOR_SIZE)
		if err := p.Cache.ReadMany(p.Devno, lba, data, int(sects)); err != nil {
			return nil, err
		}
		return bitmap.FromBytes(data), nil
	}
	bmap, err := load(sb.BlockBitmapLBA, sb.BlockBitmapSects)
	if err != nil {
		return nil, Usage{}, err
	}
	imap, err := load(sb.InodeBitmapLBA, sb.InodeBitmapSects)
	if err != nil {
		return nil, Usage{}, err
	}
	blocks := sb.DataBlocks()
	return sb, Usage{
		Blocks:     blocks,
		FreeBlocks: uint32(bmap.CountFree(int(blocks))),
		Inodes:     sb.InodeCnt,
		FreeInodes: uint32(imap.CountFree(int(sb.InodeCnt))),
	}, nil
}

// Usage counts free and used resources from the in-memory bitmaps.
func (p *Partition) Usage() (Usage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SB == nil {
		return Usage{}, common.EINVAL
	}
	blocks := p.SB.DataBlocks()
	return Usage{
		Blocks:     blocks,
		FreeBlocks: uint32(p.bmap.CountFree(int(blocks))),
		Inodes:     p.SB.InodeCnt,
		FreeInodes: uint32(p.imap.CountFree(int(p.SB.InodeCnt))),
	}, nil
}
