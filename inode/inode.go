// Package inode keeps the in-memory inodes of a partition and maps file
// offsets onto data blocks.
//
// A Table holds at most one Inode per inode number: every opener of the
// same number shares the instance and bumps its reference count.
package inode

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/super"
)

type Inode struct {
	common.DiskInode

	Inum      uint32
	Count     int  // open references
	WriteDeny bool // set while a writer has the file open

	table *Table
}

func (ip *Inode) IsDirectory() bool { return ip.Type == common.FT_DIRECTORY }

// Blocks is the number of data blocks the file's size covers.
func (ip *Inode) Blocks() int {
	return int((ip.Size + common.BLOCK_SIZE - 1) / common.BLOCK_SIZE)
}

type Table struct {
	part *super.Partition
	mu   sync.Mutex
	open map[uint32]*Inode
	log  *slog.Logger
}

func NewTable(part *super.Partition, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		part: part,
		open: make(map[uint32]*Inode),
		log:  logger.With("component", "inode", "part", part.Name),
	}
}

func (t *Table) Partition() *super.Partition { return t.part }

// Position is where an inode lives in the inode table. Inodes are not
// sector aligned, so one may continue into the following sector.
type Position struct {
	LBA        uint32
	Offset     int
	TwoSectors bool
}

func (pos Position) Sectors() int {
	if pos.TwoSectors {
		return 2
	}
	return 1
}

func Locate(sb *common.Superblock, inum uint32) Position {
	off := int(inum) * common.DINODE_SIZE
	in := off % common.SECTOR_SIZE
	return Position{
		LBA:        sb.InodeTableLBA + uint32(off/common.SECTOR_SIZE),
		Offset:     in,
		TwoSectors: common.SECTOR_SIZE-in < common.DINODE_SIZE,
	}
}

func (t *Table) checkInum(inum uint32) error {
	if t.part.SB == nil {
		return common.EINVAL
	}
	if inum >= t.part.SB.InodeCnt {
		return fmt.Errorf("inode %d: %w", inum, common.EINVAL)
	}
	return nil
}

// Get returns the in-memory inode for inum, reading it from disk if it is
// not already open.
func (t *Table) Get(inum uint32) (*Inode, error) {
	if err := t.checkInum(inum); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if ip, ok := t.open[inum]; ok {
		ip.Count++
		t.mu.Unlock()
		return ip, nil
	}
	t.mu.Unlock()

	di, err := t.load(inum)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Someone may have opened it while we were reading
	if ip, ok := t.open[inum]; ok {
		ip.Count++
		return ip, nil
	}
	ip := &Inode{DiskInode: di, Inum: inum, Count: 1, table: t}
	t.open[inum] = ip
	return ip, nil
}

func (t *Table) load(inum uint32) (common.DiskInode, error) {
	var di common.DiskInode
	pos := Locate(t.part.SB, inum)
	buf := make([]byte, 2*common.SECTOR_SIZE)
	if err := t.part.Cache.ReadMany(t.part.Devno, pos.LBA, buf, pos.Sectors()); err != nil {
		return di, fmt.Errorf("reading inode %d: %w", inum, err)
	}
	di.Decode(buf[pos.Offset:])
	return di, nil
}

// New registers a freshly allocated inode number with an empty inode of
// the given type. The inode is not written until Sync.
func (t *Table) New(inum uint32, ftype common.FileType) (*Inode, error) {
	if err := t.checkInum(inum); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[inum]; ok {
		return nil, fmt.Errorf("new inode %d already open: %w", inum, common.EBUSY)
	}
	ip := &Inode{Inum: inum, Count: 1, table: t}
	ip.Type = ftype
	t.open[inum] = ip
	return ip, nil
}

// NewAnon returns an inode that never appears in the table, for objects
// that have no on-disk identity.
func (t *Table) NewAnon(ftype common.FileType) *Inode {
	ip := &Inode{Inum: common.ANON_INODE, Count: 1, table: t}
	ip.Type = ftype
	return ip
}

// Dup adds a reference to an open inode.
func (t *Table) Dup(ip *Inode) *Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	ip.Count++
	return ip
}

// Put drops a reference. The inode leaves the table with its last
// reference. Putting an inode nobody holds panics.
func (t *Table) Put(ip *Inode) {
	if ip == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if ip.Count <= 0 {
		panic(fmt.Sprintf("inode: close of unreferenced inode %d", ip.Inum))
	}
	ip.Count--
	if ip.Count == 0 && ip.Inum != common.ANON_INODE {
		delete(t.open, ip.Inum)
	}
}

// IsOpen reports whether the inode number has open references.
func (t *Table) IsOpen(inum uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.open[inum]
	return ok
}

// Busy returns the number of open inodes other than skip.
func (t *Table) Busy(skip ...uint32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.open)
	for _, inum := range skip {
		if _, ok := t.open[inum]; ok {
			n--
		}
	}
	return n
}

// Sync writes the inode back to the inode table, leaving neighbouring
// inodes that share its sectors untouched.
func (t *Table) Sync(ip *Inode) error {
	if ip.Inum == common.ANON_INODE {
		return nil
	}
	return t.write(ip.Inum, &ip.DiskInode)
}

func (t *Table) write(inum uint32, di *common.DiskInode) error {
	pos := Locate(t.part.SB, inum)
	n := pos.Sectors()
	buf := make([]byte, 2*common.SECTOR_SIZE)
	cache, dev := t.part.Cache, t.part.Devno
	if err := cache.ReadMany(dev, pos.LBA, buf, n); err != nil {
		return fmt.Errorf("reading inode %d for update: %w", inum, err)
	}
	di.Encode(buf[pos.Offset:])
	if err := cache.WriteThrough(dev, pos.LBA, buf, n); err != nil {
		return fmt.Errorf("writing inode %d: %w", inum, err)
	}
	return nil
}

// Release destroys an inode: its data blocks (for types that own any) and
// its inode number go back to the bitmaps, and the on-disk record is
// zeroed.
func (t *Table) Release(inum uint32) error {
	ip, err := t.Get(inum)
	if err != nil {
		return err
	}
	defer t.Put(ip)

	if ip.Type.OwnsBlocks() {
		if err := t.freeBlocks(ip); err != nil {
			return err
		}
	}
	if err := t.part.FreeInode(inum); err != nil {
		return err
	}
	ip.DiskInode = common.DiskInode{}
	if err := t.write(inum, &ip.DiskInode); err != nil {
		return err
	}
	t.log.Debug("released inode", "inum", inum)
	return nil
}
