// Package fsck checks the consistency of a partition. It reads the on-disk
// structures directly, so the partition does not need to be mounted.
//
// The check walks the directory tree from the root inode, building its
// own inode and block maps as it goes, and then compares them with the
// bitmaps stored on disk.
package fsck

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jnwhiteh/sectorfs/bitmap"
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/inode"
	"github.com/jnwhiteh/sectorfs/super"
)

type Kind int

const (
	InodeUnmarked     Kind = iota // reachable but free in the inode bitmap
	InodeUnreachable              // allocated but not in any directory
	BlockUnmarked                 // referenced but free in the block bitmap
	BlockUnreferenced             // allocated but not used by any inode
	BlockDuplicate                // referenced more than once
	BlockOutOfRange               // pointer outside the data region
	BadDirSize
	BadDots // missing or wrong "." or ".."
	TypeMismatch
	BadEntry
	MultiplyLinked
)

var kindNames = []string{
	"inode unmarked",
	"inode unreachable",
	"block unmarked",
	"block unreferenced",
	"duplicate block",
	"block out of range",
	"bad directory size",
	"bad dot entries",
	"type mismatch",
	"bad entry",
	"multiply linked",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

type Problem struct {
	Kind   Kind
	Inum   uint32
	Block  uint32 // LBA, for block problems
	Path   string
	Detail string
}

func (p Problem) String() string {
	s := fmt.Sprintf("%s: inode %d", p.Kind, p.Inum)
	if p.Block != common.NO_BLOCK {
		s += fmt.Sprintf(" block %d", p.Block)
	}
	if p.Path != "" {
		s += fmt.Sprintf(" (%s)", p.Path)
	}
	if p.Detail != "" {
		s += ": " + p.Detail
	}
	return s
}

type Report struct {
	Partition string

	Regular      int
	Directories  int
	CharSpecial  int
	BlockSpecial int
	Other        int
	FreeInodes   int
	FreeBlocks   int

	Problems []Problem
}

func (r *Report) Clean() bool { return len(r.Problems) == 0 }

// Count returns the number of problems of the given kind.
func (r *Report) Count(kind Kind) int {
	n := 0
	for _, p := range r.Problems {
		if p.Kind == kind {
			n++
		}
	}
	return n
}

const MAXPRINT = 20

func pr(w io.Writer, format string, n int, singular, plural string) {
	if n == 1 {
		fmt.Fprintf(w, format, n, singular)
	} else {
		fmt.Fprintf(w, format, n, plural)
	}
}

// Print writes the totals and the first problems found.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "%s\n", r.Partition)
	pr(w, "%8d    Regular file%s\n", r.Regular, "", "s")
	pr(w, "%8d    Director%s\n", r.Directories, "y", "ies")
	pr(w, "%8d    Block special file%s\n", r.BlockSpecial, "", "s")
	pr(w, "%8d    Character special file%s\n", r.CharSpecial, "", "s")
	if r.Other != 0 {
		pr(w, "%8d    Other inode%s\n", r.Other, "", "s")
	}
	pr(w, "%8d    Free inode%s\n", r.FreeInodes, "", "s")
	pr(w, "%8d    Free block%s\n", r.FreeBlocks, "", "s")

	if r.Clean() {
		fmt.Fprintf(w, "clean\n")
		return
	}
	for i, p := range r.Problems {
		if i == MAXPRINT {
			fmt.Fprintf(w, "etc. %d errors found\n", len(r.Problems))
			break
		}
		fmt.Fprintf(w, "  %s\n", p)
	}
}

type checker struct {
	part *super.Partition
	sb   *common.Superblock

	imap, bmap         *bitmap.Bitmap // as stored on disk
	seenImap, seenBmap *bitmap.Bitmap // as found by the walk

	report *Report
	log    *slog.Logger
}

type pending struct {
	inum, parent uint32
	path         string
}

// Check checks one partition. It returns EUNFORMATTED if the partition
// carries no file system; anything else wrong is reported as a problem.
func Check(part *super.Partition) (*Report, error) {
	sb, err := part.ReadSuperblock()
	if err != nil {
		return nil, err
	}
	if sb.Magic != common.FS_MAGIC {
		return nil, fmt.Errorf("checking %s: %w", part.Name, common.EUNFORMATTED)
	}

	c := &checker{
		part:   part,
		sb:     sb,
		report: &Report{Partition: part.Name},
		log:    slog.Default().With("fsck", part.Name),
	}
	if c.imap, err = c.loadBitmap(sb.InodeBitmapLBA, sb.InodeBitmapSects); err != nil {
		return nil, err
	}
	if c.bmap, err = c.loadBitmap(sb.BlockBitmapLBA, sb.BlockBitmapSects); err != nil {
		return nil, err
	}
	c.seenImap = bitmap.New(len(c.imap.Bytes()))
	c.seenBmap = bitmap.New(len(c.bmap.Bytes()))

	if err := c.chktree(); err != nil {
		return nil, err
	}
	c.chkmaps()
	c.log.Debug("checked", "problems", len(c.report.Problems))
	return c.report, nil
}

// CheckAll checks every partition concurrently. Reports come back in the
// order of parts; a partition without a file system gets a nil report.
func CheckAll(ctx context.Context, parts []*super.Partition) ([]*Report, error) {
	reports := make([]*Report, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := Check(part)
			switch {
			case err == nil:
				reports[i] = r
			case !isUnformatted(err):
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func isUnformatted(err error) bool { return errors.Is(err, common.EUNFORMATTED) }

func (c *checker) problem(kind Kind, inum, block uint32, path, detail string) {
	c.report.Problems = append(c.report.Problems, Problem{
		Kind: kind, Inum: inum, Block: block, Path: path, Detail: detail,
	})
}

func (c *checker) loadBitmap(lba, sects uint32) (*bitmap.Bitmap, error) {
	data := make([]byte, int(sects)*common.SECTOR_SIZE)
	if err := c.part.Cache.ReadMany(c.part.Devno, lba, data, int(sects)); err != nil {
		return nil, fmt.Errorf("loading bitmap at %d: %w", lba, err)
	}
	return bitmap.FromBytes(data), nil
}

func (c *checker) readBlock(lba uint32, buf []byte) error {
	return c.part.Cache.ReadMany(c.part.Devno, lba, buf, 1)
}

func (c *checker) readInode(inum uint32) (common.DiskInode, error) {
	var di common.DiskInode
	pos := inode.Locate(c.sb, inum)
	buf := make([]byte, 2*common.SECTOR_SIZE)
	if err := c.part.Cache.ReadMany(c.part.Devno, pos.LBA, buf, pos.Sectors()); err != nil {
		return di, fmt.Errorf("reading inode %d: %w", inum, err)
	}
	di.Decode(buf[pos.Offset:])
	return di, nil
}

// markzone records a reference to lba. It reports false for a pointer
// that cannot be followed.
func (c *checker) markzone(inum, lba uint32, path string) bool {
	end := c.sb.PartLBABase + c.sb.SecCnt
	if lba < c.sb.DataStartLBA || lba >= end {
		c.problem(BlockOutOfRange, inum, lba, path, "")
		return false
	}
	bit := int(lba - c.sb.DataStartLBA)
	if c.seenBmap.Test(bit) {
		c.problem(BlockDuplicate, inum, lba, path, "")
		return false
	}
	c.seenBmap.Set(bit, true)
	return true
}

// chkzones marks every block of an inode and returns the data blocks by
// file block index, with NO_BLOCK for holes and bad pointers.
func (c *checker) chkzones(inum uint32, di *common.DiskInode, path string) ([]uint32, error) {
	blocks := make([]uint32, common.MAX_FILE_BLOCKS)
	for i := 0; i < common.NR_DIRECT; i++ {
		if b := di.Sectors[i]; b != common.NO_BLOCK && c.markzone(inum, b, path) {
			blocks[i] = b
		}
	}

	ind := di.Sectors[common.INDIRECT_SLOT]
	if ind == common.NO_BLOCK || !c.markzone(inum, ind, path) {
		return blocks, nil
	}
	table := make([]byte, common.BLOCK_SIZE)
	if err := c.readBlock(ind, table); err != nil {
		return nil, err
	}
	for i := 0; i < common.NR_INDIRECT; i++ {
		b := binary.LittleEndian.Uint32(table[i*4:])
		if b != common.NO_BLOCK && c.markzone(inum, b, path) {
			blocks[common.NR_DIRECT+i] = b
		}
	}
	return blocks, nil
}

func (c *checker) count(t common.FileType) {
	switch t {
	case common.FT_REGULAR:
		c.report.Regular++
	case common.FT_DIRECTORY:
		c.report.Directories++
	case common.FT_CHAR_SPECIAL:
		c.report.CharSpecial++
	case common.FT_BLOCK_SPECIAL:
		c.report.BlockSpecial++
	default:
		c.report.Other++
	}
}

func (c *checker) chktree() error {
	root := c.sb.RootInodeNo
	if root >= c.sb.InodeCnt {
		c.problem(BadEntry, root, common.NO_BLOCK, "/", "root inode out of range")
		return nil
	}
	di, err := c.readInode(root)
	if err != nil {
		return err
	}
	if di.Type != common.FT_DIRECTORY {
		c.problem(TypeMismatch, root, common.NO_BLOCK, "/", fmt.Sprintf("root is %s", di.Type))
		return nil
	}
	c.seenImap.Set(int(root), true)
	c.count(di.Type)

	stack := []pending{{inum: root, parent: root, path: ""}}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		children, err := c.chkdirectory(top)
		if err != nil {
			return err
		}
		stack = append(stack, children...)
	}
	return nil
}

// chkdirectory checks one directory and every non-directory in it, and
// returns the subdirectories still to be visited.
func (c *checker) chkdirectory(dp pending) ([]pending, error) {
	path := dp.path
	if path == "" {
		path = "/"
	}
	di, err := c.readInode(dp.inum)
	if err != nil {
		return nil, err
	}
	if di.Size%common.DIRENT_SIZE != 0 {
		c.problem(BadDirSize, dp.inum, common.NO_BLOCK, path, fmt.Sprintf("size %d", di.Size))
	}
	blocks, err := c.chkzones(dp.inum, &di, path)
	if err != nil {
		return nil, err
	}

	var subdirs []pending
	dot, dotdot := false, false
	live := uint32(0)
	block := make([]byte, common.BLOCK_SIZE)
	for idx, lba := range blocks {
		if lba == common.NO_BLOCK {
			continue
		}
		if err := c.readBlock(lba, block); err != nil {
			return nil, err
		}
		for slot, ent := range common.DirBlock(block) {
			if ent.Free() {
				continue
			}
			live++
			name := ent.String()

			if idx == 0 && slot < 2 {
				want, exp := ".", dp.inum
				if slot == 1 {
					want, exp = "..", dp.parent
				}
				if name != want || ent.Inum != exp {
					c.problem(BadDots, dp.inum, lba, path, fmt.Sprintf("slot %d is %q -> %d, expected %q -> %d", slot, name, ent.Inum, want, exp))
				}
				if slot == 0 {
					dot = true
				} else {
					dotdot = true
				}
				continue
			}

			child := dp.path + "/" + name
			if name == "." || name == ".." || name == "" {
				c.problem(BadEntry, dp.inum, lba, child, fmt.Sprintf("misplaced %q in slot %d", name, slot))
				continue
			}
			if ent.Inum >= c.sb.InodeCnt {
				c.problem(BadEntry, ent.Inum, lba, child, "inode out of range")
				continue
			}
			if sub, ok, err := c.chkentry(ent, dp.inum, child); err != nil {
				return nil, err
			} else if ok {
				subdirs = append(subdirs, sub)
			}
		}
	}
	if !dot || !dotdot {
		c.problem(BadDots, dp.inum, common.NO_BLOCK, path, "missing . or ..")
	}
	if live*common.DIRENT_SIZE != di.Size {
		c.problem(BadDirSize, dp.inum, common.NO_BLOCK, path, fmt.Sprintf("size %d holds %d entries", di.Size, live))
	}
	return subdirs, nil
}

// chkentry checks the inode an entry names. A directory is returned to be
// visited later; anything else is checked here.
func (c *checker) chkentry(ent common.DirEntry, parent uint32, path string) (pending, bool, error) {
	inum := ent.Inum
	di, err := c.readInode(inum)
	if err != nil {
		return pending{}, false, err
	}
	if di.Type == common.FT_UNKNOWN {
		c.problem(BadEntry, inum, common.NO_BLOCK, path, "entry names a free inode")
		return pending{}, false, nil
	}
	if di.Type != ent.Type {
		c.problem(TypeMismatch, inum, common.NO_BLOCK, path, fmt.Sprintf("entry says %s, inode is %s", ent.Type, di.Type))
	}
	if c.seenImap.Test(int(inum)) {
		c.problem(MultiplyLinked, inum, common.NO_BLOCK, path, "")
		return pending{}, false, nil
	}
	c.seenImap.Set(int(inum), true)
	c.count(di.Type)

	switch {
	case di.Type == common.FT_DIRECTORY:
		return pending{inum: inum, parent: parent, path: path}, true, nil
	case di.Type.OwnsBlocks():
		if di.Size > common.MAX_FILE_SIZE {
			c.problem(BadEntry, inum, common.NO_BLOCK, path, fmt.Sprintf("size %d exceeds the maximum", di.Size))
		}
		if _, err := c.chkzones(inum, &di, path); err != nil {
			return pending{}, false, err
		}
	}
	return pending{}, false, nil
}

// chkmaps compares the maps built by the walk with the ones on disk.
func (c *checker) chkmaps() {
	for i := 0; i < int(c.sb.InodeCnt); i++ {
		disk, seen := c.imap.Test(i), c.seenImap.Test(i)
		switch {
		case seen && !disk:
			c.problem(InodeUnmarked, uint32(i), common.NO_BLOCK, "", "")
		case disk && !seen:
			c.problem(InodeUnreachable, uint32(i), common.NO_BLOCK, "", "")
		}
		if !disk {
			c.report.FreeInodes++
		}
	}
	for i := 0; i < int(c.sb.DataBlocks()); i++ {
		lba := c.sb.DataStartLBA + uint32(i)
		disk, seen := c.bmap.Test(i), c.seenBmap.Test(i)
		switch {
		case seen && !disk:
			c.problem(BlockUnmarked, 0, lba, "", "")
		case disk && !seen:
			c.problem(BlockUnreferenced, 0, lba, "", "")
		}
		if !disk {
			c.report.FreeBlocks++
		}
	}
}
