// Package dir implements directories as flat arrays of fixed-size entries
// stored in the data blocks of a directory inode.
//
// Entries are unsorted. A deleted entry is left as a tombstone (type
// FT_UNKNOWN) and reused by the next insert. The size of a directory inode
// counts live entries only, so it says nothing about where they are.
package dir

import (
	"fmt"
	"io"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/inode"
)

// Dir is a cursor over an open directory inode.
type Dir struct {
	Inode *inode.Inode
	Pos   uint32 // byte offset among live entries, for Read

	table *inode.Table
}

// Open opens the directory with the given inode number.
func Open(t *inode.Table, inum uint32) (*Dir, error) {
	ip, err := t.Get(inum)
	if err != nil {
		return nil, err
	}
	if !ip.IsDirectory() {
		t.Put(ip)
		return nil, common.ENOTDIR
	}
	return &Dir{Inode: ip, table: t}, nil
}

// Close drops the directory's reference to its inode.
func (d *Dir) Close() {
	if d.Inode == nil {
		return
	}
	d.table.Put(d.Inode)
	d.Inode = nil
}

func (d *Dir) Inum() uint32 { return d.Inode.Inum }

// IsEmpty reports whether only "." and ".." are left.
func (d *Dir) IsEmpty() bool {
	return d.Inode.Size == 2*common.DIRENT_SIZE
}

func (d *Dir) Rewind() { d.Pos = 0 }

// visit calls fn on the decoded entries of every allocated block, in slot
// order. fn returns true to stop.
func (d *Dir) visit(fn func(idx int, lba uint32, block []byte, ents []common.DirEntry) (bool, error)) error {
	blocks, err := d.table.AllBlocks(d.Inode)
	if err != nil {
		return err
	}
	block := make([]byte, common.BLOCK_SIZE)
	part := d.table.Partition()
	for idx, lba := range blocks {
		if lba == common.NO_BLOCK {
			continue
		}
		if err := part.Cache.ReadMany(part.Devno, lba, block, 1); err != nil {
			return err
		}
		stop, err := fn(idx, lba, block, common.DirBlock(block))
		if err != nil || stop {
			return err
		}
	}
	return nil
}

// Search looks up name among the live entries.
func (d *Dir) Search(name string) (common.DirEntry, bool, error) {
	var found common.DirEntry
	ok := false
	err := d.visit(func(_ int, _ uint32, _ []byte, ents []common.DirEntry) (bool, error) {
		for _, ent := range ents {
			if !ent.Free() && ent.String() == name {
				found, ok = ent, true
				return true, nil
			}
		}
		return false, nil
	})
	return found, ok, err
}

// NameOf finds the entry naming inum, other than "." and "..".
func (d *Dir) NameOf(inum uint32) (common.DirEntry, bool, error) {
	var found common.DirEntry
	ok := false
	err := d.visit(func(_ int, _ uint32, _ []byte, ents []common.DirEntry) (bool, error) {
		for _, ent := range ents {
			if ent.Free() || ent.Inum != inum {
				continue
			}
			if name := ent.String(); name == "." || name == ".." {
				continue
			}
			found, ok = ent, true
			return true, nil
		}
		return false, nil
	})
	return found, ok, err
}

// Insert stores ent in the first tombstone, or in a new block if there is
// none. The caller checks for duplicate names.
func (d *Dir) Insert(ent common.DirEntry) error {
	part := d.table.Partition()
	placed := false
	hole := -1

	err := d.visit(func(idx int, lba uint32, block []byte, ents []common.DirEntry) (bool, error) {
		for i, e := range ents {
			if !e.Free() {
				continue
			}
			ent.Encode(block[i*common.DIRENT_SIZE:])
			if err := part.Cache.Write(part.Devno, lba, block); err != nil {
				return true, err
			}
			placed = true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return err
	}

	if !placed {
		blocks, err := d.table.AllBlocks(d.Inode)
		if err != nil {
			return err
		}
		for idx, lba := range blocks {
			if lba == common.NO_BLOCK {
				hole = idx
				break
			}
		}
		if hole < 0 {
			return common.EDIRFULL
		}
		lba, err := d.table.BlockFor(d.Inode, hole, true)
		if err != nil {
			// The indirect pointer may have moved even on failure
			d.table.Sync(d.Inode)
			return err
		}
		block := make([]byte, common.BLOCK_SIZE)
		ent.Encode(block)
		if err := part.Cache.Write(part.Devno, lba, block); err != nil {
			return err
		}
	}

	d.Inode.Size += common.DIRENT_SIZE
	return d.table.Sync(d.Inode)
}

// Delete removes the entry naming inum. A block other than the first whose
// last entry goes is handed back to the bitmap.
func (d *Dir) Delete(inum uint32) error {
	part := d.table.Partition()
	found := false

	err := d.visit(func(idx int, lba uint32, block []byte, ents []common.DirEntry) (bool, error) {
		first := false
		live := 0
		at := -1
		for i, e := range ents {
			if e.Free() {
				continue
			}
			switch name := e.String(); name {
			case ".":
				first = true
			case "..":
			default:
				live++
				if e.Inum == inum {
					at = i
				}
			}
		}
		if at < 0 {
			return false, nil
		}
		found = true

		if live == 1 && !first {
			return true, d.table.FreeSlot(d.Inode, idx)
		}
		clear(block[at*common.DIRENT_SIZE : (at+1)*common.DIRENT_SIZE])
		return true, part.Cache.Write(part.Devno, lba, block)
	})
	if err != nil {
		return err
	}
	if !found {
		return common.ENOENT
	}
	if d.Inode.Size < common.DIRENT_SIZE {
		return fmt.Errorf("directory %d size %d: %w", d.Inum(), d.Inode.Size, common.ECORRUPT)
	}
	d.Inode.Size -= common.DIRENT_SIZE
	return d.table.Sync(d.Inode)
}

// Read returns the next live entry and advances the cursor, or io.EOF
// once every entry has been returned.
func (d *Dir) Read() (common.DirEntry, error) {
	var out common.DirEntry
	if d.Pos >= d.Inode.Size {
		return out, io.EOF
	}
	var cur uint32
	ok := false
	err := d.visit(func(_ int, _ uint32, _ []byte, ents []common.DirEntry) (bool, error) {
		for _, e := range ents {
			if e.Free() {
				continue
			}
			if cur < d.Pos {
				cur += common.DIRENT_SIZE
				continue
			}
			out, ok = e, true
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return out, err
	}
	if !ok {
		return out, io.EOF
	}
	d.Pos += common.DIRENT_SIZE
	return out, nil
}

// Init writes "." and ".." into a freshly created directory inode, which
// gets its first block here.
func Init(t *inode.Table, ip *inode.Inode, parent uint32) error {
	lba, err := t.BlockFor(ip, 0, true)
	if err != nil {
		return err
	}
	block := make([]byte, common.BLOCK_SIZE)
	dot, _ := common.NewDirEntry(".", ip.Inum, common.FT_DIRECTORY)
	dotdot, _ := common.NewDirEntry("..", parent, common.FT_DIRECTORY)
	dot.Encode(block)
	dotdot.Encode(block[common.DIRENT_SIZE:])
	part := t.Partition()
	if err := part.Cache.Write(part.Devno, lba, block); err != nil {
		t.FreeSlot(ip, 0)
		return err
	}
	ip.Size = 2 * common.DIRENT_SIZE
	return t.Sync(ip)
}

// Remove deletes the empty directory child from parent and releases its
// inode. Both stay open; the caller closes them.
func Remove(parent, child *Dir) error {
	if !child.IsEmpty() {
		return common.ENOTEMPTY
	}
	for idx := 1; idx < common.NR_BLOCK_PTRS; idx++ {
		if child.Inode.Sectors[idx] != common.NO_BLOCK {
			return fmt.Errorf("empty directory %d owns block slot %d: %w", child.Inum(), idx, common.ECORRUPT)
		}
	}
	if err := parent.Delete(child.Inum()); err != nil {
		return err
	}
	return child.table.Release(child.Inum())
}
