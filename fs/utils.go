package fs

import (
	"errors"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/dir"
)

// new_node creates an inode of the given type and enters it in parent
// under name. Directories get their "." and ".." entries; special files
// record rdev.
func (fs *FileSystem) new_node(parent *dir.Dir, name string, ftype common.FileType, rdev uint32) (uint32, error) {
	if name == "." || name == ".." {
		return 0, common.EEXIST
	}
	// Validate the name before allocating anything
	if _, err := common.NewDirEntry(name, 0, ftype); err != nil {
		return 0, err
	}

	itable := fs.vol.itable
	part := fs.vol.part
	inum, err := part.AllocInode()
	if err != nil {
		return 0, err
	}
	rip, err := itable.New(inum, ftype)
	if err != nil {
		part.FreeInode(inum)
		return 0, err
	}
	defer itable.Put(rip)

	switch ftype {
	case common.FT_DIRECTORY:
		err = dir.Init(itable, rip, parent.Inum())
	case common.FT_CHAR_SPECIAL, common.FT_BLOCK_SPECIAL:
		rip.Sectors[0] = rdev
		err = itable.Sync(rip)
	default:
		err = itable.Sync(rip)
	}
	if err != nil {
		part.FreeInode(inum)
		return 0, err
	}

	// Force the inode to disk before making a directory entry: an inode
	// with no directory entry is much better than the opposite.
	ent, _ := common.NewDirEntry(name, inum, ftype)
	if err := parent.Insert(ent); err != nil {
		if rerr := itable.Release(inum); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return 0, err
	}
	fs.log.Debug("created", "name", name, "inum", inum, "type", ftype)
	return inum, nil
}

// lastName is the final component of path.
func lastName(path string) string {
	comps := components(path)
	if len(comps) == 0 {
		return ""
	}
	return comps[len(comps)-1]
}

// cwdBusy reports whether inum is some process's working directory.
func (fs *FileSystem) cwdBusy(inum uint32) bool {
	for _, proc := range fs.procs {
		if proc.cwd == inum {
			return true
		}
	}
	return false
}
