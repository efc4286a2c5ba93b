package fs

import (
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/dir"
	"github.com/jnwhiteh/sectorfs/inode"
)

// A filp is a potentially shared instance of an open file. Descriptors in
// several processes (after fork or dup2) may refer to the same filp and
// share its position.
type filp struct {
	count int          // descriptors referring to this entry
	pos   int          // byte offset for files, entry offset for directories
	flags int          // the flags the file was opened with
	inode *inode.Inode // the inode this refers to
	dir   *dir.Dir     // set for directories opened with opendir
}

func (f *filp) readable() bool {
	return f.flags&(common.O_RDONLY|common.O_RDWR) != 0
}

func (f *filp) writable() bool {
	return f.flags&(common.O_WRONLY|common.O_RDWR) != 0
}

// installFilp puts f in a free slot of the open file table and of the
// process's descriptor table.
func (fs *FileSystem) installFilp(proc *Process, f *filp) (int, error) {
	fd := -1
	for i, idx := range proc.files {
		if idx == -1 {
			fd = i
			break
		}
	}
	if fd == -1 {
		return -1, common.EMFILE
	}
	slot := -1
	for i, fi := range fs.filps {
		if fi == nil {
			slot = i
			break
		}
	}
	if slot == -1 {
		return -1, common.ENFILE
	}
	fs.filps[slot] = f
	proc.files[fd] = slot
	return fd, nil
}

// getFilp maps a descriptor of proc to its open file.
func (fs *FileSystem) getFilp(proc *Process, fd int) (*filp, error) {
	if fd < 0 || fd >= len(proc.files) || proc.files[fd] == -1 {
		return nil, common.EBADF
	}
	f := fs.filps[proc.files[fd]]
	if f == nil {
		return nil, common.EBADF
	}
	return f, nil
}

// releaseFilp drops one descriptor's reference to the open file in slot.
// The last reference gives up write access and the inode.
func (fs *FileSystem) releaseFilp(slot int) {
	f := fs.filps[slot]
	f.count--
	if f.count > 0 {
		return
	}
	if f.writable() {
		f.inode.WriteDeny = false
	}
	if f.dir != nil {
		f.dir.Close()
	} else {
		fs.vol.itable.Put(f.inode)
	}
	fs.filps[slot] = nil
}

// isOpen reports whether any open file refers to inum.
func (fs *FileSystem) isOpen(inum uint32) bool {
	for _, f := range fs.filps {
		if f != nil && f.inode.Inum == inum {
			return true
		}
	}
	return false
}
