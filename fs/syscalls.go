package fs

import (
	"strings"

	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/dir"
)

type StatInfo struct {
	Ino  uint32
	Size uint32
	Type common.FileType
	Rdev uint32 // device id, for special files
}

func (fs *FileSystem) do_fork(proc *Process) (*Process, error) {
	if len(fs.procs) >= common.NR_PROCS {
		return nil, common.EINVAL
	}
	child := newProcess(fs, fs.pidcounter)
	fs.pidcounter++
	child.cwd = proc.cwd

	// The child shares every open file with its parent
	for i, slot := range proc.files {
		if slot != -1 {
			child.files[i] = slot
			fs.filps[slot].count++
		}
	}
	fs.procs[child.pid] = child
	return child, nil
}

func (fs *FileSystem) do_exit(proc *Process) {
	for i, slot := range proc.files {
		if slot != -1 {
			fs.releaseFilp(slot)
			proc.files[i] = -1
		}
	}
	delete(fs.procs, proc.pid)
}

const openFlags = common.O_RDONLY | common.O_WRONLY | common.O_RDWR | common.O_CREATE

func (fs *FileSystem) do_open(proc *Process, path string, flags int) (int, error) {
	if flags&^openFlags != 0 || flags&^common.O_CREATE == 0 {
		return -1, common.EINVAL
	}
	if strings.HasSuffix(path, "/") {
		return -1, common.EISDIR
	}

	rec, err := fs.resolve(proc, path)
	if err != nil {
		return -1, err
	}
	defer rec.Close()

	switch {
	case rec.Found && rec.Type == common.FT_DIRECTORY:
		return -1, common.EISDIR
	case rec.Found && flags&common.O_CREATE != 0:
		return -1, common.EEXIST
	case !rec.Found && flags&common.O_CREATE == 0:
		return -1, common.ENOENT
	}

	inum := rec.Inum
	if !rec.Found {
		if inum, err = fs.new_node(rec.Parent, rec.Name(), common.FT_REGULAR, 0); err != nil {
			return -1, err
		}
	}

	itable := fs.vol.itable
	rip, err := itable.Get(inum)
	if err != nil {
		return -1, err
	}
	f := &filp{count: 1, flags: flags, inode: rip}
	if f.writable() {
		if rip.WriteDeny {
			itable.Put(rip)
			return -1, common.EBUSY
		}
		rip.WriteDeny = true
	}

	fd, err := fs.installFilp(proc, f)
	if err != nil {
		if f.writable() {
			rip.WriteDeny = false
		}
		itable.Put(rip)
		return -1, err
	}
	return fd, nil
}

func (fs *FileSystem) do_close(proc *Process, fd int) error {
	if _, err := fs.getFilp(proc, fd); err != nil {
		return err
	}
	fs.releaseFilp(proc.files[fd])
	proc.files[fd] = -1
	return nil
}

func (fs *FileSystem) do_read(proc *Process, fd int, buf []byte) (int, error) {
	f, err := fs.getFilp(proc, fd)
	if err != nil {
		return 0, err
	}
	if !f.readable() || f.dir != nil {
		return 0, common.EBADF
	}
	if !f.inode.Type.OwnsBlocks() {
		return 0, common.EINVAL
	}
	n, err := fs.vol.itable.Read(f.inode, buf, f.pos)
	f.pos += n
	return n, err
}

func (fs *FileSystem) do_write(proc *Process, fd int, data []byte) (int, error) {
	f, err := fs.getFilp(proc, fd)
	if err != nil {
		return 0, err
	}
	if !f.writable() {
		return 0, common.EBADF
	}
	if !f.inode.Type.OwnsBlocks() {
		return 0, common.EINVAL
	}
	n, err := fs.vol.itable.Append(f.inode, data)
	if n > 0 {
		f.pos = int(f.inode.Size)
	}
	return n, err
}

func (fs *FileSystem) do_lseek(proc *Process, fd int, offset int, whence int) (int, error) {
	f, err := fs.getFilp(proc, fd)
	if err != nil {
		return -1, err
	}
	if f.dir != nil {
		return -1, common.EBADF
	}
	size := int(f.inode.Size)
	var pos int
	switch whence {
	case common.SEEK_SET:
		pos = offset
	case common.SEEK_CUR:
		pos = f.pos + offset
	case common.SEEK_END:
		pos = size + offset
	default:
		return -1, common.EINVAL
	}
	// Only positions holding a byte are valid
	if pos < 0 || pos >= size {
		return -1, common.EINVAL
	}
	f.pos = pos
	return pos, nil
}

func (fs *FileSystem) do_unlink(proc *Process, path string) error {
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return err
	}
	defer rec.Close()

	if !rec.Found {
		return common.ENOENT
	}
	if rec.Type == common.FT_DIRECTORY {
		return common.EISDIR
	}
	if fs.isOpen(rec.Inum) {
		return common.EBUSY
	}
	if err := rec.Parent.Delete(rec.Inum); err != nil {
		return err
	}
	return fs.vol.itable.Release(rec.Inum)
}

func (fs *FileSystem) do_mkdir(proc *Process, path string) error {
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return err
	}
	defer rec.Close()

	if rec.Found {
		return common.EEXIST
	}
	_, err = fs.new_node(rec.Parent, rec.Name(), common.FT_DIRECTORY, 0)
	return err
}

// Remove a directory from the file system.
func (fs *FileSystem) do_rmdir(proc *Process, path string) error {
	if name := lastName(path); name == "." || name == ".." {
		return common.EINVAL
	}
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return err
	}
	defer rec.Close()

	switch {
	case !rec.Found:
		return common.ENOENT
	case rec.Type != common.FT_DIRECTORY:
		return common.ENOTDIR
	case rec.Inum == fs.vol.part.SB.RootInodeNo:
		return common.EBUSY // can't remove root
	}

	child, err := dir.Open(fs.vol.itable, rec.Inum)
	if err != nil {
		return err
	}
	defer child.Close()

	if !child.IsEmpty() {
		return common.ENOTEMPTY
	}
	// Nobody else may be using the directory
	if child.Inode.Count > 1 || fs.cwdBusy(rec.Inum) {
		return common.EBUSY
	}
	return dir.Remove(rec.Parent, child)
}

func (fs *FileSystem) do_opendir(proc *Process, path string) (int, error) {
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return -1, err
	}
	rec.Close()

	if !rec.Found {
		return -1, common.ENOENT
	}
	if rec.Type != common.FT_DIRECTORY {
		return -1, common.ENOTDIR
	}
	d, err := dir.Open(fs.vol.itable, rec.Inum)
	if err != nil {
		return -1, err
	}
	fd, err := fs.installFilp(proc, &filp{count: 1, flags: common.O_RDONLY, inode: d.Inode, dir: d})
	if err != nil {
		d.Close()
		return -1, err
	}
	return fd, nil
}

func (fs *FileSystem) dirFilp(proc *Process, fd int) (*filp, error) {
	f, err := fs.getFilp(proc, fd)
	if err != nil {
		return nil, err
	}
	if f.dir == nil {
		return nil, common.ENOTDIR
	}
	return f, nil
}

// do_readdir returns the next entry, or io.EOF after the last.
func (fs *FileSystem) do_readdir(proc *Process, fd int) (common.DirEntry, error) {
	f, err := fs.dirFilp(proc, fd)
	if err != nil {
		return common.DirEntry{}, err
	}
	f.dir.Pos = uint32(f.pos)
	ent, err := f.dir.Read()
	f.pos = int(f.dir.Pos)
	return ent, err
}

func (fs *FileSystem) do_rewinddir(proc *Process, fd int) error {
	f, err := fs.dirFilp(proc, fd)
	if err != nil {
		return err
	}
	f.pos = 0
	return nil
}

func statOf(inum uint32, di *common.DiskInode) *StatInfo {
	st := &StatInfo{Ino: inum, Size: di.Size, Type: di.Type}
	if di.Type == common.FT_CHAR_SPECIAL || di.Type == common.FT_BLOCK_SPECIAL {
		st.Rdev = di.Rdev()
	}
	return st
}

func (fs *FileSystem) do_stat(proc *Process, path string) (*StatInfo, error) {
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return nil, err
	}
	rec.Close()
	if !rec.Found {
		return nil, common.ENOENT
	}

	itable := fs.vol.itable
	rip, err := itable.Get(rec.Inum)
	if err != nil {
		return nil, err
	}
	defer itable.Put(rip)
	return statOf(rip.Inum, &rip.DiskInode), nil
}

func (fs *FileSystem) do_fstat(proc *Process, fd int) (*StatInfo, error) {
	f, err := fs.getFilp(proc, fd)
	if err != nil {
		return nil, err
	}
	return statOf(f.inode.Inum, &f.inode.DiskInode), nil
}

func (fs *FileSystem) do_chdir(proc *Process, path string) error {
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return err
	}
	rec.Close()

	if !rec.Found {
		return common.ENOENT
	}
	if rec.Type != common.FT_DIRECTORY {
		return common.ENOTDIR
	}
	proc.cwd = rec.Inum
	return nil
}

// do_getcwd rebuilds the working directory's path by following ".." up to
// the root, looking up each directory's name in its parent on the way.
func (fs *FileSystem) do_getcwd(proc *Process) (string, error) {
	if fs.vol == nil {
		return "", common.EINVAL
	}
	itable := fs.vol.itable
	root := fs.vol.part.SB.RootInodeNo

	var names []string
	child := proc.cwd
	for child != root {
		d, err := dir.Open(itable, child)
		if err != nil {
			return "", err
		}
		up, ok, err := d.Search("..")
		d.Close()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", common.ECORRUPT
		}

		parent, err := dir.Open(itable, up.Inum)
		if err != nil {
			return "", err
		}
		ent, ok, err := parent.NameOf(child)
		parent.Close()
		if err != nil {
			return "", err
		}
		if !ok {
			// The working directory was removed from under us
			return "", common.ENOENT
		}
		names = append(names, ent.String())
		if len(names) > common.MAX_FILES_PER_PART {
			return "", common.ECORRUPT
		}
		child = up.Inum
	}

	if len(names) == 0 {
		return "/", nil
	}
	var sb strings.Builder
	for i := len(names) - 1; i >= 0; i-- {
		sb.WriteByte('/')
		sb.WriteString(names[i])
	}
	return sb.String(), nil
}

func (fs *FileSystem) do_mknod(proc *Process, path string, ftype common.FileType, rdev uint32) error {
	if ftype != common.FT_CHAR_SPECIAL && ftype != common.FT_BLOCK_SPECIAL {
		return common.EINVAL
	}
	rec, err := fs.resolve(proc, path)
	if err != nil {
		return err
	}
	defer rec.Close()

	if rec.Found {
		return common.EEXIST
	}
	_, err = fs.new_node(rec.Parent, rec.Name(), ftype, rdev)
	return err
}

func (fs *FileSystem) do_dup2(proc *Process, oldfd, newfd int) (int, error) {
	if _, err := fs.getFilp(proc, oldfd); err != nil {
		return -1, err
	}
	if newfd < 0 || newfd >= len(proc.files) {
		return -1, common.EBADF
	}
	if oldfd == newfd {
		return newfd, nil
	}
	if proc.files[newfd] != -1 {
		fs.releaseFilp(proc.files[newfd])
	}
	slot := proc.files[oldfd]
	proc.files[newfd] = slot
	fs.filps[slot].count++
	return newfd, nil
}
