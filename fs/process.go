package fs

import (
	"github.com/jnwhiteh/sectorfs/common"
)

// Process is a handle through which a user program makes system calls. It
// carries the working directory and the descriptor table.
type Process struct {
	pid   int
	cwd   uint32              // inode number of the working directory
	files [common.OPEN_MAX]int // indexes into the open file table, -1 if unused
	fs    *FileSystem
}

func newProcess(fs *FileSystem, pid int) *Process {
	proc := &Process{pid: pid, cwd: common.ROOT_INODE, fs: fs}
	for i := range proc.files {
		proc.files[i] = -1
	}
	return proc
}

func (proc *Process) Pid() int { return proc.pid }

func (proc *Process) FileSystem() *FileSystem { return proc.fs }

func (proc *Process) Fork() (*Process, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_fork(proc)
}

func (proc *Process) Exit() {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	proc.fs.do_exit(proc)
}

func (proc *Process) Open(path string, flags int) (int, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_open(proc, path, flags)
}

// Creat creates a new file and opens it for writing.
func (proc *Process) Creat(path string) (int, error) {
	return proc.Open(path, common.O_CREATE|common.O_RDWR)
}

func (proc *Process) Close(fd int) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_close(proc, fd)
}

func (proc *Process) Read(fd int, buf []byte) (int, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_read(proc, fd, buf)
}

// Write appends data to the file. The descriptor's position is not used:
// data always lands at the current end of the file.
func (proc *Process) Write(fd int, data []byte) (int, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_write(proc, fd, data)
}

func (proc *Process) Lseek(fd int, offset int, whence int) (int, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_lseek(proc, fd, offset, whence)
}

func (proc *Process) Unlink(path string) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_unlink(proc, path)
}

func (proc *Process) Mkdir(path string) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_mkdir(proc, path)
}

func (proc *Process) Rmdir(path string) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_rmdir(proc, path)
}

func (proc *Process) Opendir(path string) (int, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_opendir(proc, path)
}

func (proc *Process) Readdir(fd int) (common.DirEntry, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_readdir(proc, fd)
}

func (proc *Process) Rewinddir(fd int) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_rewinddir(proc, fd)
}

func (proc *Process) Closedir(fd int) error {
	return proc.Close(fd)
}

func (proc *Process) Stat(path string) (*StatInfo, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_stat(proc, path)
}

func (proc *Process) Fstat(fd int) (*StatInfo, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_fstat(proc, fd)
}

func (proc *Process) Chdir(path string) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_chdir(proc, path)
}

func (proc *Process) Getcwd() (string, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_getcwd(proc)
}

// Mknod creates a character or block special file recording rdev.
func (proc *Process) Mknod(path string, ftype common.FileType, rdev uint32) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_mknod(proc, path, ftype, rdev)
}

// Mount switches to the partition named by a block special file, such as
// one of the nodes kept in /dev.
func (proc *Process) Mount(path string) error {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_mount(proc, path)
}

func (proc *Process) Dup2(oldfd, newfd int) (int, error) {
	proc.fs.mu.Lock()
	defer proc.fs.mu.Unlock()
	return proc.fs.do_dup2(proc, oldfd, newfd)
}
