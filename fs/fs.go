// Package fs is the file system proper: processes with working directories
// and file descriptors, path resolution, and the system calls built on the
// directory and inode layers.
//
// Every system call runs under one lock, so calls from different processes
// are serialised.
package fs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/jnwhiteh/sectorfs/bcache"
	"github.com/jnwhiteh/sectorfs/common"
	"github.com/jnwhiteh/sectorfs/device"
	"github.com/jnwhiteh/sectorfs/dir"
	"github.com/jnwhiteh/sectorfs/inode"
	"github.com/jnwhiteh/sectorfs/super"
)

// Options control how a FileSystem is assembled from a disk image.
type Options struct {
	Disk        string // partitions are named after it
	Partition   string // partition to mount; the first one if empty
	Buffers     int
	HashBuckets int
	AutoFormat  bool // format partitions that carry no file system
	DevNodes    bool // keep a block special node per partition in /dev
	Logger      *slog.Logger
}

func DefaultOptions() Options {
	return Options{
		Disk:        "sda",
		Buffers:     common.NR_BUFS,
		HashBuckets: common.NR_BUF_HASH,
		AutoFormat:  true,
	}
}

// volume is the mounted partition with its open inodes and root directory.
type volume struct {
	part   *super.Partition
	itable *inode.Table
	root   *dir.Dir
}

type FileSystem struct {
	mu sync.Mutex

	cache *bcache.LRUCache
	parts []*super.Partition
	vol   *volume

	filps      [common.NR_FILPS]*filp // shared open file table
	procs      map[int]*Process
	pidcounter int

	owned    []common.BlockDevice // devices closed on shutdown
	devNodes bool
	log      *slog.Logger
}

// OpenImage opens the disk image at filename, probes its partitions and
// mounts one of them.
func OpenImage(filename string, opts Options) (*FileSystem, *Process, error) {
	dev, err := device.NewFileDevice(filename)
	if err != nil {
		return nil, nil, err
	}
	fs, proc, err := OpenDevice(dev, opts)
	if err != nil {
		dev.Close()
		return nil, nil, err
	}
	fs.owned = append(fs.owned, dev)
	return fs, proc, nil
}

// OpenDevice builds a cache over dev, probes its partitions and mounts one
// of them. The caller keeps ownership of dev.
func OpenDevice(dev common.BlockDevice, opts Options) (*FileSystem, *Process, error) {
	if opts.Buffers == 0 {
		opts.Buffers = common.NR_BUFS
	}
	if opts.HashBuckets == 0 {
		opts.HashBuckets = common.NR_BUF_HASH
	}
	if opts.Disk == "" {
		opts.Disk = "sda"
	}
	cache := bcache.NewLRUCache(1, opts.Buffers, opts.HashBuckets, opts.Logger)
	if err := cache.MountDevice(0, dev); err != nil {
		return nil, nil, err
	}
	parts, err := super.Probe(cache, 0, opts.Disk, opts.Logger)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range parts {
		p.AutoFormat = opts.AutoFormat
	}
	fs, proc, err := NewFileSystem(cache, parts, opts.Partition, opts.Logger)
	if err != nil || !opts.DevNodes {
		return fs, proc, err
	}
	fs.mu.Lock()
	fs.devNodes = true
	err = fs.make_dev_nodes()
	fs.mu.Unlock()
	if err != nil {
		fs.Shutdown()
		return nil, nil, fmt.Errorf("populating %s: %w", common.DEV_DIR, err)
	}
	return fs, proc, nil
}

// NewFileSystem mounts the partition called name (the first partition if
// name is empty) and creates the root process.
func NewFileSystem(cache *bcache.LRUCache, parts []*super.Partition, name string, logger *slog.Logger) (*FileSystem, *Process, error) {
	if len(parts) == 0 {
		return nil, nil, common.ENOENT
	}
	if logger == nil {
		logger = slog.Default()
	}
	fs := &FileSystem{
		cache: cache,
		parts: parts,
		procs: make(map[int]*Process, common.NR_PROCS),
		log:   logger.With("component", "fs"),
	}

	part := parts[0]
	if name != "" {
		if part = fs.partition(name); part == nil {
			return nil, nil, fmt.Errorf("partition %s: %w", name, common.ENOENT)
		}
	}
	vol, err := fs.mountVolume(part)
	if err != nil {
		return nil, nil, err
	}
	fs.vol = vol

	proc := newProcess(fs, common.ROOT_PROCESS)
	fs.procs[proc.pid] = proc
	fs.pidcounter = common.ROOT_PROCESS + 1
	return fs, proc, nil
}

func (fs *FileSystem) partition(name string) *super.Partition {
	for _, p := range fs.parts {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func (fs *FileSystem) mountVolume(part *super.Partition) (*volume, error) {
	if err := part.Mount(); err != nil {
		return nil, err
	}
	itable := inode.NewTable(part, fs.log)
	root, err := dir.Open(itable, part.SB.RootInodeNo)
	if err != nil {
		part.Unmount()
		return nil, fmt.Errorf("opening root directory of %s: %w", part.Name, err)
	}
	fs.log.Info("mounted", "partition", part.Name, "volume", uuid.UUID(part.SB.VolumeID))
	return &volume{part: part, itable: itable, root: root}, nil
}

func (fs *FileSystem) unmountVolume(vol *volume) {
	vol.root.Close()
	if n := vol.itable.Busy(); n != 0 {
		fs.log.Warn("unmounting with open inodes", "partition", vol.part.Name, "open", n)
	}
	vol.part.Unmount()
}

// openFiles counts the entries in use in the open file table.
func (fs *FileSystem) openFiles() int {
	n := 0
	for _, f := range fs.filps {
		if f != nil {
			n++
		}
	}
	return n
}

// Partitions returns the names of every probed partition.
func (fs *FileSystem) Partitions() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, len(fs.parts))
	for i, p := range fs.parts {
		names[i] = p.Name
	}
	return names
}

// Mounted returns the name of the mounted partition.
func (fs *FileSystem) Mounted() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.vol == nil {
		return ""
	}
	return fs.vol.part.Name
}

// Mount switches the file system to the named partition. Open files would
// be left pointing at the old partition, so the switch is refused while
// any are open. Every process is moved to the new root.
func (fs *FileSystem) Mount(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	part := fs.partition(name)
	if part == nil {
		return fmt.Errorf("partition %s: %w", name, common.ENOENT)
	}
	return fs.mount(part)
}

func (fs *FileSystem) mount(part *super.Partition) error {
	if fs.vol == nil {
		return common.EINVAL
	}
	if fs.vol.part == part {
		return nil
	}
	if fs.openFiles() != 0 {
		return common.EBUSY
	}

	old := fs.vol
	fs.unmountVolume(old)
	vol, err := fs.mountVolume(part)
	if err != nil {
		if back, berr := fs.mountVolume(old.part); berr == nil {
			fs.vol = back
		} else {
			fs.vol = nil
			err = errors.Join(err, berr)
		}
		return err
	}
	fs.vol = vol
	for _, proc := range fs.procs {
		proc.cwd = part.SB.RootInodeNo
	}
	if fs.devNodes {
		return fs.make_dev_nodes()
	}
	return nil
}

// Superblock returns a copy of the mounted partition's superblock.
func (fs *FileSystem) Superblock() (*common.Superblock, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.vol == nil {
		return nil, common.EINVAL
	}
	sb := *fs.vol.part.SB
	return &sb, nil
}

// DiskInfo describes one partition.
type DiskInfo struct {
	Name      string
	Rdev      uint32
	Mounted   bool
	Formatted bool
	Magic     uint32
	Sectors   uint32
	VolumeID  uuid.UUID
	super.Usage
}

// DiskInfo reports on every partition, mounted or not.
func (fs *FileSystem) DiskInfo() ([]DiskInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	infos := make([]DiskInfo, 0, len(fs.parts))
	for i, p := range fs.parts {
		info := DiskInfo{Name: p.Name, Rdev: rdevOf(i), Sectors: p.SecCnt}
		if fs.vol != nil && fs.vol.part == p {
			info.Mounted = true
			usage, err := p.Usage()
			if err != nil {
				return nil, err
			}
			info.Formatted = true
			info.Magic = p.SB.Magic
			info.VolumeID = uuid.UUID(p.SB.VolumeID)
			info.Usage = usage
		} else {
			sb, usage, err := p.DiskUsage()
			switch {
			case errors.Is(err, common.EUNFORMATTED):
				info.Magic = sb.Magic
			case err != nil:
				return nil, err
			default:
				info.Formatted = true
				info.Magic = sb.Magic
				info.VolumeID = uuid.UUID(sb.VolumeID)
				info.Usage = usage
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Shutdown unmounts the file system. It fails with EBUSY while files are
// open. Devices opened by OpenImage are closed; others are left alone.
func (fs *FileSystem) Shutdown() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.vol == nil {
		return nil
	}
	if fs.openFiles() != 0 {
		return common.EBUSY
	}
	fs.unmountVolume(fs.vol)
	fs.vol = nil
	fs.procs = make(map[int]*Process)

	var errs []error
	for i, dev := range fs.owned {
		if err := fs.cache.UnmountDevice(i); err != nil {
			errs = append(errs, err)
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	fs.owned = nil
	return errors.Join(errs...)
}

// Stats exposes the buffer cache counters.
func (fs *FileSystem) Stats() bcache.Stats { return fs.cache.Stats() }
