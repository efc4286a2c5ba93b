package common

const (
	SECTOR_SIZE     = 512
	BLOCK_SIZE      = SECTOR_SIZE
	BITS_PER_SECTOR = SECTOR_SIZE * 8

	FS_MAGIC = 0x20030607

	MAX_FILES_PER_PART = 4096 // inodes per partition
	MAX_FILE_NAME_LEN  = 16
	MAX_PATH_LEN       = 512

	NR_DIRECT         = 12                    // direct block pointers in an inode
	NR_INDIRECT       = BLOCK_SIZE / 4        // pointers held by the indirect block
	NR_BLOCK_PTRS     = NR_DIRECT + 1         // slots in the on-disk pointer array
	INDIRECT_SLOT     = NR_DIRECT             // index of the indirect pointer
	MAX_FILE_BLOCKS   = NR_DIRECT + NR_INDIRECT
	MAX_FILE_SIZE     = MAX_FILE_BLOCKS * BLOCK_SIZE
	DINODE_SIZE       = 4 + NR_BLOCK_PTRS*4 + 4
	DIRENT_SIZE       = MAX_FILE_NAME_LEN + 4 + 4
	DIRENTS_PER_BLOCK = BLOCK_SIZE / DIRENT_SIZE

	ROOT_INODE = 0

	// Inode number used for inodes that are never linked into an open list
	ANON_INODE = ^uint32(0)

	NO_DEV   = -1
	NO_BLOCK = 0 // a zero pointer slot is never a valid data block
)

// Device numbers recorded in special file inodes
const (
	DISK_MAJOR = 3 // partitions, numbered in probe order
	DEV_DIR    = "/dev"
)

func MakeDev(major, minor uint32) uint32 { return major&0xffff<<16 | minor&0xffff }
func Major(dev uint32) uint32 { return dev >> 16 }
func Minor(dev uint32) uint32 { return dev & 0xffff }

// Defaults for the buffer cache
const (
	NR_BUFS     = 2048
	NR_BUF_HASH = 128
	MULTI_RUN   = 16 // longest run of sectors moved in one device call
)

// Process and file table limits
const (
	NR_PROCS     = 64
	OPEN_MAX     = 8  // file descriptors per process
	NR_FILPS     = 32 // open file table slots
	ROOT_PROCESS = 0
)

// Open flags
const (
	O_RDONLY = 1
	O_WRONLY = 2
	O_RDWR   = 4
	O_CREATE = 8
)

// Seek origins
const (
	SEEK_SET = 1
	SEEK_CUR = 2
	SEEK_END = 3
)
