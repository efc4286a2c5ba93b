package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// BlockDevice is the synchronous contract every backing store offers. Both
// calls return only once the transfer is complete; buf must hold at least
// count*SECTOR_SIZE bytes.
type BlockDevice interface {
	ReadSectors(lba uint32, buf []byte, count int) error
	WriteSectors(lba uint32, buf []byte, count int) error
	Sectors() uint32
	Close() error
}

type FileType uint32

const (
	FT_UNKNOWN FileType = iota
	FT_REGULAR
	FT_DIRECTORY
	FT_CHAR_SPECIAL
	FT_BLOCK_SPECIAL
	FT_PIPE
	FT_FIFO
)

var fileTypeNames = []string{"unknown", "regular", "directory", "char", "block", "pipe", "fifo"}

func (t FileType) String() string {
	if int(t) < len(fileTypeNames) {
		return fileTypeNames[t]
	}
	return fmt.Sprintf("FileType(%d)", uint32(t))
}

// OwnsBlocks reports whether inodes of this type address data blocks
// through their pointer array. Device and pipe inodes reuse the array for
// an identifier instead.
func (t FileType) OwnsBlocks() bool {
	return t == FT_REGULAR || t == FT_DIRECTORY
}

// Superblock is the on-disk description of a partition. It occupies the
// sector after the boot sector.
type Superblock struct {
	Magic            uint32
	SecCnt           uint32
	InodeCnt         uint32
	PartLBABase      uint32
	BlockBitmapLBA   uint32
	BlockBitmapSects uint32
	InodeBitmapLBA   uint32
	InodeBitmapSects uint32
	InodeTableLBA    uint32
	InodeTableSects  uint32
	DataStartLBA     uint32
	RootInodeNo      uint32
	DirEntrySize     uint32
	VolumeID         [16]byte // stored at the front of the padding
	Pad              [444]byte
}

func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SECTOR_SIZE))
	if err := binary.Write(buf, binary.LittleEndian, sb); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (sb *Superblock) UnmarshalBinary(data []byte) error {
	if len(data) < SECTOR_SIZE {
		return fmt.Errorf("superblock: short buffer of %d bytes", len(data))
	}
	return binary.Read(bytes.NewReader(data[:SECTOR_SIZE]), binary.LittleEndian, sb)
}

// DataBlocks is the number of allocatable bits in the block bitmap.
func (sb *Superblock) DataBlocks() uint32 {
	return sb.PartLBABase + sb.SecCnt - sb.DataStartLBA
}

// DiskInode is the packed on-disk inode. For device inodes Sectors[0] holds
// the device id.
type DiskInode struct {
	Size    uint32
	Sectors [NR_BLOCK_PTRS]uint32
	Type    FileType
}

func (di *DiskInode) Rdev() uint32 { return di.Sectors[0] }

func (di *DiskInode) Encode(data []byte) {
	binary.LittleEndian.PutUint32(data[0:], di.Size)
	for i, s := range di.Sectors {
		binary.LittleEndian.PutUint32(data[4+i*4:], s)
	}
	binary.LittleEndian.PutUint32(data[4+NR_BLOCK_PTRS*4:], uint32(di.Type))
}

func (di *DiskInode) Decode(data []byte) {
	di.Size = binary.LittleEndian.Uint32(data[0:])
	for i := range di.Sectors {
		di.Sectors[i] = binary.LittleEndian.Uint32(data[4+i*4:])
	}
	di.Type = FileType(binary.LittleEndian.Uint32(data[4+NR_BLOCK_PTRS*4:]))
}

// DirEntry is one fixed-size slot of a directory block. A slot with type
// FT_UNKNOWN is free.
type DirEntry struct {
	Name [MAX_FILE_NAME_LEN]byte
	Inum uint32
	Type FileType
}

// NewDirEntry builds an entry, rejecting names that do not fit the slot.
func NewDirEntry(name string, inum uint32, ftype FileType) (DirEntry, error) {
	var de DirEntry
	if len(name) == 0 {
		return de, EINVAL
	}
	if len(name) > MAX_FILE_NAME_LEN {
		return de, ENAMETOOLONG
	}
	copy(de.Name[:], name)
	de.Inum = inum
	de.Type = ftype
	return de, nil
}

func (de DirEntry) String() string {
	n := bytes.IndexByte(de.Name[:], 0)
	if n < 0 {
		n = len(de.Name)
	}
	return string(de.Name[:n])
}

func (de DirEntry) Free() bool { return de.Type == FT_UNKNOWN }

func (de *DirEntry) Encode(data []byte) {
	copy(data[:MAX_FILE_NAME_LEN], de.Name[:])
	binary.LittleEndian.PutUint32(data[MAX_FILE_NAME_LEN:], de.Inum)
	binary.LittleEndian.PutUint32(data[MAX_FILE_NAME_LEN+4:], uint32(de.Type))
}

func (de *DirEntry) Decode(data []byte) {
	copy(de.Name[:], data[:MAX_FILE_NAME_LEN])
	de.Inum = binary.LittleEndian.Uint32(data[MAX_FILE_NAME_LEN:])
	de.Type = FileType(binary.LittleEndian.Uint32(data[MAX_FILE_NAME_LEN+4:]))
}

// DirBlock decodes every slot of a directory block.
func DirBlock(data []byte) []DirEntry {
	ents := make([]DirEntry, DIRENTS_PER_BLOCK)
	for i := range ents {
		ents[i].Decode(data[i*DIRENT_SIZE:])
	}
	return ents
}

// PartitionEntry is one of the four slots of an MBR or EBR.
type PartitionEntry struct {
	Bootable  uint8
	StartHead uint8
	StartSec  uint8
	StartCHS  uint8
	FSType    uint8
	EndHead   uint8
	EndSec    uint8
	EndCHS    uint8
	StartLBA  uint32
	SecCnt    uint32
}

const (
	PART_EXTENDED   = 0x05
	PART_LINUX      = 0x83
	BOOT_SIGNATURE  = 0xaa55
	PART_TABLE_OFFS = 446
)

// BootSector is an MBR or EBR laid over a whole sector.
type BootSector struct {
	Other     [PART_TABLE_OFFS]byte
	Table     [4]PartitionEntry
	Signature uint16
}

func (bs *BootSector) MarshalBinary() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, SECTOR_SIZE))
	if err := binary.Write(buf, binary.LittleEndian, bs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (bs *BootSector) UnmarshalBinary(data []byte) error {
	if len(data) < SECTOR_SIZE {
		return fmt.Errorf("boot sector: short buffer of %d bytes", len(data))
	}
	return binary.Read(bytes.NewReader(data[:SECTOR_SIZE]), binary.LittleEndian, bs)
}
