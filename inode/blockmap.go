package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/jnwhiteh/sectorfs/common"
)

// readIndir reads one entry of an indirect block with bounds checking.
func (t *Table) readIndir(table []byte, index int) (uint32, error) {
	b := binary.LittleEndian.Uint32(table[index*4:])
	if b != common.NO_BLOCK && !t.inData(b) {
		t.log.Error("illegal block number in indirect block", "block", b, "index", index)
		return 0, fmt.Errorf("block %d at index %d of indirect block: %w", b, index, common.ECORRUPT)
	}
	return b, nil
}

func (t *Table) inData(b uint32) bool {
	sb := t.part.SB
	return b >= sb.DataStartLBA && b < sb.PartLBABase+sb.SecCnt
}

func (t *Table) readBlock(lba uint32, buf []byte) error {
	return t.part.Cache.ReadMany(t.part.Devno, lba, buf, 1)
}

func (t *Table) writeBlock(lba uint32, buf []byte) error {
	return t.part.Cache.Write(t.part.Devno, lba, buf)
}

// BlockFor returns the data block holding the idx'th block of the file.
// With alloc set, missing blocks (and the indirect block, the first time
// it is needed) are allocated; otherwise a hole yields NO_BLOCK. The
// caller is responsible for syncing the inode after an allocation.
func (t *Table) BlockFor(ip *Inode, idx int, alloc bool) (uint32, error) {
	if idx < 0 || idx >= common.MAX_FILE_BLOCKS {
		return common.NO_BLOCK, common.EFBIG
	}
	if !ip.Type.OwnsBlocks() {
		return common.NO_BLOCK, common.EINVAL
	}

	if idx < common.NR_DIRECT {
		b := ip.Sectors[idx]
		if b == common.NO_BLOCK && alloc {
			nb, err := t.part.AllocBlock()
			if err != nil {
				return common.NO_BLOCK, err
			}
			ip.Sectors[idx] = nb
			b = nb
		}
		return b, nil
	}

	// It is not in the inode, so must be in the indirect block
	table := make([]byte, common.BLOCK_SIZE)
	newTable := false
	ind := ip.Sectors[common.INDIRECT_SLOT]
	if ind == common.NO_BLOCK {
		if !alloc {
			return common.NO_BLOCK, nil
		}
		nb, err := t.part.AllocBlock()
		if err != nil {
			return common.NO_BLOCK, err
		}
		if err := t.writeBlock(nb, table); err != nil {
			t.part.FreeBlock(nb)
			return common.NO_BLOCK, err
		}
		ip.Sectors[common.INDIRECT_SLOT] = nb
		ind = nb
		newTable = true
	} else if err := t.readBlock(ind, table); err != nil {
		return common.NO_BLOCK, err
	}

	excess := idx - common.NR_DIRECT
	b, err := t.readIndir(table, excess)
	if err != nil || b != common.NO_BLOCK || !alloc {
		return b, err
	}

	b, err = t.part.AllocBlock()
	if err == nil {
		binary.LittleEndian.PutUint32(table[excess*4:], b)
		if err = t.writeBlock(ind, table); err != nil {
			t.part.FreeBlock(b)
		}
	}
	if err != nil {
		if newTable {
			// Roll back the indirect block we just took
			t.part.FreeBlock(ind)
			ip.Sectors[common.INDIRECT_SLOT] = common.NO_BLOCK
		}
		return common.NO_BLOCK, err
	}
	return b, nil
}

// AllBlocks returns the block pointer of every slot the file can address,
// direct slots first, NO_BLOCK where unallocated.
func (t *Table) AllBlocks(ip *Inode) ([]uint32, error) {
	blocks := make([]uint32, common.MAX_FILE_BLOCKS)
	copy(blocks, ip.Sectors[:common.NR_DIRECT])

	ind := ip.Sectors[common.INDIRECT_SLOT]
	if ind == common.NO_BLOCK {
		return blocks, nil
	}
	table := make([]byte, common.BLOCK_SIZE)
	if err := t.readBlock(ind, table); err != nil {
		return nil, err
	}
	for i := 0; i < common.NR_INDIRECT; i++ {
		b, err := t.readIndir(table, i)
		if err != nil {
			return nil, err
		}
		blocks[common.NR_DIRECT+i] = b
	}
	return blocks, nil
}

// FreeSlot returns the block in slot idx to the bitmap and clears the
// slot. Emptying the indirect block frees it as well.
func (t *Table) FreeSlot(ip *Inode, idx int) error {
	if idx < common.NR_DIRECT {
		b := ip.Sectors[idx]
		if b == common.NO_BLOCK {
			return nil
		}
		ip.Sectors[idx] = common.NO_BLOCK
		return t.part.FreeBlock(b)
	}

	ind := ip.Sectors[common.INDIRECT_SLOT]
	if ind == common.NO_BLOCK || idx >= common.MAX_FILE_BLOCKS {
		return nil
	}
	table := make([]byte, common.BLOCK_SIZE)
	if err := t.readBlock(ind, table); err != nil {
		return err
	}
	excess := idx - common.NR_DIRECT
	b, err := t.readIndir(table, excess)
	if err != nil || b == common.NO_BLOCK {
		return err
	}
	binary.LittleEndian.PutUint32(table[excess*4:], common.NO_BLOCK)
	if err := t.part.FreeBlock(b); err != nil {
		return err
	}

	live := 0
	for i := 0; i < common.NR_INDIRECT; i++ {
		if binary.LittleEndian.Uint32(table[i*4:]) != common.NO_BLOCK {
			live++
		}
	}
	if live == 0 {
		ip.Sectors[common.INDIRECT_SLOT] = common.NO_BLOCK
		return t.part.FreeBlock(ind)
	}
	return t.writeBlock(ind, table)
}

// freeBlocks returns every block the inode addresses, including the
// indirect block, to the bitmap.
func (t *Table) freeBlocks(ip *Inode) error {
	blocks, err := t.AllBlocks(ip)
	if err != nil {
		return err
	}
	for _, b := range blocks {
		if b == common.NO_BLOCK {
			continue
		}
		if err := t.part.FreeBlock(b); err != nil {
			return err
		}
	}
	if ind := ip.Sectors[common.INDIRECT_SLOT]; ind != common.NO_BLOCK {
		if err := t.part.FreeBlock(ind); err != nil {
			return err
		}
	}
	ip.Sectors = [common.NR_BLOCK_PTRS]uint32{}
	return nil
}
