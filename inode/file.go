package inode

import (
	"errors"
	"io"

	"github.com/jnwhiteh/sectorfs/common"
)

// Read copies file data starting at pos into buf. It returns io.EOF when
// pos is at or past the end of the file. Holes read as zeros.
func (t *Table) Read(ip *Inode, buf []byte, pos int) (int, error) {
	size := int(ip.Size)
	if pos < 0 {
		return 0, common.EINVAL
	}
	if pos >= size {
		return 0, io.EOF
	}
	if pos+len(buf) > size {
		buf = buf[:size-pos]
	}

	block := make([]byte, common.BLOCK_SIZE)
	n := 0
	for n < len(buf) {
		cur := pos + n
		off := cur % common.BLOCK_SIZE
		b, err := t.BlockFor(ip, cur/common.BLOCK_SIZE, false)
		if err != nil {
			return n, err
		}
		if b == common.NO_BLOCK {
			clear(block)
		} else if err := t.readBlock(b, block); err != nil {
			return n, err
		}
		n += copy(buf[n:], block[off:])
	}
	return n, nil
}

// Append writes data at the current end of the file and grows its size.
// Files only ever grow at the end: there is no positioned write.
//
// If the partition runs out of space part way through, the bytes already
// written are kept and counted, and the error is returned alongside.
func (t *Table) Append(ip *Inode, data []byte) (int, error) {
	if !ip.Type.OwnsBlocks() {
		return 0, common.EINVAL
	}
	if int(ip.Size)+len(data) > common.MAX_FILE_SIZE {
		return 0, common.EFBIG
	}

	block := make([]byte, common.BLOCK_SIZE)
	n := 0
	var err error
	for n < len(data) {
		pos := int(ip.Size)
		off := pos % common.BLOCK_SIZE
		chunk := min(len(data)-n, common.BLOCK_SIZE-off)

		var b uint32
		b, err = t.BlockFor(ip, pos/common.BLOCK_SIZE, true)
		if err != nil {
			break
		}
		if off != 0 {
			// Partial last block: keep what is already there
			if err = t.readBlock(b, block); err != nil {
				break
			}
		} else {
			clear(block)
		}
		copy(block[off:], data[n:n+chunk])
		if err = t.writeBlock(b, block); err != nil {
			break
		}
		n += chunk
		ip.Size += uint32(chunk)
	}

	if serr := t.Sync(ip); serr != nil {
		err = errors.Join(err, serr)
	}
	return n, err
}

// Truncate drops every block past the new size. The size can only shrink.
func (t *Table) Truncate(ip *Inode, size uint32) error {
	if size > ip.Size {
		return common.EINVAL
	}
	keep := int((size + common.BLOCK_SIZE - 1) / common.BLOCK_SIZE)
	for idx := ip.Blocks() - 1; idx >= keep; idx-- {
		if err := t.FreeSlot(ip, idx); err != nil {
			return err
		}
	}
	ip.Size = size
	return t.Sync(ip)
}
