package bcache

// LRU chain and hash chain maintenance. All of these expect c.mu to be held.

func (c *LRUCache) hash(devno int, lba uint32) uint32 {
	return (lba ^ uint32(devno)*0x9e3779b1) & c.hash_mask
}

// lookup walks the hash chain for the block
func (c *LRUCache) lookup(devno int, lba uint32) *Buf {
	for i := c.buf_hash[c.hash(devno, lba)]; i != nilslot; i = c.buf[i].hnext {
		bp := &c.buf[i]
		if bp.Blocknr == lba && bp.Devno == devno {
			return bp
		}
	}
	return nil
}

func (c *LRUCache) rehash(bp *Buf) {
	b := c.hash(bp.Devno, bp.Blocknr)
	bp.hnext = c.buf_hash[b]
	c.buf_hash[b] = bp.idx
	bp.hashed = true
}

// Remove a block from its hash chain
func (c *LRUCache) unhash(bp *Buf) {
	if !bp.hashed {
		return
	}
	b := c.hash(bp.Devno, bp.Blocknr)
	if c.buf_hash[b] == bp.idx {
		c.buf_hash[b] = bp.hnext
	} else {
		// The block is not on the front of its hash chain
		for i := c.buf_hash[b]; i != nilslot; i = c.buf[i].hnext {
			if c.buf[i].hnext == bp.idx {
				c.buf[i].hnext = bp.hnext // found it
				break
			}
		}
	}
	bp.hnext = nilslot
	bp.hashed = false
}

// Remove a block from its LRU chain
func (c *LRUCache) rm_lru(bp *Buf) {
	nextp := bp.next
	prevp := bp.prev
	if prevp != nilslot {
		c.buf[prevp].next = nextp
	} else {
		c.front = nextp
	}

	if nextp != nilslot {
		c.buf[nextp].prev = prevp
	} else {
		c.rear = prevp
	}
}

// touch moves the block to the rear of the LRU chain, where it will be the
// last candidate for reuse.
func (c *LRUCache) touch(bp *Buf) {
	if c.rear == bp.idx {
		return
	}
	c.rm_lru(bp)
	bp.prev = c.rear
	bp.next = nilslot
	if c.rear == nilslot {
		c.front = bp.idx
	} else {
		c.buf[c.rear].next = bp.idx
	}
	c.rear = bp.idx
}

// order returns the slot indices from least to most recently used.
func (c *LRUCache) order() []int {
	var out []int
	for i := c.front; i != nilslot; i = c.buf[i].next {
		out = append(out, i)
	}
	return out
}
