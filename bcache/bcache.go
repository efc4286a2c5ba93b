// Package bcache is the write-through block cache that sits between the
// filesystem and its block devices. Every sector read or written by the
// upper layers goes through an LRUCache.
//
// The cache owns a fixed arena of buffers. A buffer is in one of three
// states: Free (represents no block), Reclaimable (keyed to a block and
// reachable through the hash index, but unpinned) or Pinned. Releasing the
// last reference leaves a buffer Reclaimable, so a later Get of the same
// block is a hit until the buffer is chosen for reuse.
package bcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jnwhiteh/sectorfs/common"
)

var (
	ErrAllInUse = errors.New("bcache: all buffers in use")
	ErrNoDevice = errors.New("bcache: no device mounted")
)

type State int

const (
	Free State = iota
	Reclaimable
	Pinned
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Reclaimable:
		return "reclaimable"
	case Pinned:
		return "pinned"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const nilslot = -1

// Buf is one slot of the cache arena. Callers may read and modify Data
// while they hold a reference obtained from Get or Read.
type Buf struct {
	Data    []byte
	Devno   int
	Blocknr uint32

	valid  bool
	count  int    // the number of clients of this block
	gen    uint64 // bumped each time the slot is re-keyed
	hashed bool

	idx   int
	next  int // towards the most recently used end
	prev  int
	hnext int // next slot on the same hash chain

	io sync.Mutex // held while Data is filled from, or copied to, the disk
}

// Gen identifies which block identity the slot currently carries. Two
// handles with the same slot and generation refer to the same cached copy.
func (b *Buf) Gen() uint64 { return b.gen }

type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Exhausted int64 // misses that found every buffer pinned
	DevReads  int64
	DevWrites int64
}

type LRUCache struct {
	mu sync.Mutex

	devices []common.BlockDevice

	buf       []Buf  // static arena of cache slots
	buf_hash  []int  // heads of the hash chains
	hash_mask uint32 // the mask for entries in the buffer hash table
	front     int    // least recently used slot
	rear      int    // most recently used slot

	waiters  int
	released chan struct{} // closed and replaced when a buffer is unpinned

	stats Stats
	log   *slog.Logger
}

// NewLRUCache creates a cache of numslots buffers serving up to numdevices
// devices. numhash must be a power of two.
func NewLRUCache(numdevices, numslots, numhash int, logger *slog.Logger) *LRUCache {
	if numslots < 1 {
		panic("bcache: cache needs at least one buffer")
	}
	if numhash < 1 || numhash&(numhash-1) != 0 {
		panic(fmt.Sprintf("bcache: hash size %d is not a power of two", numhash))
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &LRUCache{
		devices:   make([]common.BlockDevice, numdevices),
		buf:       make([]Buf, numslots),
		buf_hash:  make([]int, numhash),
		hash_mask: uint32(numhash - 1),
		released:  make(chan struct{}),
		log:       logger.With("component", "bcache"),
	}

	data := make([]byte, numslots*common.BLOCK_SIZE)
	for i := range c.buf {
		bp := &c.buf[i]
		bp.Data = data[i*common.BLOCK_SIZE : (i+1)*common.BLOCK_SIZE : (i+1)*common.BLOCK_SIZE]
		bp.Devno = common.NO_DEV
		bp.idx = i
		bp.prev = i - 1
		bp.next = i + 1
		bp.hnext = nilslot
	}
	c.buf[numslots-1].next = nilslot
	c.front = 0
	c.rear = numslots - 1

	for i := range c.buf_hash {
		c.buf_hash[i] = nilslot
	}
	return c
}

// MountDevice attaches dev under the given device number.
func (c *LRUCache) MountDevice(devno int, dev common.BlockDevice) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if devno < 0 || devno >= len(c.devices) || dev == nil {
		return common.EINVAL
	}
	if c.devices[devno] != nil {
		return common.EBUSY
	}
	c.devices[devno] = dev
	return nil
}

// UnmountDevice drops every cached block of the device and detaches it.
// It fails with EBUSY while any of those blocks is pinned.
func (c *LRUCache) UnmountDevice(devno int) error {
	if err := c.Invalidate(devno); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.devices[devno] = nil
	return nil
}

// Invalidate returns every unpinned buffer of the device to the Free state.
func (c *LRUCache) Invalidate(devno int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if devno < 0 || devno >= len(c.devices) {
		return common.EINVAL
	}
	busy := false
	for i := range c.buf {
		bp := &c.buf[i]
		if bp.Devno != devno {
			continue
		}
		if bp.count > 0 {
			busy = true
			continue
		}
		c.unhash(bp)
		bp.Devno = common.NO_DEV
		bp.valid = false
	}
	if busy {
		return common.EBUSY
	}
	return nil
}

func (c *LRUCache) Device(devno int) common.BlockDevice {
	c.mu.Lock()
	defer c.mu.Unlock()
	if devno < 0 || devno >= len(c.devices) {
		return nil
	}
	return c.devices[devno]
}

func (c *LRUCache) Size() int { return len(c.buf) }

func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// State reports the state of a buffer handle.
func (c *LRUCache) State(bp *Buf) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return stateOf(bp)
}

func stateOf(bp *Buf) State {
	switch {
	case !bp.hashed:
		return Free
	case bp.count > 0:
		return Pinned
	}
	return Reclaimable
}

// Peek reports whether the block is reachable in the cache and in which
// state, without pinning it or touching the LRU order.
func (c *LRUCache) Peek(devno int, lba uint32) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bp := c.lookup(devno, lba)
	if bp == nil {
		return Free, false
	}
	return stateOf(bp), true
}

// Get pins the buffer for the given block, claiming the least recently
// used unpinned buffer if the block is not cached. The payload of a newly
// claimed buffer is not valid; use Read to have it filled. Get returns
// ErrAllInUse rather than waiting when every buffer is pinned.
func (c *LRUCache) Get(devno int, lba uint32) (*Buf, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(devno, lba)
}

// GetWait is Get, but waits for a buffer to be released when the cache is
// fully pinned.
func (c *LRUCache) GetWait(ctx context.Context, devno int, lba uint32) (*Buf, error) {
	for {
		c.mu.Lock()
		bp, err := c.get(devno, lba)
		if !errors.Is(err, ErrAllInUse) {
			c.mu.Unlock()
			return bp, err
		}
		c.waiters++
		ch := c.released
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
		}

		c.mu.Lock()
		c.waiters--
		c.mu.Unlock()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func (c *LRUCache) get(devno int, lba uint32) (*Buf, error) {
	if devno < 0 || devno >= len(c.devices) || c.devices[devno] == nil {
		return nil, fmt.Errorf("device %d: %w", devno, ErrNoDevice)
	}

	if bp := c.lookup(devno, lba); bp != nil {
		bp.count++
		c.stats.Hits++
		c.touch(bp)
		return bp, nil
	}

	// Desired block is not cached. Take the oldest unpinned buffer.
	var bp *Buf
	for i := c.front; i != nilslot; i = c.buf[i].next {
		if c.buf[i].count == 0 {
			bp = &c.buf[i]
			break
		}
	}
	if bp == nil {
		c.stats.Exhausted++
		c.log.Warn("cache exhausted", "dev", devno, "lba", lba, "buffers", len(c.buf))
		return nil, ErrAllInUse
	}

	if bp.hashed {
		c.stats.Evictions++
		c.log.Debug("evict", "dev", bp.Devno, "lba", bp.Blocknr, "slot", bp.idx)
		c.unhash(bp)
	}

	bp.Devno = devno
	bp.Blocknr = lba
	bp.valid = false
	bp.count = 1
	bp.gen++
	c.rehash(bp)
	c.touch(bp)
	c.stats.Misses++
	return bp, nil
}

// Read returns the pinned buffer for the block with its payload filled
// from the device if it was not already valid.
func (c *LRUCache) Read(devno int, lba uint32) (*Buf, error) {
	bp, err := c.Get(devno, lba)
	if err != nil {
		return nil, err
	}
	if err := c.fill(bp); err != nil {
		c.Put(bp)
		return nil, err
	}
	return bp, nil
}

func (c *LRUCache) fill(bp *Buf) error {
	bp.io.Lock()
	defer bp.io.Unlock()

	c.mu.Lock()
	valid := bp.valid
	dev := c.devices[bp.Devno]
	if !valid {
		c.stats.DevReads++
	}
	c.mu.Unlock()
	if valid {
		return nil
	}

	if err := dev.ReadSectors(bp.Blocknr, bp.Data, 1); err != nil {
		return fmt.Errorf("reading block %d of device %d: %w", bp.Blocknr, bp.Devno, err)
	}

	c.mu.Lock()
	bp.valid = true
	c.mu.Unlock()
	return nil
}

// Put releases one reference to the buffer. The buffer stays hashed and
// keeps its place in the LRU order. Releasing a buffer nobody holds is a
// programming error and panics.
func (c *LRUCache) Put(bp *Buf) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if bp.count <= 0 {
		panic(fmt.Sprintf("bcache: release of unreferenced block %d on device %d", bp.Blocknr, bp.Devno))
	}
	bp.count--
	if bp.count == 0 && c.waiters > 0 {
		close(c.released)
		c.released = make(chan struct{})
	}
}

// ReadMany copies n consecutive blocks starting at lba into dst. Cached
// blocks are copied from the cache; runs of uncached blocks (up to
// common.MULTI_RUN long) are read from the device in one transfer directly
// into dst and then entered into the cache.
func (c *LRUCache) ReadMany(devno int, lba uint32, dst []byte, n int) error {
	if len(dst) < n*common.BLOCK_SIZE {
		return fmt.Errorf("read of %d blocks into %d bytes: %w", n, len(dst), common.EINVAL)
	}

	for i := 0; i < n; {
		cur := lba + uint32(i)

		c.mu.Lock()
		if devno < 0 || devno >= len(c.devices) || c.devices[devno] == nil {
			c.mu.Unlock()
			return fmt.Errorf("device %d: %w", devno, ErrNoDevice)
		}
		if bp := c.lookup(devno, cur); bp != nil && bp.valid {
			bp.count++
			c.stats.Hits++
			c.touch(bp)
			c.mu.Unlock()

			bp.io.Lock()
			copy(dst[i*common.BLOCK_SIZE:], bp.Data)
			bp.io.Unlock()
			c.Put(bp)
			i++
			continue
		}

		// Extend the run while the following blocks are uncached
		run := 1
		for run < common.MULTI_RUN && i+run < n && c.lookup(devno, cur+uint32(run)) == nil {
			run++
		}
		dev := c.devices[devno]
		c.stats.DevReads++
		c.mu.Unlock()

		chunk := dst[i*common.BLOCK_SIZE : (i+run)*common.BLOCK_SIZE]
		if err := dev.ReadSectors(cur, chunk, run); err != nil {
			return fmt.Errorf("reading %d blocks at %d of device %d: %w", run, cur, devno, err)
		}
		for j := 0; j < run; j++ {
			c.register(devno, cur+uint32(j), chunk[j*common.BLOCK_SIZE:(j+1)*common.BLOCK_SIZE])
		}
		i += run
	}
	return nil
}

// register enters freshly read data into the cache so later single block
// reads hit. A buffer that became valid in the meantime is left alone.
func (c *LRUCache) register(devno int, lba uint32, data []byte) {
	bp, err := c.Get(devno, lba)
	if err != nil {
		// Fully pinned cache: the caller already has the data
		return
	}
	bp.io.Lock()
	c.mu.Lock()
	valid := bp.valid
	c.mu.Unlock()
	if !valid {
		copy(bp.Data, data)
		c.mu.Lock()
		bp.valid = true
		c.mu.Unlock()
	}
	bp.io.Unlock()
	c.Put(bp)
}

// WriteThrough writes n consecutive blocks from src to the device and the
// cache. Each run of up to common.MULTI_RUN blocks (fewer if the pool is
// smaller) is pinned, updated, written in one device transfer and released.
func (c *LRUCache) WriteThrough(devno int, lba uint32, src []byte, n int) error {
	if len(src) < n*common.BLOCK_SIZE {
		return fmt.Errorf("write of %d blocks from %d bytes: %w", n, len(src), common.EINVAL)
	}

	// A run pins all of its buffers at once, so it cannot outgrow the pool
	maxrun := min(common.MULTI_RUN, len(c.buf))
	for i := 0; i < n; i += maxrun {
		run := min(n-i, maxrun)
		start := lba + uint32(i)

		bufs := make([]*Buf, 0, run)
		for j := 0; j < run; j++ {
			bp, err := c.Get(devno, start+uint32(j))
			if err != nil {
				for _, bp := range bufs {
					c.Put(bp)
				}
				return err
			}
			bufs = append(bufs, bp)
		}

		chunk := src[i*common.BLOCK_SIZE : (i+run)*common.BLOCK_SIZE]
		for j, bp := range bufs {
			bp.io.Lock()
			copy(bp.Data, chunk[j*common.BLOCK_SIZE:])
		}

		c.mu.Lock()
		dev := c.devices[devno]
		c.stats.DevWrites++
		c.mu.Unlock()
		err := dev.WriteSectors(start, chunk, run)

		c.mu.Lock()
		for _, bp := range bufs {
			bp.valid = err == nil
		}
		c.mu.Unlock()
		for _, bp := range bufs {
			bp.io.Unlock()
			c.Put(bp)
		}
		if err != nil {
			return fmt.Errorf("writing %d blocks at %d of device %d: %w", run, start, devno, err)
		}
	}
	return nil
}

// Write is WriteThrough for a single block.
func (c *LRUCache) Write(devno int, lba uint32, src []byte) error {
	return c.WriteThrough(devno, lba, src, 1)
}
