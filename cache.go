// Package bcache is a fixed-capacity cache of device blocks shared by
// concurrent goroutines.
//
// Read returns a held *Buf for a block; only the holder may touch its Data.
// Call Write after modifying the data to write it through to the device and
// Release when done. Do not use a Buf after releasing it. Only one goroutine
// holds a given block at a time, so do not keep buffers longer than needed.
package bcache

import (
	"io"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/unkn0wn-root/bcache/device"
	"github.com/unkn0wn-root/bcache/internal/sleeplock"
)

const (
	defaultNumBuffers = 30
	defaultNumBuckets = 13
)

// Distribution selects how the pool is spread over the buckets at startup.
type Distribution int

const (
	DistributeRoundRobin Distribution = iota // slot i starts in bucket i % NumBuckets
	DistributeZeroKey                        // every slot starts in the bucket of block 0
)

// Config sizes the pool and the bucket table.
type Config struct {
	NumBuffers   int          // slots in the pool; the bound on concurrently held blocks
	NumBuckets   int          // partitions, each with its own lock
	BlockSize    int          // bytes per block; 0 takes the device's block size
	Hash         HashFunc     // nil => ModHash
	Distribution Distribution // initial placement of the slots
	StatsEnabled bool
	Logger       *slog.Logger // nil => discard
}

// DefaultConfig returns a small general-purpose configuration.
func DefaultConfig() Config {
	return Config{
		NumBuffers:   defaultNumBuffers,
		NumBuckets:   defaultNumBuckets,
		Hash:         ModHash,
		Distribution: DistributeRoundRobin,
		StatsEnabled: true,
	}
}

// Stats exposes counters aggregated across buckets.
type Stats struct {
	Hits      int64 // lookups that found the block cached
	Misses    int64 // lookups that admitted the block into a slot
	Reuses    int64 // misses served from the block's own bucket
	Steals    int64 // misses served by taking a slot from another bucket
	Reads     int64 // device reads
	Writes    int64 // device writes
	Errors    int64 // failed device transfers
	HitRatio  float64
	Buffers   int
	Buckets   int
	BlockSize int
}

// slot is one pool entry. Identity, valid and refcnt belong to the lock of
// the bucket the slot is linked into; data belongs to the content lock.
type slot struct {
	dev     uint32
	blockno uint32
	bound   bool // identity assigned at least once
	valid   bool // data matches the device
	refcnt  int32
	data    []byte
	lock    sleeplock.Lock
}

// Cache is the shared buffer pool. All of its memory is allocated by New.
type Cache struct {
	dev       device.Device
	config    Config
	blockSize int
	slots     []slot
	table     table
	index     bucketIndex
	logger    *slog.Logger
}

// New allocates the pool and spreads it across the buckets. It must finish
// before the cache is shared.
func New(dev device.Device, config Config) (*Cache, error) {
	if dev == nil {
		return nil, invalidConfig("nil device")
	}
	if config.NumBuffers < 1 {
		return nil, invalidConfig("NumBuffers must be >= 1, got %d", config.NumBuffers)
	}
	if config.NumBuckets < 1 {
		return nil, invalidConfig("NumBuckets must be >= 1, got %d", config.NumBuckets)
	}
	// Slot and sentinel indices are int32.
	if config.NumBuffers > math.MaxInt32-config.NumBuckets {
		return nil, invalidConfig("NumBuffers + NumBuckets must be <= %d, got %d + %d",
			math.MaxInt32, config.NumBuffers, config.NumBuckets)
	}
	blockSize := dev.BlockSize()
	if config.BlockSize != 0 && config.BlockSize != blockSize {
		return nil, invalidConfig("BlockSize %d does not match device block size %d",
			config.BlockSize, blockSize)
	}
	if blockSize < 1 {
		return nil, invalidConfig("block size must be >= 1, got %d", blockSize)
	}
	if blockSize > math.MaxInt/config.NumBuffers {
		return nil, invalidConfig("%d buffers of %d bytes overflow the pool size",
			config.NumBuffers, blockSize)
	}
	switch config.Distribution {
	case DistributeRoundRobin, DistributeZeroKey:
	default:
		return nil, invalidConfig("unknown distribution %d", config.Distribution)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &Cache{
		dev:       dev,
		config:    config,
		blockSize: blockSize,
		slots:     make([]slot, config.NumBuffers),
		table:     newTable(config.NumBuffers, config.NumBuckets),
		index:     newBucketIndex(config.Hash, config.NumBuckets),
		logger:    logger,
	}

	// One arena for all block data; slots get fixed, non-overlapping windows.
	arena := make([]byte, config.NumBuffers*blockSize)
	for i := range c.slots {
		lo, hi := i*blockSize, (i+1)*blockSize
		c.slots[i].data = arena[lo:hi:hi]

		b := i % config.NumBuckets
		if config.Distribution == DistributeZeroKey {
			b = c.index.of(0)
		}
		c.table.pushFront(b, int32(i))
	}

	logger.Debug("bcache: initialized",
		"buffers", config.NumBuffers,
		"buckets", config.NumBuckets,
		"block_size", blockSize)
	return c, nil
}

// NewWithDefaults constructs a cache over dev using DefaultConfig().
func NewWithDefaults(dev device.Device) (*Cache, error) {
	return New(dev, DefaultConfig())
}

// BlockSize returns the size of every buffer's Data.
func (c *Cache) BlockSize() int { return c.blockSize }

// Read returns a held buffer for the block, reading it from the device if
// the cached copy is not valid. A device error is returned as a *CacheError;
// the buffer is released in that case.
func (c *Cache) Read(dev, blockno uint32) (*Buf, error) {
	b := c.get(dev, blockno)
	s := &c.slots[b.idx]
	if s.valid {
		return b, nil
	}

	bk := &c.table.buckets[c.index.of(blockno)]
	if err := c.dev.ReadBlock(dev, blockno, s.data); err != nil {
		c.incr(&bk.errors)
		c.logger.Warn("bcache: device read failed", "dev", dev, "block", blockno, "err", err)
		c.Release(b)
		return nil, newCacheError("read", dev, blockno, err)
	}
	c.incr(&bk.reads)

	bk.mu.Lock()
	s.valid = true
	bk.mu.Unlock()
	return b, nil
}

// Write writes the buffer's data through to the device. The caller must
// hold b; writing a buffer that is not held panics with ErrNotHeld.
func (c *Cache) Write(b *Buf) error {
	s := c.held("write", b)

	bk := &c.table.buckets[c.index.of(s.blockno)]
	if err := c.dev.WriteBlock(s.dev, s.blockno, s.data); err != nil {
		c.incr(&bk.errors)
		c.logger.Warn("bcache: device write failed", "dev", s.dev, "block", s.blockno, "err", err)
		return newCacheError("write", s.dev, s.blockno, err)
	}
	c.incr(&bk.writes)
	return nil
}

// Release gives up b. When no holder or pin is left the block becomes the
// most recently used reuse candidate of its bucket. b is cleared; releasing
// a buffer that is not held panics with ErrNotHeld.
func (c *Cache) Release(b *Buf) {
	s := c.held("release", b)
	h := c.index.of(s.blockno)

	if !s.lock.Release(b.tok) {
		panic(c.fatal("release", s.dev, s.blockno, ErrNotHeld))
	}

	bk := &c.table.buckets[h]
	bk.mu.Lock()
	s.refcnt--
	if s.refcnt == 0 {
		c.table.moveToFront(h, b.idx)
	}
	bk.mu.Unlock()

	*b = Buf{}
}

// Pin keeps b's block resident after b is released, until a matching Unpin.
func (c *Cache) Pin(b *Buf) {
	s := c.ref("pin", b)
	bk := &c.table.buckets[c.index.of(s.blockno)]
	bk.mu.Lock()
	s.refcnt++
	bk.mu.Unlock()
}

// Unpin drops a reference taken by Pin. Pairing is the caller's job.
func (c *Cache) Unpin(b *Buf) {
	s := c.ref("unpin", b)
	bk := &c.table.buckets[c.index.of(s.blockno)]
	bk.mu.Lock()
	s.refcnt--
	bk.mu.Unlock()
}

// Stats aggregates the per-bucket counters. Counters stay zero unless
// Config.StatsEnabled is set.
func (c *Cache) Stats() Stats {
	stats := Stats{
		Buffers:   len(c.slots),
		Buckets:   len(c.table.buckets),
		BlockSize: c.blockSize,
	}
	for i := range c.table.buckets {
		bk := &c.table.buckets[i]
		stats.Hits += atomic.LoadInt64(&bk.hits)
		stats.Reuses += atomic.LoadInt64(&bk.reuses)
		stats.Steals += atomic.LoadInt64(&bk.steals)
		stats.Reads += atomic.LoadInt64(&bk.reads)
		stats.Writes += atomic.LoadInt64(&bk.writes)
		stats.Errors += atomic.LoadInt64(&bk.errors)
	}
	stats.Misses = stats.Reuses + stats.Steals

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRatio = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *Cache) incr(counter *int64) {
	if c.config.StatsEnabled {
		atomic.AddInt64(counter, 1)
	}
}

// held returns b's slot, panicking unless b is a live buffer of c whose
// content lock is held.
func (c *Cache) held(op string, b *Buf) *slot {
	s := c.ref(op, b)
	if !s.lock.Holding(b.tok) {
		panic(c.fatal(op, 0, 0, ErrNotHeld))
	}
	return s
}

// ref returns b's slot, panicking unless b is a live buffer of c.
func (c *Cache) ref(op string, b *Buf) *slot {
	if b == nil || b.c == nil || b.c != c {
		panic(c.fatal(op, 0, 0, ErrNotHeld))
	}
	return &c.slots[b.idx]
}

// fatal logs an unrecoverable condition and returns the value to panic with.
func (c *Cache) fatal(op string, dev, blockno uint32, cause error) *CacheError {
	err := newCacheError(op, dev, blockno, cause)
	if c == nil {
		return err
	}
	c.logger.Error("bcache: fatal", "op", op, "dev", dev, "block", blockno, "err", cause)
	return err
}

// Buf is a held reference to one cached block, returned by Read.
type Buf struct {
	c   *Cache
	idx int32
	tok uint64
}

// Dev returns the device the buffer belongs to. Like Data, it panics once
// the buffer is no longer held.
func (b *Buf) Dev() uint32 { return b.c.held("dev", b).dev }

// BlockNo returns the block number the buffer caches. Like Data, it panics
// once the buffer is no longer held.
func (b *Buf) BlockNo() uint32 { return b.c.held("blockno", b).blockno }

// Data returns the block contents. The slice is only valid until Release;
// calling Data on a buffer that is no longer held panics.
func (b *Buf) Data() []byte {
	return b.c.held("data", b).data
}
