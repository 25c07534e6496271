package bcache

// get returns a buffer bound to (dev, blockno) whose slot reference count has
// been raised and whose content lock is held by the caller. It panics with
// ErrNoBuffers when every slot in the pool is referenced.
func (c *Cache) get(dev, blockno uint32) *Buf {
	h := c.index.of(blockno)
	bk := &c.table.buckets[h]

	bk.mu.Lock()

	// Is the block already cached? A hit never touches another bucket.
	if i := c.lookup(h, dev, blockno); i != unlinked {
		c.slots[i].refcnt++
		bk.mu.Unlock()
		c.incr(&bk.hits)
		return c.acquire(i)
	}

	// Not cached. Recycle the least recently used free slot of this bucket.
	if i := c.victim(h); i != unlinked {
		c.bind(i, dev, blockno)
		bk.mu.Unlock()
		c.incr(&bk.reuses)
		return c.acquire(i)
	}

	// h must be dropped before any other bucket is locked; lockPair
	// re-takes it in global order.
	bk.mu.Unlock()
	return c.steal(h, dev, blockno)
}

// steal visits every other bucket in cyclic order starting after h and
// moves the first free slot it finds into h.
func (c *Cache) steal(h int, dev, blockno uint32) *Buf {
	n := len(c.table.buckets)
	bk := &c.table.buckets[h]

	for i := (h + 1) % n; i != h; i = (i + 1) % n {
		c.table.lockPair(h, i)

		// h was unlocked for a moment: another goroutine may have admitted
		// this block or released a slot into h in the meantime.
		if j := c.lookup(h, dev, blockno); j != unlinked {
			c.slots[j].refcnt++
			c.table.unlockPair(h, i)
			c.incr(&bk.hits)
			return c.acquire(j)
		}
		if j := c.victim(h); j != unlinked {
			c.bind(j, dev, blockno)
			c.table.unlockPair(h, i)
			c.incr(&bk.reuses)
			return c.acquire(j)
		}

		if j := c.victim(i); j != unlinked {
			c.table.unlink(j)
			c.bind(j, dev, blockno)
			c.table.pushFront(h, j)
			c.table.unlockPair(h, i)

			c.incr(&bk.steals)
			c.logger.Debug("bcache: stole buffer",
				"dev", dev, "block", blockno, "slot", j, "from", i, "to", h)
			return c.acquire(j)
		}
		c.table.unlockPair(h, i)
	}

	// The scan is a single pass: a slot released into a bucket already
	// visited, or moved there by another steal, is not seen. Under heavy
	// contention this can report exhaustion while a slot is free.
	panic(c.fatal("get", dev, blockno, ErrNoBuffers))
}

// lookup finds the slot bound to (dev, blockno) in bucket h.
// The lock of h must be held.
func (c *Cache) lookup(h int, dev, blockno uint32) int32 {
	for i := range c.table.fromMRU(h) {
		s := &c.slots[i]
		if s.bound && s.dev == dev && s.blockno == blockno {
			return i
		}
	}
	return unlinked
}

// victim returns the least recently used unreferenced slot of bucket b.
// The lock of b must be held.
func (c *Cache) victim(b int) int32 {
	for i := range c.table.fromLRU(b) {
		if c.slots[i].refcnt == 0 {
			return i
		}
	}
	return unlinked
}

// bind gives slot i a new identity with the caller as its only reference.
// The lock of the bucket holding i must be held and i must be unreferenced.
func (c *Cache) bind(i int32, dev, blockno uint32) {
	s := &c.slots[i]
	s.dev = dev
	s.blockno = blockno
	s.bound = true
	s.valid = false
	s.refcnt = 1
}

// acquire takes the content lock of slot i on behalf of a new Buf.
// No bucket lock may be held: this can block.
func (c *Cache) acquire(i int32) *Buf {
	tok := c.slots[i].lock.Acquire()
	return &Buf{c: c, idx: i, tok: tok}
}
