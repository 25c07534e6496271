package bcache

import (
	"iter"

	"github.com/unkn0wn-root/bcache/internal/spinlock"
)

// unlinked marks a slot that is not on any bucket list
const unlinked = -1

// link is one node of a bucket list. Links live in a single arena indexed by
// slot number; the bucket sentinels sit after the slots.
type link struct {
	next, prev int32
}

// bucket is one partition of the buffer table. Its lock guards the list and
// the identity, valid and refcnt fields of every slot currently linked into it.
type bucket struct {
	mu   spinlock.Lock
	head int32 // sentinel; head.next is most recently used, head.prev least

	hits   int64
	reuses int64
	steals int64
	reads  int64
	writes int64
	errors int64
}

// table holds the bucket lists. A circular list with a sentinel per bucket
// keeps unlink and relink free of edge cases.
type table struct {
	links   []link
	buckets []bucket
}

func newTable(nslots, nbuckets int) table {
	t := table{
		links:   make([]link, nslots+nbuckets),
		buckets: make([]bucket, nbuckets),
	}
	for i := 0; i < nslots; i++ {
		t.links[i] = link{next: unlinked, prev: unlinked}
	}
	for b := range t.buckets {
		h := int32(nslots + b)
		t.buckets[b].head = h
		t.links[h] = link{next: h, prev: h}
	}
	return t
}

// pushFront links slot i at the most recently used end of bucket b.
func (t *table) pushFront(b int, i int32) {
	head := t.buckets[b].head
	oldNext := t.links[head].next
	// head -> i -> oldNext
	t.links[head].next = i
	t.links[i].next = oldNext
	// head <- i <- oldNext
	t.links[i].prev = head
	t.links[oldNext].prev = i
}

// unlink removes slot i from whichever list it is on.
func (t *table) unlink(i int32) {
	l := t.links[i]
	t.links[l.prev].next = l.next
	t.links[l.next].prev = l.prev
	t.links[i] = link{next: unlinked, prev: unlinked}
}

// moveToFront makes slot i, already on bucket b, its most recently used entry.
func (t *table) moveToFront(b int, i int32) {
	if t.links[t.buckets[b].head].next == i {
		return
	}
	t.unlink(i)
	t.pushFront(b, i)
}

// fromMRU iterates bucket b from the most to the least recently used slot.
// The bucket lock must be held and the list left unchanged while iterating.
func (t *table) fromMRU(b int) iter.Seq[int32] {
	return func(yield func(int32) bool) {
		head := t.buckets[b].head
		for i := t.links[head].next; i != head; i = t.links[i].next {
			if !yield(i) {
				return
			}
		}
	}
}

// fromLRU iterates bucket b from the least to the most recently used slot.
func (t *table) fromLRU(b int) iter.Seq[int32] {
	return func(yield func(int32) bool) {
		head := t.buckets[b].head
		for i := t.links[head].prev; i != head; i = t.links[i].prev {
			if !yield(i) {
				return
			}
		}
	}
}

// lockPair locks buckets a and b, always taking the lower index first.
// It is the only way two bucket locks are ever held together, so two
// goroutines stealing in opposite directions can never wait on each other.
func (t *table) lockPair(a, b int) {
	if a == b {
		panic("bcache: lockPair on a single bucket")
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	t.buckets[lo].mu.Lock()
	t.buckets[hi].mu.Lock()
}

// unlockPair undoes lockPair, releasing in reverse acquisition order.
func (t *table) unlockPair(a, b int) {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	t.buckets[hi].mu.Unlock()
	t.buckets[lo].mu.Unlock()
}
