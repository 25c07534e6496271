package bcache

import (
	"errors"
	"fmt"
	"io"

	cbor "github.com/fxamacker/cbor/v2"
)

// BufInfo describes one slot as seen when its bucket was inspected.
type BufInfo struct {
	Slot     int    `cbor:"1,keyasint"`
	Bucket   int    `cbor:"2,keyasint"`
	Position int    `cbor:"3,keyasint"` // 0 is the most recently used end
	Dev      uint32 `cbor:"4,keyasint"`
	BlockNo  uint32 `cbor:"5,keyasint"`
	Bound    bool   `cbor:"6,keyasint"`
	Valid    bool   `cbor:"7,keyasint"`
	RefCount int32  `cbor:"8,keyasint"`
}

// Snapshot is a listing of every slot, bucket by bucket.
// NOTE:
//   - Buckets are inspected one at a time, never two locks at once. A slot
//     stolen while the snapshot is being taken can show up twice or not at
//     all; take snapshots of a quiet cache when the result must be exact.
type Snapshot struct {
	BlockSize int       `cbor:"1,keyasint"`
	Buckets   int       `cbor:"2,keyasint"`
	Buffers   int       `cbor:"3,keyasint"`
	Bufs      []BufInfo `cbor:"4,keyasint"`
}

// Snapshot lists every slot with its bucket, recency position and metadata.
func (c *Cache) Snapshot() Snapshot {
	snap := Snapshot{
		BlockSize: c.blockSize,
		Buckets:   len(c.table.buckets),
		Buffers:   len(c.slots),
		Bufs:      make([]BufInfo, 0, len(c.slots)),
	}
	for b := range c.table.buckets {
		bk := &c.table.buckets[b]
		bk.mu.Lock()
		pos := 0
		for i := range c.table.fromMRU(b) {
			s := &c.slots[i]
			snap.Bufs = append(snap.Bufs, BufInfo{
				Slot:     int(i),
				Bucket:   b,
				Position: pos,
				Dev:      s.dev,
				BlockNo:  s.blockno,
				Bound:    s.bound,
				Valid:    s.valid,
				RefCount: s.refcnt,
			})
			pos++
		}
		bk.mu.Unlock()
	}
	return snap
}

// Check takes a snapshot and verifies the table invariants: every slot is on
// exactly one bucket list, bound slots sit in the bucket their block hashes
// to, no block is cached twice and no reference count is negative.
func (c *Cache) Check() error {
	return checkSnapshot(c.Snapshot(), c.index.of)
}

func checkSnapshot(snap Snapshot, bucketOf func(uint32) int) error {
	type key struct{ dev, blockno uint32 }

	var (
		errs  []error
		seen  = make([]int, snap.Buffers)
		owner = make(map[key]int, len(snap.Bufs))
	)
	for _, bi := range snap.Bufs {
		if bi.Slot < 0 || bi.Slot >= snap.Buffers {
			errs = append(errs, fmt.Errorf("slot %d out of range", bi.Slot))
			continue
		}
		seen[bi.Slot]++

		if bi.RefCount < 0 {
			errs = append(errs, fmt.Errorf("slot %d has refcount %d", bi.Slot, bi.RefCount))
		}
		if !bi.Bound {
			if bi.Valid {
				errs = append(errs, fmt.Errorf("slot %d is valid without an identity", bi.Slot))
			}
			continue
		}
		if want := bucketOf(bi.BlockNo); want != bi.Bucket {
			errs = append(errs, fmt.Errorf("slot %d (block %d) in bucket %d, want %d",
				bi.Slot, bi.BlockNo, bi.Bucket, want))
		}
		k := key{bi.Dev, bi.BlockNo}
		if prev, dup := owner[k]; dup {
			errs = append(errs, fmt.Errorf("dev %d block %d cached in slots %d and %d",
				bi.Dev, bi.BlockNo, prev, bi.Slot))
			continue
		}
		owner[k] = bi.Slot
	}
	for slot, n := range seen {
		if n != 1 {
			errs = append(errs, fmt.Errorf("slot %d linked %d times", slot, n))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvariant, errors.Join(errs...))
}

var snapshotEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// EncodeSnapshot writes snap to w as deterministic CBOR.
func EncodeSnapshot(w io.Writer, snap Snapshot) error {
	return snapshotEncMode.NewEncoder(w).Encode(snap)
}

// DecodeSnapshot reads one snapshot written by EncodeSnapshot.
func DecodeSnapshot(r io.Reader) (Snapshot, error) {
	var snap Snapshot
	err := cbor.NewDecoder(r).Decode(&snap)
	return snap, err
}
