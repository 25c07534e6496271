package bcache

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/unkn0wn-root/bcache/device"
)

func TestSnapshotPositions(t *testing.T) {
	c := newTestCache(t, device.NewMem(16), 3, 1)

	c.Release(mustRead(t, c, 1, 1))
	c.Release(mustRead(t, c, 1, 2))
	b := mustRead(t, c, 1, 3)
	c.Pin(b)

	snap := c.Snapshot()
	if snap.Buffers != 3 || snap.Buckets != 1 || snap.BlockSize != 16 {
		t.Fatalf("Unexpected header: %+v", snap)
	}
	if len(snap.Bufs) != 3 {
		t.Fatalf("Expected 3 slots, got %d", len(snap.Bufs))
	}

	// Held block 3 was never released so it keeps the position it was
	// linked at; 2 was released last.
	order := make([]uint32, len(snap.Bufs))
	for _, bi := range snap.Bufs {
		order[bi.Position] = bi.BlockNo
	}
	if order[0] != 2 || order[1] != 1 || order[2] != 3 {
		t.Errorf("Expected MRU order [2 1 3], got %v", order)
	}
	for _, bi := range snap.Bufs {
		if bi.BlockNo == 3 && bi.RefCount != 2 {
			t.Errorf("Expected block 3 to have refcount 2, got %d", bi.RefCount)
		}
		if !bi.Bound || !bi.Valid {
			t.Errorf("Expected slot %d to be bound and valid", bi.Slot)
		}
	}

	c.Unpin(b)
	c.Release(b)
}

func TestSnapshotEncodeDecode(t *testing.T) {
	c := newTestCache(t, device.NewMem(16), 8, 3)
	for blk := uint32(0); blk < 5; blk++ {
		c.Release(mustRead(t, c, 2, blk))
	}
	snap := c.Snapshot()

	var buf bytes.Buffer
	if err := EncodeSnapshot(&buf, snap); err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	encoded := append([]byte(nil), buf.Bytes()...)

	got, err := DecodeSnapshot(&buf)
	if err != nil {
		t.Fatalf("DecodeSnapshot: %v", err)
	}
	if !reflect.DeepEqual(got, snap) {
		t.Errorf("decoded snapshot differs:\n got %+v\nwant %+v", got, snap)
	}

	// Deterministic encoding: same snapshot, same bytes.
	buf.Reset()
	if err := EncodeSnapshot(&buf, snap); err != nil {
		t.Fatalf("EncodeSnapshot: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), encoded) {
		t.Error("Expected identical encodings for the same snapshot")
	}

	if _, err := DecodeSnapshot(strings.NewReader("not cbor")); err == nil {
		t.Error("Expected decode of garbage to fail")
	}
}

func TestCheckSnapshotDetectsCorruption(t *testing.T) {
	bucketOf := newBucketIndex(ModHash, 2).of

	good := Snapshot{
		Buckets: 2,
		Buffers: 3,
		Bufs: []BufInfo{
			{Slot: 0, Bucket: 0, Dev: 1, BlockNo: 4, Bound: true, Valid: true},
			{Slot: 1, Bucket: 1, Dev: 1, BlockNo: 5, Bound: true, RefCount: 1},
			{Slot: 2, Bucket: 1},
		},
	}
	if err := checkSnapshot(good, bucketOf); err != nil {
		t.Fatalf("Expected clean snapshot, got %v", err)
	}

	tests := []struct {
		name    string
		corrupt func(*Snapshot)
		want    string
	}{
		{"DuplicateKey", func(s *Snapshot) { s.Bufs[1].BlockNo = 4; s.Bufs[1].Bucket = 0 }, "cached in slots"},
		{"WrongBucket", func(s *Snapshot) { s.Bufs[0].Bucket = 1 }, "want 0"},
		{"NegativeRef", func(s *Snapshot) { s.Bufs[1].RefCount = -1 }, "refcount -1"},
		{"ValidUnbound", func(s *Snapshot) { s.Bufs[2].Valid = true }, "valid without an identity"},
		{"MissingSlot", func(s *Snapshot) { s.Bufs = s.Bufs[:2] }, "slot 2 linked 0 times"},
		{"DoubleLinked", func(s *Snapshot) { s.Bufs = append(s.Bufs, BufInfo{Slot: 2, Bucket: 0}) }, "slot 2 linked 2 times"},
		{"OutOfRange", func(s *Snapshot) { s.Bufs[2].Slot = 7 }, "out of range"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := good
			snap.Bufs = append([]BufInfo(nil), good.Bufs...)
			tt.corrupt(&snap)

			err := checkSnapshot(snap, bucketOf)
			if !errors.Is(err, ErrInvariant) {
				t.Fatalf("Expected ErrInvariant, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error to mention %q, got %v", tt.want, err)
			}
		})
	}
}
