package bcache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/unkn0wn-root/bcache/internal/mathutil"
)

// HashFunc maps a block number to the hash that selects its bucket.
// The bucket is the hash modulo the bucket count.
type HashFunc func(blockno uint32) uint64

// ModHash is the identity hash: block n lands in bucket n % NumBuckets.
// Sequential blocks spread evenly, which suits filesystem access patterns.
func ModHash(blockno uint32) uint64 { return uint64(blockno) }

// XXHash scatters block numbers with xxhash. It avoids pile-ups when the
// access stride shares a factor with the bucket count.
func XXHash(blockno uint32) uint64 {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], blockno)
	return xxhash.Sum64(buf[:])
}

// bucketIndex maps a block onto one of n buckets (fast mask when n is a power of two).
type bucketIndex struct {
	hash HashFunc
	n    uint64
	mask uint64
	pow2 bool
}

func newBucketIndex(hash HashFunc, n int) bucketIndex {
	if hash == nil {
		hash = ModHash
	}
	bi := bucketIndex{hash: hash, n: uint64(n)}
	if mathutil.IsPowerOf2(n) {
		bi.pow2 = true
		bi.mask = uint64(n - 1)
	}
	return bi
}

func (bi bucketIndex) of(blockno uint32) int {
	h := bi.hash(blockno)
	if bi.pow2 {
		return int(h & bi.mask)
	}
	return int(h % bi.n)
}
