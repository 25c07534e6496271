package bcache

import (
	"math/rand"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/unkn0wn-root/bcache/device"
	"github.com/unkn0wn-root/bcache/internal/mathutil"
)

func benchCache(b *testing.B, config Config) *Cache {
	b.Helper()
	// RunParallel holds up to GOMAXPROCS buffers at once.
	if need := 2 * runtime.GOMAXPROCS(0); config.NumBuffers < need {
		config.NumBuffers = need
	}
	c, err := New(device.NewMem(512), config)
	if err != nil {
		b.Fatal(err)
	}
	return c
}

func BenchmarkReadHit(b *testing.B) {
	c := benchCache(b, DefaultConfig())
	for blk := uint32(0); blk < 16; blk++ {
		buf, _ := c.Read(1, blk)
		c.Release(buf)
	}

	var seed atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(seed.Add(1)))
		for pb.Next() {
			buf, err := c.Read(1, uint32(rng.Intn(16)))
			if err != nil {
				b.Error(err)
				return
			}
			c.Release(buf)
		}
	})
}

func BenchmarkReadMiss(b *testing.B) {
	config := LargeConfig()
	c := benchCache(b, config)

	var seed atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(seed.Add(1)))
		for pb.Next() {
			buf, err := c.Read(1, rng.Uint32())
			if err != nil {
				b.Error(err)
				return
			}
			c.Release(buf)
		}
	})
}

// Every bucket starts with one buffer, so misses mostly steal.
func BenchmarkStealHeavy(b *testing.B) {
	config := StressConfig()
	config.NumBuffers = mathutil.NextPowerOf2(4 * runtime.GOMAXPROCS(0))
	config.NumBuckets = config.NumBuffers
	c := benchCache(b, config)

	var seed atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(seed.Add(1)))
		for pb.Next() {
			buf, err := c.Read(1, uint32(rng.Intn(1<<16)))
			if err != nil {
				b.Error(err)
				return
			}
			c.Release(buf)
		}
	})
}

func BenchmarkReadWrite(b *testing.B) {
	c := benchCache(b, DefaultConfig())

	var seed atomic.Int64
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(seed.Add(1)))
		for pb.Next() {
			buf, err := c.Read(1, uint32(rng.Intn(64)))
			if err != nil {
				b.Error(err)
				return
			}
			buf.Data()[0]++
			if err := c.Write(buf); err != nil {
				b.Error(err)
			}
			c.Release(buf)
		}
	})
}
