package device

import (
	"sync"
	"sync/atomic"
	"time"
)

type blockKey struct {
	dev, blockno uint32
}

// Mem is an in-memory Device. It counts transfers and can inject faults and
// latency, which makes it the device of choice for tests.
type Mem struct {
	size int

	mu        sync.RWMutex
	blocks    map[blockKey][]byte
	readFault func(dev, blockno uint32) error
	readDelay time.Duration

	reads  atomic.Int64
	writes atomic.Int64
}

// NewMem returns an empty in-memory device with the given block size.
func NewMem(blockSize int) *Mem {
	return &Mem{
		size:   blockSize,
		blocks: make(map[blockKey][]byte),
	}
}

func (m *Mem) BlockSize() int { return m.size }

func (m *Mem) ReadBlock(dev, blockno uint32, p []byte) error {
	if err := checkLen("mem read", p, m.size); err != nil {
		return err
	}

	m.mu.RLock()
	fault, delay := m.readFault, m.readDelay
	m.mu.RUnlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fault != nil {
		if err := fault(dev, blockno); err != nil {
			return err
		}
	}
	m.reads.Add(1)

	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.blocks[blockKey{dev, blockno}]; ok {
		copy(p, b)
	} else {
		clear(p)
	}
	return nil
}

func (m *Mem) WriteBlock(dev, blockno uint32, p []byte) error {
	if err := checkLen("mem write", p, m.size); err != nil {
		return err
	}
	m.writes.Add(1)

	m.mu.Lock()
	m.blocks[blockKey{dev, blockno}] = append([]byte(nil), p...)
	m.mu.Unlock()
	return nil
}

// Block returns a copy of the stored block, or nil if it was never written.
func (m *Mem) Block(dev, blockno uint32) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if b, ok := m.blocks[blockKey{dev, blockno}]; ok {
		return append([]byte(nil), b...)
	}
	return nil
}

// SetReadFault installs fn to be consulted before every read; a non-nil
// result fails the read. A nil fn removes the fault.
func (m *Mem) SetReadFault(fn func(dev, blockno uint32) error) {
	m.mu.Lock()
	m.readFault = fn
	m.mu.Unlock()
}

// SetReadDelay makes every read sleep for d before transferring.
func (m *Mem) SetReadDelay(d time.Duration) {
	m.mu.Lock()
	m.readDelay = d
	m.mu.Unlock()
}

// Reads returns the number of successful reads.
func (m *Mem) Reads() int64 { return m.reads.Load() }

// Writes returns the number of writes.
func (m *Mem) Writes() int64 { return m.writes.Load() }
