// Package spinlock provides the busy-wait lock that guards bucket metadata.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// spins between scheduler hints while contended
const spinBudget = 64

// Lock is a non-reentrant test-and-set lock. A contending goroutine spins
// and stays runnable; it is never parked, so critical sections must be short
// and must not block. The zero value is an unlocked Lock.
type Lock struct {
	state atomic.Uint32
}

// Lock acquires l, spinning until it is available.
func (l *Lock) Lock() {
	for n := 1; !l.state.CompareAndSwap(0, 1); n++ {
		// Goroutines are multiplexed onto a limited number of Ps; hand
		// the P back now and then so the holder can run and unlock.
		if n%spinBudget == 0 {
			runtime.Gosched()
		}
	}
}

// Unlock releases l. Unlocking an unlocked Lock panics.
func (l *Lock) Unlock() {
	if !l.state.CompareAndSwap(1, 0) {
		panic("spinlock: unlock of unlocked lock")
	}
}

// Locked reports whether l is currently held by anyone.
func (l *Lock) Locked() bool { return l.state.Load() == 1 }
