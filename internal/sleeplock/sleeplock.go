// Package sleeplock provides the blocking lock that guards buffer contents.
//
// Go has no goroutine identity, so ownership is tracked with tokens: every
// successful Acquire hands out a fresh token and only that token may release
// the lock. A stale token (a second release, or a release after someone else
// re-acquired) is rejected instead of silently unlocking another holder.
package sleeplock

import (
	"sync"
	"sync/atomic"
)

// tokens are process-wide so a token can never be valid for two locks.
var tokens atomic.Uint64

// Lock is a blocking mutual-exclusion lock with holder tracking.
// The zero value is an unlocked Lock.
type Lock struct {
	mu     sync.Mutex
	cond   sync.Cond
	locked bool
	owner  uint64
}

// Acquire blocks until l is free, takes it and returns the holder token.
func (l *Lock) Acquire() uint64 {
	l.mu.Lock()
	if l.cond.L == nil {
		l.cond.L = &l.mu
	}
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.owner = tokens.Add(1)
	tok := l.owner
	l.mu.Unlock()
	return tok
}

// Release gives up l on behalf of tok. It reports false, leaving l
// untouched, when tok is not the current holder.
func (l *Lock) Release(tok uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.locked || tok == 0 || l.owner != tok {
		return false
	}
	l.locked = false
	l.owner = 0
	if l.cond.L != nil {
		l.cond.Signal()
	}
	return true
}

// Holding reports whether tok currently holds l.
func (l *Lock) Holding(tok uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked && tok != 0 && l.owner == tok
}
