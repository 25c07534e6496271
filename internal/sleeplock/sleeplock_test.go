package sleeplock

import (
	"sync"
	"testing"
	"time"
)

func TestLockTokens(t *testing.T) {
	var l Lock

	tok := l.Acquire()
	if tok == 0 {
		t.Fatal("Expected a non-zero token")
	}
	if !l.Holding(tok) {
		t.Error("Expected holder token to be holding")
	}
	if l.Holding(tok + 1) {
		t.Error("Expected foreign token not to be holding")
	}
	if l.Release(tok + 1) {
		t.Error("Expected release with foreign token to fail")
	}
	if !l.Release(tok) {
		t.Fatal("Expected release with holder token to succeed")
	}
	if l.Release(tok) {
		t.Error("Expected double release to fail")
	}
	if l.Holding(tok) {
		t.Error("Expected stale token not to be holding")
	}

	next := l.Acquire()
	if next == tok {
		t.Error("Expected a fresh token per acquisition")
	}
	if l.Release(tok) {
		t.Error("Expected stale token not to release the new holder")
	}
	if !l.Holding(next) {
		t.Error("Expected new holder to keep the lock")
	}
	l.Release(next)
}

func TestLockBlocks(t *testing.T) {
	var l Lock
	tok := l.Acquire()

	acquired := make(chan uint64)
	go func() { acquired <- l.Acquire() }()

	select {
	case <-acquired:
		t.Fatal("Acquire returned while the lock was held")
	case <-time.After(50 * time.Millisecond):
	}

	l.Release(tok)

	select {
	case next := <-acquired:
		if !l.Holding(next) {
			t.Error("Expected waiter to hold the lock")
		}
		l.Release(next)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was never woken")
	}
}

func TestLockMutualExclusion(t *testing.T) {
	var (
		l       Lock
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				tok := l.Acquire()
				counter++
				l.Release(tok)
			}
		}()
	}
	wg.Wait()

	if counter != 8*500 {
		t.Errorf("Expected counter %d, got %d", 8*500, counter)
	}
}
