package engine

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockSetSerialisesSameKey(t *testing.T) {
	locks := NewLockSet()
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("0xabc")
			defer unlock()
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen.Load())
	}
	if locks.size() != 0 {
		t.Fatalf("expected lock entries to be released, have %d", locks.size())
	}
}

func TestLockSetIndependentKeys(t *testing.T) {
	locks := NewLockSet()
	unlockA := locks.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := locks.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
	unlockA()
}
