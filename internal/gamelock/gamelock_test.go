package gamelock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMutualExclusionPerGame(t *testing.T) {
	r := NewRegistry()

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := r.Acquire("g1")
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			r.Release(h)
		}()
	}
	wg.Wait()

	if got := maxInside.Load(); got != 1 {
		t.Fatalf("%d goroutines held the same game lock at once", got)
	}
	if r.Len() != 0 {
		t.Fatalf("registry kept %d entries after release", r.Len())
	}
}

func TestDifferentGamesDoNotBlock(t *testing.T) {
	r := NewRegistry()
	h1 := r.Acquire("g1")
	defer r.Release(h1)

	done := make(chan struct{})
	go func() {
		h2 := r.Acquire("g2")
		r.Release(h2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on g1 blocked g2")
	}
}

func TestEntryKeptWhileWaiting(t *testing.T) {
	r := NewRegistry()
	h := r.Acquire("g1")

	acquired := make(chan *Handle)
	go func() { acquired <- r.Acquire("g1") }()

	// Wait for the second caller to register.
	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.Lock()
		refs := r.locks["g1"].refs
		r.mu.Unlock()
		if refs == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("waiter never registered")
		}
		time.Sleep(time.Millisecond)
	}

	r.Release(h)
	if r.Len() != 1 {
		t.Fatalf("entry dropped while a waiter holds a reference: len=%d", r.Len())
	}
	h2 := <-acquired
	if h2 != h {
		t.Fatal("waiter got a different lock object")
	}
	if h2.ID() != "g1" {
		t.Fatalf("ID() = %q", h2.ID())
	}
	r.Release(h2)
	if r.Len() != 0 {
		t.Fatalf("len=%d after final release", r.Len())
	}
}
