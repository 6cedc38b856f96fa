package ratelimit

import (
	"sync"
	"testing"
)

func TestAllow_OffByOne(t *testing.T) {
	l := New()
	const ceiling = 1

	if !l.Allow("a@dom", ceiling) {
		t.Fatal("1st send within ceiling should be allowed")
	}
	if !l.Allow("a@dom", ceiling) {
		t.Fatal("2nd send should be allowed: count<=ceiling is inclusive, admitting ceiling+1 sends")
	}
	if l.Allow("a@dom", ceiling) {
		t.Fatal("3rd send must be the first one denied")
	}
}

func TestAllow_Monotonic(t *testing.T) {
	l := New()
	const ceiling = 3

	denied := false
	for i := 0; i < int(ceiling)+2; i++ {
		if !l.Allow("b@dom", ceiling) {
			denied = true
		}
	}
	if !denied {
		t.Fatal("after ceiling+2 calls within the window, at least one must be denied")
	}
}

func TestAllow_IndependentSenders(t *testing.T) {
	l := New()
	const ceiling = 0

	if !l.Allow("x@dom", ceiling) {
		t.Fatal("first send for x@dom should be allowed")
	}
	if !l.Allow("y@dom", ceiling) {
		t.Fatal("a different sender must not be throttled by x@dom's usage")
	}
}

func TestAllow_ConcurrentCallersDoNotRace(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Allow("concurrent@dom", 1000)
		}()
	}
	wg.Wait()

	l.mu.Lock()
	count := len(l.seen["concurrent@dom"])
	l.mu.Unlock()
	if count != 50 {
		t.Fatalf("expected 50 admitted sends, got %d", count)
	}
}
