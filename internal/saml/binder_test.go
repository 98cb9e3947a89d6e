package saml

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestBinderConsumeOnce(t *testing.T) {
	b := NewBinder()
	b.Register("req-1", "/dashboard", time.Minute)

	relay, err := b.Consume("req-1")
	if err != nil {
		t.Fatalf("first consume failed: %v", err)
	}
	if relay != "/dashboard" {
		t.Errorf("relay state = %q, want %q", relay, "/dashboard")
	}

	if _, err := b.Consume("req-1"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("second consume error = %v, want ErrAlreadyConsumed", err)
	}
}

func TestBinderUnknownID(t *testing.T) {
	b := NewBinder()
	if _, err := b.Consume("never-registered"); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume error = %v, want ErrNotFound", err)
	}
}

func TestBinderExpiry(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBinderWithClock(clock)
	b.Register("req-1", "", time.Minute)

	clock.Advance(2 * time.Minute)

	if _, err := b.Consume("req-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume of expired entry = %v, want ErrNotFound", err)
	}
}

func TestBinderConcurrentConsume(t *testing.T) {
	b := NewBinder()
	b.Register("req-1", "relay", time.Minute)

	const goroutines = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Consume("req-1"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("got %d successful consumes, want exactly 1", successes)
	}
}

func TestBinderSweep(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := NewBinderWithClock(clock)

	b.Register("live", "", time.Hour)
	b.Register("stale", "", time.Minute)
	b.Register("consumed", "", time.Hour)
	if _, err := b.Consume("consumed"); err != nil {
		t.Fatalf("consume failed: %v", err)
	}

	clock.Advance(5 * time.Minute)
	b.Sweep(clock.Now())

	if got := b.Outstanding(); got != 1 {
		t.Errorf("outstanding after sweep = %d, want 1", got)
	}
	// The consumed tombstone is younger than its TTL and must still be
	// reported as a replay, not an unknown ID.
	if _, err := b.Consume("consumed"); !errors.Is(err, ErrAlreadyConsumed) {
		t.Errorf("consume of swept tombstone = %v, want ErrAlreadyConsumed", err)
	}

	clock.Advance(tombstoneTTL)
	b.Sweep(clock.Now())
	if _, err := b.Consume("consumed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("consume after tombstone expiry = %v, want ErrNotFound", err)
	}
}
