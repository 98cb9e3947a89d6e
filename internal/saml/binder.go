package saml

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Binder errors. Consume distinguishes a request ID that was never issued
// (or has expired) from one that has already been redeemed, so callers can
// tell a stray response from a replayed one.
var (
	ErrNotFound        = errors.New("request ID not registered")
	ErrAlreadyConsumed = errors.New("request ID already consumed")
)

type binderEntry struct {
	relayState string
	expiresAt  time.Time
	consumed   bool
	consumedAt time.Time
}

// Binder tracks in-flight AuthnRequest IDs and their relay state, and
// enforces at-most-once consumption per ID. Per SAML 2.0 Profiles Section
// 4.1.4.3 a Response's InResponseTo must match an outstanding request, and
// per Section 4.1.4.5 it must not be accepted twice.
//
// Consumed entries are kept as tombstones until swept so that a replay is
// reported as ErrAlreadyConsumed rather than ErrNotFound.
type Binder struct {
	mu      sync.Mutex
	entries map[string]*binderEntry
	clock   clockwork.Clock
}

// NewBinder creates a Binder using the real clock.
func NewBinder() *Binder {
	return NewBinderWithClock(clockwork.NewRealClock())
}

// NewBinderWithClock creates a Binder with an injectable clock for tests.
func NewBinderWithClock(clock clockwork.Clock) *Binder {
	return &Binder{
		entries: make(map[string]*binderEntry),
		clock:   clock,
	}
}

// Register records a freshly issued request ID with its relay state. The
// entry becomes unconsumable after expiry.
func (b *Binder) Register(requestID, relayState string, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[requestID] = &binderEntry{
		relayState: relayState,
		expiresAt:  b.clock.Now().Add(ttl),
	}
}

// Consume redeems a request ID, returning the relay state registered with
// it. Exactly one Consume per ID succeeds; concurrent calls race under the
// binder lock and the loser observes ErrAlreadyConsumed.
func (b *Binder) Consume(requestID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.entries[requestID]
	if !ok {
		return "", ErrNotFound
	}
	if entry.consumed {
		return "", ErrAlreadyConsumed
	}
	if b.clock.Now().After(entry.expiresAt) {
		delete(b.entries, requestID)
		return "", ErrNotFound
	}

	entry.consumed = true
	entry.consumedAt = b.clock.Now()
	return entry.relayState, nil
}

// tombstoneTTL is how long a consumed entry remains visible to replay
// detection before Sweep discards it. It matches the longest window in
// which a replayed response could still pass timing validation.
const tombstoneTTL = 10 * time.Minute

// Sweep removes expired unconsumed entries and stale tombstones. It is
// called opportunistically by the engine; there is no background goroutine.
func (b *Binder) Sweep(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, entry := range b.entries {
		if entry.consumed {
			if now.Sub(entry.consumedAt) > tombstoneTTL {
				delete(b.entries, id)
			}
			continue
		}
		if now.After(entry.expiresAt) {
			delete(b.entries, id)
		}
	}
}

// Outstanding reports how many unconsumed, unexpired requests are pending.
func (b *Binder) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	now := b.clock.Now()
	for _, entry := range b.entries {
		if !entry.consumed && now.Before(entry.expiresAt) {
			n++
		}
	}
	return n
}
