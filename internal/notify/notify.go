// Package notify wakes goroutines waiting for a serial to be committed.
//
// A single broadcast channel is closed and replaced on every Publish.
// Waiters do not learn which serial was committed; they re-check their own
// predicate after each wake, so coalesced or spurious wake-ups are harmless.
package notify

import (
	"context"
	"sync"
	"time"

	"serialkv/internal/model"
)

type Notifier struct {
	latest func() model.Serial

	mu      sync.Mutex
	changed chan struct{}
	closed  chan struct{}
	waiters int
}

// New returns a Notifier that evaluates waits against latest.
func New(latest func() model.Serial) *Notifier {
	return &Notifier{
		latest:  latest,
		changed: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Publish wakes every waiter. Call it after the new latest serial is visible.
func (n *Notifier) Publish() {
	n.mu.Lock()
	close(n.changed)
	n.changed = make(chan struct{})
	n.mu.Unlock()
}

// Close wakes all waiters; they and any later callers return false unless
// their target is already reached. Close is idempotent.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.closed:
	default:
		close(n.closed)
	}
}

// Closed is closed once Close has been called.
func (n *Notifier) Closed() <-chan struct{} {
	return n.closed
}

// Waiters returns the number of goroutines blocked in WaitForSerial.
func (n *Notifier) Waiters() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.waiters
}

// WaitForSerial blocks until the latest serial reaches target, the timeout
// elapses, ctx is done or the Notifier is closed. It reports whether target
// was reached.
func (n *Notifier) WaitForSerial(ctx context.Context, target model.Serial, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	n.mu.Lock()
	n.waiters++
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.waiters--
		n.mu.Unlock()
	}()

	for {
		// Grab the channel before checking so a Publish in between is not lost.
		n.mu.Lock()
		changed := n.changed
		n.mu.Unlock()

		if n.latest() >= target {
			return true
		}
		select {
		case <-changed:
		case <-timer.C:
			return n.latest() >= target
		case <-ctx.Done():
			return false
		case <-n.closed:
			return false
		}
	}
}
