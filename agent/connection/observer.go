package connection

import (
	"sync"
	"time"
)

// OutageObserver tracks one continuous failure episode. It signals an alert
// once per episode after failures have persisted longer than the grace.
type OutageObserver struct {
	grace time.Duration

	mu       sync.Mutex
	failing  bool
	handled  bool
	since    time.Time
	failures int
	lastErr  error
}

func NewOutageObserver(grace time.Duration) *OutageObserver {
	return &OutageObserver{grace: grace}
}

// Fail records a failure at now and reports whether the caller should
// raise the alert for this episode.
func (o *OutageObserver) Fail(now time.Time, err error) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.failing {
		o.failing = true
		o.handled = false
		o.since = now
		o.failures = 0
	}
	o.failures++
	o.lastErr = err

	if o.handled || now.Sub(o.since) <= o.grace {
		return false
	}
	o.handled = true
	return true
}

// Resolve ends the current episode.
func (o *OutageObserver) Resolve() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failing = false
	o.handled = false
	o.failures = 0
	o.lastErr = nil
}

// Episode returns when the current episode began and how many failures it
// holds. ok is false when nothing is failing.
func (o *OutageObserver) Episode() (since time.Time, failures int, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.since, o.failures, o.failing
}
