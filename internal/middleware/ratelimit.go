package middleware

import (
	"sync"
	"time"
)

// ThrottleMessage is shown to callers rejected by a Throttle.
const ThrottleMessage = "Please wait a moment before asking again."

// Throttle enforces a minimum interval between consecutive calls, shared by
// every caller of the same instance.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	now      func() time.Time
}

func NewThrottle(interval time.Duration) *Throttle {
	return &Throttle{interval: interval, now: time.Now}
}

func (t *Throttle) WithClock(now func() time.Time) *Throttle {
	t.now = now
	return t
}

// Allow records a call and reports whether it is outside the cooldown.
// Rejected calls do not extend the cooldown.
func (t *Throttle) Allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}
