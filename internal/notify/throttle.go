package notify

import (
	"sync"
	"time"
)

// Throttle suppresses repeats of the same key inside a quiet period. It is
// safe for concurrent use.
type Throttle struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	quiet time.Duration
	now   func() time.Time
}

func NewThrottle(quiet time.Duration) *Throttle {
	return &Throttle{seen: make(map[string]time.Time), quiet: quiet, now: time.Now}
}

// Suppress reports whether key was let through less than the quiet period
// ago. A key that is not suppressed starts a new quiet period.
func (t *Throttle) Suppress(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.seen[key]; ok && now.Sub(last) < t.quiet {
		return true
	}
	t.seen[key] = now
	t.prune(now)
	return false
}

// prune drops expired keys; callers hold mu.
func (t *Throttle) prune(now time.Time) {
	for k, last := range t.seen {
		if now.Sub(last) >= t.quiet {
			delete(t.seen, k)
		}
	}
}
