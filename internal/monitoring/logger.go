package monitoring

import (
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to a no-op until
// SetLogger installs one; production wiring points it at zerolog.
var Logf func(format string, v ...interface{}) = func(string, ...interface{}) {}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Limiter suppresses repeats of the same message key within an interval.
// Used on the telemetry hot path so a malformed frame stream cannot flood
// the log at frame rate.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// NewLimiter returns a Limiter with the given suppression interval.
func NewLimiter(interval time.Duration) *Limiter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Limiter{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a message with the given key may be logged now.
// The first occurrence of a key is always allowed; repeats are allowed once
// the interval has elapsed since the last allowed occurrence.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if t, ok := l.last[key]; ok && now.Sub(t) < l.interval {
		return false
	}
	l.last[key] = now
	// Bound the map: a producer generating unique keys per frame must not
	// grow memory without limit.
	if len(l.last) > 256 {
		for k, t := range l.last {
			if now.Sub(t) >= l.interval {
				delete(l.last, k)
			}
		}
	}
	return true
}
