package swgate

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// rateLimitedLogger prints at most one line per interval and reports how many
// lines it swallowed in between.
type rateLimitedLogger struct {
	mu         sync.Mutex
	lastAt     time.Time
	interval   time.Duration
	suppressed int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{interval: interval}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.suppressed++
		return
	}
	l.lastAt = now
	msg := fmt.Sprintf(format, args...)
	if l.suppressed > 0 {
		msg = fmt.Sprintf("%s (%d similar suppressed)", msg, l.suppressed)
		l.suppressed = 0
	}
	log.Print(msg)
}
