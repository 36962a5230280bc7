package proxy

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// dedupLogger throttles repeated upstream-error log lines so a stale
// internal sync port reconnecting in a tight loop doesn't flood the log.
// Within window of the first occurrence of a given key, further
// occurrences are only counted; the next log line past the window reports
// how many were suppressed.
type dedupLogger struct {
	window time.Duration

	mu      sync.Mutex
	entries map[string]*dedupEntry
}

type dedupEntry struct {
	first      time.Time
	suppressed int
}

func newDedupLogger(window time.Duration) *dedupLogger {
	return &dedupLogger{window: window, entries: make(map[string]*dedupEntry)}
}

// upstreamError logs a proxy-to-upstream failure, deduped per (target, code).
func (d *dedupLogger) upstreamError(target string, code int, err error) {
	key := fmt.Sprintf("%s|%d", target, code)

	d.mu.Lock()
	now := time.Now()
	e, ok := d.entries[key]
	if ok && now.Sub(e.first) < d.window {
		e.suppressed++
		d.mu.Unlock()
		return
	}

	suppressed := 0
	if ok {
		suppressed = e.suppressed
	}
	d.entries[key] = &dedupEntry{first: now}
	d.mu.Unlock()

	if suppressed > 0 {
		slog.Warn("proxy: upstream error (suppressed repeats)",
			"target", target, "code", code, "error", err, "suppressed", suppressed)
		return
	}
	slog.Warn("proxy: upstream error", "target", target, "code", code, "error", err)
}
