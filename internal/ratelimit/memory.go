package ratelimit

import (
	"context"
	"sync"
	"time"
)

// window is the counter for one client key
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	dead  bool // removed by the janitor, callers must look the key up again
}

// MemoryLimiter is a single-process fixed window limiter. Each key has its own
// lock so unrelated clients never wait on each other.
type MemoryLimiter struct {
	cfg     Config
	windows sync.Map // string -> *window
	now     func() time.Time
}

// NewMemoryLimiter creates an in-memory limiter
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg: cfg.withDefaults(),
		now: time.Now,
	}
}

// Admit counts the request against clientKey's current window
func (l *MemoryLimiter) Admit(_ context.Context, clientKey string) (Decision, error) {
	for {
		v, _ := l.windows.LoadOrStore(clientKey, &window{start: l.now()})
		w := v.(*window)

		w.mu.Lock()
		if w.dead {
			w.mu.Unlock()
			continue
		}

		now := l.now()
		if now.Sub(w.start) > l.cfg.Window {
			w.start = now
			w.count = 0
		}
		w.count++
		count := w.count
		resetIn := w.start.Add(l.cfg.Window).Sub(now)
		w.mu.Unlock()

		return decide(l.cfg, count, resetIn)
	}
}

// Cleanup drops keys whose window has elapsed. Their next request would start
// a fresh window anyway.
func (l *MemoryLimiter) Cleanup() int {
	removed := 0
	now := l.now()

	l.windows.Range(func(key, value interface{}) bool {
		w := value.(*window)
		w.mu.Lock()
		if now.Sub(w.start) > l.cfg.Window {
			w.dead = true
			l.windows.Delete(key)
			removed++
		}
		w.mu.Unlock()
		return true
	})

	return removed
}

// Reset drops every window
func (l *MemoryLimiter) Reset(_ context.Context) error {
	l.windows.Range(func(key, value interface{}) bool {
		w := value.(*window)
		w.mu.Lock()
		w.dead = true
		l.windows.Delete(key)
		w.mu.Unlock()
		return true
	})
	return nil
}

// StartJanitor runs Cleanup every interval until ctx is done
func (l *MemoryLimiter) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

var (
	_ Limiter  = (*MemoryLimiter)(nil)
	_ Resetter = (*MemoryLimiter)(nil)
)
