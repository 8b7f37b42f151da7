// Package ratelimit provides fixed window admission control keyed by client.
package ratelimit

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrRateLimitExceeded is returned with a rejected Decision
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// Decision is the outcome of one admission check
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for a client key. A rejected request
// returns ErrRateLimitExceeded together with a Decision carrying RetryAfter.
type Limiter interface {
	Admit(ctx context.Context, clientKey string) (Decision, error)
}

// Resetter clears every client's window
type Resetter interface {
	Reset(ctx context.Context) error
}

// Config holds limiter settings
type Config struct {
	MaxRequests int
	Window      time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	return c
}

// decide turns the count observed inside a window into a Decision
func decide(cfg Config, count int, resetIn time.Duration) (Decision, error) {
	d := Decision{
		Allowed: count <= cfg.MaxRequests,
		Limit:   cfg.MaxRequests,
	}
	if remaining := cfg.MaxRequests - count; remaining > 0 {
		d.Remaining = remaining
	}
	if d.Allowed {
		return d, nil
	}

	if resetIn <= 0 {
		resetIn = time.Second
	}
	d.RetryAfter = resetIn
	return d, ErrRateLimitExceeded
}
