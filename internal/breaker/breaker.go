// Package breaker guards calls to the inventory dependency with a shared
// circuit breaker.
package breaker

import (
	"context"
	"sync"
	"time"

	"example.com/backstage/services/orders/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when a call is rejected without being attempted
var ErrCircuitOpen = errors.New("circuit breaker is open")

// manualResetTimeout stands in for "never" when no open timeout is configured.
// gobreaker treats a zero Timeout as 60s.
const manualResetTimeout = 100 * 365 * 24 * time.Hour

// State mirrors the gobreaker states
type State string

const (
	StateClosed   State = "closed"
	StateHalfOpen State = "half-open"
	StateOpen     State = "open"
)

// Config holds breaker settings
type Config struct {
	Name                string
	FailureThreshold    uint32
	OpenTimeout         time.Duration // zero keeps the breaker open until Reset
	HalfOpenMaxRequests uint32
}

// Status is a point-in-time view of the breaker
type Status struct {
	Name                string `json:"name"`
	State               State  `json:"state"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
	Requests            uint32 `json:"requests"`
	TotalFailures       uint32 `json:"total_failures"`
}

// Breaker counts consecutive failures of the calls it executes. Once the count
// reaches the threshold it opens and rejects calls until reset. All access to
// the failure counts is serialized by gobreaker.
type Breaker struct {
	mu      sync.RWMutex
	cb      *gobreaker.TwoStepCircuitBreaker
	cfg     Config
	metrics metrics.Recorder
}

// New creates a closed breaker
func New(cfg Config, recorder metrics.Recorder) *Breaker {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.HalfOpenMaxRequests == 0 {
		cfg.HalfOpenMaxRequests = 1
	}
	if cfg.Name == "" {
		cfg.Name = "inventory"
	}
	if recorder == nil {
		recorder = metrics.Nop{}
	}

	b := &Breaker{cfg: cfg, metrics: recorder}
	b.cb = b.newCircuitBreaker()
	b.metrics.SetGauge(metrics.InventoryCircuitOpen, 0)
	return b
}

func (b *Breaker) newCircuitBreaker() *gobreaker.TwoStepCircuitBreaker {
	timeout := b.cfg.OpenTimeout
	if timeout <= 0 {
		timeout = manualResetTimeout
	}
	threshold := b.cfg.FailureThreshold

	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        b.cfg.Name,
		MaxRequests: b.cfg.HalfOpenMaxRequests,
		Interval:    0,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			b.onStateChange(name, from, to)
		},
	})
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	var open int64
	if to == gobreaker.StateOpen {
		open = 1
	}
	b.metrics.SetGauge(metrics.InventoryCircuitOpen, open)

	event := log.Info()
	if to == gobreaker.StateOpen {
		event = log.Warn()
	}
	event.Str("breaker", name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")
}

func (b *Breaker) current() *gobreaker.TwoStepCircuitBreaker {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cb
}

// Execute runs fn unless the breaker is open. A returned error counts as one
// failure and a nil error resets the consecutive failure count.
//
// A call that ends because ctx was cancelled is not reported to the closed
// breaker at all, so the failure count is left as it was. A cancelled
// half-open probe is reported as a failure, otherwise the probe slot would
// never be released.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	cb := b.current()
	probing := cb.State() == gobreaker.StateHalfOpen

	done, err := cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return ErrCircuitOpen
		}
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			done(false)
			panic(r)
		}
	}()

	err = fn(ctx)
	switch {
	case err == nil:
		done(true)
	case cancelled(ctx, err) && !probing:
	default:
		done(false)
	}
	return err
}

func cancelled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

// IsOpen reports whether calls are currently being rejected
func (b *Breaker) IsOpen() bool {
	return b.current().State() == gobreaker.StateOpen
}

// State returns the current breaker state
func (b *Breaker) State() State {
	switch b.current().State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ConsecutiveFailures returns the failures counted since the last success
func (b *Breaker) ConsecutiveFailures() uint32 {
	return b.current().Counts().ConsecutiveFailures
}

// Status reports the breaker state and counts
func (b *Breaker) Status() Status {
	cb := b.current()
	counts := cb.Counts()
	return Status{
		Name:                b.cfg.Name,
		State:               b.State(),
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Requests:            counts.Requests,
		TotalFailures:       counts.TotalFailures,
	}
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cb = b.newCircuitBreaker()
	b.metrics.SetGauge(metrics.InventoryCircuitOpen, 0)
	log.Info().Str("breaker", b.cfg.Name).Msg("Circuit breaker reset")
}
