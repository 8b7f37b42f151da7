package inventory

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrScriptedFailure is returned by ScriptedReserver for a scripted failure
var ErrScriptedFailure = errors.New("scripted inventory failure")

// ScriptedReserver is a StockReserver whose outcomes are fixed up front. It
// replaces random failure injection in tests and local runs.
type ScriptedReserver struct {
	mu       sync.Mutex
	failures map[string]int
	failAll  bool
	calls    map[string]int
}

// NewScriptedReserver creates a reserver that always succeeds
func NewScriptedReserver() *ScriptedReserver {
	return &ScriptedReserver{
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next n calls for orderID fail
func (r *ScriptedReserver) FailNext(orderID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[orderID] = n
}

// FailAll makes every call fail until cleared
func (r *ScriptedReserver) FailAll(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = fail
}

// ReserveStock records the call and returns the scripted outcome
func (r *ScriptedReserver) ReserveStock(ctx context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls[orderID]++
	if r.failAll {
		return ErrScriptedFailure
	}
	if r.failures[orderID] > 0 {
		r.failures[orderID]--
		return ErrScriptedFailure
	}
	return nil
}

// Calls returns how many times orderID was attempted
func (r *ScriptedReserver) Calls(orderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[orderID]
}

// TotalCalls returns the number of attempts across all orders
func (r *ScriptedReserver) TotalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, n := range r.calls {
		total += n
	}
	return total
}

var _ StockReserver = (*ScriptedReserver)(nil)
