package httpapi

import (
	"sync"
	"sync/atomic"
)

// CallRegistry counts live outbound calls so shutdown can drain them.
// Once draining starts, new call-answered webhooks are turned away while
// conversations already in progress run to their natural end.
//
// The mutex makes the draining check and the WaitGroup increment atomic
// in Add, so StartDraining+Wait cannot slip between them.
type CallRegistry struct {
	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewCallRegistry creates a new CallRegistry.
func NewCallRegistry() *CallRegistry {
	return &CallRegistry{}
}

// Add registers a newly answered call. Returns false when draining, in
// which case the caller must hang the call up instead of greeting.
func (cr *CallRegistry) Add() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if cr.draining {
		return false
	}
	cr.wg.Add(1)
	cr.count.Add(1)
	return true
}

// Done releases one call's slot. Must be called exactly once per
// successful Add, after the outcome has been dispatched.
func (cr *CallRegistry) Done() {
	cr.count.Add(-1)
	cr.wg.Done()
}

// StartDraining flips the registry so future Add calls return false.
func (cr *CallRegistry) StartDraining() {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (cr *CallRegistry) IsDraining() bool {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	return cr.draining
}

// ActiveCount returns the number of currently active calls.
func (cr *CallRegistry) ActiveCount() int64 {
	return cr.count.Load()
}

// Wait blocks until every active call has been released via Done.
func (cr *CallRegistry) Wait() {
	cr.wg.Wait()
}
