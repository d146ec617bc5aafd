// Package requests tracks per-request lifecycle state: progress counters,
// the cancel flag and the bound resolver. The registry is the only broadly
// shared mutable structure in the gateway; cancellation is a single atomic
// read on the dispatch hot path.
package requests

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when no record exists for the id.
	ErrNotFound = errors.New("request not found")
	// ErrCanceled is returned by the engine when the cancel flag interrupts
	// a dispatch loop. Cancellation is not an error to the caller.
	ErrCanceled = errors.New("request canceled")
)

const (
	// DefaultIdleTTL purges records that never reach a terminal event.
	DefaultIdleTTL = 5 * time.Minute
	// terminalGrace keeps a finished record around long enough for late
	// subscribers to read its result.
	terminalGrace = 30 * time.Second
	janitorPeriod = 30 * time.Second
)

// Resolver starts the work bound to a record.
type Resolver func(ctx context.Context) (any, error)

// Record is the mutable per-request state. Counter fields use atomics so
// progress reads never block a dispatch.
type Record struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	args     map[string]any
	resolver Resolver
	result   any
	err      error
	warnings []string
	done     bool

	totalCount     atomic.Int64
	completedCount atomic.Int64
	canceled       atomic.Bool
	started        atomic.Bool
}

// Args returns the request's argument snapshot.
func (r *Record) Args() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.args
}

// Resolver returns the bound resolver, or nil when the record was created
// without one. It stays set after the work starts; MarkStarted guards
// against a second run.
func (r *Record) Resolver() Resolver {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolver
}

// SetTotalCount sets the expected number of dispatches.
func (r *Record) SetTotalCount(n int) { r.totalCount.Store(int64(n)) }

// TotalCount returns the expected number of dispatches.
func (r *Record) TotalCount() int { return int(r.totalCount.Load()) }

// IncrementCompleted bumps the completed-dispatch counter and returns the
// new value.
func (r *Record) IncrementCompleted() int { return int(r.completedCount.Add(1)) }

// CompletedCount returns the completed-dispatch counter.
func (r *Record) CompletedCount() int { return int(r.completedCount.Load()) }

// Progress returns completed/total in [0,1].
func (r *Record) Progress() float64 {
	total := r.totalCount.Load()
	if total <= 0 {
		return 0
	}
	p := float64(r.completedCount.Load()) / float64(total)
	if p > 1 {
		p = 1
	}
	return p
}

// Cancel sets the cancel flag. The engine observes it before the next
// dispatch.
func (r *Record) Cancel() { r.canceled.Store(true) }

// IsCanceled reports the cancel flag.
func (r *Record) IsCanceled() bool { return r.canceled.Load() }

// MarkStarted flips the record into the running state; false when it was
// already running.
func (r *Record) MarkStarted() bool { return r.started.CompareAndSwap(false, true) }

// Started reports whether work has begun.
func (r *Record) Started() bool { return r.started.Load() }

// AddWarning records a non-fatal condition, e.g. "input truncated".
func (r *Record) AddWarning(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, msg)
}

// Warnings returns the collected warnings.
func (r *Record) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

// SetResult stores the terminal value or error.
func (r *Record) SetResult(result any, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result = result
	r.err = err
	r.done = true
}

// Result returns the terminal value, its error, and whether the request has
// finished.
func (r *Record) Result() (any, error, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result, r.err, r.done
}

// Registry is the process-wide request table.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
	expiry  map[string]time.Time

	idleTTL time.Duration
	logger  *zap.Logger
	stopCh  chan struct{}
	stopped sync.Once
}

// NewRegistry builds a registry and starts its janitor.
func NewRegistry(idleTTL time.Duration, logger *zap.Logger) *Registry {
	if idleTTL <= 0 {
		idleTTL = DefaultIdleTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		records: make(map[string]*Record),
		expiry:  make(map[string]time.Time),
		idleTTL: idleTTL,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	go r.janitor()
	return r
}

// Create registers a new record.
func (r *Registry) Create(id string, args map[string]any, resolver Resolver) *Record {
	rec := &Record{
		ID:        id,
		CreatedAt: time.Now(),
		args:      args,
		resolver:  resolver,
	}
	r.mu.Lock()
	r.records[id] = rec
	r.expiry[id] = time.Now().Add(r.idleTTL)
	r.mu.Unlock()
	return rec
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Cancel sets the cancel flag on the record for id.
func (r *Registry) Cancel(id string) error {
	rec, err := r.Get(id)
	if err != nil {
		return err
	}
	rec.Cancel()
	return nil
}

// Finish marks the record terminal and schedules its removal after a short
// grace period.
func (r *Registry) Finish(id string, result any, err error) {
	rec, getErr := r.Get(id)
	if getErr != nil {
		return
	}
	rec.SetResult(result, err)
	r.mu.Lock()
	r.expiry[id] = time.Now().Add(terminalGrace)
	r.mu.Unlock()
}

// Delete removes the record immediately.
func (r *Registry) Delete(id string) {
	r.mu.Lock()
	delete(r.records, id)
	delete(r.expiry, id)
	r.mu.Unlock()
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Close stops the janitor.
func (r *Registry) Close() {
	r.stopped.Do(func() { close(r.stopCh) })
}

func (r *Registry) janitor() {
	ticker := time.NewTicker(janitorPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, deadline := range r.expiry {
		if now.After(deadline) {
			r.logger.Debug("purging request record", zap.String("request_id", id))
			delete(r.records, id)
			delete(r.expiry, id)
		}
	}
}
