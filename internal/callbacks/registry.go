// Package callbacks suspends pathway execution on out-of-band client-tool
// results. A waiter is pending on exactly one instance; resolution fans out
// over the shared bus so whichever instance holds the live waiter completes
// it and the rest no-op.
package callbacks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aj-archipelago/cortex/internal/metrics"
	"github.com/aj-archipelago/cortex/internal/pubsub"
)

// DefaultTimeout is how long a pathway waits for a client-tool result.
const DefaultTimeout = 300 * time.Second

// DefaultMaxAge is the watchdog threshold for the periodic sweep.
const DefaultMaxAge = 10 * time.Minute

const sweepPeriod = time.Minute

// Result is the payload a client submits back for a pending callback.
type Result struct {
	CallbackID string `json:"callbackId"`
	RequestID  string `json:"requestId,omitempty"`
	Data       string `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

type waiter struct {
	requestID string
	ch        chan Result
	createdAt time.Time
	timer     *time.Timer
}

// Registry tracks pending client-tool waits on this instance.
type Registry struct {
	mu      sync.Mutex
	pending map[string]*waiter

	broker         *pubsub.Broker
	logger         *zap.Logger
	defaultTimeout time.Duration
	maxAge         time.Duration
	cancel         context.CancelFunc
}

// NewRegistry builds a callback registry over the bus.
func NewRegistry(broker *pubsub.Broker, defaultTimeout, maxAge time.Duration, logger *zap.Logger) *Registry {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		pending:        make(map[string]*waiter),
		broker:         broker,
		logger:         logger,
		defaultTimeout: defaultTimeout,
		maxAge:         maxAge,
	}
}

// Start consumes the callbacks topic and runs the watchdog sweep until ctx
// is done or Stop is called.
func (r *Registry) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.broker.Subscribe(pubsub.TopicClientToolCallbacks)

	go func() {
		defer r.broker.Unsubscribe(sub)
		ticker := time.NewTicker(sweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C:
				if !ok {
					return
				}
				var res Result
				if err := json.Unmarshal([]byte(evt.Data), &res); err != nil {
					r.logger.Warn("bad callback payload", zap.Error(err))
					continue
				}
				// Only the instance holding the live waiter succeeds.
				r.complete(res.CallbackID, res)
			case now := <-ticker.C:
				r.sweep(now)
			}
		}
	}()
}

// Stop shuts the consumer loop down.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Await registers a pending wait and returns a channel that receives the
// result, a timeout, or a watchdog rejection. The channel is buffered; it is
// safe to abandon it.
func (r *Registry) Await(callbackID, requestID string, timeout time.Duration) <-chan Result {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	w := &waiter{
		requestID: requestID,
		ch:        make(chan Result, 1),
		createdAt: time.Now(),
	}
	w.timer = time.AfterFunc(timeout, func() {
		r.complete(callbackID, Result{
			CallbackID: callbackID,
			RequestID:  requestID,
			Error:      fmt.Sprintf("client tool callback timed out after %s", timeout),
		})
	})

	r.mu.Lock()
	r.pending[callbackID] = w
	r.mu.Unlock()
	metrics.CallbacksPending.Inc()
	return w.ch
}

// Resolve submits a client-tool result. It is published on the shared bus so
// every instance attempts local completion.
func (r *Registry) Resolve(ctx context.Context, callbackID, data string) error {
	payload, err := json.Marshal(Result{CallbackID: callbackID, Data: data})
	if err != nil {
		return fmt.Errorf("marshal callback result: %w", err)
	}
	r.broker.Publish(ctx, pubsub.TopicClientToolCallbacks, pubsub.Event{Data: string(payload)})
	return nil
}

// complete delivers res to the pending waiter, if this instance holds it.
func (r *Registry) complete(callbackID string, res Result) bool {
	r.mu.Lock()
	w, ok := r.pending[callbackID]
	if ok {
		delete(r.pending, callbackID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	w.timer.Stop()
	metrics.CallbacksPending.Dec()
	w.ch <- res
	return true
}

// Pending returns the number of waiters on this instance.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// sweep rejects waiters older than the watchdog threshold.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []string
	for id, w := range r.pending {
		if now.Sub(w.createdAt) > r.maxAge {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		metrics.CallbacksExpired.Inc()
		r.logger.Warn("rejecting stale client tool callback", zap.String("callback_id", id))
		r.complete(id, Result{CallbackID: id, Error: "client tool callback expired"})
	}
}
