// Package engine drives pathways to completion: it budgets and chunks
// input, sequences prompt dispatches across chunks, fans out when a pathway
// declares that safe, streams progress over the bus, and honors
// cancellation and timeouts.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aj-archipelago/cortex/internal/callbacks"
	"github.com/aj-archipelago/cortex/internal/chunker"
	"github.com/aj-archipelago/cortex/internal/codec"
	"github.com/aj-archipelago/cortex/internal/metrics"
	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/plugin"
	"github.com/aj-archipelago/cortex/internal/pubsub"
	"github.com/aj-archipelago/cortex/internal/requests"
)

// Terminal statuses carried on progress events.
const (
	StatusCanceled = "canceled"
	StatusTimedOut = "timed_out"
)

// DefaultTimeout bounds a whole pathway resolution when the pathway does
// not declare its own.
const DefaultTimeout = 120 * time.Second

// Lookup resolves pathway names the engine does not own, typically backed
// by the dynamic pathway store.
type Lookup func(ctx context.Context, name string) (*pathway.Pathway, error)

// Config wires an Engine.
type Config struct {
	Plugins   *plugin.Registry
	Registry  *requests.Registry
	Broker    *pubsub.Broker
	Callbacks *callbacks.Registry
	Codec     codec.Codec
	KV        KV
	// Lookup supplies non-builtin pathways; nil is fine.
	Lookup Lookup
	// DefaultModel routes pathways that do not name a model.
	DefaultModel   string
	DefaultTimeout time.Duration
	Logger         *zap.Logger
}

// Engine is the pathway execution engine.
type Engine struct {
	plugins   *plugin.Registry
	registry  *requests.Registry
	broker    *pubsub.Broker
	callbacks *callbacks.Registry
	codec     codec.Codec
	chunker   *chunker.Chunker
	kv        KV
	lookup    Lookup
	builtins  map[string]*pathway.Pathway

	defaultModel   string
	defaultTimeout time.Duration
	logger         *zap.Logger
}

// New builds an Engine from cfg.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if cfg.KV == nil {
		cfg.KV = NewMemoryKV()
	}
	return &Engine{
		plugins:        cfg.Plugins,
		registry:       cfg.Registry,
		broker:         cfg.Broker,
		callbacks:      cfg.Callbacks,
		codec:          cfg.Codec,
		chunker:        chunker.New(cfg.Codec),
		kv:             cfg.KV,
		lookup:         cfg.Lookup,
		builtins:       pathway.Builtins(),
		defaultModel:   cfg.DefaultModel,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger,
	}
}

// Resolve runs a pathway. With async or stream arguments it registers the
// request and returns its id; otherwise it runs to completion and returns
// the parsed value.
func (e *Engine) Resolve(ctx context.Context, pw *pathway.Pathway, args map[string]any) (any, error) {
	if pw.Disabled {
		return nil, ErrPathwayDisabled
	}
	if err := pw.Validate(); err != nil {
		return nil, err
	}

	if truthy(args["async"]) || truthy(args["stream"]) {
		id, err := e.Submit(pw, args)
		if err != nil {
			return nil, err
		}
		return id, nil
	}

	rec := e.registry.Create(uuid.New().String(), args, nil)
	return e.run(ctx, rec, pw, args)
}

// Submit registers an async request without starting it. Work begins when
// the first subscriber attaches (Attach) or when Start is called.
func (e *Engine) Submit(pw *pathway.Pathway, args map[string]any) (string, error) {
	if pw.Disabled {
		return "", ErrPathwayDisabled
	}
	if err := pw.Validate(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	var rec *requests.Record
	rec = e.registry.Create(id, args, func(ctx context.Context) (any, error) {
		return e.run(ctx, rec, pw, args)
	})
	return id, nil
}

// Start launches the request's resolver if it has not run yet. Idempotent.
func (e *Engine) Start(id string) error {
	rec, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	resolver := rec.Resolver()
	if resolver == nil || !rec.MarkStarted() {
		return nil
	}
	go func() {
		// Detached from the submitter: the pathway timeout supervises the
		// run from here on.
		_, _ = resolver(context.Background())
	}()
	return nil
}

// Attach subscribes to a request's progress stream and starts its work.
func (e *Engine) Attach(id string) (*pubsub.Subscription, error) {
	if _, err := e.registry.Get(id); err != nil {
		return nil, err
	}
	sub := e.broker.Subscribe(pubsub.TopicRequestProgress, id)
	if err := e.Start(id); err != nil {
		e.broker.Unsubscribe(sub)
		return nil, err
	}
	return sub, nil
}

// Cancel flags the request; the run loop observes the flag before the next
// dispatch.
func (e *Engine) Cancel(id string) error {
	return e.registry.Cancel(id)
}

// Unsubscribe releases a subscription returned by Attach.
func (e *Engine) Unsubscribe(sub *pubsub.Subscription) {
	e.broker.Unsubscribe(sub)
}

// AwaitClientTool suspends until the named callback is resolved on any
// instance, the timeout elapses, or ctx is done.
func (e *Engine) AwaitClientTool(ctx context.Context, callbackID, requestID string, timeout time.Duration) (callbacks.Result, error) {
	ch := e.callbacks.Await(callbackID, requestID, timeout)
	select {
	case res := <-ch:
		if res.Error != "" {
			return res, errors.New(res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return callbacks.Result{}, ctx.Err()
	}
}

// ResolveClientToolCallback submits a client-tool result for fan-out.
func (e *Engine) ResolveClientToolCallback(ctx context.Context, callbackID, data string) error {
	return e.callbacks.Resolve(ctx, callbackID, data)
}

// run executes one request under its timeout supervisor and emits the
// terminal event.
func (e *Engine) run(ctx context.Context, rec *requests.Record, pw *pathway.Pathway, args map[string]any) (any, error) {
	start := time.Now()
	metrics.RequestsStarted.WithLabelValues(pw.Name).Inc()
	rec.MarkStarted()

	timeout := pw.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ctx = withRecord(ctx, rec)

	args = withDefaults(pw, args)

	var result any
	var err error
	if rec.IsCanceled() {
		err = requests.ErrCanceled
	} else if pw.Resolver != nil {
		result, err = pw.Resolver(ctx, e, pw, args)
	} else {
		result, err = e.ResolvePrompts(ctx, pw, args)
	}

	status := e.finish(ctx, rec, pw, result, err)
	metrics.RequestsCompleted.WithLabelValues(pw.Name, status).Inc()
	metrics.RequestDuration.WithLabelValues(pw.Name).Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	return result, nil
}

// finish publishes the terminal event and schedules record removal.
func (e *Engine) finish(ctx context.Context, rec *requests.Record, pw *pathway.Pathway, result any, err error) string {
	// The supervisor context may already be dead; terminal events still
	// have to go out.
	pubCtx := context.WithoutCancel(ctx)

	evt := pubsub.Event{RequestID: rec.ID, Progress: 1, Info: joinWarnings(rec.Warnings())}
	status := "completed"

	switch {
	case errors.Is(err, requests.ErrCanceled) || (err == nil && rec.IsCanceled()):
		status = StatusCanceled
		evt.Status = StatusCanceled
		err = requests.ErrCanceled
	case errors.Is(err, context.DeadlineExceeded):
		status = StatusTimedOut
		evt.Status = StatusTimedOut
		evt.Error = "pathway timed out"
	case err != nil:
		status = "failed"
		evt.Error = err.Error()
	default:
		evt.Data = stringifyResult(result)
	}

	if truthy(rec.Args()["stream"]) && status == "completed" {
		evt.Data = pubsub.DoneMarker
	}

	e.registry.Finish(rec.ID, result, err)
	e.broker.Publish(pubCtx, pubsub.TopicRequestProgress, evt)

	e.logger.Debug("request finished",
		zap.String("request_id", rec.ID),
		zap.String("pathway", pw.Name),
		zap.String("status", status))
	return status
}

func stringifyResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func joinWarnings(warnings []string) string {
	if len(warnings) == 0 {
		return ""
	}
	out := warnings[0]
	for _, w := range warnings[1:] {
		out += "; " + w
	}
	return out
}

func truthy(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true" || b == "1"
	default:
		return false
	}
}

// withDefaults fills missing arguments from the pathway's input schema.
func withDefaults(pw *pathway.Pathway, args map[string]any) map[string]any {
	if len(pw.Inputs) == 0 {
		return args
	}
	out := make(map[string]any, len(args)+len(pw.Inputs))
	for k, v := range args {
		out[k] = v
	}
	for name, p := range pw.Inputs {
		if _, ok := out[name]; !ok && p.Default != nil {
			out[name] = p.Default
		}
	}
	return out
}

type recordKey struct{}

func withRecord(ctx context.Context, rec *requests.Record) context.Context {
	return context.WithValue(ctx, recordKey{}, rec)
}

// recordFrom returns the request record bound to ctx, or an ephemeral one
// for nested invocations that arrive without a record.
func (e *Engine) recordFrom(ctx context.Context) *requests.Record {
	if rec, ok := ctx.Value(recordKey{}).(*requests.Record); ok {
		return rec
	}
	return e.registry.Create(uuid.New().String(), nil, nil)
}
