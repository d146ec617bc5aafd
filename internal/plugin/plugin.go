// Package plugin defines the contract between the execution engine and
// model backends. The engine never speaks a vendor protocol itself; it
// compiles prompts through a plugin, dispatches through it, and forwards the
// plugin's normalized stream events.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aj-archipelago/cortex/internal/codec"
	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/pubsub"
)

// ErrUnknownModel is returned when no plugin is registered for a model.
var ErrUnknownModel = errors.New("no plugin registered for model")

// Params carries the per-dispatch model knobs.
type Params struct {
	Model       string
	Temperature *float64
	// ChatHistory fills the prompt's chat-history slot when present.
	ChatHistory []pathway.Message
}

// StreamEvent is one normalized increment of a streaming dispatch.
type StreamEvent struct {
	// Delta is the new text since the previous event.
	Delta string
	// Done marks the end of the stream; Delta is empty on the final event.
	Done bool
	// Raw is the vendor event for translators that need it.
	Raw string
}

// Handle is the engine surface a plugin may call back into during a
// dispatch, e.g. to publish vendor deltas on the request's progress topic.
type Handle interface {
	RequestID() string
	Publish(ctx context.Context, evt pubsub.Event)
}

// Plugin is the contract the engine depends on.
type Plugin interface {
	Name() string
	Execute(ctx context.Context, text string, params Params, prompt *pathway.CompiledPrompt, h Handle) (string, error)
	CompilePrompt(text string, args map[string]any, pr *pathway.Prompt) (*pathway.CompiledPrompt, error)
	// PromptTokenRatio is the share of the context window the plugin
	// reserves for input, in (0,1].
	PromptTokenRatio() float64
	MaxTokenLength() int
	// TruncateFromFront governs the direction of engine-side truncation
	// when unchunked input exceeds the budget.
	TruncateFromFront() bool
}

// Streamer is implemented by plugins whose backend can stream.
type Streamer interface {
	Plugin
	ExecuteStream(ctx context.Context, text string, params Params, prompt *pathway.CompiledPrompt, h Handle) (<-chan StreamEvent, error)
	// ProcessStreamEvent normalizes one raw vendor event, appending its text
	// to acc. ok is false for events that carry nothing to re-emit.
	ProcessStreamEvent(raw string, acc *strings.Builder) (evt StreamEvent, ok bool)
}

// Base carries the pieces every plugin shares: the prompt compiler and the
// token-budget parameters. Embed it and override what differs.
type Base struct {
	ModelName  string
	Compiler   *pathway.Compiler
	Ratio      float64
	ContextLen int
	FromFront  bool
}

// NewBase builds a Base over the given codec.
func NewBase(modelName string, c codec.Codec, ratio float64, contextLen int, fromFront bool) Base {
	return Base{
		ModelName:  modelName,
		Compiler:   pathway.NewCompiler(c),
		Ratio:      ratio,
		ContextLen: contextLen,
		FromFront:  fromFront,
	}
}

func (b *Base) Name() string { return b.ModelName }

func (b *Base) PromptTokenRatio() float64 { return b.Ratio }

func (b *Base) MaxTokenLength() int { return b.ContextLen }

func (b *Base) TruncateFromFront() bool { return b.FromFront }

// CompilePrompt renders the prompt against args plus the chunk text.
func (b *Base) CompilePrompt(text string, args map[string]any, pr *pathway.Prompt) (*pathway.CompiledPrompt, error) {
	vars := make(map[string]string, len(args)+1)
	for k, v := range args {
		vars[k] = stringify(v)
	}
	vars["text"] = text
	return b.Compiler.Compile(pr, vars), nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}

// Registry maps model names to plugins.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// NewRegistry builds an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register binds p to its own name plus any extra model names (e.g. the
// advisory OpenAI emulation names).
func (r *Registry) Register(p Plugin, modelNames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[p.Name()] = p
	for _, name := range modelNames {
		if name != "" {
			r.plugins[name] = p
		}
	}
}

// Get returns the plugin for a model name.
func (r *Registry) Get(model string) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[model]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return p, nil
}
