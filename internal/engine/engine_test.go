package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aj-archipelago/cortex/internal/callbacks"
	"github.com/aj-archipelago/cortex/internal/codec"
	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/plugin"
	"github.com/aj-archipelago/cortex/internal/pubsub"
	"github.com/aj-archipelago/cortex/internal/requests"
)

type testCall struct {
	Text     string
	Rendered string
	Start    time.Time
}

// testPlugin records every dispatch. An optional gate makes the engine wait
// for the test before each call; an optional respond hook picks the reply.
type testPlugin struct {
	plugin.Base
	mu      sync.Mutex
	calls   []testCall
	gate    chan struct{}
	respond func(idx int, text string, cp *pathway.CompiledPrompt) (string, error)
}

func newTestPlugin() *testPlugin {
	return &testPlugin{
		Base: plugin.NewBase("test-model", codec.NewEstimator(), 0.5, 1000, false),
	}
}

func (p *testPlugin) Execute(ctx context.Context, text string, _ plugin.Params, cp *pathway.CompiledPrompt, _ plugin.Handle) (string, error) {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, testCall{Text: text, Rendered: cp.Text, Start: time.Now()})
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		return respond(idx, text, cp)
	}
	return "echo:" + text, nil
}

func (p *testPlugin) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *testPlugin) call(i int) testCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[i]
}

type fixture struct {
	engine   *Engine
	plugin   *testPlugin
	registry *requests.Registry
	broker   *pubsub.Broker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pl := newTestPlugin()

	plugins := plugin.NewRegistry()
	plugins.Register(pl)

	reg := requests.NewRegistry(time.Minute, zap.NewNop())
	t.Cleanup(reg.Close)

	broker := pubsub.NewBroker(64, zap.NewNop())

	cbs := callbacks.NewRegistry(broker, time.Second, time.Minute, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	cbs.Start(ctx)
	t.Cleanup(cbs.Stop)

	eng := New(Config{
		Plugins:      plugins,
		Registry:     reg,
		Broker:       broker,
		Callbacks:    cbs,
		Codec:        codec.NewEstimator(),
		DefaultModel: "test-model",
		Logger:       zap.NewNop(),
	})
	return &fixture{engine: eng, plugin: pl, registry: reg, broker: broker}
}

// Scenario: straight chat. One prompt, sync mode, one dispatch.
func TestStraightChat(t *testing.T) {
	f := newFixture(t)

	pw := &pathway.Pathway{
		Name:    "chat",
		Prompts: []*pathway.Prompt{{Name: "chat", Template: "{{text}}"}},
	}

	v, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "echo:Hello", v)

	require.Equal(t, 1, f.plugin.callCount())
	assert.Equal(t, "Hello", f.plugin.call(0).Text)
	assert.Equal(t, "Hello", f.plugin.call(0).Rendered)
}

// Scenario: chunked translation. Oversized input is split and each chunk
// dispatched in input order, results joined with a blank line.
func TestChunkedDispatchPreservesOrder(t *testing.T) {
	f := newFixture(t)

	para := "one two six ten\n\n"
	text := strings.TrimSuffix(strings.Repeat(para, 4), "\n\n")

	f.plugin.respond = func(idx int, _ string, _ *pathway.CompiledPrompt) (string, error) {
		return []string{"R0", "R1", "R2", "R3"}[idx], nil
	}

	pw := &pathway.Pathway{
		Name:             "translate",
		UseInputChunking: true,
		InputChunkSize:   10,
		Prompts:          []*pathway.Prompt{{Name: "translate", Template: "{{text}}"}},
	}

	v, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": text})
	require.NoError(t, err)

	require.Equal(t, 4, f.plugin.callCount())
	assert.Equal(t, "R0\n\nR1\n\nR2\n\nR3", v)

	// Chunks arrive in input order and reassemble the input.
	var joined strings.Builder
	for i := 0; i < 4; i++ {
		joined.WriteString(f.plugin.call(i).Text)
	}
	assert.Equal(t, text, joined.String())
}

// Scenario: parallel prompts. Three prompts run concurrently; the result is
// an array ordered by prompt index.
func TestParallelPrompts(t *testing.T) {
	f := newFixture(t)

	var barrier sync.WaitGroup
	barrier.Add(3)
	f.plugin.respond = func(_ int, _ string, cp *pathway.CompiledPrompt) (string, error) {
		// All three dispatches must be in flight at once or this deadlocks
		// and the test times out.
		barrier.Done()
		barrier.Wait()
		return "out:" + cp.Text, nil
	}

	pw := &pathway.Pathway{
		Name:                        "multi",
		UseParallelPromptProcessing: true,
		Prompts: []*pathway.Prompt{
			{Name: "a", Template: "one {{text}}"},
			{Name: "b", Template: "two {{text}}"},
			{Name: "c", Template: "three {{text}}"},
		},
	}

	done := make(chan struct{})
	var v any
	var err error
	go func() {
		v, err = f.engine.Resolve(context.Background(), pw, map[string]any{"text": "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("parallel prompts did not run concurrently")
	}
	require.NoError(t, err)

	arr, ok := v.([]any)
	require.True(t, ok)
	require.Len(t, arr, 3)
	assert.Equal(t, "out:one x", arr[0])
	assert.Equal(t, "out:two x", arr[1])
	assert.Equal(t, "out:three x", arr[2])
	assert.Equal(t, 3, f.plugin.callCount())
}

// Scenario: headline reprompt. The custom resolver re-invokes at most three
// times and keeps only lines under the target length.
func TestHeadlineReprompt(t *testing.T) {
	f := newFixture(t)

	long := strings.Repeat("x", 80)
	responses := []string{
		"1. short one\n2. " + long + "\n3. also short",
		"1. another fine headline\n2. " + long,
		"1. the last good one\n2. one more good one\n3. " + long,
	}
	f.plugin.respond = func(idx int, _ string, _ *pathway.CompiledPrompt) (string, error) {
		return responses[idx%len(responses)], nil
	}

	pw := pathway.Builtins()["headline"]
	v, err := f.engine.Resolve(context.Background(), pw, map[string]any{
		"text":         "article body",
		"count":        5,
		"targetLength": 65,
	})
	require.NoError(t, err)

	lines, ok := v.([]string)
	require.True(t, ok)
	assert.LessOrEqual(t, f.plugin.callCount(), 3)
	assert.LessOrEqual(t, len(lines), 5)
	for _, l := range lines {
		assert.Less(t, len([]rune(l)), 65)
	}
	assert.NotEmpty(t, lines)
}

// Scenario: cancellation mid-chunk. After the second chunk completes the
// request is canceled: the in-flight third result is discarded and the
// fourth chunk is never dispatched.
func TestCancellationMidChunk(t *testing.T) {
	f := newFixture(t)
	f.plugin.gate = make(chan struct{})

	para := "one two six ten\n\n"
	text := strings.TrimSuffix(strings.Repeat(para, 4), "\n\n")

	pw := &pathway.Pathway{
		Name:             "translate",
		UseInputChunking: true,
		InputChunkSize:   10,
		Prompts:          []*pathway.Prompt{{Name: "translate", Template: "{{text}}"}},
	}

	id, err := f.engine.Submit(pw, map[string]any{"text": text, "async": true})
	require.NoError(t, err)
	sub, err := f.engine.Attach(id)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(sub)

	rec, err := f.registry.Get(id)
	require.NoError(t, err)

	// Let chunks 1 and 2 through, then cancel. Chunk 3 is either blocked at
	// the gate (its result is discarded) or never dispatched at all.
	f.plugin.gate <- struct{}{}
	f.plugin.gate <- struct{}{}
	waitFor(t, func() bool { return rec.CompletedCount() == 2 })
	require.NoError(t, f.engine.Cancel(id))
	go func() { f.plugin.gate <- struct{}{} }()

	terminal := collectTerminal(t, sub)
	assert.Equal(t, StatusCanceled, terminal.Status)
	assert.Equal(t, 2, rec.CompletedCount())
	assert.LessOrEqual(t, f.plugin.callCount(), 3, "fourth chunk must not be dispatched")
}

func TestCancelBeforeAttach(t *testing.T) {
	f := newFixture(t)

	pw := &pathway.Pathway{
		Name:    "chat",
		Prompts: []*pathway.Prompt{{Name: "chat", Template: "{{text}}"}},
	}

	id, err := f.engine.Submit(pw, map[string]any{"text": "never runs", "async": true})
	require.NoError(t, err)
	require.NoError(t, f.engine.Cancel(id))

	sub, err := f.engine.Attach(id)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(sub)

	// The terminal event is the first and only event this subscriber sees.
	select {
	case evt := <-sub.C:
		assert.Equal(t, StatusCanceled, evt.Status)
		assert.Equal(t, float64(1), evt.Progress)
	case <-time.After(3 * time.Second):
		t.Fatal("no terminal event")
	}
	assert.Equal(t, 0, f.plugin.callCount())
}

func TestTotalCountAccounting(t *testing.T) {
	f := newFixture(t)

	para := "one two six ten\n\n"
	text := strings.TrimSuffix(strings.Repeat(para, 2), "\n\n")

	pw := &pathway.Pathway{
		Name:             "mixed",
		UseInputChunking: true,
		InputChunkSize:   10,
		Prompts: []*pathway.Prompt{
			{Name: "per-chunk", Template: "{{text}}"},
			{Name: "fixup", Template: "polish {{previousResult}}"},
		},
	}

	id, err := f.engine.Submit(pw, map[string]any{"text": text, "async": true})
	require.NoError(t, err)
	sub, err := f.engine.Attach(id)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(sub)

	rec, err := f.registry.Get(id)
	require.NoError(t, err)
	terminal := collectTerminal(t, sub)

	// 2 chunks × 1 text prompt + 1 non-text prompt.
	assert.Equal(t, 3, rec.TotalCount())
	assert.Equal(t, 3, rec.CompletedCount())
	assert.Empty(t, terminal.Error)
}

func TestPreviousResultThreading(t *testing.T) {
	f := newFixture(t)

	pw := &pathway.Pathway{
		Name: "two-step",
		Prompts: []*pathway.Prompt{
			{Name: "draft", Template: "draft: {{text}}"},
			{Name: "refine", Template: "refine: {{previousResult}}"},
		},
	}

	v, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": "topic"})
	require.NoError(t, err)

	require.Equal(t, 2, f.plugin.callCount())
	assert.Equal(t, "refine: echo:", f.plugin.call(1).Rendered[:len("refine: echo:")])
	assert.Equal(t, "echo:", v.(string)[:5])
}

func TestSaveResultToContextBlob(t *testing.T) {
	f := newFixture(t)

	pw := &pathway.Pathway{
		Name: "remember",
		Prompts: []*pathway.Prompt{
			{Name: "extract", Template: "extract {{text}}", SaveResultTo: "summaryNote"},
		},
	}
	args := map[string]any{"text": "body", "contextId": "conv-1"}
	_, err := f.engine.Resolve(context.Background(), pw, args)
	require.NoError(t, err)

	// A later pathway on the same context id sees the saved value.
	pw2 := &pathway.Pathway{
		Name: "recall",
		Prompts: []*pathway.Prompt{
			{Name: "use", Template: "use {{summaryNote}}"},
		},
	}
	_, err = f.engine.Resolve(context.Background(), pw2, map[string]any{"contextId": "conv-1"})
	require.NoError(t, err)
	assert.Equal(t, "use extract body", strings.TrimSpace(strings.Replace(
		f.plugin.call(1).Rendered, "echo:", "", 1)))
}

func TestPromptOverheadTooLarge(t *testing.T) {
	f := newFixture(t)
	f.plugin.ContextLen = 10

	pw := &pathway.Pathway{
		Name: "fat",
		Prompts: []*pathway.Prompt{
			{Name: "fat", Template: strings.Repeat("pad ", 50) + "{{text}}"},
		},
	}

	_, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": "x"})
	var inputErr *InputError
	require.ErrorAs(t, err, &inputErr)
	assert.Equal(t, 0, f.plugin.callCount(), "no dispatch on input error")
}

func TestPathwayTimeout(t *testing.T) {
	f := newFixture(t)
	// A never-fed gate stands in for a hung backend; the plugin honors ctx.
	f.plugin.gate = make(chan struct{})

	pw := &pathway.Pathway{
		Name:    "slow",
		Timeout: 50 * time.Millisecond,
		Prompts: []*pathway.Prompt{{Name: "slow", Template: "{{text}}"}},
	}

	start := time.Now()
	_, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": "x"})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second, "timeout must release the pending call")
}

func TestDisabledPathway(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Resolve(context.Background(), &pathway.Pathway{
		Name:     "off",
		Disabled: true,
		Prompts:  []*pathway.Prompt{{Template: "{{text}}"}},
	}, nil)
	assert.ErrorIs(t, err, ErrPathwayDisabled)
}

func TestUnchunkedOversizeInputTruncates(t *testing.T) {
	f := newFixture(t)

	text := strings.Repeat("word ", 600)
	pw := &pathway.Pathway{
		Name:           "no-chunk",
		InputChunkSize: 20,
		Prompts:        []*pathway.Prompt{{Name: "p", Template: "{{text}}"}},
	}

	id, err := f.engine.Submit(pw, map[string]any{"text": text, "async": true})
	require.NoError(t, err)
	sub, err := f.engine.Attach(id)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(sub)

	rec, err := f.registry.Get(id)
	require.NoError(t, err)
	terminal := collectTerminal(t, sub)

	assert.Equal(t, 1, f.plugin.callCount(), "single truncated dispatch")
	assert.Less(t, len(f.plugin.call(0).Text), len(text))
	assert.Contains(t, terminal.Info, "truncated")
	assert.Equal(t, []string{"input truncated to fit the chunk budget"}, rec.Warnings())
}

func TestClientToolRoundTrip(t *testing.T) {
	f := newFixture(t)

	ctx := context.Background()
	done := make(chan callbacks.Result, 1)
	go func() {
		res, err := f.engine.AwaitClientTool(ctx, "cb-9", "req-9", time.Minute)
		require.NoError(t, err)
		done <- res
	}()

	waitFor(t, func() bool {
		return f.engine.callbacks.Pending() == 1
	})
	require.NoError(t, f.engine.ResolveClientToolCallback(ctx, "cb-9", "tool output"))

	select {
	case res := <-done:
		assert.Equal(t, "tool output", res.Data)
	case <-time.After(3 * time.Second):
		t.Fatal("client tool result never arrived")
	}
}

func collectTerminal(t *testing.T, sub *pubsub.Subscription) pubsub.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-sub.C:
			if evt.Terminal() {
				return evt
			}
		case <-deadline:
			t.Fatal("no terminal event before deadline")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
