package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj-archipelago/cortex/internal/pathway"
	"github.com/aj-archipelago/cortex/internal/plugin"
	"github.com/aj-archipelago/cortex/internal/pubsub"
)

// testStreamPlugin streams a fixed set of deltas.
type testStreamPlugin struct {
	*testPlugin
	deltas []string
}

func (p *testStreamPlugin) ExecuteStream(ctx context.Context, _ string, _ plugin.Params, _ *pathway.CompiledPrompt, _ plugin.Handle) (<-chan plugin.StreamEvent, error) {
	ch := make(chan plugin.StreamEvent, len(p.deltas)+1)
	go func() {
		defer close(ch)
		for _, d := range p.deltas {
			select {
			case ch <- plugin.StreamEvent{Delta: d}:
			case <-ctx.Done():
				return
			}
		}
		ch <- plugin.StreamEvent{Done: true}
	}()
	return ch, nil
}

func (p *testStreamPlugin) ProcessStreamEvent(raw string, acc *strings.Builder) (plugin.StreamEvent, bool) {
	acc.WriteString(raw)
	return plugin.StreamEvent{Delta: raw, Raw: raw}, true
}

func TestStreamingSingleDispatch(t *testing.T) {
	f := newFixture(t)
	sp := &testStreamPlugin{testPlugin: f.plugin, deltas: []string{"Hel", "lo ", "there"}}
	f.engine.plugins.Register(sp)

	pw := &pathway.Pathway{
		Name:    "chat",
		Prompts: []*pathway.Prompt{{Name: "chat", Template: "{{text}}"}},
	}

	v, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": "hi", "stream": true})
	require.NoError(t, err)
	id, ok := v.(string)
	require.True(t, ok, "stream mode returns a request id")

	sub, err := f.engine.Attach(id)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(sub)

	var deltas []string
	var terminal pubsub.Event
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case evt := <-sub.C:
			if evt.Terminal() {
				terminal = evt
				break collect
			}
			deltas = append(deltas, evt.Data)
		case <-deadline:
			t.Fatal("stream never terminated")
		}
	}

	// Vendor deltas are forwarded verbatim, then [DONE] closes the stream.
	assert.Equal(t, []string{"Hel", "lo ", "there"}, deltas)
	assert.Equal(t, pubsub.DoneMarker, terminal.Data)
	assert.Empty(t, terminal.Error)

	rec, err := f.registry.Get(id)
	require.NoError(t, err)
	result, rerr, done := rec.Result()
	require.True(t, done)
	require.NoError(t, rerr)
	assert.Equal(t, "Hello there", result)
}

// More than one required dispatch downgrades streaming to async: the caller
// still gets progress events, but no verbatim token stream.
func TestStreamingDowngradesToAsync(t *testing.T) {
	f := newFixture(t)
	sp := &testStreamPlugin{testPlugin: f.plugin, deltas: []string{"never"}}
	f.engine.plugins.Register(sp)

	para := "one two six ten\n\n"
	text := strings.TrimSuffix(strings.Repeat(para, 4), "\n\n")

	pw := &pathway.Pathway{
		Name:             "translate",
		UseInputChunking: true,
		InputChunkSize:   10,
		Prompts:          []*pathway.Prompt{{Name: "translate", Template: "{{text}}"}},
	}

	v, err := f.engine.Resolve(context.Background(), pw, map[string]any{"text": text, "stream": true})
	require.NoError(t, err)
	id := v.(string)

	sub, err := f.engine.Attach(id)
	require.NoError(t, err)
	defer f.engine.Unsubscribe(sub)

	terminal := collectTerminal(t, sub)
	assert.Equal(t, pubsub.DoneMarker, terminal.Data)

	rec, err := f.registry.Get(id)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.CompletedCount(), "all chunks dispatched non-streaming")
}
