package plugin

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aj-archipelago/cortex/internal/codec"
	"github.com/aj-archipelago/cortex/internal/pathway"
)

func TestBaseCompilePrompt(t *testing.T) {
	b := NewBase("test-model", codec.NewEstimator(), 0.5, 1000, false)

	cp, err := b.CompilePrompt("Bonjour", map[string]any{"lang": "fr", "n": 3}, &pathway.Prompt{
		Template: "Translate {{n}} times to {{lang}}: {{text}}",
	})
	require.NoError(t, err)
	assert.Equal(t, "Translate 3 times to fr: Bonjour", cp.Text)
	assert.True(t, cp.UsesTextInput)
	assert.Positive(t, cp.TokenLength)
}

func TestRegistryRouting(t *testing.T) {
	reg := NewRegistry()

	b := &fakePlugin{Base: NewBase("primary", codec.NewEstimator(), 0.5, 100, false)}
	reg.Register(b, "gpt-emulated", "")

	for _, name := range []string{"primary", "gpt-emulated"} {
		p, err := reg.Get(name)
		require.NoError(t, err)
		assert.Same(t, Plugin(b), p)
	}

	_, err := reg.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestProcessStreamEvent(t *testing.T) {
	p := &OpenAI{Base: NewBase("m", codec.NewEstimator(), 0.5, 100, false)}

	var acc strings.Builder
	evt, ok := p.ProcessStreamEvent(`{"choices":[{"delta":{"content":"Hel"}}]}`, &acc)
	require.True(t, ok)
	assert.Equal(t, "Hel", evt.Delta)

	evt, ok = p.ProcessStreamEvent(`{"choices":[{"delta":{"content":"lo"}}]}`, &acc)
	require.True(t, ok)
	assert.Equal(t, "lo", evt.Delta)
	assert.Equal(t, "Hello", acc.String())

	_, ok = p.ProcessStreamEvent(`{"choices":[{"delta":{}}]}`, &acc)
	assert.False(t, ok)

	evt, ok = p.ProcessStreamEvent("[DONE]", &acc)
	require.True(t, ok)
	assert.True(t, evt.Done)
}

type fakePlugin struct{ Base }

func (f *fakePlugin) Execute(_ context.Context, _ string, _ Params, _ *pathway.CompiledPrompt, _ Handle) (string, error) {
	return "", nil
}
