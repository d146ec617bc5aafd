package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRawString(t *testing.T) {
	v, err := Parse("plain answer", Options{})
	require.NoError(t, err)
	assert.Equal(t, "plain answer", v)
}

func TestParseCustomWins(t *testing.T) {
	v, err := Parse("ignored", Options{
		List:   true,
		Custom: func(raw string) (any, error) { return "custom", nil },
	})
	require.NoError(t, err)
	assert.Equal(t, "custom", v)
}

func TestParseNumberedList(t *testing.T) {
	raw := "1. first item\n2) second item\n\n3. third item"
	v, err := Parse(raw, Options{List: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"first item", "second item", "third item"}, v)
}

func TestParseNumberedObjects(t *testing.T) {
	raw := "1. Big News - everything changed\n2. Smaller News - not much did"
	v, err := Parse(raw, Options{List: true, Fields: []string{"title", "subhead"}})
	require.NoError(t, err)

	recs, ok := v.([]map[string]string)
	require.True(t, ok)
	require.Len(t, recs, 2)
	assert.Equal(t, "Big News", recs[0]["title"])
	assert.Equal(t, "everything changed", recs[0]["subhead"])
	assert.Equal(t, "not much did", recs[1]["subhead"])
}

func TestParseCommaList(t *testing.T) {
	v, err := Parse("red, green, blue", Options{List: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"red", "green", "blue"}, v)
}

func TestParseListSingleton(t *testing.T) {
	v, err := Parse("just one thing here", Options{List: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"just one thing here"}, v)

	// Never nil on non-empty input; empty input yields an empty array.
	v, err = Parse("   ", Options{List: true})
	require.NoError(t, err)
	assert.Equal(t, []string{}, v)
}

func TestParseJSON(t *testing.T) {
	v, err := Parse(`{"a": 1, "b": ["x"]}`, Options{JSON: true})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])
}

func TestParseJSONFenced(t *testing.T) {
	raw := "Here you go:\n```json\n{\"ok\": true}\n```\nanything else?"
	v, err := Parse(raw, Options{JSON: true})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, m["ok"])
}

func TestParseJSONEmbedded(t *testing.T) {
	raw := `The answer is {"n": 2} as requested.`
	v, err := Parse(raw, Options{JSON: true})
	require.NoError(t, err)
	m, ok := v.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), m["n"])
}

func TestParseJSONInvalid(t *testing.T) {
	_, err := Parse("no json here", Options{JSON: true})
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "JSON"))
}
