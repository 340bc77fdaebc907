package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstObjectPlain(t *testing.T) {
	obj, ok := FirstObject(`{"route":"answer","language":"en"}`)
	require.True(t, ok)
	assert.Equal(t, "answer", obj["route"])
}

func TestFirstObjectWithProse(t *testing.T) {
	obj, ok := FirstObject(`Sure! Here is the result: {"route":"world"} hope that helps.`)
	require.True(t, ok)
	assert.Equal(t, "world", obj["route"])
}

func TestFirstObjectFenced(t *testing.T) {
	obj, ok := FirstObject("```json\n{\"route\":\"context\"}\n```")
	require.True(t, ok)
	assert.Equal(t, "context", obj["route"])
}

func TestFirstObjectBracesInStrings(t *testing.T) {
	obj, ok := FirstObject(`{"note":"unmatched } brace and \"escaped\" quote","n":1}`)
	require.True(t, ok)
	assert.Equal(t, float64(1), obj["n"])
}

func TestFirstObjectNested(t *testing.T) {
	obj, ok := FirstObject(`{"a":{"b":{"c":[1,2]}}}`)
	require.True(t, ok)
	inner := obj["a"].(map[string]any)
	assert.Contains(t, inner, "b")
}

func TestFirstObjectNone(t *testing.T) {
	_, ok := FirstObject("no json here")
	assert.False(t, ok)

	_, ok = FirstObject(`{"truncated": `)
	assert.False(t, ok)
}

func TestFirstArray(t *testing.T) {
	arr, ok := FirstArray(`The topics are ["go","llm"] as requested.`)
	require.True(t, ok)
	assert.Equal(t, []any{"go", "llm"}, arr)
}

func TestFirstStringArraySkipsNonStrings(t *testing.T) {
	out, ok := FirstStringArray(`[1, "a", null, "b"]`)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, out)
}

func TestFirstArrayNone(t *testing.T) {
	_, ok := FirstArray(`{"not":"an array"}`)
	assert.False(t, ok)
}
