package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
)

func worldToolset(t *testing.T) *Toolset {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	fw, err := NewFirewall(reg, DefaultEnabledSkills())
	require.NoError(t, err)
	return fw.ToolsetFor([]string{SkillCoreWorld})
}

func applyOps(t *testing.T, res *Resources, opsJSON string) Outcome {
	t.Helper()
	ts := worldToolset(t)
	return ts.Execute(context.Background(), providers.ToolCall{
		ID: "c1", Name: ToolWorldApplyOps,
		ArgumentsJSON: `{"ops":` + opsJSON + `}`,
	}, res)
}

func TestWorldApplyOpsMutatesDraftOnly(t *testing.T) {
	world := state.DefaultWorld()
	world.Topics = []string{"go"}
	res := NewResources(nil, nil, "test", world)

	out := applyOps(t, res, `[
		{"op":"append","path":"topics","value":"llm"},
		{"op":"set","path":"project","value":"thalamus"},
		{"op":"set","path":"identity.user_name","value":"manuel"}
	]`)
	require.True(t, out.OK, out.Content)

	draft := res.WorldDraft()
	assert.Equal(t, []string{"go", "llm"}, draft.Topics)
	assert.Equal(t, "thalamus", draft.Project)
	assert.Equal(t, "manuel", draft.Identity.UserName)

	// The original snapshot handed in at construction is untouched only
	// if the caller kept its own copy; the draft pointer moved.
	var resp map[string]any
	require.NoError(t, json.Unmarshal([]byte(out.Content), &resp))
	worldObj := resp["world"].(map[string]any)
	assert.Equal(t, "thalamus", worldObj["project"])
}

func TestWorldApplyOpsRemove(t *testing.T) {
	world := state.DefaultWorld()
	world.Goals = []string{"a", "b", "a"}
	res := NewResources(nil, nil, "test", world)

	out := applyOps(t, res, `[{"op":"remove","path":"goals","value":"a"}]`)
	require.True(t, out.OK, out.Content)
	assert.Equal(t, []string{"b"}, res.WorldDraft().Goals)
}

func TestWorldApplyOpsAppendDeduplicates(t *testing.T) {
	world := state.DefaultWorld()
	world.Rules = []string{"be kind"}
	res := NewResources(nil, nil, "test", world)

	out := applyOps(t, res, `[{"op":"append","path":"rules","value":"be kind"}]`)
	require.True(t, out.OK)
	assert.Equal(t, []string{"be kind"}, res.WorldDraft().Rules)
}

func TestWorldApplyOpsForbiddenPath(t *testing.T) {
	res := NewResources(nil, nil, "test", state.DefaultWorld())

	out := applyOps(t, res, `[{"op":"set","path":"schema_version","value":9}]`)
	assert.False(t, out.OK)
	assert.Equal(t, ErrKindForbiddenPath, out.Kind)

	out = applyOps(t, res, `[{"op":"set","path":"identity.password","value":"x"}]`)
	assert.False(t, out.OK)
	assert.Equal(t, ErrKindForbiddenPath, out.Kind)
}

func TestWorldApplyOpsFailedBatchLeavesDraftIntact(t *testing.T) {
	world := state.DefaultWorld()
	world.Topics = []string{"keep"}
	res := NewResources(nil, nil, "test", world)

	out := applyOps(t, res, `[
		{"op":"append","path":"topics","value":"new"},
		{"op":"set","path":"nope","value":1}
	]`)
	assert.False(t, out.OK)
	// Batch is atomic: the first op's effect is discarded with the batch.
	assert.Equal(t, []string{"keep"}, res.WorldDraft().Topics)
}

func TestWorldApplyOpsBadValueType(t *testing.T) {
	res := NewResources(nil, nil, "test", state.DefaultWorld())

	out := applyOps(t, res, `[{"op":"append","path":"topics","value":7}]`)
	assert.False(t, out.OK)
	assert.Equal(t, ErrKindBadArgs, out.Kind)
}

func TestWorldApplyOpsSetList(t *testing.T) {
	res := NewResources(nil, nil, "test", state.DefaultWorld())

	out := applyOps(t, res, `[{"op":"set","path":"topics","value":["x","y"]}]`)
	require.True(t, out.OK)
	assert.Equal(t, []string{"x", "y"}, res.WorldDraft().Topics)
}
