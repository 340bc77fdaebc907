package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRejectsInvalidDefinitions(t *testing.T) {
	reg := NewRegistry()
	handler := func(context.Context, map[string]any, *Resources) (any, error) { return nil, nil }
	schema := SchemaFor[struct{}]()

	assert.Error(t, reg.Register(Definition{Handler: handler, Parameters: schema}))
	assert.Error(t, reg.Register(Definition{Name: "x", Parameters: schema}))
	assert.Error(t, reg.Register(Definition{Name: "x", Handler: handler}))

	require.NoError(t, reg.Register(Definition{Name: "x", Handler: handler, Parameters: schema}))
	assert.Error(t, reg.Register(Definition{Name: "x", Handler: handler, Parameters: schema}))
}

func TestSetDefaultDeadlineKeepsExplicitOnes(t *testing.T) {
	reg := NewRegistry()
	handler := func(context.Context, map[string]any, *Resources) (any, error) { return nil, nil }
	schema := SchemaFor[struct{}]()

	require.NoError(t, reg.Register(Definition{Name: "plain", Handler: handler, Parameters: schema}))
	require.NoError(t, reg.Register(Definition{Name: "slow", Handler: handler, Parameters: schema, Deadline: time.Minute}))

	reg.SetDefaultDeadline(5 * time.Second)

	plain, _ := reg.Get("plain")
	assert.Equal(t, 5*time.Second, plain.Deadline)
	slow, _ := reg.Get("slow")
	assert.Equal(t, time.Minute, slow.Deadline)
}
