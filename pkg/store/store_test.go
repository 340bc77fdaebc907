package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/thalamus/pkg/state"
)

func TestWorldStoreLoadMissingFile(t *testing.T) {
	s := NewWorldStore(filepath.Join(t.TempDir(), "world.json"))
	w, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, w.SchemaVersion)
	assert.Empty(t, w.Topics)
}

func TestWorldStoreCommitAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "world.json")
	s := NewWorldStore(path)

	w := state.DefaultWorld()
	w.Project = "thalamus"
	w.Topics = []string{"go"}
	require.NoError(t, s.Commit(w))
	assert.NotEmpty(t, w.UpdatedAt)

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, "thalamus", got.Project)
	assert.Equal(t, []string{"go"}, got.Topics)
}

func TestWorldStoreCorruptResets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "world.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"project": truncated`), 0o644))

	s := NewWorldStore(path)
	w, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, w.Project)

	// The bad file was moved aside, not destroyed.
	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}

func TestChatLogAppendAndTail(t *testing.T) {
	log := NewChatLog(filepath.Join(t.TempDir(), "chat.jsonl"))
	require.NoError(t, log.Append(state.RoleHuman, "hello", nil))
	require.NoError(t, log.Append(state.RoleAssistant, "hi there", map[string]any{"turn_id": "t1"}))
	require.NoError(t, log.Append(state.RoleHuman, "how are you", nil))

	turns, err := log.Tail(context.Background(), 2, nil)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "hi there", turns[0].Content)
	assert.Equal(t, "how are you", turns[1].Content)
	assert.NotEmpty(t, turns[0].TS)
}

func TestChatLogTailRoleFilter(t *testing.T) {
	log := NewChatLog(filepath.Join(t.TempDir(), "chat.jsonl"))
	require.NoError(t, log.Append(state.RoleHuman, "q1", nil))
	require.NoError(t, log.Append(state.RoleAssistant, "a1", nil))
	require.NoError(t, log.Append(state.RoleHuman, "q2", nil))

	turns, err := log.Tail(context.Background(), 10, []string{state.RoleHuman})
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q1", turns[0].Content)
	assert.Equal(t, "q2", turns[1].Content)
}

func TestChatLogSkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	log := NewChatLog(path)
	require.NoError(t, log.Append(state.RoleHuman, "good", nil))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-01-01T00:00:00Z","role":"assist`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	turns, err := log.Tail(context.Background(), 10, nil)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "good", turns[0].Content)
}

func TestChatLogIgnoresUnterminatedTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.jsonl")
	log := NewChatLog(path)
	require.NoError(t, log.Append(state.RoleHuman, "good", nil))

	// Valid JSON, but the write was cut before its newline.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":"2026-01-01T00:00:00Z","role":"assistant","content":"torn"}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	turns, err := log.Tail(context.Background(), 10, nil)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "good", turns[0].Content)
}

func TestChatLogCompaction(t *testing.T) {
	log := NewChatLog(filepath.Join(t.TempDir(), "chat.jsonl"), WithMaxTurns(5))
	for i := 0; i < 12; i++ {
		require.NoError(t, log.Append(state.RoleHuman, "msg", nil))
	}

	turns, err := log.Tail(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Len(t, turns, 5)
}

func TestChatLogTailEmpty(t *testing.T) {
	log := NewChatLog(filepath.Join(t.TempDir(), "missing.jsonl"))
	turns, err := log.Tail(context.Background(), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, turns)
}
