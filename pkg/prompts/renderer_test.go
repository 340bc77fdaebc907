package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderSubstitutesTokens(t *testing.T) {
	out, err := Render("Hello <<NAME>>, it is <<NOW_ISO>>.", map[string]string{
		"NAME":    "Manuel",
		"NOW_ISO": "2026-01-01T00:00:00Z",
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello Manuel, it is 2026-01-01T00:00:00Z.", out)
}

func TestRenderRepeatedToken(t *testing.T) {
	out, err := Render("<<X>> and <<X>>", map[string]string{"X": "y"})
	require.NoError(t, err)
	assert.Equal(t, "y and y", out)
}

func TestRenderUnresolvedTokens(t *testing.T) {
	_, err := Render("<<A>> <<B>> <<A>>", map[string]string{"B": "b"})
	require.Error(t, err)

	var unresolved *UnresolvedTokensError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, []string{"A"}, unresolved.Tokens)
}

func TestRenderNoReexpansion(t *testing.T) {
	// A value that itself looks like a token must not be expanded again.
	out, err := Render("<<A>>", map[string]string{"A": "<<B>>", "B": "nope"})
	require.NoError(t, err)
	assert.Equal(t, "<<B>>", out)
}

func TestRenderIgnoresLowercase(t *testing.T) {
	out, err := Render("<<not_a_token>>", nil)
	require.NoError(t, err)
	assert.Equal(t, "<<not_a_token>>", out)
}

func TestRendererLoadsFromDir(t *testing.T) {
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "router.txt"), []byte("route for <<USER_TEXT>>"), 0o644)
	require.NoError(t, err)

	r := NewRenderer(dir)
	out, err := r.Render("router", map[string]string{"USER_TEXT": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "route for hi", out)

	// Hot edits are picked up on the next call.
	err = os.WriteFile(filepath.Join(dir, "router.txt"), []byte("v2 <<USER_TEXT>>"), 0o644)
	require.NoError(t, err)
	out, err = r.Render("router", map[string]string{"USER_TEXT": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "v2 hi", out)
}

func TestRendererMissingTemplate(t *testing.T) {
	r := NewRenderer(t.TempDir())
	_, err := r.Render("nope", nil)
	require.Error(t, err)
}

func TestRendererUnresolvedWraps(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "answer.txt"), []byte("<<MISSING>>"), 0o644))

	r := NewRenderer(dir)
	_, err := r.Render("answer", map[string]string{})
	var unresolved *UnresolvedTokensError
	require.True(t, errors.As(err, &unresolved))
	assert.Equal(t, []string{"MISSING"}, unresolved.Tokens)
}
