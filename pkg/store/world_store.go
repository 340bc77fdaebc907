// Package store owns the durable files: the world-state JSON and the
// append-only chat history log. Single-process, single-writer.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/state"
)

// WorldStore reads and atomically replaces the world-state file.
type WorldStore struct {
	path string
}

func NewWorldStore(path string) *WorldStore {
	return &WorldStore{path: path}
}

// Load reads the current world. A missing file yields the default
// world; a corrupt file is moved aside and replaced by the default so
// one bad write never bricks the agent.
func (s *WorldStore) Load() (*state.World, error) {
	b, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		log.Debug().Str("path", s.path).Msg("store: no world file, starting fresh")
		return state.DefaultWorld(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: read world file")
	}

	w := &state.World{}
	if err := json.Unmarshal(b, w); err != nil {
		backup := s.path + ".corrupt"
		log.Warn().Err(err).Str("backup", backup).Msg("store: world file corrupt, resetting")
		if renameErr := os.Rename(s.path, backup); renameErr != nil {
			log.Error().Err(renameErr).Msg("store: failed to move corrupt world file aside")
		}
		return state.DefaultWorld(), nil
	}
	return w, nil
}

// Commit stamps updated_at and atomically replaces the file via
// write-temp-then-rename.
func (s *WorldStore) Commit(w *state.World) error {
	w.Touch()
	b, err := json.MarshalIndent(w, "", "  ")
	if err != nil {
		return errors.Wrap(err, "store: marshal world")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "store: create world dir")
	}
	tmp, err := os.CreateTemp(dir, ".world-*.tmp")
	if err != nil {
		return errors.Wrap(err, "store: create temp world file")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "store: write temp world file")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "store: sync temp world file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "store: close temp world file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, "store: replace world file")
	}
	log.Debug().Str("path", s.path).Int("bytes", len(b)).Msg("store: committed world")
	return nil
}
