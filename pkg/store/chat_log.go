package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/thalamus/pkg/state"
)

// DefaultMaxTurns caps the history log before compaction.
const DefaultMaxTurns = 2000

// ChatLog is the append-only JSONL history. Appends are full lines
// followed by fsync, so tail readers never see torn records.
type ChatLog struct {
	mu       sync.Mutex
	path     string
	maxTurns int
}

type ChatLogOption func(*ChatLog)

func WithMaxTurns(n int) ChatLogOption {
	return func(c *ChatLog) { c.maxTurns = n }
}

func NewChatLog(path string, options ...ChatLogOption) *ChatLog {
	c := &ChatLog{path: path, maxTurns: DefaultMaxTurns}
	for _, o := range options {
		o(c)
	}
	return c
}

// Append writes one turn as a single line and fsyncs. Compacts when
// the log exceeds the turn cap.
func (c *ChatLog) Append(role, content string, meta map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	turn := state.ChatTurn{
		TS:      time.Now().UTC().Format(time.RFC3339),
		Role:    role,
		Content: content,
		Meta:    meta,
	}
	line, err := json.Marshal(turn)
	if err != nil {
		return errors.Wrap(err, "store: marshal chat turn")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return errors.Wrap(err, "store: create chat log dir")
	}
	f, err := os.OpenFile(c.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "store: open chat log")
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.Wrap(err, "store: append chat turn")
	}
	if err := f.Sync(); err != nil {
		return errors.Wrap(err, "store: sync chat log")
	}

	return c.compactLocked()
}

// Tail returns the last n turns, optionally filtered to roles.
// Unparseable lines (torn writes from a crash) are skipped.
func (c *ChatLog) Tail(_ context.Context, n int, roles []string) ([]state.ChatTurn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	turns, err := c.readAllLocked()
	if err != nil {
		return nil, err
	}

	if len(roles) > 0 {
		wanted := make(map[string]struct{}, len(roles))
		for _, r := range roles {
			wanted[r] = struct{}{}
		}
		filtered := turns[:0]
		for _, t := range turns {
			if _, ok := wanted[t.Role]; ok {
				filtered = append(filtered, t)
			}
		}
		turns = filtered
	}

	if n > 0 && len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func (c *ChatLog) readAllLocked() ([]state.ChatTurn, error) {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return []state.ChatTurn{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "store: open chat log")
	}
	defer func() {
		_ = f.Close()
	}()

	var turns []state.ChatTurn
	reader := bufio.NewReaderSize(f, 64*1024)
	skipped := 0
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// A tail without its newline is a torn write; only complete
			// lines count, even if the fragment happens to parse.
			if len(bytes.TrimSpace(line)) > 0 {
				skipped++
			}
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "store: read chat log")
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var turn state.ChatTurn
		if err := json.Unmarshal(line, &turn); err != nil {
			skipped++
			continue
		}
		turns = append(turns, turn)
	}
	if skipped > 0 {
		log.Warn().Int("skipped", skipped).Msg("store: skipped unparseable chat log lines")
	}
	if turns == nil {
		turns = []state.ChatTurn{}
	}
	return turns, nil
}

// compactLocked rewrites the log keeping the newest maxTurns entries,
// via copy-then-rename so readers always see a consistent file.
func (c *ChatLog) compactLocked() error {
	if c.maxTurns <= 0 {
		return nil
	}
	turns, err := c.readAllLocked()
	if err != nil {
		return err
	}
	if len(turns) <= c.maxTurns {
		return nil
	}
	keep := turns[len(turns)-c.maxTurns:]

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".chat-*.tmp")
	if err != nil {
		return errors.Wrap(err, "store: create temp chat log")
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	for _, t := range keep {
		line, err := json.Marshal(t)
		if err != nil {
			_ = tmp.Close()
			return errors.Wrap(err, "store: marshal chat turn")
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			_ = tmp.Close()
			return errors.Wrap(err, "store: write compacted log")
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "store: flush compacted log")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "store: sync compacted log")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "store: close compacted log")
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		return errors.Wrap(err, "store: replace chat log")
	}
	log.Debug().Int("kept", len(keep)).Int("dropped", len(turns)-len(keep)).Msg("store: compacted chat log")
	return nil
}
