package state

import (
	"encoding/json"
	"reflect"

	"github.com/pkg/errors"
)

// Change records both sides of a modified world key.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// WorldDiff is a top-level-key delta between two world snapshots.
// updated_at is bookkeeping, not state, and never appears in a diff.
// Removed maps keys to their former values so consumers can render
// what was dropped.
type WorldDiff struct {
	Added   map[string]any    `json:"added,omitempty"`
	Removed map[string]any    `json:"removed,omitempty"`
	Changed map[string]Change `json:"changed,omitempty"`
}

// Empty reports whether the diff carries no change.
func (d *WorldDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func worldKeys(w *World) (map[string]any, error) {
	b, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrap(err, "state: marshal world for diff")
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, errors.Wrap(err, "state: unmarshal world for diff")
	}
	delete(m, "updated_at")
	return m, nil
}

// Diff compares two worlds key by key. Applying the result to before
// yields after (minus updated_at); applying it twice is a no-op.
func Diff(before, after *World) (*WorldDiff, error) {
	bm, err := worldKeys(before)
	if err != nil {
		return nil, err
	}
	am, err := worldKeys(after)
	if err != nil {
		return nil, err
	}

	d := &WorldDiff{}
	for k, av := range am {
		bv, ok := bm[k]
		switch {
		case !ok:
			if d.Added == nil {
				d.Added = map[string]any{}
			}
			d.Added[k] = av
		case !reflect.DeepEqual(bv, av):
			if d.Changed == nil {
				d.Changed = map[string]Change{}
			}
			d.Changed[k] = Change{From: bv, To: av}
		}
	}
	for k, bv := range bm {
		if _, ok := am[k]; !ok {
			if d.Removed == nil {
				d.Removed = map[string]any{}
			}
			d.Removed[k] = bv
		}
	}
	return d, nil
}

// Changed reports whether two worlds differ, ignoring updated_at.
func Changed(before, after *World) (bool, error) {
	d, err := Diff(before, after)
	if err != nil {
		return false, err
	}
	return !d.Empty(), nil
}

// ApplyDiff replays a diff onto a world and returns the result. The
// input world is not mutated.
func ApplyDiff(w *World, d *WorldDiff) (*World, error) {
	m, err := worldKeys(w)
	if err != nil {
		return nil, err
	}
	for k, v := range d.Added {
		m[k] = v
	}
	for k, c := range d.Changed {
		m[k] = c.To
	}
	for k := range d.Removed {
		delete(m, k)
	}
	m["updated_at"] = w.UpdatedAt

	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "state: marshal patched world")
	}
	out := &World{}
	if err := json.Unmarshal(b, out); err != nil {
		return nil, errors.Wrap(err, "state: unmarshal patched world")
	}
	return out, nil
}
