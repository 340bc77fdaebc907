package state

import (
	"encoding/json"
	"time"

	"github.com/huandu/go-clone"
	"github.com/pkg/errors"
)

// Identity holds who the agent is talking to and as.
type Identity struct {
	UserName        string `json:"user_name"`
	SessionUserName string `json:"session_user_name,omitempty"`
	AgentName       string `json:"agent_name"`
	UserLocation    string `json:"user_location,omitempty"`
}

// World is the durable world state. The schema is append-tolerant:
// fields this version does not know about survive a load/save round
// trip via Extra.
type World struct {
	SchemaVersion int      `json:"schema_version"`
	UpdatedAt     string   `json:"updated_at"`
	Project       string   `json:"project"`
	Topics        []string `json:"topics"`
	Goals         []string `json:"goals"`
	Rules         []string `json:"rules"`
	Identity      Identity `json:"identity"`
	TZ            string   `json:"tz,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownWorldKeys are the fields the struct owns; everything else goes
// to Extra.
var knownWorldKeys = map[string]struct{}{
	"schema_version": {},
	"updated_at":     {},
	"project":        {},
	"topics":         {},
	"goals":          {},
	"rules":          {},
	"identity":       {},
	"tz":             {},
}

// DefaultWorld is the state a fresh (or corrupt) world file resets to.
func DefaultWorld() *World {
	return &World{
		SchemaVersion: 1,
		Topics:        []string{},
		Goals:         []string{},
		Rules:         []string{},
		Identity:      Identity{AgentName: "thalamus"},
	}
}

type worldAlias World

func (w *World) UnmarshalJSON(b []byte) error {
	var alias worldAlias
	if err := json.Unmarshal(b, &alias); err != nil {
		return errors.Wrap(err, "state: unmarshal world")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return errors.Wrap(err, "state: unmarshal world keys")
	}
	for k := range raw {
		if _, known := knownWorldKeys[k]; known {
			delete(raw, k)
		}
	}
	*w = World(alias)
	if len(raw) > 0 {
		w.Extra = raw
	}
	if w.SchemaVersion == 0 {
		w.SchemaVersion = 1
	}
	return nil
}

func (w *World) MarshalJSON() ([]byte, error) {
	alias := worldAlias(*w)
	b, err := json.Marshal(alias)
	if err != nil {
		return nil, errors.Wrap(err, "state: marshal world")
	}
	if len(w.Extra) == 0 {
		return b, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(b, &merged); err != nil {
		return nil, errors.Wrap(err, "state: remarshal world")
	}
	for k, v := range w.Extra {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// Clone returns a deep copy safe to mutate independently.
func (w *World) Clone() *World {
	return clone.Clone(w).(*World)
}

// Touch stamps updated_at with the current UTC time.
func (w *World) Touch() {
	w.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
}
