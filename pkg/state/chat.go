package state

// Chat roles as stored in the history log.
const (
	RoleHuman     = "human"
	RoleAssistant = "assistant"
)

// ChatTurn is one line of the append-only history log.
type ChatTurn struct {
	TS      string         `json:"ts"`
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}
