package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/thalamus/pkg/events"
)

// Route values the router may assign. Unknown model output falls back
// to RouteAnswer.
const (
	RouteContext = "context"
	RouteWorld   = "world"
	RouteAnswer  = "answer"
)

// Task is the immutable-ish description of what this turn is about.
// UserText never changes after creation; Route and Language are
// assigned once by the router stage.
type Task struct {
	UserText string `json:"user_text"`
	Language string `json:"language"`
	Route    string `json:"route"`
}

// EvidenceMeta records how an evidence packet was obtained.
type EvidenceMeta struct {
	Tool       string `json:"tool"`
	TS         string `json:"ts"`
	ArgsDigest string `json:"args_digest"`
}

// EvidencePacket is one entry of Context.Sources.
type EvidencePacket struct {
	Kind  string           `json:"kind"`
	Title string           `json:"title,omitempty"`
	Items []map[string]any `json:"items"`
	Meta  EvidenceMeta     `json:"meta"`
}

// Context is the evidence accumulator threaded through the turn.
// Sources is append-only; stages never reorder or rewrite entries.
type Context struct {
	Sources       []EvidencePacket `json:"sources"`
	Complete      bool             `json:"complete"`
	Issues        []string         `json:"issues"`
	Next          string           `json:"next"`
	MemoryRequest map[string]any   `json:"memory_request,omitempty"`
}

// AppendSource adds an evidence packet. The only mutation Sources
// supports.
func (c *Context) AppendSource(p EvidencePacket) {
	c.Sources = append(c.Sources, p)
}

type Final struct {
	Answer string `json:"answer"`
}

// Runtime is per-turn metadata. Emitter is a capability, not data; it
// is excluded from serialisation.
type Runtime struct {
	TurnID    string   `json:"turn_id"`
	NowISO    string   `json:"now_iso"`
	Timezone  string   `json:"timezone"`
	Status    string   `json:"status"`
	Issues    []string `json:"issues"`
	NodeTrace []string `json:"node_trace"`

	Emitter *events.Emitter `json:"-"`
}

// TurnState is the shared record passed by reference through all
// stages. The executor owns it for the duration of the turn.
type TurnState struct {
	Task    Task     `json:"task"`
	Context Context  `json:"context"`
	Final   Final    `json:"final"`
	World   *World   `json:"world"`
	Runtime *Runtime `json:"runtime"`
}

// NewTurnState builds the state for a fresh turn over a world
// snapshot. The world is cloned so in-turn mutation never touches the
// caller's copy.
func NewTurnState(userText string, world *World, timezone string) *TurnState {
	now := time.Now().UTC()
	return &TurnState{
		Task:  Task{UserText: userText, Route: RouteAnswer},
		World: world.Clone(),
		Runtime: &Runtime{
			TurnID:   uuid.New().String(),
			NowISO:   now.Format(time.RFC3339),
			Timezone: timezone,
			Status:   "created",
		},
	}
}

// AddIssue appends a human-readable note to runtime.issues.
func (s *TurnState) AddIssue(issue string) {
	s.Runtime.Issues = append(s.Runtime.Issues, issue)
}

// TraceEntered and TraceCommitted append to the node trace; entries are
// "<stage>:entered" / "<stage>:committed".
func (s *TurnState) TraceEntered(stageID string) {
	s.Runtime.NodeTrace = append(s.Runtime.NodeTrace, stageID+":entered")
}

func (s *TurnState) TraceCommitted(stageID string) {
	s.Runtime.NodeTrace = append(s.Runtime.NodeTrace, stageID+":committed")
}
