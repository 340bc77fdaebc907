package graph

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/thalamus/pkg/providers"
	"github.com/go-go-golems/thalamus/pkg/state"
	"github.com/go-go-golems/thalamus/pkg/tools"
)

// baseTokens are available to every stage template.
func baseTokens(st *state.TurnState) map[string]string {
	return map[string]string{
		"USER_TEXT": st.Task.UserText,
		"NOW_ISO":   st.Runtime.NowISO,
		"TIMEZONE":  st.Runtime.Timezone,
		"LANGUAGE":  st.Task.Language,
		"WORLD":     worldJSON(st.World),
		"ISSUES":    strings.Join(st.Runtime.Issues, "; "),
	}
}

func worldJSON(w *state.World) string {
	b, err := json.Marshal(w)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// contextSummary renders the accumulated evidence compactly for
// re-rendered loop templates.
func contextSummary(c *state.Context) string {
	if len(c.Sources) == 0 {
		return "(no evidence collected yet)"
	}
	var sb strings.Builder
	for i, src := range c.Sources {
		if i > 0 {
			sb.WriteString("\n")
		}
		b, err := json.Marshal(src)
		if err != nil {
			continue
		}
		sb.Write(b)
	}
	return sb.String()
}

// renderPrompt loads and renders a stage template. Unresolved tokens
// are a hard stage error per the stage contract.
func renderPrompt(env *Env, spec *StageSpec, tokens map[string]string) (string, error) {
	out, err := env.Renderer.Render(spec.PromptName, tokens)
	if err != nil {
		return "", errors.Wrapf(err, "render %s prompt", spec.ID)
	}
	return out, nil
}

// systemUserMessages is the standard two-message shape stages send.
func systemUserMessages(system, user string) []providers.Message {
	msgs := make([]providers.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: system})
	}
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: user})
	return msgs
}

// evidenceFromOutcome converts one successful tool call into an
// EvidencePacket. Error outcomes yield nothing; they already live in
// the model context as error envelopes.
func evidenceFromOutcome(call providers.ToolCall, outcome tools.Outcome) (state.EvidencePacket, bool) {
	if !outcome.OK {
		return state.EvidencePacket{}, false
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(outcome.Content), &parsed); err != nil {
		// String results become a single-item doc packet.
		parsed = map[string]any{"text": outcome.Content}
	}

	packet := state.EvidencePacket{
		Kind:  evidenceKind(call.Name),
		Items: itemsOf(parsed),
		Meta: state.EvidenceMeta{
			Tool:       call.Name,
			TS:         time.Now().UTC().Format(time.RFC3339),
			ArgsDigest: tools.ArgsDigest(call.ArgumentsJSON),
		},
	}
	return packet, true
}

func evidenceKind(toolName string) string {
	switch toolName {
	case tools.ToolChatHistoryTail:
		return "chat_turns"
	case tools.ToolMemoryQuery:
		return "memories"
	default:
		return "doc"
	}
}

// itemsOf flattens known result shapes ({turns:[...]}, {items:[...]})
// into the packet item list.
func itemsOf(parsed map[string]any) []map[string]any {
	for _, key := range []string{"turns", "items"} {
		raw, ok := parsed[key].([]any)
		if !ok {
			continue
		}
		items := make([]map[string]any, 0, len(raw))
		for _, v := range raw {
			if obj, ok := v.(map[string]any); ok {
				items = append(items, obj)
			}
		}
		return items
	}
	return []map[string]any{parsed}
}
