package tools

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/thalamus/pkg/state"
)

// World op verbs.
const (
	OpSet    = "set"
	OpAppend = "append"
	OpRemove = "remove"
)

// applyWorldOp mutates the draft in place. Only whitelisted paths are
// reachable; anything else is a forbidden_path error result.
func applyWorldOp(w *state.World, op WorldOp) error {
	switch {
	case op.Path == "project":
		return applyScalarOp(&w.Project, op)
	case op.Path == "tz":
		return applyScalarOp(&w.TZ, op)
	case op.Path == "topics":
		return applyListOp(&w.Topics, op)
	case op.Path == "goals":
		return applyListOp(&w.Goals, op)
	case op.Path == "rules":
		return applyListOp(&w.Rules, op)
	case strings.HasPrefix(op.Path, "identity."):
		return applyIdentityOp(w, op)
	}
	return &ToolError{
		Kind:    ErrKindForbiddenPath,
		Message: fmt.Sprintf("path %q is not writable", op.Path),
	}
}

func applyScalarOp(field *string, op WorldOp) error {
	switch op.Op {
	case OpSet:
		s, err := stringValue(op)
		if err != nil {
			return err
		}
		*field = s
	case OpRemove:
		*field = ""
	default:
		return badOp(op, "scalar paths support set and remove")
	}
	return nil
}

func applyListOp(field *[]string, op WorldOp) error {
	switch op.Op {
	case OpSet:
		items, err := stringListValue(op)
		if err != nil {
			return err
		}
		*field = items
	case OpAppend:
		s, err := stringValue(op)
		if err != nil {
			return err
		}
		for _, existing := range *field {
			if existing == s {
				return nil
			}
		}
		*field = append(*field, s)
	case OpRemove:
		s, err := stringValue(op)
		if err != nil {
			return err
		}
		out := (*field)[:0]
		for _, existing := range *field {
			if existing != s {
				out = append(out, existing)
			}
		}
		*field = out
	default:
		return badOp(op, "list paths support set, append and remove")
	}
	return nil
}

func applyIdentityOp(w *state.World, op WorldOp) error {
	var field *string
	switch strings.TrimPrefix(op.Path, "identity.") {
	case "user_name":
		field = &w.Identity.UserName
	case "session_user_name":
		field = &w.Identity.SessionUserName
	case "agent_name":
		field = &w.Identity.AgentName
	case "user_location":
		field = &w.Identity.UserLocation
	default:
		return &ToolError{
			Kind:    ErrKindForbiddenPath,
			Message: fmt.Sprintf("path %q is not writable", op.Path),
		}
	}
	return applyScalarOp(field, op)
}

func stringValue(op WorldOp) (string, error) {
	s, ok := op.Value.(string)
	if !ok {
		return "", badOp(op, "value must be a string")
	}
	return s, nil
}

func stringListValue(op WorldOp) ([]string, error) {
	raw, ok := op.Value.([]any)
	if !ok {
		// A decoded []string arrives as []any from JSON, but accept the
		// typed form for direct callers.
		if typed, ok := op.Value.([]string); ok {
			return typed, nil
		}
		return nil, badOp(op, "value must be an array of strings")
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, badOp(op, "value must be an array of strings")
		}
		out = append(out, s)
	}
	return out, nil
}

func badOp(op WorldOp, msg string) error {
	return &ToolError{
		Kind:    ErrKindBadArgs,
		Message: fmt.Sprintf("op %s on %s: %s", op.Op, op.Path, msg),
	}
}
