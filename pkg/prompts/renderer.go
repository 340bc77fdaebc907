package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// tokenRe matches placeholder tokens of the form <<NAME>> where NAME is
// upper-case alphanumeric with underscores.
var tokenRe = regexp.MustCompile(`<<([A-Z0-9_]+)>>`)

// UnresolvedTokensError is returned when a template still contains
// placeholders after substitution. Tokens are reported sorted and
// deduplicated.
type UnresolvedTokensError struct {
	Tokens []string
}

func (e *UnresolvedTokensError) Error() string {
	return fmt.Sprintf("unresolved prompt tokens: %s", strings.Join(e.Tokens, ", "))
}

// Render substitutes every <<TOKEN>> in template with its value from
// vars. All tokens in the template must be present in vars; unused vars
// are fine. Replacement is a single pass, so values containing token
// syntax are not re-expanded.
func Render(template string, vars map[string]string) (string, error) {
	var missing map[string]struct{}
	out := tokenRe.ReplaceAllStringFunc(template, func(m string) string {
		name := m[2 : len(m)-2]
		if v, ok := vars[name]; ok {
			return v
		}
		if missing == nil {
			missing = map[string]struct{}{}
		}
		missing[name] = struct{}{}
		return m
	})
	if len(missing) > 0 {
		tokens := make([]string, 0, len(missing))
		for name := range missing {
			tokens = append(tokens, name)
		}
		sort.Strings(tokens)
		return "", errors.WithStack(&UnresolvedTokensError{Tokens: tokens})
	}
	return out, nil
}

// MustRender is Render for templates whose vars are built in the same
// function; it panics on unresolved tokens.
func MustRender(template string, vars map[string]string) string {
	out, err := Render(template, vars)
	if err != nil {
		panic(err)
	}
	return out
}

// Renderer loads prompt templates from a directory. Templates are read
// fresh on every call so edits take effect without a restart.
type Renderer struct {
	Dir string
}

func NewRenderer(dir string) *Renderer {
	return &Renderer{Dir: dir}
}

// Render loads <dir>/<name>.txt and substitutes vars into it.
func (r *Renderer) Render(name string, vars map[string]string) (string, error) {
	path := filepath.Join(r.Dir, name+".txt")
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "prompts: load template %s", name)
	}
	log.Trace().Str("template", name).Int("bytes", len(b)).Msg("prompts: loaded template")
	out, err := Render(string(b), vars)
	if err != nil {
		return "", errors.Wrapf(err, "prompts: render template %s", name)
	}
	return out, nil
}
