package tools

import (
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Firewall composes per-stage toolsets as the intersection of the
// stage's allowed skills with the enabled skill set, expanded through
// the skill catalog. Composition is pure, so results are cached.
type Firewall struct {
	registry *Registry
	enabled  map[string]struct{}

	mu    sync.Mutex
	cache map[string]*Toolset
}

func NewFirewall(registry *Registry, enabledSkills []string) (*Firewall, error) {
	f := &Firewall{
		registry: registry,
		enabled:  make(map[string]struct{}, len(enabledSkills)),
		cache:    make(map[string]*Toolset),
	}
	for _, s := range enabledSkills {
		f.enabled[s] = struct{}{}
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// validate asserts that every tool referenced by an enabled skill is
// registered. Run once at startup.
func (f *Firewall) validate() error {
	for skill := range f.enabled {
		toolNames, ok := SkillCatalog[skill]
		if !ok {
			return errors.Errorf("tools: enabled skill %s not in catalog", skill)
		}
		for _, name := range toolNames {
			if _, ok := f.registry.Get(name); !ok {
				return errors.Errorf("tools: skill %s references unregistered tool %s", skill, name)
			}
		}
	}
	log.Debug().Int("enabled_skills", len(f.enabled)).Msg("tools: firewall validated")
	return nil
}

// ToolsetFor returns the toolset for a stage's allowed skills. An empty
// result is valid; the stage then runs without tools.
func (f *Firewall) ToolsetFor(allowedSkills []string) *Toolset {
	key := cacheKey(allowedSkills)
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.cache[key]; ok {
		return ts
	}

	defs := make(map[string]Definition)
	for _, skill := range allowedSkills {
		if _, ok := f.enabled[skill]; !ok {
			continue
		}
		for _, name := range SkillCatalog[skill] {
			if def, ok := f.registry.Get(name); ok {
				defs[name] = def
			}
		}
	}
	ts := newToolset(defs)
	f.cache[key] = ts
	log.Debug().
		Strs("allowed_skills", allowedSkills).
		Strs("tools", ts.Names()).
		Msg("tools: composed toolset")
	return ts
}

func cacheKey(skills []string) string {
	sorted := make([]string, len(skills))
	copy(sorted, skills)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
