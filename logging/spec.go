package logging

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Spec is a base level with per-component overrides.
//
// Format: "<base-level>[,<component>=<level>]...", for example
// "info,worker=debug,ipc=trace".
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// DefaultLevel applies when a spec names no base level. The agent runs
// inside other programs, so it stays quiet unless asked.
const DefaultLevel = LevelWarn

// ParseSpec parses a log spec. The base level, when present, must come
// first.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{
		BaseLevel:  DefaultLevel,
		Components: make(map[string]Level),
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return spec, nil
	}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelStr, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must be first in spec", part)
			}
			level, err := ParseLevel(part)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = level
			continue
		}

		component = strings.TrimSpace(component)
		if component == "" {
			return spec, fmt.Errorf("empty component name in %q", part)
		}
		level, err := ParseLevel(levelStr)
		if err != nil {
			return spec, fmt.Errorf("invalid level for component %q: %w", component, err)
		}
		spec.Components[component] = level
	}

	return spec, nil
}

// LevelFor returns the level for component, falling back to the base
// level.
func (s *Spec) LevelFor(component string) Level {
	if level, ok := s.Components[component]; ok {
		return level
	}
	return s.BaseLevel
}

// Min returns the most verbose level any component logs at.
func (s *Spec) Min() Level {
	lowest := s.BaseLevel
	for _, l := range s.Components {
		lowest = min(lowest, l)
	}
	return lowest
}

// String renders the spec in parseable form with components sorted.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	for _, c := range slices.Sorted(maps.Keys(s.Components)) {
		parts = append(parts, fmt.Sprintf("%s=%s", c, s.Components[c]))
	}
	return strings.Join(parts, ",")
}
