package logging

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Spec is a parsed log spec: "<base>[,<component>=<level>]...".
// For example "warn,udp=debug,kernel=trace".
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec parses s. An empty spec means info for everything.
func ParseSpec(s string) (Spec, error) {
	spec := Spec{BaseLevel: LevelInfo, Components: map[string]Level{}}

	for i, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		component, levelName, ok := strings.Cut(part, "=")
		if !ok {
			if i != 0 {
				return spec, fmt.Errorf("base level %q must come first", part)
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
			return spec, fmt.Errorf("missing component name in %q", part)
		}
		level, err := ParseLevel(levelName)
		if err != nil {
			return spec, fmt.Errorf("component %s: %w", component, err)
		}
		spec.Components[component] = level
	}
	return spec, nil
}

// LevelFor returns the level in effect for component.
func (s *Spec) LevelFor(component string) Level {
	if l, ok := s.Components[component]; ok {
		return l
	}
	return s.BaseLevel
}

// String formats s so that ParseSpec returns an equal spec.
// Components are sorted by name.
func (s *Spec) String() string {
	parts := []string{s.BaseLevel.String()}
	for _, c := range slices.Sorted(maps.Keys(s.Components)) {
		parts = append(parts, c+"="+s.Components[c].String())
	}
	return strings.Join(parts, ",")
}
