package synthesis

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules configures synthesis per entity type. Fields without a rule use collect_all for
// structured values and most_recent for scalars.
type Rules struct {
	// SourcePriority lists application ids, most trusted first.
	SourcePriority []string                       `yaml:"source_priority"`
	EntityTypes    map[string]map[string]Strategy `yaml:"entity_types"`

	priorities map[string]int
}

type rulesFile struct {
	Synthesis Rules `yaml:"synthesis"`
}

// LoadRules reads the synthesis section of a YAML file. An empty path yields the defaults.
func LoadRules(path string) (*Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read synthesis rules %s: %w", path, err)
	}
	return ParseRules(data)
}

func ParseRules(data []byte) (*Rules, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse synthesis rules: %w", err)
	}
	r := &f.Synthesis
	for entityType, fields := range r.EntityTypes {
		for field, s := range fields {
			if !s.Valid() {
				return nil, fmt.Errorf("synthesis rule %s.%s: unknown strategy %q", entityType, field, s)
			}
		}
	}
	r.index()
	return r, nil
}

func DefaultRules() *Rules {
	r := &Rules{
		EntityTypes: map[string]map[string]Strategy{
			"Patient": {
				"name":    StrategyCollectAll,
				"address": StrategyCollectAll,
				"telecom": StrategyCollectAll,
				"dob":     StrategyPreferNonEmpty,
				"gender":  StrategyPreferNonEmpty,
			},
		},
	}
	r.index()
	return r
}

func (r *Rules) index() {
	r.priorities = make(map[string]int, len(r.SourcePriority))
	for i, app := range r.SourcePriority {
		r.priorities[app] = i
	}
}

func (r *Rules) strategy(entityType, field string, values []contribution) Strategy {
	if s, ok := r.EntityTypes[entityType][field]; ok {
		return s
	}
	return defaultStrategy(values)
}
