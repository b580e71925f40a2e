package matching

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Condition compares one attribute path between two records.
type Condition struct {
	Field         string    `yaml:"field"`
	Type          ScoreType `yaml:"type"`
	Weight        float64   `yaml:"weight"`
	Threshold     float64   `yaml:"threshold"`
	Required      bool      `yaml:"required"`
	CaseSensitive bool      `yaml:"case_sensitive"`
	Normalizers   []string  `yaml:"normalizers"`
	RangeDays     int       `yaml:"range_days"`
	MaxDiff       float64   `yaml:"max_diff"`
}

// BlockingKey selects candidates whose normalized value at Field equals the record's.
type BlockingKey struct {
	Field       string   `yaml:"field"`
	Normalizers []string `yaml:"normalizers"`
}

type Thresholds struct {
	Match    float64 `yaml:"match"`
	Probable float64 `yaml:"probable"`
}

// Configuration is a named attribute matching rule set for one entity type.
type Configuration struct {
	Name       string        `yaml:"name"`
	EntityType string        `yaml:"entity_type"`
	Blocking   []BlockingKey `yaml:"blocking"`
	Conditions []Condition   `yaml:"conditions"`
	Thresholds Thresholds    `yaml:"thresholds"`
	MaxBlock   int           `yaml:"max_block"`
}

type ConfigSet struct {
	Configurations []Configuration `yaml:"configurations"`
}

const (
	defaultMatchThreshold    = 0.95
	defaultProbableThreshold = 0.6
	defaultMaxBlock          = 200
)

// LoadConfigurations reads a YAML file of attribute matching configurations. An empty path
// yields the built-in defaults.
func LoadConfigurations(path string) (*ConfigSet, error) {
	if path == "" {
		return DefaultConfigurations(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read match configuration %s: %w", path, err)
	}
	return ParseConfigurations(data)
}

func ParseConfigurations(data []byte) (*ConfigSet, error) {
	var set ConfigSet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("failed to parse match configuration: %w", err)
	}
	if err := set.normalize(); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *ConfigSet) normalize() error {
	seen := map[string]bool{}
	for i := range s.Configurations {
		c := &s.Configurations[i]
		if c.Name == "" || c.EntityType == "" {
			return fmt.Errorf("match configuration %d: name and entity_type are required", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("match configuration %q defined twice", c.Name)
		}
		seen[c.Name] = true

		if c.Thresholds.Match == 0 {
			c.Thresholds.Match = defaultMatchThreshold
		}
		if c.Thresholds.Probable == 0 {
			c.Thresholds.Probable = defaultProbableThreshold
		}
		if c.Thresholds.Probable > c.Thresholds.Match {
			return fmt.Errorf("match configuration %q: probable threshold above match threshold", c.Name)
		}
		if c.MaxBlock == 0 {
			c.MaxBlock = defaultMaxBlock
		}
		if len(c.Blocking) == 0 {
			return fmt.Errorf("match configuration %q: at least one blocking key is required", c.Name)
		}
		for j := range c.Conditions {
			cond := &c.Conditions[j]
			if cond.Type == "" {
				cond.Type = ScoreExact
			}
			if !cond.Type.Valid() {
				return fmt.Errorf("match configuration %q: unknown score type %q", c.Name, cond.Type)
			}
			if cond.Weight == 0 {
				cond.Weight = 1
			}
			for _, n := range cond.Normalizers {
				if !HasNormalizer(n) {
					return fmt.Errorf("match configuration %q: unknown normalizer %q", c.Name, n)
				}
			}
		}
	}
	return nil
}

func (s *ConfigSet) Get(name string) (*Configuration, bool) {
	for i := range s.Configurations {
		if s.Configurations[i].Name == name {
			return &s.Configurations[i], true
		}
	}
	return nil, false
}

// ForEntityType returns the configurations that apply to entityType, in file order.
func (s *ConfigSet) ForEntityType(entityType string) []*Configuration {
	var out []*Configuration
	for i := range s.Configurations {
		if strings.EqualFold(s.Configurations[i].EntityType, entityType) {
			out = append(out, &s.Configurations[i])
		}
	}
	return out
}

// DefaultConfigurations returns the built-in rule sets.
func DefaultConfigurations() *ConfigSet {
	set, err := ParseConfigurations([]byte(defaultConfigYAML))
	if err != nil {
		panic(err)
	}
	return set
}

const defaultConfigYAML = `
configurations:
  - name: patient
    entity_type: Patient
    blocking:
      - field: dob
      - field: name.family
        normalizers: [nname]
    conditions:
      - field: dob
        type: date
        weight: 2
        required: true
      - field: name.family
        type: jaro_winkler
        weight: 1
        threshold: 0.85
        normalizers: [nname]
      - field: name.given
        type: jaro_winkler
        weight: 1
        threshold: 0.85
        normalizers: [nname]
      - field: gender
        type: exact
        weight: 1
      - field: multiBirthOrder
        type: exact
        weight: 2
    thresholds:
      match: 0.95
      probable: 0.6
  - name: practitioner
    entity_type: Practitioner
    blocking:
      - field: name.family
        normalizers: [nname]
    conditions:
      - field: name.family
        type: jaro_winkler
        weight: 1
        threshold: 0.9
        required: true
        normalizers: [nname]
      - field: name.given
        type: jaro_winkler
        weight: 1
        threshold: 0.85
        normalizers: [nname]
      - field: telecom.phone
        type: exact
        weight: 2
        normalizers: [nphone]
  - name: organization
    entity_type: Organization
    blocking:
      - field: name
        normalizers: [nname]
      - field: address.postalCode
        normalizers: [remove_whitespace, uppercase]
    conditions:
      - field: name
        type: levenshtein
        weight: 2
        threshold: 0.8
        required: true
        normalizers: [nname]
      - field: address.postalCode
        type: exact
        weight: 1
        normalizers: [remove_whitespace]
      - field: address.city
        type: soundex
        weight: 1
`
