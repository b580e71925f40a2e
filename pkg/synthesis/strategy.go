package synthesis

import (
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
)

// Strategy decides how one attribute is combined across a master's sources.
type Strategy string

const (
	StrategyCollectAll     Strategy = "collect_all"
	StrategyMostRecent     Strategy = "most_recent"
	StrategyPreferNonEmpty Strategy = "prefer_non_empty"
	StrategyLongest        Strategy = "longest"
	StrategySourcePriority Strategy = "source_priority"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyCollectAll, StrategyMostRecent, StrategyPreferNonEmpty, StrategyLongest, StrategySourcePriority:
		return true
	}
	return false
}

// contribution is one source's value for a field.
type contribution struct {
	value       any
	updatedAt   time.Time
	application string
	key         string
}

// defaultStrategy collects structured values and keeps the newest scalar.
func defaultStrategy(values []contribution) Strategy {
	for _, v := range values {
		switch v.value.(type) {
		case map[string]any, []any:
			return StrategyCollectAll
		}
	}
	return StrategyMostRecent
}

// combine applies strategy to the non-nil contributions of one field.
func combine(strategy Strategy, values []contribution, priorities map[string]int) any {
	if len(values) == 0 {
		return nil
	}

	switch strategy {
	case StrategyCollectAll:
		return collectAll(values)
	case StrategyPreferNonEmpty:
		newestFirst(values)
		for _, v := range values {
			if !empty(v.value) {
				return v.value
			}
		}
		return values[0].value
	case StrategyLongest:
		best := values[0]
		for _, v := range values[1:] {
			if len(models.Stringify(v.value)) > len(models.Stringify(best.value)) {
				best = v
			}
		}
		return best.value
	case StrategySourcePriority:
		newestFirst(values)
		sort.SliceStable(values, func(i, j int) bool {
			return rank(priorities, values[i].application) < rank(priorities, values[j].application)
		})
		return values[0].value
	default:
		newestFirst(values)
		return values[0].value
	}
}

// collectAll flattens list values and drops duplicates, so two sources carrying the same name
// contribute it once.
func collectAll(values []contribution) []any {
	oldestFirst(values)
	seen := map[string]bool{}
	out := []any{}
	add := func(v any) {
		k := models.Stringify(v)
		if seen[k] || empty(v) {
			return
		}
		seen[k] = true
		out = append(out, v)
	}
	for _, c := range values {
		if list, ok := c.value.([]any); ok {
			for _, item := range list {
				add(item)
			}
			continue
		}
		add(c.value)
	}
	return out
}

func newestFirst(values []contribution) {
	sort.SliceStable(values, func(i, j int) bool {
		if values[i].updatedAt.Equal(values[j].updatedAt) {
			return values[i].key < values[j].key
		}
		return values[i].updatedAt.After(values[j].updatedAt)
	})
}

func oldestFirst(values []contribution) {
	sort.SliceStable(values, func(i, j int) bool {
		if values[i].updatedAt.Equal(values[j].updatedAt) {
			return values[i].key < values[j].key
		}
		return values[i].updatedAt.Before(values[j].updatedAt)
	})
}

// rank orders applications by configured priority; unlisted ones sort last.
func rank(priorities map[string]int, application string) int {
	if r, ok := priorities[application]; ok {
		return r
	}
	return len(priorities)
}

func empty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
