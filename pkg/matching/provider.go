// Package matching holds the pluggable matching providers the linkage engine consults:
// the always-on identity matcher and the YAML-configured attribute matcher.
package matching

import (
	"context"
	"errors"
	"slices"

	"github.com/Ramsey-B/fern/pkg/models"
)

// ErrUnknownConfiguration is returned when a provider has no configuration of the given name.
var ErrUnknownConfiguration = errors.New("unknown match configuration")

// Provider computes classified match results for a record. Block and Classify are the
// lower-level stages Match composes.
type Provider interface {
	Name() string
	Block(ctx context.Context, rec *models.Record, configName string) ([]*models.Record, error)
	Classify(ctx context.Context, rec *models.Record, candidates []*models.Record, configName string) ([]models.MatchResult, error)
	Match(ctx context.Context, rec *models.Record, configName string, ignoreKeys []string) ([]models.MatchResult, error)
}

// match runs block then classify, dropping the record itself, ignored keys and NonMatch results.
func match(ctx context.Context, p Provider, rec *models.Record, configName string, ignoreKeys []string) ([]models.MatchResult, error) {
	blocked, err := p.Block(ctx, rec, configName)
	if err != nil {
		return nil, err
	}

	candidates := blocked[:0]
	for _, c := range blocked {
		if c.Key == rec.Key || slices.Contains(ignoreKeys, c.Key) {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	results, err := p.Classify(ctx, rec, candidates, configName)
	if err != nil {
		return nil, err
	}

	out := results[:0]
	for _, r := range results {
		if r.Classification != models.MatchNone {
			out = append(out, r)
		}
	}
	return out, nil
}

// dedupe keeps one record per key, preserving first-seen order.
func dedupe(records []*models.Record) []*models.Record {
	seen := make(map[string]bool, len(records))
	out := records[:0]
	for _, r := range records {
		if seen[r.Key] {
			continue
		}
		seen[r.Key] = true
		out = append(out, r)
	}
	return out
}
