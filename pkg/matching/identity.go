package matching

import (
	"context"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const IdentityProviderName = "identity"

// IdentityMatcher matches records that share a value in a unique identifier domain. It needs no
// configuration, so deduplication on explicit identifiers always works.
type IdentityMatcher struct {
	records store.RecordStore
	cache   *DomainCache
	logger  ectologger.Logger
}

var _ Provider = (*IdentityMatcher)(nil)

func NewIdentityMatcher(records store.RecordStore, cache *DomainCache, logger ectologger.Logger) *IdentityMatcher {
	return &IdentityMatcher{
		records: records,
		cache:   cache,
		logger:  logger,
	}
}

func (m *IdentityMatcher) Name() string {
	return IdentityProviderName
}

// Block returns active records of the same entity type sharing a unique identifier with rec.
func (m *IdentityMatcher) Block(ctx context.Context, rec *models.Record, _ string) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.IdentityMatcher.Block")
	defer span.End()

	var out []*models.Record
	for _, id := range rec.Identifiers {
		if !m.cache.IsUnique(id.Domain) {
			continue
		}
		found, err := m.records.FindByIdentifier(ctx, id)
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).WithField("domain", id.Domain).Error("Failed to block on identifier")
			return nil, err
		}
		for _, f := range found {
			if strings.EqualFold(f.EntityType, rec.EntityType) && f.IsActive() {
				out = append(out, f)
			}
		}
	}
	return dedupe(out), nil
}

// Classify treats every shared unique identifier as a definitive match.
func (m *IdentityMatcher) Classify(_ context.Context, _ *models.Record, candidates []*models.Record, configName string) ([]models.MatchResult, error) {
	results := make([]models.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, models.MatchResult{
			Record:         c,
			Classification: models.MatchDefinite,
			Method:         models.MethodIdentifier,
			Score:          1,
			Provider:       IdentityProviderName,
			ConfigName:     configName,
		})
	}
	return results, nil
}

func (m *IdentityMatcher) Match(ctx context.Context, rec *models.Record, configName string, ignoreKeys []string) ([]models.MatchResult, error) {
	return match(ctx, m, rec, configName, ignoreKeys)
}
