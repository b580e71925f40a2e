package matching

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const AttributeProviderName = "attribute"

// AttributeMatcher scores candidates on weighted attribute conditions from a named configuration.
type AttributeMatcher struct {
	records store.RecordStore
	configs *ConfigSet
	logger  ectologger.Logger
}

var _ Provider = (*AttributeMatcher)(nil)

func NewAttributeMatcher(records store.RecordStore, configs *ConfigSet, logger ectologger.Logger) *AttributeMatcher {
	if configs == nil {
		configs = DefaultConfigurations()
	}
	return &AttributeMatcher{
		records: records,
		configs: configs,
		logger:  logger,
	}
}

func (m *AttributeMatcher) Name() string {
	return AttributeProviderName
}

// resolve picks the named configuration, or the first one for the record's entity type when
// configName is empty. A nil configuration with no error means nothing applies.
func (m *AttributeMatcher) resolve(rec *models.Record, configName string) (*Configuration, error) {
	if configName != "" {
		cfg, ok := m.configs.Get(configName)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownConfiguration, configName)
		}
		return cfg, nil
	}
	if cfgs := m.configs.ForEntityType(rec.EntityType); len(cfgs) > 0 {
		return cfgs[0], nil
	}
	return nil, nil
}

// Block unions the records sharing any blocking key value with rec. Masters are never candidates.
func (m *AttributeMatcher) Block(ctx context.Context, rec *models.Record, configName string) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.AttributeMatcher.Block")
	defer span.End()

	cfg, err := m.resolve(rec, configName)
	if err != nil || cfg == nil {
		return nil, err
	}

	var out []*models.Record
	for _, key := range cfg.Blocking {
		value, ok := models.LookupString(rec.Attributes, key.Field)
		if !ok {
			continue
		}
		found, err := m.records.QueryRecords(ctx, models.RecordFilter{
			EntityType: rec.EntityType,
			Attributes: map[string]string{key.Field: value},
			Limit:      cfg.MaxBlock,
		})
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).WithField("field", key.Field).Error("Failed to block on attribute")
			return nil, err
		}

		want := Normalize(value, key.Normalizers...)
		for _, f := range found {
			if f.IsMaster() || !f.IsActive() {
				continue
			}
			if got, ok := models.LookupString(f.Attributes, key.Field); !ok || Normalize(got, key.Normalizers...) != want {
				continue
			}
			out = append(out, f)
		}
	}
	return dedupe(out), nil
}

func (m *AttributeMatcher) Classify(ctx context.Context, rec *models.Record, candidates []*models.Record, configName string) ([]models.MatchResult, error) {
	_, span := tracing.StartSpan(ctx, "matching.AttributeMatcher.Classify")
	defer span.End()

	cfg, err := m.resolve(rec, configName)
	if err != nil || cfg == nil {
		return nil, err
	}

	results := make([]models.MatchResult, 0, len(candidates))
	for _, c := range candidates {
		score, ok := Score(cfg, rec, c)
		cls := models.MatchNone
		switch {
		case !ok:
		case score >= cfg.Thresholds.Match:
			cls = models.MatchDefinite
		case score >= cfg.Thresholds.Probable:
			cls = models.MatchProbable
		}
		results = append(results, models.MatchResult{
			Record:         c,
			Classification: cls,
			Method:         models.MethodAttribute,
			Score:          score,
			Provider:       AttributeProviderName,
			ConfigName:     cfg.Name,
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	return results, nil
}

func (m *AttributeMatcher) Match(ctx context.Context, rec *models.Record, configName string, ignoreKeys []string) ([]models.MatchResult, error) {
	return match(ctx, m, rec, configName, ignoreKeys)
}

// Score is the weighted mean of the condition scores between a and b. Conditions whose field
// is absent on either side are skipped. ok is false when a required condition is absent or
// fails, or when no condition applied.
func Score(cfg *Configuration, a, b *models.Record) (score float64, ok bool) {
	var total, weight float64
	for _, cond := range cfg.Conditions {
		va, okA := models.LookupString(a.Attributes, cond.Field)
		vb, okB := models.LookupString(b.Attributes, cond.Field)
		if !okA || !okB {
			if cond.Required {
				return 0, false
			}
			continue
		}

		s := compare(cond, va, vb)
		if cond.Threshold > 0 && s < cond.Threshold {
			s = 0
		}
		if cond.Required && s == 0 {
			return 0, false
		}
		total += s * cond.Weight
		weight += cond.Weight
	}
	if weight == 0 {
		return 0, false
	}
	return total / weight, true
}

func compare(cond Condition, a, b string) float64 {
	a = Normalize(a, cond.Normalizers...)
	b = Normalize(b, cond.Normalizers...)

	switch cond.Type {
	case ScoreJaroWinkler:
		return JaroWinkler(fold(a, cond.CaseSensitive), fold(b, cond.CaseSensitive))
	case ScoreLevenshtein:
		return Levenshtein(fold(a, cond.CaseSensitive), fold(b, cond.CaseSensitive))
	case ScoreSoundex:
		sa := Soundex(a)
		return boolScore(sa != "" && sa == Soundex(b))
	case ScoreMetaphone:
		ma := Metaphone(a)
		return boolScore(ma != "" && ma == Metaphone(b))
	case ScoreDate:
		return DateProximity(a, b, cond.RangeDays)
	case ScoreNumeric:
		fa, errA := strconv.ParseFloat(a, 64)
		fb, errB := strconv.ParseFloat(b, 64)
		if errA != nil || errB != nil {
			return exactScore(a, b, cond.CaseSensitive)
		}
		return NumericProximity(fa, fb, cond.MaxDiff)
	default:
		return exactScore(a, b, cond.CaseSensitive)
	}
}

func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}
