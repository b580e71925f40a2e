package linkage

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Link decisions, as logged and counted.
const (
	DecisionLinked    = "linked"
	DecisionRelinked  = "relinked"
	DecisionNewMaster = "new_master"
	DecisionKept      = "kept"
	DecisionSticky    = "sticky"
)

// buckets are the grouped match results of one record, keyed by master.
type buckets struct {
	definite []models.MasterMatch
	probable []models.MasterMatch
}

func (b buckets) has(masterKey string) bool {
	return ectolinq.Contains(b.keys(), masterKey)
}

func (b buckets) keys() []string {
	key := func(m models.MasterMatch) string { return m.MasterKey }
	return append(ectolinq.Map(b.definite, key), ectolinq.Map(b.probable, key)...)
}

// relink runs the matching algorithm for rec and adds every resulting graph edit to the
// view's bundle. Running it twice over unchanged data adds nothing.
func (e *Engine) relink(ctx context.Context, v *store.View, rec *models.Record, h EntityHandler, principal *models.Principal) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.relink")
	defer span.End()

	createdBy := principal.Name()

	existing, err := masterLink(ctx, v, rec.Key)
	if err != nil {
		return "", err
	}

	ignores, err := v.Active(ctx, rec.Key, "", models.KindIgnoreCandidate)
	if err != nil {
		return "", err
	}
	ignored := targets(ignores)

	found, err := e.match(ctx, v, rec, h, ignored)
	if err != nil {
		return "", err
	}

	// stale automatic candidates
	candidates, err := v.Active(ctx, rec.Key, "", models.KindCandidate)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if c.IsVerified() || found.has(c.TargetKey) {
			continue
		}
		v.Bundle.ObsoleteRelationship(c)
	}

	var authoritative, decision string
	if len(found.definite) == 1 && (e.autoMerge || found.definite[0].Result.Method == models.MethodIdentifier) {
		authoritative, decision, err = e.follow(ctx, v, rec, existing, found.definite[0].MasterKey, createdBy)
	} else {
		authoritative, decision, err = e.preserve(ctx, v, rec, existing, h, createdBy)
	}
	if err != nil {
		return "", err
	}

	if err := e.propose(ctx, v, rec, found, authoritative, ignored); err != nil {
		return "", err
	}

	metrics.RecordLinkDecision(rec.EntityType, decision)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_key":  rec.Key,
		"master_key":  authoritative,
		"decision":    decision,
		"definite":    len(found.definite),
		"probable":    len(found.probable),
		"bundle_size": v.Bundle.Size(),
	}).Debug("Linkage decided")
	return decision, nil
}

// follow makes target the record's master after exactly one definitive match. A verified link
// elsewhere is never moved.
func (e *Engine) follow(ctx context.Context, v *store.View, rec *models.Record, existing *models.Relationship, target, createdBy string) (string, string, error) {
	switch {
	case existing == nil:
		return target, DecisionLinked, establishMaster(ctx, v, rec.Key, target, models.LinkAutomatic, createdBy)
	case existing.TargetKey == target:
		return target, DecisionKept, nil
	case existing.IsVerified():
		return existing.TargetKey, DecisionSticky, nil
	}

	if err := detach(ctx, v, existing, createdBy); err != nil {
		return "", "", err
	}
	if err := establishMaster(ctx, v, rec.Key, target, models.LinkAutomatic, createdBy); err != nil {
		return "", "", err
	}
	orphaned, err := obsoleteIfOrphaned(ctx, v, existing.TargetKey, target, createdBy)
	if err != nil {
		return "", "", err
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_key":      rec.Key,
		"previous_master": existing.TargetKey,
		"master_key":      target,
		"orphaned":        orphaned,
	}).Info("Record relinked to matched master")
	return target, DecisionRelinked, nil
}

// preserve keeps the current master when it is still live, otherwise anchors rec to a brand
// new master.
func (e *Engine) preserve(ctx context.Context, v *store.View, rec *models.Record, existing *models.Relationship, h EntityHandler, createdBy string) (string, string, error) {
	if existing != nil {
		master, err := v.FindRecord(ctx, existing.TargetKey)
		if err != nil {
			return "", "", err
		}
		if master.IsMaster() && master.IsActive() {
			if existing.IsVerified() {
				return master.Key, DecisionSticky, nil
			}
			return master.Key, DecisionKept, nil
		}

		e.logger.WithContext(ctx).WithFields(map[string]any{
			"record_key": rec.Key,
			"master_key": existing.TargetKey,
		}).Warn("Record linked to a missing or inactive master, anchoring a new one")
		if err := detach(ctx, v, existing, createdBy); err != nil {
			return "", "", err
		}
	}

	master := h.NewMaster(rec)
	v.Bundle.InsertRecord(master)
	if err := establishMaster(ctx, v, rec.Key, master.Key, models.LinkAutomatic, createdBy); err != nil {
		return "", "", err
	}
	return master.Key, DecisionNewMaster, nil
}

// propose records every matched master other than the authoritative one as a candidate.
// Masters the record already proposes keep their edge untouched.
func (e *Engine) propose(ctx context.Context, v *store.View, rec *models.Record, found buckets, authoritative string, ignored map[string]*models.Relationship) error {
	current, err := v.Active(ctx, rec.Key, "", models.KindCandidate)
	if err != nil {
		return err
	}
	proposed := targets(current)

	all := append(append([]models.MasterMatch(nil), found.definite...), found.probable...)
	for _, m := range all {
		if m.MasterKey == authoritative {
			continue
		}
		if _, ok := ignored[m.MasterKey]; ok {
			continue
		}
		if _, ok := proposed[m.MasterKey]; ok {
			continue
		}
		rel := models.NewCandidateLink(rec.Key, m.MasterKey, m.Result.Score)
		rel.CreatedBy = m.Result.Provider
		v.Bundle.AddRelationship(rel)
		proposed[m.MasterKey] = rel
	}

	if stale, ok := proposed[authoritative]; ok && authoritative != "" && stale.IsActive() {
		v.Bundle.ObsoleteRelationship(stale)
	}
	return nil
}

// match runs the identity matcher and every configured provider, resolves each result to the
// master it belongs to and keeps the best result per master. Ignored masters never surface.
func (e *Engine) match(ctx context.Context, v *store.View, rec *models.Record, h EntityHandler, ignored map[string]*models.Relationship) (buckets, error) {
	providers := make([]matching.Provider, 0, len(e.providers)+1)
	if e.identity != nil {
		providers = append(providers, e.identity)
	}
	providers = append(providers, e.providers...)

	byMaster := map[string]models.MasterMatch{}
	for _, p := range providers {
		start := time.Now()
		results, err := p.Match(ctx, rec, h.MatchConfig, []string{rec.Key})
		metrics.RecordMatcher(p.Name(), time.Since(start).Seconds())
		if errors.Is(err, matching.ErrUnknownConfiguration) {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"provider":    p.Name(),
				"entity_type": rec.EntityType,
			}).Warn("Match configuration missing, provider skipped")
			continue
		}
		if err != nil {
			return buckets{}, err
		}

		for _, r := range results {
			if r.Classification == models.MatchNone {
				continue
			}
			masterKey, err := resolveMaster(ctx, v, r.Record)
			if err != nil {
				return buckets{}, err
			}
			if masterKey == "" || masterKey == rec.Key {
				continue
			}
			if _, ok := ignored[masterKey]; ok {
				continue
			}
			mm := models.MasterMatch{MasterKey: masterKey, Result: r}
			if cur, ok := byMaster[masterKey]; !ok || mm.Better(cur) {
				byMaster[masterKey] = mm
			}
		}
	}

	var out buckets
	for _, mm := range byMaster {
		switch mm.Result.Classification {
		case models.MatchDefinite:
			out.definite = append(out.definite, mm)
		case models.MatchProbable:
			out.probable = append(out.probable, mm)
		}
	}
	sortMatches(out.definite)
	sortMatches(out.probable)
	return out, nil
}

// resolveMaster maps a matched record to the active master it belongs to, or "" when it has
// none.
func resolveMaster(ctx context.Context, v *store.View, matched *models.Record) (string, error) {
	if matched == nil {
		return "", nil
	}
	key := matched.Key
	if !matched.IsMaster() {
		link, err := masterLink(ctx, v, matched.Key)
		if err != nil || link == nil {
			return "", err
		}
		key = link.TargetKey
	}

	master, err := v.FindRecord(ctx, key)
	if err != nil || !master.IsMaster() || !master.IsActive() {
		return "", err
	}
	return master.Key, nil
}

func sortMatches(ms []models.MasterMatch) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Result.Score != ms[j].Result.Score {
			return ms[i].Result.Score > ms[j].Result.Score
		}
		return ms[i].MasterKey < ms[j].MasterKey
	})
}
