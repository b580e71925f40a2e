// Package query answers record reads for clients. Governed entity types are answered with
// synthesized master views; locals are only exposed to callers holding read-locals.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/synthesis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Governance tells the rewriter which entity types are linked into masters.
type Governance interface {
	Governs(entityType string) bool
}

// Query is a record search. Locals asks for the raw LOCAL records instead of master views.
type Query struct {
	Filter models.RecordFilter
	Locals bool
}

// Item is one read result: a master view for governed masters, the raw record otherwise.
type Item struct {
	View   *models.MasterView `json:"view,omitempty"`
	Record *models.Record     `json:"record,omitempty"`
}

type Rewriter struct {
	store    store.Store
	builder  *synthesis.Builder
	checker  permissions.Checker
	governed Governance
	logger   ectologger.Logger
}

func NewRewriter(s store.Store, builder *synthesis.Builder, checker permissions.Checker, governed Governance, logger ectologger.Logger) *Rewriter {
	if checker == nil {
		checker = permissions.NewPrincipalChecker()
	}
	return &Rewriter{
		store:    s,
		builder:  builder,
		checker:  checker,
		governed: governed,
		logger:   logger,
	}
}

// Get reads one record by key. Masters come back synthesized, governed locals demand
// read-locals. A record the principal's policies hide is reported as not found.
func (r *Rewriter) Get(ctx context.Context, principal *models.Principal, key string) (*Item, error) {
	ctx, span := tracing.StartSpan(ctx, "query.Rewriter.Get")
	defer span.End()

	rec, err := r.store.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	if !r.governed.Governs(rec.EntityType) {
		if !permissions.CanSee(principal, rec.Policies) {
			return nil, fmt.Errorf("record %s: %w", key, store.ErrNotFound)
		}
		return &Item{Record: rec}, nil
	}

	if rec.IsMaster() {
		view, err := r.builder.Build(ctx, principal, key)
		if err != nil {
			return nil, err
		}
		return &Item{View: view}, nil
	}

	if err := r.checker.Demand(ctx, principal, permissions.ReadLocals); err != nil {
		return nil, err
	}
	if !permissions.CanSee(principal, rec.Policies) {
		return nil, fmt.Errorf("record %s: %w", key, store.ErrNotFound)
	}
	return &Item{Record: rec}, nil
}

// Search runs q. For governed types the result is the set of masters of the matching visible
// sources, together with masters whose own identifiers match the filter's identifier, ordered
// by key. Locals returns the raw LOCAL records instead, but only to callers holding read-locals;
// everyone else gets the master views. A search without an entity type answers every type,
// each the way a typed search would.
func (r *Rewriter) Search(ctx context.Context, principal *models.Principal, q Query) ([]*Item, error) {
	ctx, span := tracing.StartSpan(ctx, "query.Rewriter.Search")
	defer span.End()

	locals, err := r.wantsLocals(ctx, principal, q.Locals)
	if err != nil {
		return nil, err
	}

	switch {
	case q.Filter.EntityType == "":
		return r.untyped(ctx, principal, q.Filter, locals)
	case !r.governed.Governs(q.Filter.EntityType):
		return r.records(ctx, principal, q.Filter, false)
	case locals:
		return r.records(ctx, principal, q.Filter, true)
	default:
		return r.masters(ctx, principal, q.Filter)
	}
}

// wantsLocals reports whether a search asking for locals may have them.
func (r *Rewriter) wantsLocals(ctx context.Context, principal *models.Principal, asked bool) (bool, error) {
	if !asked {
		return false, nil
	}
	err := r.checker.Demand(ctx, principal, permissions.ReadLocals)
	if err == nil {
		return true, nil
	}
	if !permissions.IsPolicyViolation(err) {
		return false, err
	}
	r.logger.WithContext(ctx).WithField("principal", principal.Name()).Debug("Locals requested without read-locals, answering with masters")
	return false, nil
}

// untyped answers a search across entity types. Ungoverned records come back raw, governed
// ones as master views or, for locals, as raw locals.
func (r *Rewriter) untyped(ctx context.Context, principal *models.Principal, filter models.RecordFilter, locals bool) ([]*Item, error) {
	limit := filter.Limit
	filter.Limit = 0

	found, err := r.store.QueryRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(found))
	for _, rec := range found {
		if !permissions.CanSee(principal, rec.Policies) {
			continue
		}
		governed := r.governed.Governs(rec.EntityType)
		if !governed || (locals && !rec.IsMaster()) {
			out = append(out, &Item{Record: rec})
		}
	}

	if !locals {
		views, err := r.masters(ctx, principal, filter)
		if err != nil {
			return nil, err
		}
		out = append(out, views...)
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Rewriter) records(ctx context.Context, principal *models.Principal, filter models.RecordFilter, localsOnly bool) ([]*Item, error) {
	found, err := r.store.QueryRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Item, 0, len(found))
	for _, rec := range found {
		if localsOnly && rec.IsMaster() {
			continue
		}
		if !permissions.CanSee(principal, rec.Policies) {
			continue
		}
		out = append(out, &Item{Record: rec})
	}
	return out, nil
}

func (r *Rewriter) masters(ctx context.Context, principal *models.Principal, filter models.RecordFilter) ([]*Item, error) {
	limit := filter.Limit
	filter.Limit = 0

	keys := map[string]bool{}

	sources := filter
	if sources.Classification == models.ClassificationMaster {
		sources.Classification = ""
	}
	found, err := r.store.QueryRecords(ctx, sources)
	if err != nil {
		return nil, err
	}
	var sourceKeys []string
	for _, rec := range found {
		if rec.IsMaster() || !r.governed.Governs(rec.EntityType) {
			continue
		}
		if !permissions.CanSee(principal, rec.Policies) {
			continue
		}
		sourceKeys = append(sourceKeys, rec.Key)
	}
	if len(sourceKeys) > 0 {
		links, err := r.store.QueryRelationships(ctx, models.RelationshipQuery{
			SourceKeys: sourceKeys,
			Kinds:      []models.RelationshipKind{models.KindMaster},
			ActiveOnly: true,
		})
		if err != nil {
			return nil, err
		}
		for _, l := range links {
			keys[l.TargetKey] = true
		}
	}

	if filter.HasIdentifierPart() {
		owned, err := r.store.QueryRecords(ctx, models.RecordFilter{
			EntityType:     filter.EntityType,
			Classification: models.ClassificationMaster,
			Statuses:       filter.Statuses,
			Identifier:     filter.Identifier,
		})
		if err != nil {
			return nil, err
		}
		for _, m := range owned {
			if r.governed.Governs(m.EntityType) {
				keys[m.Key] = true
			}
		}
	}

	ordered := make([]string, 0, len(keys))
	for k := range keys {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}

	out := make([]*Item, 0, len(ordered))
	for _, k := range ordered {
		view, err := r.builder.Build(ctx, principal, k)
		if err != nil {
			return nil, err
		}
		out = append(out, &Item{View: view})
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": filter.EntityType,
		"sources":     len(sourceKeys),
		"masters":     len(out),
	}).Debug("Rewrote record search to masters")
	return out, nil
}
