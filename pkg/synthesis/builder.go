// Package synthesis builds the read-only composite view of a master from its record of
// truth and linked locals.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var ErrNotMaster = errors.New("record is not a master")

type Builder struct {
	store  store.Store
	rules  *Rules
	logger ectologger.Logger
}

func NewBuilder(s store.Store, rules *Rules, logger ectologger.Logger) *Builder {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Builder{
		store:  s,
		rules:  rules,
		logger: logger,
	}
}

// Build synthesizes the view of masterKey as principal may see it. Sources carrying a policy
// the principal lacks are left out without error.
func (b *Builder) Build(ctx context.Context, principal *models.Principal, masterKey string) (*models.MasterView, error) {
	ctx, span := tracing.StartSpan(ctx, "synthesis.Builder.Build")
	defer span.End()

	master, err := b.store.GetRecord(ctx, masterKey)
	if err != nil {
		return nil, err
	}
	if !master.IsMaster() {
		return nil, fmt.Errorf("%s: %w", masterKey, ErrNotMaster)
	}

	rot, err := b.recordOfTruth(ctx, masterKey)
	if err != nil {
		return nil, err
	}

	links, err := b.store.QueryRelationships(ctx, models.RelationshipQuery{
		TargetKeys: []string{masterKey},
		Kinds:      []models.RelationshipKind{models.KindMaster},
		ActiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(links))
	for _, l := range links {
		keys = append(keys, l.SourceKey)
	}
	sources, err := b.store.GetRecords(ctx, keys)
	if err != nil {
		return nil, err
	}

	view := &models.MasterView{
		Key:         master.Key,
		EntityType:  master.EntityType,
		Status:      master.Status,
		Determiner:  master.Determiner,
		Identifiers: append([]models.Identifier(nil), master.Identifiers...),
		Attributes:  map[string]any{},
		Sources:     []string{},
		UpdatedAt:   master.UpdatedAt,
	}

	omitted := 0
	var locals []*models.Record
	for _, src := range sources {
		if !src.IsActive() || (rot != nil && src.Key == rot.Key) {
			continue
		}
		if !permissions.CanSee(principal, src.Policies) {
			omitted++
			continue
		}
		locals = append(locals, src)
	}
	sort.Slice(locals, func(i, j int) bool { return locals[i].Key < locals[j].Key })

	for _, src := range locals {
		view.Sources = append(view.Sources, src.Key)
		view.Identifiers = appendIdentifiers(view.Identifiers, src.Identifiers)
		if src.UpdatedAt.After(view.UpdatedAt) {
			view.UpdatedAt = src.UpdatedAt
		}
	}
	view.Attributes = b.aggregate(master.EntityType, locals)

	if rot != nil {
		if permissions.CanSee(principal, rot.Policies) {
			view.RecordOfTruth = rot.Key
			view.Identifiers = appendIdentifiers(view.Identifiers, rot.Identifiers)
			for field, value := range rot.Attributes {
				view.Attributes[field] = value
			}
			if rot.UpdatedAt.After(view.UpdatedAt) {
				view.UpdatedAt = rot.UpdatedAt
			}
		} else {
			omitted++
		}
	}

	if omitted > 0 {
		b.logger.WithContext(ctx).WithFields(map[string]any{
			"master_key": masterKey,
			"omitted":    omitted,
			"principal":  principal.Name(),
		}).Debug("Omitted restricted sources from master view")
	}
	return view, nil
}

func (b *Builder) recordOfTruth(ctx context.Context, masterKey string) (*models.Record, error) {
	edges, err := b.store.QueryRelationships(ctx, models.RelationshipQuery{
		SourceKeys: []string{masterKey},
		Kinds:      []models.RelationshipKind{models.KindRecordOfTruth},
		ActiveOnly: true,
	})
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	rot, err := b.store.GetRecord(ctx, edges[0].TargetKey)
	if errors.Is(err, store.ErrNotFound) {
		b.logger.WithContext(ctx).WithField("master_key", masterKey).Warn("Record of truth edge points at a missing record")
		return nil, nil
	}
	if err != nil || !rot.IsActive() {
		return nil, err
	}
	return rot, nil
}

func (b *Builder) aggregate(entityType string, locals []*models.Record) map[string]any {
	byField := map[string][]contribution{}
	for _, src := range locals {
		for field, value := range src.Attributes {
			if value == nil {
				continue
			}
			byField[field] = append(byField[field], contribution{
				value:       value,
				updatedAt:   src.UpdatedAt,
				application: src.Provenance.ApplicationID,
				key:         src.Key,
			})
		}
	}

	out := make(map[string]any, len(byField))
	for field, values := range byField {
		out[field] = combine(b.rules.strategy(entityType, field, values), values, b.rules.priorities)
	}
	return out
}

func appendIdentifiers(into []models.Identifier, ids []models.Identifier) []models.Identifier {
	for _, id := range ids {
		if len(ectolinq.Filter(into, id.Equal)) == 0 {
			into = append(into, id)
		}
	}
	return into
}
