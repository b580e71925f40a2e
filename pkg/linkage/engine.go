// Package linkage is the record linkage engine: it intercepts writes of governed records,
// runs matching and rewrites the relationship graph, and implements the operator-driven
// merge, unmerge and ignore operations.
package linkage

import (
	"context"
	"sort"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/synthesis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Committer commits bundles built outside a single-record write and runs post-commit hooks.
// *pipeline.Pipeline implements it.
type Committer interface {
	Commit(ctx context.Context, principal *models.Principal, bundle *store.Bundle) (*store.CommitResult, error)
}

type Engine struct {
	store     store.Store
	identity  *matching.IdentityMatcher
	domains   *matching.DomainCache
	providers []matching.Provider
	checker   permissions.Checker
	builder   *synthesis.Builder
	committer Committer
	handlers  map[string]EntityHandler
	autoMerge bool
	ids       *IdentifierGenerator
	listeners []Listener
	logger    ectologger.Logger
}

// Dependencies are the collaborators the engine consumes.
type Dependencies struct {
	Store     store.Store
	Identity  *matching.IdentityMatcher
	Domains   *matching.DomainCache
	Providers []matching.Provider
	Checker   permissions.Checker
	Builder   *synthesis.Builder
	Committer Committer
}

func New(deps Dependencies, cfg Config, logger ectologger.Logger) *Engine {
	if deps.Checker == nil {
		deps.Checker = permissions.NewPrincipalChecker()
	}
	if len(cfg.Entities) == 0 {
		cfg.Entities = DefaultEntities()
	}
	ids := NewIdentifierGenerator(cfg.MasterIdentifierDomain)

	if len(deps.Providers) == 0 {
		logger.Warn("No matching provider configured, linkage falls back to identifier matching only")
	}

	return &Engine{
		store:     deps.Store,
		identity:  deps.Identity,
		domains:   deps.Domains,
		providers: deps.Providers,
		checker:   deps.Checker,
		builder:   deps.Builder,
		committer: deps.Committer,
		handlers:  handlers(cfg, ids),
		autoMerge: cfg.AutoMerge,
		ids:       ids,
		logger:    logger,
	}
}

// AddListener registers a merge/unmerge listener. Listeners run in registration order.
func (e *Engine) AddListener(l Listener) {
	e.listeners = append(e.listeners, l)
}

// Governs reports whether the engine links records of entityType.
func (e *Engine) Governs(entityType string) bool {
	_, ok := e.handler(entityType)
	return ok
}

// GovernedTypes lists the governed entity types, sorted.
func (e *Engine) GovernedTypes() []string {
	out := make([]string, 0, len(e.handlers))
	for _, h := range e.handlers {
		out = append(out, h.EntityType)
	}
	sort.Strings(out)
	return out
}

// MasterIdentifierDomain is the domain generated master identifiers are issued in.
func (e *Engine) MasterIdentifierDomain() string {
	return e.ids.Domain
}

// uniqueDomain reports whether domain is flagged globally unique.
func (e *Engine) uniqueDomain(domain string) bool {
	return e.domains != nil && e.domains.IsUnique(domain)
}

func (e *Engine) handler(entityType string) (EntityHandler, bool) {
	h, ok := e.handlers[strings.ToUpper(entityType)]
	return h, ok
}

// Intercept is the pipeline entry point. It adds every linkage consequence of w to w.Bundle,
// and may redirect w to a different record. Ungoverned types pass through untouched.
func (e *Engine) Intercept(ctx context.Context, w *pipeline.Write) (pipeline.Outcome, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.Intercept")
	defer span.End()

	h, ok := e.handler(w.Record.EntityType)
	if !ok {
		return pipeline.Proceed(), nil
	}
	v := store.NewView(e.store, w.Bundle)
	key := w.Record.Key

	// clients never create masters: an insert stays local, an update keeps the stored classification
	if w.Record.IsMaster() && !w.Existing.IsMaster() && !w.Principal.System {
		cls := models.ClassificationLocal
		if w.Existing != nil {
			cls = w.Existing.Classification
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"record_key":     key,
			"principal":      w.Principal.Name(),
			"op":             w.Op,
			"classification": cls,
		}).Warn("Client write of a master record kept out of the master classification")
		w.Record.Classification = cls
	}

	var err error
	switch {
	case w.Existing.IsMaster() && !w.Principal.System:
		err = e.redirectMasterWrite(ctx, v, w, h)
	case w.Record.IsRecordOfTruth() || w.Existing.IsRecordOfTruth():
		err = e.writeRecordOfTruth(ctx, v, w, h)
	case w.Record.IsMaster() || w.Existing.IsMaster():
		// system maintenance of a master anchor carries no linkage consequence
	case w.Op == pipeline.OpObsolete:
		err = e.obsoleteLocal(ctx, v, w.Record, w.Principal)
	default:
		_, err = e.relink(ctx, v, w.Record, h, w.Principal)
	}
	if err != nil {
		return pipeline.Outcome{}, wrap(string(w.Op), key, err)
	}
	return pipeline.Proceed(), nil
}

// redirectMasterWrite turns a client write of a master into a write of the caller's own local
// under that master. The master itself is never mutated by a client.
func (e *Engine) redirectMasterWrite(ctx context.Context, v *store.View, w *pipeline.Write, h EntityHandler) error {
	master := w.Existing
	owned, err := ownedSource(ctx, v, master.Key, w.Principal)
	if err != nil {
		return err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"master_key": master.Key,
		"principal":  w.Principal.Name(),
		"op":         w.Op,
	})

	if w.Op == pipeline.OpObsolete {
		if owned == nil {
			return conflictf("%s owns no source of master %s", w.Principal.Name(), master.Key)
		}
		log.WithField("local_key", owned.Key).Info("Redirected master obsolete to owned local")
		w.Record, w.Existing = owned.Clone(), owned
		return e.obsoleteLocal(ctx, v, w.Record, w.Principal)
	}

	incoming := w.Record
	if owned != nil {
		local := owned.Clone()
		if local.Attributes == nil {
			local.Attributes = map[string]any{}
		}
		for k, val := range incoming.Attributes {
			local.Attributes[k] = val
		}
		local.Identifiers = e.unionIdentifiers(local.Identifiers, incoming.Identifiers)
		local.MasterKey = ""
		w.Record, w.Existing = local, owned
		log.WithField("local_key", local.Key).Info("Redirected master update to owned local")
		_, err := e.relink(ctx, v, local, h, w.Principal)
		return err
	}

	local := &models.Record{
		Key:            uuid.NewString(),
		EntityType:     master.EntityType,
		Classification: models.ClassificationLocal,
		Status:         models.StatusActive,
		Determiner:     master.Determiner,
		Identifiers:    e.unionIdentifiers(nil, incoming.Identifiers),
		Attributes:     incoming.Attributes,
		Provenance:     w.Principal.Provenance(),
	}
	if incoming.Determiner != "" {
		local.Determiner = incoming.Determiner
	}
	if local.Attributes == nil {
		local.Attributes = map[string]any{}
	}
	w.Op, w.Record, w.Existing = pipeline.OpInsert, local, nil

	link := models.NewMasterLink(local.Key, master.Key, models.LinkVerified)
	link.CreatedBy = w.Principal.Name()
	w.Bundle.AddRelationship(link)
	log.WithField("local_key", local.Key).Info("Created owned local for client master write")

	_, err = e.relink(ctx, v, local, h, w.Principal)
	return err
}

// unionIdentifiers appends the identifiers of add missing from base. Master identifiers are
// engine-issued and never copied onto a local.
func (e *Engine) unionIdentifiers(base, add []models.Identifier) []models.Identifier {
	out := append([]models.Identifier(nil), base...)
	for _, id := range add {
		if strings.EqualFold(id.Domain, e.ids.Domain) {
			continue
		}
		if len(ectolinq.Filter(out, id.Equal)) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// obsoleteLocal retires the live links of an obsoleted local and obsoletes its master when
// nothing else feeds it. Audit edges stay.
func (e *Engine) obsoleteLocal(ctx context.Context, v *store.View, rec *models.Record, principal *models.Principal) error {
	links, err := v.Active(ctx, rec.Key, "", models.KindMaster, models.KindCandidate)
	if err != nil {
		return err
	}
	var masters []string
	for _, l := range links {
		v.Bundle.ObsoleteRelationship(l)
		if l.Kind == models.KindMaster {
			masters = append(masters, l.TargetKey)
		}
	}
	for _, m := range masters {
		orphaned, err := obsoleteIfOrphaned(ctx, v, m, "", principal.Name())
		if err != nil {
			return err
		}
		if orphaned {
			e.logger.WithContext(ctx).WithFields(map[string]any{
				"record_key": rec.Key,
				"master_key": m,
			}).Info("Obsoleted master orphaned by source obsolete")
		}
	}
	return nil
}
