// Package pipeline runs single-record writes through ordered interceptors, commits the
// resulting bundle once and then notifies post-commit hooks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Op string

const (
	OpInsert   Op = "insert"
	OpUpdate   Op = "update"
	OpObsolete Op = "obsolete"
)

// ErrInvalidWrite is returned for writes that can never succeed as submitted.
var ErrInvalidWrite = errors.New("invalid write")

func (o Op) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpObsolete
}

// Write is one record write travelling through the pipeline. Interceptors may replace Record
// and Op (redirecting a master write to a local, for example) and add consequences to Bundle.
// Existing is the stored version for updates and obsoletes.
type Write struct {
	Op        Op
	Record    *models.Record
	Existing  *models.Record
	Principal *models.Principal
	Bundle    *store.Bundle
}

// Outcome is an interceptor's verdict.
type Outcome struct {
	canceled bool
	reason   string
}

func Proceed() Outcome {
	return Outcome{}
}

func Cancel(reason string) Outcome {
	return Outcome{canceled: true, reason: reason}
}

func (o Outcome) Canceled() bool {
	return o.canceled
}

func (o Outcome) Reason() string {
	return o.reason
}

type Interceptor interface {
	Intercept(ctx context.Context, w *Write) (Outcome, error)
}

type InterceptorFunc func(ctx context.Context, w *Write) (Outcome, error)

func (f InterceptorFunc) Intercept(ctx context.Context, w *Write) (Outcome, error) {
	return f(ctx, w)
}

// Committed is what post-commit hooks observe. Write is nil for bundles committed outside a
// single-record write (merges, repairs).
type Committed struct {
	Principal *models.Principal
	Write     *Write
	Result    *store.CommitResult
}

// PostCommitHook runs after a bundle is durable. Hook errors are logged, never returned to the
// writer.
type PostCommitHook interface {
	Name() string
	AfterCommit(ctx context.Context, c *Committed) error
}

// Result is the outcome of Apply.
type Result struct {
	Record   *models.Record
	Canceled bool
	Reason   string
	Commit   *store.CommitResult
}

type Pipeline struct {
	store        store.Store
	interceptors []Interceptor
	hooks        []PostCommitHook
	logger       ectologger.Logger
}

func New(s store.Store, logger ectologger.Logger) *Pipeline {
	return &Pipeline{
		store:  s,
		logger: logger,
	}
}

// Use appends an interceptor. Interceptors run in registration order.
func (p *Pipeline) Use(i Interceptor) {
	p.interceptors = append(p.interceptors, i)
}

// AddHook appends a post-commit hook. Hooks run in registration order.
func (p *Pipeline) AddHook(h PostCommitHook) {
	p.hooks = append(p.hooks, h)
}

func (p *Pipeline) Store() store.Store {
	return p.store
}

// Apply prepares w, runs the interceptors, appends the write itself and commits.
func (p *Pipeline) Apply(ctx context.Context, w *Write) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Apply")
	defer span.End()

	if err := p.prepare(ctx, w); err != nil {
		return nil, err
	}

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"op":          w.Op,
		"record_key":  w.Record.Key,
		"entity_type": w.Record.EntityType,
	})

	for _, i := range p.interceptors {
		outcome, err := i.Intercept(ctx, w)
		if err != nil {
			return nil, err
		}
		if outcome.Canceled() {
			log.WithField("reason", outcome.Reason()).Info("Write canceled by interceptor")
			return &Result{Record: w.Record, Canceled: true, Reason: outcome.Reason()}, nil
		}
	}

	switch w.Op {
	case OpInsert:
		w.Bundle.InsertRecord(w.Record)
	case OpUpdate:
		w.Bundle.UpdateRecord(w.Record)
	case OpObsolete:
		w.Bundle.ObsoleteRecord(w.Record)
	}

	result, err := p.commit(ctx, w.Principal, w.Bundle, w)
	if err != nil {
		return nil, err
	}

	stored := w.Record
	for _, op := range result.Records {
		if op.Record.Key == w.Record.Key {
			stored = op.Record
		}
	}
	log.WithField("sequence", result.Sequence).Debug("Write committed")
	return &Result{Record: stored, Commit: result}, nil
}

// Commit commits a bundle built outside Apply and runs the post-commit hooks.
func (p *Pipeline) Commit(ctx context.Context, principal *models.Principal, bundle *store.Bundle) (*store.CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Pipeline.Commit")
	defer span.End()

	return p.commit(ctx, principal, bundle, nil)
}

func (p *Pipeline) commit(ctx context.Context, principal *models.Principal, bundle *store.Bundle, w *Write) (*store.CommitResult, error) {
	if bundle.Empty() {
		return &store.CommitResult{}, nil
	}

	start := time.Now()
	result, err := p.store.Commit(ctx, bundle)
	metrics.RecordCommit(bundle.Size(), err)
	if err != nil {
		p.logger.WithContext(ctx).WithError(err).WithField("bundle_size", bundle.Size()).Error("Failed to commit bundle")
		return nil, err
	}
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"sequence":    result.Sequence,
		"bundle_size": bundle.Size(),
		"duration":    time.Since(start),
	}).Debug("Bundle committed")

	p.afterCommit(ctx, &Committed{Principal: principal, Write: w, Result: result})
	return result, nil
}

func (p *Pipeline) afterCommit(ctx context.Context, c *Committed) {
	for _, h := range p.hooks {
		if err := h.AfterCommit(ctx, c); err != nil {
			p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"hook":     h.Name(),
				"sequence": c.Result.Sequence,
			}).Error("Post-commit hook failed")
		}
	}
}

// prepare validates w and fills defaults: a fresh bundle, a generated key and provenance for
// inserts, and the stored version for updates and obsoletes.
func (p *Pipeline) prepare(ctx context.Context, w *Write) error {
	if !w.Op.Valid() {
		return fmt.Errorf("%w: unknown op %q", ErrInvalidWrite, w.Op)
	}
	if w.Record == nil {
		return fmt.Errorf("%w: no record", ErrInvalidWrite)
	}
	if w.Principal == nil {
		return fmt.Errorf("%w: no principal", ErrInvalidWrite)
	}
	if w.Bundle == nil {
		w.Bundle = store.NewBundle()
	}

	rec := w.Record
	switch w.Op {
	case OpInsert:
		if rec.Key == "" {
			rec.Key = uuid.NewString()
		} else if _, err := p.store.GetRecord(ctx, rec.Key); err == nil {
			return fmt.Errorf("record %s: %w", rec.Key, store.ErrConflict)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if rec.Classification == "" {
			rec.Classification = models.ClassificationLocal
		}
		if rec.Status == "" {
			rec.Status = models.StatusActive
		}
		if rec.Provenance == (models.Provenance{}) {
			rec.Provenance = w.Principal.Provenance()
		}
	default:
		existing, err := p.store.GetRecord(ctx, rec.Key)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.Key, err)
		}
		w.Existing = existing
		if w.Op == OpObsolete {
			w.Record = existing.Clone()
			return nil
		}
		if rec.EntityType == "" {
			rec.EntityType = existing.EntityType
		} else if !strings.EqualFold(rec.EntityType, existing.EntityType) {
			return fmt.Errorf("%w: record %s is a %s, entity type cannot change to %s", ErrInvalidWrite, rec.Key, existing.EntityType, rec.EntityType)
		}
		if rec.Classification == "" {
			rec.Classification = existing.Classification
		}
		if rec.Status == "" {
			rec.Status = existing.Status
		}
		if rec.Provenance == (models.Provenance{}) {
			rec.Provenance = existing.Provenance
		}
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = existing.CreatedAt
		}
	}

	if rec.Determiner == "" {
		rec.Determiner = models.DeterminerInstance
	}
	if !rec.Classification.Valid() {
		return fmt.Errorf("%w: record %s has unknown classification %q", ErrInvalidWrite, rec.Key, rec.Classification)
	}
	if rec.EntityType == "" {
		return fmt.Errorf("%w: record %s has no entity type", ErrInvalidWrite, rec.Key)
	}
	return nil
}
