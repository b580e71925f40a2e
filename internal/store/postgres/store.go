// Package postgres is the PostgreSQL Store. A bundle commits in one transaction: the commit
// sequence is drawn first, every record write is version-checked under a row lock, and any
// failure rolls the whole bundle back.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/internal/repositories/identifierdomain"
	"github.com/Ramsey-B/fern/internal/repositories/record"
	"github.com/Ramsey-B/fern/internal/repositories/relationship"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type Store struct {
	db            database.DB
	records       *record.Repository
	relationships *relationship.Repository
	domains       *identifierdomain.Repository
	logger        ectologger.Logger
}

var _ store.Store = (*Store)(nil)

func New(db database.DB, logger ectologger.Logger) *Store {
	return &Store{
		db:            db,
		records:       record.NewRepository(db, logger),
		relationships: relationship.NewRepository(db, logger),
		domains:       identifierdomain.NewRepository(db, logger),
		logger:        logger,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) GetRecord(ctx context.Context, key string) (*models.Record, error) {
	return s.records.Get(ctx, key)
}

func (s *Store) GetRecords(ctx context.Context, keys []string) ([]*models.Record, error) {
	return s.records.GetMany(ctx, keys)
}

func (s *Store) FindByIdentifier(ctx context.Context, id models.Identifier) ([]*models.Record, error) {
	return s.records.FindByIdentifier(ctx, id)
}

func (s *Store) QueryRecords(ctx context.Context, filter models.RecordFilter) ([]*models.Record, error) {
	return s.records.Query(ctx, filter)
}

func (s *Store) ListKeys(ctx context.Context, entityType string, classification models.RecordClassification, after string, limit int) ([]string, error) {
	return s.records.ListKeys(ctx, entityType, classification, after, limit)
}

func (s *Store) QueryRelationships(ctx context.Context, q models.RelationshipQuery) ([]*models.Relationship, error) {
	return s.relationships.Query(ctx, q)
}

func (s *Store) ListDomains(ctx context.Context) ([]models.IdentifierDomain, error) {
	return s.domains.List(ctx)
}

func (s *Store) GetDomain(ctx context.Context, name string) (*models.IdentifierDomain, error) {
	return s.domains.Get(ctx, name)
}

func (s *Store) SaveDomain(ctx context.Context, domain *models.IdentifierDomain) (*models.IdentifierDomain, error) {
	return s.domains.Save(ctx, domain)
}

func (s *Store) DeleteDomain(ctx context.Context, name string) error {
	return s.domains.Delete(ctx, name)
}

// Commit applies bundle atomically and reports what it wrote.
func (s *Store) Commit(ctx context.Context, bundle *store.Bundle) (result *store.CommitResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "postgres.Store.Commit")
	defer span.End()

	ctx, tx, err := s.db.GetTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	var seq int64
	if err = sqlx.GetContext(ctx, tx, &seq, "SELECT nextval('commit_sequence')"); err != nil {
		return nil, fmt.Errorf("failed to draw commit sequence: %w", err)
	}

	now := time.Now().UTC()
	result = &store.CommitResult{Sequence: seq}

	for _, op := range bundle.RecordOps() {
		var rec *models.Record
		rec, err = s.writeRecord(ctx, op, now)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, store.RecordOp{Mode: op.Mode, Record: rec})
	}

	for _, op := range bundle.RelationshipOps() {
		var rel *models.Relationship
		switch op.Mode {
		case store.ModeInsert:
			rel, err = s.relationships.Insert(ctx, op.Relationship, seq)
		case store.ModeObsolete:
			rel, err = s.relationships.Obsolete(ctx, op.Relationship.ID, seq)
		default:
			err = fmt.Errorf("relationship %s: unsupported mode %s", op.Relationship.ID, op.Mode)
		}
		if err != nil {
			return nil, err
		}
		result.Relationships = append(result.Relationships, store.RelationshipOp{Mode: op.Mode, Relationship: rel})
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"sequence":      seq,
		"records":       len(result.Records),
		"relationships": len(result.Relationships),
	}).Debug("Committed bundle")
	return result, nil
}

func (s *Store) writeRecord(ctx context.Context, op store.RecordOp, now time.Time) (*models.Record, error) {
	rec := op.Record.Clone()
	rec.MasterKey = ""
	rec.UpdatedAt = now

	if op.Mode == store.ModeInsert {
		rec.Version = 1
		rec.CreatedAt = now
		if err := s.records.Insert(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	existing, err := s.records.Lock(ctx, rec.Key)
	if err != nil {
		return nil, err
	}
	if op.Record.Version != 0 && op.Record.Version != existing.Version {
		return nil, fmt.Errorf("record %s at version %d, bundle expected %d: %w", rec.Key, existing.Version, op.Record.Version, store.ErrConflict)
	}
	rec.Version = existing.Version + 1
	rec.CreatedAt = existing.CreatedAt
	if err := s.records.Update(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}
