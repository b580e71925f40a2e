package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository persists records and their identifier index. Writes join the transaction carried
// by ctx, if any.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) Get(ctx context.Context, key string) (*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Get")
	defer span.End()

	sb := recordStruct.SelectFrom(recordsTable)
	sb.Where(sb.Equal("key", key))
	query, args := sb.Build()

	var row RecordRow
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", key, store.ErrNotFound)
		}
		r.logger.WithContext(ctx).WithError(err).WithField("record_key", key).Error("Failed to get record")
		return nil, err
	}
	return ToRecord(&row), nil
}

// GetMany returns the records among keys that exist, in key order.
func (r *Repository) GetMany(ctx context.Context, keys []string) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.GetMany")
	defer span.End()

	if len(keys) == 0 {
		return []*models.Record{}, nil
	}
	sb := recordStruct.SelectFrom(recordsTable)
	sb.Where(sb.In("key", database.AnyOf(keys)...))
	sb.OrderBy("key")
	return r.selectRecords(ctx, sb, "Failed to get records")
}

// FindByIdentifier returns the active records carrying id.
func (r *Repository) FindByIdentifier(ctx context.Context, id models.Identifier) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.FindByIdentifier")
	defer span.End()

	sb := recordStruct.SelectFrom(recordsTable)
	sb.Where(
		sb.Equal("status", string(models.StatusActive)),
		identifierPredicate(sb, id),
	)
	sb.OrderBy("key")
	return r.selectRecords(ctx, sb, "Failed to find records by identifier")
}

func (r *Repository) Query(ctx context.Context, filter models.RecordFilter) ([]*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Query")
	defer span.End()

	return r.selectRecords(ctx, BuildQuery(filter), "Failed to query records")
}

// BuildQuery renders filter as a select over records.
func BuildQuery(filter models.RecordFilter) *sqlbuilder.SelectBuilder {
	sb := recordStruct.SelectFrom(recordsTable)

	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []models.RecordStatus{models.StatusActive}
	}
	where := []string{sb.In("status", database.AnyOf(statuses)...)}
	if filter.EntityType != "" {
		where = append(where, sb.Equal("lower(entity_type)", strings.ToLower(filter.EntityType)))
	}
	if filter.Classification != "" {
		where = append(where, sb.Equal("classification", string(filter.Classification)))
	}
	if filter.Identifier != nil {
		where = append(where, identifierPredicate(sb, *filter.Identifier))
	}

	paths := make([]string, 0, len(filter.Attributes))
	for path := range filter.Attributes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		where = append(where, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM jsonb_path_query(%s.attributes, %s::jsonpath) AS v WHERE lower(v #>> '{}') = lower(%s))",
			recordsTable, sb.Var(JSONPath(path)), sb.Var(filter.Attributes[path]),
		))
	}

	sb.Where(where...)
	sb.OrderBy("key")
	if filter.Limit > 0 {
		sb.Limit(filter.Limit)
	}
	return sb
}

// JSONPath renders a dotted attribute path as a lax SQL/JSON path, so lists along the way are
// searched element by element.
func JSONPath(path string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, part := range strings.Split(path, ".") {
		part = strings.ReplaceAll(part, `\`, `\\`)
		part = strings.ReplaceAll(part, `"`, `\"`)
		b.WriteString(`."`)
		b.WriteString(part)
		b.WriteString(`"`)
	}
	return b.String()
}

func identifierPredicate(sb *sqlbuilder.SelectBuilder, id models.Identifier) string {
	sub := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sub.Select("1").From(identifiersTable)
	sub.Where(
		fmt.Sprintf("%s.record_key = %s.key", identifiersTable, recordsTable),
		sub.Equal("domain", strings.ToUpper(id.Domain)),
		sub.Equal("value", id.Value),
	)
	return sb.Exists(sub)
}

// ListKeys pages active record keys in key order.
func (r *Repository) ListKeys(ctx context.Context, entityType string, classification models.RecordClassification, after string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.ListKeys")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("key").From(recordsTable)
	where := []string{sb.Equal("status", string(models.StatusActive)), sb.GreaterThan("key", after)}
	if entityType != "" {
		where = append(where, sb.Equal("lower(entity_type)", strings.ToLower(entityType)))
	}
	if classification != "" {
		where = append(where, sb.Equal("classification", string(classification)))
	}
	sb.Where(where...)
	sb.OrderBy("key")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	keys := []string{}
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &keys, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type":    entityType,
			"classification": classification,
		}).Error("Failed to list record keys")
		return nil, err
	}
	return keys, nil
}

// Insert writes a new record. An existing key is a conflict.
func (r *Repository) Insert(ctx context.Context, rec *models.Record) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Insert")
	defer span.End()

	ib := recordStruct.InsertInto(recordsTable, FromRecord(rec))
	database.OnConflictDoNothing(ib)
	query, args := ib.Build()

	res, err := database.Executor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("record_key", rec.Key).Error("Failed to insert record")
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record %s already exists: %w", rec.Key, store.ErrConflict)
	}
	return r.replaceIdentifiers(ctx, rec)
}

// Lock reads the stored version of key for update.
func (r *Repository) Lock(ctx context.Context, key string) (*models.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Lock")
	defer span.End()

	sb := recordStruct.SelectFrom(recordsTable)
	sb.Where(sb.Equal("key", key))
	sb.ForUpdate()
	query, args := sb.Build()

	var row RecordRow
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", key, store.ErrNotFound)
		}
		return nil, err
	}
	return ToRecord(&row), nil
}

// Update overwrites a locked record. rec carries the version and timestamps to store.
func (r *Repository) Update(ctx context.Context, rec *models.Record) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Update")
	defer span.End()

	ub := recordStruct.Update(recordsTable, FromRecord(rec))
	ub.Where(ub.Equal("key", rec.Key))
	query, args := ub.Build()

	if _, err := database.Executor(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("record_key", rec.Key).Error("Failed to update record")
		return err
	}
	return r.replaceIdentifiers(ctx, rec)
}

func (r *Repository) replaceIdentifiers(ctx context.Context, rec *models.Record) error {
	ex := database.Executor(ctx, r.db)

	del := identifierStruct.DeleteFrom(identifiersTable)
	del.Where(del.Equal("record_key", rec.Key))
	query, args := del.Build()
	if _, err := ex.ExecContext(ctx, query, args...); err != nil {
		return err
	}

	rows := identifierRows(rec)
	if len(rows) == 0 {
		return nil
	}
	query, args = identifierStruct.InsertInto(identifiersTable, rows...).Build()
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func (r *Repository) selectRecords(ctx context.Context, sb *sqlbuilder.SelectBuilder, message string) ([]*models.Record, error) {
	query, args := sb.Build()
	var rows []RecordRow
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error(message)
		return nil, err
	}
	return ToRecords(rows), nil
}
