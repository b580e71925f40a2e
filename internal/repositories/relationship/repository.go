package relationship

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository persists linkage edges. Edges are never deleted; retiring one stamps the
// sequence of the commit that retired it.
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

func (r *Repository) Query(ctx context.Context, q models.RelationshipQuery) ([]*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Query")
	defer span.End()

	query, args := BuildQuery(q).Build()
	var rows []RelationshipRow
	if err := sqlx.SelectContext(ctx, database.Executor(ctx, r.db), &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to query relationships")
		return nil, err
	}
	return ToRelationships(rows), nil
}

// BuildQuery renders q as a select in commit order.
func BuildQuery(q models.RelationshipQuery) *sqlbuilder.SelectBuilder {
	sb := relationshipStruct.SelectFrom(relationshipsTable)
	var where []string
	if len(q.SourceKeys) > 0 {
		where = append(where, sb.In("source_key", database.AnyOf(q.SourceKeys)...))
	}
	if len(q.TargetKeys) > 0 {
		where = append(where, sb.In("target_key", database.AnyOf(q.TargetKeys)...))
	}
	if len(q.Kinds) > 0 {
		kinds := make([]string, len(q.Kinds))
		for i, k := range q.Kinds {
			kinds[i] = string(k)
		}
		where = append(where, sb.In("kind", database.AnyOf(kinds)...))
	}
	if q.ActiveOnly {
		where = append(where, sb.IsNull("obsolete_sequence"))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("created_sequence", "created_at", "id")
	return sb
}

// Insert activates rel at sequence.
func (r *Repository) Insert(ctx context.Context, rel *models.Relationship, sequence int64) (*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Insert")
	defer span.End()

	row := FromRelationship(rel)
	row.CreatedSequence = sequence
	row.ObsoleteSequence = sql.NullInt64{}

	ib := relationshipStruct.InsertInto(relationshipsTable, row)
	database.OnConflictDoNothing(ib)
	query, args := ib.Build()

	res, err := database.Executor(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("relationship_id", rel.ID).Error("Failed to insert relationship")
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("relationship %s already exists: %w", rel.ID, store.ErrConflict)
	}
	return ToRelationship(row), nil
}

// Obsolete retires the active edge id at sequence.
func (r *Repository) Obsolete(ctx context.Context, id string, sequence int64) (*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Obsolete")
	defer span.End()

	query := fmt.Sprintf(
		"UPDATE %s SET obsolete_sequence = $1 WHERE id = $2 AND obsolete_sequence IS NULL RETURNING %s",
		relationshipsTable, strings.Join(relationshipStruct.Columns(), ", "),
	)

	var row RelationshipRow
	err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &row, query, sequence, id)
	if err == nil {
		return ToRelationship(&row), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		r.logger.WithContext(ctx).WithError(err).WithField("relationship_id", id).Error("Failed to obsolete relationship")
		return nil, err
	}

	return nil, r.missing(ctx, id)
}

// missing explains why an obsolete matched no active edge.
func (r *Repository) missing(ctx context.Context, id string) error {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("count(*)").From(relationshipsTable)
	sb.Where(sb.Equal("id", id))
	query, args := sb.Build()

	var n int
	if err := sqlx.GetContext(ctx, database.Executor(ctx, r.db), &n, query, args...); err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("relationship %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("relationship %s already retired: %w", id, store.ErrConflict)
}
