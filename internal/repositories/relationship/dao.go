package relationship

import (
	"database/sql"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const relationshipsTable = "relationships"

// RelationshipRow represents the database row for a relationship
type RelationshipRow struct {
	ID               string          `db:"id"`
	SourceKey        string          `db:"source_key"`
	TargetKey        string          `db:"target_key"`
	Kind             string          `db:"kind"`
	Classification   string          `db:"classification"`
	Strength         sql.NullFloat64 `db:"strength"`
	CreatedSequence  int64           `db:"created_sequence"`
	ObsoleteSequence sql.NullInt64   `db:"obsolete_sequence"`
	CreatedBy        sql.NullString  `db:"created_by"`
	CreatedAt        time.Time       `db:"created_at"`
}

var relationshipStruct = database.NewStruct(new(RelationshipRow))

func FromRelationship(rel *models.Relationship) *RelationshipRow {
	row := &RelationshipRow{
		ID:              rel.ID,
		SourceKey:       rel.SourceKey,
		TargetKey:       rel.TargetKey,
		Kind:            string(rel.Kind),
		Classification:  string(rel.Classification),
		Strength:        sql.NullFloat64{Float64: rel.Strength, Valid: rel.Strength != 0},
		CreatedSequence: rel.CreatedSequence,
		CreatedBy:       sql.NullString{String: rel.CreatedBy, Valid: rel.CreatedBy != ""},
		CreatedAt:       rel.CreatedAt,
	}
	if rel.ObsoleteSequence != nil {
		row.ObsoleteSequence = sql.NullInt64{Int64: *rel.ObsoleteSequence, Valid: true}
	}
	return row
}

func ToRelationship(row *RelationshipRow) *models.Relationship {
	rel := &models.Relationship{
		ID:              row.ID,
		SourceKey:       row.SourceKey,
		TargetKey:       row.TargetKey,
		Kind:            models.RelationshipKind(row.Kind),
		Classification:  models.LinkClassification(row.Classification),
		Strength:        row.Strength.Float64,
		CreatedSequence: row.CreatedSequence,
		CreatedBy:       row.CreatedBy.String,
		CreatedAt:       row.CreatedAt,
	}
	if row.ObsoleteSequence.Valid {
		seq := row.ObsoleteSequence.Int64
		rel.ObsoleteSequence = &seq
	}
	return rel
}

func ToRelationships(rows []RelationshipRow) []*models.Relationship {
	out := make([]*models.Relationship, len(rows))
	for i := range rows {
		out[i] = ToRelationship(&rows[i])
	}
	return out
}
