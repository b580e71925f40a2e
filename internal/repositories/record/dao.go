package record

import (
	"database/sql"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	recordsTable     = "records"
	identifiersTable = "record_identifiers"
)

// RecordRow represents the database row for a record
type RecordRow struct {
	Key            string                               `db:"key"`
	EntityType     string                               `db:"entity_type"`
	Classification string                               `db:"classification"`
	Status         string                               `db:"status"`
	Determiner     sql.NullString                       `db:"determiner"`
	Identifiers    database.JSONB[[]models.Identifier] `db:"identifiers"`
	Attributes     database.JSONB[map[string]any]       `db:"attributes"`
	Policies       database.JSONB[[]string]             `db:"policies"`
	Provenance     database.JSONB[models.Provenance]    `db:"provenance"`
	Version        int64                                `db:"version"`
	CreatedAt      time.Time                            `db:"created_at"`
	UpdatedAt      time.Time                            `db:"updated_at"`
}

// IdentifierRow indexes one identifier of a record. Domains are stored upper-cased so lookups
// match the case-insensitive domain comparison of models.Identifier.
type IdentifierRow struct {
	RecordKey string `db:"record_key"`
	Domain    string `db:"domain"`
	Value     string `db:"value"`
}

var (
	recordStruct     = database.NewStruct(new(RecordRow))
	identifierStruct = database.NewStruct(new(IdentifierRow))
)

func FromRecord(r *models.Record) *RecordRow {
	return &RecordRow{
		Key:            r.Key,
		EntityType:     r.EntityType,
		Classification: string(r.Classification),
		Status:         string(r.Status),
		Determiner:     sql.NullString{String: string(r.Determiner), Valid: r.Determiner != ""},
		Identifiers:    database.NewJSONB(r.Identifiers),
		Attributes:     database.NewJSONB(r.Attributes),
		Policies:       database.NewJSONB(r.Policies),
		Provenance:     database.NewJSONB(r.Provenance),
		Version:        r.Version,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func ToRecord(row *RecordRow) *models.Record {
	return &models.Record{
		Key:            row.Key,
		EntityType:     row.EntityType,
		Classification: models.RecordClassification(row.Classification),
		Status:         models.RecordStatus(row.Status),
		Determiner:     models.Determiner(row.Determiner.String),
		Identifiers:    row.Identifiers.Data,
		Attributes:     row.Attributes.Data,
		Policies:       row.Policies.Data,
		Provenance:     row.Provenance.Data,
		Version:        row.Version,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func ToRecords(rows []RecordRow) []*models.Record {
	out := make([]*models.Record, len(rows))
	for i := range rows {
		out[i] = ToRecord(&rows[i])
	}
	return out
}

func identifierRows(r *models.Record) []any {
	seen := map[IdentifierRow]bool{}
	var rows []any
	for _, id := range r.Identifiers {
		row := IdentifierRow{RecordKey: r.Key, Domain: strings.ToUpper(id.Domain), Value: id.Value}
		if seen[row] {
			continue
		}
		seen[row] = true
		rows = append(rows, &row)
	}
	return rows
}
