package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestBuildQuery(t *testing.T) {
	id := models.Identifier{Domain: "mrn", Value: "A-1"}

	tests := []struct {
		name     string
		filter   models.RecordFilter
		contains []string
		absent   []string
		args     []any
	}{
		{
			name:     "active only by default",
			filter:   models.RecordFilter{},
			contains: []string{"FROM records", "status IN ($1)", "ORDER BY key"},
			absent:   []string{"LIMIT", "entity_type", "record_identifiers"},
			args:     []any{"ACTIVE"},
		},
		{
			name: "type, classification and statuses",
			filter: models.RecordFilter{
				EntityType:     "Patient",
				Classification: models.ClassificationMaster,
				Statuses:       []models.RecordStatus{models.StatusActive, models.StatusObsolete},
			},
			contains: []string{"status IN ($1, $2)", "lower(entity_type) = $3", "classification = $4"},
			args:     []any{"ACTIVE", "OBSOLETE", "patient", "MASTER"},
		},
		{
			name:     "identifier domain is upper-cased",
			filter:   models.RecordFilter{Identifier: &id},
			contains: []string{"EXISTS (SELECT 1 FROM record_identifiers WHERE record_identifiers.record_key = records.key"},
			args:     []any{"ACTIVE", "MRN", "A-1"},
		},
		{
			name: "attribute paths in stable order",
			filter: models.RecordFilter{
				Attributes: map[string]string{"name.family": "Smith", "dob": "1983-01-10"},
				Limit:      5,
			},
			contains: []string{"jsonb_path_query(records.attributes", "::jsonpath", "lower(v #>> '{}')", "LIMIT"},
			args:     []any{"ACTIVE", `$."dob"`, "1983-01-10", `$."name"."family"`, "Smith"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := BuildQuery(tt.filter).Build()
			for _, fragment := range tt.contains {
				assert.Contains(t, query, fragment)
			}
			for _, fragment := range tt.absent {
				assert.NotContains(t, query, fragment)
			}
			require.GreaterOrEqual(t, len(args), len(tt.args))
			assert.Equal(t, tt.args, args[:len(tt.args)])
		})
	}
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `$."dob"`, JSONPath("dob"))
	assert.Equal(t, `$."name"."family"`, JSONPath("name.family"))
	assert.Equal(t, `$."a\"b"."c\\d"`, JSONPath(`a"b.c\d`))
}

func TestRecordRow(t *testing.T) {
	now := time.Now().UTC()
	rec := &models.Record{
		Key:            "l1",
		EntityType:     "Patient",
		Classification: models.ClassificationLocal,
		Status:         models.StatusActive,
		Identifiers:    []models.Identifier{{Domain: "mrn", Value: "1"}, {Domain: "MRN", Value: "1"}, {Domain: "nhid", Value: "2"}},
		Attributes:     map[string]any{"dob": "1983-01-10"},
		Provenance:     models.Provenance{ApplicationID: "clinic"},
		MasterKey:      "m1",
		Version:        3,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	row := FromRecord(rec)
	assert.False(t, row.Determiner.Valid)

	back := ToRecord(row)
	assert.Empty(t, back.MasterKey, "master key is not persisted")
	back.MasterKey = rec.MasterKey
	assert.Equal(t, rec, back)

	ids := identifierRows(rec)
	require.Len(t, ids, 2, "identifiers differing only in domain case index once")
	assert.Equal(t, &IdentifierRow{RecordKey: "l1", Domain: "MRN", Value: "1"}, ids[0])
	assert.Equal(t, &IdentifierRow{RecordKey: "l1", Domain: "NHID", Value: "2"}, ids[1])
}
