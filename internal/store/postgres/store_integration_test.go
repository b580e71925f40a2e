//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("fern"),
		tcpostgres.WithUsername("fern"),
		tcpostgres.WithPassword("fern"),
		tcpostgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	conn, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db := database.NewDatabaseInstance(conn, logger)
	migrations := database.NewMigrationService(logger, &database.MigrationConfig{MigrationFolderPath: "../../../db/pg"})
	require.NoError(t, migrations.MigratePostgres(db, "fern"))

	return New(db, logger)
}

func patient(key string, cls models.RecordClassification, ids ...models.Identifier) *models.Record {
	return &models.Record{
		Key:            key,
		EntityType:     "Patient",
		Classification: cls,
		Status:         models.StatusActive,
		Identifiers:    ids,
		Attributes: map[string]any{
			"name": []any{map[string]any{"family": "Smith", "given": "Ann"}},
			"dob":  "1983-01-10",
		},
		Provenance: models.Provenance{ApplicationID: "clinic"},
	}
}

func TestStore_Postgres(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Ping(ctx))

	mrn := models.Identifier{Domain: "MRN", Value: "A-1"}

	t.Run("commit assigns sequence and version", func(t *testing.T) {
		b := store.NewBundle()
		b.InsertRecord(patient("l1", models.ClassificationLocal, mrn))
		b.InsertRecord(patient("m1", models.ClassificationMaster))
		b.AddRelationship(models.NewMasterLink("l1", "m1", models.LinkAutomatic))

		res, err := s.Commit(ctx, b)
		require.NoError(t, err)
		assert.Positive(t, res.Sequence)
		require.Len(t, res.Inserted(), 1)
		assert.Equal(t, res.Sequence, res.Inserted()[0].CreatedSequence)

		rec, err := s.GetRecord(ctx, "l1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.Version)
		assert.Equal(t, "clinic", rec.Provenance.ApplicationID)
	})

	t.Run("identifier lookup ignores domain case", func(t *testing.T) {
		found, err := s.FindByIdentifier(ctx, models.Identifier{Domain: "mrn", Value: "A-1"})
		require.NoError(t, err)
		require.Len(t, found, 1)
		assert.Equal(t, "l1", found[0].Key)
	})

	t.Run("attribute filter searches lists", func(t *testing.T) {
		found, err := s.QueryRecords(ctx, models.RecordFilter{
			EntityType: "Patient",
			Attributes: map[string]string{"name.family": "smith"},
		})
		require.NoError(t, err)
		assert.Len(t, found, 2)

		keys, err := s.ListKeys(ctx, "Patient", models.ClassificationLocal, "", 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"l1"}, keys)
	})

	t.Run("stale update conflicts and rolls back", func(t *testing.T) {
		stale, err := s.GetRecord(ctx, "l1")
		require.NoError(t, err)

		b := store.NewBundle()
		b.UpdateRecord(stale)
		_, err = s.Commit(ctx, b)
		require.NoError(t, err)

		b = store.NewBundle()
		b.InsertRecord(patient("l2", models.ClassificationLocal))
		b.UpdateRecord(stale)
		_, err = s.Commit(ctx, b)
		assert.ErrorIs(t, err, store.ErrConflict)

		_, err = s.GetRecord(ctx, "l2")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("retiring twice conflicts", func(t *testing.T) {
		active, err := s.QueryRelationships(ctx, models.RelationshipQuery{SourceKeys: []string{"l1"}, ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 1)

		b := store.NewBundle()
		b.ObsoleteRelationship(active[0])
		res, err := s.Commit(ctx, b)
		require.NoError(t, err)
		require.Len(t, res.Obsoleted(), 1)
		assert.Equal(t, res.Sequence, *res.Obsoleted()[0].ObsoleteSequence)

		b = store.NewBundle()
		b.ObsoleteRelationship(active[0])
		_, err = s.Commit(ctx, b)
		assert.ErrorIs(t, err, store.ErrConflict)
	})

	t.Run("identifier domains", func(t *testing.T) {
		saved, err := s.SaveDomain(ctx, &models.IdentifierDomain{Name: "ssn", Unique: true})
		require.NoError(t, err)
		assert.Equal(t, "SSN", saved.Name)

		_, err = s.SaveDomain(ctx, &models.IdentifierDomain{Name: "SSN", Description: "social security"})
		require.NoError(t, err)

		got, err := s.GetDomain(ctx, "ssn")
		require.NoError(t, err)
		assert.False(t, got.Unique)
		assert.Equal(t, "social security", got.Description)

		require.NoError(t, s.DeleteDomain(ctx, "ssn"))
		assert.ErrorIs(t, s.DeleteDomain(ctx, "ssn"), store.ErrNotFound)
	})
}
