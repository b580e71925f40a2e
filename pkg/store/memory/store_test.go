package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

func local(key string, ids ...models.Identifier) *models.Record {
	return &models.Record{
		Key:            key,
		EntityType:     "Patient",
		Classification: models.ClassificationLocal,
		Status:         models.StatusActive,
		Identifiers:    ids,
		Attributes:     map[string]any{"name": map[string]any{"family": "Smith"}, "dob": "1983-01-10"},
	}
}

func TestStore_CommitAssignsSequenceAndMarkers(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := store.NewBundle()
	b.InsertRecord(local("l1"))
	b.InsertRecord(&models.Record{Key: "m1", EntityType: "Patient", Classification: models.ClassificationMaster, Status: models.StatusActive})
	link := models.NewMasterLink("l1", "m1", models.LinkAutomatic)
	b.AddRelationship(link)

	first, err := s.Commit(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Sequence)
	require.Len(t, first.Inserted(), 1)
	assert.Equal(t, int64(1), first.Inserted()[0].CreatedSequence)

	b = store.NewBundle()
	b.ObsoleteRelationship(link)
	second, err := s.Commit(ctx, b)
	require.NoError(t, err)
	require.Len(t, second.Obsoleted(), 1)
	require.NotNil(t, second.Obsoleted()[0].ObsoleteSequence)
	assert.Equal(t, int64(2), *second.Obsoleted()[0].ObsoleteSequence)

	active, err := s.QueryRelationships(ctx, models.RelationshipQuery{SourceKeys: []string{"l1"}, ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestStore_CommitIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := store.NewBundle()
	b.InsertRecord(local("l1"))
	_, err := s.Commit(ctx, b)
	require.NoError(t, err)

	b = store.NewBundle()
	b.InsertRecord(local("l2"))
	b.UpdateRecord(local("missing"))
	_, err = s.Commit(ctx, b)
	require.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.GetRecord(ctx, "l2")
	assert.ErrorIs(t, err, store.ErrNotFound, "nothing from the failed bundle is visible")
}

func TestStore_VersionConflict(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := store.NewBundle()
	b.InsertRecord(local("l1"))
	_, err := s.Commit(ctx, b)
	require.NoError(t, err)

	stale, err := s.GetRecord(ctx, "l1")
	require.NoError(t, err)

	b = store.NewBundle()
	b.UpdateRecord(stale)
	_, err = s.Commit(ctx, b)
	require.NoError(t, err)

	b = store.NewBundle()
	b.UpdateRecord(stale)
	_, err = s.Commit(ctx, b)
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestStore_RetiringTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	s := New()

	link := models.NewCandidateLink("l1", "m1", 0.8)
	b := store.NewBundle()
	b.AddRelationship(link)
	_, err := s.Commit(ctx, b)
	require.NoError(t, err)

	for i, want := range []error{nil, store.ErrConflict} {
		b = store.NewBundle()
		b.ObsoleteRelationship(link)
		_, err = s.Commit(ctx, b)
		if want == nil {
			require.NoError(t, err, "attempt %d", i)
		} else {
			assert.ErrorIs(t, err, want, "attempt %d", i)
		}
	}
}

func TestStore_QueryRecords(t *testing.T) {
	ctx := context.Background()
	s := New()

	b := store.NewBundle()
	b.InsertRecord(local("l1", models.Identifier{Domain: "MRN", Value: "1"}))
	b.InsertRecord(local("l2", models.Identifier{Domain: "MRN", Value: "2"}))
	_, err := s.Commit(ctx, b)
	require.NoError(t, err)

	found, err := s.FindByIdentifier(ctx, models.Identifier{Domain: "mrn", Value: "2"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "l2", found[0].Key)

	byAttr, err := s.QueryRecords(ctx, models.RecordFilter{EntityType: "Patient", Attributes: map[string]string{"name.family": "smith"}})
	require.NoError(t, err)
	assert.Len(t, byAttr, 2)

	keys, err := s.ListKeys(ctx, "Patient", models.ClassificationLocal, "l1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"l2"}, keys)
}

func TestStore_Domains(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.SaveDomain(ctx, &models.IdentifierDomain{Name: "SSN", Unique: true})
	require.NoError(t, err)

	d, err := s.GetDomain(ctx, "ssn")
	require.NoError(t, err)
	assert.True(t, d.Unique)

	require.NoError(t, s.DeleteDomain(ctx, "SSN"))
	assert.ErrorIs(t, s.DeleteDomain(ctx, "SSN"), store.ErrNotFound)
}
