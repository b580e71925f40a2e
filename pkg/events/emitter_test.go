package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []*kafka.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, events ...*kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, events...)
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.EventType)
	}
	return out
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestFromCommit(t *testing.T) {
	master := &models.Record{Key: "M", EntityType: "Patient", Classification: models.ClassificationMaster, Status: models.StatusActive}
	retired := &models.Record{Key: "M0", EntityType: "Patient", Classification: models.ClassificationMaster, Status: models.StatusObsolete}
	local := &models.Record{Key: "A", EntityType: "Patient", Classification: models.ClassificationLocal, Status: models.StatusActive}

	link := models.NewMasterLink("A", "M", models.LinkAutomatic)
	oldLink := models.NewMasterLink("A", "M0", models.LinkAutomatic)
	candidate := models.NewCandidateLink("A", "M9", 0.75)
	audit := models.NewOriginalMasterLink("A", "M0", models.LinkAutomatic)

	events, err := FromCommit(&pipeline.Committed{
		Principal: &models.Principal{UserID: "u1", ApplicationID: "crm"},
		Result: &store.CommitResult{
			Sequence: 7,
			Records: []store.RecordOp{
				{Mode: store.ModeInsert, Record: local},
				{Mode: store.ModeInsert, Record: master},
				{Mode: store.ModeObsolete, Record: retired},
			},
			Relationships: []store.RelationshipOp{
				{Mode: store.ModeObsolete, Relationship: oldLink},
				{Mode: store.ModeInsert, Relationship: audit},
				{Mode: store.ModeInsert, Relationship: link},
				{Mode: store.ModeInsert, Relationship: candidate},
			},
		},
	})
	require.NoError(t, err)

	require.Len(t, events, 5)
	want := []struct {
		eventType EventType
		key       string
	}{
		{EventMasterCreated, "M"},
		{EventMasterObsoleted, "M0"},
		{EventRecordUnlinked, "A"},
		{EventRecordLinked, "A"},
		{EventCandidateProposed, "A"},
	}
	for i, w := range want {
		assert.Equal(t, string(w.eventType), events[i].EventType)
		assert.Equal(t, w.key, events[i].RecordKey)
		assert.Equal(t, int64(7), events[i].Sequence)
		assert.Equal(t, kafka.SchemaVersion, events[i].SchemaVersion)
	}

	var data LinkData
	require.NoError(t, json.Unmarshal(events[4].Data, &data))
	assert.Equal(t, "M9", data.MasterKey)
	assert.InDelta(t, 0.75, data.Strength, 1e-9)
}

func TestFromCommit_Empty(t *testing.T) {
	events, err := FromCommit(&pipeline.Committed{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEmitter_AfterCommitPropagatesPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	e := NewEmitter(pub, testLogger())

	err := e.AfterCommit(context.Background(), &pipeline.Committed{Result: &store.CommitResult{
		Records: []store.RecordOp{{Mode: store.ModeInsert, Record: &models.Record{Key: "M", Classification: models.ClassificationMaster, Status: models.StatusActive}}},
	}})
	assert.Error(t, err)
}

func TestEmitter_Listener(t *testing.T) {
	pub := &fakePublisher{}
	l := NewEmitter(pub, testLogger()).Listener()
	ctx := context.Background()
	principal := &models.Principal{UserID: "op"}

	l.Merged(ctx, &linkage.MergeEvent{Principal: principal, SurvivorKey: "M", DuplicateKey: "A", Pairing: linkage.PairingLocalToMaster, Sequence: 3})
	l.UnMerged(ctx, &linkage.UnmergeEvent{Principal: principal, MasterKey: "M", RecordKey: "A", NewMasterKey: "M2"})
	assert.False(t, l.Merging(ctx, &linkage.MergeEvent{}).Canceled())

	assert.Equal(t, []string{string(EventRecordMerged), string(EventRecordUnmerged)}, pub.types())

	var data UnmergeData
	require.NoError(t, json.Unmarshal(pub.events[1].Data, &data))
	assert.Equal(t, "M2", data.NewMasterKey)
}
