package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type failingApplier struct{ err error }

func (f failingApplier) Apply(_ context.Context, _ *pipeline.Write) (*pipeline.Result, error) {
	return nil, f.err
}

func TestHandler_AppliesWrite(t *testing.T) {
	s := memory.New()
	h := NewHandler(pipeline.New(s, testLogger()), testLogger())
	ctx := context.Background()

	err := h.Handle(ctx, &kafka.IncomingMessage{Value: []byte(`{
		"op": "insert",
		"principal": {"user_id": "u1", "application_id": "crm"},
		"record": {"key": "A", "entity_type": "Patient", "attributes": {"dob": "1983-01-10"}}
	}`)})
	require.NoError(t, err)

	rec, err := s.GetRecord(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, models.ClassificationLocal, rec.Classification)
	assert.Equal(t, "crm", rec.Provenance.ApplicationID)

	t.Run("duplicate insert is rejected permanently", func(t *testing.T) {
		err := h.Handle(ctx, &kafka.IncomingMessage{Value: []byte(`{
			"op": "insert",
			"principal": {"user_id": "u1"},
			"record": {"key": "A", "entity_type": "Patient"}
		}`)})
		assert.ErrorIs(t, err, kafka.ErrPermanent)
	})

	t.Run("obsolete by key", func(t *testing.T) {
		err := h.Handle(ctx, &kafka.IncomingMessage{Value: []byte(`{"op": "obsolete", "principal": {"user_id": "u1"}, "record": {"key": "A"}}`)})
		require.NoError(t, err)
		rec, err := s.GetRecord(ctx, "A")
		require.NoError(t, err)
		assert.Equal(t, models.StatusObsolete, rec.Status)
	})
}

func TestHandler_MalformedMessageIsPermanent(t *testing.T) {
	h := NewHandler(failingApplier{}, testLogger())
	err := h.Handle(context.Background(), &kafka.IncomingMessage{Value: []byte(`not json`)})
	assert.ErrorIs(t, err, kafka.ErrPermanent)
}

func TestHandler_ErrorClassification(t *testing.T) {
	msg := &kafka.IncomingMessage{Value: []byte(`{"op": "insert", "principal": {"user_id": "u1"}, "record": {"entity_type": "Patient"}}`)}

	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{"policy violation", permissions.Deny(&models.Principal{UserID: "u1"}, permissions.WriteMaster, ""), true},
		{"invalid write", fmt.Errorf("%w: no entity type", pipeline.ErrInvalidWrite), true},
		{"state conflict", &linkage.LinkageError{Key: "A", Op: "insert", Err: linkage.ErrStateConflict}, true},
		{"version conflict", fmt.Errorf("record A: %w", store.ErrConflict), true},
		{"database down", errors.New("connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewHandler(failingApplier{err: tt.err}, testLogger()).Handle(context.Background(), msg)
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, kafka.ErrPermanent))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
