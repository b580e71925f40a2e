package kafka

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseWriteMessage(t *testing.T) {
	jsonData := `{
		"op": "insert",
		"principal": {"user_id": "u1", "application_id": "crm"},
		"record": {
			"entity_type": "Patient",
			"identifiers": [{"domain": "MDM", "value": "MDM-01"}],
			"attributes": {"name": {"given": "John", "family": "Smith"}, "dob": "1983-01-10"}
		}
	}`

	msg, err := ParseWriteMessage([]byte(jsonData))
	require.NoError(t, err)

	assert.Equal(t, "insert", msg.Op)
	assert.Equal(t, "crm", msg.Principal.ApplicationID)
	assert.Equal(t, "Patient", msg.Record.EntityType)
	require.Len(t, msg.Record.Identifiers, 1)
	assert.Equal(t, "MDM-01", msg.Record.Identifiers[0].Value)
	assert.Equal(t, "1983-01-10", msg.Record.Attributes["dob"])
}

func TestParseWriteMessage_Invalid(t *testing.T) {
	tests := []struct {
		name string
		json string
	}{
		{"not json", `{"op":`},
		{"unknown op", `{"op": "upsert", "principal": {"user_id": "u1"}, "record": {"entity_type": "Patient"}}`},
		{"missing record", `{"op": "insert", "principal": {"user_id": "u1"}}`},
		{"missing principal", `{"op": "insert", "record": {"entity_type": "Patient"}}`},
		{"update without key", `{"op": "update", "principal": {"user_id": "u1"}, "record": {"entity_type": "Patient"}}`},
		{"system principal", `{"op": "insert", "principal": {"user_id": "x", "system": true}, "record": {"entity_type": "Patient"}}`},
		{"anonymous principal", `{"op": "insert", "principal": {}, "record": {"entity_type": "Patient"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseWriteMessage([]byte(tt.json))
			assert.Error(t, err)
		})
	}
}

func TestParseWriteMessage_ObsoleteNeedsOnlyKey(t *testing.T) {
	msg, err := ParseWriteMessage([]byte(`{"op": "obsolete", "principal": {"user_id": "u1"}, "record": {"key": "A"}}`))
	require.NoError(t, err)
	assert.Equal(t, "A", msg.Record.Key)
}

func TestNewIncomingMessage(t *testing.T) {
	now := time.Now()
	msg := NewIncomingMessage(kafka.Message{
		Topic:     "fern.records",
		Partition: 2,
		Offset:    41,
		Key:       []byte("A"),
		Value:     []byte(`{}`),
		Time:      now,
		Headers:   []kafka.Header{{Key: "request_id", Value: []byte("req-1")}},
	})

	assert.Equal(t, "A", msg.Key)
	assert.Equal(t, 2, msg.Partition)
	assert.Equal(t, int64(41), msg.Offset)
	assert.Equal(t, "req-1", msg.Headers["request_id"])
	assert.Equal(t, now, msg.Timestamp)
}

func TestEventMessage(t *testing.T) {
	event := &Event{EventID: "e1", EventType: "record.linked", RecordKey: "A", EntityType: "Patient"}
	msg, err := eventMessage("fern.events", event)
	require.NoError(t, err)

	assert.Equal(t, "fern.events", msg.Topic)
	assert.Equal(t, []byte("A"), msg.Key)
	assert.Equal(t, SchemaVersion, event.SchemaVersion)
	assert.False(t, event.Timestamp.IsZero())

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, map[string]string{
		"event_type":     "record.linked",
		"entity_type":    "Patient",
		"schema_version": SchemaVersion,
	}, headers)
	assert.Contains(t, string(msg.Value), `"record_key":"A"`)
}

func TestPermanent(t *testing.T) {
	cause := assert.AnError
	err := Permanent(cause)
	assert.ErrorIs(t, err, ErrPermanent)
	assert.ErrorIs(t, err, cause)
}
