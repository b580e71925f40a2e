package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
)

type EventType string

const (
	EventRecordLinked      EventType = "record.linked"
	EventRecordUnlinked    EventType = "record.unlinked"
	EventMasterCreated     EventType = "master.created"
	EventMasterObsoleted   EventType = "master.obsoleted"
	EventCandidateProposed EventType = "candidate.proposed"
	EventRecordMerged      EventType = "record.merged"
	EventRecordUnmerged    EventType = "record.unmerged"
)

// LinkData is the payload of record.linked, record.unlinked and candidate.proposed.
type LinkData struct {
	RelationshipID string                    `json:"relationship_id"`
	MasterKey      string                    `json:"master_key"`
	Classification models.LinkClassification `json:"classification"`
	Strength       float64                   `json:"strength,omitempty"`
	CreatedBy      string                    `json:"created_by,omitempty"`
}

// MasterData is the payload of master.created and master.obsoleted.
type MasterData struct {
	Identifiers []models.Identifier `json:"identifiers,omitempty"`
	Status      models.RecordStatus `json:"status"`
}

// MergeData is the payload of record.merged.
type MergeData struct {
	SurvivorKey string `json:"survivor_key"`
	Pairing     string `json:"pairing"`
}

// UnmergeData is the payload of record.unmerged.
type UnmergeData struct {
	MasterKey    string `json:"master_key"`
	NewMasterKey string `json:"new_master_key"`
}

func newEvent(eventType EventType, key, entityType string, sequence int64, principal string, data any) (*kafka.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &kafka.Event{
		EventID:       uuid.New().String(),
		EventType:     string(eventType),
		SchemaVersion: kafka.SchemaVersion,
		RecordKey:     key,
		EntityType:    entityType,
		Sequence:      sequence,
		Principal:     principal,
		Data:          raw,
		Timestamp:     time.Now().UTC(),
	}, nil
}
