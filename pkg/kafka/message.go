package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string
}

func NewIncomingMessage(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}
}

// WriteMessage is a source-system record write submitted on the input topic.
type WriteMessage struct {
	Op        string            `json:"op" validate:"required,oneof=insert update obsolete"`
	Principal *models.Principal `json:"principal" validate:"required,structonly"`
	Record    *models.Record    `json:"record" validate:"required,structonly"`
}

// ParseWriteMessage decodes and validates a write message envelope. Updates and obsoletes
// must name the record key, and the system principal cannot be claimed over the wire. The
// record itself is validated by the pipeline.
func ParseWriteMessage(value []byte) (*WriteMessage, error) {
	var msg WriteMessage
	if err := json.Unmarshal(value, &msg); err != nil {
		return nil, fmt.Errorf("decode write message: %w", err)
	}

	if err := validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("invalid write message: %w", err)
	}

	if msg.Op != "insert" && msg.Record.Key == "" {
		return nil, fmt.Errorf("invalid write message: %s requires a record key", msg.Op)
	}
	if msg.Principal.System {
		return nil, fmt.Errorf("invalid write message: system principal not accepted")
	}
	if msg.Principal.UserID == "" && msg.Principal.ApplicationID == "" {
		return nil, fmt.Errorf("invalid write message: principal has no identity")
	}
	return &msg, nil
}
