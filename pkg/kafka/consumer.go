package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrPermanent marks a handler failure that retrying cannot fix. The message is committed
// and skipped.
var ErrPermanent = errors.New("permanent message failure")

// Permanent marks err as permanent.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// Consumer reads the input topic and hands each message to the handler. A message's offset is
// committed once the handler succeeds or fails permanently; other failures are retried with
// backoff until the consumer stops.
type Consumer struct {
	reader     *kafka.Reader
	logger     ectologger.Logger
	handler    MessageHandler
	topic      string
	maxBackoff time.Duration
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	MaxBackoff    time.Duration
}

func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	})

	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	return &Consumer{
		reader:     reader,
		logger:     logger,
		handler:    handler,
		topic:      cfg.Topic,
		maxBackoff: maxBackoff,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithField("topic", c.topic).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Consumer loop stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			continue
		}

		if !c.processMessage(ctx, msg) {
			return
		}
	}
}

// processMessage reports false when the consumer stopped before the message was settled.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) bool {
	incoming := NewIncomingMessage(msg)
	if id := incoming.Headers["request_id"]; id != "" {
		ctx = appctx.SetRequestID(ctx, id)
	}

	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := c.handler(ctx, incoming)
		switch {
		case err == nil:
			metrics.RecordKafkaConsume(c.topic, "processed")
			return c.commit(ctx, log, msg)
		case errors.Is(err, ErrPermanent):
			metrics.RecordKafkaConsume(c.topic, "rejected")
			log.WithError(err).Warn("Rejected message, skipping")
			return c.commit(ctx, log, msg)
		}

		metrics.RecordKafkaConsume(c.topic, "failed")
		log.WithError(err).WithField("attempt", attempt).Error("Failed to process message, retrying")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Consumer) commit(ctx context.Context, log ectologger.Logger, msg kafka.Message) bool {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		log.WithError(err).Error("Failed to commit message")
	}
	return true
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}
