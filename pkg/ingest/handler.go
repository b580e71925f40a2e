// Package ingest applies source-system record writes arriving on the input topic.
package ingest

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Applier applies one record write.
type Applier interface {
	Apply(ctx context.Context, w *pipeline.Write) (*pipeline.Result, error)
}

type Handler struct {
	applier Applier
	logger  ectologger.Logger
}

func NewHandler(applier Applier, logger ectologger.Logger) *Handler {
	return &Handler{
		applier: applier,
		logger:  logger,
	}
}

// Handle is a kafka.MessageHandler. Malformed messages and writes the engine rejects are
// reported as permanent so the consumer skips them; anything else is retried.
func (h *Handler) Handle(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "ingest.Handler.Handle")
	defer span.End()

	wm, err := kafka.ParseWriteMessage(msg.Value)
	if err != nil {
		return kafka.Permanent(err)
	}

	res, err := h.applier.Apply(ctx, &pipeline.Write{
		Op:        pipeline.Op(wm.Op),
		Record:    wm.Record,
		Principal: wm.Principal,
	})
	if err != nil {
		if Rejected(err) {
			return kafka.Permanent(err)
		}
		return err
	}

	log := h.logger.WithContext(ctx).WithFields(map[string]any{
		"op":         wm.Op,
		"record_key": res.Record.Key,
		"principal":  wm.Principal.Name(),
	})
	if res.Canceled {
		log.WithField("reason", res.Reason).Info("Ingested write canceled")
		return nil
	}
	log.Debug("Ingested write")
	return nil
}

// Rejected reports whether err is a refusal of the write itself rather than an
// infrastructure failure.
func Rejected(err error) bool {
	return permissions.IsPolicyViolation(err) ||
		errors.Is(err, pipeline.ErrInvalidWrite) ||
		errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrConflict) ||
		errors.Is(err, linkage.ErrStateConflict) ||
		errors.Is(err, linkage.ErrInvalidMerge) ||
		errors.Is(err, linkage.ErrRecordNotGoverned)
}
