// Package events publishes linkage changes to the output topic.
package events

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Emitter turns committed bundles and merge events into outbound events. It is registered as
// a post-commit hook and as an engine listener.
type Emitter struct {
	publisher kafka.Publisher
	logger    ectologger.Logger
}

var _ pipeline.PostCommitHook = (*Emitter)(nil)

func NewEmitter(publisher kafka.Publisher, logger ectologger.Logger) *Emitter {
	return &Emitter{
		publisher: publisher,
		logger:    logger,
	}
}

func (e *Emitter) Name() string {
	return "event-emitter"
}

func (e *Emitter) AfterCommit(ctx context.Context, c *pipeline.Committed) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.AfterCommit")
	defer span.End()

	events, err := FromCommit(c)
	if err != nil {
		return err
	}
	return e.publish(ctx, events...)
}

// FromCommit derives the events a commit produces, records first, in commit order.
func FromCommit(c *pipeline.Committed) ([]*kafka.Event, error) {
	if c == nil || c.Result == nil {
		return nil, nil
	}
	principal := c.Principal.Name()
	seq := c.Result.Sequence

	var out []*kafka.Event
	add := func(ev *kafka.Event, err error) error {
		if err == nil {
			out = append(out, ev)
		}
		return err
	}

	for _, op := range c.Result.Records {
		rec := op.Record
		if !rec.IsMaster() {
			continue
		}
		data := MasterData{Identifiers: rec.Identifiers, Status: rec.Status}
		var err error
		switch {
		case op.Mode == store.ModeInsert:
			err = add(newEvent(EventMasterCreated, rec.Key, rec.EntityType, seq, principal, data))
		case !rec.IsActive():
			err = add(newEvent(EventMasterObsoleted, rec.Key, rec.EntityType, seq, principal, data))
		}
		if err != nil {
			return nil, err
		}
	}

	for _, op := range c.Result.Relationships {
		rel := op.Relationship
		var eventType EventType
		switch {
		case rel.Kind == models.KindMaster && op.Mode == store.ModeInsert:
			eventType = EventRecordLinked
		case rel.Kind == models.KindMaster && op.Mode == store.ModeObsolete:
			eventType = EventRecordUnlinked
		case rel.Kind == models.KindCandidate && op.Mode == store.ModeInsert:
			eventType = EventCandidateProposed
		default:
			continue
		}
		data := LinkData{
			RelationshipID: rel.ID,
			MasterKey:      rel.TargetKey,
			Classification: rel.Classification,
			Strength:       rel.Strength,
			CreatedBy:      rel.CreatedBy,
		}
		if err := add(newEvent(eventType, rel.SourceKey, "", seq, principal, data)); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Listener publishes record.merged and record.unmerged.
func (e *Emitter) Listener() linkage.Listener {
	return linkage.ListenerFuncs{
		OnMerged: func(ctx context.Context, ev *linkage.MergeEvent) {
			event, err := newEvent(EventRecordMerged, ev.DuplicateKey, "", ev.Sequence, ev.Principal.Name(), MergeData{
				SurvivorKey: ev.SurvivorKey,
				Pairing:     ev.Pairing,
			})
			if err == nil {
				err = e.publish(ctx, event)
			}
			if err != nil {
				e.logger.WithContext(ctx).WithError(err).Error("Failed to emit record.merged event")
			}
		},
		OnUnMerged: func(ctx context.Context, ev *linkage.UnmergeEvent) {
			event, err := newEvent(EventRecordUnmerged, ev.RecordKey, "", 0, ev.Principal.Name(), UnmergeData{
				MasterKey:    ev.MasterKey,
				NewMasterKey: ev.NewMasterKey,
			})
			if err == nil {
				err = e.publish(ctx, event)
			}
			if err != nil {
				e.logger.WithContext(ctx).WithError(err).Error("Failed to emit record.unmerged event")
			}
		},
	}
}

func (e *Emitter) publish(ctx context.Context, events ...*kafka.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := e.publisher.Publish(ctx, events...); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithField("events", len(events)).Error("Failed to emit events")
		return err
	}
	return nil
}
