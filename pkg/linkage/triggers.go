package linkage

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repair kinds, as counted and reported.
const (
	RepairOrphan          = "orphan"
	RepairExclusivity     = "exclusivity"
	RepairDuplicateMaster = "duplicate_master"
	RepairDuplicateROT    = "duplicate_rot"
)

type repairKey struct{}

// repairing marks ctx as carrying a repair commit so triggers do not chase their own writes.
func repairing(ctx context.Context) context.Context {
	return context.WithValue(ctx, repairKey{}, true)
}

func isRepair(ctx context.Context) bool {
	v, _ := ctx.Value(repairKey{}).(bool)
	return v
}

// repairs counts repairs by kind.
type repairs map[string]int

func (r repairs) add(kind string, n int) {
	if n > 0 {
		r[kind] += n
	}
}

// ConsistencyTriggers re-checks the graph around every committed relationship change and
// commits repairs: orphaned masters are obsoleted, a new MASTER edge retires the edges it
// excludes, and a new RECORD_OF_TRUTH edge retires the master's other designations. Running
// them on a consistent graph changes nothing.
type ConsistencyTriggers struct {
	engine *Engine
}

func (e *Engine) Triggers() *ConsistencyTriggers {
	return &ConsistencyTriggers{engine: e}
}

func (t *ConsistencyTriggers) Name() string {
	return "consistency-triggers"
}

func (t *ConsistencyTriggers) AfterCommit(ctx context.Context, c *pipeline.Committed) error {
	if isRepair(ctx) || c.Result == nil {
		return nil
	}
	ctx, span := tracing.StartSpan(ctx, "linkage.ConsistencyTriggers.AfterCommit")
	defer span.End()

	e := t.engine
	b := store.NewBundle()
	v := store.NewView(e.store, b)
	done := repairs{}

	for _, rel := range c.Result.Obsoleted() {
		if rel.Kind != models.KindMaster {
			continue
		}
		orphaned, err := obsoleteIfOrphaned(ctx, v, rel.TargetKey, "", models.SystemPrincipal().Name())
		if err != nil {
			return err
		}
		if orphaned {
			done.add(RepairOrphan, 1)
		}
	}

	for _, rel := range c.Result.Inserted() {
		var err error
		switch rel.Kind {
		case models.KindMaster:
			err = e.enforceMasterLink(ctx, v, rel.SourceKey, done)
		case models.KindRecordOfTruth:
			err = enforceSingleROT(ctx, v, rel.SourceKey, done)
		}
		if err != nil {
			return err
		}
	}

	return e.commitRepairs(ctx, b, done)
}

// enforceMasterLink keeps exactly one active MASTER edge from source (verified first, then
// newest) and retires the edges an active MASTER edge excludes on the same pair.
func (e *Engine) enforceMasterLink(ctx context.Context, v *store.View, source string, done repairs) error {
	links, err := v.Active(ctx, source, "", models.KindMaster)
	if err != nil || len(links) == 0 {
		return err
	}
	keep := primaryLink(links)
	for _, l := range links {
		if l.ID == keep.ID {
			continue
		}
		v.Bundle.ObsoleteRelationship(l)
		done.add(RepairDuplicateMaster, 1)
		if l.TargetKey == keep.TargetKey {
			continue
		}
		orphaned, err := obsoleteIfOrphaned(ctx, v, l.TargetKey, keep.TargetKey, models.SystemPrincipal().Name())
		if err != nil {
			return err
		}
		if orphaned {
			done.add(RepairOrphan, 1)
		}
	}

	n, err := retirePair(ctx, v, source, keep.TargetKey, models.KindCandidate, models.KindOriginalMaster, models.KindIgnoreCandidate)
	done.add(RepairExclusivity, n)
	return err
}

// enforceSingleROT keeps one active RECORD_OF_TRUTH edge from masterKey.
func enforceSingleROT(ctx context.Context, v *store.View, masterKey string, done repairs) error {
	rots, err := v.Active(ctx, masterKey, "", models.KindRecordOfTruth)
	if err != nil || len(rots) < 2 {
		return err
	}
	keep := primaryLink(rots)
	for _, r := range rots {
		if r.ID != keep.ID {
			v.Bundle.ObsoleteRelationship(r)
			done.add(RepairDuplicateROT, 1)
		}
	}
	return nil
}

func (e *Engine) commitRepairs(ctx context.Context, b *store.Bundle, done repairs) error {
	if b.Empty() {
		return nil
	}
	res, err := e.committer.Commit(repairing(ctx), models.SystemPrincipal(), b)
	if err != nil {
		return err
	}
	for kind, n := range done {
		metrics.RecordRepair(kind, n)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"sequence": res.Sequence,
		"repairs":  map[string]int(done),
	}).Warn("Repaired linkage anomalies")
	return nil
}
