package linkage

import (
	"context"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const reconcilePageSize = 200

// ReconcileReport summarizes a Reconcile sweep.
type ReconcileReport struct {
	Masters  int            `json:"masters"`
	Sources  int            `json:"sources"`
	Repairs  map[string]int `json:"repairs"`
	Duration time.Duration  `json:"duration"`
}

// Reconcile sweeps every governed record and repairs what the post-commit triggers may have
// missed: orphaned masters, duplicate MASTER edges, duplicate record of truth designations and
// exclusivity violations. Each page is repaired in its own bundle.
func (e *Engine) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.Reconcile")
	defer span.End()

	start := time.Now()
	report := &ReconcileReport{Repairs: map[string]int{}}

	for _, entityType := range e.GovernedTypes() {
		for _, cls := range []models.RecordClassification{models.ClassificationLocal, models.ClassificationRecordOfTruth} {
			n, err := e.sweep(ctx, entityType, cls, report.Repairs, func(ctx context.Context, v *store.View, key string, done repairs) error {
				return e.enforceMasterLink(ctx, v, key, done)
			})
			report.Sources += n
			if err != nil {
				return report, err
			}
		}

		n, err := e.sweep(ctx, entityType, models.ClassificationMaster, report.Repairs, func(ctx context.Context, v *store.View, key string, done repairs) error {
			orphaned, err := obsoleteIfOrphaned(ctx, v, key, "", models.SystemPrincipal().Name())
			if err != nil {
				return err
			}
			if orphaned {
				done.add(RepairOrphan, 1)
			}
			return enforceSingleROT(ctx, v, key, done)
		})
		report.Masters += n
		if err != nil {
			return report, err
		}
	}

	report.Duration = time.Since(start)
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"masters":  report.Masters,
		"sources":  report.Sources,
		"repairs":  report.Repairs,
		"duration": report.Duration,
	}).Info("Reconcile finished")
	return report, nil
}

// sweep pages the active keys of one entity type and classification through check.
func (e *Engine) sweep(ctx context.Context, entityType string, cls models.RecordClassification, total map[string]int, check func(context.Context, *store.View, string, repairs) error) (int, error) {
	seen := 0
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return seen, err
		}
		keys, err := e.store.ListKeys(ctx, entityType, cls, after, reconcilePageSize)
		if err != nil {
			return seen, err
		}
		if len(keys) == 0 {
			return seen, nil
		}

		b := store.NewBundle()
		v := store.NewView(e.store, b)
		done := repairs{}
		for _, key := range keys {
			if err := check(ctx, v, key, done); err != nil {
				return seen, wrap("reconcile", key, err)
			}
		}
		if err := e.commitRepairs(ctx, b, done); err != nil {
			return seen, err
		}
		for kind, n := range done {
			total[kind] += n
		}

		seen += len(keys)
		after = keys[len(keys)-1]
		if len(keys) < reconcilePageSize {
			return seen, nil
		}
	}
}
