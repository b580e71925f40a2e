package linkage

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// LinkResult reports an administrative re-link of one record.
type LinkResult struct {
	RecordKey string `json:"record_key"`
	Decision  string `json:"decision"`
	Deltas    int    `json:"deltas"`
	Sequence  int64  `json:"sequence,omitempty"`
}

// FlagDuplicates re-runs matching for key against current data and commits the outcome.
// Unchanged data and matches yield zero deltas.
func (e *Engine) FlagDuplicates(ctx context.Context, principal *models.Principal, key string) (*LinkResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.FlagDuplicates")
	defer span.End()

	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	if err := e.checker.Demand(ctx, principal, permissions.MergeMaster); err != nil {
		return nil, err
	}

	rec, err := e.store.GetRecord(ctx, key)
	if err != nil {
		return nil, wrap("flag-duplicates", key, err)
	}
	h, ok := e.handler(rec.EntityType)
	if !ok {
		return nil, wrap("flag-duplicates", key, fmt.Errorf("%w: %s", ErrRecordNotGoverned, rec.EntityType))
	}
	if !rec.IsLocal() || !rec.IsActive() {
		return nil, wrap("flag-duplicates", key, conflictf("%s is not an active local", key))
	}

	b := store.NewBundle()
	v := store.NewView(e.store, b)
	decision, err := e.relink(ctx, v, rec, h, principal)
	if err != nil {
		return nil, wrap("flag-duplicates", key, err)
	}

	result := &LinkResult{RecordKey: key, Decision: decision, Deltas: b.Size()}
	if b.Empty() {
		return result, nil
	}
	res, err := e.committer.Commit(ctx, principal, b)
	if err != nil {
		return nil, wrap("flag-duplicates", key, err)
	}
	result.Sequence = res.Sequence
	return result, nil
}
