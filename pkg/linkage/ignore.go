package linkage

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// requirePrincipal rejects anonymous callers of operator operations.
func requirePrincipal(p *models.Principal) error {
	if p == nil {
		return &permissions.PolicyViolation{Principal: "anonymous", Reason: "no principal"}
	}
	return nil
}

// Ignore marks each key as a false positive of masterKey: its candidate edge is replaced by a
// verified IGNORE_CANDIDATE edge and matching never proposes the pair again.
func (e *Engine) Ignore(ctx context.Context, principal *models.Principal, masterKey string, keys []string) (*store.CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.Ignore")
	defer span.End()

	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	if err := e.checker.Demand(ctx, principal, permissions.MergeMaster); err != nil {
		return nil, err
	}

	b := store.NewBundle()
	v := store.NewView(e.store, b)
	if err := e.requireActiveMaster(ctx, v, masterKey); err != nil {
		return nil, wrap("ignore", masterKey, err)
	}

	for _, key := range keys {
		if _, err := v.GetRecord(ctx, key); err != nil {
			return nil, wrap("ignore", key, err)
		}
		linked, err := v.Active(ctx, key, masterKey, models.KindMaster)
		if err != nil {
			return nil, wrap("ignore", key, err)
		}
		if len(linked) > 0 {
			return nil, wrap("ignore", key, conflictf("%s is linked to master %s, unmerge it instead", key, masterKey))
		}
		if _, err := retirePair(ctx, v, key, masterKey, models.KindCandidate); err != nil {
			return nil, wrap("ignore", key, err)
		}
		rel := models.NewIgnoreLink(key, masterKey)
		rel.CreatedBy = principal.Name()
		if err := addOnce(ctx, v, rel); err != nil {
			return nil, wrap("ignore", key, err)
		}
	}

	res, err := e.committer.Commit(ctx, principal, b)
	if err != nil {
		return nil, wrap("ignore", masterKey, err)
	}
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"master_key": masterKey,
		"keys":       keys,
		"deltas":     len(res.Relationships),
	}).Info("Candidates ignored")
	return res, nil
}

// UnIgnore lifts the suppression of each key against masterKey and re-runs matching for it,
// all in one bundle.
func (e *Engine) UnIgnore(ctx context.Context, principal *models.Principal, masterKey string, keys []string) (*store.CommitResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.UnIgnore")
	defer span.End()

	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	if err := e.checker.Demand(ctx, principal, permissions.MergeMaster); err != nil {
		return nil, err
	}

	b := store.NewBundle()
	v := store.NewView(e.store, b)
	for _, key := range keys {
		if _, err := retirePair(ctx, v, key, masterKey, models.KindIgnoreCandidate); err != nil {
			return nil, wrap("unignore", key, err)
		}
	}

	for _, key := range keys {
		rec, err := v.GetRecord(ctx, key)
		if err != nil {
			return nil, wrap("unignore", key, err)
		}
		h, ok := e.handler(rec.EntityType)
		if !ok || !rec.IsLocal() || !rec.IsActive() {
			continue
		}
		if _, err := e.relink(ctx, v, rec, h, principal); err != nil {
			return nil, wrap("unignore", key, err)
		}
	}

	res, err := e.committer.Commit(ctx, principal, b)
	if err != nil {
		return nil, wrap("unignore", masterKey, err)
	}
	return res, nil
}

func (e *Engine) requireActiveMaster(ctx context.Context, v *store.View, masterKey string) error {
	master, err := v.GetRecord(ctx, masterKey)
	if err != nil {
		return err
	}
	if !e.Governs(master.EntityType) {
		return fmt.Errorf("%w: %s", ErrRecordNotGoverned, master.EntityType)
	}
	if !master.IsMaster() || !master.IsActive() {
		return conflictf("%s is not an active master", masterKey)
	}
	return nil
}
