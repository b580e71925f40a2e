package linkage

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type UnmergeResult struct {
	RecordKey    string `json:"record_key"`
	MasterKey    string `json:"master_key"`
	NewMasterKey string `json:"new_master_key,omitempty"`
	Canceled     bool   `json:"canceled,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Sequence     int64  `json:"sequence,omitempty"`
}

// Unmerge detaches the local key from masterKey onto a fresh master. The local keeps an
// ORIGINAL_MASTER edge and a verified IGNORE_CANDIDATE edge back to the prior master, so
// automatic matching will not put it back.
func (e *Engine) Unmerge(ctx context.Context, principal *models.Principal, masterKey, key string) (*UnmergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.Unmerge")
	defer span.End()

	res, err := e.unmerge(ctx, principal, masterKey, key)
	metrics.RecordMerge("unmerge", PairingLocalToMaster, err)
	if err != nil {
		return nil, wrap("unmerge", key, err)
	}
	return res, nil
}

func (e *Engine) unmerge(ctx context.Context, principal *models.Principal, masterKey, key string) (*UnmergeResult, error) {
	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}

	rec, err := e.store.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	h, ok := e.handler(rec.EntityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotGoverned, rec.EntityType)
	}

	if err := e.checker.Demand(ctx, principal, permissions.MergeMaster); err != nil {
		if !permissions.IsPolicyViolation(err) || !rec.OwnedBy(principal) {
			return nil, err
		}
	}
	if !rec.IsLocal() {
		return nil, invalidMergef("only a local can be unmerged, %s is %s", key, rec.Classification)
	}

	b := store.NewBundle()
	v := store.NewView(e.store, b)
	createdBy := principal.Name()

	links, err := v.Active(ctx, key, masterKey, models.KindMaster)
	if err != nil {
		return nil, err
	}
	if len(links) == 0 {
		return nil, conflictf("%s is not linked to master %s", key, masterKey)
	}

	ev := &UnmergeEvent{Principal: principal, MasterKey: masterKey, RecordKey: key}
	if o := e.unmerging(ctx, ev); o.Canceled() {
		return &UnmergeResult{RecordKey: key, MasterKey: masterKey, Canceled: true, Reason: o.Reason()}, nil
	}

	for _, l := range links {
		if err := detach(ctx, v, l, createdBy); err != nil {
			return nil, err
		}
	}

	master := h.NewMaster(rec)
	b.InsertRecord(master)
	if err := establishMaster(ctx, v, key, master.Key, models.LinkVerified, createdBy); err != nil {
		return nil, err
	}

	ignore := models.NewIgnoreLink(key, masterKey)
	ignore.CreatedBy = createdBy
	if err := addOnce(ctx, v, ignore); err != nil {
		return nil, err
	}
	if _, err := retirePair(ctx, v, key, masterKey, models.KindCandidate); err != nil {
		return nil, err
	}
	if _, err := obsoleteIfOrphaned(ctx, v, masterKey, "", createdBy); err != nil {
		return nil, err
	}

	committed, err := e.committer.Commit(ctx, principal, b)
	if err != nil {
		return nil, err
	}

	ev.NewMasterKey = master.Key
	e.logger.WithContext(ctx).WithFields(map[string]any{
		"record_key":     key,
		"master_key":     masterKey,
		"new_master_key": master.Key,
		"sequence":       committed.Sequence,
	}).Info("Record unmerged")
	e.unmerged(ctx, ev)

	return &UnmergeResult{
		RecordKey:    key,
		MasterKey:    masterKey,
		NewMasterKey: master.Key,
		Sequence:     committed.Sequence,
	}, nil
}
