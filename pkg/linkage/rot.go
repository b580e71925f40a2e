package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
)

// writeRecordOfTruth handles writes of RECORD_OF_TRUTH records. Matching never runs for them:
// the record is tied to the master it governs through a RECORD_OF_TRUTH edge and a verified
// MASTER edge, and a master keeps at most one record of truth.
func (e *Engine) writeRecordOfTruth(ctx context.Context, v *store.View, w *pipeline.Write, h EntityHandler) error {
	rec := w.Record
	wasROT := w.Existing.IsRecordOfTruth()

	if wasROT && w.Op == pipeline.OpUpdate && !rec.IsRecordOfTruth() {
		return conflictf("record of truth %s cannot be reclassified as %s", rec.Key, rec.Classification)
	}

	perm := permissions.EditRecordOfTruth
	if w.Op == pipeline.OpInsert || !wasROT {
		perm = permissions.EstablishRecordOfTruth
	}
	if err := e.checker.Demand(ctx, w.Principal, perm); err != nil {
		return err
	}

	if w.Op == pipeline.OpObsolete {
		return e.obsoleteRecordOfTruth(ctx, v, rec, w.Principal)
	}

	log := e.logger.WithContext(ctx).WithField("record_key", rec.Key)
	createdBy := w.Principal.Name()

	masterKey, err := e.governedMaster(ctx, v, rec, w.Op)
	if err != nil {
		return err
	}

	if masterKey == "" {
		if w.Op != pipeline.OpInsert {
			return conflictf("record of truth %s names no master", rec.Key)
		}
		master := h.NewMaster(rec)
		v.Bundle.InsertRecord(master)
		masterKey = master.Key
		log.WithField("master_key", masterKey).Warn("Record of truth names no master, anchored a new one")
	} else if err := e.checkMaster(ctx, v, masterKey, rec); err != nil {
		return err
	}
	log = log.WithField("master_key", masterKey)

	rots, err := v.Active(ctx, masterKey, "", models.KindRecordOfTruth)
	if err != nil {
		return err
	}
	hasEdge := false
	for _, r := range rots {
		if r.TargetKey == rec.Key && !hasEdge {
			hasEdge = true
			continue
		}
		v.Bundle.ObsoleteRelationship(r)
		log.WithField("replaced", r.TargetKey).Info("Retired previous record of truth")
	}
	if !hasEdge {
		if wasROT {
			log.Warn("Record of truth link missing, repaired")
		}
		rel := models.NewRecordOfTruthLink(masterKey, rec.Key)
		rel.CreatedBy = createdBy
		v.Bundle.AddRelationship(rel)
	}

	links, err := v.Active(ctx, rec.Key, "", models.KindMaster)
	if err != nil {
		return err
	}
	linked := false
	var detached []string
	for _, l := range links {
		if l.TargetKey == masterKey {
			if l.IsVerified() && !linked {
				linked = true
				continue
			}
			v.Bundle.ObsoleteRelationship(l)
			continue
		}
		if l.IsVerified() || wasROT {
			return conflictf("%s is linked to master %s, cannot become the record of truth of %s", rec.Key, l.TargetKey, masterKey)
		}
		if err := detach(ctx, v, l, createdBy); err != nil {
			return err
		}
		detached = append(detached, l.TargetKey)
	}
	if !linked {
		if wasROT {
			log.Warn("Record of truth master link missing, repaired")
		}
		if err := establishMaster(ctx, v, rec.Key, masterKey, models.LinkVerified, createdBy); err != nil {
			return err
		}
	}

	for _, m := range detached {
		if _, err := obsoleteIfOrphaned(ctx, v, m, masterKey, createdBy); err != nil {
			return err
		}
	}
	return nil
}

// governedMaster resolves the master a record of truth write targets: the key named on the
// write, else the master already designating it, else its MASTER edge. Naming a master other
// than the one it already governs is a conflict.
func (e *Engine) governedMaster(ctx context.Context, v *store.View, rec *models.Record, op pipeline.Op) (string, error) {
	masterKey := rec.MasterKey
	if op == pipeline.OpInsert {
		return masterKey, nil
	}

	designations, err := v.Active(ctx, "", rec.Key, models.KindRecordOfTruth)
	if err != nil {
		return "", err
	}
	for _, d := range designations {
		if masterKey != "" && d.SourceKey != masterKey {
			return "", conflictf("%s is already the record of truth of %s", rec.Key, d.SourceKey)
		}
	}
	if masterKey == "" && len(designations) > 0 {
		masterKey = primaryLink(designations).SourceKey
	}
	if masterKey == "" {
		link, err := masterLink(ctx, v, rec.Key)
		if err != nil {
			return "", err
		}
		if link != nil {
			masterKey = link.TargetKey
		}
	}
	return masterKey, nil
}

func (e *Engine) checkMaster(ctx context.Context, v *store.View, masterKey string, rec *models.Record) error {
	master, err := v.FindRecord(ctx, masterKey)
	if err != nil {
		return err
	}
	if master == nil {
		return fmt.Errorf("master %s: %w", masterKey, store.ErrNotFound)
	}
	if !master.IsMaster() || !master.IsActive() {
		return conflictf("%s is not an active master", masterKey)
	}
	if !strings.EqualFold(master.EntityType, rec.EntityType) {
		return conflictf("master %s is a %s, not a %s", masterKey, master.EntityType, rec.EntityType)
	}
	return nil
}

// obsoleteRecordOfTruth retires the designation and master link of an obsoleted record of
// truth, then obsoletes any master left without sources.
func (e *Engine) obsoleteRecordOfTruth(ctx context.Context, v *store.View, rec *models.Record, principal *models.Principal) error {
	designations, err := v.Active(ctx, "", rec.Key, models.KindRecordOfTruth)
	if err != nil {
		return err
	}
	for _, d := range designations {
		v.Bundle.ObsoleteRelationship(d)
	}

	links, err := v.Active(ctx, rec.Key, "", models.KindMaster)
	if err != nil {
		return err
	}
	for _, l := range links {
		v.Bundle.ObsoleteRelationship(l)
	}
	for _, l := range links {
		if _, err := obsoleteIfOrphaned(ctx, v, l.TargetKey, "", principal.Name()); err != nil {
			return err
		}
	}
	return nil
}
