package linkage

import (
	"context"
	"fmt"
	"strings"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MergeResult reports a Merge call. Each duplicate is merged in its own bundle.
type MergeResult struct {
	SurvivorKey string            `json:"survivor_key"`
	Merged      []string          `json:"merged"`
	Canceled    map[string]string `json:"canceled,omitempty"`
	Sequences   []int64           `json:"sequences,omitempty"`
}

// Merge merges every duplicate into survivor. The pairing of each duplicate with the survivor
// decides the semantics: a local joins a master, a master is folded into another master, or a
// local is folded into another local. Processing stops at the first failing duplicate.
func (e *Engine) Merge(ctx context.Context, principal *models.Principal, survivorKey string, duplicateKeys []string) (*MergeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.Merge")
	defer span.End()

	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	result := &MergeResult{SurvivorKey: survivorKey, Merged: []string{}}
	if len(duplicateKeys) == 0 {
		return nil, wrap("merge", survivorKey, invalidMergef("no duplicates given"))
	}

	for _, dupKey := range duplicateKeys {
		ev, err := e.mergeOne(ctx, principal, survivorKey, dupKey)
		pairing := ""
		if ev != nil {
			pairing = ev.Pairing
		}
		metrics.RecordMerge("merge", pairing, err)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"survivor_key":  survivorKey,
				"duplicate_key": dupKey,
			}).Warn("Merge rejected")
			return result, wrap("merge", dupKey, err)
		}
		if ev.canceled != "" {
			if result.Canceled == nil {
				result.Canceled = map[string]string{}
			}
			result.Canceled[dupKey] = ev.canceled
			continue
		}
		result.Merged = append(result.Merged, dupKey)
		result.Sequences = append(result.Sequences, ev.Sequence)
	}
	return result, nil
}

type mergeOutcome struct {
	*MergeEvent
	canceled string
}

func (e *Engine) mergeOne(ctx context.Context, principal *models.Principal, survivorKey, dupKey string) (*mergeOutcome, error) {
	if survivorKey == dupKey {
		return nil, invalidMergef("cannot merge %s into itself", dupKey)
	}

	b := store.NewBundle()
	v := store.NewView(e.store, b)

	survivor, err := e.store.GetRecord(ctx, survivorKey)
	if err != nil {
		return nil, fmt.Errorf("survivor %s: %w", survivorKey, err)
	}
	dup, err := e.store.GetRecord(ctx, dupKey)
	if err != nil {
		return nil, fmt.Errorf("duplicate %s: %w", dupKey, err)
	}
	if !e.Governs(survivor.EntityType) {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotGoverned, survivor.EntityType)
	}
	if !strings.EqualFold(survivor.EntityType, dup.EntityType) {
		return nil, conflictf("cannot merge a %s into a %s", dup.EntityType, survivor.EntityType)
	}
	if !survivor.IsActive() || !dup.IsActive() {
		return nil, conflictf("merge requires active records, %s is %s and %s is %s", survivorKey, survivor.Status, dupKey, dup.Status)
	}

	var pairing string
	switch {
	case dup.IsLocal() && survivor.IsMaster():
		pairing, err = e.mergeLocalIntoMaster(ctx, v, principal, survivor, dup)
	case dup.IsMaster() && survivor.IsMaster():
		pairing, err = PairingMasterToMaster, e.mergeMasters(ctx, v, principal, survivor, dup)
	case dup.IsLocal() && survivor.IsLocal():
		pairing, err = PairingLocalToLocal, e.mergeLocals(ctx, v, principal, survivor, dup)
	default:
		return nil, invalidMergef("cannot merge %s %s into %s %s", dup.Classification, dupKey, survivor.Classification, survivorKey)
	}
	out := &mergeOutcome{MergeEvent: &MergeEvent{
		Principal:    principal,
		SurvivorKey:  survivorKey,
		DuplicateKey: dupKey,
		Pairing:      pairing,
	}}
	if err != nil {
		return out, err
	}

	if o := e.merging(ctx, out.MergeEvent); o.Canceled() {
		out.canceled = o.Reason()
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"survivor_key":  survivorKey,
			"duplicate_key": dupKey,
			"reason":        o.Reason(),
		}).Info("Merge canceled by listener")
		return out, nil
	}

	res, err := e.committer.Commit(ctx, principal, b)
	if err != nil {
		return out, err
	}
	out.Sequence = res.Sequence

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"survivor_key":  survivorKey,
		"duplicate_key": dupKey,
		"pairing":       pairing,
		"sequence":      res.Sequence,
	}).Info("Records merged")
	e.merged(ctx, out.MergeEvent)
	return out, nil
}

// mergeLocalIntoMaster links local to master with a verified edge. A caller without
// merge-master may still merge its own local into the local it owns under master.
func (e *Engine) mergeLocalIntoMaster(ctx context.Context, v *store.View, principal *models.Principal, master, local *models.Record) (string, error) {
	if err := e.checker.Demand(ctx, principal, permissions.MergeMaster); err != nil {
		if !permissions.IsPolicyViolation(err) {
			return PairingLocalToMaster, err
		}
		owned, ownErr := ownedSource(ctx, v, master.Key, principal)
		if ownErr != nil {
			return PairingLocalToMaster, ownErr
		}
		if owned == nil {
			return PairingLocalToMaster, err
		}
		e.logger.WithContext(ctx).WithFields(map[string]any{
			"master_key": master.Key,
			"local_key":  owned.Key,
			"principal":  principal.Name(),
		}).Debug("Merge falls back to caller-owned local")
		return PairingLocalToLocal, e.mergeLocals(ctx, v, principal, owned, local)
	}

	createdBy := principal.Name()
	link, err := masterLink(ctx, v, local.Key)
	if err != nil {
		return PairingLocalToMaster, err
	}
	if _, err := retirePair(ctx, v, local.Key, master.Key, models.KindIgnoreCandidate); err != nil {
		return PairingLocalToMaster, err
	}

	if link != nil && link.TargetKey == master.Key {
		if !link.IsVerified() {
			v.Bundle.ObsoleteRelationship(link)
			return PairingLocalToMaster, establishMaster(ctx, v, local.Key, master.Key, models.LinkVerified, createdBy)
		}
		return PairingLocalToMaster, nil
	}

	if link != nil {
		if err := detach(ctx, v, link, createdBy); err != nil {
			return PairingLocalToMaster, err
		}
	}
	if err := establishMaster(ctx, v, local.Key, master.Key, models.LinkVerified, createdBy); err != nil {
		return PairingLocalToMaster, err
	}
	if link != nil {
		if _, err := obsoleteIfOrphaned(ctx, v, link.TargetKey, master.Key, createdBy); err != nil {
			return PairingLocalToMaster, err
		}
	}
	return PairingLocalToMaster, nil
}

// mergeMasters folds dup into survivor: every source, candidate and ignore edge of dup moves
// to survivor and dup is obsoleted behind a REPLACES edge.
func (e *Engine) mergeMasters(ctx context.Context, v *store.View, principal *models.Principal, survivor, dup *models.Record) error {
	if err := e.checker.Demand(ctx, principal, permissions.WriteMaster); err != nil {
		return err
	}
	createdBy := principal.Name()

	inbound, err := v.Active(ctx, "", dup.Key, models.KindMaster)
	if err != nil {
		return err
	}
	for _, l := range inbound {
		if err := detach(ctx, v, l, createdBy); err != nil {
			return err
		}
		if err := establishMaster(ctx, v, l.SourceKey, survivor.Key, l.Classification, createdBy); err != nil {
			return err
		}
	}

	linkedToSurvivor := func(source string) (bool, error) {
		link, err := masterLink(ctx, v, source)
		return link != nil && link.TargetKey == survivor.Key, err
	}

	candidates, err := v.Active(ctx, "", dup.Key, models.KindCandidate)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		v.Bundle.ObsoleteRelationship(c)
		linked, err := linkedToSurvivor(c.SourceKey)
		if err != nil {
			return err
		}
		if linked {
			continue
		}
		moved := models.NewCandidateLink(c.SourceKey, survivor.Key, c.Strength)
		moved.CreatedBy = createdBy
		if err := addOnce(ctx, v, moved); err != nil {
			return err
		}
	}

	ignores, err := v.Active(ctx, "", dup.Key, models.KindIgnoreCandidate)
	if err != nil {
		return err
	}
	for _, i := range ignores {
		v.Bundle.ObsoleteRelationship(i)
		linked, err := linkedToSurvivor(i.SourceKey)
		if err != nil {
			return err
		}
		if linked {
			continue
		}
		moved := models.NewIgnoreLink(i.SourceKey, survivor.Key)
		moved.CreatedBy = createdBy
		if err := addOnce(ctx, v, moved); err != nil {
			return err
		}
	}

	dupROTs, err := v.Active(ctx, dup.Key, "", models.KindRecordOfTruth)
	if err != nil {
		return err
	}
	survivorROTs, err := v.Active(ctx, survivor.Key, "", models.KindRecordOfTruth)
	if err != nil {
		return err
	}
	for _, r := range dupROTs {
		v.Bundle.ObsoleteRelationship(r)
		if len(survivorROTs) > 0 {
			e.logger.WithContext(ctx).WithFields(map[string]any{
				"master_key": survivor.Key,
				"rot_key":    r.TargetKey,
			}).Warn("Survivor already has a record of truth, duplicate's designation dropped")
			continue
		}
		moved := models.NewRecordOfTruthLink(survivor.Key, r.TargetKey)
		moved.CreatedBy = createdBy
		v.Bundle.AddRelationship(moved)
		survivorROTs = append(survivorROTs, moved)
	}

	v.Bundle.ObsoleteRecord(dup)
	replaces := models.NewReplacesLink(survivor.Key, dup.Key, models.LinkVerified)
	replaces.CreatedBy = createdBy
	return addOnce(ctx, v, replaces)
}

// mergeLocals folds dup into survivor. The caller must own both records unless it is the
// system.
func (e *Engine) mergeLocals(ctx context.Context, v *store.View, principal *models.Principal, survivor, dup *models.Record) error {
	if !principal.System && !(survivor.OwnedBy(principal) && dup.OwnedBy(principal)) {
		return permissions.Deny(principal, permissions.MergeMaster, "caller must own both records")
	}
	createdBy := principal.Name()

	target, err := masterLink(ctx, v, survivor.Key)
	if err != nil {
		return err
	}
	if target == nil {
		return conflictf("survivor %s has no master", survivor.Key)
	}
	masterKey := target.TargetKey

	old, err := masterLink(ctx, v, dup.Key)
	if err != nil {
		return err
	}
	switch {
	case old != nil && old.TargetKey == masterKey:
		if !old.IsVerified() {
			v.Bundle.ObsoleteRelationship(old)
			if err := establishMaster(ctx, v, dup.Key, masterKey, models.LinkVerified, createdBy); err != nil {
				return err
			}
		}
	default:
		if old != nil {
			if err := detach(ctx, v, old, createdBy); err != nil {
				return err
			}
		}
		if err := establishMaster(ctx, v, dup.Key, masterKey, models.LinkVerified, createdBy); err != nil {
			return err
		}
	}
	if _, err := retirePair(ctx, v, dup.Key, masterKey, models.KindIgnoreCandidate); err != nil {
		return err
	}

	replaces := models.NewReplacesLink(survivor.Key, dup.Key, models.LinkVerified)
	replaces.CreatedBy = createdBy
	if err := addOnce(ctx, v, replaces); err != nil {
		return err
	}

	if updated, changed := e.absorbIdentifiers(survivor, dup); changed {
		v.Bundle.UpdateRecord(updated)
	}
	v.Bundle.ObsoleteRecord(dup)

	candidates, err := v.Active(ctx, dup.Key, "", models.KindCandidate)
	if err != nil {
		return err
	}
	for _, c := range candidates {
		v.Bundle.ObsoleteRelationship(c)
	}

	if old != nil && old.TargetKey != masterKey {
		if _, err := obsoleteIfOrphaned(ctx, v, old.TargetKey, masterKey, createdBy); err != nil {
			return err
		}
	}
	return nil
}

// absorbIdentifiers copies dup's identifiers onto a copy of survivor. An identifier is skipped
// when survivor already holds a different value in the same unique domain, or when it is an
// engine-issued master identifier.
func (e *Engine) absorbIdentifiers(survivor, dup *models.Record) (*models.Record, bool) {
	updated := survivor.Clone()
	changed := false
	for _, id := range dup.Identifiers {
		if updated.HasIdentifier(id) || strings.EqualFold(id.Domain, e.ids.Domain) {
			continue
		}
		if e.uniqueDomain(id.Domain) && len(updated.IdentifiersIn(id.Domain)) > 0 {
			continue
		}
		updated.Identifiers = append(updated.Identifiers, id)
		changed = true
	}
	return updated, changed
}
