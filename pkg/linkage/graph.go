package linkage

import (
	"context"
	"sort"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

// primaryLink picks the authoritative edge out of duplicates: verified first, then newest.
func primaryLink(links []*models.Relationship) *models.Relationship {
	if len(links) == 0 {
		return nil
	}
	sorted := append([]*models.Relationship(nil), links...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].IsVerified() != sorted[j].IsVerified() {
			return sorted[i].IsVerified()
		}
		return newer(sorted[i], sorted[j])
	})
	return sorted[0]
}

// newer orders pending edges (sequence 0) after committed ones.
func newer(a, b *models.Relationship) bool {
	if a.CreatedSequence == 0 || b.CreatedSequence == 0 {
		return a.CreatedSequence == 0 && b.CreatedSequence != 0
	}
	if a.CreatedSequence != b.CreatedSequence {
		return a.CreatedSequence > b.CreatedSequence
	}
	return a.CreatedAt.After(b.CreatedAt)
}

// masterLink returns the active MASTER edge of key as the view sees it.
func masterLink(ctx context.Context, v *store.View, key string) (*models.Relationship, error) {
	links, err := v.Active(ctx, key, "", models.KindMaster)
	if err != nil {
		return nil, err
	}
	return primaryLink(links), nil
}

// retirePair retires every active edge of the given kinds from source to target.
func retirePair(ctx context.Context, v *store.View, source, target string, kinds ...models.RelationshipKind) (int, error) {
	rels, err := v.Active(ctx, source, target, kinds...)
	if err != nil {
		return 0, err
	}
	for _, rel := range rels {
		v.Bundle.ObsoleteRelationship(rel)
	}
	return len(rels), nil
}

// addOnce adds rel unless an active edge of the same kind already connects the pair.
func addOnce(ctx context.Context, v *store.View, rel *models.Relationship) error {
	existing, err := v.Active(ctx, rel.SourceKey, rel.TargetKey, rel.Kind)
	if err != nil {
		return err
	}
	if len(existing) == 0 {
		v.Bundle.AddRelationship(rel)
	}
	return nil
}

// establishMaster links source to master with cls, first retiring the edges that may not
// coexist with an active MASTER edge on the same pair.
func establishMaster(ctx context.Context, v *store.View, source, master string, cls models.LinkClassification, createdBy string) error {
	if _, err := retirePair(ctx, v, source, master, models.KindCandidate, models.KindOriginalMaster); err != nil {
		return err
	}
	link := models.NewMasterLink(source, master, cls)
	link.CreatedBy = createdBy
	v.Bundle.AddRelationship(link)
	return nil
}

// detach retires link and records the former master for audit with the retired link's
// classification.
func detach(ctx context.Context, v *store.View, link *models.Relationship, createdBy string) error {
	v.Bundle.ObsoleteRelationship(link)
	audit := models.NewOriginalMasterLink(link.SourceKey, link.TargetKey, link.Classification)
	audit.CreatedBy = createdBy
	return addOnce(ctx, v, audit)
}

// obsoleteIfOrphaned obsoletes masterKey when no active MASTER edge targets it any more. When
// replacedBy is set a REPLACES edge from it is recorded. It reports whether the master was
// obsoleted.
func obsoleteIfOrphaned(ctx context.Context, v *store.View, masterKey, replacedBy string, createdBy string) (bool, error) {
	master, err := v.FindRecord(ctx, masterKey)
	if err != nil || master == nil || !master.IsMaster() || !master.IsActive() {
		return false, err
	}

	inbound, err := v.Active(ctx, "", masterKey, models.KindMaster)
	if err != nil || len(inbound) > 0 {
		return false, err
	}

	v.Bundle.ObsoleteRecord(master)

	dangling, err := v.Active(ctx, "", masterKey, models.KindCandidate)
	if err != nil {
		return false, err
	}
	for _, rel := range dangling {
		v.Bundle.ObsoleteRelationship(rel)
	}
	rots, err := v.Active(ctx, masterKey, "", models.KindRecordOfTruth)
	if err != nil {
		return false, err
	}
	for _, rel := range rots {
		v.Bundle.ObsoleteRelationship(rel)
	}

	if replacedBy != "" && replacedBy != masterKey {
		rel := models.NewReplacesLink(replacedBy, masterKey, models.LinkAutomatic)
		rel.CreatedBy = createdBy
		if err := addOnce(ctx, v, rel); err != nil {
			return false, err
		}
	}
	return true, nil
}

// ownedSource finds an active LOCAL linked to masterKey that principal owns.
func ownedSource(ctx context.Context, v *store.View, masterKey string, principal *models.Principal) (*models.Record, error) {
	links, err := v.Active(ctx, "", masterKey, models.KindMaster)
	if err != nil {
		return nil, err
	}
	sort.Slice(links, func(i, j int) bool { return links[i].SourceKey < links[j].SourceKey })
	for _, l := range links {
		src, err := v.FindRecord(ctx, l.SourceKey)
		if err != nil {
			return nil, err
		}
		if src != nil && src.IsLocal() && src.IsActive() && src.OwnedBy(principal) {
			return src, nil
		}
	}
	return nil, nil
}

func targets(rels []*models.Relationship) map[string]*models.Relationship {
	out := make(map[string]*models.Relationship, len(rels))
	for _, r := range rels {
		out[r.TargetKey] = r
	}
	return out
}
