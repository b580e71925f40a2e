package store

import (
	"github.com/Ramsey-B/fern/pkg/models"
)

// Mode is the kind of write a bundle entry performs.
type Mode string

const (
	ModeInsert   Mode = "insert"
	ModeUpdate   Mode = "update"
	ModeObsolete Mode = "obsolete"
)

type RecordOp struct {
	Mode   Mode
	Record *models.Record
}

type RelationshipOp struct {
	Mode         Mode
	Relationship *models.Relationship
}

// Bundle is an explicit transaction builder. Every consequence of one linkage decision is
// accumulated here and committed indivisibly. Later writes to the same record or edge
// supersede earlier ones, so callers can build it incrementally.
type Bundle struct {
	records       []RecordOp
	relationships []RelationshipOp
	recordIndex   map[string]int
	relIndex      map[string]int
}

func NewBundle() *Bundle {
	return &Bundle{
		recordIndex: map[string]int{},
		relIndex:    map[string]int{},
	}
}

func (b *Bundle) InsertRecord(r *models.Record) {
	b.putRecord(ModeInsert, r)
}

func (b *Bundle) UpdateRecord(r *models.Record) {
	if i, ok := b.recordIndex[r.Key]; ok && b.records[i].Mode == ModeInsert {
		b.records[i].Record = r
		return
	}
	b.putRecord(ModeUpdate, r)
}

// ObsoleteRecord transitions r to OBSOLETE. A record inserted earlier in the same bundle is
// still inserted, just already obsolete.
func (b *Bundle) ObsoleteRecord(r *models.Record) {
	r = r.Clone()
	r.Status = models.StatusObsolete
	if i, ok := b.recordIndex[r.Key]; ok && b.records[i].Mode == ModeInsert {
		b.records[i].Record = r
		return
	}
	b.putRecord(ModeObsolete, r)
}

func (b *Bundle) putRecord(mode Mode, r *models.Record) {
	if i, ok := b.recordIndex[r.Key]; ok {
		b.records[i] = RecordOp{Mode: mode, Record: r}
		return
	}
	b.recordIndex[r.Key] = len(b.records)
	b.records = append(b.records, RecordOp{Mode: mode, Record: r})
}

// AddRelationship activates rel when the bundle commits.
func (b *Bundle) AddRelationship(rel *models.Relationship) {
	if _, ok := b.relIndex[rel.ID]; ok {
		return
	}
	b.relIndex[rel.ID] = len(b.relationships)
	b.relationships = append(b.relationships, RelationshipOp{Mode: ModeInsert, Relationship: rel})
}

// ObsoleteRelationship retires rel. Retiring an edge added earlier in the same bundle drops
// the pending insert instead.
func (b *Bundle) ObsoleteRelationship(rel *models.Relationship) {
	if i, ok := b.relIndex[rel.ID]; ok {
		if b.relationships[i].Mode == ModeInsert {
			b.removeRelationship(i)
		}
		return
	}
	b.relIndex[rel.ID] = len(b.relationships)
	b.relationships = append(b.relationships, RelationshipOp{Mode: ModeObsolete, Relationship: rel})
}

func (b *Bundle) removeRelationship(i int) {
	b.relationships = append(b.relationships[:i], b.relationships[i+1:]...)
	b.relIndex = make(map[string]int, len(b.relationships))
	for j, op := range b.relationships {
		b.relIndex[op.Relationship.ID] = j
	}
}

// PendingRecord returns the record as this bundle will leave it.
func (b *Bundle) PendingRecord(key string) (*models.Record, bool) {
	i, ok := b.recordIndex[key]
	if !ok {
		return nil, false
	}
	return b.records[i].Record, true
}

// IsRetired reports whether the bundle retires the relationship with id.
func (b *Bundle) IsRetired(id string) bool {
	i, ok := b.relIndex[id]
	return ok && b.relationships[i].Mode == ModeObsolete
}

// Added returns the relationships this bundle activates.
func (b *Bundle) Added() []*models.Relationship {
	var out []*models.Relationship
	for _, op := range b.relationships {
		if op.Mode == ModeInsert {
			out = append(out, op.Relationship)
		}
	}
	return out
}

// Overlay applies the bundle's pending relationship writes to rels, as read from the store
// with q, so callers observe the post-commit graph.
func (b *Bundle) Overlay(q models.RelationshipQuery, rels []*models.Relationship) []*models.Relationship {
	out := make([]*models.Relationship, 0, len(rels))
	for _, rel := range rels {
		if q.ActiveOnly && b.IsRetired(rel.ID) {
			continue
		}
		out = append(out, rel)
	}
	for _, rel := range b.Added() {
		if MatchesQuery(q, rel) {
			out = append(out, rel)
		}
	}
	return out
}

func (b *Bundle) RecordOps() []RecordOp {
	return append([]RecordOp(nil), b.records...)
}

func (b *Bundle) RelationshipOps() []RelationshipOp {
	return append([]RelationshipOp(nil), b.relationships...)
}

// RelationshipDeltas counts the relationship changes the bundle would make.
func (b *Bundle) RelationshipDeltas() int {
	return len(b.relationships)
}

func (b *Bundle) Empty() bool {
	return len(b.records) == 0 && len(b.relationships) == 0
}

// Size is the total number of writes in the bundle.
func (b *Bundle) Size() int {
	return len(b.records) + len(b.relationships)
}
