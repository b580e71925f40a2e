package models

import (
	"time"

	"github.com/google/uuid"
)

// RelationshipKind is the closed set of persisted linkage edge kinds.
type RelationshipKind string

const (
	KindMaster          RelationshipKind = "MASTER"
	KindOriginalMaster  RelationshipKind = "ORIGINAL_MASTER"
	KindRecordOfTruth   RelationshipKind = "RECORD_OF_TRUTH"
	KindCandidate       RelationshipKind = "CANDIDATE"
	KindIgnoreCandidate RelationshipKind = "IGNORE_CANDIDATE"
	KindReplaces        RelationshipKind = "REPLACES"
)

var relationshipKinds = []RelationshipKind{
	KindMaster, KindOriginalMaster, KindRecordOfTruth, KindCandidate, KindIgnoreCandidate, KindReplaces,
}

func RelationshipKinds() []RelationshipKind {
	return append([]RelationshipKind(nil), relationshipKinds...)
}

func (k RelationshipKind) Valid() bool {
	for _, kind := range relationshipKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// LinkClassification says whether an edge was produced by the matcher or confirmed by a human.
type LinkClassification string

const (
	LinkAutomatic LinkClassification = "AUTOMATIC"
	LinkVerified  LinkClassification = "VERIFIED"
)

// Relationship is a directed, typed edge between two records. ObsoleteSequence is nil while
// the edge is active; otherwise it holds the commit sequence that retired it.
type Relationship struct {
	ID               string             `json:"id"`
	SourceKey        string             `json:"source_key"`
	TargetKey        string             `json:"target_key"`
	Kind             RelationshipKind   `json:"kind"`
	Classification   LinkClassification `json:"classification"`
	Strength         float64            `json:"strength,omitempty"`
	CreatedSequence  int64              `json:"created_sequence"`
	ObsoleteSequence *int64             `json:"obsolete_sequence,omitempty"`
	CreatedBy        string             `json:"created_by,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
}

func (r *Relationship) IsActive() bool {
	return r != nil && r.ObsoleteSequence == nil
}

func (r *Relationship) IsVerified() bool {
	return r != nil && r.Classification == LinkVerified
}

func (r *Relationship) Connects(source, target string) bool {
	return r.SourceKey == source && r.TargetKey == target
}

func newRelationship(kind RelationshipKind, source, target string, cls LinkClassification) *Relationship {
	return &Relationship{
		ID:             uuid.New().String(),
		SourceKey:      source,
		TargetKey:      target,
		Kind:           kind,
		Classification: cls,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewMasterLink links a LOCAL (or ROT) to the master it belongs to.
func NewMasterLink(local, master string, cls LinkClassification) *Relationship {
	return newRelationship(KindMaster, local, master, cls)
}

// NewOriginalMasterLink records the master a source was detached from.
func NewOriginalMasterLink(local, formerMaster string, cls LinkClassification) *Relationship {
	return newRelationship(KindOriginalMaster, local, formerMaster, cls)
}

// NewCandidateLink proposes master as a probable duplicate of local.
func NewCandidateLink(local, master string, strength float64) *Relationship {
	rel := newRelationship(KindCandidate, local, master, LinkAutomatic)
	rel.Strength = strength
	return rel
}

// NewIgnoreLink permanently suppresses the local/master pairing from candidate proposal.
func NewIgnoreLink(local, master string) *Relationship {
	return newRelationship(KindIgnoreCandidate, local, master, LinkVerified)
}

// NewRecordOfTruthLink designates rot as the record of truth of master.
func NewRecordOfTruthLink(master, rot string) *Relationship {
	return newRelationship(KindRecordOfTruth, master, rot, LinkVerified)
}

// NewReplacesLink records that survivor replaced replaced.
func NewReplacesLink(survivor, replaced string, cls LinkClassification) *Relationship {
	return newRelationship(KindReplaces, survivor, replaced, cls)
}

// RelationshipQuery selects relationships. Empty slices do not constrain.
type RelationshipQuery struct {
	SourceKeys []string
	TargetKeys []string
	Kinds      []RelationshipKind
	ActiveOnly bool
}
