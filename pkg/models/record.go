package models

import (
	"slices"
	"strings"
	"time"
)

// RecordClassification tags what role a record plays in linkage.
type RecordClassification string

const (
	ClassificationLocal         RecordClassification = "LOCAL"
	ClassificationMaster        RecordClassification = "MASTER"
	ClassificationRecordOfTruth RecordClassification = "RECORD_OF_TRUTH"
)

func (c RecordClassification) Valid() bool {
	switch c {
	case ClassificationLocal, ClassificationMaster, ClassificationRecordOfTruth:
		return true
	}
	return false
}

// RecordStatus is the lifecycle status of a record. Records are never hard-deleted.
type RecordStatus string

const (
	StatusActive    RecordStatus = "ACTIVE"
	StatusObsolete  RecordStatus = "OBSOLETE"
	StatusNullified RecordStatus = "NULLIFIED"
)

// Determiner distinguishes a concrete instance from a kind/type-level entity.
type Determiner string

const (
	DeterminerInstance Determiner = "INSTANCE"
	DeterminerKind     Determiner = "KIND"
)

// Identifier is a domain-qualified identifier value.
type Identifier struct {
	Domain string `json:"domain" validate:"required"`
	Value  string `json:"value" validate:"required"`
}

func (i Identifier) Equal(o Identifier) bool {
	return strings.EqualFold(i.Domain, o.Domain) && i.Value == o.Value
}

// Provenance records who created or last wrote a record.
type Provenance struct {
	UserID        string `json:"user_id,omitempty"`
	ApplicationID string `json:"application_id,omitempty"`
	DeviceID      string `json:"device_id,omitempty"`
}

// Record is any governed domain entity: a source (LOCAL), a golden record (MASTER) or a
// RECORD_OF_TRUTH.
type Record struct {
	Key            string               `json:"key"`
	EntityType     string               `json:"entity_type" validate:"required"`
	Classification RecordClassification `json:"classification"`
	Status         RecordStatus         `json:"status"`
	Determiner     Determiner           `json:"determiner,omitempty"`
	Identifiers    []Identifier         `json:"identifiers,omitempty" validate:"dive"`
	Attributes     map[string]any       `json:"attributes,omitempty"`
	Policies       []string             `json:"policies,omitempty"`
	Provenance     Provenance           `json:"provenance"`
	// MasterKey names the master a RECORD_OF_TRUTH write governs. It is not persisted.
	MasterKey string    `json:"master_key,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) IsActive() bool {
	return r != nil && r.Status == StatusActive
}

func (r *Record) IsMaster() bool {
	return r != nil && r.Classification == ClassificationMaster
}

func (r *Record) IsLocal() bool {
	return r != nil && r.Classification == ClassificationLocal
}

func (r *Record) IsRecordOfTruth() bool {
	return r != nil && r.Classification == ClassificationRecordOfTruth
}

// HasIdentifier reports whether the record carries id.
func (r *Record) HasIdentifier(id Identifier) bool {
	return slices.ContainsFunc(r.Identifiers, id.Equal)
}

// IdentifiersIn returns the record's identifiers in domain.
func (r *Record) IdentifiersIn(domain string) []Identifier {
	var out []Identifier
	for _, id := range r.Identifiers {
		if strings.EqualFold(id.Domain, domain) {
			out = append(out, id)
		}
	}
	return out
}

// OwnedBy reports whether the record was contributed by the principal's application
// (and device, when the principal is device-bound).
func (r *Record) OwnedBy(p *Principal) bool {
	if r == nil || p == nil || p.ApplicationID == "" {
		return false
	}
	if r.Provenance.ApplicationID != p.ApplicationID {
		return false
	}
	return p.DeviceID == "" || r.Provenance.DeviceID == "" || r.Provenance.DeviceID == p.DeviceID
}

// Clone returns a deep-enough copy for the engine to mutate without touching caller state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Identifiers = slices.Clone(r.Identifiers)
	c.Policies = slices.Clone(r.Policies)
	if r.Attributes != nil {
		c.Attributes = make(map[string]any, len(r.Attributes))
		for k, v := range r.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}

// RecordFilter is a conjunctive record predicate.
type RecordFilter struct {
	EntityType     string
	Classification RecordClassification
	// Statuses defaults to ACTIVE only
	Statuses   []RecordStatus
	Identifier *Identifier
	// Attributes are equality predicates on top-level or dotted attribute paths
	Attributes map[string]string
	Limit      int
}

// HasIdentifierPart reports whether the filter constrains identifiers.
func (f RecordFilter) HasIdentifierPart() bool {
	return f.Identifier != nil
}
