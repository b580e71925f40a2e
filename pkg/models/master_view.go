package models

import "time"

// MasterView is the read-only composite of a master built from its record of truth and
// linked locals.
type MasterView struct {
	Key           string         `json:"key"`
	EntityType    string         `json:"entity_type"`
	Status        RecordStatus   `json:"status"`
	Determiner    Determiner     `json:"determiner,omitempty"`
	Identifiers   []Identifier   `json:"identifiers"`
	Attributes    map[string]any `json:"attributes"`
	Sources       []string       `json:"sources"`
	RecordOfTruth string         `json:"record_of_truth,omitempty"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DiffOp describes how a field differs between a master view and a duplicate.
type DiffOp string

const (
	DiffAdded   DiffOp = "added"
	DiffRemoved DiffOp = "removed"
	DiffChanged DiffOp = "changed"
)

// FieldDiff is one structural difference reported by Diff.
type FieldDiff struct {
	Field     string `json:"field"`
	Op        DiffOp `json:"op"`
	Master    any    `json:"master,omitempty"`
	Duplicate any    `json:"duplicate,omitempty"`
}
