// Package store declares the persistence contracts the linkage engine consumes and the
// bundle primitive every mutation is funneled through.
package store

import (
	"context"
	"errors"
	"slices"

	"github.com/Ramsey-B/fern/pkg/models"
)

var (
	// ErrNotFound is returned when a keyed lookup finds nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a bundle touches a record whose version moved underneath it.
	ErrConflict = errors.New("concurrent modification")
)

type RecordStore interface {
	GetRecord(ctx context.Context, key string) (*models.Record, error)
	GetRecords(ctx context.Context, keys []string) ([]*models.Record, error)
	FindByIdentifier(ctx context.Context, id models.Identifier) ([]*models.Record, error)
	QueryRecords(ctx context.Context, filter models.RecordFilter) ([]*models.Record, error)
	// ListKeys pages record keys in key order, starting after the given key.
	ListKeys(ctx context.Context, entityType string, classification models.RecordClassification, after string, limit int) ([]string, error)
}

type RelationshipStore interface {
	QueryRelationships(ctx context.Context, q models.RelationshipQuery) ([]*models.Relationship, error)
}

type DomainStore interface {
	ListDomains(ctx context.Context) ([]models.IdentifierDomain, error)
	GetDomain(ctx context.Context, name string) (*models.IdentifierDomain, error)
	SaveDomain(ctx context.Context, domain *models.IdentifierDomain) (*models.IdentifierDomain, error)
	DeleteDomain(ctx context.Context, name string) error
}

// Store is the full persistence surface. Commit applies a bundle atomically.
type Store interface {
	RecordStore
	RelationshipStore
	DomainStore
	Commit(ctx context.Context, bundle *Bundle) (*CommitResult, error)
	Ping(ctx context.Context) error
}

// CommitResult reports what a bundle commit actually wrote.
type CommitResult struct {
	Sequence      int64
	Records       []RecordOp
	Relationships []RelationshipOp
}

// Inserted returns the relationships the commit activated.
func (r *CommitResult) Inserted() []*models.Relationship {
	return r.relationships(ModeInsert)
}

// Obsoleted returns the relationships the commit retired.
func (r *CommitResult) Obsoleted() []*models.Relationship {
	return r.relationships(ModeObsolete)
}

func (r *CommitResult) relationships(mode Mode) []*models.Relationship {
	if r == nil {
		return nil
	}
	var out []*models.Relationship
	for _, op := range r.Relationships {
		if op.Mode == mode {
			out = append(out, op.Relationship)
		}
	}
	return out
}

// MatchesQuery reports whether rel satisfies q.
func MatchesQuery(q models.RelationshipQuery, rel *models.Relationship) bool {
	if q.ActiveOnly && !rel.IsActive() {
		return false
	}
	if len(q.SourceKeys) > 0 && !slices.Contains(q.SourceKeys, rel.SourceKey) {
		return false
	}
	if len(q.TargetKeys) > 0 && !slices.Contains(q.TargetKeys, rel.TargetKey) {
		return false
	}
	if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, rel.Kind) {
		return false
	}
	return true
}
