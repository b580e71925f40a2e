// Package memory is an in-process Store. It backs tests and STORE_DRIVER=memory.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/store"
)

type Store struct {
	mu            sync.RWMutex
	records       map[string]*models.Record
	relationships map[string]*models.Relationship
	relOrder      []string
	domains       map[string]models.IdentifierDomain
	sequence      int64
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		records:       map[string]*models.Record{},
		relationships: map[string]*models.Relationship{},
		domains:       map[string]models.IdentifierDomain{},
	}
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func (s *Store) GetRecord(_ context.Context, key string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", key, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) GetRecords(_ context.Context, keys []string) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Record, 0, len(keys))
	for _, key := range keys {
		if r, ok := s.records[key]; ok {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) FindByIdentifier(_ context.Context, id models.Identifier) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Record
	for _, key := range s.sortedKeys() {
		r := s.records[key]
		if r.IsActive() && r.HasIdentifier(id) {
			out = append(out, r.Clone())
		}
	}
	return out, nil
}

func (s *Store) QueryRecords(_ context.Context, filter models.RecordFilter) ([]*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statuses := filter.Statuses
	if len(statuses) == 0 {
		statuses = []models.RecordStatus{models.StatusActive}
	}

	var out []*models.Record
	for _, key := range s.sortedKeys() {
		r := s.records[key]
		if !matchesFilter(r, filter, statuses) {
			continue
		}
		out = append(out, r.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(r *models.Record, f models.RecordFilter, statuses []models.RecordStatus) bool {
	if !slices.Contains(statuses, r.Status) {
		return false
	}
	if f.EntityType != "" && !strings.EqualFold(r.EntityType, f.EntityType) {
		return false
	}
	if f.Classification != "" && r.Classification != f.Classification {
		return false
	}
	if f.Identifier != nil && !r.HasIdentifier(*f.Identifier) {
		return false
	}
	for path, want := range f.Attributes {
		got, ok := models.LookupString(r.Attributes, path)
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

func (s *Store) ListKeys(_ context.Context, entityType string, classification models.RecordClassification, after string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for _, key := range s.sortedKeys() {
		if key <= after {
			continue
		}
		r := s.records[key]
		if !r.IsActive() || (entityType != "" && !strings.EqualFold(r.EntityType, entityType)) || (classification != "" && r.Classification != classification) {
			continue
		}
		out = append(out, key)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) sortedKeys() []string {
	keys := make([]string, 0, len(s.records))
	for k := range s.records {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) QueryRelationships(_ context.Context, q models.RelationshipQuery) ([]*models.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Relationship
	for _, id := range s.relOrder {
		rel := s.relationships[id]
		if store.MatchesQuery(q, rel) {
			out = append(out, cloneRelationship(rel))
		}
	}
	return out, nil
}

// Commit validates the whole bundle before applying any of it.
func (s *Store) Commit(_ context.Context, bundle *store.Bundle) (*store.CommitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(bundle); err != nil {
		return nil, err
	}

	s.sequence++
	seq := s.sequence
	now := time.Now().UTC()
	result := &store.CommitResult{Sequence: seq}

	for _, op := range bundle.RecordOps() {
		r := op.Record.Clone()
		r.MasterKey = ""
		if existing, ok := s.records[r.Key]; ok {
			r.CreatedAt = existing.CreatedAt
			r.Version = existing.Version + 1
		} else {
			r.CreatedAt = now
			r.Version = 1
		}
		r.UpdatedAt = now
		s.records[r.Key] = r
		result.Records = append(result.Records, store.RecordOp{Mode: op.Mode, Record: r.Clone()})
	}

	for _, op := range bundle.RelationshipOps() {
		switch op.Mode {
		case store.ModeInsert:
			rel := cloneRelationship(op.Relationship)
			rel.CreatedSequence = seq
			if rel.CreatedAt.IsZero() {
				rel.CreatedAt = now
			}
			s.relationships[rel.ID] = rel
			s.relOrder = append(s.relOrder, rel.ID)
			result.Relationships = append(result.Relationships, store.RelationshipOp{Mode: op.Mode, Relationship: cloneRelationship(rel)})
		case store.ModeObsolete:
			rel := s.relationships[op.Relationship.ID]
			marker := seq
			rel.ObsoleteSequence = &marker
			result.Relationships = append(result.Relationships, store.RelationshipOp{Mode: op.Mode, Relationship: cloneRelationship(rel)})
		}
	}

	return result, nil
}

func (s *Store) validate(bundle *store.Bundle) error {
	for _, op := range bundle.RecordOps() {
		existing, ok := s.records[op.Record.Key]
		switch op.Mode {
		case store.ModeInsert:
			if ok {
				return fmt.Errorf("record %s already exists: %w", op.Record.Key, store.ErrConflict)
			}
		default:
			if !ok {
				return fmt.Errorf("record %s: %w", op.Record.Key, store.ErrNotFound)
			}
			if op.Record.Version != 0 && op.Record.Version != existing.Version {
				return fmt.Errorf("record %s at version %d, bundle expected %d: %w", op.Record.Key, existing.Version, op.Record.Version, store.ErrConflict)
			}
		}
	}
	for _, op := range bundle.RelationshipOps() {
		existing, ok := s.relationships[op.Relationship.ID]
		switch op.Mode {
		case store.ModeInsert:
			if ok {
				return fmt.Errorf("relationship %s already exists: %w", op.Relationship.ID, store.ErrConflict)
			}
		case store.ModeObsolete:
			if !ok {
				return fmt.Errorf("relationship %s: %w", op.Relationship.ID, store.ErrNotFound)
			}
			if !existing.IsActive() {
				return fmt.Errorf("relationship %s already retired: %w", op.Relationship.ID, store.ErrConflict)
			}
		}
	}
	return nil
}

func (s *Store) ListDomains(_ context.Context) ([]models.IdentifierDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.IdentifierDomain, 0, len(s.domains))
	for _, d := range s.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) GetDomain(_ context.Context, name string) (*models.IdentifierDomain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.domains[strings.ToUpper(name)]
	if !ok {
		return nil, fmt.Errorf("identifier domain %s: %w", name, store.ErrNotFound)
	}
	return &d, nil
}

func (s *Store) SaveDomain(_ context.Context, domain *models.IdentifierDomain) (*models.IdentifierDomain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	key := strings.ToUpper(domain.Name)
	d := *domain
	if existing, ok := s.domains[key]; ok {
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	s.domains[key] = d
	return &d, nil
}

func (s *Store) DeleteDomain(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToUpper(name)
	if _, ok := s.domains[key]; !ok {
		return fmt.Errorf("identifier domain %s: %w", name, store.ErrNotFound)
	}
	delete(s.domains, key)
	return nil
}

func cloneRelationship(rel *models.Relationship) *models.Relationship {
	c := *rel
	if rel.ObsoleteSequence != nil {
		marker := *rel.ObsoleteSequence
		c.ObsoleteSequence = &marker
	}
	return &c
}
