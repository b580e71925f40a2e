package store

import (
	"context"
	"errors"

	"github.com/Ramsey-B/fern/pkg/models"
)

// View reads through a pending bundle: records and relationships appear as they will after
// the bundle commits.
type View struct {
	Store  Store
	Bundle *Bundle
}

func NewView(s Store, b *Bundle) *View {
	return &View{Store: s, Bundle: b}
}

// GetRecord returns the pending version of key if the bundle touches it.
func (v *View) GetRecord(ctx context.Context, key string) (*models.Record, error) {
	if r, ok := v.Bundle.PendingRecord(key); ok {
		return r, nil
	}
	return v.Store.GetRecord(ctx, key)
}

// FindRecord is GetRecord that maps ErrNotFound to nil.
func (v *View) FindRecord(ctx context.Context, key string) (*models.Record, error) {
	r, err := v.GetRecord(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

func (v *View) Relationships(ctx context.Context, q models.RelationshipQuery) ([]*models.Relationship, error) {
	rels, err := v.Store.QueryRelationships(ctx, q)
	if err != nil {
		return nil, err
	}
	return v.Bundle.Overlay(q, rels), nil
}

// Active returns active relationships of kind from source to target; empty keys do not constrain.
func (v *View) Active(ctx context.Context, source, target string, kinds ...models.RelationshipKind) ([]*models.Relationship, error) {
	q := models.RelationshipQuery{Kinds: kinds, ActiveOnly: true}
	if source != "" {
		q.SourceKeys = []string{source}
	}
	if target != "" {
		q.TargetKeys = []string{target}
	}
	return v.Relationships(ctx, q)
}
