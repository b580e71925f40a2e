package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Statement is one parameterized cypher statement.
type Statement struct {
	Cypher string
	Params map[string]any
}

// Executor runs statements atomically.
type Executor interface {
	Execute(ctx context.Context, statements []Statement) error
}

// Projector is a post-commit hook that mirrors every committed bundle into the graph:
// records become (:Record) nodes and relationships become typed edges that keep their
// obsolete_sequence once retired.
type Projector struct {
	executor Executor
	logger   ectologger.Logger
}

var _ pipeline.PostCommitHook = (*Projector)(nil)

func NewProjector(executor Executor, logger ectologger.Logger) *Projector {
	return &Projector{
		executor: executor,
		logger:   logger,
	}
}

func (p *Projector) Name() string {
	return "graph-projection"
}

func (p *Projector) AfterCommit(ctx context.Context, c *pipeline.Committed) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Projector.AfterCommit")
	defer span.End()

	statements := Statements(c.Result)
	if len(statements) == 0 {
		return nil
	}
	if err := p.executor.Execute(ctx, statements); err != nil {
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"sequence":   c.Result.Sequence,
			"statements": len(statements),
		}).Error("Failed to project commit into graph")
		return err
	}
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"sequence":   c.Result.Sequence,
		"statements": len(statements),
	}).Debug("Projected commit into graph")
	return nil
}

const upsertRecord = `
	MERGE (n:Record {key: $key})
	SET n.entity_type = $entity_type,
		n.classification = $classification,
		n.status = $status,
		n.version = $version`

// Statements translates a commit into cypher, records before relationships so edge endpoints
// exist.
func Statements(result *store.CommitResult) []Statement {
	if result == nil {
		return nil
	}
	var out []Statement
	for _, op := range result.Records {
		r := op.Record
		out = append(out, Statement{
			Cypher: upsertRecord,
			Params: map[string]any{
				"key":            r.Key,
				"entity_type":    r.EntityType,
				"classification": string(r.Classification),
				"status":         string(r.Status),
				"version":        r.Version,
			},
		})
	}
	for _, op := range result.Relationships {
		rel := op.Relationship
		label := sanitizeLabel(string(rel.Kind))
		switch op.Mode {
		case store.ModeInsert:
			out = append(out, Statement{
				Cypher: fmt.Sprintf(`
	MERGE (s:Record {key: $source})
	MERGE (t:Record {key: $target})
	MERGE (s)-[r:%s {id: $id}]->(t)
	SET r += $props`, label),
				Params: map[string]any{
					"source": rel.SourceKey,
					"target": rel.TargetKey,
					"id":     rel.ID,
					"props":  relationshipProps(rel),
				},
			})
		case store.ModeObsolete:
			var seq int64
			if rel.ObsoleteSequence != nil {
				seq = *rel.ObsoleteSequence
			}
			out = append(out, Statement{
				Cypher: fmt.Sprintf(`
	MATCH ()-[r:%s {id: $id}]->()
	SET r.obsolete_sequence = $obsolete_sequence`, label),
				Params: map[string]any{
					"id":                rel.ID,
					"obsolete_sequence": seq,
				},
			})
		}
	}
	return out
}

func relationshipProps(rel *models.Relationship) map[string]any {
	props := map[string]any{
		"classification":   string(rel.Classification),
		"created_sequence": rel.CreatedSequence,
		"created_by":       rel.CreatedBy,
		"created_at":       rel.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if rel.Strength != 0 {
		props["strength"] = rel.Strength
	}
	return props
}

// sanitizeLabel keeps only characters valid in an unquoted cypher label.
func sanitizeLabel(label string) string {
	result := make([]rune, 0, len(label))
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result = append(result, c)
		}
	}
	if len(result) == 0 {
		return "RELATED"
	}
	return string(result)
}
