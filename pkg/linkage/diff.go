package linkage

import (
	"context"
	"sort"
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Diff compares the synthesized view of masterKey with the raw record dupKey. Fields are
// dotted attribute paths plus "entity_type", "determiner" and one "identifiers.<DOMAIN>" entry
// per identifier domain. Linkage bookkeeping and master identifiers are not compared.
func (e *Engine) Diff(ctx context.Context, principal *models.Principal, masterKey, dupKey string) ([]models.FieldDiff, error) {
	ctx, span := tracing.StartSpan(ctx, "linkage.Engine.Diff")
	defer span.End()

	if err := requirePrincipal(principal); err != nil {
		return nil, err
	}
	if err := e.checker.Demand(ctx, principal, permissions.ReadLocals); err != nil {
		return nil, err
	}

	view, err := e.builder.Build(ctx, principal, masterKey)
	if err != nil {
		return nil, wrap("diff", masterKey, err)
	}
	dup, err := e.store.GetRecord(ctx, dupKey)
	if err != nil {
		return nil, wrap("diff", dupKey, err)
	}
	if !permissions.CanSee(principal, dup.Policies) {
		return nil, permissions.Deny(principal, permissions.ReadLocals, "duplicate carries a restricted policy")
	}

	left := e.fields(string(view.Determiner), view.EntityType, view.Identifiers, view.Attributes)
	right := e.fields(string(dup.Determiner), dup.EntityType, dup.Identifiers, dup.Attributes)
	return diffFields(left, right), nil
}

// fields flattens a record for comparison. Engine-issued master identifiers are skipped.
func (e *Engine) fields(determiner, entityType string, ids []models.Identifier, attrs map[string]any) map[string]string {
	out := map[string]string{
		"entity_type": entityType,
	}
	if determiner != "" {
		out["determiner"] = determiner
	}

	byDomain := map[string][]string{}
	for _, id := range ids {
		if strings.EqualFold(id.Domain, e.ids.Domain) {
			continue
		}
		d := strings.ToUpper(id.Domain)
		byDomain[d] = append(byDomain[d], id.Value)
	}
	for d, values := range byDomain {
		sort.Strings(values)
		out["identifiers."+d] = strings.Join(values, ",")
	}

	flatten("", attrs, out)
	return out
}

// flatten writes nested maps as dotted paths. A single-element list is compared as its
// element, longer lists are compared whole.
func flatten(prefix string, attrs map[string]any, out map[string]string) {
	for k, v := range attrs {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if list, ok := v.([]any); ok && len(list) == 1 {
			v = list[0]
		}
		if nested, ok := v.(map[string]any); ok {
			flatten(path, nested, out)
			continue
		}
		if s := models.Stringify(v); s != "" {
			out[path] = s
		}
	}
}

func diffFields(master, dup map[string]string) []models.FieldDiff {
	keys := make([]string, 0, len(master)+len(dup))
	for k := range master {
		keys = append(keys, k)
	}
	for k := range dup {
		if _, ok := master[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := []models.FieldDiff{}
	for _, k := range keys {
		m, inMaster := master[k]
		d, inDup := dup[k]
		switch {
		case inMaster && !inDup:
			out = append(out, models.FieldDiff{Field: k, Op: models.DiffRemoved, Master: m})
		case !inMaster && inDup:
			out = append(out, models.FieldDiff{Field: k, Op: models.DiffAdded, Duplicate: d})
		case m != d:
			out = append(out, models.FieldDiff{Field: k, Op: models.DiffChanged, Master: m, Duplicate: d})
		}
	}
	return out
}
