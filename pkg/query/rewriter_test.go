package query

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/synthesis"
)

var (
	client = &models.Principal{UserID: "u1", ApplicationID: "app1"}
	reader = &models.Principal{UserID: "u2", ApplicationID: "app2", Permissions: []string{permissions.ReadLocals}}
)

type fixture struct {
	ctx      context.Context
	store    *memory.Store
	pipeline *pipeline.Pipeline
	rewriter *Rewriter
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	s := memory.New()
	for _, d := range []string{"MDM", linkage.DefaultMasterIdentifierDomain} {
		_, err := s.SaveDomain(ctx, &models.IdentifierDomain{Name: d, Unique: true})
		require.NoError(t, err)
	}
	cache := matching.NewDomainCache(s, logger)
	require.NoError(t, cache.Init(ctx))

	builder := synthesis.NewBuilder(s, nil, logger)
	p := pipeline.New(s, logger)
	engine := linkage.New(linkage.Dependencies{
		Store:     s,
		Identity:  matching.NewIdentityMatcher(s, cache, logger),
		Domains:   cache,
		Providers: []matching.Provider{matching.NewAttributeMatcher(s, nil, logger)},
		Builder:   builder,
		Committer: p,
	}, linkage.Config{AutoMerge: true}, logger)
	p.Use(engine)
	p.AddHook(engine.Triggers())

	return &fixture{
		ctx:      ctx,
		store:    s,
		pipeline: p,
		rewriter: NewRewriter(s, builder, nil, engine, logger),
	}
}

func (f *fixture) insert(t *testing.T, rec *models.Record) *models.Record {
	t.Helper()
	res, err := f.pipeline.Apply(f.ctx, &pipeline.Write{Op: pipeline.OpInsert, Record: rec, Principal: client})
	require.NoError(t, err)
	return res.Record
}

func (f *fixture) masterOf(t *testing.T, key string) string {
	t.Helper()
	links, err := f.store.QueryRelationships(f.ctx, models.RelationshipQuery{
		SourceKeys: []string{key},
		Kinds:      []models.RelationshipKind{models.KindMaster},
		ActiveOnly: true,
	})
	require.NoError(t, err)
	require.Len(t, links, 1)
	return links[0].TargetKey
}

func patient(key, given, id string, policies ...string) *models.Record {
	return &models.Record{
		Key:            key,
		EntityType:     "Patient",
		Classification: models.ClassificationLocal,
		Identifiers:    []models.Identifier{{Domain: "MDM", Value: id}},
		Attributes: map[string]any{
			"name": map[string]any{"given": given, "family": "Smith"},
			"dob":  "1983-01-10",
		},
		Policies: policies,
	}
}

func TestRewriter_SearchByLocalIdentifierReturnsMaster(t *testing.T) {
	f := setup(t)
	f.insert(t, patient("A", "John", "MDM-01"))
	master := f.masterOf(t, "A")

	items, err := f.rewriter.Search(f.ctx, client, Query{Filter: models.RecordFilter{
		EntityType: "Patient",
		Identifier: &models.Identifier{Domain: "MDM", Value: "MDM-01"},
	}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].View)
	assert.Nil(t, items[0].Record)
	assert.Equal(t, master, items[0].View.Key)
	assert.Equal(t, []string{"A"}, items[0].View.Sources)

	rec, err := f.store.GetRecord(f.ctx, master)
	require.NoError(t, err)
	nhid := rec.IdentifiersIn(linkage.DefaultMasterIdentifierDomain)[0]

	items, err = f.rewriter.Search(f.ctx, client, Query{Filter: models.RecordFilter{EntityType: "Patient", Identifier: &nhid}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, master, items[0].View.Key)
}

func TestRewriter_SearchByAttributes(t *testing.T) {
	f := setup(t)
	f.insert(t, patient("A", "John", "MDM-05A"))
	f.insert(t, patient("B", "Mary", "MDM-05B"))
	f.insert(t, patient("C", "Ann", "MDM-05C", "vip"))

	items, err := f.rewriter.Search(f.ctx, client, Query{Filter: models.RecordFilter{
		EntityType: "Patient",
		Attributes: map[string]string{"name.family": "smith"},
	}})
	require.NoError(t, err)
	want := []string{f.masterOf(t, "A"), f.masterOf(t, "B")}
	got := make([]string, 0, len(items))
	for _, it := range items {
		got = append(got, it.View.Key)
	}
	assert.ElementsMatch(t, want, got)

	t.Run("limit", func(t *testing.T) {
		items, err := f.rewriter.Search(f.ctx, client, Query{Filter: models.RecordFilter{
			EntityType: "Patient",
			Attributes: map[string]string{"name.family": "smith"},
			Limit:      1,
		}})
		require.NoError(t, err)
		assert.Len(t, items, 1)
	})
}

func TestRewriter_Locals(t *testing.T) {
	f := setup(t)
	f.insert(t, patient("A", "John", "MDM-06"))
	filter := models.RecordFilter{EntityType: "Patient"}

	items, err := f.rewriter.Search(f.ctx, client, Query{Filter: filter, Locals: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].View)
	assert.Nil(t, items[0].Record)
	assert.Equal(t, f.masterOf(t, "A"), items[0].View.Key)

	items, err = f.rewriter.Search(f.ctx, reader, Query{Filter: filter, Locals: true})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "A", items[0].Record.Key)
}

func TestRewriter_UntypedSearch(t *testing.T) {
	f := setup(t)
	f.insert(t, patient("A", "John", "MDM-09"))
	f.insert(t, &models.Record{
		Key:            "D1",
		EntityType:     "Device",
		Classification: models.ClassificationLocal,
		Identifiers:    []models.Identifier{{Domain: "MDM", Value: "MDM-09"}},
	})
	master := f.masterOf(t, "A")
	byID := models.RecordFilter{Identifier: &models.Identifier{Domain: "MDM", Value: "MDM-09"}}

	keys := func(items []*Item) (views, records []string) {
		for _, it := range items {
			if it.View != nil {
				views = append(views, it.View.Key)
			}
			if it.Record != nil {
				records = append(records, it.Record.Key)
			}
		}
		return views, records
	}

	t.Run("governed locals are rewritten to masters", func(t *testing.T) {
		items, err := f.rewriter.Search(f.ctx, client, Query{Filter: byID})
		require.NoError(t, err)
		views, records := keys(items)
		assert.Equal(t, []string{master}, views)
		assert.Equal(t, []string{"D1"}, records)
	})

	t.Run("locals without read-locals still get masters", func(t *testing.T) {
		items, err := f.rewriter.Search(f.ctx, client, Query{Filter: byID, Locals: true})
		require.NoError(t, err)
		views, records := keys(items)
		assert.Equal(t, []string{master}, views)
		assert.NotContains(t, records, "A")
	})

	t.Run("read-locals sees sources", func(t *testing.T) {
		items, err := f.rewriter.Search(f.ctx, reader, Query{Filter: byID, Locals: true})
		require.NoError(t, err)
		views, records := keys(items)
		assert.Empty(t, views)
		assert.ElementsMatch(t, []string{"A", "D1"}, records)
	})
}

func TestRewriter_Get(t *testing.T) {
	f := setup(t)
	f.insert(t, patient("A", "John", "MDM-07"))
	f.insert(t, patient("V", "Vera", "MDM-08", "vip"))
	master := f.masterOf(t, "A")

	tests := []struct {
		name      string
		principal *models.Principal
		key       string
		view      bool
		err       error
		violation bool
	}{
		{name: "master is synthesized", principal: client, key: master, view: true},
		{name: "local without read-locals", principal: client, key: "A", violation: true},
		{name: "local with read-locals", principal: reader, key: "A"},
		{name: "restricted local", principal: reader, key: "V", err: store.ErrNotFound},
		{name: "missing", principal: client, key: "nope", err: store.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := f.rewriter.Get(f.ctx, tt.principal, tt.key)
			switch {
			case tt.violation:
				assert.True(t, permissions.IsPolicyViolation(err))
			case tt.err != nil:
				assert.ErrorIs(t, err, tt.err)
			case tt.view:
				require.NoError(t, err)
				assert.Equal(t, tt.key, item.View.Key)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.key, item.Record.Key)
			}
		})
	}
}

func TestRewriter_UngovernedTypes(t *testing.T) {
	f := setup(t)
	f.insert(t, &models.Record{
		Key:            "D1",
		EntityType:     "Device",
		Classification: models.ClassificationLocal,
		Attributes:     map[string]any{"serial": "X-1"},
	})

	items, err := f.rewriter.Search(f.ctx, client, Query{Filter: models.RecordFilter{EntityType: "Device"}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "D1", items[0].Record.Key)

	item, err := f.rewriter.Get(f.ctx, client, "D1")
	require.NoError(t, err)
	assert.Equal(t, "D1", item.Record.Key)
}
