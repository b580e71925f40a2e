package linkage

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/synthesis"
)

var (
	operator = &models.Principal{UserID: "op", ApplicationID: "console", Permissions: permissions.All()}
	client   = &models.Principal{UserID: "u1", ApplicationID: "app1"}
	other    = &models.Principal{UserID: "u2", ApplicationID: "app2"}
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	pipeline *pipeline.Pipeline
	engine   *Engine
}

func newHarness(t *testing.T, autoMerge bool) *harness {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	s := memory.New()

	for _, d := range []string{"MDM", DefaultMasterIdentifierDomain} {
		_, err := s.SaveDomain(ctx, &models.IdentifierDomain{Name: d, Unique: true})
		require.NoError(t, err)
	}
	cache := matching.NewDomainCache(s, logger)
	require.NoError(t, cache.Init(ctx))

	p := pipeline.New(s, logger)
	e := New(Dependencies{
		Store:     s,
		Identity:  matching.NewIdentityMatcher(s, cache, logger),
		Domains:   cache,
		Providers: []matching.Provider{matching.NewAttributeMatcher(s, nil, logger)},
		Builder:   synthesis.NewBuilder(s, synthesis.DefaultRules(), logger),
		Committer: p,
	}, Config{AutoMerge: autoMerge}, logger)
	p.Use(e)
	p.AddHook(e.Triggers())

	return &harness{t: t, ctx: ctx, store: s, pipeline: p, engine: e}
}

func john(mbo int) map[string]any {
	attrs := map[string]any{
		"name":   map[string]any{"given": "John", "family": "Smith"},
		"dob":    "1983-01-10",
		"gender": "male",
	}
	if mbo > 0 {
		attrs["multiBirthOrder"] = mbo
	}
	return attrs
}

func mdm(value string) models.Identifier {
	return models.Identifier{Domain: "MDM", Value: value}
}

func local(key string, attrs map[string]any, ids ...models.Identifier) *models.Record {
	return &models.Record{
		Key:            key,
		EntityType:     "Patient",
		Classification: models.ClassificationLocal,
		Identifiers:    ids,
		Attributes:     attrs,
	}
}

func (h *harness) apply(p *models.Principal, op pipeline.Op, rec *models.Record) (*pipeline.Result, error) {
	return h.pipeline.Apply(h.ctx, &pipeline.Write{Op: op, Record: rec, Principal: p})
}

func (h *harness) insert(rec *models.Record) *models.Record {
	h.t.Helper()
	res, err := h.apply(client, pipeline.OpInsert, rec)
	require.NoError(h.t, err)
	return res.Record
}

// update rewrites key's attributes, keeping everything else.
func (h *harness) update(key string, attrs map[string]any) *pipeline.Result {
	h.t.Helper()
	rec := h.record(key).Clone()
	rec.Attributes = attrs
	res, err := h.apply(client, pipeline.OpUpdate, rec)
	require.NoError(h.t, err)
	return res
}

func (h *harness) record(key string) *models.Record {
	h.t.Helper()
	rec, err := h.store.GetRecord(h.ctx, key)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) active(source, target string, kind models.RelationshipKind) []*models.Relationship {
	h.t.Helper()
	v := store.NewView(h.store, store.NewBundle())
	rels, err := v.Active(h.ctx, source, target, kind)
	require.NoError(h.t, err)
	return rels
}

// masterOf returns the single active MASTER edge of key.
func (h *harness) masterOf(key string) *models.Relationship {
	h.t.Helper()
	links := h.active(key, "", models.KindMaster)
	require.Len(h.t, links, 1, "active MASTER edges of %s", key)
	return links[0]
}

func (h *harness) view(masterKey string) *models.MasterView {
	h.t.Helper()
	view, err := h.engine.builder.Build(h.ctx, operator, masterKey)
	require.NoError(h.t, err)
	return view
}

// checkInvariants asserts the graph invariants over every active record.
func (h *harness) checkInvariants() {
	h.t.Helper()
	for _, cls := range []models.RecordClassification{models.ClassificationLocal, models.ClassificationRecordOfTruth} {
		keys, err := h.store.ListKeys(h.ctx, "Patient", cls, "", 0)
		require.NoError(h.t, err)
		for _, k := range keys {
			links := h.active(k, "", models.KindMaster)
			assert.LessOrEqual(h.t, len(links), 1, "source %s has %d master links", k, len(links))
			for _, l := range links {
				assert.Empty(h.t, h.active(k, l.TargetKey, models.KindCandidate), "candidate beside master link of %s", k)
				assert.Empty(h.t, h.active(k, l.TargetKey, models.KindOriginalMaster), "original master beside master link of %s", k)
			}
		}
	}
	masters, err := h.store.ListKeys(h.ctx, "Patient", models.ClassificationMaster, "", 0)
	require.NoError(h.t, err)
	for _, m := range masters {
		assert.NotEmpty(h.t, h.active("", m, models.KindMaster), "active master %s is orphaned", m)
		assert.LessOrEqual(h.t, len(h.active(m, "", models.KindRecordOfTruth)), 1, "master %s has several records of truth", m)
	}
}

// twins inserts A (multiple birth order 1) and B (order 2), which match only probably.
func (h *harness) twins() (a, b *models.Record) {
	a = h.insert(local("A", john(1), mdm("MDM-03A")))
	b = h.insert(local("B", john(2), mdm("MDM-03B")))
	return a, b
}

func TestEngine_NewRecordGetsNewMaster(t *testing.T) {
	h := newHarness(t, true)
	h.insert(local("A", john(0), mdm("MDM-01")))

	link := h.masterOf("A")
	assert.Equal(t, models.LinkAutomatic, link.Classification)

	master := h.record(link.TargetKey)
	assert.True(t, master.IsMaster())
	assert.True(t, master.IsActive())
	require.Len(t, master.IdentifiersIn(DefaultMasterIdentifierDomain), 1)
	assert.True(t, ValidIdentifier(master.IdentifiersIn(DefaultMasterIdentifierDomain)[0].Value))

	view := h.view(master.Key)
	assert.Len(t, view.Identifiers, 2)
	assert.Len(t, view.Attributes["name"], 1)
	assert.Equal(t, []string{"A"}, view.Sources)
	h.checkInvariants()
}

func TestEngine_IdenticalDemographicsShareMaster(t *testing.T) {
	h := newHarness(t, true)
	h.insert(local("A", john(0), mdm("MDM-02A")))
	h.insert(local("B", john(0), mdm("MDM-02B")))

	a, b := h.masterOf("A"), h.masterOf("B")
	assert.Equal(t, a.TargetKey, b.TargetKey)
	assert.Equal(t, models.LinkAutomatic, b.Classification)

	view := h.view(a.TargetKey)
	assert.Len(t, view.Identifiers, 3)
	assert.Len(t, view.Attributes["name"], 1)
	h.checkInvariants()
}

func TestEngine_ProbableMatchBecomesCandidate(t *testing.T) {
	h := newHarness(t, true)
	h.twins()

	a, b := h.masterOf("A"), h.masterOf("B")
	assert.NotEqual(t, a.TargetKey, b.TargetKey)

	candidates := h.active("B", a.TargetKey, models.KindCandidate)
	require.Len(t, candidates, 1)
	assert.Equal(t, models.LinkAutomatic, candidates[0].Classification)
	assert.InDelta(t, 5.0/7.0, candidates[0].Strength, 0.0001)
	h.checkInvariants()
}

func TestEngine_SoleSourceUpdateKeepsMaster(t *testing.T) {
	h := newHarness(t, true)
	h.insert(local("A", john(0), mdm("MDM-04")))
	before := h.masterOf("A")

	h.update("A", map[string]any{
		"name":   map[string]any{"given": "Maria", "family": "Garcia"},
		"dob":    "1950-07-04",
		"gender": "female",
	})

	after := h.masterOf("A")
	assert.Equal(t, before.ID, after.ID)
	view := h.view(after.TargetKey)
	assert.Equal(t, "1950-07-04", view.Attributes["dob"])
	assert.Equal(t, "female", view.Attributes["gender"])
	h.checkInvariants()
}

func TestEngine_CandidateFlipsWhenDataConverges(t *testing.T) {
	h := newHarness(t, true)
	h.twins()
	masterA := h.masterOf("A").TargetKey
	oldB := h.masterOf("B").TargetKey

	h.update("B", john(1))

	link := h.masterOf("B")
	assert.Equal(t, masterA, link.TargetKey)
	assert.Equal(t, models.LinkAutomatic, link.Classification)
	assert.Equal(t, models.StatusObsolete, h.record(oldB).Status)
	assert.Len(t, h.active("B", oldB, models.KindOriginalMaster), 1)
	assert.Len(t, h.active(masterA, oldB, models.KindReplaces), 1)
	assert.Empty(t, h.active("B", "", models.KindCandidate))
	h.checkInvariants()
}

func TestEngine_VerifiedLinkIsSticky(t *testing.T) {
	h := newHarness(t, true)
	h.twins()
	masterA := h.masterOf("A").TargetKey

	_, err := h.engine.Merge(h.ctx, operator, masterA, []string{"B"})
	require.NoError(t, err)

	res := h.update("B", map[string]any{
		"name": map[string]any{"given": "Zed", "family": "Zulu"},
		"dob":  "2001-02-03",
	})
	assert.Empty(t, res.Commit.Relationships)

	link := h.masterOf("B")
	assert.Equal(t, masterA, link.TargetKey)
	assert.Equal(t, models.LinkVerified, link.Classification)
	h.checkInvariants()
}

func TestEngine_VerifiedLinkBecomesCandidateOnNewMatch(t *testing.T) {
	h := newHarness(t, false)
	h.insert(local("A", john(1), mdm("MDM-05A")))
	h.insert(local("C", map[string]any{"dob": "1970-01-01", "name": map[string]any{"given": "Ann", "family": "Lee"}}, mdm("MDM-05C")))
	masterC := h.masterOf("C").TargetKey

	_, err := h.engine.Merge(h.ctx, operator, masterC, []string{"A"})
	require.NoError(t, err)

	h.insert(local("B", john(1), mdm("MDM-05B")))
	masterB := h.masterOf("B").TargetKey
	require.NotEqual(t, masterC, masterB)

	h.engine.autoMerge = true
	h.update("A", john(1))

	link := h.masterOf("A")
	assert.Equal(t, masterC, link.TargetKey)
	assert.Equal(t, models.LinkVerified, link.Classification)
	assert.Len(t, h.active("A", masterB, models.KindCandidate), 1)
	h.checkInvariants()
}

func TestEngine_IgnoreSurvivesRematching(t *testing.T) {
	h := newHarness(t, true)
	h.twins()
	masterA := h.masterOf("A").TargetKey
	masterB := h.masterOf("B").TargetKey

	_, err := h.engine.Ignore(h.ctx, operator, masterA, []string{"B"})
	require.NoError(t, err)
	assert.Empty(t, h.active("B", masterA, models.KindCandidate))
	ignores := h.active("B", masterA, models.KindIgnoreCandidate)
	require.Len(t, ignores, 1)
	assert.Equal(t, models.LinkVerified, ignores[0].Classification)

	res := h.update("B", john(1))
	assert.Empty(t, res.Commit.Relationships)
	assert.Equal(t, masterB, h.masterOf("B").TargetKey)
	h.checkInvariants()
}

func TestEngine_IdentifierMatchLinksWithoutAutoMerge(t *testing.T) {
	h := newHarness(t, false)
	h.insert(local("A", john(0), mdm("MDM-06")))
	h.insert(local("B", map[string]any{"dob": "1999-09-09"}, mdm("MDM-06")))

	assert.Equal(t, h.masterOf("A").TargetKey, h.masterOf("B").TargetKey)
	h.checkInvariants()
}

func TestEngine_AttributeMatchWithoutAutoMergeProposes(t *testing.T) {
	h := newHarness(t, false)
	h.insert(local("A", john(0), mdm("MDM-07A")))
	h.insert(local("B", john(0), mdm("MDM-07B")))

	masterA := h.masterOf("A").TargetKey
	assert.NotEqual(t, masterA, h.masterOf("B").TargetKey)
	assert.Len(t, h.active("B", masterA, models.KindCandidate), 1)
	h.checkInvariants()
}

func TestEngine_SeveralDefiniteMatchesNeverAutoMerge(t *testing.T) {
	h := newHarness(t, false)
	h.insert(local("A", john(1), mdm("MDM-08A")))
	h.insert(local("C", john(1), mdm("MDM-08C")))
	masterA := h.masterOf("A").TargetKey
	masterC := h.masterOf("C").TargetKey
	require.NotEqual(t, masterA, masterC)

	h.engine.autoMerge = true
	h.insert(local("B", john(1), mdm("MDM-08B")))

	masterB := h.masterOf("B").TargetKey
	assert.NotEqual(t, masterA, masterB)
	assert.NotEqual(t, masterC, masterB)
	assert.Len(t, h.active("B", masterA, models.KindCandidate), 1)
	assert.Len(t, h.active("B", masterC, models.KindCandidate), 1)
	h.checkInvariants()
}

func TestEngine_FlagDuplicatesIsIdempotent(t *testing.T) {
	h := newHarness(t, true)
	h.twins()

	res, err := h.engine.FlagDuplicates(h.ctx, operator, "B")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deltas)
	assert.Equal(t, DecisionKept, res.Decision)

	// A predates B, so its first re-run proposes B's master
	res, err = h.engine.FlagDuplicates(h.ctx, operator, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deltas)
	assert.Len(t, h.active("A", h.masterOf("B").TargetKey, models.KindCandidate), 1)

	res, err = h.engine.FlagDuplicates(h.ctx, operator, "A")
	require.NoError(t, err)
	assert.Equal(t, 0, res.Deltas)
}

func TestEngine_FlagDuplicatesRequiresPermission(t *testing.T) {
	h := newHarness(t, true)
	h.twins()

	_, err := h.engine.FlagDuplicates(h.ctx, client, "B")
	assert.True(t, permissions.IsPolicyViolation(err))

	_, err = h.engine.FlagDuplicates(h.ctx, operator, h.masterOf("B").TargetKey)
	assert.ErrorIs(t, err, ErrStateConflict)
}

func TestEngine_ObsoleteLocal(t *testing.T) {
	t.Run("sole source obsoletes master", func(t *testing.T) {
		h := newHarness(t, true)
		h.twins()
		masterA := h.masterOf("A").TargetKey

		_, err := h.apply(client, pipeline.OpObsolete, &models.Record{Key: "A"})
		require.NoError(t, err)

		assert.Equal(t, models.StatusObsolete, h.record("A").Status)
		assert.Equal(t, models.StatusObsolete, h.record(masterA).Status)
		assert.Empty(t, h.active("", masterA, models.KindCandidate))
		h.checkInvariants()
	})

	t.Run("shared master survives", func(t *testing.T) {
		h := newHarness(t, true)
		h.insert(local("A", john(0), mdm("MDM-09A")))
		h.insert(local("B", john(0), mdm("MDM-09B")))
		master := h.masterOf("A").TargetKey

		_, err := h.apply(client, pipeline.OpObsolete, &models.Record{Key: "B"})
		require.NoError(t, err)

		assert.True(t, h.record(master).IsActive())
		assert.Empty(t, h.active("B", "", models.KindMaster))
		assert.Equal(t, []string{"A"}, h.view(master).Sources)
		h.checkInvariants()
	})
}

func TestEngine_ClientMasterWrites(t *testing.T) {
	t.Run("update without owned local creates one", func(t *testing.T) {
		h := newHarness(t, true)
		h.insert(local("A", john(0), mdm("MDM-10")))
		master := h.masterOf("A").TargetKey

		res, err := h.apply(other, pipeline.OpUpdate, &models.Record{
			Key:         master,
			Attributes:  map[string]any{"telecom": "555-0100"},
			Identifiers: []models.Identifier{{Domain: DefaultMasterIdentifierDomain, Value: "0000000000"}, {Domain: "CRM", Value: "c-1"}},
		})
		require.NoError(t, err)

		created := res.Record
		assert.NotEqual(t, master, created.Key)
		assert.True(t, created.IsLocal())
		assert.Equal(t, "app2", created.Provenance.ApplicationID)
		assert.Equal(t, []models.Identifier{{Domain: "CRM", Value: "c-1"}}, created.Identifiers)

		link := h.masterOf(created.Key)
		assert.Equal(t, master, link.TargetKey)
		assert.Equal(t, models.LinkVerified, link.Classification)

		assert.Empty(t, h.record(master).Attributes)
		h.checkInvariants()
	})

	t.Run("update redirects to owned local", func(t *testing.T) {
		h := newHarness(t, true)
		h.insert(local("A", john(0), mdm("MDM-11")))
		master := h.masterOf("A").TargetKey

		res, err := h.apply(client, pipeline.OpUpdate, &models.Record{
			Key:        master,
			Attributes: map[string]any{"telecom": "555-0101"},
		})
		require.NoError(t, err)

		assert.Equal(t, "A", res.Record.Key)
		a := h.record("A")
		assert.Equal(t, "555-0101", a.Attributes["telecom"])
		assert.Equal(t, "1983-01-10", a.Attributes["dob"])
		assert.Equal(t, master, h.masterOf("A").TargetKey)
	})

	t.Run("obsolete without owned local is a conflict", func(t *testing.T) {
		h := newHarness(t, true)
		h.insert(local("A", john(0), mdm("MDM-12")))
		master := h.masterOf("A").TargetKey

		_, err := h.apply(other, pipeline.OpObsolete, &models.Record{Key: master})
		assert.ErrorIs(t, err, ErrStateConflict)
		assert.True(t, h.record(master).IsActive())
	})

	t.Run("client insert of a master is stored as local", func(t *testing.T) {
		h := newHarness(t, true)
		rec := local("A", john(0), mdm("MDM-13"))
		rec.Classification = models.ClassificationMaster

		stored := h.insert(rec)
		assert.True(t, stored.IsLocal())
		h.masterOf("A")
	})

	t.Run("client update cannot promote its local", func(t *testing.T) {
		h := newHarness(t, true)
		h.insert(local("A", john(0), mdm("MDM-14")))
		master := h.masterOf("A").TargetKey

		rec := h.record("A").Clone()
		rec.Classification = models.ClassificationMaster
		_, err := h.apply(client, pipeline.OpUpdate, rec)
		require.NoError(t, err)

		assert.True(t, h.record("A").IsLocal())
		assert.Equal(t, master, h.masterOf("A").TargetKey)
		h.checkInvariants()
	})
}

func TestEngine_EntityTypeCannotChange(t *testing.T) {
	h := newHarness(t, true)
	h.insert(local("A", john(0), mdm("MDM-15")))
	master := h.masterOf("A").TargetKey

	rec := h.record("A").Clone()
	rec.EntityType = "Observation"
	_, err := h.apply(client, pipeline.OpUpdate, rec)
	assert.ErrorIs(t, err, pipeline.ErrInvalidWrite)

	assert.Equal(t, "Patient", h.record("A").EntityType)
	assert.Equal(t, master, h.masterOf("A").TargetKey)
	assert.True(t, h.record(master).IsActive())
}

func TestEngine_UngovernedTypesPassThrough(t *testing.T) {
	h := newHarness(t, true)
	rec := local("obs-1", map[string]any{"value": 7})
	rec.EntityType = "Observation"

	res, err := h.apply(client, pipeline.OpInsert, rec)
	require.NoError(t, err)
	assert.Len(t, res.Commit.Records, 1)
	assert.Empty(t, res.Commit.Relationships)
}

func TestEngine_GovernedTypes(t *testing.T) {
	h := newHarness(t, true)
	assert.Equal(t, []string{"Organization", "Patient", "Practitioner"}, h.engine.GovernedTypes())
	assert.True(t, h.engine.Governs("patient"))
	assert.False(t, h.engine.Governs("Observation"))
}

func TestEngine_UnionIdentifiers(t *testing.T) {
	h := newHarness(t, true)
	domain := h.engine.MasterIdentifierDomain()

	base := []models.Identifier{{Domain: "MDM", Value: "MDM-1"}}
	add := []models.Identifier{
		{Domain: "mdm", Value: "MDM-1"},
		{Domain: "MDM", Value: "MDM-2"},
		{Domain: domain, Value: "issued-1"},
		{Domain: "MDM", Value: "MDM-2"},
	}

	got := h.engine.unionIdentifiers(base, add)
	assert.Equal(t, []models.Identifier{{Domain: "MDM", Value: "MDM-1"}, {Domain: "MDM", Value: "MDM-2"}}, got)
	assert.Len(t, base, 1)
}

func TestBuckets_Has(t *testing.T) {
	b := buckets{
		definite: []models.MasterMatch{{MasterKey: "m1"}},
		probable: []models.MasterMatch{{MasterKey: "m2"}},
	}
	assert.True(t, b.has("m1"))
	assert.True(t, b.has("m2"))
	assert.False(t, b.has("m3"))
	assert.False(t, buckets{}.has("m1"))
}
