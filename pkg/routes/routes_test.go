package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/identifierdomain"
	"github.com/Ramsey-B/fern/pkg/routes/job"
	"github.com/Ramsey-B/fern/pkg/routes/master"
	"github.com/Ramsey-B/fern/pkg/routes/record"
	"github.com/Ramsey-B/fern/pkg/store/memory"
	"github.com/Ramsey-B/fern/pkg/synthesis"
)

type caller struct {
	user        string
	app         string
	permissions string
}

var (
	clinic = caller{user: "u1", app: "clinic"}
	lab    = caller{user: "u2", app: "lab"}
	admin  = caller{user: "ops", app: "console", permissions: permissions.UnrestrictedMDM}
)

// testAPI serves the full API against the memory store.
type testAPI struct {
	t       *testing.T
	e       *echo.Echo
	store   *memory.Store
	manager *jobs.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	s := memory.New()
	cache := matching.NewDomainCache(s, logger)
	require.NoError(t, cache.Init(context.Background()))

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

	rewriter := query.NewRewriter(s, builder, nil, engine, logger)
	manager := jobs.NewManager(engine, s, nil, nil, jobs.Config{PageSize: 2}, logger)
	t.Cleanup(func() { _ = manager.Stop(context.Background()) })

	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(logger)
	e.Use(middleware.Context(true))
	Register(e, Handlers{
		Health:            health.NewChecker("test"),
		Records:           record.NewHandler(p, rewriter, engine, logger),
		Masters:           master.NewHandler(engine, rewriter, s, nil, logger),
		Jobs:              job.NewHandler(manager, logger),
		IdentifierDomains: identifierdomain.NewHandler(s, identifierdomain.NotifyFunc(cache.Invalidate), nil, logger),
	}, middleware.RequirePrincipal())

	return &testAPI{t: t, e: e, store: s, manager: manager}
}

func (a *testAPI) do(who *caller, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var reqBody bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&reqBody).Encode(body))
	}

	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if who != nil {
		req.Header.Set(middleware.HeaderUserID, who.user)
		req.Header.Set(middleware.HeaderApplicationID, who.app)
		req.Header.Set(middleware.HeaderPermissions, who.permissions)
	}

	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (a *testAPI) masterOf(key string) string {
	a.t.Helper()
	links, err := a.store.QueryRelationships(context.Background(), models.RelationshipQuery{
		SourceKeys: []string{key},
		Kinds:      []models.RelationshipKind{models.KindMaster},
		ActiveOnly: true,
	})
	require.NoError(a.t, err)
	require.Len(a.t, links, 1)
	return links[0].TargetKey
}

func patientBody(key, mrn string) map[string]any {
	return map[string]any{
		"key":         key,
		"entity_type": "Patient",
		"identifiers": []map[string]string{{"domain": "MRN", "value": mrn}},
		"attributes": map[string]any{
			"name": map[string]any{"given": "Ann", "family": "Smith"},
			"dob":  "1983-01-10",
		},
	}
}

func TestAPI_RequiresCaller(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(nil, http.MethodGet, "/api/v1/records/l1", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, api.do(nil, http.MethodGet, "/api/v1/health/live", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(nil, http.MethodGet, "/metrics", nil).Code)
}

func TestAPI_IdentifierDomains(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(&clinic, http.MethodPut, "/api/v1/identifier-domains/mrn", map[string]any{"unique": true})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(&admin, http.MethodPut, "/api/v1/identifier-domains/mrn", map[string]any{"unique": true, "description": "medical record number"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[models.IdentifierDomain](t, rec)
	assert.Equal(t, "MRN", saved.Name)
	assert.True(t, saved.Unique)

	rec = api.do(&clinic, http.MethodGet, "/api/v1/identifier-domains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.IdentifierDomain](t, rec), 1)

	assert.Equal(t, http.StatusNoContent, api.do(&admin, http.MethodDelete, "/api/v1/identifier-domains/MRN", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(&admin, http.MethodDelete, "/api/v1/identifier-domains/MRN", nil).Code)
	assert.Equal(t, http.StatusNotFound, api.do(&clinic, http.MethodGet, "/api/v1/identifier-domains/MRN", nil).Code)
}

func TestAPI_RecordLifecycle(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusOK, api.do(&admin, http.MethodPut, "/api/v1/identifier-domains/MRN", map[string]any{"unique": true}).Code)

	rec := api.do(&clinic, http.MethodPost, "/api/v1/records", patientBody("l1", "A-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[record.WriteResponse](t, rec)
	assert.Equal(t, models.ClassificationLocal, created.Record.Classification)
	assert.Positive(t, created.Sequence)

	rec = api.do(&lab, http.MethodPost, "/api/v1/records", patientBody("l2", "A-1"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	masterKey := api.masterOf("l1")
	assert.Equal(t, masterKey, api.masterOf("l2"))

	t.Run("search returns the master view", func(t *testing.T) {
		rec := api.do(&clinic, http.MethodGet, "/api/v1/records?entity_type=Patient&domain=MRN&value=A-1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		items := decode[[]query.Item](t, rec)
		require.Len(t, items, 1)
		require.NotNil(t, items[0].View)
		assert.Equal(t, masterKey, items[0].View.Key)
		assert.ElementsMatch(t, []string{"l1", "l2"}, items[0].View.Sources)
	})

	t.Run("get master", func(t *testing.T) {
		rec := api.do(&clinic, http.MethodGet, "/api/v1/masters/"+masterKey, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, masterKey, decode[models.MasterView](t, rec).Key)

		rec = api.do(&admin, http.MethodGet, "/api/v1/masters/l1", nil)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("relationships need read-locals", func(t *testing.T) {
		path := "/api/v1/masters/" + masterKey + "/relationships?kind=master"
		assert.Equal(t, http.StatusForbidden, api.do(&clinic, http.MethodGet, path, nil).Code)

		rec := api.do(&admin, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		rels := decode[[]models.Relationship](t, rec)
		assert.Len(t, rels, 2)

		rec = api.do(&admin, http.MethodGet, "/api/v1/masters/"+masterKey+"/relationships?kind=bogus", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid writes", func(t *testing.T) {
		rec := api.do(&clinic, http.MethodPost, "/api/v1/records", map[string]any{"key": "x"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = api.do(&clinic, http.MethodPost, "/api/v1/records", patientBody("l1", "A-9"))
		assert.Equal(t, http.StatusConflict, rec.Code)

		rec = api.do(&clinic, http.MethodDelete, "/api/v1/records/missing", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = api.do(&admin, http.MethodPost, "/api/v1/masters/"+masterKey+"/merge", map[string]any{"duplicates": []string{}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)

		rec = api.do(&clinic, http.MethodGet, "/api/v1/records?domain=MRN", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unmerge detaches onto a fresh master", func(t *testing.T) {
		rec := api.do(&admin, http.MethodPost, "/api/v1/masters/"+masterKey+"/unmerge", map[string]any{"record_key": "l2"})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		res := decode[linkage.UnmergeResult](t, rec)
		assert.NotEmpty(t, res.NewMasterKey)
		assert.NotEqual(t, masterKey, res.NewMasterKey)
		assert.Equal(t, res.NewMasterKey, api.masterOf("l2"))

		rec = api.do(&admin, http.MethodPost, "/api/v1/masters/"+masterKey+"/unmerge", map[string]any{"record_key": "l2"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("obsolete the last local retires its master", func(t *testing.T) {
		rec := api.do(&clinic, http.MethodDelete, "/api/v1/records/l1", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		m, err := api.store.GetRecord(context.Background(), masterKey)
		require.NoError(t, err)
		assert.Equal(t, models.StatusObsolete, m.Status)
	})
}

func TestAPI_Jobs(t *testing.T) {
	api := newTestAPI(t)
	require.Equal(t, http.StatusCreated, api.do(&clinic, http.MethodPost, "/api/v1/records", patientBody("l1", "A-1")).Code)
	require.Equal(t, http.StatusCreated, api.do(&clinic, http.MethodPost, "/api/v1/records", patientBody("l2", "B-2")).Code)

	rec := api.do(&clinic, http.MethodPost, "/api/v1/jobs/flag-duplicates", map[string]any{"entity_type": "Patient"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(&admin, http.MethodPost, "/api/v1/jobs/flag-duplicates", map[string]any{"entity_type": "Widget"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(&admin, http.MethodPost, "/api/v1/jobs/flag-duplicates", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(&admin, http.MethodPost, "/api/v1/jobs/flag-duplicates", map[string]any{"entity_type": "Patient"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode[jobs.Job](t, rec)
	assert.Equal(t, jobs.KindFlagDuplicates, started.Kind)

	api.manager.Wait()

	rec = api.do(&admin, http.MethodGet, "/api/v1/jobs/"+started.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[jobs.Job](t, rec)
	assert.Equal(t, jobs.StatusCompleted, done.Status)
	assert.Equal(t, int64(2), done.Processed)

	rec = api.do(&admin, http.MethodPost, "/api/v1/jobs/reconcile", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	api.manager.Wait()

	rec = api.do(&admin, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]jobs.Job](t, rec), 2)

	assert.Equal(t, http.StatusNotFound, api.do(&admin, http.MethodGet, "/api/v1/jobs/nope", nil).Code)
}
