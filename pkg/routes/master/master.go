package master

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Linker is the slice of the linkage engine the master routes drive.
type Linker interface {
	Merge(ctx context.Context, principal *models.Principal, survivorKey string, duplicateKeys []string) (*linkage.MergeResult, error)
	Unmerge(ctx context.Context, principal *models.Principal, masterKey, key string) (*linkage.UnmergeResult, error)
	Ignore(ctx context.Context, principal *models.Principal, masterKey string, keys []string) (*store.CommitResult, error)
	UnIgnore(ctx context.Context, principal *models.Principal, masterKey string, keys []string) (*store.CommitResult, error)
	Diff(ctx context.Context, principal *models.Principal, masterKey, dupKey string) ([]models.FieldDiff, error)
}

type Reader interface {
	Get(ctx context.Context, principal *models.Principal, key string) (*query.Item, error)
}

type MergeRequest struct {
	Duplicates []string `json:"duplicates" validate:"required,min=1,dive,required"`
}

type UnmergeRequest struct {
	RecordKey string `json:"record_key" validate:"required"`
}

type IgnoreRequest struct {
	RecordKeys []string `json:"record_keys" validate:"required,min=1,dive,required"`
}

// CommitResponse summarizes an ignore or unignore commit.
type CommitResponse struct {
	MasterKey string `json:"master_key"`
	Sequence  int64  `json:"sequence,omitempty"`
	Added     int    `json:"added"`
	Retired   int    `json:"retired"`
}

type Handler struct {
	linker  Linker
	reader  Reader
	records store.RecordStore
	edges   store.RelationshipStore
	checker permissions.Checker
	logger  ectologger.Logger
}

func NewHandler(linker Linker, reader Reader, s store.Store, checker permissions.Checker, logger ectologger.Logger) *Handler {
	if checker == nil {
		checker = permissions.NewPrincipalChecker()
	}
	return &Handler{
		linker:  linker,
		reader:  reader,
		records: s,
		edges:   s,
		checker: checker,
		logger:  logger,
	}
}

// Register registers master routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("/:key", h.GetMaster)
	g.GET("/:key/relationships", h.ListRelationships)
	g.GET("/:key/candidates", h.ListCandidates)
	g.GET("/:key/diff/:dup", h.Diff)
	g.POST("/:key/merge", h.Merge)
	g.POST("/:key/unmerge", h.Unmerge)
	g.POST("/:key/ignore", h.Ignore)
	g.POST("/:key/unignore", h.UnIgnore)
}

// GetMaster returns the synthesized view of a master.
func (h *Handler) GetMaster(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}

	key := c.Param("key")
	item, err := h.reader.Get(c.Request().Context(), principal, key)
	if err != nil {
		return err
	}
	if item.View == nil {
		return httperror.NewHTTPErrorf(http.StatusUnprocessableEntity, "record %s is not a governed master", key)
	}
	return c.JSON(http.StatusOK, item.View)
}

func (h *Handler) Merge(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}
	req, err := utils.BindRequest[MergeRequest](c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	res, err := h.linker.Merge(ctx, principal, c.Param("key"), req.Duplicates)
	if err != nil {
		return err
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"survivor_key": res.SurvivorKey,
		"merged":       len(res.Merged),
		"canceled":     len(res.Canceled),
	}).Info("Merge requested")
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Unmerge(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}
	req, err := utils.BindRequest[UnmergeRequest](c)
	if err != nil {
		return err
	}

	res, err := h.linker.Unmerge(c.Request().Context(), principal, c.Param("key"), req.RecordKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Ignore(c echo.Context) error {
	return h.ignore(c, h.linker.Ignore)
}

func (h *Handler) UnIgnore(c echo.Context) error {
	return h.ignore(c, h.linker.UnIgnore)
}

func (h *Handler) ignore(c echo.Context, fn func(context.Context, *models.Principal, string, []string) (*store.CommitResult, error)) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}
	req, err := utils.BindRequest[IgnoreRequest](c)
	if err != nil {
		return err
	}

	masterKey := c.Param("key")
	res, err := fn(c.Request().Context(), principal, masterKey, req.RecordKeys)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, CommitResponse{
		MasterKey: masterKey,
		Sequence:  res.Sequence,
		Added:     len(res.Inserted()),
		Retired:   len(res.Obsoleted()),
	})
}

func (h *Handler) Diff(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}

	diffs, err := h.linker.Diff(c.Request().Context(), principal, c.Param("key"), c.Param("dup"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, diffs)
}

// ListRelationships lists the edges touching a master. kind narrows to a comma separated set
// of relationship kinds; active=false includes retired edges.
func (h *Handler) ListRelationships(c echo.Context) error {
	q := models.RelationshipQuery{ActiveOnly: true}

	if raw := c.QueryParam("kind"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kind := models.RelationshipKind(strings.ToUpper(strings.TrimSpace(k)))
			if !kind.Valid() {
				return httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown relationship kind %q", k)
			}
			q.Kinds = append(q.Kinds, kind)
		}
	}
	if raw := c.QueryParam("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid active %q", raw)
		}
		q.ActiveOnly = active
	}

	rels, err := h.relationships(c, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rels)
}

// ListCandidates lists the active candidate edges proposing records as duplicates of a master.
func (h *Handler) ListCandidates(c echo.Context) error {
	rels, err := h.relationships(c, models.RelationshipQuery{
		Kinds:      []models.RelationshipKind{models.KindCandidate},
		ActiveOnly: true,
	})
	if err != nil {
		return err
	}

	candidates := make([]*models.Relationship, 0, len(rels))
	for _, rel := range rels {
		if rel.TargetKey == c.Param("key") {
			candidates = append(candidates, rel)
		}
	}
	return c.JSON(http.StatusOK, candidates)
}

// relationships runs q for edges into and out of the master named by the key param. Edges
// expose local keys, so the caller needs read-locals.
func (h *Handler) relationships(c echo.Context, q models.RelationshipQuery) ([]*models.Relationship, error) {
	ctx := c.Request().Context()
	principal, err := utils.Principal(c)
	if err != nil {
		return nil, err
	}
	if err := h.checker.Demand(ctx, principal, permissions.ReadLocals); err != nil {
		return nil, err
	}

	key := c.Param("key")
	rec, err := h.records.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if !rec.IsMaster() {
		return nil, httperror.NewHTTPErrorf(http.StatusUnprocessableEntity, "record %s is not a master", key)
	}

	inbound := q
	inbound.TargetKeys = []string{key}
	in, err := h.edges.QueryRelationships(ctx, inbound)
	if err != nil {
		return nil, err
	}

	outbound := q
	outbound.SourceKeys = []string{key}
	out, err := h.edges.QueryRelationships(ctx, outbound)
	if err != nil {
		return nil, err
	}

	return append(in, out...), nil
}
