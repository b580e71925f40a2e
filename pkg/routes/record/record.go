package record

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/query"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Writer interface {
	Apply(ctx context.Context, w *pipeline.Write) (*pipeline.Result, error)
}

type Reader interface {
	Get(ctx context.Context, principal *models.Principal, key string) (*query.Item, error)
	Search(ctx context.Context, principal *models.Principal, q query.Query) ([]*query.Item, error)
}

type Flagger interface {
	FlagDuplicates(ctx context.Context, principal *models.Principal, key string) (*linkage.LinkResult, error)
}

// WriteResponse is returned by every record write. A canceled write reports the reason and
// commits nothing.
type WriteResponse struct {
	Record   *models.Record `json:"record"`
	Canceled bool           `json:"canceled,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Sequence int64          `json:"sequence,omitempty"`
}

type Handler struct {
	writer  Writer
	reader  Reader
	flagger Flagger
	logger  ectologger.Logger
}

func NewHandler(writer Writer, reader Reader, flagger Flagger, logger ectologger.Logger) *Handler {
	return &Handler{
		writer:  writer,
		reader:  reader,
		flagger: flagger,
		logger:  logger,
	}
}

// Register registers record routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.SearchRecords)
	g.POST("", h.CreateRecord)
	g.GET("/:key", h.GetRecord)
	g.PUT("/:key", h.UpdateRecord)
	g.DELETE("/:key", h.ObsoleteRecord)
	g.POST("/:key/flag-duplicates", h.FlagDuplicates)
}

func (h *Handler) CreateRecord(c echo.Context) error {
	rec, err := utils.BindRequest[models.Record](c)
	if err != nil {
		return err
	}
	rec.Version = 0

	res, err := h.apply(c, pipeline.OpInsert, &rec)
	if err != nil {
		return err
	}
	status := http.StatusCreated
	if res.Canceled {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (h *Handler) UpdateRecord(c echo.Context) error {
	rec, err := utils.BindRequest[models.Record](c)
	if err != nil {
		return err
	}
	rec.Key = c.Param("key")

	res, err := h.apply(c, pipeline.OpUpdate, &rec)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) ObsoleteRecord(c echo.Context) error {
	res, err := h.apply(c, pipeline.OpObsolete, &models.Record{Key: c.Param("key")})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) apply(c echo.Context, op pipeline.Op, rec *models.Record) (*WriteResponse, error) {
	ctx := c.Request().Context()
	principal, err := utils.Principal(c)
	if err != nil {
		return nil, err
	}

	res, err := h.writer.Apply(ctx, &pipeline.Write{Op: op, Record: rec, Principal: principal})
	if err != nil {
		return nil, err
	}

	out := &WriteResponse{Record: res.Record, Canceled: res.Canceled, Reason: res.Reason}
	if res.Commit != nil {
		out.Sequence = res.Commit.Sequence
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"op":         op,
		"record_key": res.Record.Key,
		"canceled":   res.Canceled,
	}).Info("Applied record write")
	return out, nil
}

func (h *Handler) GetRecord(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}

	item, err := h.reader.Get(c.Request().Context(), principal, c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) SearchRecords(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}

	q, err := ParseQuery(c.QueryParams())
	if err != nil {
		return err
	}

	items, err := h.reader.Search(c.Request().Context(), principal, q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

// FlagDuplicates re-runs matching for one record against current data.
func (h *Handler) FlagDuplicates(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}

	res, err := h.flagger.FlagDuplicates(c.Request().Context(), principal, c.Param("key"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

const attrPrefix = "attr."

// ParseQuery reads a record search from query params: entity_type, classification,
// status (comma separated), domain and value (together), limit, locals and any number of
// attr.<path>=<value> predicates.
func ParseQuery(params url.Values) (query.Query, error) {
	q := query.Query{
		Filter: models.RecordFilter{
			EntityType:     params.Get("entity_type"),
			Classification: models.RecordClassification(strings.ToUpper(params.Get("classification"))),
		},
	}

	if q.Filter.Classification != "" && !q.Filter.Classification.Valid() {
		return q, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown classification %q", params.Get("classification"))
	}

	if raw := params.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			q.Filter.Statuses = append(q.Filter.Statuses, models.RecordStatus(strings.ToUpper(strings.TrimSpace(s))))
		}
	}

	domain, value := params.Get("domain"), params.Get("value")
	if (domain == "") != (value == "") {
		return q, httperror.NewHTTPError(http.StatusBadRequest, "domain and value must be given together")
	}
	if domain != "" {
		q.Filter.Identifier = &models.Identifier{Domain: domain, Value: value}
	}

	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return q, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid limit %q", raw)
		}
		q.Filter.Limit = limit
	}

	if raw := params.Get("locals"); raw != "" {
		locals, err := strconv.ParseBool(raw)
		if err != nil {
			return q, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid locals %q", raw)
		}
		q.Locals = locals
	}

	for name, values := range params {
		path, ok := strings.CutPrefix(name, attrPrefix)
		if !ok || path == "" || len(values) == 0 {
			continue
		}
		if q.Filter.Attributes == nil {
			q.Filter.Attributes = map[string]string{}
		}
		q.Filter.Attributes[path] = values[0]
	}

	return q, nil
}
