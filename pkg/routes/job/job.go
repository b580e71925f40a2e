package job

import (
	"context"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/jobs"
	"github.com/Ramsey-B/fern/pkg/linkage"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/utils"
)

type Runner interface {
	Get(id string) (jobs.Job, error)
	List() []jobs.Job
	StartFlagDuplicates(ctx context.Context, principal *models.Principal, entityType string) (jobs.Job, error)
	StartReconcile(ctx context.Context, principal *models.Principal) (jobs.Job, error)
}

type FlagDuplicatesRequest struct {
	EntityType string `json:"entity_type" validate:"required"`
}

type Handler struct {
	runner Runner
	logger ectologger.Logger
}

func NewHandler(runner Runner, logger ectologger.Logger) *Handler {
	return &Handler{
		runner: runner,
		logger: logger,
	}
}

// Register registers background job routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListJobs)
	g.GET("/:id", h.GetJob)
	g.POST("/flag-duplicates", h.StartFlagDuplicates)
	g.POST("/reconcile", h.StartReconcile)
}

func (h *Handler) ListJobs(c echo.Context) error {
	if _, err := utils.Principal(c); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.runner.List())
}

func (h *Handler) GetJob(c echo.Context) error {
	if _, err := utils.Principal(c); err != nil {
		return err
	}

	job, err := h.runner.Get(c.Param("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, job)
}

// StartFlagDuplicates launches a re-link of every local of an entity type and returns the
// job to poll.
func (h *Handler) StartFlagDuplicates(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}
	req, err := utils.BindRequest[FlagDuplicatesRequest](c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	job, err := h.runner.StartFlagDuplicates(ctx, principal, req.EntityType)
	if err != nil {
		return toHTTPError(err)
	}
	h.logger.WithContext(ctx).WithFields(map[string]any{
		"job_id":      job.ID,
		"entity_type": job.EntityType,
	}).Info("Started flag duplicates job")
	return c.JSON(http.StatusAccepted, job)
}

func (h *Handler) StartReconcile(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	job, err := h.runner.StartReconcile(ctx, principal)
	if err != nil {
		return toHTTPError(err)
	}
	h.logger.WithContext(ctx).WithField("job_id", job.ID).Info("Started reconcile job")
	return c.JSON(http.StatusAccepted, job)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		return httperror.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, jobs.ErrJobRunning):
		return httperror.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, linkage.ErrRecordNotGoverned):
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return err
}
