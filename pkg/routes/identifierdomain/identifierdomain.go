package identifierdomain

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/utils"
)

// Notifier propagates a domain change to the unique domain cache of every instance.
type Notifier interface {
	Notify(ctx context.Context) error
}

// NotifyFunc adapts a plain function, such as a local cache's Invalidate, to a Notifier.
type NotifyFunc func(ctx context.Context) error

func (f NotifyFunc) Notify(ctx context.Context) error {
	return f(ctx)
}

type Handler struct {
	domains  store.DomainStore
	notifier Notifier
	checker  permissions.Checker
	logger   ectologger.Logger
}

func NewHandler(domains store.DomainStore, notifier Notifier, checker permissions.Checker, logger ectologger.Logger) *Handler {
	if checker == nil {
		checker = permissions.NewPrincipalChecker()
	}
	return &Handler{
		domains:  domains,
		notifier: notifier,
		checker:  checker,
		logger:   logger,
	}
}

// Register registers identifier domain routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListDomains)
	g.GET("/:name", h.GetDomain)
	g.PUT("/:name", h.SaveDomain)
	g.DELETE("/:name", h.DeleteDomain)
}

func (h *Handler) ListDomains(c echo.Context) error {
	if _, err := utils.Principal(c); err != nil {
		return err
	}

	domains, err := h.domains.ListDomains(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domains)
}

func (h *Handler) GetDomain(c echo.Context) error {
	if _, err := utils.Principal(c); err != nil {
		return err
	}

	domain, err := h.domains.GetDomain(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, domain)
}

// SaveDomain creates or replaces a domain. Changing uniqueness changes how identity matching
// treats the domain, so every instance reloads its cache.
func (h *Handler) SaveDomain(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.demand(c); err != nil {
		return err
	}
	req, err := utils.BindRequest[models.SaveIdentifierDomainRequest](c)
	if err != nil {
		return err
	}

	saved, err := h.domains.SaveDomain(ctx, &models.IdentifierDomain{
		Name:        strings.ToUpper(c.Param("name")),
		Description: req.Description,
		Unique:      req.Unique,
	})
	if err != nil {
		return err
	}
	h.notify(ctx, saved.Name)
	return c.JSON(http.StatusOK, saved)
}

func (h *Handler) DeleteDomain(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.demand(c); err != nil {
		return err
	}

	name := strings.ToUpper(c.Param("name"))
	if err := h.domains.DeleteDomain(ctx, name); err != nil {
		return err
	}
	h.notify(ctx, name)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) demand(c echo.Context) error {
	principal, err := utils.Principal(c)
	if err != nil {
		return err
	}
	return h.checker.Demand(c.Request().Context(), principal, permissions.UnrestrictedMDM)
}

// notify never fails the request: the domain change is durable and caches also reload on
// restart.
func (h *Handler) notify(ctx context.Context, name string) {
	if h.notifier == nil {
		return
	}
	if err := h.notifier.Notify(ctx); err != nil {
		h.logger.WithContext(ctx).WithError(err).WithField("domain", name).Error("Failed to propagate identifier domain change")
	}
}
