// Package routes mounts the HTTP API under /api/v1.
package routes

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/identifierdomain"
	"github.com/Ramsey-B/fern/pkg/routes/job"
	"github.com/Ramsey-B/fern/pkg/routes/master"
	"github.com/Ramsey-B/fern/pkg/routes/record"
)

// Handlers are the route groups. A nil group is not mounted.
type Handlers struct {
	Health            *health.Checker
	Records           *record.Handler
	Masters           *master.Handler
	Jobs              *job.Handler
	IdentifierDomains *identifierdomain.Handler
}

// Register mounts health and metrics unauthenticated and every API group behind auth.
func Register(e *echo.Echo, h Handlers, auth ...echo.MiddlewareFunc) {
	if h.Health != nil {
		h.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1", auth...)
	if h.Records != nil {
		h.Records.Register(api.Group("/records"))
	}
	if h.Masters != nil {
		h.Masters.Register(api.Group("/masters"))
	}
	if h.Jobs != nil {
		h.Jobs.Register(api.Group("/jobs"))
	}
	if h.IdentifierDomains != nil {
		h.IdentifierDomains.Register(api.Group("/identifier-domains"))
	}
}
