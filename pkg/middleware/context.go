package middleware

import (
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/models"
)

const (
	HeaderUserID        = "X-User-ID"
	HeaderApplicationID = "X-Application-ID"
	HeaderDeviceID      = "X-Device-ID"
	HeaderPermissions   = "X-Permissions"
	HeaderPolicies      = "X-Policies"
)

// Context stamps request metadata onto the request context. When trustHeaders is set the caller
// principal is read from the X-User-ID family of headers, which is how the service runs behind
// a gateway that has already authenticated the caller.
func Context(trustHeaders bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = appctx.SetRequestID(ctx, requestID)
			ctx = appctx.SetMethod(ctx, req.Method)
			ctx = appctx.SetRoute(ctx, req.URL.Path)
			ctx = appctx.SetRemoteIP(ctx, c.RealIP())
			ctx = appctx.SetReferer(ctx, req.Referer())

			if trustHeaders && req.Header.Get(HeaderUserID) != "" {
				ctx = appctx.SetPrincipal(ctx, &models.Principal{
					UserID:        req.Header.Get(HeaderUserID),
					ApplicationID: req.Header.Get(HeaderApplicationID),
					DeviceID:      req.Header.Get(HeaderDeviceID),
					Permissions:   splitHeader(req.Header.Get(HeaderPermissions)),
					Policies:      splitHeader(req.Header.Get(HeaderPolicies)),
				})
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}

func splitHeader(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
