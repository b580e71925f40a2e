package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type UserClaims struct {
	Sub             string   `json:"sub"`
	Email           string   `json:"email"`
	AuthorizedParty string   `json:"azp"`
	DeviceID        string   `json:"device_id"`
	Policies        []string `json:"policies"`
	RealmAccess     struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Principal maps token claims to a caller. Realm roles that name an mdm permission become
// permissions; the authorized party is the calling application.
func (c UserClaims) Principal() *models.Principal {
	known := map[string]bool{}
	for _, p := range permissions.All() {
		known[p] = true
	}

	var perms []string
	for _, role := range c.RealmAccess.Roles {
		if known[role] {
			perms = append(perms, role)
		}
	}

	return &models.Principal{
		UserID:        c.Sub,
		ApplicationID: c.AuthorizedParty,
		DeviceID:      c.DeviceID,
		Permissions:   perms,
		Policies:      c.Policies,
	}
}

// Authentication verifies OIDC bearer tokens against issuer and stores the resulting principal
// on the request context.
func Authentication(ctx context.Context, logger ectologger.Logger, issuer string, clientID string) (echo.MiddlewareFunc, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		logger.WithContext(ctx).WithError(err).WithField("issuer", issuer).Error("Failed to create oidc provider")
		return nil, err
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			ctx, span := tracing.StartSpan(ctx, "middleware.Authentication")
			defer span.End()

			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				logger.WithContext(ctx).Warn("request is missing bearer token")
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer")
			}

			verifyCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			idToken, err := verifier.Verify(verifyCtx, strings.TrimPrefix(auth, "Bearer "))
			if err != nil {
				logger.WithContext(ctx).WithError(err).Warn("token is invalid")
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			var claims UserClaims
			if err := idToken.Claims(&claims); err != nil {
				logger.WithContext(ctx).WithError(err).Warn("failed to parse claims")
				return echo.NewHTTPError(http.StatusUnauthorized, "cannot parse claims")
			}

			ctx = appctx.SetPrincipal(ctx, claims.Principal())
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}, nil
}

// RequirePrincipal rejects requests that reached a handler without a caller identity.
func RequirePrincipal() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if appctx.GetPrincipal(c.Request().Context()) == nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing caller identity")
			}
			return next(c)
		}
	}
}
