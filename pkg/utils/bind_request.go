package utils

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/models"
)

// BindRequest binds the request body and path params into T and validates the result.
func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	v, err := Validate(v)
	if err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	return v, nil
}

// Principal returns the caller stored on the request context by the authentication middleware.
func Principal(c echo.Context) (*models.Principal, error) {
	p := appctx.GetPrincipal(c.Request().Context())
	if p == nil {
		return nil, httperror.NewHTTPError(http.StatusUnauthorized, "missing caller identity")
	}
	return p, nil
}
