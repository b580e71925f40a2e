package middleware

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/pipeline"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

type ErrorResponse struct {
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta"`
}

// httpMapper is implemented by domain errors that know their HTTP rendering.
type httpMapper interface {
	ToHTTPError() *httperror.HTTPError
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		if c.Response().Committed {
			return
		}

		code, message, meta := Resolve(err)
		log := logger.WithContext(ctx).WithError(err).WithField("status", code)
		if code >= http.StatusInternalServerError {
			log.Error("api is returning an error")
		} else {
			log.Debug("api is returning an error")
		}

		_ = c.JSON(code, ErrorResponse{
			Message:   message,
			RequestID: appctx.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}

// Resolve maps an error to a status code, message and meta.
func Resolve(err error) (int, string, map[string]any) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		message := http.StatusText(he.Code)
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
		return he.Code, message, map[string]any{}
	}

	var mapper httpMapper
	if errors.As(err, &mapper) {
		if herr := mapper.ToHTTPError(); herr != nil {
			return fromHTTPError(herr)
		}
	}

	if httperror.IsHTTPError(err) {
		return fromHTTPError(httperror.ToHTTPError(err))
	}

	switch {
	case errors.Is(err, pipeline.ErrInvalidWrite):
		return http.StatusBadRequest, err.Error(), map[string]any{}
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error(), map[string]any{}
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, err.Error(), map[string]any{}
	}

	return http.StatusInternalServerError, "Internal Server Error", map[string]any{}
}

func fromHTTPError(herr *httperror.HTTPError) (int, string, map[string]any) {
	meta := herr.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	return httperror.GetStatusCode(herr), herr.Error(), meta
}
