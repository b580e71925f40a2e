package utils

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/appctx"
	"github.com/Ramsey-B/fern/pkg/models"
)

type mergeBody struct {
	Duplicates []string `json:"duplicates" validate:"required,min=1,dive,required"`
}

func TestValidate(t *testing.T) {
	_, err := Validate(mergeBody{Duplicates: []string{"a"}})
	assert.NoError(t, err)

	_, err = Validate(mergeBody{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mergeBody.Duplicates")
	assert.Contains(t, err.Error(), "required")

	_, err = Validate(models.Record{Identifiers: []models.Identifier{{Domain: "MRN"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EntityType")
	assert.Contains(t, err.Error(), "Identifiers[0].Value")
}

func TestValidateValue(t *testing.T) {
	assert.NoError(t, ValidateValue("PATIENT", "required"))
	assert.Error(t, ValidateValue("", "required"))
}

func TestBindRequest(t *testing.T) {
	e := echo.New()

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "valid", body: `{"duplicates":["l1","l2"]}`},
		{name: "empty list", body: `{"duplicates":[]}`, status: http.StatusBadRequest},
		{name: "malformed", body: `{"duplicates":`, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			c := e.NewContext(req, httptest.NewRecorder())

			v, err := BindRequest[mergeBody](c)
			if tt.status == 0 {
				require.NoError(t, err)
				assert.Equal(t, []string{"l1", "l2"}, v.Duplicates)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.status, httperror.GetStatusCode(err))
		})
	}
}

func TestPrincipal(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())

	_, err := Principal(c)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))

	p := &models.Principal{UserID: "u1"}
	c.SetRequest(req.WithContext(appctx.SetPrincipal(req.Context(), p)))
	got, err := Principal(c)
	require.NoError(t, err)
	assert.Same(t, p, got)
}
