package linkage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"

	"github.com/Ramsey-B/fern/pkg/permissions"
	"github.com/Ramsey-B/fern/pkg/store"
	"github.com/Ramsey-B/fern/pkg/synthesis"
)

var (
	// ErrInvalidMerge is returned for a merge pairing outside LOCAL→MASTER, MASTER→MASTER and LOCAL→LOCAL.
	ErrInvalidMerge = errors.New("invalid merge")
	// ErrStateConflict is returned when an operation does not fit the current linkage state.
	ErrStateConflict = errors.New("state conflict")
	// ErrRecordNotGoverned is returned for records whose entity type the engine does not govern.
	ErrRecordNotGoverned = errors.New("record type is not governed")
)

// LinkageError carries the record an engine operation failed on.
type LinkageError struct {
	Key string
	Op  string
	Err error
}

func (e *LinkageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *LinkageError) Unwrap() error {
	return e.Err
}

func (e *LinkageError) ToHTTPError() *httperror.HTTPError {
	var violation *permissions.PolicyViolation
	if errors.As(e.Err, &violation) {
		return violation.ToHTTPError().AddMetaValue("record_key", e.Key)
	}

	code := http.StatusInternalServerError
	message := fmt.Sprintf("failed to %s record", e.Op)
	switch {
	case errors.Is(e.Err, ErrInvalidMerge):
		code, message = http.StatusBadRequest, e.Err.Error()
	case errors.Is(e.Err, ErrStateConflict), errors.Is(e.Err, store.ErrConflict):
		code, message = http.StatusConflict, e.Err.Error()
	case errors.Is(e.Err, ErrRecordNotGoverned), errors.Is(e.Err, synthesis.ErrNotMaster):
		code, message = http.StatusUnprocessableEntity, e.Err.Error()
	case errors.Is(e.Err, store.ErrNotFound):
		code, message = http.StatusNotFound, e.Err.Error()
	}
	return httperror.NewHTTPError(code, message).
		AddMetaValue("record_key", e.Key).
		AddMetaValue("operation", e.Op)
}

// wrap attaches key and op to err. Policy violations and errors that already name a record
// pass through unchanged.
func wrap(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var le *LinkageError
	if errors.As(err, &le) || permissions.IsPolicyViolation(err) {
		return err
	}
	return &LinkageError{Key: key, Op: op, Err: err}
}

func conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrStateConflict, fmt.Sprintf(format, args...))
}

func invalidMergef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidMerge, fmt.Sprintf(format, args...))
}
