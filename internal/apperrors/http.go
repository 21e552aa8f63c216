package apperrors

import (
	"errors"
	"net/http"
)

// statusBySentinel is checked in order. Invariant comes first so a wrapped
// bug never surfaces as a client error.
var statusBySentinel = []struct {
	sentinel error
	status   int
}{
	{ErrInvariant, http.StatusInternalServerError},
	{ErrValidation, http.StatusBadRequest},
	{ErrNotFound, http.StatusNotFound},
	{ErrConflict, http.StatusConflict},
	{ErrPrecondition, http.StatusConflict},
	{ErrCompile, http.StatusUnprocessableEntity},
	{ErrAllocation, http.StatusServiceUnavailable},
	{ErrExecute, http.StatusBadGateway},
	{ErrTimeout, http.StatusGatewayTimeout},
	{ErrPersist, http.StatusInternalServerError},
}

// HTTPStatus maps an error to the HTTP status code returned to callers.
// Unclassified errors map to 500.
func HTTPStatus(err error) int {
	for _, m := range statusBySentinel {
		if errors.Is(err, m.sentinel) {
			return m.status
		}
	}
	return http.StatusInternalServerError
}
