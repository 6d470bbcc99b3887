package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kaliagents/internal/storage"
	"github.com/jkaninda/kaliagents/internal/supervisor"
)

// maxHistoryLimit caps the limit query parameter of GET /v1/history.
const maxHistoryLimit = 500

// errorStatus maps engine errors to HTTP status codes.
func errorStatus(err error) int {
	var unknownObjective *supervisor.UnknownObjectiveError
	switch {
	case errors.Is(err, supervisor.ErrInvalidRequest), errors.As(err, &unknownObjective):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrTooManySessions):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// engineError writes the response for an engine error.
func engineError(c *okapi.Context, err error) error {
	switch code := errorStatus(err); code {
	case http.StatusInternalServerError:
		return c.AbortInternalServerError("internal error")
	default:
		return c.JSON(code, okapi.M{"error": err.Error()})
	}
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return storage.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > maxHistoryLimit {
		return 0, fmt.Errorf("limit must be in [1,%d], got %d", maxHistoryLimit, n)
	}
	return n, nil
}
