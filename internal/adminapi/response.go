package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
)

// ok writes the success envelope.
func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"data": data})
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	body := map[string]interface{}{"error": code, "message": message}
	if details != nil {
		body["details"] = details
	}
	return c.JSON(status, body)
}

// failErr maps session errors to HTTP responses.
func failErr(c echo.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Instance not found", nil)
	case errors.Is(err, domain.ErrDuplicateID):
		return fail(c, http.StatusConflict, "DUPLICATE_ID", "Instance id already exists", nil)
	case errors.Is(err, domain.ErrReconnectInProgress):
		return fail(c, http.StatusConflict, "RECONNECT_IN_PROGRESS", "A reconnect is already running", nil)
	case errors.Is(err, domain.ErrNotConnected):
		return fail(c, http.StatusConflict, "NOT_CONNECTED", "Instance is not connected", err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	}
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Operation failed", err.Error())
}
