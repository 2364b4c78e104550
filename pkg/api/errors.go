package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/outbox"
	"github.com/openmu/mucp/pkg/storage"
)

// mapStoreError maps store-layer errors to HTTP error responses. Messages are
// the stable error codes clients match on.
func mapStoreError(err error) *echo.HTTPError {
	if errors.Is(err, outbox.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, models.ErrCodeDLQNotFound)
	}
	if errors.Is(err, outbox.ErrNotDeadLetter) {
		return echo.NewHTTPError(http.StatusConflict, models.ErrCodeDLQNotDeadLetter)
	}
	if errors.Is(err, storage.ErrJournalCorrupt) {
		return echo.NewHTTPError(http.StatusInternalServerError, models.ErrCodeJournalCorrupt)
	}

	// Unexpected error
	slog.Error("Unexpected store error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
