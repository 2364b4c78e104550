package api

import (
	"errors"
	"net/http"
	"sort"

	echo "github.com/labstack/echo/v5"

	"github.com/openmu/mucp/pkg/reload"
)

// reloadHandler handles POST /api/control-plane/reload. The call blocks until
// the reload attempt (or the in-flight one it coalesced onto) finishes. A
// failed attempt reports the generation still serving traffic.
func (s *Server) reloadHandler(c *echo.Context) error {
	var req ReloadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Reason == "" {
		req.Reason = "api"
	}

	result := s.reloader.Reload(c.Request().Context(), req.Reason)

	resp := ReloadResponse{
		Outcome:          "success",
		Coalesced:        result.Coalesced,
		Attempt:          result.Attempt,
		ActiveGeneration: result.ActiveGeneration,
		Channels:         s.channelNames(),
	}
	if result.Err != nil {
		resp.Outcome = "failure"
		resp.Error = result.Err.Error()
		return c.JSON(http.StatusInternalServerError, resp)
	}
	return c.JSON(http.StatusOK, resp)
}

// rollbackHandler handles POST /api/control-plane/rollback: it force-fails
// the in-flight reload attempt and restores the prior generation. With no
// reload in flight there is nothing to roll back and the call conflicts.
func (s *Server) rollbackHandler(c *echo.Context) error {
	attempt, err := s.reloader.ForceRollback()
	if err != nil {
		if errors.Is(err, reload.ErrNoPendingReload) {
			return echo.NewHTTPError(http.StatusConflict, "no pending reload attempt")
		}
		s.logger.Error("Forced rollback failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "rollback failed")
	}

	s.logger.Info("Reload rolled back",
		"attempt_id", attempt.AttemptID,
		"active", s.sup.ActiveGeneration().GenerationID)
	return c.JSON(http.StatusOK, RollbackResponse{
		Outcome:          "rolled_back",
		Attempt:          attempt,
		ActiveGeneration: s.sup.ActiveGeneration(),
	})
}

// generationHandler handles GET /api/control-plane/generation.
func (s *Server) generationHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, GenerationResponse{Snapshot: s.sup.Snapshot()})
}

func (s *Server) channelNames() []string {
	names := make([]string, 0, len(s.adapters))
	for name := range s.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
