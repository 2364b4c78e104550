package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
)

// deadLettersHandler handles GET /api/control-plane/outbox/dead-letters.
func (s *Server) deadLettersHandler(c *echo.Context) error {
	records := s.outbox.DeadLetters()
	return c.JSON(http.StatusOK, DeadLettersResponse{
		DeadLetters: records,
		Count:       len(records),
	})
}

// replayDeadLetterHandler handles POST /api/control-plane/outbox/dead-letters/:id/replay.
// The original record stays dead-lettered; the response carries the fresh
// pending clone.
func (s *Server) replayDeadLetterHandler(c *echo.Context) error {
	outboxID := c.Param("id")
	if outboxID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "outbox id is required")
	}

	var req ReplayRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	original, replay, err := s.outbox.ReplayDeadLetter(outboxID, req.RequestedByCommandID, time.Now().UnixMilli())
	if err != nil {
		return mapStoreError(err)
	}

	s.logger.Info("Dead letter replayed",
		"outbox_id", outboxID,
		"replay_id", replay.OutboxID,
		"requested_by", req.RequestedByCommandID)
	return c.JSON(http.StatusOK, ReplayResponse{Original: original, Replay: replay})
}
