package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// webhookHandler handles POST /webhooks/:channel. It dispatches the raw
// request to the channel's adapter; the adapter owns verification and the
// ack format, so the handler only relays status and body.
func (s *Server) webhookHandler(c *echo.Context) error {
	channel := c.Param("channel")
	adapter, ok := s.adapters[channel]
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown channel")
	}

	ack, err := adapter.Ingest(c.Request().Context(), c.Request())
	if err != nil {
		s.logger.Error("Adapter ingest failed", "channel", channel, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	if ack.Body == nil {
		return c.NoContent(ack.StatusCode)
	}
	return c.JSON(ack.StatusCode, ack.Body)
}

// channelsHandler handles GET /api/control-plane/channels. It returns the
// static adapter descriptors for every registered channel.
func (s *Server) channelsHandler(c *echo.Context) error {
	resp := ChannelsResponse{Channels: make([]ChannelDescriptor, 0, len(s.adapters))}
	for _, a := range s.adapters {
		resp.Channels = append(resp.Channels, ChannelDescriptor{Spec: a.Spec()})
	}
	sortChannels(resp.Channels)
	return c.JSON(http.StatusOK, resp)
}
