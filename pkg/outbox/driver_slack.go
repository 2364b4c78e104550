package outbox

import (
	"context"
	"errors"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/openmu/mucp/pkg/models"
)

// SlackDriver delivers outbound envelopes via chat.postMessage. Rate-limit
// responses surface the Retry-After hint so the dispatcher can honor it.
type SlackDriver struct {
	api    *goslack.Client
	logger *slog.Logger
}

// NewSlackDriver creates a Slack delivery driver.
func NewSlackDriver(token string) *SlackDriver {
	return &SlackDriver{
		api:    goslack.New(token),
		logger: slog.Default().With("component", "slack-driver"),
	}
}

// NewSlackDriverWithAPIURL targets a custom API URL. Useful for testing with
// a mock server.
func NewSlackDriverWithAPIURL(token, apiURL string) *SlackDriver {
	return &SlackDriver{
		api:    goslack.New(token, goslack.OptionAPIURL(apiURL)),
		logger: slog.Default().With("component", "slack-driver"),
	}
}

// Channel implements Driver.
func (d *SlackDriver) Channel() string {
	return models.ChannelSlack
}

// Deliver implements Driver.
func (d *SlackDriver) Deliver(ctx context.Context, rec *models.OutboxRecord) DeliveryResult {
	env := rec.Envelope

	opts := []goslack.MsgOption{
		goslack.MsgOptionText(env.Body, false),
	}
	if threadTS := env.Metadata["thread_ts"]; threadTS != "" {
		opts = append(opts, goslack.MsgOptionTS(threadTS))
	}

	_, _, err := d.api.PostMessageContext(ctx, env.ChannelConversationID, opts...)
	if err != nil {
		var rateLimited *goslack.RateLimitedError
		if errors.As(err, &rateLimited) {
			return DeliveryResult{
				Status:       StatusRetry,
				Error:        err.Error(),
				RetryDelayMS: rateLimited.RetryAfter.Milliseconds(),
			}
		}
		return DeliveryResult{Status: StatusRetry, Error: err.Error()}
	}
	return DeliveryResult{Status: StatusDelivered}
}
