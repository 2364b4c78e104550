package outbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/openmu/mucp/pkg/models"
)

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramDriver delivers outbound envelopes via the Bot API sendMessage
// method. A 429 response carries retry_after seconds which is surfaced as a
// delay hint.
type TelegramDriver struct {
	token   string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewTelegramDriver creates a Telegram delivery driver.
func NewTelegramDriver(token string) *TelegramDriver {
	return NewTelegramDriverWithBaseURL(token, defaultTelegramAPIBase)
}

// NewTelegramDriverWithBaseURL targets a custom API base URL. Useful for
// testing with a mock server.
func NewTelegramDriverWithBaseURL(token, baseURL string) *TelegramDriver {
	return &TelegramDriver{
		token:   token,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  slog.Default().With("component", "telegram-driver"),
	}
}

// Channel implements Driver.
func (d *TelegramDriver) Channel() string {
	return models.ChannelTelegram
}

type telegramSendMessage struct {
	ChatID           string `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID string `json:"reply_to_message_id,omitempty"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int64 `json:"retry_after"`
	} `json:"parameters"`
}

// Deliver implements Driver.
func (d *TelegramDriver) Deliver(ctx context.Context, rec *models.OutboxRecord) DeliveryResult {
	env := rec.Envelope

	payload := telegramSendMessage{
		ChatID:           env.ChannelConversationID,
		Text:             env.Body,
		ReplyToMessageID: env.Metadata["reply_to_message_id"],
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return DeliveryResult{Status: StatusRetry, Error: fmt.Sprintf("encoding sendMessage: %v", err)}
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", d.baseURL, d.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return DeliveryResult{Status: StatusRetry, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return DeliveryResult{Status: StatusRetry, Error: err.Error()}
	}
	defer resp.Body.Close()

	var parsed telegramResponse
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode == http.StatusTooManyRequests {
		return DeliveryResult{
			Status:       StatusRetry,
			Error:        fmt.Sprintf("telegram rate limited: %s", parsed.Description),
			RetryDelayMS: parsed.Parameters.RetryAfter * 1000,
		}
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return DeliveryResult{
			Status: StatusRetry,
			Error:  fmt.Sprintf("telegram sendMessage status %d: %s", resp.StatusCode, parsed.Description),
		}
	}
	return DeliveryResult{Status: StatusDelivered}
}
