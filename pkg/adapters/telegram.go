package adapters

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/storage"
)

// secretTokenHeader is set by Telegram on every webhook delivery when the
// webhook was registered with a secret token.
const secretTokenHeader = "X-Telegram-Bot-Api-Secret-Token"

// Telegram ingress statuses recorded in telegram_ingress.jsonl.
const (
	TelegramIngressAccepted = "accepted"
	TelegramIngressRejected = "rejected"
)

// telegramIngressEntry is one line of telegram_ingress.jsonl.
type telegramIngressEntry struct {
	Kind     string `json:"kind"`
	TSMS     int64  `json:"ts_ms"`
	UpdateID int64  `json:"update_id"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
}

// telegramUpdate is the subset of a Bot API update the adapter reads.
type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		MessageID int64  `json:"message_id"`
		Text      string `json:"text"`
		From      struct {
			ID    int64 `json:"id"`
			IsBot bool  `json:"is_bot"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// TelegramAdapter ingests Bot API webhook updates. Verification is the shared
// secret token header; every update is recorded in the ingress journal.
type TelegramAdapter struct {
	secretToken string
	pipeline    Submitter
	responder   *Responder
	audit       *AuditLog
	ingress     *storage.Journal
	logger      *slog.Logger
	now         func() int64
}

// NewTelegramAdapter creates the Telegram adapter and opens its ingress
// journal.
func NewTelegramAdapter(secretToken string, pipeline Submitter, responder *Responder, audit *AuditLog, paths storage.Paths) (*TelegramAdapter, error) {
	ingress, err := storage.OpenJournal(paths.TelegramIngressJournal())
	if err != nil {
		return nil, err
	}
	return &TelegramAdapter{
		secretToken: secretToken,
		pipeline:    pipeline,
		responder:   responder,
		audit:       audit,
		ingress:     ingress,
		logger:      slog.Default().With("component", "telegram-adapter"),
		now:         nowMillis,
	}, nil
}

// Spec implements Adapter.
func (a *TelegramAdapter) Spec() Spec {
	return Spec{
		Channel:          models.ChannelTelegram,
		Route:            "/webhooks/telegram",
		IngressPayload:   "bot_api_update",
		Verification:     "secret_token_header",
		AckFormat:        "json",
		DeferredDelivery: true,
	}
}

// Close closes the ingress journal.
func (a *TelegramAdapter) Close() error {
	return a.ingress.Close()
}

// Ingest implements Adapter.
func (a *TelegramAdapter) Ingest(ctx context.Context, r *http.Request) (*Ack, error) {
	token := r.Header.Get(secretTokenHeader)
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.secretToken)) != 1 {
		a.recordAudit(models.Correlation{Channel: models.ChannelTelegram}, AuditVerificationFailed, "invalid_secret_token", nil)
		return &Ack{StatusCode: http.StatusUnauthorized, Body: ackError("invalid_secret_token")}, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return &Ack{StatusCode: http.StatusBadRequest, Body: ackError("unreadable_body")}, nil
	}
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return &Ack{StatusCode: http.StatusBadRequest, Body: ackError("malformed_payload")}, nil
	}

	if update.Message.From.IsBot || update.Message.Text == "" {
		a.recordIngress(update.UpdateID, TelegramIngressRejected, "not_a_user_message")
		// Telegram retries non-200 acks; an ignored update is still acked.
		return &Ack{StatusCode: http.StatusOK, Body: map[string]bool{"ok": true}}, nil
	}

	chatID := strconv.FormatInt(update.Message.Chat.ID, 10)
	actorID := strconv.FormatInt(update.Message.From.ID, 10)
	env := &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMS:          a.now(),
		RequestID:             uuid.NewString(),
		DeliveryID:            strconv.FormatInt(update.UpdateID, 10),
		Channel:               models.ChannelTelegram,
		ChannelTenantID:       chatID,
		ChannelConversationID: chatID,
		ActorID:               actorID,
		CommandText:           update.Message.Text,
		IdempotencyKey:        fmt.Sprintf("tg:%d", update.UpdateID),
		Fingerprint:           fingerprint(chatID, actorID, update.Message.Text, strconv.FormatInt(update.Message.MessageID, 10)),
	}

	result, err := a.pipeline.HandleInbound(ctx, env)
	if err != nil {
		a.logger.Error("Pipeline failed", "request_id", env.RequestID, "error", err)
		return &Ack{StatusCode: http.StatusInternalServerError, Body: ackError("internal")}, nil
	}

	a.recordIngress(update.UpdateID, TelegramIngressAccepted, string(result.Kind))
	a.recordAudit(correlationOf(env, result), AuditIngressAccepted, string(result.Kind), map[string]string{
		"update_id": strconv.FormatInt(update.UpdateID, 10),
	})

	if message := resultMessage(result); message != "" {
		reply := models.OutboundEnvelope{
			V:                     models.EnvelopeVersion,
			Channel:               models.ChannelTelegram,
			ChannelTenantID:       chatID,
			ChannelConversationID: chatID,
			RequestID:             env.RequestID,
			Kind:                  outboundKind(result),
			Body:                  message,
			Correlation:           correlationOf(env, result),
			Metadata: map[string]string{
				"reply_to_message_id": strconv.FormatInt(update.Message.MessageID, 10),
			},
		}
		if err := a.responder.Reply(reply); err != nil {
			a.logger.Error("Failed to enqueue reply", "request_id", env.RequestID, "error", err)
		}
	}

	return &Ack{StatusCode: http.StatusOK, Body: map[string]bool{"ok": true}}, nil
}

func (a *TelegramAdapter) recordIngress(updateID int64, status, reason string) {
	entry := telegramIngressEntry{
		Kind:     "telegram.ingress",
		TSMS:     a.now(),
		UpdateID: updateID,
		Status:   status,
		Reason:   reason,
	}
	if err := a.ingress.Append(entry); err != nil {
		a.logger.Warn("Ingress journal append failed", "update_id", updateID, "error", err)
	}
}

func (a *TelegramAdapter) recordAudit(corr models.Correlation, event, reason string, metadata map[string]string) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Record(models.ChannelTelegram, event, reason, metadata, corr); err != nil {
		a.logger.Warn("Audit append failed", "event", event, "error", err)
	}
}
