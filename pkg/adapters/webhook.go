package adapters

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/openmu/mucp/pkg/models"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Mu-Signature"

// webhookPayload is the generic command document posted to /webhooks/webhook.
type webhookPayload struct {
	RequestID             string            `json:"request_id"`
	ChannelTenantID       string            `json:"channel_tenant_id"`
	ChannelConversationID string            `json:"channel_conversation_id"`
	ActorID               string            `json:"actor_id"`
	ActorBindingID        string            `json:"actor_binding_id"`
	CommandText           string            `json:"command_text"`
	IdempotencyKey        string            `json:"idempotency_key"`
	Metadata              map[string]string `json:"metadata"`
}

// WebhookAdapter ingests generic signed webhooks. The channel is synchronous:
// the pipeline result rides back in the ack body instead of the outbox.
type WebhookAdapter struct {
	secret   []byte
	pipeline Submitter
	audit    *AuditLog
	logger   *slog.Logger
	now      func() int64
}

// NewWebhookAdapter creates the generic webhook adapter.
func NewWebhookAdapter(secret string, pipeline Submitter, audit *AuditLog) *WebhookAdapter {
	return &WebhookAdapter{
		secret:   []byte(secret),
		pipeline: pipeline,
		audit:    audit,
		logger:   slog.Default().With("component", "webhook-adapter"),
		now:      nowMillis,
	}
}

// Spec implements Adapter.
func (a *WebhookAdapter) Spec() Spec {
	return Spec{
		Channel:          models.ChannelWebhook,
		Route:            "/webhooks/webhook",
		IngressPayload:   "command_document",
		Verification:     "hmac_sha256_body",
		AckFormat:        "json",
		DeferredDelivery: false,
	}
}

// Sign computes the signature for a raw body. Exported for callers and
// tests that have to produce valid requests.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Ingest implements Adapter.
func (a *WebhookAdapter) Ingest(ctx context.Context, r *http.Request) (*Ack, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return &Ack{StatusCode: http.StatusBadRequest, Body: ackError("unreadable_body")}, nil
	}

	signature := r.Header.Get(SignatureHeader)
	expected := Sign(a.secret, body)
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		a.recordAudit(models.Correlation{Channel: models.ChannelWebhook}, AuditVerificationFailed, "invalid_signature", nil)
		return &Ack{StatusCode: http.StatusUnauthorized, Body: ackError("invalid_signature")}, nil
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return &Ack{StatusCode: http.StatusBadRequest, Body: ackError("malformed_payload")}, nil
	}

	requestID := payload.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	idempotencyKey := payload.IdempotencyKey
	if idempotencyKey == "" {
		idempotencyKey = "wh:" + requestID
	}

	env := &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMS:          a.now(),
		RequestID:             requestID,
		DeliveryID:            requestID,
		Channel:               models.ChannelWebhook,
		ChannelTenantID:       payload.ChannelTenantID,
		ChannelConversationID: payload.ChannelConversationID,
		ActorID:               payload.ActorID,
		ActorBindingID:        payload.ActorBindingID,
		CommandText:           payload.CommandText,
		IdempotencyKey:        idempotencyKey,
		Fingerprint:           fingerprint(string(body)),
		Metadata:              payload.Metadata,
	}

	result, err := a.pipeline.HandleInbound(ctx, env)
	if err != nil {
		a.logger.Error("Pipeline failed", "request_id", env.RequestID, "error", err)
		return &Ack{StatusCode: http.StatusInternalServerError, Body: ackError("internal")}, nil
	}

	a.recordAudit(correlationOf(env, result), AuditIngressAccepted, string(result.Kind), nil)

	ack := map[string]any{
		"kind": string(result.Kind),
	}
	if result.Reason != "" {
		ack["reason"] = result.Reason
	}
	if result.Message != "" {
		ack["message"] = result.Message
	}
	if result.Command != nil {
		ack["command_id"] = result.Command.CommandID
		ack["state"] = string(result.Command.State)
	}
	if result.Result != nil {
		ack["result"] = result.Result
	}
	if result.RetryAtMS > 0 {
		ack["retry_at_ms"] = result.RetryAtMS
	}
	return &Ack{StatusCode: http.StatusOK, Body: ack}, nil
}

func (a *WebhookAdapter) recordAudit(corr models.Correlation, event, reason string, metadata map[string]string) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Record(models.ChannelWebhook, event, reason, metadata, corr); err != nil {
		a.logger.Warn("Audit append failed", "event", event, "error", err)
	}
}
