package adapters

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	goslack "github.com/slack-go/slack"

	"github.com/openmu/mucp/pkg/models"
)

// slackEnvelope is the subset of the Events API callback the adapter reads.
type slackEnvelope struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
	TeamID    string `json:"team_id"`
	EventID   string `json:"event_id"`
	Event     struct {
		Type     string `json:"type"`
		User     string `json:"user"`
		BotID    string `json:"bot_id"`
		Text     string `json:"text"`
		Channel  string `json:"channel"`
		TS       string `json:"ts"`
		ThreadTS string `json:"thread_ts"`
	} `json:"event"`
}

// SlackAdapter ingests Slack Events API callbacks. Requests are verified with
// the app signing secret; replies are delivered asynchronously through the
// outbox.
type SlackAdapter struct {
	signingSecret string
	pipeline      Submitter
	responder     *Responder
	audit         *AuditLog
	logger        *slog.Logger
	now           func() int64
}

// NewSlackAdapter creates the Slack adapter.
func NewSlackAdapter(signingSecret string, pipeline Submitter, responder *Responder, audit *AuditLog) *SlackAdapter {
	return &SlackAdapter{
		signingSecret: signingSecret,
		pipeline:      pipeline,
		responder:     responder,
		audit:         audit,
		logger:        slog.Default().With("component", "slack-adapter"),
		now:           nowMillis,
	}
}

// Spec implements Adapter.
func (a *SlackAdapter) Spec() Spec {
	return Spec{
		Channel:          models.ChannelSlack,
		Route:            "/webhooks/slack",
		IngressPayload:   "events_api_callback",
		Verification:     "slack_signing_secret",
		AckFormat:        "json",
		DeferredDelivery: true,
	}
}

// Ingest implements Adapter.
func (a *SlackAdapter) Ingest(ctx context.Context, r *http.Request) (*Ack, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return &Ack{StatusCode: http.StatusBadRequest, Body: ackError("unreadable_body")}, nil
	}

	verifier, err := goslack.NewSecretsVerifier(r.Header, a.signingSecret)
	if err == nil {
		if _, werr := verifier.Write(body); werr == nil {
			err = verifier.Ensure()
		} else {
			err = werr
		}
	}
	if err != nil {
		a.recordAudit(models.Correlation{Channel: models.ChannelSlack}, AuditVerificationFailed, "invalid_signature", nil)
		return &Ack{StatusCode: http.StatusUnauthorized, Body: ackError("invalid_signature")}, nil
	}

	var payload slackEnvelope
	if err := json.Unmarshal(body, &payload); err != nil {
		return &Ack{StatusCode: http.StatusBadRequest, Body: ackError("malformed_payload")}, nil
	}

	if payload.Type == "url_verification" {
		return &Ack{StatusCode: http.StatusOK, Body: map[string]string{"challenge": payload.Challenge}}, nil
	}

	// Our own outbox deliveries echo back as bot events; dropping them here
	// breaks the loop.
	if payload.Event.BotID != "" || payload.Event.User == "" {
		a.recordAudit(models.Correlation{Channel: models.ChannelSlack, ChannelTenantID: payload.TeamID},
			AuditIngressIgnored, "bot_event", nil)
		return &Ack{StatusCode: http.StatusOK, Body: map[string]bool{"ok": true}}, nil
	}

	env := &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMS:          a.now(),
		RequestID:             uuid.NewString(),
		DeliveryID:            payload.EventID,
		Channel:               models.ChannelSlack,
		ChannelTenantID:       payload.TeamID,
		ChannelConversationID: payload.Event.Channel,
		ActorID:               payload.Event.User,
		CommandText:           payload.Event.Text,
		IdempotencyKey:        "slack:" + payload.EventID,
		Fingerprint:           fingerprint(payload.TeamID, payload.Event.Channel, payload.Event.User, payload.Event.Text, payload.Event.TS),
	}

	result, err := a.pipeline.HandleInbound(ctx, env)
	if err != nil {
		a.logger.Error("Pipeline failed", "request_id", env.RequestID, "error", err)
		return &Ack{StatusCode: http.StatusInternalServerError, Body: ackError("internal")}, nil
	}

	a.recordAudit(correlationOf(env, result), AuditIngressAccepted, string(result.Kind), map[string]string{
		"event_id": payload.EventID,
	})

	if message := resultMessage(result); message != "" {
		threadTS := payload.Event.ThreadTS
		if threadTS == "" {
			threadTS = payload.Event.TS
		}
		reply := models.OutboundEnvelope{
			V:                     models.EnvelopeVersion,
			Channel:               models.ChannelSlack,
			ChannelTenantID:       payload.TeamID,
			ChannelConversationID: payload.Event.Channel,
			RequestID:             env.RequestID,
			Kind:                  outboundKind(result),
			Body:                  message,
			Correlation:           correlationOf(env, result),
			Metadata:              map[string]string{"thread_ts": threadTS},
		}
		if err := a.responder.Reply(reply); err != nil {
			a.logger.Error("Failed to enqueue reply", "request_id", env.RequestID, "error", err)
		}
	}

	ack := map[string]any{"ok": true, "kind": string(result.Kind)}
	if result.Command != nil {
		ack["command_id"] = result.Command.CommandID
	}
	return &Ack{StatusCode: http.StatusOK, Body: ack}, nil
}

func (a *SlackAdapter) recordAudit(corr models.Correlation, event, reason string, metadata map[string]string) {
	if a.audit == nil {
		return
	}
	if err := a.audit.Record(models.ChannelSlack, event, reason, metadata, corr); err != nil {
		a.logger.Warn("Audit append failed", "event", event, "error", err)
	}
}

func ackError(reason string) map[string]any {
	return map[string]any{"ok": false, "error": reason}
}
