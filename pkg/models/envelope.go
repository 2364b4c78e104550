// Package models defines the wire and journal types shared across the control
// plane: inbound/outbound envelopes, command and outbox records, identity
// bindings, generation identities, and the tagged pipeline result.
package models

// EnvelopeVersion is the current envelope schema version.
const EnvelopeVersion = 1

// Channel identifiers known to the control plane.
const (
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
	ChannelWebhook  = "webhook"
	ChannelTerminal = "terminal"
)

// Attachment is an opaque file reference carried on an envelope.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URL         string `json:"url,omitempty"`
	SizeBytes   int64  `json:"size_bytes,omitempty"`
}

// InboundEnvelope is the normalized, channel-agnostic form of an inbound
// request. Adapters must produce identical IdempotencyKey and Fingerprint
// values for a physical retry of the same delivery.
type InboundEnvelope struct {
	V                     int               `json:"v"`
	ReceivedAtMS          int64             `json:"received_at_ms"`
	RequestID             string            `json:"request_id"`
	DeliveryID            string            `json:"delivery_id"`
	Channel               string            `json:"channel"`
	ChannelTenantID       string            `json:"channel_tenant_id"`
	ChannelConversationID string            `json:"channel_conversation_id"`
	ActorID               string            `json:"actor_id"`
	ActorBindingID        string            `json:"actor_binding_id,omitempty"`
	AssuranceTier         string            `json:"assurance_tier,omitempty"`
	RepoRoot              string            `json:"repo_root"`
	CommandText           string            `json:"command_text"`
	ScopeRequired         []string          `json:"scope_required,omitempty"`
	ScopeEffective        []string          `json:"scope_effective,omitempty"`
	TargetType            string            `json:"target_type,omitempty"`
	TargetID              string            `json:"target_id,omitempty"`
	IdempotencyKey        string            `json:"idempotency_key"`
	Fingerprint           string            `json:"fingerprint"`
	Attachments           []Attachment      `json:"attachments,omitempty"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}

// Correlation is the provenance envelope embedded in every journal entry and
// outbound message so any line is self-describing for audit and replay.
type Correlation struct {
	CommandID             string `json:"command_id,omitempty"`
	RequestID             string `json:"request_id"`
	DeliveryID            string `json:"delivery_id,omitempty"`
	Channel               string `json:"channel"`
	ChannelTenantID       string `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string `json:"channel_conversation_id,omitempty"`
	ActorID               string `json:"actor_id,omitempty"`
	ActorBindingID        string `json:"actor_binding_id,omitempty"`
	IdempotencyKey        string `json:"idempotency_key,omitempty"`
	Fingerprint           string `json:"fingerprint,omitempty"`
}

// CorrelationFor builds the correlation envelope for an inbound.
func CorrelationFor(env *InboundEnvelope) Correlation {
	return Correlation{
		RequestID:             env.RequestID,
		DeliveryID:            env.DeliveryID,
		Channel:               env.Channel,
		ChannelTenantID:       env.ChannelTenantID,
		ChannelConversationID: env.ChannelConversationID,
		ActorID:               env.ActorID,
		ActorBindingID:        env.ActorBindingID,
		IdempotencyKey:        env.IdempotencyKey,
		Fingerprint:           env.Fingerprint,
	}
}

// Outbound envelope kinds.
const (
	OutboundKindAck    = "ack"
	OutboundKindResult = "result"
	OutboundKindError  = "error"
)

// OutboundEnvelope is a channel-bound reply. Body is always a human-readable
// fallback even when channel-specific formatting is attached via Metadata.
type OutboundEnvelope struct {
	V                     int               `json:"v"`
	TSMS                  int64             `json:"ts_ms"`
	Channel               string            `json:"channel"`
	ChannelTenantID       string            `json:"channel_tenant_id,omitempty"`
	ChannelConversationID string            `json:"channel_conversation_id,omitempty"`
	RequestID             string            `json:"request_id,omitempty"`
	ResponseID            string            `json:"response_id"`
	Kind                  string            `json:"kind"`
	Body                  string            `json:"body"`
	Attachments           []Attachment      `json:"attachments,omitempty"`
	Correlation           Correlation       `json:"correlation"`
	Metadata              map[string]string `json:"metadata,omitempty"`
}
