// Package adapters holds the channel adapters: thin translators that verify
// an ingress request, produce an inbound envelope, run it through the
// pipeline, and map the result into the channel's ack format. Adapters never
// touch business stores directly; outbound replies go through the outbox.
package adapters

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/outbox"
	"github.com/openmu/mucp/pkg/storage"
)

// Spec statically describes one adapter.
type Spec struct {
	Channel          string `json:"channel"`
	Route            string `json:"route"`
	IngressPayload   string `json:"ingress_payload"`
	Verification     string `json:"verification"`
	AckFormat        string `json:"ack_format"`
	DeferredDelivery bool   `json:"deferred_delivery"`
}

// Ack is the channel-format acknowledgement an adapter returns to the HTTP
// layer.
type Ack struct {
	StatusCode int
	Body       any
}

// Adapter is the capability set every channel adapter implements.
type Adapter interface {
	// Spec returns the adapter's static description.
	Spec() Spec

	// Ingest verifies and translates one ingress request.
	Ingest(ctx context.Context, r *http.Request) (*Ack, error)
}

// Submitter is the pipeline boundary adapters call.
type Submitter interface {
	HandleInbound(ctx context.Context, env *models.InboundEnvelope) (*models.PipelineResult, error)
}

// Signaler wakes the outbox dispatcher after an enqueue.
type Signaler interface {
	Signal()
}

// Audit event names.
const (
	AuditIngressAccepted    = "ingress.accepted"
	AuditIngressIgnored     = "ingress.ignored"
	AuditVerificationFailed = "verification.failed"
)

// AuditEntry is one line of adapter_audit.jsonl.
type AuditEntry struct {
	Kind        string             `json:"kind"`
	TSMS        int64              `json:"ts_ms"`
	Channel     string             `json:"channel"`
	Event       string             `json:"event"`
	Reason      string             `json:"reason,omitempty"`
	Metadata    map[string]string  `json:"metadata,omitempty"`
	Correlation models.Correlation `json:"correlation"`
}

// AuditLog appends adapter audit entries to their journal.
type AuditLog struct {
	journal *storage.Journal
	now     func() int64
}

// OpenAuditLog opens adapter_audit.jsonl for appending.
func OpenAuditLog(paths storage.Paths) (*AuditLog, error) {
	journal, err := storage.OpenJournal(paths.AdapterAuditJournal())
	if err != nil {
		return nil, err
	}
	return &AuditLog{
		journal: journal,
		now:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Record appends one audit entry. Audit failures are returned, not fatal; the
// callers log and continue.
func (l *AuditLog) Record(channel, event, reason string, metadata map[string]string, corr models.Correlation) error {
	return l.journal.Append(AuditEntry{
		Kind:        "adapter.audit",
		TSMS:        l.now(),
		Channel:     channel,
		Event:       event,
		Reason:      reason,
		Metadata:    metadata,
		Correlation: corr,
	})
}

// Close closes the underlying journal.
func (l *AuditLog) Close() error {
	return l.journal.Close()
}

// Responder enqueues outbound replies into the outbox and wakes the
// dispatcher. Shared by the deferred-delivery adapters.
type Responder struct {
	store       *outbox.Store
	signaler    Signaler
	maxAttempts int
	now         func() int64
}

// NewResponder creates a responder. signaler may be nil.
func NewResponder(store *outbox.Store, signaler Signaler, maxAttempts int) *Responder {
	return &Responder{
		store:       store,
		signaler:    signaler,
		maxAttempts: maxAttempts,
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// Reply enqueues one outbound envelope keyed by the inbound request it
// answers.
func (r *Responder) Reply(env models.OutboundEnvelope) error {
	if env.ResponseID == "" {
		env.ResponseID = uuid.NewString()
	}
	if env.TSMS == 0 {
		env.TSMS = r.now()
	}
	dedupeKey := fmt.Sprintf("resp:%s:%s", env.Channel, env.RequestID)
	_, _, err := r.store.Enqueue(dedupeKey, env, r.maxAttempts, r.now())
	if err != nil {
		return err
	}
	if r.signaler != nil {
		r.signaler.Signal()
	}
	return nil
}

// resultMessage renders a pipeline result as the human-readable reply body.
func resultMessage(result *models.PipelineResult) string {
	switch result.Kind {
	case models.ResultCompleted:
		if result.Command != nil {
			return fmt.Sprintf("completed: %s", result.Command.CommandKey)
		}
		return "completed"
	case models.ResultAwaitingConfirmation:
		return fmt.Sprintf("awaiting confirmation: reply `confirm %s` or `cancel %s`",
			result.Command.CommandID, result.Command.CommandID)
	case models.ResultDeferred:
		return fmt.Sprintf("deferred, retrying (%s)", result.Reason)
	case models.ResultCancelled:
		return "cancelled"
	case models.ResultOperatorResponse:
		return result.Message
	case models.ResultNoop:
		return ""
	case models.ResultInvalid:
		return fmt.Sprintf("invalid command: %s", result.Reason)
	case models.ResultDenied:
		return fmt.Sprintf("denied: %s", result.Reason)
	default:
		return fmt.Sprintf("failed: %s", result.Reason)
	}
}

// outboundKind maps a pipeline result onto the outbound envelope kind.
func outboundKind(result *models.PipelineResult) string {
	switch result.Kind {
	case models.ResultCompleted, models.ResultOperatorResponse, models.ResultCancelled:
		return models.OutboundKindResult
	case models.ResultAwaitingConfirmation, models.ResultDeferred, models.ResultNoop:
		return models.OutboundKindAck
	default:
		return models.OutboundKindError
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }

// fingerprint derives the content fingerprint from the identifying parts of a
// delivery. Physical retries of the same delivery must produce the same
// value.
func fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// correlationOf extracts the correlation for auditing, preferring the
// command's enriched one.
func correlationOf(env *models.InboundEnvelope, result *models.PipelineResult) models.Correlation {
	if result != nil && result.Command != nil {
		return result.Command.Correlation
	}
	return models.CorrelationFor(env)
}
