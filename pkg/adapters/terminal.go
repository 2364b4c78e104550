package adapters

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/google/uuid"

	"github.com/openmu/mucp/pkg/identity"
	"github.com/openmu/mucp/pkg/models"
)

// TerminalAdapter feeds in-process terminal input through the pipeline under
// the reserved terminal binding. There is no HTTP surface and no signature to
// verify; results print synchronously.
type TerminalAdapter struct {
	pipeline Submitter
	audit    *AuditLog
	out      io.Writer
	logger   *slog.Logger
	now      func() int64
}

// NewTerminalAdapter creates the terminal adapter writing results to stdout.
func NewTerminalAdapter(pipeline Submitter, audit *AuditLog) *TerminalAdapter {
	return &TerminalAdapter{
		pipeline: pipeline,
		audit:    audit,
		out:      os.Stdout,
		logger:   slog.Default().With("component", "terminal-adapter"),
		now:      nowMillis,
	}
}

// SetOutput redirects result printing. Test hook.
func (a *TerminalAdapter) SetOutput(out io.Writer) {
	a.out = out
}

// Spec returns the adapter's static description.
func (a *TerminalAdapter) Spec() Spec {
	return Spec{
		Channel:          models.ChannelTerminal,
		Route:            "",
		IngressPayload:   "raw_text",
		Verification:     "in_process",
		AckFormat:        "text",
		DeferredDelivery: false,
	}
}

// Ingest implements Adapter. The terminal adapter has no HTTP surface;
// ingress arrives in-process through Submit, so any HTTP delivery is
// rejected.
func (a *TerminalAdapter) Ingest(ctx context.Context, r *http.Request) (*Ack, error) {
	return nil, errors.New("terminal adapter has no HTTP ingress")
}

// Submit runs one line of terminal input through the pipeline and prints the
// result.
func (a *TerminalAdapter) Submit(ctx context.Context, text string) (*models.PipelineResult, error) {
	requestID := uuid.NewString()
	env := &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMS:          a.now(),
		RequestID:             requestID,
		DeliveryID:            requestID,
		Channel:               models.ChannelTerminal,
		ChannelTenantID:       identity.TerminalTenantID,
		ChannelConversationID: "terminal",
		ActorID:               identity.TerminalActorID,
		ActorBindingID:        identity.TerminalBindingID,
		CommandText:           text,
		IdempotencyKey:        "term:" + requestID,
		Fingerprint:           fingerprint(text, requestID),
	}

	result, err := a.pipeline.HandleInbound(ctx, env)
	if err != nil {
		return nil, err
	}

	if a.audit != nil {
		if aerr := a.audit.Record(models.ChannelTerminal, AuditIngressAccepted, string(result.Kind), nil, correlationOf(env, result)); aerr != nil {
			a.logger.Warn("Audit append failed", "error", aerr)
		}
	}

	if message := resultMessage(result); message != "" {
		fmt.Fprintln(a.out, message)
	}
	return result, nil
}
