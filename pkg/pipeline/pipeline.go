// Package pipeline implements the command pipeline: envelope validation,
// identity resolution, invocation classification, idempotency claim, policy
// authorization, and the four execution paths (operator turn, readonly query,
// confirmation flow, queued mutation).
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/executor"
	"github.com/openmu/mucp/pkg/idempotency"
	"github.com/openmu/mucp/pkg/identity"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/operator"
	"github.com/openmu/mucp/pkg/policy"
	"github.com/openmu/mucp/pkg/telemetry"
)

// Config carries the pipeline's tunables.
type Config struct {
	// ConfirmationTTL bounds how long a confirmation-required command waits
	// for its confirm.
	ConfirmationTTL time.Duration

	// IdempotencyTTLMS is the lifetime of an idempotency claim.
	IdempotencyTTLMS int64

	// ConversationalChannels lists the channels whose raw text may reach the
	// operator backend without a per-envelope override.
	ConversationalChannels map[string]bool
}

// DefaultConfig returns the built-in pipeline defaults.
func DefaultConfig() Config {
	return Config{
		ConfirmationTTL:  15 * time.Minute,
		IdempotencyTTLMS: idempotency.DefaultTTLMS,
		ConversationalChannels: map[string]bool{
			models.ChannelSlack:    true,
			models.ChannelTelegram: true,
			models.ChannelTerminal: true,
		},
	}
}

// MetadataConversationalKey is the per-envelope override that lets raw text
// through on channels that are not conversational by default.
const MetadataConversationalKey = "conversational"

var knownChannels = map[string]bool{
	models.ChannelSlack:    true,
	models.ChannelTelegram: true,
	models.ChannelWebhook:  true,
	models.ChannelTerminal: true,
}

// Pipeline wires the stores, policy engine, executors, and operator backend
// into the per-inbound contract. Safe for concurrent use; mutations serialize
// through the tail.
type Pipeline struct {
	cfg        Config
	commands   *command.Store
	ledger     *idempotency.Ledger
	identities *identity.Store
	engine     *policy.Engine
	tail       *executor.MutationTail
	readonly   executor.ReadonlyExecutor
	mutator    executor.MutationExecutor
	backend    operator.Backend
	metrics    *telemetry.Metrics
	logger     *slog.Logger
	now        func() int64
}

// New creates a pipeline. backend may be nil (operator turns fail with
// operator_unavailable); metrics may be nil.
func New(cfg Config, commands *command.Store, ledger *idempotency.Ledger, identities *identity.Store, engine *policy.Engine, tail *executor.MutationTail, readonly executor.ReadonlyExecutor, mutator executor.MutationExecutor, backend operator.Backend, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		cfg:        cfg,
		commands:   commands,
		ledger:     ledger,
		identities: identities,
		engine:     engine,
		tail:       tail,
		readonly:   readonly,
		mutator:    mutator,
		backend:    backend,
		metrics:    metrics,
		logger:     slog.Default().With("component", "pipeline"),
		now:        func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the millisecond clock. Test hook.
func (p *Pipeline) SetClock(now func() int64) {
	p.now = now
}

// HandleInbound runs one envelope through the pipeline and returns the tagged
// result. Failures are values; the error return is reserved for journal I/O.
func (p *Pipeline) HandleInbound(ctx context.Context, env *models.InboundEnvelope) (*models.PipelineResult, error) {
	nowMS := p.now()

	// Deadlines are absolute; expiry is detected lazily on the next touch.
	if err := p.SweepExpired(nowMS); err != nil {
		return nil, err
	}

	if result := validateEnvelope(env); result != nil {
		return result, nil
	}

	binding, result := p.resolveBinding(env)
	if result != nil {
		return result, nil
	}

	inv := command.Parse(env.CommandText, p.engine.Known)
	log := p.logger.With("request_id", env.RequestID, "channel", env.Channel, "outcome", inv.Outcome)

	switch inv.Outcome {
	case command.OutcomeNoop:
		return &models.PipelineResult{Kind: models.ResultNoop}, nil

	case command.OutcomeInvalid:
		return &models.PipelineResult{Kind: models.ResultInvalid, Reason: inv.Reason}, nil

	case command.OutcomeText:
		if !p.conversational(env) {
			return &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeIngressNotConversational}, nil
		}
		turnID := uuid.NewString()
		if result, err := p.claim(env, turnID, nowMS); result != nil || err != nil {
			return result, err
		}
		return p.runOperatorTurn(ctx, env, binding, inv.Text, turnID, nowMS)

	case command.OutcomeConfirm, command.OutcomeCancel:
		if result, err := p.claim(env, inv.CommandID, nowMS); result != nil || err != nil {
			return result, err
		}
		return p.resolveConfirmation(ctx, env, binding, inv, nowMS)

	case command.OutcomeCommand:
		commandID := p.commands.NextCommandID()
		if result, err := p.claim(env, commandID, nowMS); result != nil || err != nil {
			return result, err
		}
		log.Info("Command accepted", "command_id", commandID, "command_key", inv.Key)
		return p.runCommand(ctx, env, binding, inv, commandID, nowMS)
	}

	return &models.PipelineResult{Kind: models.ResultInvalid, Reason: models.ErrCodeSchemaInvalid}, nil
}

// validateEnvelope checks the envelope schema. A nil return means valid.
func validateEnvelope(env *models.InboundEnvelope) *models.PipelineResult {
	if env == nil || env.V != models.EnvelopeVersion {
		return &models.PipelineResult{Kind: models.ResultInvalid, Reason: models.ErrCodeSchemaInvalid}
	}
	if !knownChannels[env.Channel] {
		return &models.PipelineResult{Kind: models.ResultInvalid, Reason: models.ErrCodeUnknownChannel}
	}
	if env.RequestID == "" || env.ActorID == "" || env.IdempotencyKey == "" || env.Fingerprint == "" {
		return &models.PipelineResult{Kind: models.ResultInvalid, Reason: models.ErrCodeSchemaInvalid}
	}
	return nil
}

// resolveBinding resolves the active identity binding for the envelope triple.
// The reserved terminal binding never goes through the store.
func (p *Pipeline) resolveBinding(env *models.InboundEnvelope) (*models.IdentityBinding, *models.PipelineResult) {
	if identity.IsTerminalTriple(env.Channel, env.ChannelTenantID, env.ActorID) {
		return identity.TerminalBinding(), nil
	}

	binding := p.identities.ResolveActive(env.Channel, env.ChannelTenantID, env.ActorID)
	if binding == nil {
		// Distinguish a revoked binding the envelope still names from one
		// that never existed.
		if env.ActorBindingID != "" {
			if prior := p.identities.Get(env.ActorBindingID); prior != nil && prior.Status == models.BindingStatusRevoked {
				return nil, &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeIdentityRevoked}
			}
		}
		return nil, &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeIdentityNotLinked}
	}
	if env.ActorBindingID != "" && env.ActorBindingID != binding.BindingID {
		return nil, &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeIdentityNotLinked}
	}
	return binding, nil
}

// claim records the idempotency claim. A non-nil result short-circuits the
// pipeline (duplicate or conflicting delivery).
func (p *Pipeline) claim(env *models.InboundEnvelope, commandID string, nowMS int64) (*models.PipelineResult, error) {
	claimed, err := p.ledger.Claim(env.IdempotencyKey, env.Fingerprint, commandID, p.cfg.IdempotencyTTLMS, nowMS)
	if err != nil {
		return nil, err
	}
	switch claimed.Outcome {
	case idempotency.ClaimDuplicate:
		result := &models.PipelineResult{Kind: models.ResultNoop, Reason: models.ErrCodeDuplicateDelivery}
		if rec := p.commands.Get(claimed.CommandID); rec != nil {
			result.Command = rec
		}
		return result, nil
	case idempotency.ClaimConflict:
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeIdempotencyConflict}, nil
	}
	return nil, nil
}

// conversational reports whether raw text on this envelope may reach the
// operator backend.
func (p *Pipeline) conversational(env *models.InboundEnvelope) bool {
	if p.cfg.ConversationalChannels[env.Channel] {
		return true
	}
	return env.Metadata[MetadataConversationalKey] == "true"
}

// runOperatorTurn hands a conversational turn to the operator backend and
// maps its decision. A command decision re-enters the pipeline on the already
// claimed envelope.
func (p *Pipeline) runOperatorTurn(ctx context.Context, env *models.InboundEnvelope, binding *models.IdentityBinding, text, turnID string, nowMS int64) (*models.PipelineResult, error) {
	if p.backend == nil {
		return &models.PipelineResult{Kind: models.ResultFailed, Reason: models.ErrCodeOperatorUnavailable}, nil
	}

	decision, err := p.backend.HandleInbound(ctx, operator.Turn{
		SessionID: env.ChannelConversationID,
		TurnID:    turnID,
		Text:      text,
		Envelope:  env,
	})
	if err != nil {
		p.logger.Warn("Operator backend failed", "request_id", env.RequestID, "error", err)
		return &models.PipelineResult{Kind: models.ResultFailed, Reason: models.ErrCodeOperatorUnavailable}, nil
	}

	switch decision.Kind {
	case operator.DecisionResponse:
		return &models.PipelineResult{Kind: models.ResultOperatorResponse, Message: decision.Response}, nil

	case operator.DecisionCommand:
		inv := command.Parse(decision.CommandText, p.engine.Known)
		if inv.Outcome != command.OutcomeCommand {
			return &models.PipelineResult{Kind: models.ResultInvalid, Reason: models.ErrCodeSchemaInvalid}, nil
		}
		commandID := p.commands.NextCommandID()
		return p.runCommand(ctx, env, binding, inv, commandID, nowMS)

	case operator.DecisionReject:
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: decision.Reason}, nil
	}
	return &models.PipelineResult{Kind: models.ResultFailed, Reason: models.ErrCodeOperatorUnavailable}, nil
}

func (p *Pipeline) countState(state models.CommandState) {
	if p.metrics != nil {
		p.metrics.CommandsTotal.WithLabelValues(string(state)).Inc()
	}
}
