package pipeline

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/executor"
	"github.com/openmu/mucp/pkg/idempotency"
	"github.com/openmu/mucp/pkg/identity"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/operator"
	"github.com/openmu/mucp/pkg/policy"
	"github.com/openmu/mucp/pkg/storage"
)

type testHarness struct {
	pipeline *Pipeline
	commands *command.Store
	mutator  *executor.StubMutationExecutor
	clock    int64
	seq      int
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	pipelineCfg Config
	rateCfg     *policy.RateLimitConfig
	backend     operator.Backend
	switches    policy.KillSwitches
}

func withRateLimit(cfg policy.RateLimitConfig) harnessOption {
	return func(h *harnessConfig) { h.rateCfg = &cfg }
}

func withBackend(b operator.Backend) harnessOption {
	return func(h *harnessConfig) { h.backend = b }
}

func withConfirmationTTL(ttl time.Duration) harnessOption {
	return func(h *harnessConfig) { h.pipelineCfg.ConfirmationTTL = ttl }
}

func newHarness(t *testing.T, opts ...harnessOption) *testHarness {
	t.Helper()

	hc := harnessConfig{pipelineCfg: DefaultConfig()}
	for _, opt := range opts {
		opt(&hc)
	}

	paths := storage.ResolvePaths(t.TempDir())
	require.NoError(t, paths.EnsureDir())

	commands, err := command.Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = commands.Close() })

	ledger, err := idempotency.Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	identities, err := identity.Open(paths)
	require.NoError(t, err)
	t.Cleanup(func() { _ = identities.Close() })

	require.NoError(t, identities.Link(models.IdentityBinding{
		BindingID:       "bind-1",
		OperatorID:      "op-1",
		Channel:         models.ChannelSlack,
		ChannelTenantID: "T1",
		ChannelActorID:  "U1",
		AssuranceTier:   models.TierA,
		Scopes:          []string{"cp.read", "cp.issue.write", "cp.run.execute"},
	}, 1000))

	var limiter *policy.RateLimiter
	if hc.rateCfg != nil {
		limiter = policy.NewRateLimiter(*hc.rateCfg)
	}
	engine := policy.NewEngine(nil, hc.switches, limiter)

	tail := executor.NewMutationTail()
	t.Cleanup(tail.Stop)
	mutator := &executor.StubMutationExecutor{}

	h := &testHarness{commands: commands, mutator: mutator, clock: 10_000}
	h.pipeline = New(hc.pipelineCfg, commands, ledger, identities, engine, tail,
		executor.StubReadonlyExecutor{}, mutator, hc.backend, nil)
	h.pipeline.SetClock(func() int64 { return h.clock })
	return h
}

// inbound builds a fresh slack envelope for the linked test binding. Each
// call gets a distinct idempotency key.
func (h *testHarness) inbound(text string) *models.InboundEnvelope {
	h.seq++
	return &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMS:          h.clock,
		RequestID:             fmt.Sprintf("req-%03d", h.seq),
		DeliveryID:            fmt.Sprintf("del-%03d", h.seq),
		Channel:               models.ChannelSlack,
		ChannelTenantID:       "T1",
		ChannelConversationID: "C1",
		ActorID:               "U1",
		ActorBindingID:        "bind-1",
		CommandText:           text,
		IdempotencyKey:        fmt.Sprintf("idem-%03d", h.seq),
		Fingerprint:           fmt.Sprintf("fp-%03d", h.seq),
	}
}

func (h *testHarness) handle(t *testing.T, env *models.InboundEnvelope) *models.PipelineResult {
	t.Helper()
	result, err := h.pipeline.HandleInbound(context.Background(), env)
	require.NoError(t, err)
	return result
}

func TestPipeline_ReadonlyHappyPath(t *testing.T) {
	h := newHarness(t)

	result := h.handle(t, h.inbound("/status"))
	require.Equal(t, models.ResultCompleted, result.Kind)
	require.NotNil(t, result.Command)
	assert.Equal(t, models.CommandStateCompleted, result.Command.State)
	assert.Equal(t, "status", result.Result["command"])

	// Readonly queries never touch the mutation executor or journal events.
	assert.Empty(t, h.mutator.Applied())
	assert.False(t, h.commands.HasMutating(result.Command.CommandID))
}

func TestPipeline_DuplicateDelivery(t *testing.T) {
	h := newHarness(t)

	env := h.inbound("/status")
	first := h.handle(t, env)
	require.Equal(t, models.ResultCompleted, first.Kind)

	// A physical redelivery reuses the exact envelope.
	second := h.handle(t, env)
	assert.Equal(t, models.ResultNoop, second.Kind)
	assert.Equal(t, models.ErrCodeDuplicateDelivery, second.Reason)
	require.NotNil(t, second.Command)
	assert.Equal(t, first.Command.CommandID, second.Command.CommandID)
}

func TestPipeline_BotAddressedStatusCompletes(t *testing.T) {
	h := newHarness(t)

	env := h.inbound("/mu status")
	first := h.handle(t, env)
	require.Equal(t, models.ResultCompleted, first.Kind)
	require.NotNil(t, first.Command)
	assert.Equal(t, "status", first.Command.CommandKey)

	// Physical redelivery of the bot-addressed form dedupes like any other.
	second := h.handle(t, env)
	assert.Equal(t, models.ResultNoop, second.Kind)
	assert.Equal(t, models.ErrCodeDuplicateDelivery, second.Reason)
}

func TestPipeline_IdempotencyConflict(t *testing.T) {
	h := newHarness(t)

	env := h.inbound("/status")
	h.handle(t, env)

	conflicting := h.inbound("/status")
	conflicting.IdempotencyKey = env.IdempotencyKey // same key, new fingerprint
	result := h.handle(t, conflicting)
	assert.Equal(t, models.ResultDenied, result.Kind)
	assert.Equal(t, models.ErrCodeIdempotencyConflict, result.Reason)
}

func TestPipeline_ConfirmationFlow(t *testing.T) {
	h := newHarness(t)

	first := h.handle(t, h.inbound("mu! issue close mu-1"))
	require.Equal(t, models.ResultAwaitingConfirmation, first.Kind)
	require.NotNil(t, first.Command)
	commandID := first.Command.CommandID
	assert.Equal(t, h.clock+DefaultConfig().ConfirmationTTL.Milliseconds(), first.Command.ConfirmationExpiresAtMS)

	confirmed := h.handle(t, h.inbound("mu! confirm "+commandID))
	require.Equal(t, models.ResultCompleted, confirmed.Kind)
	assert.Equal(t, models.CommandStateCompleted, confirmed.Command.State)
	assert.Equal(t, []string{commandID}, h.mutator.Applied())
	assert.True(t, h.commands.HasMutating(commandID))

	// Confirming a terminal command is denied.
	again := h.handle(t, h.inbound("mu! confirm "+commandID))
	assert.Equal(t, models.ResultDenied, again.Kind)
	assert.Equal(t, models.ErrCodeConfirmationNotPending, again.Reason)
	assert.Equal(t, []string{commandID}, h.mutator.Applied())
}

func TestPipeline_CancelPendingConfirmation(t *testing.T) {
	h := newHarness(t)

	pending := h.handle(t, h.inbound("mu! issue close mu-1"))
	require.Equal(t, models.ResultAwaitingConfirmation, pending.Kind)

	cancelled := h.handle(t, h.inbound("/cancel "+pending.Command.CommandID))
	assert.Equal(t, models.ResultCancelled, cancelled.Kind)
	assert.Equal(t, models.CommandStateCancelled, cancelled.Command.State)
	assert.Empty(t, h.mutator.Applied())
}

func TestPipeline_BackpressureDefer(t *testing.T) {
	cfg := policy.DefaultRateLimitConfig()
	cfg.ActorLimit = 0
	cfg.Overflow = policy.OverflowDefer
	cfg.DeferMS = 250
	h := newHarness(t, withRateLimit(cfg))

	result := h.handle(t, h.inbound("mu! issue create new widget"))
	require.Equal(t, models.ResultDeferred, result.Kind)
	assert.Equal(t, models.ErrCodeBackpressureDeferred, result.Reason)
	assert.Equal(t, h.clock+250, result.RetryAtMS)
	assert.Equal(t, models.CommandStateDeferred, result.Command.State)
	assert.Empty(t, h.mutator.Applied())
}

func TestPipeline_BackpressureDeferOnConfirm(t *testing.T) {
	cfg := policy.DefaultRateLimitConfig()
	cfg.ActorLimit = 0
	cfg.Overflow = policy.OverflowDefer
	cfg.DeferMS = 250
	h := newHarness(t, withRateLimit(cfg))

	pending := h.handle(t, h.inbound("mu! issue close mu-1"))
	require.Equal(t, models.ResultAwaitingConfirmation, pending.Kind)

	// Admission applies when the confirmed mutation is about to run, not when
	// the confirmation is created.
	confirmed := h.handle(t, h.inbound("mu! confirm "+pending.Command.CommandID))
	require.Equal(t, models.ResultDeferred, confirmed.Kind)
	assert.Equal(t, h.clock+250, confirmed.RetryAtMS)
	assert.Empty(t, h.mutator.Applied())
}

func TestPipeline_RequeueDeferred(t *testing.T) {
	cfg := policy.DefaultRateLimitConfig()
	cfg.ActorLimit = 0
	cfg.Overflow = policy.OverflowDefer
	cfg.DeferMS = 250
	h := newHarness(t, withRateLimit(cfg))

	deferred := h.handle(t, h.inbound("mu! issue create new widget"))
	require.Equal(t, models.ResultDeferred, deferred.Kind)

	// Before retry_at_ms nothing moves.
	n, err := h.pipeline.RequeueDeferred(context.Background(), h.clock+100)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock += 300
	n, err = h.pipeline.RequeueDeferred(context.Background(), h.clock)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.CommandStateCompleted, h.commands.Get(deferred.Command.CommandID).State)
	assert.Equal(t, []string{deferred.Command.CommandID}, h.mutator.Applied())
}

func TestPipeline_BackpressureOverflowFails(t *testing.T) {
	cfg := policy.DefaultRateLimitConfig()
	cfg.ActorLimit = 0
	cfg.Overflow = policy.OverflowFail
	h := newHarness(t, withRateLimit(cfg))

	result := h.handle(t, h.inbound("mu! issue create new widget"))
	require.Equal(t, models.ResultFailed, result.Kind)
	assert.Equal(t, models.ErrCodeBackpressureOverflow, result.Reason)
	assert.Equal(t, models.CommandStateFailed, result.Command.State)
}

func TestPipeline_ConfirmationExpiry(t *testing.T) {
	h := newHarness(t, withConfirmationTTL(0))

	pending := h.handle(t, h.inbound("mu! issue close mu-1"))
	require.Equal(t, models.ResultAwaitingConfirmation, pending.Kind)

	// confirmation_ttl=0 expires on the next touch.
	h.clock++
	confirmed := h.handle(t, h.inbound("mu! confirm "+pending.Command.CommandID))
	assert.Equal(t, models.ResultDenied, confirmed.Kind)
	assert.Equal(t, models.CommandStateExpired, h.commands.Get(pending.Command.CommandID).State)
	assert.Empty(t, h.mutator.Applied())
}

func TestPipeline_IdentityDenials(t *testing.T) {
	h := newHarness(t)

	unlinked := h.inbound("/status")
	unlinked.ActorID = "U99"
	unlinked.ActorBindingID = ""
	result := h.handle(t, unlinked)
	assert.Equal(t, models.ResultDenied, result.Kind)
	assert.Equal(t, models.ErrCodeIdentityNotLinked, result.Reason)

	mismatch := h.inbound("/status")
	mismatch.ActorBindingID = "bind-stale"
	result = h.handle(t, mismatch)
	assert.Equal(t, models.ResultDenied, result.Kind)
	assert.Equal(t, models.ErrCodeIdentityNotLinked, result.Reason)
}

func TestPipeline_PolicyDenials(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name   string
		text   string
		reason string
	}{
		{"unmapped command", "/frobnicate now", models.ErrCodeUnmappedCommand},
		{"missing scope", "mu! forum post hello", models.ErrCodeMissingScope},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := h.handle(t, h.inbound(tt.text))
			assert.Equal(t, models.ResultDenied, result.Kind)
			assert.Equal(t, tt.reason, result.Reason)
		})
	}
	assert.Empty(t, h.mutator.Applied())
}

func TestPipeline_ExplicitModeMismatch(t *testing.T) {
	h := newHarness(t)

	// mu? on a mutating command and mu! on a readonly one are both invalid.
	result := h.handle(t, h.inbound("mu? issue close mu-1"))
	assert.Equal(t, models.ResultInvalid, result.Kind)

	result = h.handle(t, h.inbound("mu! status"))
	assert.Equal(t, models.ResultInvalid, result.Kind)
}

func TestPipeline_EnvelopeValidation(t *testing.T) {
	h := newHarness(t)

	badChannel := h.inbound("/status")
	badChannel.Channel = "carrier-pigeon"
	result := h.handle(t, badChannel)
	assert.Equal(t, models.ResultInvalid, result.Kind)
	assert.Equal(t, models.ErrCodeUnknownChannel, result.Reason)

	missingKey := h.inbound("/status")
	missingKey.IdempotencyKey = ""
	result = h.handle(t, missingKey)
	assert.Equal(t, models.ResultInvalid, result.Kind)
	assert.Equal(t, models.ErrCodeSchemaInvalid, result.Reason)

	empty := h.inbound("   ")
	result = h.handle(t, empty)
	assert.Equal(t, models.ResultNoop, result.Kind)
}

// scriptedBackend answers each turn with a fixed decision.
type scriptedBackend struct {
	decision *operator.Decision
	err      error
	turns    []operator.Turn
}

func (b *scriptedBackend) HandleInbound(_ context.Context, turn operator.Turn) (*operator.Decision, error) {
	b.turns = append(b.turns, turn)
	return b.decision, b.err
}

func TestPipeline_OperatorResponse(t *testing.T) {
	backend := &scriptedBackend{decision: &operator.Decision{
		Kind:     operator.DecisionResponse,
		Response: "3 issues open",
	}}
	h := newHarness(t, withBackend(backend))

	result := h.handle(t, h.inbound("how many issues are open?"))
	require.Equal(t, models.ResultOperatorResponse, result.Kind)
	assert.Equal(t, "3 issues open", result.Message)
	require.Len(t, backend.turns, 1)
	assert.Equal(t, "how many issues are open?", backend.turns[0].Text)
}

func TestPipeline_OperatorCommandDecision(t *testing.T) {
	backend := &scriptedBackend{decision: &operator.Decision{
		Kind:        operator.DecisionCommand,
		CommandText: "/status",
	}}
	h := newHarness(t, withBackend(backend))

	result := h.handle(t, h.inbound("what's the status?"))
	require.Equal(t, models.ResultCompleted, result.Kind)
	assert.Equal(t, "status", result.Command.CommandKey)
}

func TestPipeline_OperatorUnavailable(t *testing.T) {
	h := newHarness(t) // no backend configured

	result := h.handle(t, h.inbound("hello there"))
	assert.Equal(t, models.ResultFailed, result.Kind)
	assert.Equal(t, models.ErrCodeOperatorUnavailable, result.Reason)
}

func TestPipeline_IngressNotConversational(t *testing.T) {
	h := newHarness(t)

	env := h.inbound("hello there")
	env.Channel = models.ChannelWebhook
	result := h.handle(t, env)
	assert.Equal(t, models.ResultDenied, result.Kind)
	assert.Equal(t, models.ErrCodeIngressNotConversational, result.Reason)

	// The per-envelope override lets the turn through, where it then fails on
	// the missing backend rather than on ingress.
	override := h.inbound("hello there")
	override.Channel = models.ChannelWebhook
	override.Metadata = map[string]string{MetadataConversationalKey: "true"}
	result = h.handle(t, override)
	assert.Equal(t, models.ResultFailed, result.Kind)
	assert.Equal(t, models.ErrCodeOperatorUnavailable, result.Reason)
}

func TestPipeline_TerminalBindingBypassesStore(t *testing.T) {
	h := newHarness(t)

	env := h.inbound("mu! issue create from terminal")
	env.Channel = models.ChannelTerminal
	env.ChannelTenantID = identity.TerminalTenantID
	env.ActorID = identity.TerminalActorID
	env.ActorBindingID = ""
	result := h.handle(t, env)
	require.Equal(t, models.ResultCompleted, result.Kind)
	assert.Equal(t, identity.TerminalBindingID, result.Command.Correlation.ActorBindingID)
}

func TestPipeline_MutationJournalsEventWithTerminalTransition(t *testing.T) {
	h := newHarness(t)

	result := h.handle(t, h.inbound("mu! issue create widget"))
	require.Equal(t, models.ResultCompleted, result.Kind)

	assert.True(t, h.commands.HasMutating(result.Command.CommandID))
	assert.Equal(t, []string{result.Command.CommandID}, h.mutator.Applied())
}
