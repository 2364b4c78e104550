// Package reload implements the reload lifecycle over the generation
// supervisor: warm up a new runtime, cut over the active handle, drain the
// prior generation, and roll back only when draining fails after cutover.
package reload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openmu/mucp/pkg/generation"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/telemetry"
)

// Telemetry event names emitted along the reload sequence.
const (
	EventWarmupStart      = "warmup:start"
	EventWarmupComplete   = "warmup:complete"
	EventWarmupFailed     = "warmup:failed"
	EventCutoverStart     = "cutover:start"
	EventCutoverComplete  = "cutover:complete"
	EventDrainStart       = "drain:start"
	EventDrainComplete    = "drain:complete"
	EventDrainFailed      = "drain:failed"
	EventRollbackStart    = "rollback:start"
	EventRollbackComplete = "rollback:complete"
	EventRollbackSkipped  = "rollback:skipped"
)

// Runtime is one generation of the control plane: adapters, pipeline, and
// outbox bundled behind a stoppable handle.
type Runtime interface {
	// Stop drains the runtime. After Stop returns the runtime accepts no
	// further work.
	Stop(ctx context.Context) error
}

// Factory builds a fresh runtime during warmup. The new runtime must not
// accept traffic until the orchestrator installs it.
type Factory interface {
	Build(ctx context.Context) (Runtime, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Runtime, error)

// Build implements Factory.
func (f FactoryFunc) Build(ctx context.Context) (Runtime, error) { return f(ctx) }

// Sentinel errors for rollback requests.
var (
	// ErrNoPendingReload is returned by ForceRollback when no reload attempt
	// is in flight.
	ErrNoPendingReload = errors.New("no pending reload attempt")

	// ErrRolledBack is reported to the reloading caller when an operator
	// forced the pending attempt to roll back.
	ErrRolledBack = errors.New("reload attempt rolled back on operator request")
)

// Result is the outcome of one reload request.
type Result struct {
	Attempt          models.ReloadAttempt
	ActiveGeneration models.Generation
	Coalesced        bool
	Err              error
}

// inflight tracks one executing reload. attempt is immutable; prev, forced,
// and finished are guarded by the orchestrator mutex.
type inflight struct {
	done   chan struct{}
	result Result

	attempt  models.ReloadAttempt
	prev     Runtime
	forced   bool
	finished models.ReloadAttempt
}

// Orchestrator drives reloads. At most one reload executes at a time;
// overlapping requests coalesce onto the in-flight attempt and observe its
// result.
type Orchestrator struct {
	sup     *generation.Supervisor
	factory Factory
	metrics *telemetry.Metrics
	logger  *slog.Logger
	events  func(event string)
	now     func() int64

	mu      sync.Mutex
	current Runtime
	pending *inflight
}

// NewOrchestrator creates an orchestrator over the supervisor and runtime
// factory. initial is the runtime serving gen-0; metrics may be nil.
func NewOrchestrator(sup *generation.Supervisor, factory Factory, initial Runtime, metrics *telemetry.Metrics) *Orchestrator {
	o := &Orchestrator{
		sup:     sup,
		factory: factory,
		metrics: metrics,
		logger:  slog.Default().With("component", "reload"),
		current: initial,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	o.events = func(event string) {
		o.logger.Info("Reload event", "event", event)
	}
	return o
}

// SetClock overrides the millisecond clock. Test hook.
func (o *Orchestrator) SetClock(now func() int64) {
	o.now = now
}

// SetEventSink replaces the telemetry event sink. Test hook; the sink is
// called in sequence order from the reloading goroutine.
func (o *Orchestrator) SetEventSink(sink func(event string)) {
	o.events = sink
}

// Runtime returns the runtime currently serving traffic.
func (o *Orchestrator) Runtime() Runtime {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// Reload runs the warmup/cutover/drain sequence for a new generation. A call
// arriving while another reload is in flight coalesces: it bumps the
// duplicate-signal counter and returns the in-flight attempt's result.
func (o *Orchestrator) Reload(ctx context.Context, reason string) Result {
	var fl *inflight
	for fl == nil {
		o.mu.Lock()
		begin := o.sup.BeginReload(reason)
		if !begin.Coalesced {
			fl = &inflight{done: make(chan struct{}), attempt: begin.Attempt}
			o.pending = fl
			o.mu.Unlock()
			break
		}
		waiter := o.pending
		o.mu.Unlock()

		if waiter == nil {
			// The owning caller has finished the attempt but not yet cleared
			// its bookkeeping; re-begin against the settled supervisor.
			continue
		}

		if o.metrics != nil {
			o.metrics.ReloadDuplicateSignalTotal.Inc()
		}
		o.logger.Info("Reload coalesced onto in-flight attempt",
			"attempt_id", begin.Attempt.AttemptID, "reason", reason)

		select {
		case <-waiter.done:
			result := waiter.result
			result.Coalesced = true
			return result
		case <-ctx.Done():
			return Result{
				Attempt:          begin.Attempt,
				ActiveGeneration: o.sup.ActiveGeneration(),
				Coalesced:        true,
				Err:              ctx.Err(),
			}
		}
	}

	result := o.execute(ctx, fl)

	o.mu.Lock()
	fl.result = result
	// A forced rollback may have let a successor attempt install its own
	// inflight already; only clear our own bookkeeping.
	if o.pending == fl {
		o.pending = nil
	}
	o.mu.Unlock()
	close(fl.done)
	return result
}

func (o *Orchestrator) execute(ctx context.Context, fl *inflight) Result {
	attempt := fl.attempt
	log := o.logger.With("attempt_id", attempt.AttemptID,
		"from", attempt.FromGeneration.GenerationID,
		"to", attempt.ToGeneration.GenerationID)

	// Warmup. The new runtime is fully constructed before any traffic moves.
	o.events(EventWarmupStart)
	next, err := o.factory.Build(ctx)
	if err != nil {
		o.events(EventWarmupFailed)
		log.Error("Warmup failed", "error", err)
		return o.fail(fl, fmt.Errorf("warmup failed: %w", err))
	}
	o.events(EventWarmupComplete)

	// Cutover. Swapping the handle is a single pointer write. An operator
	// rollback during warmup already finished the attempt; the fresh runtime
	// is discarded without ever serving.
	o.events(EventCutoverStart)
	o.mu.Lock()
	if fl.forced {
		o.mu.Unlock()
		if stopErr := next.Stop(ctx); stopErr != nil {
			log.Warn("Stopping replacement runtime failed", "error", stopErr)
		}
		return o.forcedResult(fl)
	}
	prev := o.current
	fl.prev = prev
	o.current = next
	o.mu.Unlock()
	if err := o.sup.MarkSwapInstalled(attempt.AttemptID); err != nil {
		o.mu.Lock()
		o.current = prev
		o.mu.Unlock()
		if stopErr := next.Stop(ctx); stopErr != nil {
			log.Warn("Stopping replacement runtime failed", "error", stopErr)
		}
		return o.fail(fl, err)
	}
	o.events(EventCutoverComplete)

	// Drain the prior generation, sampling elapsed time whether or not it
	// succeeds.
	o.events(EventDrainStart)
	drainStart := o.now()
	var drainErr error
	if prev != nil {
		drainErr = prev.Stop(ctx)
	}
	elapsedMS := o.now() - drainStart
	if o.metrics != nil {
		o.metrics.ReloadDrainDurationMSTotal.Add(float64(elapsedMS))
		o.metrics.ReloadDrainDurationSamplesTotal.Inc()
	}

	o.mu.Lock()
	forced := fl.forced
	o.mu.Unlock()
	if forced {
		// An operator rolled back mid-drain: the prior handle is active again
		// and the attempt is finished. Discard the replacement runtime.
		log.Warn("Drain returned after forced rollback", "drain_ms", elapsedMS)
		if stopErr := next.Stop(ctx); stopErr != nil {
			log.Warn("Stopping replacement runtime failed", "error", stopErr)
		}
		return o.forcedResult(fl)
	}

	if drainErr != nil {
		o.events(EventDrainFailed)
		log.Error("Drain failed, rolling back", "error", drainErr, "drain_ms", elapsedMS)

		// Rollback only happens here: after cutover, on drain failure.
		o.events(EventRollbackStart)
		o.mu.Lock()
		o.current = prev
		o.mu.Unlock()
		if err := o.sup.RollbackSwapInstalled(attempt.AttemptID); err != nil {
			log.Error("Rollback bookkeeping failed", "error", err)
		}
		if stopErr := next.Stop(ctx); stopErr != nil {
			log.Warn("Stopping replacement runtime failed", "error", stopErr)
		}
		o.events(EventRollbackComplete)
		return o.fail(fl, fmt.Errorf("drain failed: %w", drainErr))
	}
	o.events(EventDrainComplete)
	o.events(EventRollbackSkipped)

	finished, err := o.sup.FinishReload(attempt.AttemptID, models.ReloadOutcomeSuccess)
	if err != nil {
		o.mu.Lock()
		forced = fl.forced
		o.mu.Unlock()
		if forced {
			if stopErr := next.Stop(ctx); stopErr != nil {
				log.Warn("Stopping replacement runtime failed", "error", stopErr)
			}
			return o.forcedResult(fl)
		}
		return Result{Attempt: attempt, ActiveGeneration: o.sup.ActiveGeneration(), Err: err}
	}
	if o.metrics != nil {
		o.metrics.ReloadSuccessTotal.Inc()
	}
	log.Info("Reload complete", "active", o.sup.ActiveGeneration().GenerationID, "drain_ms", elapsedMS)
	return Result{Attempt: finished, ActiveGeneration: o.sup.ActiveGeneration()}
}

func (o *Orchestrator) fail(fl *inflight, cause error) Result {
	o.mu.Lock()
	forced := fl.forced
	o.mu.Unlock()
	if forced {
		return o.forcedResult(fl)
	}
	finished, err := o.sup.FinishReload(fl.attempt.AttemptID, models.ReloadOutcomeFailure)
	if err != nil {
		finished = fl.attempt
	}
	if o.metrics != nil {
		o.metrics.ReloadFailureTotal.Inc()
	}
	return Result{Attempt: finished, ActiveGeneration: o.sup.ActiveGeneration(), Err: cause}
}

// forcedResult reports the outcome the executing reload observes after an
// operator rollback finished its attempt.
func (o *Orchestrator) forcedResult(fl *inflight) Result {
	o.mu.Lock()
	finished := fl.finished
	o.mu.Unlock()
	return Result{Attempt: finished, ActiveGeneration: o.sup.ActiveGeneration(), Err: ErrRolledBack}
}

// ForceRollback fails the pending reload attempt on operator request. When
// the cutover already happened the previous runtime handle is restored, even
// if its drain is still in progress; the executing reload notices and
// discards the replacement runtime. Returns the finished attempt, or
// ErrNoPendingReload when nothing is in flight.
func (o *Orchestrator) ForceRollback() (models.ReloadAttempt, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	fl := o.pending
	if fl == nil || fl.forced {
		return models.ReloadAttempt{}, ErrNoPendingReload
	}

	snap := o.sup.Snapshot()
	if snap.Pending == nil || snap.Pending.AttemptID != fl.attempt.AttemptID {
		return models.ReloadAttempt{}, ErrNoPendingReload
	}

	o.events(EventRollbackStart)
	if snap.Pending.State == models.ReloadStateSwapped {
		if err := o.sup.RollbackSwapInstalled(fl.attempt.AttemptID); err != nil {
			return models.ReloadAttempt{}, err
		}
		o.current = fl.prev
	}
	finished, err := o.sup.FinishReload(fl.attempt.AttemptID, models.ReloadOutcomeFailure)
	if err != nil {
		return models.ReloadAttempt{}, err
	}
	fl.forced = true
	fl.finished = finished
	if o.metrics != nil {
		o.metrics.ReloadFailureTotal.Inc()
	}
	o.events(EventRollbackComplete)
	o.logger.Warn("Pending reload rolled back on operator request",
		"attempt_id", fl.attempt.AttemptID,
		"active", o.sup.ActiveGeneration().GenerationID)
	return finished, nil
}
