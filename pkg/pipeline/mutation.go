package pipeline

import (
	"context"
	"errors"

	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/executor"
	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/policy"
)

// runCommand authorizes a resolved command and dispatches to the readonly,
// confirmation, or queued-mutation path.
func (p *Pipeline) runCommand(ctx context.Context, env *models.InboundEnvelope, binding *models.IdentityBinding, inv command.Invocation, commandID string, nowMS int64) (*models.PipelineResult, error) {
	decision := p.engine.Authorize(inv.Key, binding, env.Channel)
	if decision.Kind == policy.DecisionDeny {
		p.logger.Info("Command denied", "command_id", commandID, "command_key", inv.Key, "reason", decision.Reason)
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: decision.Reason}, nil
	}

	rule, _ := p.engine.Rule(inv.Key)

	// Explicit invocation mode must agree with the policy classification.
	if (inv.Mode == command.ModeReadonly && rule.Mutating) ||
		(inv.Mode == command.ModeMutation && !rule.Mutating) {
		return &models.PipelineResult{Kind: models.ResultInvalid, Reason: models.ErrCodeSchemaInvalid}, nil
	}

	corr := models.CorrelationFor(env)
	if corr.ActorBindingID == "" {
		corr.ActorBindingID = binding.BindingID
	}

	if !rule.Mutating {
		return p.runReadonly(ctx, inv, commandID, corr, nowMS)
	}

	if rule.ConfirmationRequired {
		rec, err := p.commands.Create(commandID, inv.Key, inv.Args, corr, models.CommandStateAwaitingConfirmation, nowMS, command.Update{
			ConfirmationExpiresAtMS: nowMS + p.cfg.ConfirmationTTL.Milliseconds(),
		})
		if err != nil {
			return nil, err
		}
		p.countState(models.CommandStateAwaitingConfirmation)
		return &models.PipelineResult{Kind: models.ResultAwaitingConfirmation, Command: rec}, nil
	}

	rec, err := p.commands.Create(commandID, inv.Key, inv.Args, corr, models.CommandStateAccepted, nowMS, command.Update{})
	if err != nil {
		return nil, err
	}
	p.countState(models.CommandStateAccepted)

	switch admit := p.engine.AdmitMutation(env.ActorID, env.Channel, nowMS); admit.Kind {
	case policy.DecisionDefer:
		if _, err := p.commands.Transition(commandID, models.CommandStateQueued, nowMS, command.Update{}); err != nil {
			return nil, err
		}
		rec, err = p.commands.Transition(commandID, models.CommandStateDeferred, nowMS, command.Update{
			ErrorCode: models.ErrCodeBackpressureDeferred,
			RetryAtMS: admit.RetryAtMS,
		})
		if err != nil {
			return nil, err
		}
		p.countState(models.CommandStateDeferred)
		return &models.PipelineResult{Kind: models.ResultDeferred, Reason: models.ErrCodeBackpressureDeferred, Command: rec, RetryAtMS: admit.RetryAtMS}, nil

	case policy.DecisionFail:
		rec, err = p.commands.Transition(commandID, models.CommandStateFailed, nowMS, command.Update{
			ErrorCode: admit.Reason,
		})
		if err != nil {
			return nil, err
		}
		p.countState(models.CommandStateFailed)
		return &models.PipelineResult{Kind: models.ResultFailed, Reason: admit.Reason, Command: rec}, nil
	}

	if _, err := p.commands.Transition(commandID, models.CommandStateQueued, nowMS, command.Update{}); err != nil {
		return nil, err
	}
	p.countState(models.CommandStateQueued)
	return p.executeQueued(ctx, commandID)
}

// runReadonly invokes the readonly executor synchronously, bypassing the
// mutation tail.
func (p *Pipeline) runReadonly(ctx context.Context, inv command.Invocation, commandID string, corr models.Correlation, nowMS int64) (*models.PipelineResult, error) {
	if _, err := p.commands.Create(commandID, inv.Key, inv.Args, corr, models.CommandStateAccepted, nowMS, command.Update{}); err != nil {
		return nil, err
	}
	p.countState(models.CommandStateAccepted)

	result, err := p.readonly.ExecuteRead(ctx, p.commands.Get(commandID))
	if err != nil {
		rec, terr := p.commands.Transition(commandID, models.CommandStateFailed, p.now(), command.Update{
			ErrorCode: models.ErrCodeSchemaInvalid,
		})
		if terr != nil {
			return nil, terr
		}
		p.countState(models.CommandStateFailed)
		p.logger.Warn("Readonly executor failed", "command_id", commandID, "error", err)
		return &models.PipelineResult{Kind: models.ResultFailed, Reason: models.ErrCodeSchemaInvalid, Command: rec}, nil
	}

	rec, err := p.commands.Transition(commandID, models.CommandStateCompleted, p.now(), command.Update{Result: result})
	if err != nil {
		return nil, err
	}
	p.countState(models.CommandStateCompleted)
	return &models.PipelineResult{Kind: models.ResultCompleted, Command: rec, Result: result}, nil
}

// executeQueued runs a queued mutation through the FIFO tail. The mutating
// entries and the terminal transition land in the same writer section.
func (p *Pipeline) executeQueued(ctx context.Context, commandID string) (*models.PipelineResult, error) {
	var (
		result *models.PipelineResult
		runErr error
	)
	err := p.tail.Do(func() {
		nowMS := p.now()
		if _, err := p.commands.Transition(commandID, models.CommandStateInProgress, nowMS, command.Update{}); err != nil {
			runErr = err
			return
		}
		p.countState(models.CommandStateInProgress)

		rec := p.commands.Get(commandID)
		outcome := p.mutator.ExecuteMutation(ctx, rec)
		if outcome == nil {
			outcome = &executor.MutationOutcome{
				Status:    models.CommandStateFailed,
				ErrorCode: models.ErrCodeUnmappedCommand,
			}
		}

		doneMS := p.now()
		for _, ev := range outcome.Events {
			if err := p.commands.AppendMutating(commandID, ev.Event, ev.Payload, doneMS); err != nil {
				runErr = err
				return
			}
		}
		settled, err := p.commands.Transition(commandID, outcome.Status, doneMS, command.Update{
			ErrorCode: outcome.ErrorCode,
			RetryAtMS: outcome.RetryAtMS,
			Result:    outcome.Result,
		})
		if err != nil {
			runErr = err
			return
		}
		p.countState(outcome.Status)
		result = resultFor(settled, outcome)
	})
	if err != nil {
		// Tail stopped during shutdown: the command stays queued and replay
		// resolves it on the next start.
		if errors.Is(err, executor.ErrTailStopped) {
			rec := p.commands.Get(commandID)
			return &models.PipelineResult{Kind: models.ResultDeferred, Reason: models.ErrCodeBackpressureDeferred, Command: rec}, nil
		}
		return nil, err
	}
	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// resultFor maps a terminal mutation outcome to the pipeline result.
func resultFor(rec *models.CommandRecord, outcome *executor.MutationOutcome) *models.PipelineResult {
	switch outcome.Status {
	case models.CommandStateCompleted:
		return &models.PipelineResult{Kind: models.ResultCompleted, Command: rec, Result: outcome.Result}
	case models.CommandStateCancelled:
		return &models.PipelineResult{Kind: models.ResultCancelled, Command: rec}
	case models.CommandStateDeferred:
		return &models.PipelineResult{Kind: models.ResultDeferred, Reason: outcome.ErrorCode, Command: rec, RetryAtMS: outcome.RetryAtMS}
	default:
		return &models.PipelineResult{Kind: models.ResultFailed, Reason: outcome.ErrorCode, Command: rec}
	}
}

// resolveConfirmation handles "confirm <id>" and "cancel <id>". Only the
// binding that created the command may resolve it.
func (p *Pipeline) resolveConfirmation(ctx context.Context, env *models.InboundEnvelope, binding *models.IdentityBinding, inv command.Invocation, nowMS int64) (*models.PipelineResult, error) {
	rec := p.commands.Get(inv.CommandID)
	if rec == nil {
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeCommandNotFound}, nil
	}
	if rec.Correlation.ActorBindingID != "" && rec.Correlation.ActorBindingID != binding.BindingID {
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeConfirmationNotPending}, nil
	}
	if rec.State != models.CommandStateAwaitingConfirmation {
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeConfirmationNotPending}, nil
	}
	if rec.ConfirmationExpiresAtMS > 0 && rec.ConfirmationExpiresAtMS <= nowMS {
		if _, err := p.commands.Transition(rec.CommandID, models.CommandStateExpired, nowMS, command.Update{
			ErrorCode: models.ErrCodeConfirmationExpired,
		}); err != nil {
			return nil, err
		}
		p.countState(models.CommandStateExpired)
		return &models.PipelineResult{Kind: models.ResultDenied, Reason: models.ErrCodeConfirmationExpired}, nil
	}

	if inv.Outcome == command.OutcomeCancel {
		cancelled, err := p.commands.Transition(rec.CommandID, models.CommandStateCancelled, nowMS, command.Update{})
		if err != nil {
			return nil, err
		}
		p.countState(models.CommandStateCancelled)
		return &models.PipelineResult{Kind: models.ResultCancelled, Command: cancelled}, nil
	}

	// Confirmed: the command enters the queue, subject to mutation admission.
	if _, err := p.commands.Transition(rec.CommandID, models.CommandStateQueued, nowMS, command.Update{}); err != nil {
		return nil, err
	}
	p.countState(models.CommandStateQueued)

	switch admit := p.engine.AdmitMutation(env.ActorID, env.Channel, nowMS); admit.Kind {
	case policy.DecisionDefer:
		deferred, err := p.commands.Transition(rec.CommandID, models.CommandStateDeferred, nowMS, command.Update{
			ErrorCode: models.ErrCodeBackpressureDeferred,
			RetryAtMS: admit.RetryAtMS,
		})
		if err != nil {
			return nil, err
		}
		p.countState(models.CommandStateDeferred)
		return &models.PipelineResult{Kind: models.ResultDeferred, Reason: models.ErrCodeBackpressureDeferred, Command: deferred, RetryAtMS: admit.RetryAtMS}, nil

	case policy.DecisionFail:
		if _, err := p.commands.Transition(rec.CommandID, models.CommandStateInProgress, nowMS, command.Update{}); err != nil {
			return nil, err
		}
		failed, err := p.commands.Transition(rec.CommandID, models.CommandStateFailed, nowMS, command.Update{
			ErrorCode: admit.Reason,
		})
		if err != nil {
			return nil, err
		}
		p.countState(models.CommandStateFailed)
		return &models.PipelineResult{Kind: models.ResultFailed, Reason: admit.Reason, Command: failed}, nil
	}

	return p.executeQueued(ctx, rec.CommandID)
}

// SweepExpired transitions awaiting_confirmation records past their deadline
// to expired. Called lazily on every inbound and by the periodic sweeper.
func (p *Pipeline) SweepExpired(nowMS int64) error {
	for _, rec := range p.commands.NonTerminal() {
		if rec.State != models.CommandStateAwaitingConfirmation {
			continue
		}
		if rec.ConfirmationExpiresAtMS == 0 || rec.ConfirmationExpiresAtMS > nowMS {
			continue
		}
		if _, err := p.commands.Transition(rec.CommandID, models.CommandStateExpired, nowMS, command.Update{
			ErrorCode: models.ErrCodeConfirmationExpired,
		}); err != nil {
			return err
		}
		p.countState(models.CommandStateExpired)
		p.logger.Info("Confirmation expired", "command_id", rec.CommandID)
	}
	return nil
}

// RequeueDeferred re-queues deferred commands whose retry_at_ms has elapsed
// and runs them through the tail. Returns the number re-queued.
func (p *Pipeline) RequeueDeferred(ctx context.Context, nowMS int64) (int, error) {
	requeued := 0
	for _, rec := range p.commands.NonTerminal() {
		if rec.State != models.CommandStateDeferred {
			continue
		}
		if rec.RetryAtMS > nowMS {
			continue
		}
		if _, err := p.commands.Transition(rec.CommandID, models.CommandStateQueued, nowMS, command.Update{}); err != nil {
			return requeued, err
		}
		p.countState(models.CommandStateQueued)
		if _, err := p.executeQueued(ctx, rec.CommandID); err != nil {
			return requeued, err
		}
		requeued++
	}
	return requeued, nil
}
