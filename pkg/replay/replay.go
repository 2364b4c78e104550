// Package replay reconstructs command state on startup and resolves the
// commands a previous process left non-terminal, with exactly-once side
// effects: a command whose journal already carries a domain.mutating entry is
// reconciled without re-executing it.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openmu/mucp/pkg/command"
	"github.com/openmu/mucp/pkg/executor"
	"github.com/openmu/mucp/pkg/models"
)

// ReconcileReasonMutatingPresent marks commands completed by reconciliation
// rather than execution.
const ReconcileReasonMutatingPresent = "mutating_event_present"

// Report summarizes one replay pass.
type Report struct {
	Candidates int
	Reconciled int
	Executed   int
	Expired    int
	Skipped    int
}

// Replayer resolves non-terminal commands after the journal fold. The
// executor is only invoked for commands with no recorded side effect.
type Replayer struct {
	store   *command.Store
	mutator executor.MutationExecutor
	logger  *slog.Logger
}

// NewReplayer creates a replayer over the command store. mutator may be nil,
// in which case unreconciled candidates are left untouched.
func NewReplayer(store *command.Store, mutator executor.MutationExecutor) *Replayer {
	return &Replayer{
		store:   store,
		mutator: mutator,
		logger:  slog.Default().With("component", "replay"),
	}
}

// Run resolves every recovery candidate and returns the pass summary.
func (r *Replayer) Run(ctx context.Context, nowMS int64) (*Report, error) {
	report := &Report{}

	for _, rec := range r.store.NonTerminal() {
		report.Candidates++
		log := r.logger.With("command_id", rec.CommandID, "state", rec.State)

		// A recorded side effect means the mutation was applied before the
		// crash. Reconcile terminally and never execute again.
		if r.store.HasMutating(rec.CommandID) {
			if err := r.settle(rec, models.CommandStateCompleted, nowMS, command.Update{
				Result: map[string]any{
					"reconciled": true,
					"reason":     ReconcileReasonMutatingPresent,
				},
			}); err != nil {
				return nil, err
			}
			report.Reconciled++
			log.Info("Reconciled command from recorded side effect")
			continue
		}

		if rec.State == models.CommandStateAwaitingConfirmation {
			if rec.ConfirmationExpiresAtMS > 0 && rec.ConfirmationExpiresAtMS <= nowMS {
				if _, err := r.store.Transition(rec.CommandID, models.CommandStateExpired, nowMS, command.Update{
					ErrorCode: models.ErrCodeConfirmationExpired,
				}); err != nil {
					return nil, err
				}
				report.Expired++
				log.Info("Expired stale confirmation")
				continue
			}
			// Still within its deadline; the confirmation can arrive later.
			report.Skipped++
			continue
		}

		if r.mutator == nil {
			report.Skipped++
			log.Warn("No executor configured, leaving command unresolved")
			continue
		}

		outcome := r.mutator.ExecuteMutation(ctx, rec)
		if outcome == nil {
			report.Skipped++
			log.Warn("Executor declined command, leaving it unresolved")
			continue
		}
		if err := r.apply(rec, outcome, nowMS); err != nil {
			return nil, err
		}
		report.Executed++
		log.Info("Re-executed command", "outcome", outcome.Status)
	}

	r.logger.Info("Replay complete",
		"candidates", report.Candidates,
		"reconciled", report.Reconciled,
		"executed", report.Executed,
		"expired", report.Expired,
		"skipped", report.Skipped)
	return report, nil
}

// apply journals the outcome's side effects and terminal transition the same
// way the live pipeline does.
func (r *Replayer) apply(rec *models.CommandRecord, outcome *executor.MutationOutcome, nowMS int64) error {
	for _, ev := range outcome.Events {
		if err := r.store.AppendMutating(rec.CommandID, ev.Event, ev.Payload, nowMS); err != nil {
			return err
		}
	}
	return r.settle(rec, outcome.Status, nowMS, command.Update{
		ErrorCode: outcome.ErrorCode,
		RetryAtMS: outcome.RetryAtMS,
		Result:    outcome.Result,
	})
}

// settle walks the record to the target state through legal lifecycle edges.
// A command interrupted before reaching in_progress may need intermediate
// transitions first.
func (r *Replayer) settle(rec *models.CommandRecord, to models.CommandState, nowMS int64, upd command.Update) error {
	from := rec.State
	for _, step := range pathTo(from, to) {
		final := step == to
		stepUpd := command.Update{}
		if final {
			stepUpd = upd
		}
		if _, err := r.store.Transition(rec.CommandID, step, nowMS, stepUpd); err != nil {
			return fmt.Errorf("settling %s from %s to %s: %w", rec.CommandID, from, to, err)
		}
	}
	return nil
}

// pathTo returns the lifecycle edges from `from` to `to`, inserting the
// queued/in_progress hops the DAG requires.
func pathTo(from, to models.CommandState) []models.CommandState {
	if from == to {
		return nil
	}
	if models.CanTransition(from, to) {
		return []models.CommandState{to}
	}

	var path []models.CommandState
	cur := from
	for _, hop := range []models.CommandState{models.CommandStateQueued, models.CommandStateInProgress} {
		if cur == hop || !models.CanTransition(cur, hop) {
			continue
		}
		path = append(path, hop)
		cur = hop
		if models.CanTransition(cur, to) {
			return append(path, to)
		}
	}
	return append(path, to)
}
