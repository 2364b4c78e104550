// Package executor defines the execution boundary of the pipeline: the
// readonly and mutation executor interfaces and the FIFO mutation tail that
// serializes all mutating work across the process.
package executor

import (
	"context"

	"github.com/openmu/mucp/pkg/models"
)

// MutatingEvent is one domain side effect produced by a mutation, journaled
// as a domain.mutating entry in the same writer section as the terminal
// transition.
type MutatingEvent struct {
	Event   string
	Payload map[string]any
}

// MutationOutcome is the terminal result of a mutating command. Status is one
// of completed, failed, cancelled, deferred.
type MutationOutcome struct {
	Status    models.CommandState
	ErrorCode string
	RetryAtMS int64
	Result    map[string]any
	Events    []MutatingEvent
}

// ReadonlyExecutor runs non-mutating commands synchronously, bypassing the
// mutation tail.
type ReadonlyExecutor interface {
	ExecuteRead(ctx context.Context, rec *models.CommandRecord) (map[string]any, error)
}

// MutationExecutor applies one mutating command. Implementations must treat
// the record as the single source of truth for arguments and correlation.
type MutationExecutor interface {
	ExecuteMutation(ctx context.Context, rec *models.CommandRecord) *MutationOutcome
}
