package executor

import (
	"context"
	"strings"
	"sync"

	"github.com/openmu/mucp/pkg/models"
)

// StubReadonlyExecutor answers readonly commands with a canned summary.
// Used in wiring before a real query backend is configured, and in tests.
type StubReadonlyExecutor struct{}

// ExecuteRead returns the command key and args as the query result.
func (StubReadonlyExecutor) ExecuteRead(_ context.Context, rec *models.CommandRecord) (map[string]any, error) {
	return map[string]any{
		"command": rec.CommandKey,
		"args":    strings.Join(rec.Args, " "),
	}, nil
}

// StubMutationExecutor applies mutations by recording them, emitting one
// mutating event per command. Safe for concurrent use.
type StubMutationExecutor struct {
	mu      sync.Mutex
	applied []string
}

// ExecuteMutation records the command and reports completion.
func (e *StubMutationExecutor) ExecuteMutation(_ context.Context, rec *models.CommandRecord) *MutationOutcome {
	e.mu.Lock()
	e.applied = append(e.applied, rec.CommandID)
	e.mu.Unlock()

	return &MutationOutcome{
		Status: models.CommandStateCompleted,
		Result: map[string]any{"applied": rec.CommandKey},
		Events: []MutatingEvent{
			{Event: rec.CommandKey, Payload: map[string]any{"args": rec.Args}},
		},
	}
}

// Applied returns the command ids executed so far, in order.
func (e *StubMutationExecutor) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.applied...)
}
