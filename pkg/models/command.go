package models

// CommandState is a node in the command lifecycle state machine.
type CommandState string

// Command lifecycle states.
const (
	CommandStateAccepted             CommandState = "accepted"
	CommandStateQueued               CommandState = "queued"
	CommandStateAwaitingConfirmation CommandState = "awaiting_confirmation"
	CommandStateInProgress           CommandState = "in_progress"
	CommandStateCompleted            CommandState = "completed"
	CommandStateFailed               CommandState = "failed"
	CommandStateCancelled            CommandState = "cancelled"
	CommandStateExpired              CommandState = "expired"
	CommandStateDeferred             CommandState = "deferred"
)

// Terminal reports whether no further transitions are permitted from s.
func (s CommandState) Terminal() bool {
	switch s {
	case CommandStateCompleted, CommandStateFailed, CommandStateCancelled, CommandStateExpired:
		return true
	}
	return false
}

// commandTransitions is the allowed transition DAG.
var commandTransitions = map[CommandState][]CommandState{
	CommandStateAccepted: {
		CommandStateQueued, CommandStateAwaitingConfirmation,
		CommandStateCompleted, CommandStateFailed,
	},
	CommandStateAwaitingConfirmation: {
		CommandStateQueued, CommandStateCancelled, CommandStateExpired,
	},
	CommandStateQueued: {
		CommandStateInProgress, CommandStateDeferred, CommandStateCancelled,
	},
	CommandStateInProgress: {
		CommandStateCompleted, CommandStateFailed, CommandStateCancelled, CommandStateDeferred,
	},
	CommandStateDeferred: {
		CommandStateQueued,
	},
}

// CanTransition reports whether from → to is a legal lifecycle edge.
func CanTransition(from, to CommandState) bool {
	for _, next := range commandTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CommandRecord is the live view of a command, folded from its journal
// entries. Journal entries are never mutated; the record is recomputed on
// every lifecycle append and on startup replay.
type CommandRecord struct {
	CommandID               string         `json:"command_id"`
	CommandKey              string         `json:"command_key,omitempty"`
	Args                    []string       `json:"args,omitempty"`
	State                   CommandState   `json:"state"`
	Attempt                 int            `json:"attempt"`
	ErrorCode               string         `json:"error_code,omitempty"`
	RetryAtMS               int64          `json:"retry_at_ms,omitempty"`
	ConfirmationExpiresAtMS int64          `json:"confirmation_expires_at_ms,omitempty"`
	OperatorSessionID       string         `json:"operator_session_id,omitempty"`
	OperatorTurnID          string         `json:"operator_turn_id,omitempty"`
	CLIInvocationID         string         `json:"cli_invocation_id,omitempty"`
	CLICommandKind          string         `json:"cli_command_kind,omitempty"`
	RunRootID               string         `json:"run_root_id,omitempty"`
	Result                  map[string]any `json:"result,omitempty"`
	CreatedAtMS             int64          `json:"created_at_ms"`
	UpdatedAtMS             int64          `json:"updated_at_ms"`
	Correlation             Correlation    `json:"correlation"`
}

// Command journal entry kinds.
const (
	EntryKindLifecycle = "command.lifecycle"
	EntryKindMutating  = "domain.mutating"
)

// CommandJournalEntry is one line of commands.jsonl. Lifecycle entries drive
// the state machine; mutating entries record domain side effects attributed to
// a command and are what makes a command reconcilable on replay.
type CommandJournalEntry struct {
	Kind                    string         `json:"kind"`
	TSMS                    int64          `json:"ts_ms"`
	CommandID               string         `json:"command_id"`
	CommandKey              string         `json:"command_key,omitempty"`
	Args                    []string       `json:"args,omitempty"`
	State                   CommandState   `json:"state,omitempty"`
	Attempt                 int            `json:"attempt,omitempty"`
	ErrorCode               string         `json:"error_code,omitempty"`
	RetryAtMS               int64          `json:"retry_at_ms,omitempty"`
	ConfirmationExpiresAtMS int64          `json:"confirmation_expires_at_ms,omitempty"`
	Event                   string         `json:"event,omitempty"`
	Payload                 map[string]any `json:"payload,omitempty"`
	Result                  map[string]any `json:"result,omitempty"`
	Correlation             Correlation    `json:"correlation"`
}
