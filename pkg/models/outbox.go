package models

// OutboxState is the delivery state of an outbox record.
type OutboxState string

// Outbox states. Delivered and dead_letter are terminal.
const (
	OutboxStatePending    OutboxState = "pending"
	OutboxStateInFlight   OutboxState = "in_flight"
	OutboxStateDelivered  OutboxState = "delivered"
	OutboxStateDeadLetter OutboxState = "dead_letter"
)

// Terminal reports whether the record can no longer change state.
func (s OutboxState) Terminal() bool {
	return s == OutboxStateDelivered || s == OutboxStateDeadLetter
}

// OutboxRecord is a durable outbound delivery. The same DedupeKey always maps
// to the same OutboxID regardless of envelope differences.
type OutboxRecord struct {
	OutboxID                  string           `json:"outbox_id"`
	DedupeKey                 string           `json:"dedupe_key"`
	State                     OutboxState      `json:"state"`
	AttemptCount              int              `json:"attempt_count"`
	MaxAttempts               int              `json:"max_attempts"`
	NextAttemptAtMS           int64            `json:"next_attempt_at_ms"`
	LastError                 string           `json:"last_error,omitempty"`
	DeadLetterReason          string           `json:"dead_letter_reason,omitempty"`
	ReplayOfOutboxID          string           `json:"replay_of_outbox_id,omitempty"`
	ReplayRequestedByCommand  string           `json:"replay_requested_by_command_id,omitempty"`
	CreatedAtMS               int64            `json:"created_at_ms"`
	UpdatedAtMS               int64            `json:"updated_at_ms"`
	Envelope                  OutboundEnvelope `json:"envelope"`
}
