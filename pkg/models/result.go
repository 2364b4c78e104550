package models

// PipelineResultKind discriminates the tagged result returned by the command
// pipeline. Failures are values; nothing is thrown across the boundary.
type PipelineResultKind string

// Pipeline result kinds.
const (
	ResultCompleted            PipelineResultKind = "completed"
	ResultFailed               PipelineResultKind = "failed"
	ResultCancelled            PipelineResultKind = "cancelled"
	ResultDeferred             PipelineResultKind = "deferred"
	ResultAwaitingConfirmation PipelineResultKind = "awaiting_confirmation"
	ResultNoop                 PipelineResultKind = "noop"
	ResultInvalid              PipelineResultKind = "invalid"
	ResultDenied               PipelineResultKind = "denied"
	ResultOperatorResponse     PipelineResultKind = "operator_response"
)

// PipelineResult is the discriminated union every pipeline call yields.
type PipelineResult struct {
	Kind      PipelineResultKind `json:"kind"`
	Reason    string             `json:"reason,omitempty"`
	Message   string             `json:"message,omitempty"`
	Command   *CommandRecord     `json:"command,omitempty"`
	RetryAtMS int64              `json:"retry_at_ms,omitempty"`
	Result    map[string]any     `json:"result,omitempty"`
}

// Error codes carried in results and journal entries. Codes are strings, not
// error types: denials and semantic failures are data, retained verbatim in
// the journal.
const (
	// Validation.
	ErrCodeEmptyInput     = "empty_input"
	ErrCodeSchemaInvalid  = "schema_invalid"
	ErrCodeUnknownChannel = "unknown_channel"

	// Identity.
	ErrCodeIdentityNotLinked = "identity_not_linked"
	ErrCodeIdentityRevoked   = "identity_revoked"

	// Policy.
	ErrCodeUnmappedCommand          = "unmapped_command"
	ErrCodeMissingScope             = "missing_scope"
	ErrCodeAssuranceTierTooLow      = "assurance_tier_too_low"
	ErrCodeMutationsDisabledGlobal  = "mutations_disabled_global"
	ErrCodeMutationsDisabledChannel = "mutations_disabled_channel"
	ErrCodeMutationsDisabledClass   = "mutations_disabled_class"

	// Idempotency.
	ErrCodeIdempotencyConflict = "idempotency_conflict"
	ErrCodeDuplicateDelivery   = "duplicate_delivery"

	// Backpressure.
	ErrCodeBackpressureDeferred = "backpressure_deferred"
	ErrCodeBackpressureOverflow = "backpressure_overflow"

	// Execution.
	ErrCodeIngressNotConversational = "ingress_not_conversational"
	ErrCodeOperatorUnavailable      = "operator_unavailable"
	ErrCodeConfirmationNotPending   = "confirmation_not_pending"
	ErrCodeConfirmationExpired      = "confirmation_expired"
	ErrCodeCommandNotFound          = "command_not_found"

	// Infrastructure.
	ErrCodeWriterLockBusy   = "writer_lock_busy"
	ErrCodeJournalCorrupt   = "journal_corrupt"
	ErrCodeDLQNotFound      = "dlq_not_found"
	ErrCodeDLQNotDeadLetter = "dlq_not_dead_letter"
)
