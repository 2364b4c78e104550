package models

import "fmt"

// Generation identifies one versioned instance of the running control plane.
// Seq is strictly increasing across successful reloads.
type Generation struct {
	GenerationID  string `json:"generation_id"`
	GenerationSeq int64  `json:"generation_seq"`
}

// GenerationFor derives the canonical generation identity for a supervisor.
func GenerationFor(supervisor string, seq int64) Generation {
	return Generation{
		GenerationID:  fmt.Sprintf("%s-gen-%d", supervisor, seq),
		GenerationSeq: seq,
	}
}

// ReloadState is the lifecycle state of a reload attempt.
type ReloadState string

// Reload attempt states.
const (
	ReloadStatePlanned   ReloadState = "planned"
	ReloadStateSwapped   ReloadState = "swapped"
	ReloadStateCompleted ReloadState = "completed"
	ReloadStateFailed    ReloadState = "failed"
)

// ReloadOutcome is the terminal outcome reported to FinishReload.
type ReloadOutcome string

// Reload outcomes.
const (
	ReloadOutcomeSuccess ReloadOutcome = "success"
	ReloadOutcomeFailure ReloadOutcome = "failure"
)

// ReloadAttempt records one pass through the reload lifecycle.
type ReloadAttempt struct {
	AttemptID      string      `json:"attempt_id"`
	Reason         string      `json:"reason"`
	State          ReloadState `json:"state"`
	RequestedAtMS  int64       `json:"requested_at_ms"`
	SwappedAtMS    int64       `json:"swapped_at_ms,omitempty"`
	FinishedAtMS   int64       `json:"finished_at_ms,omitempty"`
	FromGeneration Generation  `json:"from_generation"`
	ToGeneration   Generation  `json:"to_generation"`
}
