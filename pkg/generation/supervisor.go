// Package generation tracks the versioned runtime identity and supervises
// reload attempts: at most one pending attempt at a time, overlapping
// requests coalesce, and generation_seq only advances on success.
package generation

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmu/mucp/pkg/models"
)

// Sentinel errors for supervisor operations.
var (
	// ErrNoPendingAttempt is returned when an operation names an attempt that
	// is not the pending one.
	ErrNoPendingAttempt = errors.New("no matching pending reload attempt")
)

// BeginResult is returned by BeginReload. Coalesced is true when an attempt
// was already pending and the caller received it instead of a new one.
type BeginResult struct {
	Attempt   models.ReloadAttempt
	Coalesced bool
}

// Snapshot is the observable supervisor state.
type Snapshot struct {
	Active     models.Generation     `json:"active_generation"`
	Pending    *models.ReloadAttempt `json:"pending_attempt,omitempty"`
	LastReload *models.ReloadAttempt `json:"last_reload,omitempty"`
}

// Supervisor owns the active generation pointer and the reload attempt
// lifecycle. All methods are safe for concurrent use.
type Supervisor struct {
	name string

	mu         sync.Mutex
	active     models.Generation
	seq        int64
	pending    *models.ReloadAttempt
	lastReload *models.ReloadAttempt
	now        func() int64
}

// NewSupervisor creates a supervisor whose initial active generation is
// "<name>-gen-0".
func NewSupervisor(name string) *Supervisor {
	return &Supervisor{
		name:   name,
		active: models.GenerationFor(name, 0),
		now:    func() int64 { return time.Now().UnixMilli() },
	}
}

// SetClock overrides the millisecond clock. Test hook.
func (s *Supervisor) SetClock(now func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// ActiveGeneration returns the generation currently serving traffic.
func (s *Supervisor) ActiveGeneration() models.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot returns the current supervisor state.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Active: s.active}
	if s.pending != nil {
		p := *s.pending
		snap.Pending = &p
	}
	if s.lastReload != nil {
		l := *s.lastReload
		snap.LastReload = &l
	}
	return snap
}

// BeginReload plans a new attempt from the active generation to the next
// sequence. While an attempt is pending, further calls coalesce onto it.
func (s *Supervisor) BeginReload(reason string) BeginResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending != nil {
		return BeginResult{Attempt: *s.pending, Coalesced: true}
	}

	attempt := models.ReloadAttempt{
		AttemptID:      uuid.NewString(),
		Reason:         reason,
		State:          models.ReloadStatePlanned,
		RequestedAtMS:  s.now(),
		FromGeneration: s.active,
		ToGeneration:   models.GenerationFor(s.name, s.seq+1),
	}
	s.pending = &attempt
	return BeginResult{Attempt: attempt}
}

// MarkSwapInstalled promotes the attempt's to_generation to active.
func (s *Supervisor) MarkSwapInstalled(attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.AttemptID != attemptID {
		return fmt.Errorf("%w: %s", ErrNoPendingAttempt, attemptID)
	}
	s.pending.State = models.ReloadStateSwapped
	s.pending.SwappedAtMS = s.now()
	s.active = s.pending.ToGeneration
	return nil
}

// RollbackSwapInstalled restores the attempt's from_generation as active.
func (s *Supervisor) RollbackSwapInstalled(attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.AttemptID != attemptID {
		return fmt.Errorf("%w: %s", ErrNoPendingAttempt, attemptID)
	}
	s.active = s.pending.FromGeneration
	return nil
}

// FinishReload records the terminal outcome, clears the pending attempt, and
// captures the last-reload snapshot. On success the sequence advances so the
// next attempt targets a strictly higher generation.
func (s *Supervisor) FinishReload(attemptID string, outcome models.ReloadOutcome) (models.ReloadAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending == nil || s.pending.AttemptID != attemptID {
		return models.ReloadAttempt{}, fmt.Errorf("%w: %s", ErrNoPendingAttempt, attemptID)
	}

	attempt := *s.pending
	attempt.FinishedAtMS = s.now()
	if outcome == models.ReloadOutcomeSuccess {
		attempt.State = models.ReloadStateCompleted
		s.seq = attempt.ToGeneration.GenerationSeq
	} else {
		attempt.State = models.ReloadStateFailed
	}

	s.pending = nil
	s.lastReload = &attempt
	return attempt, nil
}
