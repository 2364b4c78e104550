// Package outbox implements the durable outbound queue: dedupe-keyed
// persistent records, a backoff-driven dispatcher, dead-lettering, and
// dead-letter replay.
package outbox

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/storage"
)

// Sentinel errors for outbox operations.
var (
	// ErrNotFound is returned when an outbox id does not exist.
	ErrNotFound = errors.New("outbox record not found")

	// ErrNotDeadLetter is returned when replaying a record that is not
	// dead-lettered.
	ErrNotDeadLetter = errors.New("outbox record is not dead-lettered")
)

// DeadLetterReasonExhausted is recorded when delivery attempts run out.
const DeadLetterReasonExhausted = "attempts_exhausted"

// DeadLetterReasonUnsupported is recorded when no driver serves the channel.
const DeadLetterReasonUnsupported = "unsupported_channel"

// EnqueueOutcome discriminates Enqueue results.
type EnqueueOutcome string

// Enqueue outcomes.
const (
	Enqueued  EnqueueOutcome = "enqueued"
	Duplicate EnqueueOutcome = "duplicate"
)

// Store is the journal-backed outbox. Each state change appends a full record
// snapshot; the live view is the last snapshot per outbox_id. The same
// dedupe_key always resolves to the same outbox_id.
type Store struct {
	journal *storage.Journal

	mu       sync.RWMutex
	records  map[string]*models.OutboxRecord
	byDedupe map[string]string
	order    []string
	seq      int64
}

// Open loads outbox.jsonl and folds it into live records.
func Open(paths storage.Paths) (*Store, error) {
	snapshots, err := storage.ReadJournal[models.OutboxRecord](paths.OutboxJournal())
	if err != nil {
		return nil, fmt.Errorf("loading outbox journal: %w", err)
	}

	journal, err := storage.OpenJournal(paths.OutboxJournal())
	if err != nil {
		return nil, err
	}

	s := &Store{
		journal:  journal,
		records:  make(map[string]*models.OutboxRecord),
		byDedupe: make(map[string]string),
	}
	for i := range snapshots {
		s.fold(snapshots[i])
	}

	// A crash can leave in_flight snapshots behind; they were never
	// acknowledged, so they go back to pending.
	for _, rec := range s.records {
		if rec.State == models.OutboxStateInFlight {
			rec.State = models.OutboxStatePending
		}
	}
	return s, nil
}

func (s *Store) fold(snap models.OutboxRecord) {
	if _, ok := s.records[snap.OutboxID]; !ok {
		s.order = append(s.order, snap.OutboxID)
		if seq := seqOf(snap.OutboxID); seq > s.seq {
			s.seq = seq
		}
	}
	copied := snap
	s.records[snap.OutboxID] = &copied
	s.byDedupe[snap.DedupeKey] = snap.OutboxID
}

func seqOf(outboxID string) int64 {
	idx := strings.LastIndexByte(outboxID, '-')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(outboxID[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Enqueue records a new outbound delivery, or returns the existing record for
// a dedupe key already seen — regardless of envelope differences and of the
// existing record's state.
func (s *Store) Enqueue(dedupeKey string, envelope models.OutboundEnvelope, maxAttempts int, nowMS int64) (EnqueueOutcome, *models.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.byDedupe[dedupeKey]; ok {
		copied := *s.records[existingID]
		return Duplicate, &copied, nil
	}

	s.seq++
	rec := models.OutboxRecord{
		OutboxID:        fmt.Sprintf("out-%06d", s.seq),
		DedupeKey:       dedupeKey,
		State:           models.OutboxStatePending,
		MaxAttempts:     maxAttempts,
		NextAttemptAtMS: nowMS,
		CreatedAtMS:     nowMS,
		UpdatedAtMS:     nowMS,
		Envelope:        envelope,
	}
	if err := s.journal.Append(rec); err != nil {
		return "", nil, err
	}
	s.fold(rec)
	copied := rec
	return Enqueued, &copied, nil
}

// update applies mutate to the live record and journals the new snapshot.
func (s *Store) update(outboxID string, nowMS int64, mutate func(*models.OutboxRecord)) (*models.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[outboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, outboxID)
	}

	next := *rec
	mutate(&next)
	next.UpdatedAtMS = nowMS
	if err := s.journal.Append(next); err != nil {
		return nil, err
	}
	*rec = next
	copied := next
	return &copied, nil
}

// Due returns pending records whose next attempt time has arrived, oldest
// first.
func (s *Store) Due(nowMS int64) []*models.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.OutboxRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.State == models.OutboxStatePending && rec.NextAttemptAtMS <= nowMS {
			copied := *rec
			due = append(due, &copied)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].CreatedAtMS < due[j].CreatedAtMS
	})
	return due
}

// MarkInFlight flips a pending record to in_flight. A record already
// in_flight is never handed out twice.
func (s *Store) MarkInFlight(outboxID string, nowMS int64) (*models.OutboxRecord, error) {
	return s.update(outboxID, nowMS, func(rec *models.OutboxRecord) {
		rec.State = models.OutboxStateInFlight
	})
}

// MarkDelivered records terminal successful delivery.
func (s *Store) MarkDelivered(outboxID string, nowMS int64) (*models.OutboxRecord, error) {
	return s.update(outboxID, nowMS, func(rec *models.OutboxRecord) {
		rec.State = models.OutboxStateDelivered
		rec.LastError = ""
	})
}

// MarkRetry counts a failed attempt. The record returns to pending with the
// given next attempt time, or dead-letters when attempts are exhausted.
// The attempt counter stays monotonic even when the channel hinted the delay.
func (s *Store) MarkRetry(outboxID, lastError string, nextAttemptAtMS, nowMS int64) (*models.OutboxRecord, error) {
	return s.update(outboxID, nowMS, func(rec *models.OutboxRecord) {
		rec.AttemptCount++
		rec.LastError = lastError
		if rec.AttemptCount >= rec.MaxAttempts {
			rec.State = models.OutboxStateDeadLetter
			rec.DeadLetterReason = DeadLetterReasonExhausted
			return
		}
		rec.State = models.OutboxStatePending
		rec.NextAttemptAtMS = nextAttemptAtMS
	})
}

// MarkDeadLetter dead-letters a record with the given reason.
func (s *Store) MarkDeadLetter(outboxID, reason string, nowMS int64) (*models.OutboxRecord, error) {
	return s.update(outboxID, nowMS, func(rec *models.OutboxRecord) {
		rec.State = models.OutboxStateDeadLetter
		rec.DeadLetterReason = reason
	})
}

// ReplayDeadLetter clones a dead-lettered record's envelope into a fresh
// pending record. The clone keeps the correlation (including command_id),
// points back via replay_of_outbox_id, and gets its own dedupe key so it is
// not collapsed into the dead original.
func (s *Store) ReplayDeadLetter(outboxID, requestedByCommandID string, nowMS int64) (original, replay *models.OutboxRecord, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[outboxID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, outboxID)
	}
	if rec.State != models.OutboxStateDeadLetter {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotDeadLetter, outboxID, rec.State)
	}

	s.seq++
	clone := models.OutboxRecord{
		OutboxID:                 fmt.Sprintf("out-%06d", s.seq),
		DedupeKey:                rec.DedupeKey + ":replay:" + fmt.Sprintf("%d", s.seq),
		State:                    models.OutboxStatePending,
		MaxAttempts:              rec.MaxAttempts,
		NextAttemptAtMS:          nowMS,
		ReplayOfOutboxID:         rec.OutboxID,
		ReplayRequestedByCommand: requestedByCommandID,
		CreatedAtMS:              nowMS,
		UpdatedAtMS:              nowMS,
		Envelope:                 rec.Envelope,
	}
	if err := s.journal.Append(clone); err != nil {
		return nil, nil, err
	}
	s.fold(clone)

	origCopy := *rec
	cloneCopy := clone
	return &origCopy, &cloneCopy, nil
}

// Get returns a copy of the record, or nil.
func (s *Store) Get(outboxID string) *models.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[outboxID]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// DeadLetters returns copies of all dead-lettered records in enqueue order.
func (s *Store) DeadLetters() []*models.OutboxRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.OutboxRecord
	for _, id := range s.order {
		if rec := s.records[id]; rec.State == models.OutboxStateDeadLetter {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out
}

// Close closes the underlying journal.
func (s *Store) Close() error {
	return s.journal.Close()
}
