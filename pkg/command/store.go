package command

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

// Sentinel errors for command store operations.
var (
	// ErrNotFound is returned when a command id does not exist.
	ErrNotFound = errors.New("command not found")

	// ErrIllegalTransition is returned when a lifecycle edge is not in the DAG.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// Update carries the mutable fields recorded with a lifecycle transition.
type Update struct {
	ErrorCode               string
	RetryAtMS               int64
	ConfirmationExpiresAtMS int64
	Result                  map[string]any
	Attempt                 int
}

// Store is the journaled command store. Live records are the fold of
// commands.jsonl; every transition appends a command.lifecycle entry before
// the caller observes the new state.
type Store struct {
	journal *storage.Journal

	mu       sync.RWMutex
	commands map[string]*models.CommandRecord
	mutating map[string]bool
	order    []string
	seq      int64
}

// Open loads commands.jsonl and folds it into live records.
func Open(paths storage.Paths) (*Store, error) {
	entries, err := storage.ReadJournal[models.CommandJournalEntry](paths.CommandsJournal())
	if err != nil {
		return nil, fmt.Errorf("loading command journal: %w", err)
	}

	journal, err := storage.OpenJournal(paths.CommandsJournal())
	if err != nil {
		return nil, err
	}

	s := &Store{
		journal:  journal,
		commands: make(map[string]*models.CommandRecord),
		mutating: make(map[string]bool),
	}
	for _, e := range entries {
		s.fold(e)
	}
	return s, nil
}

// fold applies one journal entry to the live maps.
func (s *Store) fold(e models.CommandJournalEntry) {
	switch e.Kind {
	case models.EntryKindLifecycle:
		rec, ok := s.commands[e.CommandID]
		if !ok {
			rec = &models.CommandRecord{
				CommandID:   e.CommandID,
				CommandKey:  e.CommandKey,
				Args:        e.Args,
				CreatedAtMS: e.TSMS,
				Correlation: e.Correlation,
			}
			rec.Correlation.CommandID = e.CommandID
			s.commands[e.CommandID] = rec
			s.order = append(s.order, e.CommandID)
			if seq := seqOf(e.CommandID); seq > s.seq {
				s.seq = seq
			}
		}
		rec.State = e.State
		rec.UpdatedAtMS = e.TSMS
		if e.Attempt > 0 {
			rec.Attempt = e.Attempt
		}
		if e.ErrorCode != "" {
			rec.ErrorCode = e.ErrorCode
		}
		if e.RetryAtMS > 0 {
			rec.RetryAtMS = e.RetryAtMS
		}
		if e.ConfirmationExpiresAtMS > 0 {
			rec.ConfirmationExpiresAtMS = e.ConfirmationExpiresAtMS
		}
		if e.Result != nil {
			rec.Result = e.Result
		}
	case models.EntryKindMutating:
		s.mutating[e.CommandID] = true
	}
}

func seqOf(commandID string) int64 {
	idx := strings.LastIndexByte(commandID, '-')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(commandID[idx+1:], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// NextCommandID allocates the next monotonic command id.
func (s *Store) NextCommandID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return fmt.Sprintf("cmd-%06d", s.seq)
}

// Create journals a new command in the given initial state and returns the
// live record.
func (s *Store) Create(commandID, commandKey string, args []string, corr models.Correlation, state models.CommandState, nowMS int64, upd Update) (*models.CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.commands[commandID]; exists {
		return nil, fmt.Errorf("command %s already exists", commandID)
	}

	corr.CommandID = commandID
	entry := models.CommandJournalEntry{
		Kind:                    models.EntryKindLifecycle,
		TSMS:                    nowMS,
		CommandID:               commandID,
		CommandKey:              commandKey,
		Args:                    args,
		State:                   state,
		Attempt:                 upd.Attempt,
		ErrorCode:               upd.ErrorCode,
		RetryAtMS:               upd.RetryAtMS,
		ConfirmationExpiresAtMS: upd.ConfirmationExpiresAtMS,
		Result:                  upd.Result,
		Correlation:             corr,
	}
	if err := s.journal.Append(entry); err != nil {
		return nil, err
	}
	s.fold(entry)
	return s.snapshot(commandID), nil
}

// Transition moves a command along a lifecycle edge, journaling the entry.
// Terminal states reject all further transitions.
func (s *Store) Transition(commandID string, to models.CommandState, nowMS int64, upd Update) (*models.CommandRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.commands[commandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}
	if !models.CanTransition(rec.State, to) {
		return nil, fmt.Errorf("%w: %s → %s for %s", ErrIllegalTransition, rec.State, to, commandID)
	}

	entry := models.CommandJournalEntry{
		Kind:                    models.EntryKindLifecycle,
		TSMS:                    nowMS,
		CommandID:               commandID,
		CommandKey:              rec.CommandKey,
		State:                   to,
		Attempt:                 upd.Attempt,
		ErrorCode:               upd.ErrorCode,
		RetryAtMS:               upd.RetryAtMS,
		ConfirmationExpiresAtMS: upd.ConfirmationExpiresAtMS,
		Result:                  upd.Result,
		Correlation:             rec.Correlation,
	}
	if err := s.journal.Append(entry); err != nil {
		return nil, err
	}
	s.fold(entry)
	return s.snapshot(commandID), nil
}

// AppendMutating journals a domain side effect attributed to the command.
// It must be called in the same single-writer section as the terminal
// transition so replay can attribute the effect exactly once.
func (s *Store) AppendMutating(commandID, event string, payload map[string]any, nowMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, commandID)
	}

	entry := models.CommandJournalEntry{
		Kind:        models.EntryKindMutating,
		TSMS:        nowMS,
		CommandID:   commandID,
		Event:       event,
		Payload:     payload,
		Correlation: rec.Correlation,
	}
	if err := s.journal.Append(entry); err != nil {
		return err
	}
	s.fold(entry)
	return nil
}

// Get returns a copy of the live record, or nil.
func (s *Store) Get(commandID string) *models.CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(commandID)
}

// snapshot returns a copy of the record. Caller holds at least a read lock.
func (s *Store) snapshot(commandID string) *models.CommandRecord {
	rec, ok := s.commands[commandID]
	if !ok {
		return nil
	}
	copied := *rec
	return &copied
}

// NonTerminal returns copies of all commands whose state is not terminal,
// in journal order.
func (s *Store) NonTerminal() []*models.CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.CommandRecord
	for _, id := range s.order {
		if rec := s.commands[id]; !rec.State.Terminal() {
			copied := *rec
			out = append(out, &copied)
		}
	}
	return out
}

// HasMutating reports whether the command has at least one domain.mutating
// journal entry.
func (s *Store) HasMutating(commandID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mutating[commandID]
}

// All returns copies of every live record in journal order.
func (s *Store) All() []*models.CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.CommandRecord, 0, len(s.order))
	for _, id := range s.order {
		copied := *s.commands[id]
		out = append(out, &copied)
	}
	return out
}

// StatesByCount summarizes live records per state, sorted by state name.
// Used by the health endpoint.
func (s *Store) StatesByCount() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for _, rec := range s.commands {
		counts[string(rec.State)]++
	}
	return counts
}

// SortedStates returns the distinct states present, sorted.
func SortedStates(counts map[string]int) []string {
	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, st)
	}
	sort.Strings(states)
	return states
}

// Close closes the underlying journal.
func (s *Store) Close() error {
	return s.journal.Close()
}
