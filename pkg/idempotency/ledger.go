// Package idempotency implements the key→(fingerprint, command) ledger that
// distinguishes physical retries from conflicting reuse of a key.
package idempotency

import (
	"fmt"
	"sync"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/storage"
)

// DefaultTTLMS is the default entry lifetime.
const DefaultTTLMS = int64(24 * 60 * 60 * 1000)

// ClaimOutcome discriminates the result of a claim.
type ClaimOutcome string

// Claim outcomes.
const (
	ClaimFresh     ClaimOutcome = "fresh"
	ClaimDuplicate ClaimOutcome = "duplicate"
	ClaimConflict  ClaimOutcome = "conflict"
)

// ClaimResult is the outcome of Claim. CommandID is the original claimant's
// command for duplicate and conflict outcomes.
type ClaimResult struct {
	Outcome   ClaimOutcome
	CommandID string
}

// Ledger is the journal-backed idempotency store. Expiry is lazy: entries past
// expires_at_ms are invisible to Lookup and reclaimable by Claim.
type Ledger struct {
	journal *storage.Journal

	mu      sync.Mutex
	entries map[string]models.IdempotencyEntry
}

// Open loads the ledger journal and folds it into the in-memory map.
// Later entries for the same key win, matching append order.
func Open(paths storage.Paths) (*Ledger, error) {
	entries, err := storage.ReadJournal[models.IdempotencyEntry](paths.IdempotencyJournal())
	if err != nil {
		return nil, fmt.Errorf("loading idempotency journal: %w", err)
	}

	journal, err := storage.OpenJournal(paths.IdempotencyJournal())
	if err != nil {
		return nil, err
	}

	l := &Ledger{
		journal: journal,
		entries: make(map[string]models.IdempotencyEntry, len(entries)),
	}
	for _, e := range entries {
		l.entries[e.Key] = e
	}
	return l, nil
}

// Claim records key→(fingerprint, commandID) with the given TTL.
//   - no live entry: fresh, entry appended
//   - live entry, same fingerprint: duplicate with the original command id
//   - live entry, different fingerprint: conflict
func (l *Ledger) Claim(key, fingerprint, commandID string, ttlMS, nowMS int64) (ClaimResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.entries[key]; ok && existing.ExpiresAtMS > nowMS {
		if existing.Fingerprint == fingerprint {
			return ClaimResult{Outcome: ClaimDuplicate, CommandID: existing.CommandID}, nil
		}
		return ClaimResult{Outcome: ClaimConflict, CommandID: existing.CommandID}, nil
	}

	entry := models.IdempotencyEntry{
		Key:         key,
		Fingerprint: fingerprint,
		CommandID:   commandID,
		ExpiresAtMS: nowMS + ttlMS,
	}
	if err := l.journal.Append(entry); err != nil {
		return ClaimResult{}, err
	}
	l.entries[key] = entry
	return ClaimResult{Outcome: ClaimFresh, CommandID: commandID}, nil
}

// Lookup returns the live entry for key, or nil when absent or expired.
func (l *Ledger) Lookup(key string, nowMS int64) *models.IdempotencyEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || entry.ExpiresAtMS <= nowMS {
		return nil
	}
	copied := entry
	return &copied
}

// Compact prunes expired entries from the in-memory map and returns the count
// removed. The journal itself stays append-only; a restart re-expires lazily.
func (l *Ledger) Compact(nowMS int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, entry := range l.entries {
		if entry.ExpiresAtMS <= nowMS {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}

// Close closes the underlying journal.
func (l *Ledger) Close() error {
	return l.journal.Close()
}
