package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrJournalCorrupt indicates a journal line could not be decoded.
var ErrJournalCorrupt = errors.New("journal_corrupt")

// Journal is an append-only JSONL file. Records are never modified or deleted;
// live state is the fold of the journal. Append is safe for concurrent use,
// but the writer lock ensures only one process appends.
type Journal struct {
	path string

	mu sync.Mutex
	f  *os.File
}

// OpenJournal opens (creating if needed) the journal at path for appending.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Append encodes v as one JSON line and syncs it to disk before returning.
func (j *Journal) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding journal entry: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending to %s: %w", j.path, err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", j.path, err)
	}
	return nil
}

// Close closes the underlying file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// ReadJournal decodes every line of the journal at path, in file order.
// A missing file yields an empty slice. A malformed line yields an error
// wrapping ErrJournalCorrupt with the offending line number.
func ReadJournal[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening journal %s: %w", path, err)
	}
	defer f.Close()

	var entries []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry T
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %v", ErrJournalCorrupt, path, line, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading journal %s: %w", path, err)
	}
	return entries, nil
}
