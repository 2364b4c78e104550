// Package identity maintains channel-actor → operator bindings. Every
// mutation appends a journal entry; the in-memory active map is recomputed
// from the fold so a restart reconstructs identical state.
package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/openmu/mucp/pkg/models"
	"github.com/openmu/mucp/pkg/storage"
)

// Sentinel errors for identity operations.
var (
	// ErrNotFound is returned when a binding id does not exist.
	ErrNotFound = errors.New("binding not found")

	// ErrNotActive is returned when mutating a binding that is not active.
	ErrNotActive = errors.New("binding is not active")
)

// UnlinkCauseSuperseded is recorded when linking over an existing active
// binding for the same triple.
const UnlinkCauseSuperseded = "superseded"

// Journal entry kinds.
const (
	entryLink   = "identity.link"
	entryUnlink = "identity.unlink"
	entryRevoke = "identity.revoke"
)

type journalEntry struct {
	Kind      string                  `json:"kind"`
	TSMS      int64                   `json:"ts_ms"`
	Binding   *models.IdentityBinding `json:"binding,omitempty"`
	BindingID string                  `json:"binding_id,omitempty"`
	Reason    string                  `json:"reason,omitempty"`
}

type tripleKey struct {
	channel, tenant, actor string
}

// Store is the journal-backed identity binding store.
type Store struct {
	journal *storage.Journal

	mu     sync.RWMutex
	byID   map[string]*models.IdentityBinding
	active map[tripleKey]string // triple → binding_id
}

// Open loads the identity journal and folds it into the live maps.
func Open(paths storage.Paths) (*Store, error) {
	entries, err := storage.ReadJournal[journalEntry](paths.IdentitiesJournal())
	if err != nil {
		return nil, fmt.Errorf("loading identity journal: %w", err)
	}

	journal, err := storage.OpenJournal(paths.IdentitiesJournal())
	if err != nil {
		return nil, err
	}

	s := &Store{
		journal: journal,
		byID:    make(map[string]*models.IdentityBinding),
		active:  make(map[tripleKey]string),
	}
	for _, e := range entries {
		s.fold(e)
	}
	return s, nil
}

// fold applies one journal entry to the live maps. Caller holds the lock (or
// is the single-threaded loader).
func (s *Store) fold(e journalEntry) {
	switch e.Kind {
	case entryLink:
		if e.Binding == nil {
			return
		}
		b := *e.Binding
		s.byID[b.BindingID] = &b
		if b.Status == models.BindingStatusActive {
			s.active[tripleOf(&b)] = b.BindingID
		}
	case entryUnlink, entryRevoke:
		b, ok := s.byID[e.BindingID]
		if !ok {
			return
		}
		if e.Kind == entryUnlink {
			b.Status = models.BindingStatusUnlinked
		} else {
			b.Status = models.BindingStatusRevoked
			b.RevokeReason = e.Reason
		}
		b.UpdatedAtMS = e.TSMS
		if s.active[tripleOf(b)] == b.BindingID {
			delete(s.active, tripleOf(b))
		}
	}
}

func tripleOf(b *models.IdentityBinding) tripleKey {
	return tripleKey{channel: b.Channel, tenant: b.ChannelTenantID, actor: b.ChannelActorID}
}

// Link activates a binding. An existing active binding for the same triple is
// first unlinked with cause "superseded".
func (s *Store) Link(binding models.IdentityBinding, nowMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if priorID, ok := s.active[tripleOf(&binding)]; ok && priorID != binding.BindingID {
		unlink := journalEntry{Kind: entryUnlink, TSMS: nowMS, BindingID: priorID, Reason: UnlinkCauseSuperseded}
		if err := s.journal.Append(unlink); err != nil {
			return err
		}
		s.fold(unlink)
	}

	binding.Status = models.BindingStatusActive
	binding.CreatedAtMS = nowMS
	binding.UpdatedAtMS = nowMS
	link := journalEntry{Kind: entryLink, TSMS: nowMS, Binding: &binding}
	if err := s.journal.Append(link); err != nil {
		return err
	}
	s.fold(link)
	return nil
}

// Unlink deactivates a binding by id.
func (s *Store) Unlink(bindingID, reason string, nowMS int64) error {
	return s.deactivate(entryUnlink, bindingID, reason, nowMS)
}

// Revoke permanently revokes a binding by id, recording the reason.
func (s *Store) Revoke(bindingID, reason string, nowMS int64) error {
	return s.deactivate(entryRevoke, bindingID, reason, nowMS)
}

func (s *Store) deactivate(kind, bindingID, reason string, nowMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byID[bindingID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, bindingID)
	}
	if b.Status != models.BindingStatusActive {
		return fmt.Errorf("%w: %s is %s", ErrNotActive, bindingID, b.Status)
	}

	entry := journalEntry{Kind: kind, TSMS: nowMS, BindingID: bindingID, Reason: reason}
	if err := s.journal.Append(entry); err != nil {
		return err
	}
	s.fold(entry)
	return nil
}

// ResolveActive returns the active binding for the exact triple, or nil.
func (s *Store) ResolveActive(channel, tenantID, actorID string) *models.IdentityBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[tripleKey{channel: channel, tenant: tenantID, actor: actorID}]
	if !ok {
		return nil
	}
	b := *s.byID[id]
	return &b
}

// Get returns the binding by id regardless of status, or nil.
func (s *Store) Get(bindingID string) *models.IdentityBinding {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.byID[bindingID]
	if !ok {
		return nil
	}
	copied := *b
	return &copied
}

// Close closes the underlying journal.
func (s *Store) Close() error {
	return s.journal.Close()
}
