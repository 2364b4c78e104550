// Package storage resolves the per-repository control-plane directory and
// provides the two disk primitives everything else is built on: the
// single-writer advisory lock and the append-only JSONL journal.
package storage

import (
	"os"
	"path/filepath"
)

// ControlPlaneDirName is the directory created under a repository root that
// holds all journaled stores for that repository.
const ControlPlaneDirName = ".mu/control_plane"

// Journal file names inside the control-plane directory.
const (
	CommandsJournalName        = "commands.jsonl"
	IdempotencyJournalName     = "idempotency.jsonl"
	OutboxJournalName          = "outbox.jsonl"
	IdentitiesJournalName      = "identities.jsonl"
	AdapterAuditJournalName    = "adapter_audit.jsonl"
	TelegramIngressJournalName = "telegram_ingress.jsonl"
	WriterLockName             = "writer.lock"
)

// Paths is the fixed storage layout for one repository root.
type Paths struct {
	RepoRoot        string
	ControlPlaneDir string
}

// ResolvePaths derives the storage layout for a repository root.
func ResolvePaths(repoRoot string) Paths {
	return Paths{
		RepoRoot:        repoRoot,
		ControlPlaneDir: filepath.Join(repoRoot, ControlPlaneDirName),
	}
}

// EnsureDir creates the control-plane directory if it does not exist.
func (p Paths) EnsureDir() error {
	return os.MkdirAll(p.ControlPlaneDir, 0o755)
}

// CommandsJournal returns the path of the command journal.
func (p Paths) CommandsJournal() string {
	return filepath.Join(p.ControlPlaneDir, CommandsJournalName)
}

// IdempotencyJournal returns the path of the idempotency ledger journal.
func (p Paths) IdempotencyJournal() string {
	return filepath.Join(p.ControlPlaneDir, IdempotencyJournalName)
}

// OutboxJournal returns the path of the outbox journal.
func (p Paths) OutboxJournal() string {
	return filepath.Join(p.ControlPlaneDir, OutboxJournalName)
}

// IdentitiesJournal returns the path of the identity binding journal.
func (p Paths) IdentitiesJournal() string {
	return filepath.Join(p.ControlPlaneDir, IdentitiesJournalName)
}

// AdapterAuditJournal returns the path of the adapter audit journal.
func (p Paths) AdapterAuditJournal() string {
	return filepath.Join(p.ControlPlaneDir, AdapterAuditJournalName)
}

// TelegramIngressJournal returns the path of the Telegram ingress journal.
func (p Paths) TelegramIngressJournal() string {
	return filepath.Join(p.ControlPlaneDir, TelegramIngressJournalName)
}

// WriterLock returns the path of the single-writer lock file.
func (p Paths) WriterLock() string {
	return filepath.Join(p.ControlPlaneDir, WriterLockName)
}
