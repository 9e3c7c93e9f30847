// Package store defines the durable local store (component A): one shared
// embedded database backing all seven subsystems. Subsystems never talk to
// each other directly; they write and read rows through this interface,
// following the "communicate only through the store" design note.
package store

import (
	"time"

	"github.com/Raekwon-OG/protekt/pkg/types"
)

// Store is the durable work queue plus the per-entity tables every
// subsystem reads and writes. All methods are safe for concurrent use; the
// implementation serializes writes so no reader observes a torn row.
type Store interface {
	Close() error

	// Registration is mutated only by the registration/heartbeat path.
	GetRegistration() (*types.Registration, bool, error)
	SaveRegistration(reg *types.Registration) error

	// Enqueue is an atomic insert into QueueItem with status=pending.
	Enqueue(queueType types.QueueType, payload map[string]any, priority int) (int64, error)
	// Claim fetches up to limit pending items of queueType (all types if
	// empty) ordered by (priority DESC, created_at ASC).
	Claim(queueType types.QueueType, limit int) ([]*types.QueueItem, error)
	// Mark sets a terminal status and optionally merges resultPatch into
	// the item's existing payload.
	Mark(id int64, status types.QueueStatus, resultPatch map[string]any) error
	// RetryFailed resets every failed row with retry_count < max_retries to
	// pending, zeroing retry_count, per the source's retry_failed_items.
	RetryFailed() (int, error)
	// PruneQueue deletes completed/failed rows older than cutoff.
	PruneQueue(cutoff time.Time) (int, error)
	QueueStatus() (map[string]int, error)

	AppendTelemetrySample(sample *types.TelemetrySample) (int64, error)
	LatestTelemetrySample() (*types.TelemetrySample, bool, error)
	TelemetrySamplesSince(since time.Time) ([]*types.TelemetrySample, error)

	AppendSecurityEvent(event *types.SecurityEvent) (int64, error)
	SecurityEventsSince(since time.Time, unresolvedOnly bool) ([]*types.SecurityEvent, error)
	ResolveSecurityEvent(id int64) error

	CreateBackupRecord(rec *types.BackupRecord) error
	GetBackupRecord(backupID string) (*types.BackupRecord, bool, error)
	UpdateBackupRecord(rec *types.BackupRecord) error
	ListBackupRecords() ([]*types.BackupRecord, error)
	PruneUploadedBackups(cutoff time.Time) ([]*types.BackupRecord, error)

	// UpsertCommandRecord inserts a new CommandRecord with status=received
	// if command_id has not been seen, or leaves the existing record
	// untouched and reports existed=true. This is the uniqueness enforcement behind
	// "at most once locally".
	UpsertCommandRecord(rec *types.CommandRecord) (existed bool, err error)
	UpdateCommandRecord(commandID string, status types.CommandStatus, result map[string]any) error
	GetCommandRecord(commandID string) (*types.CommandRecord, bool, error)
	CommandRecordsSince(since time.Time, commandTypes []string) ([]*types.CommandRecord, error)

	AppendAuditEntry(entry *types.AuditEntry) error
	PruneAuditEntries(cutoff time.Time) (int, error)
}
