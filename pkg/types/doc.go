/*
Package types defines every record the agent persists and the enums that
constrain their fields: Registration, QueueItem, TelemetrySample,
SecurityEvent, BackupRecord, CommandRecord, and AuditEntry.

All types are JSON-serializable; pkg/store persists them as JSON values
inside BoltDB buckets, one bucket per type.

# Queue ordering

QueueItem rows drain in (priority DESC, created_at ASC) order within a
queue_type. Priority follows the source's precedence: telemetry=1,
security_event=2, command_result=3, backup_upload=4.

# Status monotonicity

QueueItem.Status only moves forward (pending → processing → completed/
failed), except that the retry sweep may move failed back to pending,
resetting RetryCount to 0 at the same time. CommandRecord.CommandID is
unique at insert, so a duplicate poll response cannot execute a command
twice.
*/
package types
