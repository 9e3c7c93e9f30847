// Package types holds every record persisted by the agent's local store and
// the enums that constrain their fields.
package types

import "time"

// Registration is the single logical row describing this device's identity
// with the backend. It is created on first start and mutated only by the
// registration/heartbeat path; it is never deleted.
type Registration struct {
	DeviceID      string           `json:"device_id"`
	DeviceName    string           `json:"device_name"`
	OrgID         string           `json:"org_id"`
	APIKey        string           `json:"api_key"`
	RegisteredAt  time.Time        `json:"registered_at"`
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	Status        RegistrationStatus `json:"status"`
}

// RegistrationStatus is the reachability state of a Registration.
type RegistrationStatus string

const (
	RegistrationActive  RegistrationStatus = "active"
	RegistrationOffline RegistrationStatus = "offline"
)

// QueueType partitions QueueItem rows by the kind of outbound fact they carry.
type QueueType string

const (
	QueueTelemetry     QueueType = "telemetry"
	QueueSecurityEvent QueueType = "security_event"
	QueueCommandResult QueueType = "command_result"
	QueueBackupUpload  QueueType = "backup_upload"
)

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Priority values used when enqueueing, matching the precedence observed in
// the source offline queue: lower drains later, higher drains first.
const (
	PriorityTelemetry     = 1
	PrioritySecurityEvent = 2
	PriorityCommandResult = 3
	PriorityBackupUpload  = 4
)

// QueueItem is one row of the durable work queue (component A). A row's
// status is monotone except that the retry sweep may move failed back to
// pending, resetting retry_count to 0 at the same time.
type QueueItem struct {
	ID         int64           `json:"id"`
	QueueType  QueueType       `json:"queue_type"`
	Payload    map[string]any  `json:"payload"`
	Priority   int             `json:"priority"`
	CreatedAt  time.Time       `json:"created_at"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	Status     QueueStatus     `json:"status"`
}

// NetworkIO is the network-counters blob embedded in a TelemetrySample.
type NetworkIO struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// TelemetrySample is the cached view of the latest host observation. It is
// write-only from the telemetry sampler (B) and read by the anomaly engine
// (D) and the command loop (F, for get_status).
type TelemetrySample struct {
	ID             int64     `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemoryPercent  float64   `json:"memory_percent"`
	DiskPercent    float64   `json:"disk_percent"`
	ProcessesCount int       `json:"processes_count"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	IPAddress      string    `json:"ip_address"`
	NetworkIO      NetworkIO `json:"network_io"`
}

// Severity is the graded urgency of a SecurityEvent.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Closed set of event_type tags written by the watcher, anomaly engine, and
// command handlers.
const (
	EventRansomwareDetection  = "ransomware_detection"
	EventSuspiciousProcess    = "suspicious_process"
	EventHighResourceUsage    = "high_resource_usage"
	EventAnomalyDetected      = "anomaly_detected"
	EventThresholdViolation   = "threshold_violation"
	EventFileIsolated         = "file_isolated"
	// EventFileChange tags a raw, per-file watcher observation rather than a
	// fired detector. Reserved for the anomaly engine's file_operations
	// enrichment count; no detector currently emits it.
	EventFileChange = "file_change"
)

// SecurityEvent is written by the watcher (C), the anomaly engine (D), and
// command handlers. The alert dispatcher (H) flips Resolved to true after
// emitting an alert, to avoid re-emission.
type SecurityEvent struct {
	ID          int64          `json:"id"`
	EventType   string         `json:"event_type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	FilePath    string         `json:"file_path,omitempty"`
	ProcessName string         `json:"process_name,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Resolved    bool           `json:"resolved"`
}

// BackupType distinguishes how a backup was triggered.
type BackupType string

const (
	BackupManual    BackupType = "manual"
	BackupScheduled BackupType = "scheduled"
	BackupCommand   BackupType = "command"
)

// BackupRecord tracks one encrypted, compressed archive produced by the
// backup engine (E).
type BackupRecord struct {
	ID          int64      `json:"id"`
	BackupID    string     `json:"backup_id"`
	BackupType  BackupType `json:"backup_type"`
	SourcePaths []string   `json:"source_paths"`
	BackupPath  string     `json:"backup_path"`
	SizeBytes   int64      `json:"size_bytes"`
	Encrypted   bool       `json:"encrypted"`
	Checksum    string     `json:"checksum"`
	CreatedAt   time.Time  `json:"created_at"`
	Uploaded    bool       `json:"uploaded"`
	UploadURL   string     `json:"upload_url,omitempty"`
}

// CommandStatus is the lifecycle of a CommandRecord.
type CommandStatus string

const (
	CommandReceived  CommandStatus = "received"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Command types dispatched by the command loop (F) to in-process handlers.
const (
	CommandTypeBackup       = "backup"
	CommandTypeRestore      = "restore"
	CommandTypeScan         = "scan"
	CommandTypeIsolate      = "isolate"
	CommandTypeUpdateConfig = "update_config"
	CommandTypeShutdown     = "shutdown"
	CommandTypeRestart      = "restart"
	CommandTypeGetStatus    = "get_status"
	CommandTypeGetLogs      = "get_logs"
)

// CommandRecord is the server-assigned, unique command dispatched to this
// device. A given CommandID is executed at most once locally; uniqueness is
// enforced at insert.
type CommandRecord struct {
	ID          int64          `json:"id"`
	CommandID   string         `json:"command_id"`
	CommandType string         `json:"command_type"`
	Parameters  map[string]any `json:"parameters"`
	Status      CommandStatus  `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// AuditEntry is an append-only audit record, pruned after a configured
// retention (default 90 days). The only entries the agent writes are the
// alert dispatcher's alert_sent rows.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Category  string         `json:"category"`
}

// Audit categories, grounded in the source audit logger.
const (
	AuditCategorySecurity   = "security"
	AuditCategoryConfig     = "configuration"
	AuditCategoryCommand    = "command"
	AuditCategoryBackup     = "backup"
	AuditCategoryAlert      = "alert"
	AuditCategoryRegistration = "registration"
	AuditCategorySystem     = "system"
	AuditCategoryRollback   = "rollback"
)
