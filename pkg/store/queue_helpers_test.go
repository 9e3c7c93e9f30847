package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raekwon-OG/protekt/pkg/types"
)

type memStore struct {
	events  []*types.SecurityEvent
	queued  []types.QueueType
	payload map[string]any
}

func (m *memStore) Close() error { return nil }
func (m *memStore) GetRegistration() (*types.Registration, bool, error) {
	return nil, false, nil
}
func (m *memStore) SaveRegistration(*types.Registration) error { return nil }
func (m *memStore) Enqueue(qt types.QueueType, payload map[string]any, _ int) (int64, error) {
	m.queued = append(m.queued, qt)
	m.payload = payload
	return 1, nil
}
func (m *memStore) Claim(types.QueueType, int) ([]*types.QueueItem, error)              { return nil, nil }
func (m *memStore) Mark(int64, types.QueueStatus, map[string]any) error                 { return nil }
func (m *memStore) RetryFailed() (int, error)                                           { return 0, nil }
func (m *memStore) PruneQueue(time.Time) (int, error)                                   { return 0, nil }
func (m *memStore) QueueStatus() (map[string]int, error)                                { return nil, nil }
func (m *memStore) AppendTelemetrySample(*types.TelemetrySample) (int64, error)         { return 0, nil }
func (m *memStore) LatestTelemetrySample() (*types.TelemetrySample, bool, error) {
	return nil, false, nil
}
func (m *memStore) TelemetrySamplesSince(time.Time) ([]*types.TelemetrySample, error) {
	return nil, nil
}
func (m *memStore) AppendSecurityEvent(event *types.SecurityEvent) (int64, error) {
	m.events = append(m.events, event)
	return int64(len(m.events)), nil
}
func (m *memStore) SecurityEventsSince(time.Time, bool) ([]*types.SecurityEvent, error) {
	return m.events, nil
}
func (m *memStore) ResolveSecurityEvent(int64) error             { return nil }
func (m *memStore) CreateBackupRecord(*types.BackupRecord) error { return nil }
func (m *memStore) GetBackupRecord(string) (*types.BackupRecord, bool, error) {
	return nil, false, nil
}
func (m *memStore) UpdateBackupRecord(*types.BackupRecord) error      { return nil }
func (m *memStore) ListBackupRecords() ([]*types.BackupRecord, error) { return nil, nil }
func (m *memStore) PruneUploadedBackups(time.Time) ([]*types.BackupRecord, error) {
	return nil, nil
}
func (m *memStore) UpsertCommandRecord(*types.CommandRecord) (bool, error) { return false, nil }
func (m *memStore) UpdateCommandRecord(string, types.CommandStatus, map[string]any) error {
	return nil
}
func (m *memStore) GetCommandRecord(string) (*types.CommandRecord, bool, error) {
	return nil, false, nil
}
func (m *memStore) CommandRecordsSince(time.Time, []string) ([]*types.CommandRecord, error) {
	return nil, nil
}
func (m *memStore) AppendAuditEntry(*types.AuditEntry) error { return nil }
func (m *memStore) PruneAuditEntries(time.Time) (int, error) { return 0, nil }

var _ Store = (*memStore)(nil)

func TestAppendAndQueueSecurityEventEnqueuesForSync(t *testing.T) {
	st := &memStore{}
	event := &types.SecurityEvent{
		EventType:   "ransomware_detection",
		Severity:    types.SeverityHigh,
		Description: "mass rename detected",
		Timestamp:   time.Now(),
	}

	id, err := AppendAndQueueSecurityEvent(st, event)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	require.Len(t, st.queued, 1)
	assert.Equal(t, types.QueueSecurityEvent, st.queued[0])
	assert.Equal(t, "ransomware_detection", st.payload["event_type"])
}

type failingEnqueueStore struct {
	memStore
}

func (f *failingEnqueueStore) Enqueue(types.QueueType, map[string]any, int) (int64, error) {
	return 0, assert.AnError
}

func TestAppendAndQueueSecurityEventReturnsIDEvenIfEnqueueFails(t *testing.T) {
	st := &failingEnqueueStore{}
	event := &types.SecurityEvent{EventType: "x", Severity: types.SeverityLow, Timestamp: time.Now()}

	id, err := AppendAndQueueSecurityEvent(st, event)
	assert.Error(t, err)
	assert.Equal(t, int64(1), id, "the append itself succeeded and must not be lost even if the enqueue fails")
}
