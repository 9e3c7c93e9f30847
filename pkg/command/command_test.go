package command

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raekwon-OG/protekt/internal/config"
	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

type memStore struct {
	commands   map[string]*types.CommandRecord
	events     []*types.SecurityEvent
	enqueued   []enqueuedItem
	sample     *types.TelemetrySample
}

type enqueuedItem struct {
	queueType types.QueueType
	payload   map[string]any
	priority  int
}

func newMemStore() *memStore {
	return &memStore{commands: map[string]*types.CommandRecord{}}
}

func (m *memStore) Close() error { return nil }
func (m *memStore) GetRegistration() (*types.Registration, bool, error) {
	return nil, false, nil
}
func (m *memStore) SaveRegistration(*types.Registration) error { return nil }
func (m *memStore) Enqueue(qt types.QueueType, payload map[string]any, priority int) (int64, error) {
	m.enqueued = append(m.enqueued, enqueuedItem{qt, payload, priority})
	return int64(len(m.enqueued)), nil
}
func (m *memStore) Claim(types.QueueType, int) ([]*types.QueueItem, error) { return nil, nil }
func (m *memStore) Mark(int64, types.QueueStatus, map[string]any) error   { return nil }
func (m *memStore) RetryFailed() (int, error)                            { return 0, nil }
func (m *memStore) PruneQueue(time.Time) (int, error)                    { return 0, nil }
func (m *memStore) QueueStatus() (map[string]int, error)                 { return nil, nil }
func (m *memStore) AppendTelemetrySample(*types.TelemetrySample) (int64, error) {
	return 0, nil
}
func (m *memStore) LatestTelemetrySample() (*types.TelemetrySample, bool, error) {
	if m.sample == nil {
		return nil, false, nil
	}
	return m.sample, true, nil
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
func (m *memStore) ResolveSecurityEvent(int64) error { return nil }
func (m *memStore) CreateBackupRecord(*types.BackupRecord) error { return nil }
func (m *memStore) GetBackupRecord(string) (*types.BackupRecord, bool, error) {
	return nil, false, nil
}
func (m *memStore) UpdateBackupRecord(*types.BackupRecord) error { return nil }
func (m *memStore) ListBackupRecords() ([]*types.BackupRecord, error) { return nil, nil }
func (m *memStore) PruneUploadedBackups(time.Time) ([]*types.BackupRecord, error) {
	return nil, nil
}
func (m *memStore) UpsertCommandRecord(rec *types.CommandRecord) (bool, error) {
	if _, ok := m.commands[rec.CommandID]; ok {
		return true, nil
	}
	m.commands[rec.CommandID] = rec
	return false, nil
}
func (m *memStore) UpdateCommandRecord(commandID string, status types.CommandStatus, result map[string]any) error {
	rec, ok := m.commands[commandID]
	if !ok {
		return nil
	}
	rec.Status = status
	rec.Result = result
	return nil
}
func (m *memStore) GetCommandRecord(id string) (*types.CommandRecord, bool, error) {
	rec, ok := m.commands[id]
	return rec, ok, nil
}
func (m *memStore) CommandRecordsSince(time.Time, []string) ([]*types.CommandRecord, error) {
	return nil, nil
}
func (m *memStore) AppendAuditEntry(*types.AuditEntry) error { return nil }
func (m *memStore) PruneAuditEntries(time.Time) (int, error) { return 0, nil }

var _ store.Store = (*memStore)(nil)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	cfg.Security.QuarantineDir = filepath.Join(dir, "quarantine")
	require.NoError(t, os.MkdirAll(cfg.Security.QuarantineDir, 0o755))
	return cfg
}

func TestExecuteUnknownCommandTypeFailsWithoutCrashing(t *testing.T) {
	st := newMemStore()
	cfg := newTestConfig(t)
	l := New(st, nil, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	l.execute(context.Background(), backend.PendingCommand{ID: "cmd-1", Type: "nonsense", Parameters: nil})

	rec, ok, err := st.GetCommandRecord("cmd-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.CommandFailed, rec.Status)
	assert.Contains(t, rec.Result["error"], "unknown command")
}

func TestExecuteIsIdempotentOnDuplicateCommandID(t *testing.T) {
	st := newMemStore()
	cfg := newTestConfig(t)
	l := New(st, nil, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	cmd := backend.PendingCommand{ID: "cmd-dup", Type: types.CommandTypeGetStatus}
	l.execute(context.Background(), cmd)
	l.execute(context.Background(), cmd)

	assert.Len(t, st.enqueued, 1, "second execute of the same command_id must not re-dispatch")
}

func TestExecuteGetStatusReturnsLatestSample(t *testing.T) {
	st := newMemStore()
	st.sample = &types.TelemetrySample{CPUPercent: 42, MemoryPercent: 55, Timestamp: time.Now()}
	cfg := newTestConfig(t)
	l := New(st, nil, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	l.execute(context.Background(), backend.PendingCommand{ID: "cmd-status", Type: types.CommandTypeGetStatus})

	rec, ok, err := st.GetCommandRecord("cmd-status")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.CommandCompleted, rec.Status)
	assert.Equal(t, 42.0, rec.Result["cpu_percent"])
}

func TestExecuteIsolateMovesFileAndRecordsEvent(t *testing.T) {
	st := newMemStore()
	cfg := newTestConfig(t)
	l := New(st, nil, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	srcDir := t.TempDir()
	target := filepath.Join(srcDir, "infected.exe")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o644))

	l.execute(context.Background(), backend.PendingCommand{
		ID:   "cmd-isolate",
		Type: types.CommandTypeIsolate,
		Parameters: map[string]any{
			"file_paths": []any{target},
		},
	})

	rec, ok, err := st.GetCommandRecord("cmd-isolate")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.CommandCompleted, rec.Status)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(cfg.Security.QuarantineDir, "infected.exe"))
	assert.NoError(t, err)

	require.Len(t, st.events, 1)
	assert.Equal(t, types.EventFileIsolated, st.events[0].EventType)
}

func TestExecuteUpdateConfigAppliesAndPersists(t *testing.T) {
	st := newMemStore()
	cfg := newTestConfig(t)
	l := New(st, nil, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	l.execute(context.Background(), backend.PendingCommand{
		ID:   "cmd-config",
		Type: types.CommandTypeUpdateConfig,
		Parameters: map[string]any{
			"config": map[string]any{
				"monitoring": map[string]any{"cpu_threshold": 95.0},
			},
		},
	})

	assert.Equal(t, 95.0, cfg.Monitoring.CPUThreshold)

	rec, ok, err := st.GetCommandRecord("cmd-config")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, types.CommandCompleted, rec.Status)
}

func TestRouteResultPostsWhenBackendReachable(t *testing.T) {
	var gotBody backend.CommandResultRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	st := newMemStore()
	cfg := newTestConfig(t)
	client := backend.New(srv.URL, "key", time.Second)
	l := New(st, client, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	l.routeResult(context.Background(), "cmd-result", map[string]any{"success": true})

	assert.Equal(t, "cmd-result", gotBody.CommandID)
	assert.Empty(t, st.enqueued)
}

func TestRouteResultQueuesOnPostFailure(t *testing.T) {
	st := newMemStore()
	cfg := newTestConfig(t)
	client := backend.New("http://127.0.0.1:0", "key", 50*time.Millisecond)
	l := New(st, client, nil, cfg, zerolog.Nop(), "device-1", time.Minute)

	l.routeResult(context.Background(), "cmd-result", map[string]any{"success": true})

	require.Len(t, st.enqueued, 1)
	assert.Equal(t, types.QueueCommandResult, st.enqueued[0].queueType)
	assert.Equal(t, types.PriorityCommandResult, st.enqueued[0].priority)
}
