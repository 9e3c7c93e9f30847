package anomaly

import (
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

// memStore implements store.Store minimally for exercising recentCounts and
// scoreSample's enrichment details.
type memStore struct {
	events []*types.SecurityEvent
	queued []map[string]any
}

func (m *memStore) Close() error { return nil }
func (m *memStore) GetRegistration() (*types.Registration, bool, error) {
	return nil, false, nil
}
func (m *memStore) SaveRegistration(*types.Registration) error { return nil }
func (m *memStore) Enqueue(queueType types.QueueType, payload map[string]any, priority int) (int64, error) {
	m.queued = append(m.queued, payload)
	return int64(len(m.queued)), nil
}
func (m *memStore) Claim(types.QueueType, int) ([]*types.QueueItem, error) { return nil, nil }
func (m *memStore) Mark(int64, types.QueueStatus, map[string]any) error    { return nil }
func (m *memStore) RetryFailed() (int, error)                             { return 0, nil }
func (m *memStore) PruneQueue(time.Time) (int, error)                     { return 0, nil }
func (m *memStore) QueueStatus() (map[string]int, error)                  { return nil, nil }
func (m *memStore) AppendTelemetrySample(*types.TelemetrySample) (int64, error) {
	return 0, nil
}
func (m *memStore) LatestTelemetrySample() (*types.TelemetrySample, bool, error) {
	return nil, false, nil
}
func (m *memStore) TelemetrySamplesSince(time.Time) ([]*types.TelemetrySample, error) {
	return nil, nil
}
func (m *memStore) AppendSecurityEvent(e *types.SecurityEvent) (int64, error) {
	m.events = append(m.events, e)
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

var _ store.Store = (*memStore)(nil)

func TestBuildFeaturesNoNaN(t *testing.T) {
	sample := &types.TelemetrySample{
		Timestamp:      time.Now(),
		CPUPercent:     50,
		MemoryPercent:  0,
		ProcessesCount: 100,
	}
	features := buildFeatures(sample, nil)
	require.Len(t, features, len(featureNames))
	for _, f := range features {
		assert.False(t, f != f) // NaN check: NaN != NaN
	}
}

func TestBuildFeaturesRollingRequiresHistory(t *testing.T) {
	sample := &types.TelemetrySample{Timestamp: time.Now(), CPUPercent: 40, MemoryPercent: 40}
	short := make([]*types.TelemetrySample, 3)
	for i := range short {
		short[i] = &types.TelemetrySample{CPUPercent: 10}
	}
	features := buildFeatures(sample, short)
	assert.Equal(t, 0.0, features[8])
	assert.Equal(t, 0.0, features[9])
}

func TestFitScalerNormalizesToZeroMean(t *testing.T) {
	data := [][]float64{{10, 100}, {20, 200}, {30, 300}}
	scaler := fitScaler(data)
	scaled := scaler.transformAll(data)

	var sum float64
	for _, row := range scaled {
		sum += row[0]
	}
	assert.InDelta(t, 0, sum, 1e-9)
}

func TestForestSeparatesOutlier(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	var normal [][]float64
	for i := 0; i < 200; i++ {
		normal = append(normal, []float64{rng.NormFloat64() * 2, rng.NormFloat64() * 2})
	}
	f := fitForest(normal, 100, 128, rng)

	normalScore := f.score([]float64{0, 0})
	outlierScore := f.score([]float64{50, 50})

	assert.Greater(t, outlierScore, normalScore)
}

func TestContaminationCutoffIsWithinRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	var data [][]float64
	for i := 0; i < 200; i++ {
		data = append(data, []float64{rng.NormFloat64(), rng.NormFloat64()})
	}
	f := fitForest(data, 50, 128, rng)
	cutoff := contaminationCutoff(f, data, 0.05)
	assert.GreaterOrEqual(t, cutoff, 0.0)
	assert.LessOrEqual(t, cutoff, 1.0)
}

func TestRecentCountsCountsFileChangeAndHighSeverityWithinLastHour(t *testing.T) {
	now := time.Now()
	st := &memStore{events: []*types.SecurityEvent{
		{EventType: types.EventFileChange, Severity: types.SeverityLow, Timestamp: now.Add(-10 * time.Minute)},
		{EventType: types.EventFileChange, Severity: types.SeverityLow, Timestamp: now.Add(-20 * time.Minute)},
		{EventType: types.EventRansomwareDetection, Severity: types.SeverityHigh, Timestamp: now.Add(-5 * time.Minute)},
		{EventType: types.EventAnomalyDetected, Severity: types.SeverityMedium, Timestamp: now.Add(-5 * time.Minute)},
	}}
	e := &Engine{store: st, log: zerolog.Nop()}

	fileOps, errorRate := e.recentCounts()
	assert.Equal(t, 2, fileOps)
	assert.Equal(t, 1, errorRate)
}

func TestScoreSampleDetailsCarryEnrichmentCounts(t *testing.T) {
	st := &memStore{}
	e := &Engine{store: st, log: zerolog.Nop()}

	data := [][]float64{{0, 0}, {0, 0}, {0, 0}}
	scaler := fitScaler(data)
	rng := rand.New(rand.NewSource(1))
	forest := fitForest(data, 10, 3, rng)
	m := &model{Scaler: scaler, Forest: forest, FlagCutoff: -1} // cutoff below any score forces flagged=true

	sample := &types.TelemetrySample{Timestamp: time.Now(), CPUPercent: 10, MemoryPercent: 10}
	e.scoreSample(sample, nil, m, 7, 3)

	require.Len(t, st.events, 1)
	assert.Equal(t, 7, st.events[0].Details["file_operations"])
	assert.Equal(t, 3, st.events[0].Details["error_rate"])
}
