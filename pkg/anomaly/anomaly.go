// Package anomaly implements component D: an unsupervised outlier scorer
// over telemetry, trained at startup from historical samples (padded with
// synthetic rows if scarce), then run every 60 s against the latest
// sample. Grounded in spec section 4.4's isolation-forest-equivalent
// design; gonum.org/v1/gonum/stat supplies the feature-scaling and
// linear-regression statistics, matching its use across the pack's
// manifests for exactly this kind of numeric work.
package anomaly

import (
	"context"
	"encoding/gob"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

const (
	defaultMaxTrainingSamples = 10_000
	defaultMinTrainingSamples = 100
	numEstimators              = 100
	contamination              = 0.05
	scoreThreshold              = -0.3
	maxHistory                  = 1000
	retrainGrowthFactor          = 1.5
)

// model is the persisted artifact at <data_dir>/anomaly_model.
type model struct {
	Scaler       *featureScaler
	Forest       *Forest
	FlagCutoff   float64 // isolation score above which contamination=0.05 flags an anomaly
	TrainingSize int
}

// Engine runs the component D loop.
type Engine struct {
	store    store.Store
	log      zerolog.Logger
	modelPath string
	rng      *rand.Rand

	mu      sync.Mutex
	model   *model
	history []*types.TelemetrySample
}

// New builds an Engine. modelPath is the file the trained model is
// persisted to and loaded from (spec's <data_dir>/anomaly_model).
func New(st store.Store, log zerolog.Logger, modelPath string) *Engine {
	return &Engine{
		store:     st,
		log:       log,
		modelPath: modelPath,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// LoadOrTrain loads a persisted model if present, else trains one from
// store history (padded with synthetic rows) and persists it.
func (e *Engine) LoadOrTrain(ctx context.Context) error {
	if m, err := e.loadModel(); err == nil {
		e.mu.Lock()
		e.model = m
		e.mu.Unlock()
		return nil
	}
	return e.train(ctx)
}

func (e *Engine) loadModel() (*model, error) {
	f, err := os.Open(e.modelPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var m model
	if err := gob.NewDecoder(f).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (e *Engine) persistModel(m *model) error {
	f, err := os.Create(e.modelPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(m)
}

// train collects up to defaultMaxTrainingSamples historical rows, pads
// with synthetic samples from the fixed distributions if the real pool is
// under defaultMinTrainingSamples, fits the scaler and forest, and
// persists the result.
func (e *Engine) train(ctx context.Context) error {
	samples, err := e.store.TelemetrySamplesSince(time.Time{})
	if err != nil {
		return err
	}
	if len(samples) > defaultMaxTrainingSamples {
		samples = samples[len(samples)-defaultMaxTrainingSamples:]
	}

	for len(samples) < defaultMinTrainingSamples {
		samples = append(samples, syntheticSample(e.sampleNormal, e.sampleUniform))
	}

	featureMatrix := make([][]float64, len(samples))
	for i, s := range samples {
		featureMatrix[i] = buildFeatures(s, samples[:i])
	}

	scaler := fitScaler(featureMatrix)
	scaled := scaler.transformAll(featureMatrix)

	sampleSize := 256
	if sampleSize > len(scaled) {
		sampleSize = len(scaled)
	}
	f := fitForest(scaled, numEstimators, sampleSize, e.rng)

	cutoff := contaminationCutoff(f, scaled, contamination)

	m := &model{Scaler: scaler, Forest: f, FlagCutoff: cutoff, TrainingSize: len(samples)}

	e.mu.Lock()
	e.model = m
	e.mu.Unlock()

	if err := e.persistModel(m); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist anomaly model")
	}
	return nil
}

// contaminationCutoff picks the isolation score above which the top
// `contamination` fraction of the training set is considered anomalous.
func contaminationCutoff(f *Forest, scaled [][]float64, contamination float64) float64 {
	scores := make([]float64, len(scaled))
	for i, row := range scaled {
		scores[i] = f.score(row)
	}
	sortFloat64s(scores)
	idx := int(float64(len(scores)) * (1 - contamination))
	if idx >= len(scores) {
		idx = len(scores) - 1
	}
	if idx < 0 {
		return 1
	}
	return scores[idx]
}

func sortFloat64s(v []float64) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

func (e *Engine) sampleNormal(mean, stddev float64) float64 {
	return mean + e.rng.NormFloat64()*stddev
}

func (e *Engine) sampleUniform(lo, hi float64) float64 {
	return lo + e.rng.Float64()*(hi-lo)
}

// Run blocks, scoring the latest sample every 60s until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.tick(); err != nil {
				e.log.Error().Err(err).Msg("anomaly tick failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) tick() error {
	sample, ok, err := e.store.LatestTelemetrySample()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	e.mu.Lock()
	e.history = append(e.history, sample)
	if len(e.history) > maxHistory {
		e.history = e.history[len(e.history)-maxHistory:]
	}
	history := append([]*types.TelemetrySample(nil), e.history...)
	m := e.model
	e.mu.Unlock()

	if m == nil {
		return nil
	}

	fileOps, errorRate := e.recentCounts()
	e.scoreSample(sample, history, m, fileOps, errorRate)
	e.runHeuristics(sample, history)

	if len(history) >= int(float64(m.TrainingSize)*retrainGrowthFactor) {
		return e.train(context.Background())
	}
	return nil
}

// recentCounts computes the two enrichment counts from spec section 4.4
// step 1 over the last hour of SecurityEvents: file_operations (file_change
// events) and error_rate (high-severity events). Neither feeds the feature
// vector; both are carried only in the anomaly_detected event's details, as
// in the original anomaly detector's audit-log enrichment.
func (e *Engine) recentCounts() (fileOperations, errorRate int) {
	events, err := e.store.SecurityEventsSince(time.Now().Add(-time.Hour), false)
	if err != nil {
		e.log.Warn().Err(err).Msg("failed to load recent security events for anomaly enrichment")
		return 0, 0
	}
	for _, ev := range events {
		if ev.EventType == types.EventFileChange {
			fileOperations++
		}
		if ev.Severity == types.SeverityHigh {
			errorRate++
		}
	}
	return fileOperations, errorRate
}

func (e *Engine) scoreSample(sample *types.TelemetrySample, history []*types.TelemetrySample, m *model, fileOperations, errorRate int) {
	features := buildFeatures(sample, history)
	scaled := m.Scaler.transform(features)
	isolationScore := m.Forest.score(scaled)

	// Map the [0,1] isolation score onto a sklearn-style decision score
	// where negative values indicate anomalies, matching the -0.3 cutoff
	// named in spec section 4.4.
	decision := 0.5 - isolationScore

	flagged := isolationScore >= m.FlagCutoff
	if !flagged && decision >= scoreThreshold {
		return
	}

	severity := types.SeverityMedium
	if flagged {
		severity = types.SeverityHigh
	}

	event := &types.SecurityEvent{
		EventType:   types.EventAnomalyDetected,
		Severity:    severity,
		Description: "unsupervised anomaly scorer flagged the latest telemetry sample",
		Details: map[string]any{
			"score":           decision,
			"flagged":         flagged,
			"file_operations": fileOperations,
			"error_rate":      errorRate,
		},
		Timestamp: time.Now(),
	}
	if _, err := store.AppendAndQueueSecurityEvent(e.store, event); err != nil {
		e.log.Error().Err(err).Msg("failed to record anomaly_detected event")
	}
}

// runHeuristics evaluates the two heuristic side-channels from spec
// section 4.4 over the in-memory history.
func (e *Engine) runHeuristics(sample *types.TelemetrySample, history []*types.TelemetrySample) {
	e.checkCPUSpike(sample, history)
	e.checkMemoryLeak(sample, history)
}

func (e *Engine) checkCPUSpike(sample *types.TelemetrySample, history []*types.TelemetrySample) {
	cpus := lastN(history, 5, func(s *types.TelemetrySample) float64 { return s.CPUPercent })
	if len(cpus) == 0 {
		return
	}
	var sum float64
	for _, v := range cpus {
		sum += v
	}
	mean := sum / float64(len(cpus))

	if mean > 0 && sample.CPUPercent > 2*mean && sample.CPUPercent > 50 {
		event := &types.SecurityEvent{
			EventType:   types.EventAnomalyDetected,
			Severity:    types.SeverityMedium,
			Description: "cpu_spike heuristic: current CPU more than double the recent mean",
			Details:     map[string]any{"detector": "cpu_spike", "current": sample.CPUPercent, "mean": mean},
			Timestamp:   time.Now(),
		}
		if _, err := store.AppendAndQueueSecurityEvent(e.store, event); err != nil {
			e.log.Error().Err(err).Msg("failed to record cpu_spike event")
		}
	}
}

func (e *Engine) checkMemoryLeak(sample *types.TelemetrySample, history []*types.TelemetrySample) {
	mems := lastN(history, 10, func(s *types.TelemetrySample) float64 { return s.MemoryPercent })
	if len(mems) < 10 {
		return
	}
	xs := make([]float64, len(mems))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, mems, nil, false)

	if slope > 2 && sample.MemoryPercent > 70 {
		event := &types.SecurityEvent{
			EventType:   types.EventAnomalyDetected,
			Severity:    types.SeverityHigh,
			Description: "memory_leak heuristic: rising memory trend with high current usage",
			Details:     map[string]any{"detector": "memory_leak", "slope": slope, "current": sample.MemoryPercent},
			Timestamp:   time.Now(),
		}
		if _, err := store.AppendAndQueueSecurityEvent(e.store, event); err != nil {
			e.log.Error().Err(err).Msg("failed to record memory_leak event")
		}
	}
}
