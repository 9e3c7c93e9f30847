// Package syncworker implements component G: draining the durable queue to
// the backend in batches once the backend is reachable, following spec
// section 4.7. Grounded in the teacher's pkg/scheduler ticker-loop shape;
// the mutual-exclusion and backoff concerns are original to this component.
package syncworker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/backup"
	"github.com/Raekwon-OG/protekt/pkg/metrics"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

const (
	backoffThreshold = 5
	backoffInterval  = 300 * time.Second
	uploadTimeout    = 300 * time.Second
)

// Worker drains each queue type to the backend in turn.
type Worker struct {
	store     store.Store
	client    *backend.Client
	backup    *backup.Engine
	log       zerolog.Logger
	deviceID  string
	batchSize int
	interval  time.Duration

	drainMu             sync.Mutex
	draining            bool
	consecutiveFailures int
}

// New builds a Worker. batchSize defaults to 50 and interval to 300s when
// zero, matching spec defaults.
func New(st store.Store, client *backend.Client, backupEngine *backup.Engine, log zerolog.Logger, deviceID string, interval time.Duration, batchSize int) *Worker {
	if batchSize == 0 {
		batchSize = 50
	}
	if interval == 0 {
		interval = 300 * time.Second
	}
	return &Worker{
		store:     st,
		client:    client,
		backup:    backupEngine,
		log:       log,
		deviceID:  deviceID,
		batchSize: batchSize,
		interval:  interval,
	}
}

// Run blocks, draining on a self-adjusting interval until ctx is canceled.
// The interval widens to 300s after 5 consecutive failed drain cycles and
// resets to the configured interval on the next success.
func (w *Worker) Run(ctx context.Context) error {
	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			w.tick(ctx)
			timer.Reset(w.nextDelay())
		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Worker) nextDelay() time.Duration {
	if w.consecutiveFailures >= backoffThreshold {
		return backoffInterval
	}
	return w.interval
}

func (w *Worker) tick(ctx context.Context) {
	if !w.drainMu.TryLock() {
		w.log.Warn().Msg("sync drain already in progress, skipping tick")
		return
	}
	defer w.drainMu.Unlock()

	if w.client == nil || !w.client.Healthy(ctx) {
		return
	}

	ok := true
	ok = w.drainTelemetry(ctx) && ok
	ok = w.drainSecurityEvents(ctx) && ok
	ok = w.drainCommandResults(ctx) && ok
	ok = w.drainBackupUploads(ctx) && ok

	outcome := "success"
	if ok {
		w.consecutiveFailures = 0
	} else {
		w.consecutiveFailures++
		outcome = "failure"
	}
	metrics.SyncDrainsTotal.WithLabelValues(outcome).Inc()
}

func (w *Worker) drainTelemetry(ctx context.Context) bool {
	items, err := w.store.Claim(types.QueueTelemetry, w.batchSize)
	if err != nil || len(items) == 0 {
		return err == nil
	}

	samples := make([]*types.TelemetrySample, 0, len(items))
	for _, item := range items {
		sample, err := decodeField[types.TelemetrySample](item.Payload, "sample")
		if err != nil {
			w.log.Warn().Err(err).Int64("item_id", item.ID).Msg("dropping malformed telemetry queue item")
			continue
		}
		samples = append(samples, sample)
	}

	if err := w.client.TelemetryBatch(ctx, w.deviceID, samples); err != nil {
		w.log.Warn().Err(err).Msg("telemetry batch POST failed")
		w.markAll(items, types.QueueFailed)
		return false
	}
	w.markAll(items, types.QueueCompleted)
	return true
}

func (w *Worker) drainSecurityEvents(ctx context.Context) bool {
	items, err := w.store.Claim(types.QueueSecurityEvent, w.batchSize)
	if err != nil || len(items) == 0 {
		return err == nil
	}

	events := make([]*types.SecurityEvent, 0, len(items))
	for _, item := range items {
		event, err := decodeMap[types.SecurityEvent](item.Payload)
		if err != nil {
			w.log.Warn().Err(err).Int64("item_id", item.ID).Msg("dropping malformed security event queue item")
			continue
		}
		events = append(events, event)
	}

	if err := w.client.SecurityEventsBatch(ctx, w.deviceID, events); err != nil {
		w.log.Warn().Err(err).Msg("security events batch POST failed")
		w.markAll(items, types.QueueFailed)
		return false
	}
	w.markAll(items, types.QueueCompleted)
	return true
}

func (w *Worker) drainCommandResults(ctx context.Context) bool {
	items, err := w.store.Claim(types.QueueCommandResult, w.batchSize)
	if err != nil {
		return false
	}

	ok := true
	for _, item := range items {
		commandID, _ := item.Payload["command_id"].(string)
		result, _ := item.Payload["result"].(map[string]any)

		err := w.client.PostCommandResult(ctx, w.deviceID, backend.CommandResultRequest{
			CommandID:   commandID,
			Result:      result,
			CompletedAt: time.Now(),
		})
		if err != nil {
			w.log.Warn().Err(err).Str("command_id", commandID).Msg("queued command result POST failed")
			_ = w.store.Mark(item.ID, types.QueueFailed, nil)
			ok = false
			continue
		}
		_ = w.store.Mark(item.ID, types.QueueCompleted, nil)
	}
	return ok
}

func (w *Worker) drainBackupUploads(ctx context.Context) bool {
	items, err := w.store.Claim(types.QueueBackupUpload, w.batchSize)
	if err != nil {
		return false
	}

	ok := true
	for _, item := range items {
		backupID, _ := item.Payload["backup_id"].(string)
		if backupID == "" || w.backup == nil {
			_ = w.store.Mark(item.ID, types.QueueFailed, nil)
			ok = false
			continue
		}

		uploadCtx, cancel := context.WithTimeout(ctx, uploadTimeout)
		url, err := w.client.RequestUploadURL(uploadCtx, w.deviceID, backupID)
		if err == nil {
			err = w.backup.Upload(uploadCtx, backupID, url)
		}
		cancel()

		if err != nil {
			w.log.Warn().Err(err).Str("backup_id", backupID).Msg("backup upload failed")
			_ = w.store.Mark(item.ID, types.QueueFailed, nil)
			ok = false
			continue
		}
		_ = w.store.Mark(item.ID, types.QueueCompleted, nil)
	}
	return ok
}

func (w *Worker) markAll(items []*types.QueueItem, status types.QueueStatus) {
	for _, item := range items {
		if err := w.store.Mark(item.ID, status, nil); err != nil {
			w.log.Error().Err(err).Int64("item_id", item.ID).Msg("failed to mark queue item")
		}
	}
}

// decodeField extracts payload[key] and decodes it into T via a JSON
// round-trip, since QueueItem payloads are opaque map[string]any blobs.
func decodeField[T any](payload map[string]any, key string) (*T, error) {
	raw, ok := payload[key]
	if !ok {
		return nil, fmt.Errorf("missing %q in queue item payload", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// decodeMap decodes the whole payload map into T via a JSON round-trip.
func decodeMap[T any](payload map[string]any) (*T, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
