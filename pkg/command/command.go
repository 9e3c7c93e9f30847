// Package command implements component F: polling the backend for pending
// commands, dispatching each by type to an in-process handler, and routing
// results back through the queue on delivery failure. Grounded in the
// teacher's pkg/scheduler ticker-loop shape, generalized to a
// context.Context-cancellable loop per the service-lifecycle redesign.
package command

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Raekwon-OG/protekt/internal/config"
	"github.com/Raekwon-OG/protekt/pkg/agenterr"
	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/backup"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

// Handler executes one command type and returns its result payload.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Loop runs the component F polling/dispatch loop.
type Loop struct {
	store    store.Store
	client   *backend.Client
	backup   *backup.Engine
	cfg      *config.Config
	log      zerolog.Logger
	deviceID string

	pollInterval time.Duration
	handlers     map[string]Handler

	shutdownFunc func(delay time.Duration, restart bool)
}

// New builds a Loop with the nine handlers from spec section 4.6 wired to
// concrete subsystems.
func New(st store.Store, client *backend.Client, backupEngine *backup.Engine, cfg *config.Config, log zerolog.Logger, deviceID string, pollInterval time.Duration) *Loop {
	l := &Loop{
		store:        st,
		client:       client,
		backup:       backupEngine,
		cfg:          cfg,
		log:          log,
		deviceID:     deviceID,
		pollInterval: pollInterval,
		shutdownFunc: defaultShutdownFunc,
	}
	l.handlers = map[string]Handler{
		types.CommandTypeBackup:       l.handleBackup,
		types.CommandTypeRestore:      l.handleRestore,
		types.CommandTypeScan:         l.handleScan,
		types.CommandTypeIsolate:      l.handleIsolate,
		types.CommandTypeUpdateConfig: l.handleUpdateConfig,
		types.CommandTypeShutdown:     l.handleShutdownRestart(false),
		types.CommandTypeRestart:      l.handleShutdownRestart(true),
		types.CommandTypeGetStatus:    l.handleGetStatus,
		types.CommandTypeGetLogs:      l.handleGetLogs,
	}
	return l
}

// Run blocks, polling every pollInterval until ctx is canceled.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				l.log.Error().Err(err).Msg("command loop tick failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	pending, err := l.client.PollCommands(ctx, l.deviceID)
	if err != nil {
		l.log.Warn().Err(err).Msg("poll commands failed")
		return nil
	}

	for _, cmd := range pending {
		l.execute(ctx, cmd)
	}
	return nil
}

// execute upserts a CommandRecord (idempotent on command_id), dispatches
// the handler exactly once, and routes the result back.
func (l *Loop) execute(ctx context.Context, cmd backend.PendingCommand) {
	rec := &types.CommandRecord{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Parameters:  cmd.Parameters,
		Status:      types.CommandReceived,
		CreatedAt:   time.Now(),
	}
	existed, err := l.store.UpsertCommandRecord(rec)
	if err != nil {
		l.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to upsert command record")
		return
	}
	if existed {
		return
	}

	handler, ok := l.handlers[cmd.Type]
	var result map[string]any
	var handlerErr error
	if !ok {
		handlerErr = fmt.Errorf("%w: unknown command type %q", agenterr.ErrUnknownCommand, cmd.Type)
	} else {
		result, handlerErr = handler(ctx, cmd.Parameters)
	}

	status := types.CommandCompleted
	if handlerErr != nil {
		status = types.CommandFailed
		if result == nil {
			result = map[string]any{}
		}
		result["error"] = handlerErr.Error()
	}

	if err := l.store.UpdateCommandRecord(cmd.ID, status, result); err != nil {
		l.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to update command record")
	}

	l.routeResult(ctx, cmd.ID, result)
}

func (l *Loop) routeResult(ctx context.Context, commandID string, result map[string]any) {
	if l.client != nil {
		err := l.client.PostCommandResult(ctx, l.deviceID, backend.CommandResultRequest{
			CommandID:   commandID,
			Result:      result,
			CompletedAt: time.Now(),
		})
		if err == nil {
			return
		}
		l.log.Warn().Err(err).Str("command_id", commandID).Msg("command result POST failed, queuing")
	}

	payload := map[string]any{"command_id": commandID, "result": result}
	if _, err := l.store.Enqueue(types.QueueCommandResult, payload, types.PriorityCommandResult); err != nil {
		l.log.Error().Err(err).Msg("failed to enqueue command result")
	}
}

func (l *Loop) handleBackup(ctx context.Context, params map[string]any) (map[string]any, error) {
	sourcePaths, err := stringSlice(params, "source_paths")
	if err != nil {
		return nil, err
	}
	backupType := types.BackupCommand
	if v, ok := params["backup_type"].(string); ok && v != "" {
		backupType = types.BackupType(v)
	}

	rec, err := l.backup.Create(sourcePaths, backupType)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{"backup_id": rec.BackupID}
	if _, err := l.store.Enqueue(types.QueueBackupUpload, payload, types.PriorityBackupUpload); err != nil {
		l.log.Error().Err(err).Str("backup_id", rec.BackupID).Msg("failed to enqueue backup upload intent")
	}

	return map[string]any{"success": true, "backup_id": rec.BackupID}, nil
}

func (l *Loop) handleRestore(ctx context.Context, params map[string]any) (map[string]any, error) {
	backupID, ok := params["backup_id"].(string)
	if !ok || backupID == "" {
		return nil, fmt.Errorf("%w: missing backup_id", agenterr.ErrValidationFailure)
	}
	restorePath, _ := params["restore_path"].(string)

	if err := l.backup.Restore(backupID, restorePath); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

func (l *Loop) handleScan(ctx context.Context, params map[string]any) (map[string]any, error) {
	scanType, _ := params["scan_type"].(string)
	if scanType == "" {
		scanType = "full"
	}

	since := time.Now().Add(-1 * time.Hour)
	events, err := l.store.SecurityEventsSince(since, true)
	if err != nil {
		return nil, err
	}

	result := map[string]any{
		"scan_type":           scanType,
		"recent_event_count":  len(events),
	}

	if scanType == "targeted" {
		targetPaths, _ := stringSlice(params, "target_paths")
		fileCount := 0
		for _, p := range targetPaths {
			filepath.Walk(p, func(_ string, info os.FileInfo, err error) error {
				if err == nil && !info.IsDir() {
					fileCount++
				}
				return nil
			})
		}
		result["target_paths"] = targetPaths
		result["file_count"] = fileCount
	}
	return result, nil
}

func (l *Loop) handleIsolate(ctx context.Context, params map[string]any) (map[string]any, error) {
	filePaths, err := stringSlice(params, "file_paths")
	if err != nil {
		return nil, err
	}
	quarantineDir := l.cfg.Security.QuarantineDir

	var isolated []string
	for _, p := range filePaths {
		dest := filepath.Join(quarantineDir, filepath.Base(p))
		if err := os.Rename(p, dest); err != nil {
			l.log.Warn().Err(err).Str("path", p).Msg("failed to isolate file")
			continue
		}
		isolated = append(isolated, p)

		event := &types.SecurityEvent{
			EventType:   types.EventFileIsolated,
			Severity:    types.SeverityHigh,
			Description: "file moved to quarantine by isolate command",
			FilePath:    p,
			Timestamp:   time.Now(),
		}
		if _, err := store.AppendAndQueueSecurityEvent(l.store, event); err != nil {
			l.log.Error().Err(err).Msg("failed to record file_isolated event")
		}
	}
	return map[string]any{"success": true, "isolated": isolated}, nil
}

func (l *Loop) handleUpdateConfig(ctx context.Context, params map[string]any) (map[string]any, error) {
	sections, ok := params["config"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: missing config object", agenterr.ErrValidationFailure)
	}

	for section, raw := range sections {
		kv, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		l.applyConfigSection(section, kv)
	}

	if err := l.cfg.Save(); err != nil {
		return nil, fmt.Errorf("persist config: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func (l *Loop) applyConfigSection(section string, kv map[string]any) {
	switch strings.ToLower(section) {
	case "agent":
		if v, ok := kv["log_level"].(string); ok {
			l.cfg.Agent.LogLevel = v
		}
		if v, ok := kv["name"].(string); ok {
			l.cfg.Agent.Name = v
		}
	case "monitoring":
		if v, ok := kv["cpu_threshold"].(float64); ok {
			l.cfg.Monitoring.CPUThreshold = v
		}
		if v, ok := kv["memory_threshold"].(float64); ok {
			l.cfg.Monitoring.MemoryThreshold = v
		}
		if v, ok := kv["disk_threshold"].(float64); ok {
			l.cfg.Monitoring.DiskThreshold = v
		}
	case "alerts":
		if v, ok := kv["alert_cooldown"].(float64); ok {
			l.cfg.Alerts.AlertCooldown = int(v)
		}
		if v, ok := kv["whatsapp_webhook"].(string); ok {
			l.cfg.Alerts.WhatsAppWebhook = v
		}
	}
}

func (l *Loop) handleShutdownRestart(restart bool) Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		delaySeconds := 10.0
		if v, ok := params["delay"].(float64); ok {
			delaySeconds = v
		}
		l.shutdownFunc(time.Duration(delaySeconds)*time.Second, restart)
		return map[string]any{"success": true, "scheduled_in_seconds": delaySeconds}, nil
	}
}

func (l *Loop) handleGetStatus(ctx context.Context, params map[string]any) (map[string]any, error) {
	sample, ok, err := l.store.LatestTelemetrySample()
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"status": "no telemetry collected yet"}, nil
	}
	return map[string]any{
		"cpu_percent":     sample.CPUPercent,
		"memory_percent":  sample.MemoryPercent,
		"disk_percent":    sample.DiskPercent,
		"processes_count": sample.ProcessesCount,
		"uptime_seconds":  sample.UptimeSeconds,
		"timestamp":       sample.Timestamp,
	}, nil
}

func (l *Loop) handleGetLogs(ctx context.Context, params map[string]any) (map[string]any, error) {
	logType, _ := params["log_type"].(string)
	if logType == "" {
		logType = "agent"
	}
	lines := 100
	if v, ok := params["lines"].(float64); ok && v > 0 {
		lines = int(v)
	}

	path := filepath.Join(l.cfg.Agent.DataDir, "logs", logType+".log")
	tail, err := tailFile(path, lines)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", agenterr.ErrResourceUnavailable, err)
	}
	return map[string]any{"log_type": logType, "lines": tail}, nil
}

func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var all []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		all = append(all, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if len(all) > n {
		all = all[len(all)-n:]
	}
	return all, nil
}

func stringSlice(params map[string]any, key string) ([]string, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("%w: missing %s", agenterr.ErrValidationFailure, key)
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be an array", agenterr.ErrValidationFailure, key)
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %s must contain only strings", agenterr.ErrValidationFailure, key)
		}
		out = append(out, s)
	}
	return out, nil
}

// defaultShutdownFunc schedules an OS shutdown or restart after delay,
// using the platform's native command. Failures are logged by the caller
// of the command loop's handler, not here, to keep this a fire-and-forget
// OS action consistent with the command's "scheduled" result semantics.
func defaultShutdownFunc(delay time.Duration, restart bool) {
	time.AfterFunc(delay, func() {
		var cmd *exec.Cmd
		switch runtime.GOOS {
		case "windows":
			if restart {
				cmd = exec.Command("shutdown", "/r", "/t", "0")
			} else {
				cmd = exec.Command("shutdown", "/s", "/t", "0")
			}
		default:
			if restart {
				cmd = exec.Command("shutdown", "-r", "now")
			} else {
				cmd = exec.Command("shutdown", "-h", "now")
			}
		}
		_ = cmd.Run()
	})
}
