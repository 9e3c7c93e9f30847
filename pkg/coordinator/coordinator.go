// Package coordinator wires every subsystem to the shared store and owns
// the process-wide start/stop sequence. Grounded in the teacher's
// cmd/warren/main.go bootstrap shape, generalized from a single manager
// lifecycle to the agent's seven independent subsystem loops, and in the
// retrieved opus-domini-sentinel main.go for the LIFO, per-subsystem,
// bounded-deadline shutdown pattern.
package coordinator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Raekwon-OG/protekt/internal/config"
	"github.com/Raekwon-OG/protekt/pkg/alert"
	"github.com/Raekwon-OG/protekt/pkg/anomaly"
	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/backup"
	"github.com/Raekwon-OG/protekt/pkg/command"
	"github.com/Raekwon-OG/protekt/pkg/metrics"
	"github.com/Raekwon-OG/protekt/pkg/registration"
	"github.com/Raekwon-OG/protekt/pkg/security"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/syncworker"
	"github.com/Raekwon-OG/protekt/pkg/telemetry"
	"github.com/Raekwon-OG/protekt/pkg/watcher"
)

// subsystemShutdownDeadline bounds how long a single subsystem's Run loop
// is given to return after its context is canceled, per spec section 5.
const subsystemShutdownDeadline = 5 * time.Second

const retentionSweepInterval = 1 * time.Hour

// subsystem pairs a named Run(ctx) error loop with its own cancel func and
// completion channel, so shutdown can stop and wait on them individually
// and in a specific order.
type subsystem struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Coordinator owns every long-running subsystem and the shared store, and
// drives startup registration plus the LIFO shutdown sequence.
type Coordinator struct {
	store store.Store
	log   zerolog.Logger
	cfg   *config.Config

	registrar *registration.Registrar
	telemetry *telemetry.Sampler
	watcher   *watcher.Watcher
	anomaly   *anomaly.Engine
	backupEng *backup.Engine
	command   *command.Loop
	sync      *syncworker.Worker
	alert     *alert.Dispatcher
	collector *metrics.Collector

	mu          sync.Mutex
	subsystems  []*subsystem
	retentionWG chan struct{}
}

// New wires every subsystem from cfg and st. client is nil when cfg.SaaS.BaseURL
// is empty, in which case every subsystem falls back to its offline behavior.
func New(st store.Store, log zerolog.Logger, cfg *config.Config) (*Coordinator, error) {
	var client *backend.Client
	if cfg.SaaS.BaseURL != "" {
		timeout := time.Duration(cfg.SaaS.Timeout) * time.Second
		client = backend.New(cfg.SaaS.BaseURL, cfg.SaaS.APIKey, timeout)
	}

	registrar := registration.New(st, client, log, registration.Config{
		DataDir:    cfg.Agent.DataDir,
		DeviceID:   cfg.DeviceID,
		DeviceName: cfg.Agent.Name,
		OrgID:      cfg.SaaS.OrgID,
		APIKey:     cfg.SaaS.APIKey,
	})

	sampler := telemetry.New(st, registrar, log, cfg.DeviceID,
		time.Duration(cfg.SaaS.HeartbeatInterval)*time.Second,
		telemetry.Thresholds{
			CPU:    cfg.Monitoring.CPUThreshold,
			Memory: cfg.Monitoring.MemoryThreshold,
			Disk:   cfg.Monitoring.DiskThreshold,
		})

	w, err := watcher.New(st, log, watcher.Config{
		WatchPaths:           cfg.Monitoring.FileWatchPaths,
		ExcludePaths:         cfg.Monitoring.ExcludePaths,
		MaxFileSize:          cfg.Security.MaxFileSize,
		SuspiciousExtensions: cfg.Security.SuspiciousExtensions,
		CPUThreshold:         cfg.Monitoring.CPUThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("start file watcher: %w", err)
	}

	anomalyModelPath := cfg.Agent.DataDir + "/anomaly_model"
	anomalyEngine := anomaly.New(st, log, anomalyModelPath)

	keyBytes, err := hex.DecodeString(cfg.Backup.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decode backup encryption key: %w", err)
	}
	cipher, err := security.NewBackupCipher(security.DeriveBackupKey(keyBytes))
	if err != nil {
		return nil, fmt.Errorf("build backup cipher: %w", err)
	}
	backupEngine := backup.New(st, log, backup.Config{
		BackupDir:        cfg.Agent.BackupDir,
		CompressionLevel: cfg.Backup.CompressionLevel,
		MaxBackupSize:    cfg.Backup.MaxBackupSize,
		Cipher:           cipher,
		Client:           client,
	})

	commandLoop := command.New(st, client, backupEngine, cfg, log, cfg.DeviceID,
		time.Duration(cfg.SaaS.CommandPollInterval)*time.Second)

	syncWorker := syncworker.New(st, client, backupEngine, log, cfg.DeviceID,
		time.Duration(cfg.SaaS.SyncInterval)*time.Second, 50)

	var alertCfg alert.Config
	alertCfg.DeviceID = cfg.DeviceID
	alertCfg.DeviceName = cfg.Agent.Name
	if cfg.Alerts.AlertCooldown > 0 {
		alertCfg.Cooldown = time.Duration(cfg.Alerts.AlertCooldown) * time.Second
	}
	if cfg.Alerts.WhatsAppWebhook != "" {
		alertCfg.Webhook = &alert.WebhookConfig{URL: cfg.Alerts.WhatsAppWebhook}
	}
	if cfg.Alerts.EmailSMTPHost != "" {
		alertCfg.SMTP = &alert.SMTPConfig{
			Host:     cfg.Alerts.EmailSMTPHost,
			Port:     cfg.Alerts.EmailSMTPPort,
			Username: cfg.Alerts.EmailUsername,
			Password: cfg.Alerts.EmailPassword,
			From:     cfg.Alerts.EmailFrom,
			To:       cfg.Alerts.EmailTo,
		}
	}
	alertDispatcher := alert.New(st, log, alertCfg)

	collector := metrics.NewCollector(st, client)

	return &Coordinator{
		store:     st,
		log:       log,
		cfg:       cfg,
		registrar: registrar,
		telemetry: sampler,
		watcher:   w,
		anomaly:   anomalyEngine,
		backupEng: backupEngine,
		command:   commandLoop,
		sync:      syncWorker,
		alert:     alertDispatcher,
		collector: collector,
	}, nil
}

// Run registers the device, trains or loads the anomaly model, starts every
// subsystem, and blocks until ctx is canceled, at which point it drives the
// shutdown sequence and returns the first error encountered (if any).
func (co *Coordinator) Run(ctx context.Context) error {
	if _, err := co.registrar.EnsureRegistered(ctx); err != nil {
		co.log.Error().Err(err).Msg("registration failed, continuing in offline mode")
		metrics.UpdateComponent("registration", false, err.Error())
	} else {
		metrics.UpdateComponent("registration", true, "registered")
	}
	if err := co.anomaly.LoadOrTrain(ctx); err != nil {
		co.log.Error().Err(err).Msg("anomaly model load/train failed, continuing with heuristics only")
	}

	// Detection and delivery loops, started in normal operating order.
	// Shutdown below reverses this for the HTTP-facing subsystems first.
	co.start("watcher", co.watcher.Run)
	co.start("anomaly", co.anomaly.Run)
	co.start("command", co.command.Run)
	co.start("syncworker", co.sync.Run)
	co.start("telemetry", co.telemetry.Run)
	co.start("alert", co.alert.Run)
	co.start("metrics", co.collector.Run)

	retentionCtx, stopRetention := context.WithCancel(ctx)
	retentionDone := make(chan struct{})
	go func() {
		defer close(retentionDone)
		co.runRetentionSweep(retentionCtx)
	}()

	<-ctx.Done()
	co.log.Info().Msg("shutdown signal received, stopping subsystems")

	co.shutdown()

	stopRetention()
	<-retentionDone

	if err := co.store.Close(); err != nil {
		co.log.Error().Err(err).Msg("failed to close store during shutdown")
		return err
	}
	return co.firstError()
}

// start launches a subsystem's Run loop in its own goroutine with its own
// cancelable context, recording it for the shutdown sequence.
func (co *Coordinator) start(name string, run func(context.Context) error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subsystem{name: name, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		s.err = run(ctx)
	}()

	co.mu.Lock()
	co.subsystems = append(co.subsystems, s)
	co.mu.Unlock()
}

// shutdown stops subsystems in the order: command loop and sync worker
// first (the HTTP-facing loops), then watcher and anomaly (detection),
// then anything left, giving each at most subsystemShutdownDeadline to
// exit. The backup engine has no Run loop of its own; it is only used by
// command and syncworker, both already stopped by the time this returns.
func (co *Coordinator) shutdown() {
	order := []string{"command", "syncworker", "watcher", "anomaly", "alert", "telemetry", "metrics"}

	byName := make(map[string]*subsystem, len(co.subsystems))
	co.mu.Lock()
	for _, s := range co.subsystems {
		byName[s.name] = s
	}
	co.mu.Unlock()

	for _, name := range order {
		s, ok := byName[name]
		if !ok {
			continue
		}
		co.stopOne(s)
		delete(byName, name)
	}
	// Anything not explicitly ordered above still gets stopped.
	for _, s := range byName {
		co.stopOne(s)
	}
}

func (co *Coordinator) stopOne(s *subsystem) {
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(subsystemShutdownDeadline):
		co.log.Warn().Str("subsystem", s.name).Msg("subsystem did not exit within its shutdown deadline")
	}
	if s.err != nil {
		co.log.Error().Err(s.err).Str("subsystem", s.name).Msg("subsystem exited with error")
	}
}

func (co *Coordinator) firstError() error {
	co.mu.Lock()
	defer co.mu.Unlock()
	for _, s := range co.subsystems {
		if s.err != nil {
			return s.err
		}
	}
	return nil
}

// runRetentionSweep runs the hourly BackupRecord retention sweep from spec
// section 4.5. The backup engine itself exposes PruneOld as a single call;
// this is the only periodic loop that owns it.
func (co *Coordinator) runRetentionSweep(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := co.backupEng.PruneOld(co.cfg.Backup.RetentionDays)
			if err != nil {
				co.log.Error().Err(err).Msg("backup retention sweep failed")
				continue
			}
			if n > 0 {
				co.log.Info().Int("pruned", n).Msg("backup retention sweep removed expired records")
			}
		case <-ctx.Done():
			return
		}
	}
}
