// Package watcher implements component C: two cooperating observers — a
// filesystem observer over fsnotify with sliding-window ransomware
// heuristics, and a process observer over gopsutil — both writing
// SecurityEvent rows to the shared store. Grounded in the teacher's
// pkg/scheduler ticker-loop shape for the process observer's 30s cadence,
// and wiring fsnotify for the filesystem side per the domain-stack mapping.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

const ringRetention = 5 * time.Minute
const detectorWindow = 60 * time.Second

var suspiciousExtensionsDefault = []string{".exe", ".bat", ".cmd", ".scr", ".pif", ".com", ".vbs", ".js"}
var encryptionMarkers = []string{".encrypted", ".locked", ".crypto", ".crypt"}

var suspiciousProcessTokens = []string{
	"crypt", "encrypt", "lock", "ransom", "malware", "virus",
	"backdoor", "trojan", "worm", "keylogger", "rootkit",
}

// fsEvent is one ring entry.
type fsEvent struct {
	at   time.Time
	op   fsnotify.Op
	path string
}

// Config configures a Watcher.
type Config struct {
	WatchPaths           []string
	ExcludePaths         []string
	MaxFileSize          int64
	SuspiciousExtensions []string
	SafeProcessNames     map[string]bool
	CPUThreshold         float64
}

// Watcher owns the ring buffer, the fsnotify watch, and the process poll
// loop. Its scratch state (the ring) is not persisted: a restart starts
// empty, per the store-ownership design note.
type Watcher struct {
	store  store.Store
	log    zerolog.Logger
	cfg    Config
	fsw    *fsnotify.Watcher

	mu   sync.Mutex
	ring []fsEvent
}

// New builds a Watcher and starts the underlying fsnotify watch on
// cfg.WatchPaths. Callers must call Close when done.
func New(st store.Store, log zerolog.Logger, cfg Config) (*Watcher, error) {
	if cfg.SuspiciousExtensions == nil {
		cfg.SuspiciousExtensions = suspiciousExtensionsDefault
	}
	if cfg.SafeProcessNames == nil {
		cfg.SafeProcessNames = defaultSafeProcessNames()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.WatchPaths {
		if err := fsw.Add(p); err != nil {
			log.Warn().Err(err).Str("path", p).Msg("failed to watch path")
		}
	}

	return &Watcher{store: st, log: log, cfg: cfg, fsw: fsw}, nil
}

// Close releases the underlying fsnotify watch.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run blocks, consuming filesystem events and polling the process list
// every 30s, until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleFSEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("fsnotify error")
		case <-ticker.C:
			if err := w.scanProcesses(ctx); err != nil {
				w.log.Error().Err(err).Msg("process scan failed")
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// isExcluded reports whether path falls under any configured exclude
// entry, supporting a trailing "*" wildcard meaning "one level under this
// directory".
func (w *Watcher) isExcluded(path string) bool {
	for _, ex := range w.cfg.ExcludePaths {
		if strings.HasSuffix(ex, "*") {
			prefix := strings.TrimSuffix(ex, "*")
			if strings.HasPrefix(path, prefix) && !strings.Contains(path[len(prefix):], string(filepath.Separator)) {
				return true
			}
			continue
		}
		if path == ex || strings.HasPrefix(path, ex+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func (w *Watcher) handleFSEvent(ev fsnotify.Event) {
	if w.isExcluded(ev.Name) {
		return
	}
	if w.cfg.MaxFileSize > 0 && fileTooLarge(ev.Name, w.cfg.MaxFileSize) {
		return
	}

	now := time.Now()
	w.mu.Lock()
	w.ring = append(w.ring, fsEvent{at: now, op: ev.Op, path: ev.Name})
	w.pruneRingLocked(now)
	window := w.windowLocked(now)
	w.mu.Unlock()

	w.runDetectors(window)
}

func (w *Watcher) pruneRingLocked(now time.Time) {
	cutoff := now.Add(-ringRetention)
	i := 0
	for ; i < len(w.ring); i++ {
		if w.ring[i].at.After(cutoff) {
			break
		}
	}
	w.ring = w.ring[i:]
}

func (w *Watcher) windowLocked(now time.Time) []fsEvent {
	cutoff := now.Add(-detectorWindow)
	var out []fsEvent
	for _, e := range w.ring {
		if e.at.After(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// runDetectors evaluates the five detectors from spec section 4.3 over the
// last 60 seconds of ring events, firing at most once per call per
// detector whose threshold is crossed.
func (w *Watcher) runDetectors(window []fsEvent) {
	var moves, modifies, suspicious, encrypted int
	var suspiciousFiles, encryptedFiles []string

	for _, e := range window {
		if e.op&fsnotify.Rename != 0 {
			moves++
		}
		if e.op&fsnotify.Write != 0 {
			modifies++
		}
		ext := strings.ToLower(filepath.Ext(e.path))
		for _, se := range w.cfg.SuspiciousExtensions {
			if ext == se {
				suspicious++
				suspiciousFiles = append(suspiciousFiles, e.path)
				break
			}
		}
		lower := strings.ToLower(e.path)
		for _, marker := range encryptionMarkers {
			if strings.Contains(lower, marker) {
				encrypted++
				encryptedFiles = append(encryptedFiles, e.path)
				break
			}
		}
	}

	total := len(window)

	type firing struct {
		detector string
		severity types.Severity
		details  map[string]any
	}
	var fired []firing

	if total > 50 {
		fired = append(fired, firing{"mass_file_operations", types.SeverityHigh, map[string]any{"count": total}})
	}
	if moves > 30 {
		fired = append(fired, firing{"mass_renames", types.SeverityHigh, map[string]any{"count": moves}})
	}
	if suspicious > 10 {
		fired = append(fired, firing{"suspicious_extensions", types.SeverityMedium, map[string]any{
			"count": suspicious, "files": truncateFiles(suspiciousFiles),
		}})
	}
	if encrypted > 5 {
		fired = append(fired, firing{"encryption_patterns", types.SeverityCritical, map[string]any{
			"count": encrypted, "files": truncateFiles(encryptedFiles),
		}})
	}
	if modifies > 20 {
		fired = append(fired, firing{"rapid_modifications", types.SeverityHigh, map[string]any{"count": modifies}})
	}

	for _, f := range fired {
		event := &types.SecurityEvent{
			EventType:   types.EventRansomwareDetection,
			Severity:    f.severity,
			Description: "ransomware heuristic " + f.detector + " threshold crossed",
			Details:     mergeDetector(f.detector, f.details),
			Timestamp:   time.Now(),
		}
		if _, err := store.AppendAndQueueSecurityEvent(w.store, event); err != nil {
			w.log.Error().Err(err).Str("detector", f.detector).Msg("failed to record ransomware detection")
		}
	}
}

func mergeDetector(detector string, details map[string]any) map[string]any {
	out := map[string]any{"detector": detector}
	for k, v := range details {
		out[k] = v
	}
	return out
}

func truncateFiles(files []string) []string {
	const max = 10
	if len(files) > max {
		return files[:max]
	}
	return files
}

func fileTooLarge(path string, maxSize int64) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() > maxSize
}

// scanProcesses enumerates running processes and flags suspicious names or
// command lines, plus high CPU usage, per spec section 4.3.
func (w *Watcher) scanProcesses(ctx context.Context) error {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return err
	}

	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if w.cfg.SafeProcessNames[strings.ToLower(name)] {
			continue
		}

		cmdline, _ := p.CmdlineWithContext(ctx)
		haystack := strings.ToLower(name + " " + cmdline)
		for _, token := range suspiciousProcessTokens {
			if strings.Contains(haystack, token) {
				event := &types.SecurityEvent{
					EventType:   types.EventSuspiciousProcess,
					Severity:    types.SeverityHigh,
					Description: "process name or command line matched suspicious token",
					ProcessName: name,
					Details:     map[string]any{"pid": p.Pid, "token": token},
					Timestamp:   time.Now(),
				}
				if _, err := store.AppendAndQueueSecurityEvent(w.store, event); err != nil {
					w.log.Error().Err(err).Msg("failed to record suspicious process")
				}
				break
			}
		}

		if strings.ToLower(name) == "system idle process" || strings.ToLower(name) == "idle" {
			continue
		}
		cpuPercent, err := p.CPUPercentWithContext(ctx)
		if err == nil && cpuPercent > 80 {
			event := &types.SecurityEvent{
				EventType:   types.EventHighResourceUsage,
				Severity:    types.SeverityMedium,
				Description: "process CPU usage exceeded 80%",
				ProcessName: name,
				Details:     map[string]any{"pid": p.Pid, "cpu_percent": cpuPercent},
				Timestamp:   time.Now(),
			}
			if _, err := store.AppendAndQueueSecurityEvent(w.store, event); err != nil {
				w.log.Error().Err(err).Msg("failed to record high resource usage")
			}
		}
	}
	return nil
}

func defaultSafeProcessNames() map[string]bool {
	return map[string]bool{
		"system idle process": true,
		"idle":                 true,
		"systemd":              true,
		"init":                 true,
		"explorer.exe":         true,
		"bash":                 true,
		"sh":                   true,
		"zsh":                  true,
		"chrome":               true,
		"firefox":              true,
		"code":                 true,
	}
}
