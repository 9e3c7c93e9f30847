// Package config loads the agent's process-wide configuration: compiled
// defaults, then an optional YAML file (gopkg.in/yaml.v3, following the
// teacher's use of yaml.v3 for manifests in cmd/warren/apply.go), then
// environment variable overrides. Load is the only entry point;
// nothing else reads a config file.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// AgentSection holds agent.* keys.
type AgentSection struct {
	DataDir   string `yaml:"data_dir"`
	BackupDir string `yaml:"backup_dir"`
	LogLevel  string `yaml:"log_level"`
	LogJSON   bool   `yaml:"log_json"`
	Name      string `yaml:"name"`
}

// SecuritySection holds security.* keys.
type SecuritySection struct {
	QuarantineDir         string   `yaml:"quarantine_dir"`
	SuspiciousExtensions  []string `yaml:"suspicious_extensions"`
	MaxFileSize           int64    `yaml:"max_file_size"`
}

// MonitoringSection holds monitoring.* keys.
type MonitoringSection struct {
	CPUThreshold    float64  `yaml:"cpu_threshold"`
	MemoryThreshold float64  `yaml:"memory_threshold"`
	DiskThreshold   float64  `yaml:"disk_threshold"`
	FileWatchPaths  []string `yaml:"file_watch_paths"`
	ExcludePaths    []string `yaml:"exclude_paths"`
}

// SaaSSection holds saas.* keys: the backend connection.
type SaaSSection struct {
	BaseURL             string `yaml:"base_url"`
	APIKey              string `yaml:"api_key"`
	OrgID               string `yaml:"org_id"`
	HeartbeatInterval   int    `yaml:"heartbeat_interval"`
	CommandPollInterval int    `yaml:"command_poll_interval"`
	SyncInterval        int    `yaml:"sync_interval"`
	MaxRetries          int    `yaml:"max_retries"`
	Timeout             int    `yaml:"timeout"`
}

// BackupSection holds backup.* keys.
type BackupSection struct {
	Enabled          bool   `yaml:"enabled"`
	CompressionLevel int    `yaml:"compression_level"`
	MaxBackupSize    int64  `yaml:"max_backup_size"`
	RetentionDays    int    `yaml:"retention_days"`
	EncryptionKey    string `yaml:"encryption_key"`
}

// AlertsSection holds alerts.* keys.
type AlertsSection struct {
	Enabled         bool   `yaml:"enabled"`
	AlertCooldown   int    `yaml:"alert_cooldown"`
	WhatsAppWebhook string `yaml:"whatsapp_webhook"`
	EmailSMTPHost   string `yaml:"email_smtp_host"`
	EmailSMTPPort   int    `yaml:"email_smtp_port"`
	EmailUsername   string `yaml:"email_username"`
	EmailPassword   string `yaml:"email_password"`
	EmailFrom       string `yaml:"email_from"`
	EmailTo         string `yaml:"email_to"`
}

// Config is the full process-wide configuration, loaded once at startup and
// threaded explicitly into every subsystem constructor.
type Config struct {
	Agent      AgentSection      `yaml:"agent"`
	Security   SecuritySection   `yaml:"security"`
	Monitoring MonitoringSection `yaml:"monitoring"`
	SaaS       SaaSSection       `yaml:"saas"`
	Backup     BackupSection     `yaml:"backup"`
	Alerts     AlertsSection     `yaml:"alerts"`

	// DeviceID is lazily generated on first load and persisted to the
	// config file, mirroring the source's secrets.token_hex(16) behavior.
	DeviceID string `yaml:"device_id"`

	mu   sync.Mutex
	path string
}

// Defaults returns a Config populated with the compiled defaults from
// spec section 6.
func Defaults() *Config {
	return &Config{
		Agent: AgentSection{
			DataDir:   "./data",
			BackupDir: "./backups",
			LogLevel:  "INFO",
			Name:      "ProtektAgent",
		},
		Security: SecuritySection{
			QuarantineDir:        "./quarantine",
			SuspiciousExtensions: []string{".exe", ".bat", ".cmd", ".scr", ".pif", ".com", ".vbs", ".js"},
			MaxFileSize:          100 * 1024 * 1024,
		},
		Monitoring: MonitoringSection{
			CPUThreshold:    80,
			MemoryThreshold: 85,
			DiskThreshold:   90,
		},
		SaaS: SaaSSection{
			HeartbeatInterval:   300,
			CommandPollInterval: 60,
			SyncInterval:        300,
			MaxRetries:          3,
			Timeout:             30,
		},
		Backup: BackupSection{
			Enabled:          true,
			CompressionLevel: 6,
			MaxBackupSize:    1024 * 1024 * 1024,
			RetentionDays:    30,
		},
		Alerts: AlertsSection{
			Enabled:       true,
			AlertCooldown: 300,
		},
	}
}

// Load builds a Config from compiled defaults, an optional YAML file at
// path (skipped silently if it does not exist), then environment variable
// overrides of the form PROTEKT_<SECTION>_<KEY>. It lazily generates and
// persists DeviceID and Backup.EncryptionKey on first use, matching the
// source's core/config.py behavior.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	cfg.path = path

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	changed := false
	if cfg.DeviceID == "" {
		id, err := randomHex(16)
		if err != nil {
			return nil, fmt.Errorf("generate device id: %w", err)
		}
		cfg.DeviceID = id
		changed = true
	}
	if cfg.Backup.EncryptionKey == "" {
		key, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
		cfg.Backup.EncryptionKey = key
		changed = true
	}

	if err := cfg.ensureDataDirectories(); err != nil {
		return nil, err
	}

	if changed {
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("persist generated config values: %w", err)
		}
	}

	return cfg, nil
}

// Save writes the current config back to its source path.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(c.path, data, 0o600)
}

func (c *Config) ensureDataDirectories() error {
	for _, dir := range []string{c.Agent.DataDir, c.Agent.BackupDir, c.Security.QuarantineDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// applyEnvOverrides mutates cfg in place from PROTEKT_<SECTION>_<KEY>
// environment variables, e.g. PROTEKT_SAAS_BASE_URL.
func applyEnvOverrides(cfg *Config) {
	getenv := func(section, key string) (string, bool) {
		name := "PROTEKT_" + strings.ToUpper(section) + "_" + strings.ToUpper(key)
		v, ok := os.LookupEnv(name)
		return v, ok
	}

	if v, ok := getenv("agent", "data_dir"); ok {
		cfg.Agent.DataDir = v
	}
	if v, ok := getenv("agent", "backup_dir"); ok {
		cfg.Agent.BackupDir = v
	}
	if v, ok := getenv("agent", "log_level"); ok {
		cfg.Agent.LogLevel = v
	}
	if v, ok := getenv("agent", "name"); ok {
		cfg.Agent.Name = v
	}
	if v, ok := getenv("saas", "base_url"); ok {
		cfg.SaaS.BaseURL = v
	}
	if v, ok := getenv("saas", "api_key"); ok {
		cfg.SaaS.APIKey = v
	}
	if v, ok := getenv("saas", "org_id"); ok {
		cfg.SaaS.OrgID = v
	}
	if v, ok := getenv("saas", "heartbeat_interval"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SaaS.HeartbeatInterval = n
		}
	}
	if v, ok := getenv("alerts", "whatsapp_webhook"); ok {
		cfg.Alerts.WhatsAppWebhook = v
	}
	if v, ok := getenv("backup", "encryption_key"); ok {
		cfg.Backup.EncryptionKey = v
	}
}
