// Package alert implements component H: a 60s scan for recent unresolved
// security events and noteworthy command outcomes, templated messages, and
// best-effort webhook/SMTP dispatch. SMTP delivery uses gopkg.in/mail.v2,
// the pack's established multipart-email library (seen in other retrieved
// manifests) in place of hand-rolling RFC 2045 multipart bodies over
// net/smtp.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	mail "gopkg.in/mail.v2"

	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

const (
	scanWindow            = 1 * time.Hour
	defaultCooldown        = 300 * time.Second
)

var relevantCommandTypes = map[string]bool{
	types.CommandTypeBackup:  true,
	types.CommandTypeRestore: true,
	types.CommandTypeScan:    true,
	types.CommandTypeIsolate: true,
}

// WebhookConfig configures webhook delivery.
type WebhookConfig struct {
	URL string
}

// SMTPConfig configures SMTP delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       string
}

// Config configures a Dispatcher.
type Config struct {
	DeviceID       string
	DeviceName     string
	Cooldown       time.Duration
	Webhook        *WebhookConfig
	SMTP           *SMTPConfig
	HTTPClient     *http.Client
}

// Dispatcher runs the component H scan/dispatch loop.
type Dispatcher struct {
	store store.Store
	log   zerolog.Logger
	cfg   Config

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// New builds a Dispatcher.
func New(st store.Store, log zerolog.Logger, cfg Config) *Dispatcher {
	if cfg.Cooldown == 0 {
		cfg.Cooldown = defaultCooldown
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Dispatcher{store: st, log: log, cfg: cfg, lastSent: map[string]time.Time{}}
}

// Run blocks, scanning every 60s until ctx is canceled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.tick(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	since := time.Now().Add(-scanWindow)

	events, err := d.store.SecurityEventsSince(since, true)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to scan security events for alerting")
		return
	}
	for _, event := range events {
		d.considerEvent(ctx, event)
	}

	records, err := d.store.CommandRecordsSince(since, relevantCommandTypeList())
	if err != nil {
		d.log.Error().Err(err).Msg("failed to scan command records for alerting")
		return
	}
	for _, rec := range records {
		if !relevantCommandTypes[rec.CommandType] {
			continue
		}
		d.considerCommand(ctx, rec)
	}
}

func relevantCommandTypeList() []string {
	out := make([]string, 0, len(relevantCommandTypes))
	for t := range relevantCommandTypes {
		out = append(out, t)
	}
	return out
}

func (d *Dispatcher) considerEvent(ctx context.Context, event *types.SecurityEvent) {
	key := fmt.Sprintf("%s_%s", event.EventType, event.Severity)
	if !d.allow(key) {
		return
	}

	message := renderEventTemplate(event, d.cfg.DeviceID, d.cfg.DeviceName)
	d.dispatch(ctx, message)

	if err := d.store.ResolveSecurityEvent(event.ID); err != nil {
		d.log.Error().Err(err).Int64("event_id", event.ID).Msg("failed to mark security event resolved after alert")
	}
}

func (d *Dispatcher) considerCommand(ctx context.Context, rec *types.CommandRecord) {
	key := fmt.Sprintf("command_%s_%s", rec.CommandType, rec.Status)
	if !d.allow(key) {
		return
	}

	message := renderCommandTemplate(rec, d.cfg.DeviceID, d.cfg.DeviceName)
	d.dispatch(ctx, message)
}

// allow applies the per-key cooldown and records the emission time if the
// alert is allowed through.
func (d *Dispatcher) allow(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastSent[key]; ok && time.Since(last) < d.cfg.Cooldown {
		return false
	}
	d.lastSent[key] = time.Now()
	return true
}

func renderEventTemplate(event *types.SecurityEvent, deviceID, deviceName string) string {
	fields := map[string]string{
		"device_id":   deviceID,
		"device_name": deviceName,
		"event_type":  event.EventType,
		"severity":    string(event.Severity),
		"description": event.Description,
		"file_path":   event.FilePath,
		"timestamp":   event.Timestamp.Format(time.RFC3339),
	}
	return renderTemplate("[{{severity}}] {{event_type}} on {{device_name}} ({{device_id}}): {{description}}", fields)
}

func renderCommandTemplate(rec *types.CommandRecord, deviceID, deviceName string) string {
	fields := map[string]string{
		"device_id":    deviceID,
		"device_name":  deviceName,
		"command_type": rec.CommandType,
		"status":       string(rec.Status),
		"timestamp":    rec.CreatedAt.Format(time.RFC3339),
	}
	return renderTemplate("command {{command_type}} on {{device_name}} ({{device_id}}) finished with status {{status}}", fields)
}

// renderTemplate substitutes {{key}} placeholders: a field with an empty
// value renders as "unknown", and a placeholder with no matching field is
// left in place (graceful degradation).
func renderTemplate(tmpl string, fields map[string]string) string {
	out := tmpl
	for key, val := range fields {
		placeholder := "{{" + key + "}}"
		if val == "" {
			val = "unknown"
		}
		out = strings.ReplaceAll(out, placeholder, val)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, message string) {
	sent := false

	if d.cfg.Webhook != nil && d.cfg.Webhook.URL != "" {
		if err := d.sendWebhook(ctx, message); err != nil {
			d.log.Warn().Err(err).Msg("alert webhook delivery failed")
		} else {
			sent = true
		}
	}

	if d.cfg.SMTP != nil && d.cfg.SMTP.Host != "" {
		if err := d.sendSMTP(message); err != nil {
			d.log.Warn().Err(err).Msg("alert SMTP delivery failed")
		} else {
			sent = true
		}
	}

	if !sent {
		d.log.Warn().Msg("alert had no reachable delivery channel")
		return
	}

	entry := &types.AuditEntry{
		Action:    "alert_sent",
		Resource:  "alert",
		Details:   map[string]any{"message": message},
		Timestamp: time.Now(),
		Category:  types.AuditCategoryAlert,
	}
	if err := d.store.AppendAuditEntry(entry); err != nil {
		d.log.Error().Err(err).Msg("failed to append alert_sent audit entry")
	}
}

func (d *Dispatcher) sendWebhook(ctx context.Context, message string) error {
	body, err := json.Marshal(map[string]any{"text": message, "timestamp": time.Now()})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Webhook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (d *Dispatcher) sendSMTP(message string) error {
	smtpCfg := d.cfg.SMTP

	m := mail.NewMessage()
	m.SetHeader("From", smtpCfg.From)
	m.SetHeader("To", smtpCfg.To)
	m.SetHeader("Subject", "Protekt Agent Alert")
	m.SetBody("text/plain", message)

	dialer := mail.NewDialer(smtpCfg.Host, smtpCfg.Port, smtpCfg.Username, smtpCfg.Password)
	return dialer.DialAndSend(m)
}
