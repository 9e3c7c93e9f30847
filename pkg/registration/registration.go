// Package registration implements the registration/heartbeat path: establishing
// this device's identity with the backend once, then feeding heartbeats.
// Grounded in the teacher's pkg/client connection-bootstrap shape, reworked
// from certificate issuance to the backend's bearer-credential registration
// call in spec section 4.9.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/Raekwon-OG/protekt/pkg/backend"
	"github.com/Raekwon-OG/protekt/pkg/store"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

// offlineFallback is the on-disk shape of offline_registration.json, read
// when the backend cannot be reached at startup.
type offlineFallback struct {
	OrgID  string `json:"org_id"`
	APIKey string `json:"api_key"`
	Status string `json:"status"`
}

// Registrar owns the single registration row and keeps it current.
type Registrar struct {
	store      store.Store
	client     *backend.Client
	log        zerolog.Logger
	dataDir    string
	deviceID   string
	deviceName string
	deviceType string
	orgID      string
	apiKey     string
}

// Config configures a Registrar.
type Config struct {
	DataDir    string
	DeviceID   string
	DeviceName string
	DeviceType string
	OrgID      string
	APIKey     string
}

// New builds a Registrar. client may be nil when no backend URL is
// configured, in which case EnsureRegistered goes straight to the offline
// fallback.
func New(st store.Store, client *backend.Client, log zerolog.Logger, cfg Config) *Registrar {
	deviceType := cfg.DeviceType
	if deviceType == "" {
		deviceType = "workstation"
	}
	return &Registrar{
		store:      st,
		client:     client,
		log:        log,
		dataDir:    cfg.DataDir,
		deviceID:   cfg.DeviceID,
		deviceName: cfg.DeviceName,
		deviceType: deviceType,
		orgID:      cfg.OrgID,
		apiKey:     cfg.APIKey,
	}
}

// EnsureRegistered runs the startup logic from spec section 4.9: if an
// active Registration row already exists, it is left untouched; otherwise
// an online registration is attempted, falling back to
// offline_registration.json or a synthesized offline row.
func (r *Registrar) EnsureRegistered(ctx context.Context) (*types.Registration, error) {
	if existing, ok, err := r.store.GetRegistration(); err != nil {
		return nil, fmt.Errorf("load registration: %w", err)
	} else if ok && existing.Status == types.RegistrationActive {
		return existing, nil
	}

	reg := r.registerOnline(ctx)
	if reg == nil {
		reg = r.fallback()
	}

	if err := r.store.SaveRegistration(reg); err != nil {
		return nil, fmt.Errorf("save registration: %w", err)
	}
	return reg, nil
}

func (r *Registrar) registerOnline(ctx context.Context) *types.Registration {
	if r.client == nil || r.apiKey == "" {
		return nil
	}

	resp, err := r.client.Register(ctx, backend.RegisterRequest{
		DeviceID:   r.deviceID,
		DeviceName: r.deviceName,
		DeviceType: r.deviceType,
		OrgID:      r.orgID,
		APIKey:     r.apiKey,
	})
	if err != nil {
		r.log.Warn().Err(err).Msg("registration request failed, falling back to offline identity")
		return nil
	}

	return &types.Registration{
		DeviceID:     resp.DeviceID,
		DeviceName:   r.deviceName,
		OrgID:        resp.OrgID,
		APIKey:       resp.APIKey,
		RegisteredAt: resp.RegisteredAt,
		Status:       types.RegistrationActive,
	}
}

// fallback reads offline_registration.json if present, else synthesizes a
// {org_id: "offline", status: "offline"} row. device_id is always the
// locally generated, stable identifier, never the fallback file's.
func (r *Registrar) fallback() *types.Registration {
	path := filepath.Join(r.dataDir, "offline_registration.json")
	if data, err := os.ReadFile(path); err == nil {
		var f offlineFallback
		if err := json.Unmarshal(data, &f); err == nil {
			return &types.Registration{
				DeviceID:     r.deviceID,
				DeviceName:   r.deviceName,
				OrgID:        f.OrgID,
				APIKey:       f.APIKey,
				RegisteredAt: time.Now(),
				Status:       types.RegistrationStatus(f.Status),
			}
		}
		r.log.Warn().Err(err).Str("path", path).Msg("offline_registration.json unreadable, synthesizing offline identity")
	}

	return &types.Registration{
		DeviceID:     r.deviceID,
		DeviceName:   r.deviceName,
		OrgID:        "offline",
		RegisteredAt: time.Now(),
		Status:       types.RegistrationOffline,
	}
}

// Heartbeat takes the caller's telemetry sample, synchronously POSTs it, and on any
// failure enqueues it for offline delivery instead. On success it updates
// the registration row's last_heartbeat.
func (r *Registrar) Heartbeat(ctx context.Context, sample *types.TelemetrySample) error {
	if r.client != nil {
		if err := r.client.Heartbeat(ctx, sample); err == nil {
			reg, ok, err := r.store.GetRegistration()
			if err == nil && ok {
				reg.LastHeartbeat = time.Now()
				_ = r.store.SaveRegistration(reg)
			}
			return nil
		} else {
			r.log.Warn().Err(err).Msg("heartbeat POST failed, queuing sample for offline delivery")
		}
	}

	payload := map[string]any{
		"device_id": r.deviceID,
		"sample":    sample,
	}
	_, err := r.store.Enqueue(types.QueueTelemetry, payload, types.PriorityTelemetry)
	return err
}
