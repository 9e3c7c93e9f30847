// Package backend is the HTTP client for the SaaS wire protocol in spec
// section 6: bearer-auth JSON over HTTP, following the teacher's
// pkg/client/client.go method-per-operation shape (one method per RPC, with
// the http.Client's Timeout as the per-request deadline) but over net/http
// instead of gRPC, since
// the backend here is a plain REST endpoint rather than a Warren manager.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Raekwon-OG/protekt/pkg/agenterr"
	"github.com/Raekwon-OG/protekt/pkg/types"
)

// Client talks to the configured SaaS base URL using the device's bearer
// API key. All methods take a context and translate transport failures and
// non-2xx statuses into the agenterr taxonomy so callers can apply the
// per-component policy from spec section 7 with errors.Is.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New builds a Client. timeout is the per-request deadline applied via the
// http.Client itself (callers may still pass a shorter context).
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// WithHTTPClient overrides the underlying *http.Client, mainly for tests.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// RegisterRequest is the body of POST /api/devices/register.
type RegisterRequest struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
	OrgID      string `json:"org_id"`
	APIKey     string `json:"api_key"`
}

// RegisterResponse is the body returned by a successful registration.
type RegisterResponse struct {
	DeviceID     string    `json:"device_id"`
	OrgID        string    `json:"org_id"`
	APIKey       string    `json:"api_key"`
	Status       string    `json:"status"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register performs POST /api/devices/register.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var out RegisterResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/devices/register", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Heartbeat performs POST /api/devices/heartbeat with a single sample.
func (c *Client) Heartbeat(ctx context.Context, sample *types.TelemetrySample) error {
	return c.doJSON(ctx, http.MethodPost, "/api/devices/heartbeat", sample, nil)
}

// TelemetryBatchRequest is the body of POST /api/devices/telemetry-batch.
type TelemetryBatchRequest struct {
	DeviceID       string                  `json:"device_id"`
	TelemetryBatch []*types.TelemetrySample `json:"telemetry_batch"`
	BatchSize      int                     `json:"batch_size"`
}

// TelemetryBatch performs POST /api/devices/telemetry-batch.
func (c *Client) TelemetryBatch(ctx context.Context, deviceID string, samples []*types.TelemetrySample) error {
	req := TelemetryBatchRequest{DeviceID: deviceID, TelemetryBatch: samples, BatchSize: len(samples)}
	return c.doJSON(ctx, http.MethodPost, "/api/devices/telemetry-batch", req, nil)
}

// SecurityEventsBatchRequest is the body of POST /api/devices/security-events-batch.
type SecurityEventsBatchRequest struct {
	DeviceID   string                 `json:"device_id"`
	EventsBatch []*types.SecurityEvent `json:"events_batch"`
	BatchSize  int                    `json:"batch_size"`
}

// SecurityEventsBatch performs POST /api/devices/security-events-batch.
func (c *Client) SecurityEventsBatch(ctx context.Context, deviceID string, events []*types.SecurityEvent) error {
	req := SecurityEventsBatchRequest{DeviceID: deviceID, EventsBatch: events, BatchSize: len(events)}
	return c.doJSON(ctx, http.MethodPost, "/api/devices/security-events-batch", req, nil)
}

// PendingCommand is one entry of GET /api/devices/{device_id}/commands.
type PendingCommand struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Parameters map[string]any `json:"parameters"`
}

type commandsResponse struct {
	Commands []PendingCommand `json:"commands"`
}

// PollCommands performs GET /api/devices/{device_id}/commands.
func (c *Client) PollCommands(ctx context.Context, deviceID string) ([]PendingCommand, error) {
	var out commandsResponse
	path := fmt.Sprintf("/api/devices/%s/commands", deviceID)
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// CommandResultRequest is the body of POST /api/devices/{device_id}/command-result.
type CommandResultRequest struct {
	CommandID   string         `json:"command_id"`
	Result      map[string]any `json:"result"`
	CompletedAt time.Time      `json:"completed_at"`
}

// PostCommandResult performs POST /api/devices/{device_id}/command-result.
func (c *Client) PostCommandResult(ctx context.Context, deviceID string, req CommandResultRequest) error {
	path := fmt.Sprintf("/api/devices/%s/command-result", deviceID)
	return c.doJSON(ctx, http.MethodPost, path, req, nil)
}

// Healthy performs GET /api/health, used only as a liveness probe by the
// sync worker. It returns false (not an error) on any non-2xx or transport
// failure, since callers only need a skip-tick signal.
func (c *Client) Healthy(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

type uploadURLResponse struct {
	UploadURL string `json:"upload_url"`
}

// RequestUploadURL performs POST /api/devices/{device_id}/backups/{backup_id}/upload-url
// to obtain the single-use signed PUT target for one backup artifact.
func (c *Client) RequestUploadURL(ctx context.Context, deviceID, backupID string) (string, error) {
	var out uploadURLResponse
	path := fmt.Sprintf("/api/devices/%s/backups/%s/upload-url", deviceID, backupID)
	if err := c.doJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return "", err
	}
	return out.UploadURL, nil
}

// UploadBackup performs PUT <signedURL> with the raw ciphertext body. The
// caller supplies a context with its own deadline (spec section 5 calls for
// a 300s backup-upload timeout, distinct from the general request timeout).
func (c *Client) UploadBackup(ctx context.Context, signedURL string, ciphertext io.Reader) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, signedURL, ciphertext)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}

// doJSON marshals body (if non-nil) as the request payload, sends it with
// bearer auth, and unmarshals the response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", agenterr.ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// classifyStatus maps an HTTP status code to the error taxonomy from spec
// section 7: 401/403 is AuthRejected (no retry this tick), 5xx and 408 are
// TransientNetwork (queue for offline delivery), anything else is surfaced
// as a plain validation-shaped error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", agenterr.ErrAuthRejected, status)
	case status == http.StatusRequestTimeout || status >= 500:
		return fmt.Errorf("%w: status %d", agenterr.ErrTransientNetwork, status)
	default:
		return fmt.Errorf("%w: status %d", agenterr.ErrValidationFailure, status)
	}
}
