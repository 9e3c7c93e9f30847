package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Raekwon-OG/protekt/pkg/agenterr"
	"github.com/Raekwon-OG/protekt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/register", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req RegisterRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "dev-1", req.DeviceID)

		json.NewEncoder(w).Encode(RegisterResponse{
			DeviceID: "dev-1",
			OrgID:    "org-1",
			APIKey:   "issued-key",
			Status:   "active",
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "test-key", 5*time.Second)
	resp, err := c.Register(context.Background(), RegisterRequest{DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, "org-1", resp.OrgID)
	assert.Equal(t, "active", resp.Status)
}

func TestRegisterAuthRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "bad-key", 5*time.Second)
	_, err := c.Register(context.Background(), RegisterRequest{DeviceID: "dev-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrAuthRejected)
}

func TestHeartbeatTransientNetworkOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second)
	err := c.Heartbeat(context.Background(), &types.TelemetrySample{})
	require.Error(t, err)
	assert.ErrorIs(t, err, agenterr.ErrTransientNetwork)
}

func TestPollCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/devices/dev-1/commands", r.URL.Path)
		json.NewEncoder(w).Encode(commandsResponse{
			Commands: []PendingCommand{{ID: "c1", Type: "get_status"}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second)
	cmds, err := c.PollCommands(context.Background(), "dev-1")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "c1", cmds[0].ID)
}

func TestHealthyFalseOnTransportError(t *testing.T) {
	c := New("http://127.0.0.1:1", "key", 200*time.Millisecond)
	assert.False(t, c.Healthy(context.Background()))
}

func TestHealthyTrueOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second)
	assert.True(t, c.Healthy(context.Background()))
}

func TestUploadBackup(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		received = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", 5*time.Second)
	err := c.UploadBackup(context.Background(), srv.URL+"/upload/abc", strings.NewReader("ciphertext-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "ciphertext-bytes", string(received))
}
