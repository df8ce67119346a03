// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/aibridge/internal/authgate"
	"github.com/relayforge/aibridge/internal/config"
	"github.com/relayforge/aibridge/internal/orchestrator"
	"github.com/relayforge/aibridge/internal/provider"
	"github.com/relayforge/aibridge/internal/session"
)

// stubSession always answers successfully.
type stubSession struct{ model string }

func (s *stubSession) Send(ctx context.Context, msg string, onChunk session.ChunkFunc) (session.Response, error) {
	return session.Response{Success: true, Text: "A complete answer."}, nil
}
func (s *stubSession) Restart(ctx context.Context) error { return nil }
func (s *stubSession) Stop() error                       { return nil }
func (s *stubSession) ForceKill() error                  { return nil }
func (s *stubSession) Alive() bool                       { return true }
func (s *stubSession) Stuck() bool                       { return false }
func (s *stubSession) Restarting() bool                  { return false }
func (s *stubSession) Stats() session.Stats              { return session.Stats{SessionID: "stub"} }
func (s *stubSession) SetModel(m string) error           { s.model = m; return nil }
func (s *stubSession) Model() string                     { return s.model }
func (s *stubSession) HasProcessedMessages() bool        { return true }
func (s *stubSession) ID() string                        { return "stub" }

func testServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	reg := provider.NewRegistry(provider.Builtins(), session.Config{}, 0, nil)
	reg.SetFactory(func(def provider.Definition, model string) session.Session {
		return &stubSession{model: model}
	})
	_, err := reg.Activate("claude-cli", "")
	require.NoError(t, err)

	gate := authgate.New(nil, 0, 0, nil, nil)
	gw := orchestrator.New(cfg, reg, gate)
	return New(cfg, gw, nil)
}

func doRequest(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["session_alive"])
	assert.Equal(t, "closed", body["breaker"])
}

func TestStatsEndpoint(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, w.Code)

	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "claude-cli", stats.Provider)
}

func TestRecoveryEndpointWithoutWatchdog(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodGet, "/v1/recovery", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "actions")
}

func TestRestartEndpoint(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodPost, "/v1/session/restart", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "session_id")
}

func TestBreakerResetEndpoint(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodPost, "/v1/breaker/reset", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "closed")
}

func TestProviderSwitchEndpoint(t *testing.T) {
	s := testServer(t)

	w := doRequest(s, http.MethodPost, "/v1/provider", `{"provider":"codex-cli"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "codex-cli")

	w = doRequest(s, http.MethodPost, "/v1/provider", `{"provider":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(s, http.MethodPost, "/v1/provider", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "provider field is required")
}

func TestSetModelEndpoint(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodPost, "/v1/model", `{"model":"opus"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "opus", s.gateway.GetCurrentModel())
}

func TestRunEndpoint(t *testing.T) {
	s := testServer(t)
	w := doRequest(s, http.MethodPost, "/v1/run", `{"message":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var result orchestrator.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "A complete answer.", result.Response)

	w = doRequest(s, http.MethodPost, "/v1/run", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "message field is required")
}
