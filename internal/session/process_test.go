// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops a fake provider CLI into a temp dir and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "provider.sh")
	err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755)
	require.NoError(t, err)
	return path
}

func testConfig() Config {
	return Config{
		RequestTimeout:      5 * time.Second,
		StuckThreshold:      time.Minute,
		HealthCheckInterval: time.Minute,
		ResponseBufferLimit: 1 << 20,
	}
}

// echoScript replies to each stdin line with a numbered chunk and result,
// after a small delay so concurrent senders actually queue.
const echoScript = `echo "provider booting, credentials cached"
n=0
while IFS= read -r line; do
  n=$((n+1))
  sleep 0.15
  printf '{"type":"assistant","message":{"content":[{"type":"text","text":"chunk-%d"}]}}\n' "$n"
  printf '{"type":"result","result":"reply-%d","usage":{"input_tokens":3,"output_tokens":7}}\n' "$n"
done
`

func TestProcessSessionSendBasic(t *testing.T) {
	s := NewProcessSession(Command{Binary: writeScript(t, echoScript)}, testConfig(), "", nil)
	defer s.Stop()

	var chunks []string
	resp, err := s.Send(context.Background(), "hello", func(text string) {
		chunks = append(chunks, text)
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "reply-1", resp.Text)
	assert.Equal(t, []string{"chunk-1"}, chunks)
	assert.Greater(t, resp.DurationMs, int64(0))

	stats := s.Stats()
	assert.Equal(t, 1, stats.MessageCount)
	assert.Equal(t, 3, stats.Usage.InputTokens)
	assert.Equal(t, 7, stats.Usage.OutputTokens)
	assert.True(t, s.HasProcessedMessages())
}

func TestProcessSessionFIFOOrdering(t *testing.T) {
	s := NewProcessSession(Command{Binary: writeScript(t, echoScript)}, testConfig(), "", nil)
	defer s.Stop()

	const n = 5
	results := make([]Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Send(context.Background(), fmt.Sprintf("msg-%d", i), nil)
			require.NoError(t, err)
			results[i] = resp
		}(i)
		// Stagger so submission order is deterministic; the per-request
		// delay in the script keeps later sends queued.
		time.Sleep(30 * time.Millisecond)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.True(t, results[i].Success, "request %d", i)
		assert.Equal(t, fmt.Sprintf("reply-%d", i+1), results[i].Text,
			"request %d must be serviced in submission order", i)
	}
	assert.Equal(t, n, s.Stats().MessageCount)
}

func TestProcessSessionTimeoutReplacesProcess(t *testing.T) {
	mark := filepath.Join(t.TempDir(), "first-request-seen")
	t.Setenv("AIBRIDGE_TEST_MARK", mark)

	// First request hangs forever; after replacement the fresh process
	// sees the mark file and answers normally.
	script := writeScript(t, `while IFS= read -r line; do
  if [ ! -f "$AIBRIDGE_TEST_MARK" ]; then
    touch "$AIBRIDGE_TEST_MARK"
    sleep 60
  else
    printf '{"type":"result","result":"recovered"}\n'
  fi
done
`)

	cfg := testConfig()
	cfg.RequestTimeout = 300 * time.Millisecond
	s := NewProcessSession(Command{Binary: script}, cfg, "", nil)
	defer s.Stop()

	resp, err := s.Send(context.Background(), "hang", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "timed out")
	idAfterTimeout := s.ID()

	resp, err = s.Send(context.Background(), "again", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "recovered", resp.Text)
	assert.Equal(t, idAfterTimeout, s.ID(), "identity rotates at replacement, not per request")
}

func TestProcessSessionCrashDrainsQueue(t *testing.T) {
	script := writeScript(t, `IFS= read -r line
sleep 0.2
exit 3
`)
	s := NewProcessSession(Command{Binary: script}, testConfig(), "", nil)
	defer s.Stop()

	const n = 3
	results := make([]Response, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Send(context.Background(), "msg", nil)
			require.NoError(t, err)
			results[i] = resp
		}(i)
		time.Sleep(30 * time.Millisecond)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		assert.False(t, results[i].Success, "request %d", i)
		assert.Contains(t, results[i].Error, "exited unexpectedly", "request %d", i)
	}
}

func TestProcessSessionStuckDetection(t *testing.T) {
	script := writeScript(t, `while IFS= read -r line; do sleep 60; done
`)
	cfg := testConfig()
	cfg.StuckThreshold = 100 * time.Millisecond
	cfg.HealthCheckInterval = 50 * time.Millisecond
	s := NewProcessSession(Command{Binary: script}, cfg, "", nil)
	defer s.ForceKill()

	go s.Send(context.Background(), "hang", nil)

	assert.Eventually(t, s.Stuck, 2*time.Second, 25*time.Millisecond,
		"silence past the threshold must flag the session stuck")
	assert.False(t, s.Restarting())
}

func TestProcessSessionAuthFailureSuppressesChunks(t *testing.T) {
	script := writeScript(t, `IFS= read -r line
printf '{"type":"assistant","message":{"content":[{"type":"text","text":"Invalid API key. Please run /login"}]}}\n'
printf '{"type":"result","result":"Invalid API key. Please run /login","is_error":true}\n'
`)

	var authReason string
	s := NewProcessSession(Command{Binary: script}, testConfig(), "", func(reason string) {
		authReason = reason
	})
	defer s.Stop()

	var chunks []string
	resp, err := s.Send(context.Background(), "hello", func(text string) {
		chunks = append(chunks, text)
	})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Empty(t, chunks, "chunks after auth failure must be suppressed")
	assert.NotEmpty(t, authReason)
	assert.NotEmpty(t, resp.SideChannelErrors)
}

func TestProcessSessionRestartRotatesIdentity(t *testing.T) {
	s := NewProcessSession(Command{Binary: writeScript(t, echoScript)}, testConfig(), "sonnet", nil)
	defer s.Stop()

	_, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	require.True(t, s.HasProcessedMessages())
	before := s.ID()

	require.NoError(t, s.Restart(context.Background()))
	assert.NotEqual(t, before, s.ID())
	assert.False(t, s.HasProcessedMessages())
	assert.Equal(t, "sonnet", s.Model())

	// The fresh process starts its counter over.
	resp, err := s.Send(context.Background(), "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "reply-1", resp.Text)
}

func TestProcessSessionRestartDrainsQueue(t *testing.T) {
	s := NewProcessSession(Command{Binary: writeScript(t, echoScript)}, testConfig(), "", nil)
	defer s.Stop()

	// One request in flight, one queued behind it.
	results := make([]Response, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := s.Send(context.Background(), fmt.Sprintf("msg-%d", i), nil)
			require.NoError(t, err)
			results[i] = resp
		}(i)
		time.Sleep(40 * time.Millisecond)
	}

	require.NoError(t, s.Restart(context.Background()))
	wg.Wait()

	// The restart destroys the conversation both were promised: the queued
	// request must fail, not be serviced by the fresh process.
	for i := 0; i < 2; i++ {
		assert.False(t, results[i].Success, "request %d", i)
		assert.Contains(t, results[i].Error, "session restarted", "request %d", i)
	}

	resp, err := s.Send(context.Background(), "after", nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "reply-1", resp.Text, "fresh process starts its counter over")
}

func TestProcessSessionStopRejectsFurtherSends(t *testing.T) {
	s := NewProcessSession(Command{Binary: writeScript(t, echoScript)}, testConfig(), "", nil)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")

	_, err := s.Send(context.Background(), "hello", nil)
	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, s.Alive())
}

func TestCommandArgvAndEnviron(t *testing.T) {
	cmd := Command{
		Binary:    "claude",
		Args:      []string{"--output-format", "stream-json"},
		ModelFlag: "--model",
		StripEnv:  []string{"AIBRIDGE_TEST_STRIPPED"},
	}
	assert.Equal(t,
		[]string{"--output-format", "stream-json", "--model", "opus"},
		cmd.Argv("opus", ""))

	cmd.PromptAsArg = true
	assert.Equal(t,
		[]string{"--output-format", "stream-json", "hello"},
		cmd.Argv("", "hello"))

	cmd.ToolConfigFlag = "--mcp-config"
	assert.Equal(t,
		[]string{"--output-format", "stream-json", "hello"},
		cmd.Argv("", "hello"),
		"flag without a configured path emits nothing")
	cmd.ToolConfigPath = "/etc/aibridge/mcp.json"
	assert.Equal(t,
		[]string{"--output-format", "stream-json", "--mcp-config", "/etc/aibridge/mcp.json", "--model", "opus", "hello"},
		cmd.Argv("opus", "hello"))

	t.Setenv("AIBRIDGE_TEST_STRIPPED", "1")
	for _, kv := range cmd.Environ() {
		assert.NotContains(t, kv, "AIBRIDGE_TEST_STRIPPED=")
	}
}
