// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package session manages the lifecycle of a provider CLI subprocess and
// serializes requests against it. Two implementations exist: ProcessSession
// keeps one long-lived child and streams requests over stdin, OneShotSession
// spawns a fresh child per request. Both honor the same ordering contract:
// requests complete in submission order, never concurrently.
package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"
)

// ErrStopped is returned by Send after Stop has been called.
var ErrStopped = errors.New("session: stopped")

// ChunkFunc receives incremental assistant text as it streams in. It is
// called from the session's reader goroutine; implementations should return
// quickly.
type ChunkFunc func(text string)

// Response is the outcome of a single Send. A failed request still yields a
// Response rather than an error: errors from Send itself mean the session
// could not accept the request at all.
type Response struct {
	Success    bool
	Text       string
	Error      string
	DurationMs int64

	// SideChannelErrors carries diagnostics observed while the request was
	// in flight (auth failure phrases, truncated reads) that did not by
	// themselves decide the outcome.
	SideChannelErrors []string
}

// Stats is a point-in-time snapshot of session state.
type Stats struct {
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	Alive        bool      `json:"alive"`
	Stuck        bool      `json:"stuck"`
	Restarting   bool      `json:"restarting"`
	Processing   bool      `json:"processing"`
	QueueDepth   int       `json:"queue_depth"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
	Usage        Usage     `json:"usage"`
}

// Session is the capability surface the orchestrator programs against.
type Session interface {
	// Send submits a message and blocks until it resolves. Resolution is
	// guaranteed: success, failure, or timeout, never a hang.
	Send(ctx context.Context, message string, onChunk ChunkFunc) (Response, error)

	// Restart resets conversational identity. For persistent sessions the
	// child is torn down and the in-flight request plus anything queued
	// behind it fail; the next Send observes a fresh child.
	Restart(ctx context.Context) error

	// Stop terminates gracefully and fails any queued requests. The session
	// accepts no further work.
	Stop() error

	// ForceKill terminates immediately without the graceful window.
	ForceKill() error

	Alive() bool
	Stuck() bool
	Restarting() bool
	Stats() Stats

	// SetModel changes the model for subsequent requests. Takes effect on
	// the next process start.
	SetModel(model string) error
	Model() string

	HasProcessedMessages() bool
	ID() string
}

// Command describes how to spawn a provider CLI. Built by the provider
// registry from a provider definition.
type Command struct {
	Binary    string
	Args      []string
	ModelFlag string

	// PromptAsArg appends the prompt as the final argument instead of
	// writing it to stdin. Set for one-shot providers.
	PromptAsArg bool

	// ToolConfigFlag and ToolConfigPath pass an auxiliary tool-configuration
	// file (an MCP server manifest, say) to the child. Emitted only when
	// both are set: the flag comes from the provider definition, the path
	// from deployment config.
	ToolConfigFlag string
	ToolConfigPath string

	// StripEnv names environment variables removed from the child, used to
	// break recursion when the gateway itself runs under a provider CLI.
	StripEnv []string

	Dir string
}

// Argv builds the full argument list for a given model and optional inline
// prompt.
func (c Command) Argv(model, prompt string) []string {
	argv := append([]string(nil), c.Args...)
	if c.ToolConfigFlag != "" && c.ToolConfigPath != "" {
		argv = append(argv, c.ToolConfigFlag, c.ToolConfigPath)
	}
	if model != "" && c.ModelFlag != "" {
		argv = append(argv, c.ModelFlag, model)
	}
	if c.PromptAsArg && prompt != "" {
		argv = append(argv, prompt)
	}
	return argv
}

// Environ is the child environment: the parent's, minus StripEnv.
func (c Command) Environ() []string {
	if len(c.StripEnv) == 0 {
		return os.Environ()
	}
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		skip := false
		for _, strip := range c.StripEnv {
			if name == strip {
				skip = true
				break
			}
		}
		if !skip {
			env = append(env, kv)
		}
	}
	return env
}

// Config carries the spawn and timing knobs shared by both session kinds.
type Config struct {
	// RequestTimeout bounds a single request end to end. On expiry the
	// request resolves as a timeout failure and the child is replaced.
	RequestTimeout time.Duration

	// StuckThreshold is how long a processing session may go without stdout
	// before being flagged stuck.
	StuckThreshold time.Duration

	// HealthCheckInterval is the stuck-detection ticker period.
	HealthCheckInterval time.Duration

	// ResponseBufferLimit caps accumulated response text per request.
	// Overflow is discarded and recorded as a side-channel error.
	ResponseBufferLimit int

	// ToolConfigPath, when set, is handed to providers that declare a
	// tool-config flag.
	ToolConfigPath string
}

func (c *Config) defaults() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Minute
	}
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = 2 * time.Minute
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.ResponseBufferLimit <= 0 {
		c.ResponseBufferLimit = 1 << 20
	}
}
