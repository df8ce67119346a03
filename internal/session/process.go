// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// scannerBufferSize must cover the longest single NDJSON line the CLI emits.
const scannerBufferSize = 10 * 1024 * 1024

// gracefulStopWindow is how long Stop waits after SIGTERM before SIGKILL.
const gracefulStopWindow = 3 * time.Second

// request is one queued Send awaiting its turn on the child process.
type request struct {
	id         string
	prompt     string
	onChunk    ChunkFunc
	done       chan Response
	buf        []byte
	overflow   bool
	resolved   bool
	muted      bool
	sideErrors []string
	enqueued   time.Time
	started    time.Time
	timer      *time.Timer
}

// ProcessSession runs a single long-lived provider CLI child and feeds it
// requests one at a time over stdin, in strict submission order. The child is
// started lazily on the first Send and replaced after any timeout, crash, or
// restart; it is never reused once killed.
type ProcessSession struct {
	cmd Command
	cfg Config

	// onAuthFailure fires once per request when the stream looks like an
	// authentication failure. May be nil.
	onAuthFailure func(reason string)

	mu         sync.Mutex
	id         string
	model      string
	proc       *exec.Cmd
	stdin      io.WriteCloser
	gen        int // process generation; stale goroutines check this and bail
	queue      []*request
	current    *request
	msgCount   int
	usage      Usage
	lastOut    time.Time
	lastActive time.Time
	stuck      bool
	restarting bool
	stopped    bool
	stopping   bool // graceful teardown in progress; exit is expected

	healthStop chan struct{}
	healthOnce sync.Once
}

// NewProcessSession builds a persistent session. The child process is not
// started until the first Send.
func NewProcessSession(cmd Command, cfg Config, model string, onAuthFailure func(string)) *ProcessSession {
	cfg.defaults()
	s := &ProcessSession{
		cmd:           cmd,
		cfg:           cfg,
		model:         model,
		onAuthFailure: onAuthFailure,
		id:            uuid.NewString(),
		lastActive:    time.Now(),
		healthStop:    make(chan struct{}),
	}
	go s.healthLoop()
	return s
}

// Send enqueues the message and blocks until it resolves. Requests are
// serviced strictly in arrival order; at most one is in flight.
func (s *ProcessSession) Send(ctx context.Context, message string, onChunk ChunkFunc) (Response, error) {
	req := &request{
		id:       uuid.NewString(),
		prompt:   message,
		onChunk:  onChunk,
		done:     make(chan Response, 1),
		enqueued: time.Now(),
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Response{}, ErrStopped
	}
	if s.current != nil || s.restarting {
		s.queue = append(s.queue, req)
		log.WithFields(log.Fields{"request_id": req.id, "queue_depth": len(s.queue)}).Debug("request queued")
		s.mu.Unlock()
	} else {
		err := s.dispatchLocked(req)
		s.mu.Unlock()
		if err != nil {
			return Response{}, err
		}
	}

	select {
	case resp := <-req.done:
		return resp, nil
	case <-ctx.Done():
		// The request keeps running to completion in the background so the
		// child's reply stream stays in lockstep with the queue; the caller
		// just stops observing it.
		s.mu.Lock()
		req.muted = true
		s.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// dispatchLocked makes req the in-flight request, starting the child first if
// needed. Caller holds s.mu.
func (s *ProcessSession) dispatchLocked(req *request) error {
	if s.proc == nil {
		if err := s.startLocked(); err != nil {
			return err
		}
	}

	s.current = req
	req.started = time.Now()
	s.lastActive = req.started
	s.lastOut = req.started
	s.stuck = false

	line, err := json.Marshal(map[string]any{"type": "user", "message": req.prompt})
	if err != nil {
		s.resolveLocked(req, Response{Success: false, Error: fmt.Sprintf("encode request: %v", err)})
		s.serviceNextLocked()
		return nil
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		s.resolveLocked(req, Response{Success: false, Error: fmt.Sprintf("write to provider: %v", err)})
		s.replaceProcessLocked()
		s.serviceNextLocked()
		return nil
	}

	gen := s.gen
	req.timer = time.AfterFunc(s.cfg.RequestTimeout, func() { s.timeoutRequest(req, gen) })
	return nil
}

// startLocked spawns a fresh child and wires its stdout reader and exit
// watcher. Caller holds s.mu.
func (s *ProcessSession) startLocked() error {
	argv := s.cmd.Argv(s.model, "")
	cmd := exec.Command(s.cmd.Binary, argv...)
	cmd.Env = s.cmd.Environ()
	cmd.Dir = s.cmd.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cmd.Binary, err)
	}

	s.gen++
	s.proc = cmd
	s.stdin = stdin
	s.stopping = false
	gen := s.gen

	log.WithFields(log.Fields{
		"session_id": s.id,
		"binary":     s.cmd.Binary,
		"pid":        cmd.Process.Pid,
	}).Info("provider process started")

	go s.readLoop(gen, stdout)
	go func() {
		err := cmd.Wait()
		s.handleExit(gen, err)
	}()
	return nil
}

// readLoop consumes the child's stdout line by line until EOF.
func (s *ProcessSession) readLoop(gen int, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		s.handleLine(gen, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.WithError(err).WithField("session_id", s.id).Debug("stdout scan ended")
	}
}

func (s *ProcessSession) handleLine(gen int, line string) {
	msg := ParseLine(line)
	if msg.Kind == KindNoise {
		return
	}

	var deliver ChunkFunc
	var chunk string
	var authReason string

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastOut = time.Now()
	if s.stuck {
		s.stuck = false
		log.WithField("session_id", s.id).Info("session resumed output, clearing stuck flag")
	}

	switch msg.Kind {
	case KindUnknown:
		log.WithField("line", truncateForLog(line)).Debug("unrecognized provider message")

	case KindText:
		req := s.current
		if req == nil || req.resolved {
			break
		}
		if len(req.buf)+len(msg.Text) > s.cfg.ResponseBufferLimit {
			if !req.overflow {
				req.overflow = true
				req.sideErrors = append(req.sideErrors, "response buffer limit exceeded, output truncated")
				log.WithField("request_id", req.id).Warn("response buffer limit reached")
			}
		} else {
			req.buf = append(req.buf, msg.Text...)
		}
		if reason, failed := DetectAuthFailure(string(req.buf)); failed {
			req.muted = true
			req.sideErrors = append(req.sideErrors, "auth failure detected: "+reason)
			authReason = reason
		}
		if !req.muted && req.onChunk != nil {
			deliver, chunk = req.onChunk, msg.Text
		}

	case KindResult:
		req := s.current
		if req == nil || req.resolved {
			log.Debug("terminal message with no request in flight, ignoring")
			break
		}
		text := msg.Result
		if text == "" {
			text = string(req.buf)
		}
		s.msgCount++
		s.usage.InputTokens += msg.Usage.InputTokens
		s.usage.OutputTokens += msg.Usage.OutputTokens
		s.lastActive = time.Now()
		s.resolveLocked(req, Response{
			Success:    !msg.IsError,
			Text:       text,
			Error:      errorTextIf(msg.IsError, text),
			DurationMs: time.Since(req.started).Milliseconds(),
		})
		s.serviceNextLocked()
	}
	s.mu.Unlock()

	if authReason != "" && s.onAuthFailure != nil {
		s.onAuthFailure(authReason)
	}
	if deliver != nil {
		deliver(chunk)
	}
}

func errorTextIf(isErr bool, text string) string {
	if isErr {
		return text
	}
	return ""
}

func truncateForLog(line string) string {
	if len(line) > 120 {
		return line[:120] + "..."
	}
	return line
}

// resolveLocked completes req exactly once. Caller holds s.mu.
func (s *ProcessSession) resolveLocked(req *request, resp Response) {
	if req.resolved {
		return
	}
	req.resolved = true
	if req.timer != nil {
		req.timer.Stop()
	}
	resp.SideChannelErrors = req.sideErrors
	if resp.DurationMs == 0 && !req.started.IsZero() {
		resp.DurationMs = time.Since(req.started).Milliseconds()
	}
	req.done <- resp
	if s.current == req {
		s.current = nil
	}
}

// serviceNextLocked dispatches the head of the queue, if any. Caller holds
// s.mu.
func (s *ProcessSession) serviceNextLocked() {
	for len(s.queue) > 0 && s.current == nil && !s.stopped {
		next := s.queue[0]
		s.queue = s.queue[1:]
		if err := s.dispatchLocked(next); err != nil {
			s.resolveLocked(next, Response{Success: false, Error: fmt.Sprintf("start provider: %v", err)})
		}
	}
}

// timeoutRequest fires when a request exceeds RequestTimeout. The request
// resolves as a timeout failure and the child is killed: a process that
// swallowed a request cannot be trusted with the next one.
func (s *ProcessSession) timeoutRequest(req *request, gen int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || req.resolved || s.current != req {
		return
	}
	log.WithFields(log.Fields{
		"session_id": s.id,
		"request_id": req.id,
		"timeout":    s.cfg.RequestTimeout,
	}).Warn("request timed out, replacing provider process")

	req.muted = true
	s.resolveLocked(req, Response{
		Success:    false,
		Error:      fmt.Sprintf("request timed out after %s", s.cfg.RequestTimeout),
		DurationMs: time.Since(req.started).Milliseconds(),
	})
	s.replaceProcessLocked()
	s.serviceNextLocked()
}

// replaceProcessLocked kills the current child and resets identity so the
// next dispatch starts fresh. Caller holds s.mu.
func (s *ProcessSession) replaceProcessLocked() {
	s.killLocked(syscall.SIGKILL)
	s.proc = nil
	s.stdin = nil
	s.gen++ // orphan any reader/exit goroutines still draining
	s.id = uuid.NewString()
	s.stuck = false
}

// killLocked signals the current child if one exists. Caller holds s.mu.
func (s *ProcessSession) killLocked(sig syscall.Signal) {
	if s.proc != nil && s.proc.Process != nil {
		_ = s.proc.Process.Signal(sig)
	}
}

// handleExit runs when the child's Wait returns. An exit during graceful
// teardown is expected; anything else is a crash that fails the in-flight
// request and drains the queue, since queued callers were promised this
// conversation and it no longer exists.
func (s *ProcessSession) handleExit(gen int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.stopping {
		s.proc = nil
		s.stdin = nil
		return
	}

	log.WithFields(log.Fields{"session_id": s.id, "error": err}).Error("provider process exited unexpectedly")

	failure := Response{Success: false, Error: fmt.Sprintf("provider process exited unexpectedly: %v", err)}
	if s.current != nil {
		s.resolveLocked(s.current, failure)
	}
	for _, q := range s.queue {
		s.resolveLocked(q, failure)
	}
	s.queue = nil
	s.proc = nil
	s.stdin = nil
	s.gen++
	s.id = uuid.NewString()
	s.stuck = false
}

// healthLoop flags the session stuck when it is mid-request but the child has
// gone silent past StuckThreshold. Detection only; recovery is the
// orchestrator's call.
func (s *ProcessSession) healthLoop() {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.healthStop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.current != nil && !s.stuck && time.Since(s.lastOut) > s.cfg.StuckThreshold {
				s.stuck = true
				log.WithFields(log.Fields{
					"session_id": s.id,
					"silent_for": time.Since(s.lastOut).Round(time.Second),
				}).Warn("session appears stuck")
			}
			s.mu.Unlock()
		}
	}
}

// Restart tears down the current child and resets conversational identity.
// The in-flight request and everything queued behind it resolve as failures:
// those callers were promised this conversation and it no longer exists.
// Sends arriving mid-restart queue for the fresh child instead.
func (s *ProcessSession) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	s.restarting = true
	failure := Response{Success: false, Error: "session restarted"}
	if s.current != nil {
		s.resolveLocked(s.current, failure)
	}
	for _, q := range s.queue {
		s.resolveLocked(q, failure)
	}
	s.queue = nil
	s.stopping = true
	s.killLocked(syscall.SIGTERM)
	proc := s.proc
	s.mu.Unlock()

	if proc != nil {
		waitProcessGone(ctx, proc, gracefulStopWindow)
	}

	s.mu.Lock()
	s.proc = nil
	s.stdin = nil
	s.gen++
	s.id = uuid.NewString()
	s.msgCount = 0
	s.usage = Usage{}
	s.stuck = false
	s.restarting = false
	s.lastActive = time.Now()
	log.WithField("session_id", s.id).Info("session restarted")
	s.serviceNextLocked()
	s.mu.Unlock()
	return nil
}

// waitProcessGone blocks until the process exits, escalating to SIGKILL after
// the graceful window.
func waitProcessGone(ctx context.Context, proc *exec.Cmd, grace time.Duration) {
	deadline := time.After(grace)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = proc.Process.Kill()
			return
		case <-deadline:
			_ = proc.Process.Kill()
			return
		case <-tick.C:
			// Signal 0 probes liveness without side effects.
			if proc.Process == nil || proc.Process.Signal(syscall.Signal(0)) != nil {
				return
			}
		}
	}
}

// Stop terminates the session permanently. Queued requests fail immediately.
func (s *ProcessSession) Stop() error {
	return s.shutdown(syscall.SIGTERM)
}

// ForceKill terminates immediately, skipping the graceful window.
func (s *ProcessSession) ForceKill() error {
	return s.shutdown(syscall.SIGKILL)
}

func (s *ProcessSession) shutdown(sig syscall.Signal) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.stopping = true
	failure := Response{Success: false, Error: "session stopped"}
	if s.current != nil {
		s.resolveLocked(s.current, failure)
	}
	for _, q := range s.queue {
		s.resolveLocked(q, failure)
	}
	s.queue = nil
	s.killLocked(sig)
	proc := s.proc
	s.proc = nil
	s.stdin = nil
	s.gen++
	s.mu.Unlock()

	s.healthOnce.Do(func() { close(s.healthStop) })

	if proc != nil && sig != syscall.SIGKILL {
		waitProcessGone(context.Background(), proc, gracefulStopWindow)
	}
	return nil
}

func (s *ProcessSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped && s.proc != nil
}

func (s *ProcessSession) Stuck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stuck
}

func (s *ProcessSession) Restarting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarting
}

func (s *ProcessSession) HasProcessedMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgCount > 0
}

func (s *ProcessSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *ProcessSession) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// SetModel changes the model for subsequent process starts. The running child
// keeps its model; callers wanting an immediate switch restart afterwards.
func (s *ProcessSession) SetModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.model = model
	return nil
}

func (s *ProcessSession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:    s.id,
		Model:        s.model,
		Alive:        !s.stopped && s.proc != nil,
		Stuck:        s.stuck,
		Restarting:   s.restarting,
		Processing:   s.current != nil,
		QueueDepth:   len(s.queue),
		MessageCount: s.msgCount,
		LastActivity: s.lastActive,
		Usage:        s.usage,
	}
}
