// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// OneShotSession spawns a fresh provider CLI child for every request. No
// conversational state lives in the child, so restart and stuck semantics are
// mostly bookkeeping, but the ordering contract is the same as
// ProcessSession: one request at a time, in submission order.
type OneShotSession struct {
	cmd Command
	cfg Config

	onAuthFailure func(reason string)

	mu         sync.Mutex
	id         string
	model      string
	queue      []*request
	running    bool
	msgCount   int
	usage      Usage
	lastActive time.Time
	stopped    bool
}

// NewOneShotSession builds a stateless per-request session.
func NewOneShotSession(cmd Command, cfg Config, model string, onAuthFailure func(string)) *OneShotSession {
	cfg.defaults()
	cmd.PromptAsArg = true
	return &OneShotSession{
		cmd:           cmd,
		cfg:           cfg,
		model:         model,
		onAuthFailure: onAuthFailure,
		id:            uuid.NewString(),
		lastActive:    time.Now(),
	}
}

// Send runs the prompt through a fresh child and blocks until it completes.
func (s *OneShotSession) Send(ctx context.Context, message string, onChunk ChunkFunc) (Response, error) {
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
	s.queue = append(s.queue, req)
	if !s.running {
		s.running = true
		go s.worker()
	}
	s.mu.Unlock()

	select {
	case resp := <-req.done:
		return resp, nil
	case <-ctx.Done():
		s.mu.Lock()
		req.muted = true
		s.mu.Unlock()
		return Response{}, ctx.Err()
	}
}

// worker drains the queue one request at a time, preserving arrival order.
func (s *OneShotSession) worker() {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.stopped {
			s.running = false
			s.mu.Unlock()
			return
		}
		req := s.queue[0]
		s.queue = s.queue[1:]
		model := s.model
		s.mu.Unlock()

		resp := s.execute(req, model)

		s.mu.Lock()
		if resp.Success {
			s.msgCount++
			s.lastActive = time.Now()
		}
		if !req.resolved {
			req.resolved = true
			resp.SideChannelErrors = req.sideErrors
			req.done <- resp
		}
		s.mu.Unlock()
	}
}

// execute spawns one child for one request and parses its stream output.
func (s *OneShotSession) execute(req *request, model string) Response {
	req.started = time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RequestTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.cmd.Binary, s.cmd.Argv(model, req.prompt)...)
	cmd.Env = s.cmd.Environ()
	cmd.Dir = s.cmd.Dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("stdout pipe: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("start %s: %v", s.cmd.Binary, err)}
	}

	var (
		buf      []byte
		result   string
		isError  bool
		sawFinal bool
		usage    Usage
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), scannerBufferSize)
	for scanner.Scan() {
		msg := ParseLine(scanner.Text())
		switch msg.Kind {
		case KindText:
			if len(buf)+len(msg.Text) <= s.cfg.ResponseBufferLimit {
				buf = append(buf, msg.Text...)
			} else if !req.overflow {
				req.overflow = true
				req.sideErrors = append(req.sideErrors, "response buffer limit exceeded, output truncated")
			}
			if reason, failed := DetectAuthFailure(string(buf)); failed {
				s.mu.Lock()
				req.muted = true
				s.mu.Unlock()
				req.sideErrors = append(req.sideErrors, "auth failure detected: "+reason)
				if s.onAuthFailure != nil {
					s.onAuthFailure(reason)
				}
			}
			s.mu.Lock()
			muted := req.muted
			s.mu.Unlock()
			if !muted && req.onChunk != nil {
				req.onChunk(msg.Text)
			}
		case KindResult:
			sawFinal = true
			result = msg.Result
			isError = msg.IsError
			usage = msg.Usage
		}
	}

	waitErr := cmd.Wait()
	duration := time.Since(req.started).Milliseconds()

	if ctx.Err() == context.DeadlineExceeded {
		return Response{
			Success:    false,
			Error:      fmt.Sprintf("request timed out after %s", s.cfg.RequestTimeout),
			DurationMs: duration,
		}
	}
	if waitErr != nil && !sawFinal {
		return Response{
			Success:    false,
			Error:      fmt.Sprintf("provider exited: %v", waitErr),
			DurationMs: duration,
		}
	}

	text := result
	if text == "" {
		text = string(buf)
	}
	if !sawFinal && text == "" {
		return Response{Success: false, Error: "provider produced no output", DurationMs: duration}
	}

	s.mu.Lock()
	s.usage.InputTokens += usage.InputTokens
	s.usage.OutputTokens += usage.OutputTokens
	s.mu.Unlock()

	return Response{
		Success:    !isError,
		Text:       text,
		Error:      errorTextIf(isError, text),
		DurationMs: duration,
	}
}

// Restart resets conversational identity. There is no live child to replace.
func (s *OneShotSession) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.id = uuid.NewString()
	s.msgCount = 0
	s.usage = Usage{}
	s.lastActive = time.Now()
	log.WithField("session_id", s.id).Info("one-shot session reset")
	return nil
}

// Stop fails queued requests and refuses further work. In-flight children
// run to completion under their own timeout.
func (s *OneShotSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	for _, q := range s.queue {
		if !q.resolved {
			q.resolved = true
			q.done <- Response{Success: false, Error: "session stopped"}
		}
	}
	s.queue = nil
	return nil
}

func (s *OneShotSession) ForceKill() error { return s.Stop() }

// Alive is always true while not stopped: with no persistent child there is
// nothing to be dead.
func (s *OneShotSession) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopped
}

func (s *OneShotSession) Stuck() bool      { return false }
func (s *OneShotSession) Restarting() bool { return false }

func (s *OneShotSession) HasProcessedMessages() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgCount > 0
}

func (s *OneShotSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *OneShotSession) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *OneShotSession) SetModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	s.model = model
	return nil
}

func (s *OneShotSession) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		SessionID:    s.id,
		Model:        s.model,
		Alive:        !s.stopped,
		Processing:   s.running,
		QueueDepth:   len(s.queue),
		MessageCount: s.msgCount,
		LastActivity: s.lastActive,
		Usage:        s.usage,
	}
}
