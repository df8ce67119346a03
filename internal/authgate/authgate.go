// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package authgate tracks whether the active provider CLI is authenticated
// and fails requests fast while it is not. Burning retry budget on requests
// that cannot succeed until a human runs the login flow helps nobody.
package authgate

import (
	"context"
	"os/exec"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayforge/aibridge/internal/session"
)

// Checker probes provider authentication. A nil error means authenticated.
type Checker func(ctx context.Context) error

// CommandChecker builds a Checker that runs the provider's auth-status
// subcommand, with the session's env filtering applied. Exit status is the
// whole signal; output is discarded.
func CommandChecker(binary string, args []string, stripEnv []string) Checker {
	spec := session.Command{Binary: binary, StripEnv: stripEnv}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Env = spec.Environ()
		cmd.Stdout = nil
		cmd.Stderr = nil
		return cmd.Run()
	}
}

// Status is a snapshot of the gate's state.
type Status struct {
	Degraded  bool      `json:"degraded"`
	Reason    string    `json:"reason,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Gate is the degraded-mode latch. Transitions are edge-triggered: entering
// and leaving degraded mode each fire their callback exactly once no matter
// how many checks or failure reports confirm the same state.
type Gate struct {
	check    Checker
	interval time.Duration
	timeout  time.Duration

	onDegraded func(reason string)
	onRestored func()

	mu        sync.Mutex
	degraded  bool
	reason    string
	since     time.Time
	lastCheck time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New builds a gate. Callbacks may be nil. interval <= 0 disables the
// periodic loop; the gate then moves only on ReportFailure and CheckNow.
func New(check Checker, interval, timeout time.Duration, onDegraded func(string), onRestored func()) *Gate {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Gate{
		check:      check,
		interval:   interval,
		timeout:    timeout,
		onDegraded: onDegraded,
		onRestored: onRestored,
		stop:       make(chan struct{}),
	}
}

// Start launches the periodic check loop.
func (g *Gate) Start() {
	if g.interval <= 0 || g.check == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.C:
				g.CheckNow(context.Background())
			}
		}
	}()
}

// Stop halts the periodic loop.
func (g *Gate) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Allowed reports whether requests should be admitted.
func (g *Gate) Allowed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.degraded
}

// Current returns the gate's snapshot.
func (g *Gate) Current() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{Degraded: g.degraded, Reason: g.reason, Since: g.since, LastCheck: g.lastCheck}
}

// ReportFailure moves the gate to degraded based on in-band evidence, such as
// an auth-failure phrase spotted in a response stream. Idempotent.
func (g *Gate) ReportFailure(reason string) {
	g.transition(true, reason)
}

// CheckNow runs one authentication probe and applies the result.
func (g *Gate) CheckNow(ctx context.Context) error {
	if g.check == nil {
		return nil
	}
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	err := g.check(cctx)

	g.mu.Lock()
	g.lastCheck = time.Now()
	g.mu.Unlock()

	if err != nil {
		g.transition(true, "auth check failed: "+err.Error())
		return err
	}
	g.transition(false, "")
	return nil
}

func (g *Gate) transition(degraded bool, reason string) {
	g.mu.Lock()
	if g.degraded == degraded {
		g.mu.Unlock()
		return
	}
	g.degraded = degraded
	g.reason = reason
	if degraded {
		g.since = time.Now()
	} else {
		g.since = time.Time{}
	}
	onDegraded, onRestored := g.onDegraded, g.onRestored
	g.mu.Unlock()

	if degraded {
		log.WithField("reason", reason).Error("entering degraded mode: provider is not authenticated")
		if onDegraded != nil {
			onDegraded(reason)
		}
	} else {
		log.Info("authentication restored, leaving degraded mode")
		if onRestored != nil {
			onRestored()
		}
	}
}
