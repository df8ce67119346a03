// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package orchestrator wires the resilience layers around the active provider
// session: auth gating, circuit breaking, response validation, failure
// classification, and the retry loop. Everything the rest of the gateway
// calls goes through the Gateway type here.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayforge/aibridge/internal/authgate"
	"github.com/relayforge/aibridge/internal/breaker"
	"github.com/relayforge/aibridge/internal/classify"
	"github.com/relayforge/aibridge/internal/config"
	"github.com/relayforge/aibridge/internal/provider"
	"github.com/relayforge/aibridge/internal/quality"
	"github.com/relayforge/aibridge/internal/retry"
	"github.com/relayforge/aibridge/internal/session"
	"github.com/relayforge/aibridge/internal/validate"
)

// recentHistory is how many successful responses are retained for loop
// detection.
const recentHistory = 3

// degradedMessage is surfaced while the auth gate refuses admission.
const degradedMessage = "The assistant is temporarily unavailable: the provider needs to be re-authenticated. Please run the provider's login command."

// breakerOpenMessage is surfaced while the circuit breaker refuses admission.
const breakerOpenMessage = "The assistant is temporarily unavailable while it recovers from repeated errors. Please try again shortly."

// Result is the outcome of one RunAI call. Error always carries operator- or
// user-facing text, never a raw process error.
type Result struct {
	Success           bool     `json:"success"`
	Response          string   `json:"response,omitempty"`
	Error             string   `json:"error,omitempty"`
	DurationMs        int64    `json:"duration_ms"`
	SideChannelErrors []string `json:"side_channel_errors,omitempty"`
	SessionRestarted  bool     `json:"session_restarted"`
	Attempts          int      `json:"attempts"`
}

// Gateway is the resilience front door for the active provider session.
type Gateway struct {
	registry *provider.Registry
	gate     *authgate.Gate

	// cmu guards the reloadable tunables: cfg and the validator/strategy
	// built from it. ApplyConfig swaps all three together.
	cmu       sync.RWMutex
	cfg       *config.Config
	validator *validate.Validator
	strategy  *retry.Strategy

	quality *quality.Metrics

	bmu      sync.Mutex
	breakers map[string]*breaker.Breaker

	hmu    sync.Mutex
	recent []string

	// bgSlot is the background-actor semaphore: check-in beats and watchdog
	// probes must win this slot before touching the session, and skip their
	// cycle if a live caller holds it.
	bgSlot chan struct{}

	checkinStop chan struct{}
	checkinOnce sync.Once

	// onFailure, when set, receives every classified failure. The watchdog's
	// error-pattern detector hangs off this.
	onFailure func(category classify.Category)
	fmu       sync.Mutex
}

// New builds a gateway over an already-populated registry and auth gate.
func New(cfg *config.Config, registry *provider.Registry, gate *authgate.Gate) *Gateway {
	return &Gateway{
		cfg:         cfg,
		registry:    registry,
		gate:        gate,
		validator:   validate.New(cfg.ConfusionMarkers),
		strategy:    retry.New(retry.Config{MaxRetries: cfg.Retry.MaxRetries, BaseDelay: cfg.Retry.BaseDelay.Std()}),
		quality:     quality.New(),
		breakers:    make(map[string]*breaker.Breaker),
		bgSlot:      make(chan struct{}, 1),
		checkinStop: make(chan struct{}),
	}
}

// ApplyConfig installs a freshly reloaded configuration. The validator and
// retry strategy are rebuilt so confusion markers and retry tunables take
// effect on the next request. Breakers are rebuilt only when their thresholds
// actually changed; discarding live breaker state is itself a reset.
func (g *Gateway) ApplyConfig(next *config.Config) {
	g.cmu.Lock()
	prev := g.cfg
	g.cfg = next
	g.validator = validate.New(next.ConfusionMarkers)
	g.strategy = retry.New(retry.Config{MaxRetries: next.Retry.MaxRetries, BaseDelay: next.Retry.BaseDelay.Std()})
	g.cmu.Unlock()

	if prev.Breaker != next.Breaker {
		g.bmu.Lock()
		g.breakers = make(map[string]*breaker.Breaker)
		g.bmu.Unlock()
		log.Info("breaker thresholds changed, circuit breakers rebuilt closed")
	}
}

// tunables reads the reloadable pieces as one consistent view.
func (g *Gateway) tunables() (*config.Config, *validate.Validator, *retry.Strategy) {
	g.cmu.RLock()
	defer g.cmu.RUnlock()
	return g.cfg, g.validator, g.strategy
}

// OnFailure registers a callback invoked with each classified failure.
func (g *Gateway) OnFailure(fn func(classify.Category)) {
	g.fmu.Lock()
	g.onFailure = fn
	g.fmu.Unlock()
}

func (g *Gateway) notifyFailure(category classify.Category) {
	g.fmu.Lock()
	fn := g.onFailure
	g.fmu.Unlock()
	if fn != nil {
		fn(category)
	}
}

// breakerFor returns the named provider's breaker, creating it on first use.
func (g *Gateway) breakerFor(name string) *breaker.Breaker {
	g.cmu.RLock()
	bc := g.cfg.Breaker
	g.cmu.RUnlock()

	g.bmu.Lock()
	defer g.bmu.Unlock()
	if b, ok := g.breakers[name]; ok {
		return b
	}
	b := breaker.New(name, breaker.Config{
		FailureThreshold: bc.FailureThreshold,
		SuccessThreshold: bc.SuccessThreshold,
		RecoveryTimeout:  bc.RecoveryTimeout.Std(),
	})
	g.breakers[name] = b
	return b
}

// RunAI sends a message through the full resilience stack and blocks until
// it resolves one way or the other. Failures surfaced in the Result carry
// fallback text only; raw errors stay in the logs.
func (g *Gateway) RunAI(ctx context.Context, message string, onChunk session.ChunkFunc) Result {
	start := time.Now()
	cfg, validator, strategy := g.tunables()

	// Degraded mode fails fast: no breaker touched, no process spawned.
	if !g.gate.Allowed() {
		return Result{Success: false, Error: degradedMessage, DurationMs: time.Since(start).Milliseconds()}
	}

	prompt := message
	restarted := false
	var lastSide []string

	for attempt := 0; ; attempt++ {
		sess, name := g.registry.Current()
		if sess == nil {
			return Result{Success: false, Error: "No provider is active.", DurationMs: time.Since(start).Milliseconds()}
		}

		var resp session.Response
		var validationReason string
		execErr := g.breakerFor(name).Execute(ctx, func(ctx context.Context) error {
			r, err := sess.Send(ctx, prompt, onChunk)
			if err != nil {
				return err
			}
			resp = r
			if !r.Success {
				return errors.New(r.Error)
			}
			if v := validator.Response(r.Text, g.recentResponses()); !v.Valid {
				validationReason = v.Reason
				return fmt.Errorf("response validation failed: %s (%s)", v.Reason, v.Detail)
			}
			return nil
		})
		lastSide = resp.SideChannelErrors

		if execErr == nil {
			g.quality.RecordValid(attempt > 0)
			g.pushRecent(resp.Text)
			return Result{
				Success:           true,
				Response:          resp.Text,
				DurationMs:        time.Since(start).Milliseconds(),
				SideChannelErrors: resp.SideChannelErrors,
				SessionRestarted:  restarted,
				Attempts:          attempt + 1,
			}
		}

		if errors.Is(execErr, breaker.ErrOpen) {
			log.WithField("provider", name).Warn("request refused: circuit breaker open")
			return Result{
				Success:          false,
				Error:            breakerOpenMessage,
				DurationMs:       time.Since(start).Milliseconds(),
				SessionRestarted: restarted,
				Attempts:         attempt,
			}
		}

		category := classify.Failure(execErr.Error(), validationReason)
		g.quality.RecordFailure(category)
		g.notifyFailure(category)

		decision := strategy.Decide(category, attempt, message)
		log.WithFields(log.Fields{
			"provider": name,
			"category": category,
			"attempt":  attempt,
			"retry":    decision.ShouldRetry,
			"reason":   decision.Reason,
			"error":    execErr,
		}).Warn("request attempt failed")

		if !decision.ShouldRetry {
			msg := decision.FallbackMessage
			if msg == "" {
				msg = retry.Fallback(category)
			}
			return Result{
				Success:           false,
				Error:             msg,
				DurationMs:        time.Since(start).Milliseconds(),
				SideChannelErrors: lastSide,
				SessionRestarted:  restarted,
				Attempts:          attempt + 1,
			}
		}

		needReset := g.quality.ShouldResetSession(cfg.Quality.ConsecutiveFailureLimit, cfg.Quality.MinValidRate)
		if decision.ShouldRestartSession || needReset {
			if err := sess.Restart(ctx); err != nil {
				log.WithError(err).Error("session restart before retry failed")
			} else {
				restarted = true
				g.quality.Reset()
				g.clearRecent()
			}
		}

		if decision.ModifiedPrompt != "" {
			prompt = decision.ModifiedPrompt
		}
		if decision.Delay > 0 {
			select {
			case <-time.After(decision.Delay):
			case <-ctx.Done():
				return Result{
					Success:          false,
					Error:            retry.Fallback(category),
					DurationMs:       time.Since(start).Milliseconds(),
					SessionRestarted: restarted,
					Attempts:         attempt + 1,
				}
			}
		}
	}
}

func (g *Gateway) recentResponses() []string {
	g.hmu.Lock()
	defer g.hmu.Unlock()
	return append([]string(nil), g.recent...)
}

func (g *Gateway) pushRecent(text string) {
	g.hmu.Lock()
	defer g.hmu.Unlock()
	g.recent = append(g.recent, text)
	if len(g.recent) > recentHistory {
		g.recent = g.recent[len(g.recent)-recentHistory:]
	}
}

func (g *Gateway) clearRecent() {
	g.hmu.Lock()
	g.recent = nil
	g.hmu.Unlock()
}

// TryBackgroundSend dispatches a probe message only if no other background
// actor holds the slot. Returns false when the cycle should be skipped. The
// slot does not block live callers; it serializes background actors among
// themselves so probes cannot pile up behind a busy session.
func (g *Gateway) TryBackgroundSend(ctx context.Context, message string) (session.Response, bool) {
	select {
	case g.bgSlot <- struct{}{}:
	default:
		return session.Response{}, false
	}
	defer func() { <-g.bgSlot }()

	sess, _ := g.registry.Current()
	if sess == nil || sess.Stuck() || sess.Restarting() {
		return session.Response{}, false
	}
	resp, err := sess.Send(ctx, message, nil)
	if err != nil {
		log.WithError(err).Debug("background send failed")
		return session.Response{}, false
	}
	return resp, true
}

// StartCheckIn launches the proactive check-in beat, if configured. The beat
// keeps the provider session warm and surfaces stuck sessions early.
func (g *Gateway) StartCheckIn() {
	cfg, _, _ := g.tunables()
	interval := cfg.Session.CheckInInterval.Std()
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.checkinStop:
				return
			case <-ticker.C:
				if !g.gate.Allowed() {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				resp, sent := g.TryBackgroundSend(ctx, "Status check: reply with a single short sentence confirming you are operational.")
				cancel()
				if sent {
					log.WithField("success", resp.Success).Debug("check-in beat completed")
				}
			}
		}
	}()
}

// StopCheckIn halts the check-in beat.
func (g *Gateway) StopCheckIn() {
	g.checkinOnce.Do(func() { close(g.checkinStop) })
}

// CheckAndRecover replaces the session if it is flagged stuck. Returns true
// when a recovery was performed. Called by the watchdog; never by the
// request path.
func (g *Gateway) CheckAndRecover(ctx context.Context) bool {
	sess, name := g.registry.Current()
	if sess == nil || !sess.Stuck() {
		return false
	}
	log.WithField("provider", name).Warn("stuck session detected, force-replacing")
	if err := sess.ForceKill(); err != nil {
		log.WithError(err).Error("force kill failed")
	}
	fresh, err := g.registry.Switch(ctx, name, sess.Model())
	if err != nil {
		log.WithError(err).Error("session replacement failed")
		return false
	}
	g.quality.Reset()
	g.clearRecent()
	log.WithField("session_id", fresh.ID()).Info("stuck session replaced")
	return true
}

// RestartSession restarts the active session.
func (g *Gateway) RestartSession(ctx context.Context) error {
	sess, _ := g.registry.Current()
	if sess == nil {
		return errors.New("no active session")
	}
	if err := sess.Restart(ctx); err != nil {
		return err
	}
	g.quality.Reset()
	g.clearRecent()
	return nil
}

// StopSession stops the active session.
func (g *Gateway) StopSession() error {
	sess, _ := g.registry.Current()
	if sess == nil {
		return nil
	}
	return sess.Stop()
}

// SwitchProvider swaps the active provider, implicitly stopping the old one.
func (g *Gateway) SwitchProvider(ctx context.Context, name, model string) error {
	_, err := g.registry.Switch(ctx, name, model)
	if err == nil {
		g.quality.Reset()
		g.clearRecent()
	}
	return err
}

func (g *Gateway) IsSessionAlive() bool {
	sess, _ := g.registry.Current()
	return sess != nil && sess.Alive()
}

func (g *Gateway) IsSessionStuck() bool {
	sess, _ := g.registry.Current()
	return sess != nil && sess.Stuck()
}

func (g *Gateway) IsSessionRestarting() bool {
	sess, _ := g.registry.Current()
	return sess != nil && sess.Restarting()
}

func (g *Gateway) HasProcessedMessages() bool {
	sess, _ := g.registry.Current()
	return sess != nil && sess.HasProcessedMessages()
}

func (g *Gateway) GetSessionID() string {
	sess, _ := g.registry.Current()
	if sess == nil {
		return ""
	}
	return sess.ID()
}

func (g *Gateway) GetCurrentModel() string {
	sess, _ := g.registry.Current()
	if sess == nil {
		return ""
	}
	return sess.Model()
}

// SetModel changes the model for subsequent requests on the active session.
func (g *Gateway) SetModel(model string) error {
	sess, _ := g.registry.Current()
	if sess == nil {
		return errors.New("no active session")
	}
	return sess.SetModel(model)
}

// Stats is the aggregate view served by the admin API.
type Stats struct {
	Provider string           `json:"provider"`
	Session  session.Stats    `json:"session"`
	Breaker  breaker.State    `json:"breaker"`
	Quality  quality.Snapshot `json:"quality"`
	Auth     authgate.Status  `json:"auth"`
}

// GetStats assembles the aggregate snapshot.
func (g *Gateway) GetStats() Stats {
	sess, name := g.registry.Current()
	st := Stats{
		Provider: name,
		Quality:  g.quality.Snapshot(),
		Auth:     g.gate.Current(),
	}
	if sess != nil {
		st.Session = sess.Stats()
	}
	if name != "" {
		st.Breaker = g.breakerFor(name).State()
	}
	return st
}

// GetCircuitBreakerState reads the active provider's breaker state.
func (g *Gateway) GetCircuitBreakerState() breaker.State {
	_, name := g.registry.Current()
	if name == "" {
		return breaker.StateClosed
	}
	return g.breakerFor(name).State()
}

// ResetCircuitBreaker forces the active provider's breaker closed.
func (g *Gateway) ResetCircuitBreaker() {
	_, name := g.registry.Current()
	if name != "" {
		g.breakerFor(name).Reset()
	}
}

// Quality exposes the metrics tracker, for the watchdog's spike check.
func (g *Gateway) Quality() *quality.Metrics { return g.quality }

// Shutdown stops background loops and the active session.
func (g *Gateway) Shutdown() {
	g.StopCheckIn()
	if err := g.StopSession(); err != nil {
		log.WithError(err).Warn("session stop during shutdown failed")
	}
}
