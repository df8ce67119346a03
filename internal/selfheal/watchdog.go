// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package selfheal runs the unattended recovery loop: periodic system and
// service vitals, cooldown-gated alerting, and staged remediation. It only
// mutates shared state that future requests observe; it never touches a live
// caller's turn.
package selfheal

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayforge/aibridge/internal/classify"
	"github.com/relayforge/aibridge/internal/config"
	"github.com/relayforge/aibridge/internal/quality"
)

// SessionController is the slice of the gateway the watchdog drives.
type SessionController interface {
	CheckAndRecover(ctx context.Context) bool
	RestartSession(ctx context.Context) error
	Quality() *quality.Metrics
}

// AuthChecker is the slice of the auth gate the watchdog drives.
type AuthChecker interface {
	CheckNow(ctx context.Context) error
}

// Notifier delivers operator alerts. The default logs at error level;
// deployments wanting pages wire their own.
type Notifier func(kind, message string)

// Watchdog is the self-heal loop. One instance per gateway.
type Watchdog struct {
	cfg      config.SelfHealConfig
	tempDir  string
	logDir   string
	binaries []string

	sessions SessionController
	auth     AuthChecker
	notify   Notifier

	cooldowns *cooldowns
	actions   *actionLog
	patterns  *patternDetector
	baseline  *errorBaseline

	// memoryPressure remembers whether the previous cycle already tried a
	// forced GC, staging the session-restart escalation.
	memoryPressure bool

	running sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

// New builds a watchdog. binaries names the provider executables eligible
// for the zombie sweep.
func New(cfg config.SelfHealConfig, tempDir, logDir string, binaries []string, sessions SessionController, auth AuthChecker, notify Notifier) *Watchdog {
	w := &Watchdog{
		cfg:       cfg,
		tempDir:   tempDir,
		logDir:    logDir,
		binaries:  binaries,
		sessions:  sessions,
		auth:      auth,
		notify:    notify,
		cooldowns: newCooldowns(),
		actions:   &actionLog{},
		patterns:  newPatternDetector(),
		baseline:  newErrorBaseline(),
		stop:      make(chan struct{}),
	}
	if w.notify == nil {
		w.notify = func(kind, message string) {
			log.WithField("alert", kind).Error(message)
		}
	}
	return w
}

// Start launches the periodic loop.
func (w *Watchdog) Start() {
	if w.cfg.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(w.cfg.Interval.Std())
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				// A cycle still running skips this tick instead of
				// overlapping it.
				if !w.running.TryLock() {
					log.Debug("self-heal cycle still running, skipping tick")
					continue
				}
				w.runCycle(context.Background())
				w.running.Unlock()
			}
		}
	}()
}

// Stop halts the loop. A cycle in flight finishes.
func (w *Watchdog) Stop() {
	w.once.Do(func() { close(w.stop) })
}

// Actions returns the recovery history for the admin API.
func (w *Watchdog) Actions() []Action { return w.actions.Recent() }

// PatternCounts returns the in-window failure counts for the admin API.
func (w *Watchdog) PatternCounts() map[classify.Category]int { return w.patterns.Counts() }

// RunOnce executes a single cycle synchronously. Used at startup and in
// tests.
func (w *Watchdog) RunOnce(ctx context.Context) {
	w.running.Lock()
	defer w.running.Unlock()
	w.runCycle(ctx)
}

// runCycle fires the whole check battery in parallel. A panicking or failing
// check is logged and never aborts the others.
func (w *Watchdog) runCycle(ctx context.Context) {
	checks := []struct {
		name string
		fn   func(context.Context)
	}{
		{"disk", w.checkDisk},
		{"memory", w.checkMemory},
		{"load", w.checkLoad},
		{"network", w.checkNetwork},
		{"session", w.checkSession},
		{"auth", w.checkAuth},
		{"error_rate", w.checkErrorRate},
		{"zombies", w.sweepZombies},
	}

	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func(name string, fn func(context.Context)) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{"check": name, "panic": r}).Error("self-heal check panicked")
				}
			}()
			fn(ctx)
		}(c.name, c.fn)
	}
	wg.Wait()
}

// alert fires an operator notification, gated by the per-kind cooldown.
func (w *Watchdog) alert(kind, message string) {
	if w.cooldowns.Allow("alert:"+kind, w.cfg.AlertCooldown.Std()) {
		w.notify(kind, message)
	}
}

func (w *Watchdog) checkDisk(ctx context.Context) {
	path := w.tempDir
	if path == "" {
		path = "/"
	}
	used, err := diskUsage(path)
	if err != nil {
		log.WithError(err).Debug("disk check unavailable")
		return
	}
	switch {
	case used >= w.cfg.DiskCriticalPercent:
		w.alert("disk_critical", fmt.Sprintf("disk usage critical: %.1f%%", used))
		// Pressure tightens the purge age.
		removed := purgeOldFiles(w.tempDir, w.cfg.PurgeMaxAge.Std()/4)
		removed += purgeOldFiles(w.logDir, w.cfg.PurgeMaxAge.Std()/4)
		w.actions.Record("disk_critical", "purge_old_files", true, fmt.Sprintf("removed %d files", removed))
	case used >= w.cfg.DiskWarnPercent:
		w.alert("disk_warn", fmt.Sprintf("disk usage high: %.1f%%", used))
		removed := purgeOldFiles(w.tempDir, w.cfg.PurgeMaxAge.Std())
		if removed > 0 {
			w.actions.Record("disk_warn", "purge_old_files", true, fmt.Sprintf("removed %d files", removed))
		}
	}
}

// checkMemory stages remediation: first a forced GC, and only if pressure
// persists into the next cycle a session restart.
func (w *Watchdog) checkMemory(ctx context.Context) {
	used, err := memoryUsage()
	if err != nil {
		log.WithError(err).Debug("memory check unavailable")
		return
	}
	if used < w.cfg.MemoryWarnPercent {
		w.memoryPressure = false
		return
	}

	if used >= w.cfg.MemoryCriticalPercent && w.memoryPressure {
		w.alert("memory_critical", fmt.Sprintf("memory pressure persists after GC: %.1f%%", used))
		if w.cooldowns.Allow("remediate:memory_restart", w.cfg.RemediationCooldown.Std()) {
			err := w.sessions.RestartSession(ctx)
			w.actions.Record("memory_critical", "session_restart", err == nil, fmt.Sprintf("usage %.1f%%", used))
		}
		w.memoryPressure = false
		return
	}

	w.alert("memory_warn", fmt.Sprintf("memory usage high: %.1f%%", used))
	debug.FreeOSMemory()
	w.actions.Record("memory_warn", "force_gc", true, fmt.Sprintf("usage %.1f%%", used))
	w.memoryPressure = true
}

func (w *Watchdog) checkLoad(ctx context.Context) {
	perCPU, err := loadPerCPU()
	if err != nil {
		log.WithError(err).Debug("load check unavailable")
		return
	}
	if perCPU >= w.cfg.LoadWarnPerCPU {
		w.alert("load_high", fmt.Sprintf("load average %.2f per CPU", perCPU))
	}
}

func (w *Watchdog) checkNetwork(ctx context.Context) {
	if w.cfg.NetworkProbeAddr == "" {
		return
	}
	if err := probeNetwork(w.cfg.NetworkProbeAddr, 5*time.Second); err != nil {
		w.alert("network", fmt.Sprintf("AI endpoint unreachable (%s): %v", w.cfg.NetworkProbeAddr, err))
	}
}

func (w *Watchdog) checkSession(ctx context.Context) {
	if w.sessions.CheckAndRecover(ctx) {
		w.actions.Record("stuck_session", "force_replace", true, "")
	}
}

func (w *Watchdog) checkAuth(ctx context.Context) {
	if w.auth == nil {
		return
	}
	// The gate owns degraded-mode transitions and notification dedup; the
	// watchdog just feeds it a fresh reading.
	_ = w.auth.CheckNow(ctx)
}

// errorRateFloor is the window failure rate below which a cycle never
// alerts, however clean the baseline is.
const errorRateFloor = 0.3

// checkErrorRate alerts when the rolling window failure rate climbs well
// above the trailing daily baseline while enough traffic exists for the
// number to mean something. Before a day of history accumulates it falls
// back to an absolute bound.
func (w *Watchdog) checkErrorRate(ctx context.Context) {
	snap := w.sessions.Quality().Snapshot()
	if snap.TotalResponses < 10 {
		return
	}
	failureRate := 1 - snap.WindowSuccessRate
	mean, ok := w.baseline.Observe(failureRate)
	if !ok {
		if failureRate > 0.5 {
			w.alert("error_rate", fmt.Sprintf(
				"error-rate spike: window failures %.0f%% (cumulative success %.0f%%)",
				failureRate*100, snap.CumulativeRate*100))
		}
		return
	}
	if failureRate > errorRateFloor && failureRate > mean*2 {
		w.alert("error_rate", fmt.Sprintf(
			"error-rate spike: window failures %.0f%% vs trailing-day baseline %.0f%%",
			failureRate*100, mean*100))
	}
}

// zombieRSSLimit is the per-child memory bound for the sweep.
const zombieRSSLimit = 2 << 30

func (w *Watchdog) sweepZombies(ctx context.Context) {
	for _, p := range ownProviderProcesses(w.binaries) {
		if p.rss < zombieRSSLimit {
			continue
		}
		log.WithFields(log.Fields{"pid": p.pid, "comm": p.comm, "rss": p.rss}).Warn("terminating oversized provider child")
		if err := syscall.Kill(p.pid, syscall.SIGKILL); err == nil {
			w.actions.Record("zombie_sweep", "kill_process", true, fmt.Sprintf("pid %d (%s)", p.pid, p.comm))
		}
	}
}

// RecordFailure feeds the error-pattern detector. Wired to the gateway's
// failure callback. Crossing the repeat threshold triggers category-specific
// remediation, gated by a per-category cooldown to prevent restart storms.
func (w *Watchdog) RecordFailure(category classify.Category) {
	if !w.patterns.Record(category) {
		return
	}
	if !w.cooldowns.Allow("pattern:"+string(category), 5*time.Minute) {
		return
	}

	switch category {
	case classify.CategoryTimeout, classify.CategoryProcessCrash, classify.CategoryUnknown:
		log.WithField("category", category).Warn("repeated failure pattern, restarting session")
		err := w.sessions.RestartSession(context.Background())
		w.actions.Record("pattern:"+string(category), "session_restart", err == nil, "")
	case classify.CategoryMCPToolFailure:
		w.alert("tool_failure_pattern", "repeated tool failures detected; check MCP server health")
		w.actions.Record("pattern:"+string(category), "alert_only", true, "")
	}
}
