// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package provider

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/relayforge/aibridge/internal/session"
)

// SessionFactory builds a session for a definition. Swappable in tests.
type SessionFactory func(def Definition, model string) session.Session

// Registry owns the active provider session and performs the stop-then-start
// dance when switching providers. At most one provider session exists at a
// time.
type Registry struct {
	defs       map[string]Definition
	factory    SessionFactory
	settle     time.Duration
	sessionCfg session.Config

	// onAuthFailure is forwarded into every session built.
	onAuthFailure func(reason string)

	mu      sync.RWMutex
	active  string
	current session.Session
}

// NewRegistry builds a registry over the given definitions.
func NewRegistry(defs map[string]Definition, cfg session.Config, settle time.Duration, onAuthFailure func(string)) *Registry {
	r := &Registry{
		defs:          defs,
		settle:        settle,
		sessionCfg:    cfg,
		onAuthFailure: onAuthFailure,
	}
	r.factory = r.defaultFactory
	return r
}

// SetFactory overrides session construction. Test seam.
func (r *Registry) SetFactory(f SessionFactory) { r.factory = f }

func (r *Registry) defaultFactory(def Definition, model string) session.Session {
	cmd := def.Command()
	cmd.ToolConfigPath = r.sessionCfg.ToolConfigPath
	if def.Persistent {
		return session.NewProcessSession(cmd, r.sessionCfg, model, r.onAuthFailure)
	}
	return session.NewOneShotSession(cmd, r.sessionCfg, model, r.onAuthFailure)
}

// Activate makes the named provider current without stopping anything.
// Intended for startup; use Switch for live changes.
func (r *Registry) Activate(name, model string) (session.Session, error) {
	def, err := Lookup(r.defs, name)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = def.DefaultModel
	}
	sess := r.factory(def, model)

	r.mu.Lock()
	r.active = name
	r.current = sess
	r.mu.Unlock()

	log.WithFields(log.Fields{"provider": name, "model": model}).Info("provider activated")
	return sess, nil
}

// Switch tears down the current session and brings up the named provider.
// The old process must be confirmed gone before the new one is constructed:
// two providers contending for the same credentials or ports is worse than a
// brief gap in service.
func (r *Registry) Switch(ctx context.Context, name, model string) (session.Session, error) {
	def, err := Lookup(r.defs, name)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = def.DefaultModel
	}

	r.mu.Lock()
	old := r.current
	oldName := r.active
	r.mu.Unlock()

	if old != nil {
		log.WithFields(log.Fields{"from": oldName, "to": name}).Info("switching provider")
		if err := old.Stop(); err != nil {
			log.WithError(err).Warn("graceful stop failed, forcing")
			_ = old.ForceKill()
		}
		if r.settle > 0 {
			select {
			case <-time.After(r.settle):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	sess := r.factory(def, model)
	r.mu.Lock()
	r.active = name
	r.current = sess
	r.mu.Unlock()

	log.WithFields(log.Fields{"provider": name, "model": model}).Info("provider switched")
	return sess, nil
}

// Current returns the active session and its provider name.
func (r *Registry) Current() (session.Session, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current, r.active
}

// Definition returns the active provider's definition.
func (r *Registry) Definition() (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[r.active]
	return def, ok
}

// Names lists all registered providers.
func (r *Registry) Names() []string { return Names(r.defs) }
