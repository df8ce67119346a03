// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"sync"
	"time"
)

// actionLogCap bounds the recovery-action history; oldest entries fall off.
const actionLogCap = 50

// Action records one recovery the watchdog performed, or attempted.
type Action struct {
	Timestamp time.Time `json:"timestamp"`
	Trigger   string    `json:"trigger"`
	Action    string    `json:"action"`
	Success   bool      `json:"success"`
	Details   string    `json:"details,omitempty"`
}

// actionLog is the capped append-only history served by the admin API.
type actionLog struct {
	mu      sync.Mutex
	entries []Action
}

func (l *actionLog) Record(trigger, action string, success bool, details string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Action{
		Timestamp: time.Now(),
		Trigger:   trigger,
		Action:    action,
		Success:   success,
		Details:   details,
	})
	if len(l.entries) > actionLogCap {
		l.entries = l.entries[len(l.entries)-actionLogCap:]
	}
}

// Recent returns the retained history, most recent last.
func (l *actionLog) Recent() []Action {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Action(nil), l.entries...)
}
