// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"sync"
	"time"

	"github.com/relayforge/aibridge/internal/classify"
)

const (
	// patternWindow is the rolling span the detector looks back over.
	patternWindow = 10 * time.Minute

	// patternThreshold is how many same-category failures inside the
	// window trigger remediation.
	patternThreshold = 3
)

// patternDetector keeps a rolling log of classified failures and reports
// when one category repeats often enough to suggest a systemic problem
// rather than bad luck.
type patternDetector struct {
	mu     sync.Mutex
	events map[classify.Category][]time.Time
	now    func() time.Time
}

func newPatternDetector() *patternDetector {
	return &patternDetector{
		events: make(map[classify.Category][]time.Time),
		now:    time.Now,
	}
}

// Record notes one failure and reports whether its category has crossed the
// repeat threshold within the window.
func (d *patternDetector) Record(category classify.Category) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	cutoff := now.Add(-patternWindow)

	kept := d.events[category][:0]
	for _, ts := range d.events[category] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	d.events[category] = kept
	return len(kept) >= patternThreshold
}

// Counts returns the in-window failure count per category.
func (d *patternDetector) Counts() map[classify.Category]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := d.now().Add(-patternWindow)
	counts := make(map[classify.Category]int, len(d.events))
	for cat, stamps := range d.events {
		n := 0
		for _, ts := range stamps {
			if ts.After(cutoff) {
				n++
			}
		}
		if n > 0 {
			counts[cat] = n
		}
	}
	return counts
}
