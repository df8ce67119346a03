// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package selfheal

import (
	"sync"
	"time"
)

const (
	// baselineSpan is how far back the failure-rate baseline looks.
	baselineSpan = 24 * time.Hour

	// baselineMinSamples is how many prior cycles the baseline needs
	// before a comparison against it means anything.
	baselineMinSamples = 5
)

// errorBaseline tracks the per-cycle window failure rate over a trailing
// day, so a spike is judged against what this deployment normally looks
// like instead of a fixed bound.
type errorBaseline struct {
	mu      sync.Mutex
	samples []baselineSample
	now     func() time.Time
}

type baselineSample struct {
	at   time.Time
	rate float64
}

func newErrorBaseline() *errorBaseline {
	return &errorBaseline{now: time.Now}
}

// Observe records one cycle's failure rate and returns the mean of the
// prior trailing-day samples. ok is false until enough history exists.
func (b *errorBaseline) Observe(rate float64) (mean float64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	cutoff := now.Add(-baselineSpan)

	kept := b.samples[:0]
	for _, s := range b.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	b.samples = kept

	if len(b.samples) >= baselineMinSamples {
		var sum float64
		for _, s := range b.samples {
			sum += s.rate
		}
		mean, ok = sum/float64(len(b.samples)), true
	}

	b.samples = append(b.samples, baselineSample{at: now, rate: rate})
	return mean, ok
}
