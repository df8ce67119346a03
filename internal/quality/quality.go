// Package quality tracks response-quality outcomes feeding session-reset
// decisions: cumulative counters, per-category failure counts, a consecutive
// failure streak, and a bounded rolling window giving a short-horizon success
// rate independent of the cumulative rate.
package quality

import (
	"sync"
	"time"

	"github.com/relayforge/aibridge/internal/classify"
)

// windowSize bounds the rolling outcome window.
const windowSize = 20

// Snapshot is a point-in-time copy of the metrics, safe to hand out.
type Snapshot struct {
	TotalResponses      int                       `json:"total_responses"`
	ValidResponses      int                       `json:"valid_responses"`
	RetriedResponses    int                       `json:"retried_responses"`
	ConsecutiveFailures int                       `json:"consecutive_failures"`
	FailuresByCategory  map[classify.Category]int `json:"failures_by_category"`
	WindowSize          int                       `json:"window_size"`
	WindowSuccessRate   float64                   `json:"window_success_rate"`
	CumulativeRate      float64                   `json:"cumulative_rate"`
	LastOutcomeAt       time.Time                 `json:"last_outcome_at"`
}

// Metrics is the mutable quality tracker. All methods are safe for concurrent
// use.
type Metrics struct {
	mu sync.Mutex

	total       int
	valid       int
	retried     int
	consecutive int

	byCategory map[classify.Category]int

	// window holds the last windowSize outcomes, oldest first.
	window []bool

	lastOutcomeAt time.Time
}

// New creates an empty Metrics with all category counters pre-registered.
func New() *Metrics {
	byCategory := make(map[classify.Category]int, len(classify.Categories()))
	for _, c := range classify.Categories() {
		byCategory[c] = 0
	}
	return &Metrics{
		byCategory: byCategory,
		window:     make([]bool, 0, windowSize),
	}
}

// RecordValid records a response that passed validation. retried marks whether
// at least one retry was needed to obtain it.
func (m *Metrics) RecordValid(retried bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.valid++
	if retried {
		m.retried++
	}
	m.consecutive = 0
	m.push(true)
	m.lastOutcomeAt = time.Now()
}

// RecordFailure records a terminal failure in the given category.
func (m *Metrics) RecordFailure(category classify.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total++
	m.byCategory[category]++
	m.consecutive++
	m.push(false)
	m.lastOutcomeAt = time.Now()
}

// push appends an outcome to the rolling window, evicting the oldest entry
// once the window is full. Caller must hold m.mu.
func (m *Metrics) push(ok bool) {
	if len(m.window) == windowSize {
		copy(m.window, m.window[1:])
		m.window[windowSize-1] = ok
		return
	}
	m.window = append(m.window, ok)
}

// ConsecutiveFailures returns the current failure streak.
func (m *Metrics) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// WindowSuccessRate returns the success rate over the rolling window, or 1.0
// when the window is empty.
func (m *Metrics) WindowSuccessRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowRate()
}

func (m *Metrics) windowRate() float64 {
	if len(m.window) == 0 {
		return 1.0
	}
	ok := 0
	for _, v := range m.window {
		if v {
			ok++
		}
	}
	return float64(ok) / float64(len(m.window))
}

// ShouldResetSession reports whether quality has degraded enough to warrant
// replacing the session: either the consecutive-failure streak reached
// failureLimit, or the window is at least half full and its success rate fell
// below minRate.
func (m *Metrics) ShouldResetSession(failureLimit int, minRate float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if failureLimit > 0 && m.consecutive >= failureLimit {
		return true
	}
	if minRate > 0 && len(m.window) >= windowSize/2 && m.windowRate() < minRate {
		return true
	}
	return false
}

// Reset clears the consecutive streak and the rolling window. Cumulative
// counters survive; they describe the lifetime of the gateway, not of one
// session.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutive = 0
	m.window = m.window[:0]
}

// Snapshot returns a copy of the current state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	byCat := make(map[classify.Category]int, len(m.byCategory))
	for k, v := range m.byCategory {
		byCat[k] = v
	}

	cumulative := 1.0
	if m.total > 0 {
		cumulative = float64(m.valid) / float64(m.total)
	}

	return Snapshot{
		TotalResponses:      m.total,
		ValidResponses:      m.valid,
		RetriedResponses:    m.retried,
		ConsecutiveFailures: m.consecutive,
		FailuresByCategory:  byCat,
		WindowSize:          len(m.window),
		WindowSuccessRate:   m.windowRate(),
		CumulativeRate:      cumulative,
		LastOutcomeAt:       m.lastOutcomeAt,
	}
}
