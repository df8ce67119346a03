package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayforge/aibridge/internal/classify"
)

func newTestStrategy() *Strategy {
	return New(Config{MaxRetries: 3, BaseDelay: 100 * time.Millisecond})
}

func TestDecide_Timeout(t *testing.T) {
	s := newTestStrategy()

	d := s.Decide(classify.CategoryTimeout, 0, "hello")
	assert.True(t, d.ShouldRetry)
	assert.Zero(t, d.Delay)
	assert.Empty(t, d.ModifiedPrompt)
	assert.False(t, d.ShouldRestartSession)

	d = s.Decide(classify.CategoryTimeout, 1, "hello")
	assert.True(t, d.ShouldRetry)

	d = s.Decide(classify.CategoryTimeout, 2, "hello")
	assert.False(t, d.ShouldRetry)
	assert.NotEmpty(t, d.FallbackMessage)
}

func TestDecide_ProcessCrash(t *testing.T) {
	s := newTestStrategy()

	d := s.Decide(classify.CategoryProcessCrash, 0, "hello")
	assert.True(t, d.ShouldRetry)
	assert.True(t, d.ShouldRestartSession)

	d = s.Decide(classify.CategoryProcessCrash, 1, "hello")
	assert.False(t, d.ShouldRetry)
	assert.NotEmpty(t, d.FallbackMessage)
}

func TestDecide_Confusion(t *testing.T) {
	s := newTestStrategy()

	d := s.Decide(classify.CategoryConfusion, 0, "explain the build failure")
	assert.True(t, d.ShouldRetry)
	assert.Contains(t, d.ModifiedPrompt, "explain the build failure")
	assert.Contains(t, d.ModifiedPrompt, "directly and concisely")

	d = s.Decide(classify.CategoryConfusion, 2, "explain the build failure")
	assert.False(t, d.ShouldRetry)
}

func TestDecide_ToolFailure(t *testing.T) {
	s := newTestStrategy()

	d := s.Decide(classify.CategoryMCPToolFailure, 0, "x")
	assert.True(t, d.ShouldRetry)
	assert.Equal(t, 100*time.Millisecond, d.Delay)

	d = s.Decide(classify.CategoryMCPToolFailure, 1, "x")
	assert.False(t, d.ShouldRetry)
	assert.Contains(t, d.FallbackMessage, "tool")
}

func TestDecide_InvalidResponse(t *testing.T) {
	s := newTestStrategy()

	d0 := s.Decide(classify.CategoryInvalidResponse, 0, "prompt")
	d1 := s.Decide(classify.CategoryInvalidResponse, 1, "prompt")
	assert.True(t, d0.ShouldRetry)
	assert.True(t, d1.ShouldRetry)
	assert.Contains(t, d0.ModifiedPrompt, "finish your thoughts")

	// Exponential backoff doubles per attempt.
	assert.Equal(t, 100*time.Millisecond, d0.Delay)
	assert.Equal(t, 200*time.Millisecond, d1.Delay)

	d2 := s.Decide(classify.CategoryInvalidResponse, 2, "prompt")
	assert.False(t, d2.ShouldRetry)
}

func TestDecide_Unknown(t *testing.T) {
	s := newTestStrategy()

	d := s.Decide(classify.CategoryUnknown, 0, "x")
	assert.True(t, d.ShouldRetry)
	assert.False(t, d.ShouldRestartSession)

	// The restart flag flips once the attempt count reaches 2.
	d = s.Decide(classify.CategoryUnknown, 2, "x")
	assert.True(t, d.ShouldRetry)
	assert.True(t, d.ShouldRestartSession)
	assert.Equal(t, 400*time.Millisecond, d.Delay)
}

func TestDecide_GlobalCeiling(t *testing.T) {
	s := newTestStrategy()

	// Past the global ceiling every category refuses, even ones whose local
	// policy would allow more attempts.
	for _, cat := range classify.Categories() {
		d := s.Decide(cat, 3, "x")
		assert.False(t, d.ShouldRetry, "category %s must not retry past ceiling", cat)
		assert.NotEmpty(t, d.FallbackMessage, "category %s needs a fallback", cat)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{})
	assert.Equal(t, DefaultConfig().MaxRetries, s.cfg.MaxRetries)
	assert.Equal(t, DefaultConfig().BaseDelay, s.cfg.BaseDelay)
}
