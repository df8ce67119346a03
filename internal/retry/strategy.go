// Package retry decides whether and how a failed AI request should be retried.
// The decision is a pure function of the failure category, the attempt count,
// and the original prompt; sequencing (restart before or after dispatch, delay
// handling) belongs to the caller.
package retry

import (
	"time"

	"github.com/relayforge/aibridge/internal/classify"
)

// Decision is the output of the per-category policy tables.
type Decision struct {
	// ShouldRetry indicates the caller may dispatch another attempt.
	ShouldRetry bool

	// ModifiedPrompt, when non-empty, replaces the original prompt for the
	// retried attempt.
	ModifiedPrompt string

	// Delay is how long the caller should wait before the next attempt.
	Delay time.Duration

	// FallbackMessage is the human-readable text surfaced to the caller
	// when ShouldRetry is false.
	FallbackMessage string

	// ShouldRestartSession indicates the session should be replaced. The
	// caller sequences the restart before dispatching the retried attempt.
	ShouldRestartSession bool

	// Reason explains the decision, for logs only.
	Reason string
}

// Config holds the externally supplied retry tunables.
type Config struct {
	// MaxRetries is the global attempt ceiling across all categories.
	MaxRetries int

	// BaseDelay is the unit for exponential backoff.
	BaseDelay time.Duration
}

// DefaultConfig returns the stock retry tunables.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
	}
}

// fallbackMessages are the canned per-category texts surfaced once retries are
// exhausted. Raw error strings never reach callers.
var fallbackMessages = map[classify.Category]string{
	classify.CategoryTimeout:         "The assistant took too long to respond. Please try again in a moment.",
	classify.CategoryProcessCrash:    "The assistant backend restarted unexpectedly. Your request was not completed; please resend it.",
	classify.CategoryConfusion:       "The assistant could not make sense of that request. Try rephrasing it more directly.",
	classify.CategoryMCPToolFailure:  "A tool the assistant relies on is currently unavailable. Please try again shortly.",
	classify.CategoryInvalidResponse: "The assistant produced an unusable answer. Please try again or rephrase the request.",
	classify.CategoryUnknown:         "Something went wrong while handling your request. Please try again.",
}

// Strategy is the per-category retry decision table.
type Strategy struct {
	cfg Config
}

// New creates a Strategy with the given tunables. Zero values fall back to
// defaults.
func New(cfg Config) *Strategy {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	return &Strategy{cfg: cfg}
}

// Decide returns the retry decision for the given failure. attempt is the
// zero-based count of attempts already made. Once attempt reaches the global
// MaxRetries ceiling the decision is always no-retry with the category's
// fallback, regardless of the per-category policy.
func (s *Strategy) Decide(category classify.Category, attempt int, prompt string) Decision {
	if attempt >= s.cfg.MaxRetries {
		return Decision{
			FallbackMessage: fallbackMessages[category],
			Reason:          "global retry ceiling reached",
		}
	}

	switch category {
	case classify.CategoryTimeout:
		// Retry immediately; timeouts are usually transient load.
		if attempt < 2 {
			return Decision{ShouldRetry: true, Reason: "timeout, immediate retry"}
		}

	case classify.CategoryProcessCrash:
		// One retry against a fresh session.
		if attempt < 1 {
			return Decision{
				ShouldRetry:          true,
				ShouldRestartSession: true,
				Reason:               "process crash, restart and retry once",
			}
		}

	case classify.CategoryConfusion:
		if attempt < 2 {
			return Decision{
				ShouldRetry:    true,
				ModifiedPrompt: "Please answer the following directly and concisely, without asking for clarification: " + prompt,
				Reason:         "confusion, retry with directive prompt",
			}
		}

	case classify.CategoryMCPToolFailure:
		if attempt < 1 {
			return Decision{
				ShouldRetry: true,
				Delay:       s.cfg.BaseDelay,
				Reason:      "tool failure, single delayed retry",
			}
		}

	case classify.CategoryInvalidResponse:
		if attempt < 2 {
			return Decision{
				ShouldRetry:    true,
				Delay:          s.backoff(attempt),
				ModifiedPrompt: prompt + "\n\nPlease finish your thoughts and provide a complete answer.",
				Reason:         "invalid response, backoff retry with completion hint",
			}
		}

	case classify.CategoryUnknown:
		// A repeated unrecognized failure likely means session corruption;
		// force a restart once the second attempt is reached.
		return Decision{
			ShouldRetry:          true,
			Delay:                s.backoff(attempt),
			ShouldRestartSession: attempt >= 2,
			Reason:               "unknown failure, generic backoff",
		}
	}

	return Decision{
		FallbackMessage: fallbackMessages[category],
		Reason:          "category retry budget exhausted",
	}
}

// Fallback returns the canned message for a category without consulting the
// decision tables. Used for admission-refused outcomes that never attempt.
func Fallback(category classify.Category) string {
	return fallbackMessages[category]
}

func (s *Strategy) backoff(attempt int) time.Duration {
	d := s.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
