package validate

import (
	"strings"
	"testing"
)

func newTestValidator() *Validator {
	return New([]string{
		"I'm not sure what you mean",
		"I don't understand",
		"Could you clarify",
	})
}

func TestResponse_Empty(t *testing.T) {
	v := newTestValidator()

	for _, text := range []string{"", "   ", "\n\t\n"} {
		res := v.Response(text, nil)
		if res.Valid || res.Reason != ReasonEmpty {
			t.Errorf("Response(%q) = %+v, want reason %q", text, res, ReasonEmpty)
		}
	}
}

func TestResponse_Confusion(t *testing.T) {
	v := newTestValidator()

	res := v.Response("I don't understand.", nil)
	if res.Valid || res.Reason != ReasonConfusion {
		t.Fatalf("bare marker should be confusion, got %+v", res)
	}

	// A marker followed by substantial content is a real answer.
	long := "I don't understand why that fails, but here is the likely cause: the config file " +
		"is missing the provider entry, so the registry falls back to the default and never " +
		"starts the session process. Add the entry and restart."
	res = v.Response(long, nil)
	if !res.Valid {
		t.Fatalf("marker with long tail should be valid, got %+v", res)
	}
}

func TestResponse_ErrorLeak(t *testing.T) {
	v := newTestValidator()

	leaks := []string{
		"Traceback (most recent call last):\n  File \"x.py\", line 1",
		"TypeError: Cannot read properties of undefined",
		"panic: runtime error: index out of range\n\ngoroutine 1 [running]:",
	}
	for _, text := range leaks {
		res := v.Response(text, nil)
		if res.Valid || res.Reason != ReasonErrorLeak {
			t.Errorf("Response(%q) = %+v, want reason %q", text, res, ReasonErrorLeak)
		}
	}
}

func TestResponse_Truncated(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name string
		text string
	}{
		{"open code fence", "Here is the fix:\n```go\nfunc main() {"},
		{"trailing ellipsis", "The main considerations are..."},
		{"no terminal punctuation", strings.Repeat("word ", 30) + "and then it stops mid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Response(tt.text, nil)
			if res.Valid || res.Reason != ReasonTruncated {
				t.Errorf("got %+v, want reason %q", res, ReasonTruncated)
			}
		})
	}

	// Balanced fences terminate cleanly.
	ok := "Use this:\n```go\nfunc main() {}\n```\nThat compiles."
	if res := v.Response(ok, nil); !res.Valid {
		t.Errorf("balanced fences should be valid, got %+v", res)
	}
}

func TestResponse_Loop(t *testing.T) {
	v := newTestValidator()

	prev := "The gateway retries a timed out request twice before giving up and returning the fallback message to the caller."
	near := "The gateway retries a timed out request twice before giving up and returns the fallback message to the caller."

	res := v.Response(near, []string{prev})
	if res.Valid || res.Reason != ReasonLoop {
		t.Fatalf("near-duplicate should be loop, got %+v", res)
	}

	// Only the last three responses count.
	history := []string{prev, "alpha.", "beta.", "gamma.", "delta."}
	res = v.Response(near, history)
	if !res.Valid {
		t.Fatalf("duplicate outside the 3-response window should be valid, got %+v", res)
	}
}

func TestResponse_FirstMatchWins(t *testing.T) {
	v := newTestValidator()

	// Both a confusion marker and an open code fence; confusion is checked
	// first.
	text := "I don't understand ```"
	res := v.Response(text, nil)
	if res.Reason != ReasonConfusion {
		t.Errorf("got reason %q, want %q", res.Reason, ReasonConfusion)
	}
}

func TestSimilarity(t *testing.T) {
	a := "the quick brown fox jumps over the lazy dog near the river bank today"
	if got := Similarity(a, a); got != 1 {
		t.Errorf("identical similarity = %v, want 1", got)
	}
	if got := Similarity(a, "completely different words entirely unrelated to anything prior said here now"); got > 0.1 {
		t.Errorf("unrelated similarity = %v, want ~0", got)
	}
	if got := Similarity(a, ""); got != 0 {
		t.Errorf("empty similarity = %v, want 0", got)
	}
}
