package classify

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestFailure_ErrorPatterns(t *testing.T) {
	tests := []struct {
		name    string
		errText string
		want    Category
	}{
		{"request timeout", "request timed out after 300000ms", CategoryTimeout},
		{"deadline", "context deadline exceeded", CategoryTimeout},
		{"etimedout", "connect ETIMEDOUT 10.0.0.1:443", CategoryTimeout},
		{"connection timeout beats tool", "connection timed out", CategoryTimeout},
		{"crash with code", "Process exited unexpectedly with code 137", CategoryProcessCrash},
		{"sigkill", "child received SIGKILL", CategoryProcessCrash},
		{"exit status", "exit status 2", CategoryProcessCrash},
		{"broken pipe", "write |1: broken pipe", CategoryProcessCrash},
		{"econnrefused", "ECONNREFUSED", CategoryMCPToolFailure},
		{"conn reset", "read tcp: connection reset by peer", CategoryMCPToolFailure},
		{"mcp failure", "MCP server error: search unavailable", CategoryMCPToolFailure},
		{"tool call failed", "tool call failed: fetch", CategoryMCPToolFailure},
		{"no route", "dial tcp: no route to host", CategoryMCPToolFailure},
		{"unmatched", "something novel happened", CategoryUnknown},
		{"empty error", "", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Failure(tt.errText, ""); got != tt.want {
				t.Errorf("Failure(%q) = %v, want %v", tt.errText, got, tt.want)
			}
		})
	}
}

func TestFailure_ValidationReasonShortCircuits(t *testing.T) {
	tests := []struct {
		reason string
		want   Category
	}{
		{"confusion", CategoryConfusion},
		{"empty", CategoryInvalidResponse},
		{"truncated", CategoryInvalidResponse},
		{"loop", CategoryInvalidResponse},
		{"error_leak", CategoryInvalidResponse},
		{"not_a_known_reason", CategoryInvalidResponse},
	}

	for _, tt := range tests {
		// The error text would otherwise classify as timeout; the reason
		// must win.
		if got := Failure("request timed out", tt.reason); got != tt.want {
			t.Errorf("Failure(timeout text, %q) = %v, want %v", tt.reason, got, tt.want)
		}
	}
}

func TestFailure_Deterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("identical inputs always produce identical categories", prop.ForAll(
		func(errText, reason string) bool {
			first := Failure(errText, reason)
			for i := 0; i < 5; i++ {
				if Failure(errText, reason) != first {
					return false
				}
			}
			return true
		},
		gen.AnyString(),
		gen.OneConstOf("", "empty", "confusion", "truncated", "loop", "error_leak"),
	))

	properties.Property("result is always a known category", prop.ForAll(
		func(errText string) bool {
			got := Failure(errText, "")
			for _, c := range Categories() {
				if got == c {
					return true
				}
			}
			return false
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
