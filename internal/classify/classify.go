// Package classify maps raw failure text from a provider session to a fixed
// set of failure categories. Classification is a pure function over the error
// string and an optional validation reason; it keeps no state so callers can
// invoke it from any goroutine.
package classify

import (
	"regexp"
)

// Category is the failure categorization used by the retry policy engine.
type Category string

const (
	// CategoryTimeout indicates the request deadline was exceeded.
	CategoryTimeout Category = "timeout"

	// CategoryProcessCrash indicates the child process exited unexpectedly.
	CategoryProcessCrash Category = "process_crash"

	// CategoryConfusion indicates the model answered with a confusion marker
	// instead of a substantive response.
	CategoryConfusion Category = "confusion"

	// CategoryMCPToolFailure indicates an external tool invoked by the model
	// failed, typically a connectivity error.
	CategoryMCPToolFailure Category = "mcp_tool_failure"

	// CategoryInvalidResponse indicates the transport succeeded but the
	// content failed validation.
	CategoryInvalidResponse Category = "invalid_response"

	// CategoryUnknown is the fallback when nothing else matches.
	CategoryUnknown Category = "unknown"
)

// pattern associates a compiled regex with the category it implies.
// Patterns are evaluated in slice order; the first match wins.
type pattern struct {
	name     string
	regex    *regexp.Regexp
	category Category
}

// errorPatterns are the ordered pattern groups tested against raw error text.
// Timeout phrases are checked before crash phrases, which are checked before
// tool/connectivity phrases. Ordering is load-bearing: "connection timed out"
// must classify as timeout, not as a tool failure.
var errorPatterns = []*pattern{
	// Timeout phrases
	{
		name:     "deadline_exceeded",
		regex:    regexp.MustCompile(`(?i)(deadline\s+exceeded|context\s+deadline)`),
		category: CategoryTimeout,
	},
	{
		name:     "timed_out",
		regex:    regexp.MustCompile(`(?i)(timed?\s*out|timeout|ETIMEDOUT)`),
		category: CategoryTimeout,
	},

	// Crash / signal phrases
	{
		name:     "exited_unexpectedly",
		regex:    regexp.MustCompile(`(?i)(exited\s+unexpectedly|process\s+exited|exit\s+status\s+[1-9])`),
		category: CategoryProcessCrash,
	},
	{
		name:     "killed_signal",
		regex:    regexp.MustCompile(`(?i)(killed|SIGKILL|SIGSEGV|SIGTERM|signal\s+(9|11|15)|code\s+137|segmentation\s+fault)`),
		category: CategoryProcessCrash,
	},
	{
		name:     "broken_pipe",
		regex:    regexp.MustCompile(`(?i)(broken\s+pipe|EPIPE|file\s+already\s+closed)`),
		category: CategoryProcessCrash,
	},

	// Tool / connectivity phrases
	{
		name:     "conn_refused",
		regex:    regexp.MustCompile(`(?i)(ECONNREFUSED|ECONNRESET|ENOTFOUND|connection\s+(refused|reset))`),
		category: CategoryMCPToolFailure,
	},
	{
		name:     "mcp_tool",
		regex:    regexp.MustCompile(`(?i)(mcp|tool)\s*(server|call|invocation)?\s*(error|failed|failure)`),
		category: CategoryMCPToolFailure,
	},
	{
		name:     "network_unreachable",
		regex:    regexp.MustCompile(`(?i)(network\s+is\s+unreachable|no\s+route\s+to\s+host|dns\s+lookup\s+failed)`),
		category: CategoryMCPToolFailure,
	},
}

// reasonCategories maps validator reasons to categories. A validation reason
// short-circuits pattern matching entirely.
var reasonCategories = map[string]Category{
	"empty":      CategoryInvalidResponse,
	"confusion":  CategoryConfusion,
	"error_leak": CategoryInvalidResponse,
	"truncated":  CategoryInvalidResponse,
	"loop":       CategoryInvalidResponse,
}

// Failure classifies a failing call. validationReason, when non-empty, is the
// reason produced by the response validator and takes precedence over the raw
// error text. Unrecognized input falls through to CategoryUnknown.
func Failure(errText, validationReason string) Category {
	if validationReason != "" {
		if cat, ok := reasonCategories[validationReason]; ok {
			return cat
		}
		return CategoryInvalidResponse
	}

	for _, p := range errorPatterns {
		if p.regex.MatchString(errText) {
			return p.category
		}
	}

	return CategoryUnknown
}

// Categories returns every known category. Used by metrics to pre-populate
// per-category counters.
func Categories() []Category {
	return []Category{
		CategoryTimeout,
		CategoryProcessCrash,
		CategoryConfusion,
		CategoryMCPToolFailure,
		CategoryInvalidResponse,
		CategoryUnknown,
	}
}
