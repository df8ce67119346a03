// Package validate inspects finished AI responses for content-level failures
// that a successful transport hides: empty answers, confusion markers, leaked
// stack traces, truncation, and repetition loops against recent history.
package validate

import (
	"regexp"
	"strings"
)

// Reasons produced by Validate. The classifier maps these onto failure
// categories; the strings are part of the contract and must stay stable.
const (
	ReasonEmpty     = "empty"
	ReasonConfusion = "confusion"
	ReasonErrorLeak = "error_leak"
	ReasonTruncated = "truncated"
	ReasonLoop      = "loop"
)

const (
	// confusionTailLimit is how much substantive content may follow a
	// confusion marker before the response is considered a real answer.
	confusionTailLimit = 50

	// punctuationCheckMin is the response length above which a missing
	// terminal punctuation mark indicates truncation.
	punctuationCheckMin = 100

	// loopHistory is how many recent responses are compared for loops.
	loopHistory = 3

	// loopSimilarityThreshold is the shingle-overlap ratio above which two
	// responses count as near-duplicates.
	loopSimilarityThreshold = 0.7
)

// errorLeakPatterns recognize stack traces and raw error dumps that must never
// reach end users. Ordered roughly by how often each shows up in practice.
var errorLeakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`Traceback \(most recent call last\)`),
	regexp.MustCompile(`(?m)^\s+at .+ \(.+:\d+:\d+\)$`),
	regexp.MustCompile(`UnhandledPromiseRejection`),
	regexp.MustCompile(`(?m)^panic: `),
	regexp.MustCompile(`(?m)^goroutine \d+ \[`),
	regexp.MustCompile(`(?i)^(fatal |internal )?error:.{0,120}$`),
	regexp.MustCompile(`(?i)(TypeError|ReferenceError|NullPointerException|segmentation fault)`),
}

// Result is the outcome of validating a single response.
type Result struct {
	// Valid is true when no check fired.
	Valid bool

	// Reason is one of the Reason* constants when Valid is false.
	Reason string

	// Detail carries context about what matched, for logs only.
	Detail string
}

// Validator checks responses against configured confusion markers and a short
// history of prior responses.
type Validator struct {
	markers []string
}

// New creates a Validator with the given confusion-marker phrases. Markers are
// matched case-insensitively.
func New(markers []string) *Validator {
	lowered := make([]string, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m != "" {
			lowered = append(lowered, strings.ToLower(m))
		}
	}
	return &Validator{markers: lowered}
}

// Response runs all checks in order against text. recent holds the most recent
// prior responses, newest last; only the trailing three are consulted. The
// first failing check wins.
func (v *Validator) Response(text string, recent []string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Reason: ReasonEmpty}
	}

	if reason, detail := v.checkConfusion(trimmed); reason != "" {
		return Result{Reason: reason, Detail: detail}
	}

	for _, p := range errorLeakPatterns {
		if loc := p.FindString(text); loc != "" {
			return Result{Reason: ReasonErrorLeak, Detail: firstLine(loc)}
		}
	}

	if detail := checkTruncated(trimmed); detail != "" {
		return Result{Reason: ReasonTruncated, Detail: detail}
	}

	start := len(recent) - loopHistory
	if start < 0 {
		start = 0
	}
	for _, prev := range recent[start:] {
		if Similarity(trimmed, prev) > loopSimilarityThreshold {
			return Result{Reason: ReasonLoop, Detail: "near-duplicate of a recent response"}
		}
	}

	return Result{Valid: true}
}

// checkConfusion reports whether the response is dominated by a confusion
// marker: the marker is present and fewer than confusionTailLimit characters
// of content follow it.
func (v *Validator) checkConfusion(text string) (reason, detail string) {
	lower := strings.ToLower(text)
	for _, marker := range v.markers {
		idx := strings.Index(lower, marker)
		if idx < 0 {
			continue
		}
		tail := strings.TrimSpace(text[idx+len(marker):])
		if len(tail) < confusionTailLimit {
			return ReasonConfusion, marker
		}
	}
	return "", ""
}

// checkTruncated detects unterminated code fences, trailing ellipses, and
// missing terminal punctuation on long responses.
func checkTruncated(text string) string {
	if strings.Count(text, "```")%2 != 0 {
		return "unterminated code fence"
	}
	if strings.HasSuffix(text, "...") || strings.HasSuffix(text, "…") {
		return "trailing ellipsis"
	}
	if len(text) > punctuationCheckMin {
		last, _ := lastRune(text)
		if !strings.ContainsRune(".!?:;)\"'`]}", last) {
			return "missing terminal punctuation"
		}
	}
	return ""
}

// Similarity computes a windowed substring similarity between two texts: both
// are cut into overlapping word shingles and the overlap ratio against the
// smaller shingle set is returned, in [0, 1]. Short texts fall back to direct
// comparison.
func Similarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}

	const shingleSize = 4
	sa := shingles(a, shingleSize)
	sb := shingles(b, shingleSize)
	if len(sa) == 0 || len(sb) == 0 {
		// Too short for shingling; containment is the signal.
		if strings.Contains(a, b) || strings.Contains(b, a) {
			return 1
		}
		return 0
	}

	smaller, larger := sa, sb
	if len(sb) < len(sa) {
		smaller, larger = sb, sa
	}

	matched := 0
	for s := range smaller {
		if _, ok := larger[s]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(smaller))
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// shingles returns the set of overlapping n-word windows in s.
func shingles(s string, n int) map[string]struct{} {
	words := strings.Fields(s)
	if len(words) < n {
		return nil
	}
	out := make(map[string]struct{}, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		out[strings.Join(words[i:i+n], " ")] = struct{}{}
	}
	return out
}

func lastRune(s string) (rune, bool) {
	var last rune
	found := false
	for _, r := range s {
		last = r
		found = true
	}
	return last, found
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
