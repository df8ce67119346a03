// Copyright 2026 The aibridge Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Kind identifies what a single stdout line from the provider CLI means.
type Kind int

const (
	// KindNoise is a line that is not JSON at all: startup banners, cached
	// credential notices, stray logs. Ignored silently.
	KindNoise Kind = iota

	// KindUnknown is valid JSON whose type the protocol does not recognize.
	// Ignored, but worth a debug log since it may indicate a
	// protocol change.
	KindUnknown

	// KindText is an incremental assistant-text fragment.
	KindText

	// KindResult is the terminal message carrying the final text and usage.
	KindResult
)

// Usage is the token accounting reported by the terminal message.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Message is one parsed line of the child's NDJSON stream.
type Message struct {
	Kind    Kind
	Text    string
	Result  string
	Usage   Usage
	IsError bool
}

// ParseLine classifies a single stdout line. Lines that fail to parse as JSON
// are protocol noise, not errors; "not JSON" and "valid JSON but unrecognized"
// are distinct kinds so callers can log the latter.
//
// Recognized shapes, covering the known provider CLIs:
//
//	{"type":"assistant","message":{"content":[{"type":"text","text":"..."}]}}
//	{"type":"content_block_delta","delta":{"text":"..."}}
//	{"type":"message","content":"...","delta":true}
//	{"type":"result","result":"...","is_error":false,"usage":{...}}
func ParseLine(line string) Message {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") || !gjson.Valid(trimmed) {
		return Message{Kind: KindNoise}
	}

	switch gjson.Get(trimmed, "type").String() {
	case "assistant":
		var sb strings.Builder
		gjson.Get(trimmed, "message.content").ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				sb.WriteString(block.Get("text").String())
			}
			return true
		})
		return Message{Kind: KindText, Text: sb.String()}

	case "content_block_delta":
		return Message{Kind: KindText, Text: gjson.Get(trimmed, "delta.text").String()}

	case "message":
		// Generic delta format; non-delta message lines are bookkeeping.
		if !gjson.Get(trimmed, "delta").Bool() {
			return Message{Kind: KindUnknown}
		}
		return Message{Kind: KindText, Text: gjson.Get(trimmed, "content").String()}

	case "result":
		return Message{
			Kind:    KindResult,
			Result:  gjson.Get(trimmed, "result").String(),
			IsError: gjson.Get(trimmed, "is_error").Bool(),
			Usage: Usage{
				InputTokens:  int(gjson.Get(trimmed, "usage.input_tokens").Int()),
				OutputTokens: int(gjson.Get(trimmed, "usage.output_tokens").Int()),
			},
		}
	}

	return Message{Kind: KindUnknown}
}

// authFailurePhrases are scanned against the first bytes of an accumulating
// response to detect silent authentication loss.
var authFailurePhrases = []string{
	"invalid api key",
	"please run /login",
	"not authenticated",
	"not logged in",
	"oauth token has expired",
	"authentication_error",
	"api error: 401",
}

// authScanLimit bounds how much of the accumulated buffer is inspected; auth
// failures surface in the first line or two of output.
const authScanLimit = 200

// DetectAuthFailure reports whether the accumulated buffer looks like an
// authentication failure. Only buffers still shorter than authScanLimit are
// scanned; once real content is flowing the phrases stop being meaningful.
func DetectAuthFailure(buf string) (string, bool) {
	if len(buf) > authScanLimit {
		return "", false
	}
	lower := strings.ToLower(buf)
	for _, phrase := range authFailurePhrases {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}
