// Package moderation provides the content-moderation pipeline for chat
// messages: a segment-aware local word filter, a client for the remote
// text-censorship API, and a circuit breaker that routes between them so
// that moderation never blocks message delivery.
package moderation

import "fmt"

// Verdict is the outcome of moderating one piece of text. It is produced
// fresh per message and never persisted.
type Verdict struct {
	// Safe reports whether the text passed moderation without any hit.
	Safe bool
	// FilteredText is the text with every flagged word mask-replaced.
	// It is always usable, even when Safe is false.
	FilteredText string
	// Reasons lists the flagged words (deduplicated, in match order).
	Reasons []string
	// UsedFallback reports whether the local word filter produced this
	// verdict instead of the remote censorship service.
	UsedFallback bool
}

// CensorError wraps any failure of the remote censorship call: network
// error, non-2xx status, malformed response, missing conclusion field.
// It is never shown to end users; the pipeline records it on the breaker
// and falls back to the local filter.
type CensorError struct {
	Op  string
	Err error
}

func (e *CensorError) Error() string {
	return fmt.Sprintf("moderation: censor %s: %v", e.Op, e.Err)
}

func (e *CensorError) Unwrap() error { return e.Err }
