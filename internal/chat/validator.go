package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// maxContentBytes caps the raw payload size of a single message.
	maxContentBytes = 4096

	// maxContentRunes caps the visible length of a single message.
	maxContentRunes = 2000
)

// ValidationResult describes why a message was rejected. A zero value means
// the message is acceptable.
type ValidationResult struct {
	Rejected bool
	Reason   string
}

// ValidateContent performs structural checks on a submitted message before
// it enters the moderation pipeline. It rejects empty or whitespace-only
// content, oversized content, invalid UTF-8, and flood patterns.
func ValidateContent(content string) ValidationResult {
	if strings.TrimSpace(content) == "" {
		return ValidationResult{Rejected: true, Reason: "empty message"}
	}
	if len(content) > maxContentBytes {
		return ValidationResult{Rejected: true, Reason: "message too large"}
	}
	if !utf8.ValidString(content) {
		return ValidationResult{Rejected: true, Reason: "invalid encoding"}
	}
	if utf8.RuneCountInString(content) > maxContentRunes {
		return ValidationResult{Rejected: true, Reason: "message too long"}
	}
	if hasCharFlood(content) {
		return ValidationResult{Rejected: true, Reason: "character flooding detected"}
	}
	if hasWordFlood(content) {
		return ValidationResult{Rejected: true, Reason: "repeated word flooding detected"}
	}
	return ValidationResult{}
}

// hasCharFlood returns true if text contains 10 or more consecutive
// identical characters. Go's regexp package (RE2) does not support
// backreferences, so this is a simple linear scan.
func hasCharFlood(text string) bool {
	const threshold = 10

	count := 1
	prev := rune(-1)
	for _, r := range text {
		if r == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = r
		}
	}
	return false
}

// hasWordFlood returns true if the same word appears 5 or more times
// consecutively (case-insensitive). Words are delimited by whitespace.
func hasWordFlood(text string) bool {
	const threshold = 5

	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	if len(words) < threshold {
		return false
	}

	count := 1
	prev := ""
	for _, w := range words {
		lower := strings.ToLower(w)
		if lower == prev {
			count++
			if count >= threshold {
				return true
			}
		} else {
			count = 1
			prev = lower
		}
	}
	return false
}
