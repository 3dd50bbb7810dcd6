// Package segment splits chat text into alternating plain-text and opaque
// token segments so that downstream filtering never touches non-text tokens
// (allow-listed image tags, bracketed emoji codes).
package segment

import (
	"regexp"
	"strings"
)

// Kind discriminates the two segment variants.
type Kind int

const (
	// Plain segments carry ordinary text and are subject to filtering.
	Plain Kind = iota
	// Token segments carry opaque markup (image tag, emoji code) that must
	// pass through filtering byte-for-byte.
	Token
)

// Segment is one piece of the original text. Concatenating all segment
// values in order reproduces the input exactly.
type Segment struct {
	Kind  Kind
	Value string
}

// Segmenter recognizes token patterns inside chat text. It is read-only
// after construction and safe for concurrent use.
type Segmenter struct {
	patterns []*regexp.Regexp
}

// emojiPattern matches bracket-delimited emoji codes like [smile]. Nested
// brackets are not allowed, so the body excludes both bracket characters.
var emojiPattern = regexp.MustCompile(`\[[^\[\]]+\]`)

// New creates a Segmenter that recognizes <img> tags whose src points at one
// of the allow-listed hosts, plus [emoji] codes. An empty host list disables
// image-tag recognition entirely (emoji codes are still recognized).
func New(imageHosts []string) *Segmenter {
	patterns := make([]*regexp.Regexp, 0, 2)

	if len(imageHosts) > 0 {
		quoted := make([]string, len(imageHosts))
		for i, h := range imageHosts {
			quoted[i] = regexp.QuoteMeta(h)
		}
		imgExpr := `<img\s[^<>]*src=['"]?https?://(?:` + strings.Join(quoted, "|") + `)/[^'"<>\s]*['"]?[^<>]*>`
		patterns = append(patterns, regexp.MustCompile(imgExpr))
	}
	patterns = append(patterns, emojiPattern)

	return &Segmenter{patterns: patterns}
}

// Split segments text with a single linear left-to-right scan. At each step
// it consumes the earliest remaining match of any token pattern, so a plain
// segment boundary always sits exactly at an accepted token's edges and
// overlapping or malformed tags never create transform ambiguity.
func (s *Segmenter) Split(text string) []Segment {
	if text == "" {
		return nil
	}

	var out []Segment
	rest := text
	for len(rest) > 0 {
		start, end := s.earliestMatch(rest)
		if start < 0 {
			out = append(out, Segment{Kind: Plain, Value: rest})
			break
		}
		if start > 0 {
			out = append(out, Segment{Kind: Plain, Value: rest[:start]})
		}
		out = append(out, Segment{Kind: Token, Value: rest[start:end]})
		rest = rest[end:]
	}
	return out
}

// earliestMatch returns the byte range of the earliest pattern match in text,
// or (-1, -1) when no pattern matches. Ties on the start position are broken
// in favor of the longer match so an image tag wins over an emoji code that
// happens to start at the same byte.
func (s *Segmenter) earliestMatch(text string) (int, int) {
	start, end := -1, -1
	for _, p := range s.patterns {
		loc := p.FindStringIndex(text)
		if loc == nil {
			continue
		}
		if start < 0 || loc[0] < start || (loc[0] == start && loc[1] > end) {
			start, end = loc[0], loc[1]
		}
	}
	return start, end
}

// Join reassembles segments into the original text.
func Join(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		b.WriteString(seg.Value)
	}
	return b.String()
}
