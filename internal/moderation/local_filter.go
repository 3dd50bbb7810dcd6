package moderation

import (
	"strings"
	"unicode"

	goahocorasick "github.com/anknown/ahocorasick"

	"github.com/ConderL/conder-blog-sub001/internal/segment"
)

// maskRune replaces every character of a flagged word.
const maskRune = '*'

// LocalFilter scans plain-text segments against the sensitive word list and
// mask-replaces matches without touching token segments. The word list is
// read-only after construction, so the filter is safe for concurrent use.
type LocalFilter struct {
	segmenter *segment.Segmenter
	machine   *goahocorasick.Machine
}

// NewLocalFilter builds the Aho-Corasick automaton over the lowercased word
// list. An empty word list yields a filter that passes everything through.
func NewLocalFilter(words []string, seg *segment.Segmenter) (*LocalFilter, error) {
	f := &LocalFilter{segmenter: seg}

	patterns := make([][]rune, 0, len(words))
	for _, w := range words {
		w = strings.TrimSpace(w)
		if w == "" {
			continue
		}
		patterns = append(patterns, []rune(strings.ToLower(w)))
	}
	if len(patterns) == 0 {
		return f, nil
	}

	m := new(goahocorasick.Machine)
	if err := m.Build(patterns); err != nil {
		return nil, err
	}
	f.machine = m
	return f, nil
}

// Filter moderates text locally. It never fails: the returned verdict always
// carries a usable FilteredText, with every matched word replaced by a mask
// of equal rune length. Token segments (image tags, emoji codes) pass through
// unmodified. Empty or whitespace-only input short-circuits to a safe verdict.
func (f *LocalFilter) Filter(text string) Verdict {
	v := Verdict{Safe: true, FilteredText: text, UsedFallback: true}
	if f.machine == nil || strings.TrimSpace(text) == "" {
		return v
	}

	segs := f.segmenter.Split(text)
	var (
		b       strings.Builder
		reasons []string
		seen    = map[string]bool{}
	)
	for _, s := range segs {
		if s.Kind == segment.Token {
			b.WriteString(s.Value)
			continue
		}
		masked, hits := f.maskSegment(s.Value)
		for _, w := range hits {
			if !seen[w] {
				seen[w] = true
				reasons = append(reasons, w)
			}
		}
		b.WriteString(masked)
	}

	if len(reasons) > 0 {
		v.Safe = false
		v.Reasons = reasons
	}
	v.FilteredText = b.String()
	return v
}

// maskSegment replaces every sensitive-word occurrence inside one plain
// segment and returns the masked text plus the matched words. Matching is
// case-insensitive; the mask length equals the matched span's rune length.
func (f *LocalFilter) maskSegment(text string) (string, []string) {
	orig := []rune(text)
	lowered := make([]rune, len(orig))
	for i, r := range orig {
		lowered[i] = unicode.ToLower(r)
	}

	terms := f.machine.MultiPatternSearch(lowered, false)
	if len(terms) == 0 {
		return text, nil
	}

	var hits []string
	for _, term := range terms {
		start := term.Pos
		end := start + len(term.Word)
		if start < 0 || end > len(orig) {
			continue
		}
		for i := start; i < end; i++ {
			orig[i] = maskRune
		}
		hits = append(hits, string(term.Word))
	}
	return string(orig), hits
}
