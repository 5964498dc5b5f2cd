package match

import (
	"strings"
	"sync/atomic"

	"github.com/agnivade/levenshtein"

	"voicealarm/internal/domain"
)

// DefaultThreshold is the minimum similarity for a keyword to count as spoken.
const DefaultThreshold = 0.8

// Matcher holds the configured dismissal phrases and scores transcript
// fragments against them. The phrase set is replaced atomically as a whole,
// never edited in place, so Match always sees a fully-formed snapshot and can
// run concurrently with SetKeywords without locking.
type Matcher struct {
	threshold float64
	keywords  atomic.Value // []string, normalized
}

// NewMatcher builds a matcher seeded with the given phrases. An empty or
// all-blank phrase list falls back to DefaultKeywords; a non-positive
// threshold falls back to DefaultThreshold.
func NewMatcher(threshold float64, phrases []string) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	m := &Matcher{threshold: threshold}
	m.SetKeywords(phrases)
	return m
}

// SetKeywords atomically replaces the phrase set with the normalized form of
// phrases: lower-cased, trimmed, empty entries dropped, duplicates kept in
// order. Blank input keeps the built-in default set.
func (m *Matcher) SetKeywords(phrases []string) {
	normalized := NormalizePhrases(phrases)
	if len(normalized) == 0 {
		normalized = DefaultKeywords()
	}
	m.keywords.Store(normalized)
}

// Keywords returns a copy of the current phrase snapshot.
func (m *Matcher) Keywords() []string {
	snapshot := m.snapshot()
	out := make([]string, len(snapshot))
	copy(out, snapshot)
	return out
}

// Threshold returns the configured similarity threshold.
func (m *Matcher) Threshold() float64 { return m.threshold }

// Match scores text against every configured phrase and returns the best
// result. For each keyword only the trailing window of text is compared (the
// last N words, N being the keyword's word count) so streaming prefixes like
// "uh okay okay wake up" still match. Deterministic: the highest similarity
// wins, ties resolve to the earliest configured keyword.
func (m *Matcher) Match(text string) domain.MatchResult {
	normalized := normalizeText(text)
	if normalized == "" {
		return domain.MatchResult{}
	}

	words := strings.Fields(normalized)
	var best domain.MatchResult
	for _, keyword := range m.snapshot() {
		window := trailingWindow(words, len(strings.Fields(keyword)))
		score := similarity(window, keyword)
		if score > best.Similarity {
			best.Similarity = score
			if score >= m.threshold {
				best.MatchedKeyword = keyword
			} else {
				best.MatchedKeyword = ""
			}
		}
	}
	return best
}

func (m *Matcher) snapshot() []string {
	if v, ok := m.keywords.Load().([]string); ok {
		return v
	}
	return nil
}

// similarity derives a 0..1 score from the character-level Levenshtein
// distance between the two strings, normalized by the longer length.
func similarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	longest := len([]rune(a))
	if lb := len([]rune(b)); lb > longest {
		longest = lb
	}
	distance := levenshtein.ComputeDistance(a, b)
	return 1 - float64(distance)/float64(longest)
}

func trailingWindow(words []string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(words) > n {
		words = words[len(words)-n:]
	}
	return strings.Join(words, " ")
}

func normalizeText(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}
