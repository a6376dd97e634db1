// Package similarity finds a cached prompt that is lexically close enough
// to a new one to reuse its answer.
//
// Matching is two passes over history (newest first): an exact pass on
// normalized prompts, then a fuzzy pass scoring each normalized prompt by
// Levenshtein distance. No network, no randomness: the same prompt and
// history always give the same match.
package similarity

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agext/levenshtein"

	"github.com/howard-nolan/llmcompare/internal/store"
)

// DefaultThreshold is the minimum fuzzy score that counts as a match.
const DefaultThreshold = 0.8

// Method says which stage of the lookup produced a Match.
type Method string

const (
	MethodExact     Method = "exact"
	MethodLexical   Method = "lexical"
	MethodAIJudged  Method = "ai-judged"
	MethodEmbedding Method = "embedding"
)

// Match is a prior record judged equivalent to the new prompt.
type Match struct {
	Record store.Record
	Score  float64
	Method Method
}

// articles are stripped from the front of a normalized prompt.
var articles = map[string]bool{"the": true, "a": true, "an": true}

// Normalize canonicalizes a prompt for comparison:
//
//  1. trim and lowercase
//  2. drop punctuation and symbols ("what's?!" -> "whats")
//  3. collapse whitespace runs to one space
//  4. collapse any repeated character to one ("sooo" -> "so")
//  5. strip leading articles, repeatedly, as whole words
//  6. drop repeated words, keeping the first occurrence
//
// Step 4 is aggressive: "too" becomes "to" and "book" becomes "bok", so
// distinct words can merge.
//
// Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	s = strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return -1
		}
		return r
	}, s)

	s = strings.Join(strings.Fields(s), " ")
	s = collapseRepeats(s)

	words := strings.Fields(s)
	for len(words) > 0 && articles[words[0]] {
		words = words[1:]
	}

	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, w := range words {
		if seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}

	return strings.Join(out, " ")
}

// collapseRepeats replaces every run of the same rune with one copy.
func collapseRepeats(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))

	var prev rune = -1
	for _, r := range s {
		if r == prev {
			continue
		}
		sb.WriteRune(r)
		prev = r
	}
	return sb.String()
}

// Similarity scores two already-normalized strings in [0, 1]:
//
//	(maxLen - levenshtein(a, b)) / maxLen
//
// with lengths counted in runes and unit edit costs. Two empty strings
// are identical.
func Similarity(a, b string) float64 {
	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}
	d := levenshtein.Distance(a, b, nil)
	return float64(maxLen-d) / float64(maxLen)
}

// Matcher runs the lexical lookup.
type Matcher struct {
	threshold float64
	score     func(a, b string) float64
}

// NewMatcher returns a Matcher that accepts fuzzy scores >= threshold.
// A threshold outside (0, 1] falls back to DefaultThreshold.
func NewMatcher(threshold float64) *Matcher {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Matcher{threshold: threshold, score: Similarity}
}

// Threshold returns the fuzzy acceptance threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// FindLexicalMatch looks for prompt in history, which must be ordered
// newest first. It returns nil when nothing qualifies.
//
// An exact match on normalized text wins outright and the fuzzy pass
// doesn't run. Otherwise the highest fuzzy score at or above the
// threshold wins, and on a tie the newer record does.
func (m *Matcher) FindLexicalMatch(prompt string, history []store.Record) *Match {
	target := Normalize(prompt)
	if target == "" || len(history) == 0 {
		return nil
	}

	normalized := make([]string, len(history))
	for i, rec := range history {
		normalized[i] = Normalize(rec.Prompt)
		if normalized[i] == target {
			return &Match{Record: rec, Score: 1, Method: MethodExact}
		}
	}

	best := -1
	bestScore := 0.0
	for i := range history {
		if normalized[i] == "" {
			continue
		}
		s := m.score(target, normalized[i])
		if s >= m.threshold && s > bestScore {
			best, bestScore = i, s
		}
	}

	if best < 0 {
		return nil
	}
	return &Match{Record: history[best], Score: bestScore, Method: MethodLexical}
}
