package skills

import (
	"strings"
	"unicode"

	"github.com/agnivade/levenshtein"
)

// Scorer compares an input against a single trigger phrase and returns a
// score in [0, 1]. Both arguments are already normalized.
type Scorer interface {
	Score(text, trigger string) float64
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(text, trigger string) float64

// Score implements Scorer.
func (f ScorerFunc) Score(text, trigger string) float64 { return f(text, trigger) }

// Normalize lowercases text, replaces punctuation with spaces, and collapses whitespace.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
func containsPhrase(text, phrase string) bool {
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

// ContainmentScorer scores 1.0 when the trigger phrase appears verbatim in
// the input and 0 otherwise.
type ContainmentScorer struct{}

// Score implements Scorer.
func (ContainmentScorer) Score(text, trigger string) float64 {
	if containsPhrase(text, trigger) {
		return 1.0
	}
	return 0
}

// FuzzyScorer keeps exact containment at 1.0 and otherwise scores token-level
// edit-distance similarity, scaled by Ceiling so fuzzy matches always rank
// below exact ones.
type FuzzyScorer struct {
	// Ceiling caps fuzzy scores; must be < 1.
	Ceiling float64
	// TokenThreshold is the minimum per-token similarity that counts as a hit.
	TokenThreshold float64
}

// NewFuzzyScorer returns a FuzzyScorer with default tuning.
func NewFuzzyScorer() *FuzzyScorer {
	return &FuzzyScorer{Ceiling: 0.9, TokenThreshold: 0.75}
}

// Score implements Scorer.
func (f *FuzzyScorer) Score(text, trigger string) float64 {
	if containsPhrase(text, trigger) {
		return 1.0
	}
	textTokens := contentTokens(text)
	triggerTokens := contentTokens(trigger)
	if len(textTokens) == 0 || len(triggerTokens) == 0 {
		return 0
	}

	total := 0.0
	for _, tt := range triggerTokens {
		best := 0.0
		for _, w := range textTokens {
			if s := tokenSimilarity(w, tt); s > best {
				best = s
			}
		}
		if best >= f.TokenThreshold {
			total += best
		}
	}
	return f.Ceiling * total / float64(len(triggerTokens))
}

func tokenSimilarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "on": true, "for": true, "with": true, "about": true,
	"me": true, "my": true, "i": true, "please": true, "some": true, "this": true,
	"that": true, "is": true, "it": true, "do": true, "can": true, "you": true,
}

// contentTokens splits normalized text and drops stop words; when only stop
// words remain the full token list is kept.
func contentTokens(s string) []string {
	all := strings.Fields(s)
	out := make([]string, 0, len(all))
	for _, t := range all {
		if !stopWords[t] {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return all
	}
	return out
}

// ScorerByName maps a configured scorer name to an implementation.
func ScorerByName(name string) Scorer {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "exact", "containment":
		return ContainmentScorer{}
	default:
		return NewFuzzyScorer()
	}
}
