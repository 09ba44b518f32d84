// Package transcript repairs speech-to-text output against a fixed
// vocabulary of proper nouns the recogniser tends to mangle.
//
// Candidates are found with Double Metaphone codes and ranked with
// Jaro-Winkler similarity. A phrase whose phonetic codes overlap a term is
// accepted at the phonetic threshold (default 0.70); any other phrase must
// reach the stricter fuzzy threshold (default 0.85).
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Option configures a [Vocabulary].
type Option func(*Vocabulary)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically overlapping term.
func WithPhoneticThreshold(threshold float64) Option {
	return func(v *Vocabulary) {
		v.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a term without
// phonetic overlap.
func WithFuzzyThreshold(threshold float64) Option {
	return func(v *Vocabulary) {
		v.fuzzyThreshold = threshold
	}
}

type term struct {
	name   string
	lower  string
	concat string
	words  int
	codes  map[string]struct{}
}

// Vocabulary is an immutable set of known terms with their phonetic codes
// computed up front. It is safe for concurrent use.
type Vocabulary struct {
	terms             []term
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewVocabulary builds a Vocabulary from terms. Blank and duplicate terms
// (compared case-insensitively) are skipped; the first spelling wins.
func NewVocabulary(terms []string, opts ...Option) *Vocabulary {
	v := &Vocabulary{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(v)
	}

	seen := make(map[string]struct{}, len(terms))
	for _, name := range terms {
		name = strings.Join(strings.Fields(name), " ")
		words := strings.Fields(strings.ToLower(name))
		if len(words) == 0 {
			continue
		}
		lower := strings.Join(words, " ")
		if _, dup := seen[lower]; dup {
			continue
		}
		seen[lower] = struct{}{}
		v.terms = append(v.terms, term{
			name:   name,
			lower:  lower,
			concat: strings.Join(words, ""),
			words:  len(words),
			codes:  codesFor(words),
		})
		v.maxWords = max(v.maxWords, len(words))
	}
	return v
}

// Len reports the number of distinct terms.
func (v *Vocabulary) Len() int {
	if v == nil {
		return 0
	}
	return len(v.terms)
}

// Terms returns the canonical spellings in insertion order.
func (v *Vocabulary) Terms() []string {
	if v == nil {
		return nil
	}
	out := make([]string, len(v.terms))
	for i, t := range v.terms {
		out[i] = t.name
	}
	return out
}

// Match finds the term closest to phrase. When matched is false corrected
// equals phrase and confidence is 0.
func (v *Vocabulary) Match(phrase string) (corrected string, confidence float64, matched bool) {
	words := strings.Fields(strings.ToLower(phrase))
	if v.Len() == 0 || len(words) == 0 {
		return phrase, 0, false
	}
	t, score, ok := v.best(words)
	if !ok {
		return phrase, 0, false
	}
	return t.name, score, true
}

// best ranks every term against the lower-cased words of one phrase.
// Phonetic candidates always outrank fuzzy-only ones.
func (v *Vocabulary) best(words []string) (term, float64, bool) {
	full := strings.Join(words, " ")
	concat := strings.Join(words, "")
	codes := codesFor(words)

	var (
		found    term
		score    float64
		phonetic bool
		ok       bool
	)
	for _, t := range v.terms {
		if !comparable(len(words), concat, t) {
			continue
		}
		s := similarity(full, concat, t)
		if codesOverlap(codes, t.codes) {
			if s >= v.phoneticThreshold && (!phonetic || s > score) {
				found, score, phonetic, ok = t, s, true, true
			}
		} else if !phonetic && s >= v.fuzzyThreshold && s > score {
			found, score, ok = t, s, true
		}
	}
	return found, score, ok
}

// comparable rejects phrases whose word count or letter count is too far
// from the term for a plausible mishearing.
func comparable(words int, concat string, t term) bool {
	if words < t.words-1 || words > t.words+1 {
		return false
	}
	diff := len(concat) - len(t.concat)
	if diff < 0 {
		diff = -diff
	}
	return diff <= max(2, len(t.concat)/3)
}

// similarity is the better of the spaced and the space-stripped
// Jaro-Winkler scores, so "elder nacks" can reach "eldrinax".
func similarity(full, concat string, t term) float64 {
	if full == t.lower {
		return 1
	}
	s := matchr.JaroWinkler(full, t.lower, false)
	if c := matchr.JaroWinkler(concat, t.concat, false); c > s {
		s = c
	}
	return s
}

// codesFor returns the union of the primary and alternate Double Metaphone
// codes of words. Empty codes are dropped.
func codesFor(words []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(words)*2)
	for _, w := range words {
		p, s := matchr.DoubleMetaphone(w)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
