package transcript

import (
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Correction records one replacement made by [Vocabulary.Correct].
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

type token struct {
	lead, core, trail string
}

func splitToken(s string) token {
	isWord := func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' }
	start := strings.IndexFunc(s, isWord)
	if start < 0 {
		return token{lead: s}
	}
	end := strings.LastIndexFunc(s, isWord)
	_, size := utf8.DecodeRuneInString(s[end:])
	end += size
	return token{lead: s[:start], core: s[start:end], trail: s[end:]}
}

type candidate struct {
	start, n int
	term     term
	score    float64
}

// Correct replaces phrases in text that sound like a vocabulary term.
// Every window of words is scored and the best-scoring windows win, so a
// longer window swallowing a neighbour never beats the tighter match.
// Punctuation inside a window breaks it; punctuation at its edges is kept.
// When nothing changes text is returned untouched.
func (v *Vocabulary) Correct(text string) (string, []Correction) {
	fields := strings.Fields(text)
	if v.Len() == 0 || len(fields) == 0 {
		return text, nil
	}
	toks := make([]token, len(fields))
	for i, f := range fields {
		toks[i] = splitToken(f)
	}

	var cands []candidate
	for i := range toks {
		for n := 1; n <= v.maxWords+1 && i+n <= len(toks); n++ {
			words, ok := window(toks[i : i+n])
			if !ok {
				break
			}
			if t, score, ok := v.best(words); ok {
				cands = append(cands, candidate{start: i, n: n, term: t, score: score})
			}
		}
	}
	if len(cands) == 0 {
		return text, nil
	}

	sort.SliceStable(cands, func(a, b int) bool {
		if cands[a].score != cands[b].score {
			return cands[a].score > cands[b].score
		}
		return cands[a].n > cands[b].n
	})
	taken := make([]bool, len(toks))
	chosen := make(map[int]candidate)
	for _, c := range cands {
		free := true
		for k := c.start; k < c.start+c.n; k++ {
			if taken[k] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		for k := c.start; k < c.start+c.n; k++ {
			taken[k] = true
		}
		chosen[c.start] = c
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(toks); {
		c, ok := chosen[i]
		if !ok {
			out = append(out, fields[i])
			i++
			continue
		}
		cores := make([]string, c.n)
		for k := range cores {
			cores[k] = toks[i+k].core
		}
		original := strings.Join(cores, " ")
		if original != c.term.name {
			corrections = append(corrections, Correction{
				Original:   original,
				Corrected:  c.term.name,
				Confidence: c.score,
			})
		}
		out = append(out, toks[i].lead+c.term.name+toks[i+c.n-1].trail)
		i += c.n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// window lower-cases the cores of toks. It fails when a token has no word
// characters or when punctuation separates two of the tokens.
func window(toks []token) ([]string, bool) {
	words := make([]string, len(toks))
	for k, t := range toks {
		if t.core == "" {
			return nil, false
		}
		if k > 0 && t.lead != "" {
			return nil, false
		}
		if k < len(toks)-1 && t.trail != "" {
			return nil, false
		}
		words[k] = strings.ToLower(t.core)
	}
	return words, true
}

// Filter adapts v to a transcript filter that logs each correction at
// debug level. A nil or empty vocabulary yields the identity function.
func Filter(v *Vocabulary, logger *slog.Logger) func(string) string {
	if v.Len() == 0 {
		return func(s string) string { return s }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(s string) string {
		out, corrections := v.Correct(s)
		for _, c := range corrections {
			logger.Debug("transcript corrected",
				"original", c.Original,
				"corrected", c.Corrected,
				"confidence", c.Confidence,
			)
		}
		return out
	}
}
