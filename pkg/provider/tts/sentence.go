package tts

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SentenceEnd returns the byte index just past the first sentence in s, or -1
// if s holds no complete sentence yet. A sentence ends at '.', '!' or '?'
// followed by whitespace; closing quotes and brackets directly after the mark
// belong to the sentence. When final is true the end of s also terminates a
// sentence, which is how a trailing fragment without punctuation is flushed.
//
// Requiring whitespace keeps "3.14" and "e.g.x" intact while text is still
// streaming in.
func SentenceEnd(s string, final bool) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '.', '!', '?':
		default:
			continue
		}
		j := i + 1
		for j < len(s) && strings.IndexByte(`"')]`, s[j]) >= 0 {
			j++
		}
		// Multi-byte closing quotes.
		for j < len(s) {
			r, size := utf8.DecodeRuneInString(s[j:])
			if r != '”' && r != '’' && r != '»' {
				break
			}
			j += size
		}
		if j == len(s) {
			if final {
				return j
			}
			return -1
		}
		r, _ := utf8.DecodeRuneInString(s[j:])
		if unicode.IsSpace(r) {
			return j
		}
	}
	if final && strings.TrimSpace(s) != "" {
		return len(s)
	}
	return -1
}

// SplitSentences splits complete text into trimmed sentences. The trailing
// fragment without terminal punctuation is returned as its own sentence.
func SplitSentences(s string) []string {
	var out []string
	for {
		end := SentenceEnd(s, true)
		if end < 0 {
			return out
		}
		if sent := strings.TrimSpace(s[:end]); sent != "" {
			out = append(out, sent)
		}
		s = s[end:]
	}
}
