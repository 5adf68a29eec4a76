// Package extract provides lightweight content tokenization, a token-set
// overlap measure, and gist generation. Only Gist is used elsewhere in the
// module; the association graph does not use Tokens or Overlap.
package extract

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// Tokens lowercases and sentence/word-segments text via prose, returning
// word tokens made of letters, digits and hyphens, with stopword-length
// noise (single characters, pure punctuation) dropped. Order is preserved; duplicates are kept so
// callers can weight by frequency if they choose to.
func Tokens(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	doc, err := prose.NewDocument(text)
	if err != nil {
		return fallbackTokens(text)
	}

	var out []string
	for _, tok := range doc.Tokens() {
		w := strings.ToLower(strings.TrimSpace(tok.Text))
		if !isWordToken(w) {
			continue
		}
		out = append(out, w)
	}
	if len(out) == 0 {
		return fallbackTokens(text)
	}
	return out
}

// fallbackTokens is a dependency-free split used if prose fails to parse
// (e.g. pathological input); keeps tokenization total rather than partial.
func fallbackTokens(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:\"'()[]{}")
		if isWordToken(f) {
			out = append(out, f)
		}
	}
	return out
}

func isWordToken(w string) bool {
	if len(w) < 2 {
		return false
	}
	for _, r := range w {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-' {
			return false
		}
	}
	return true
}

// Overlap returns the Jaccard similarity of two token sets: |a∩b| / |a∪b|.
func Overlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := toSet(a)
	setB := toSet(b)

	inter := 0
	for tok := range setA {
		if setB[tok] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func toSet(tokens []string) map[string]bool {
	s := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		s[t] = true
	}
	return s
}

// Gist truncates text to a short summary: the first sentence if prose can
// find one, else the whole trimmed text, cut to maxRunes runes (with a
// trailing "…") when longer.
func Gist(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	doc, err := prose.NewDocument(text)
	if err == nil {
		if sents := doc.Sentences(); len(sents) > 0 {
			text = strings.TrimSpace(sents[0].Text)
		}
	}

	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes]) + "…"
}
