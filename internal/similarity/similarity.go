// Package similarity provides in-process string similarity scoring for
// store backends that lack a native fuzzy index. Trigram scoring follows
// the pg_trgm model (word-padded trigram sets, shared/union ratio) so the
// SQLite path ranks candidates the same way the Postgres path does.
package similarity

import (
	"strings"
	"unicode"
)

// Trigram returns the trigram similarity of a and b in [0,1].
// Both inputs are lowercased and split on non-alphanumeric runes; each
// word is padded with two leading and one trailing space before trigram
// extraction, matching pg_trgm.
func Trigram(a, b string) float64 {
	ta := trigramSet(a)
	tb := trigramSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	shared := 0
	for t := range ta {
		if tb[t] {
			shared++
		}
	}
	union := len(ta) + len(tb) - shared
	if union == 0 {
		return 0
	}
	return float64(shared) / float64(union)
}

// TokenJaccard returns the Jaccard overlap of the word sets of a and b.
func TokenJaccard(a, b string) float64 {
	sa := tokenSet(a)
	sb := tokenSet(b)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	shared := 0
	for tok := range sa {
		if sb[tok] {
			shared++
		}
	}
	return float64(shared) / float64(len(sa)+len(sb)-shared)
}

func trigramSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, word := range splitWords(s) {
		padded := "  " + word + " "
		for i := 0; i+3 <= len(padded); i++ {
			set[padded[i:i+3]] = true
		}
	}
	return set
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, word := range splitWords(s) {
		set[word] = true
	}
	return set
}

func splitWords(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
