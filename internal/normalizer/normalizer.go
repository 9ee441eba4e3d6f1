// Package normalizer turns raw company names into canonical comparison
// keys and styled display names.
package normalizer

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrEmptyName signals an empty or whitespace-only input.
var ErrEmptyName = eris.New("normalizer: empty name")

var (
	keyPunctRe     = regexp.MustCompile(`[^a-z0-9&]+`)
	displayPunctRe = regexp.MustCompile(`[^\w\s&-]`)
	multiSpaceRe   = regexp.MustCompile(`\s{2,}`)
)

// combiningMarks matches the marks stripped during folding, so "Café"
// and "Cafe" normalize identically.
var combiningMarks = runes.In(unicode.Mn)

// Normalizer derives key forms and display forms from raw names using a
// compiled ruleset. It is pure and safe for concurrent use.
type Normalizer struct {
	suffixes  map[string]bool
	stopwords map[string]bool
	states    map[string]bool
	acronyms  map[string]bool
}

// New compiles a ruleset into a Normalizer.
func New(rs Ruleset) *Normalizer {
	return &Normalizer{
		suffixes:  toSet(rs.LegalSuffixes),
		stopwords: toSet(rs.Stopwords),
		states:    toSet(rs.StateCodes),
		acronyms:  toSet(rs.Acronyms),
	}
}

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, it := range items {
		m[strings.ToLower(strings.TrimSpace(it))] = true
	}
	return m
}

// KeyForm standardizes a raw name into the comparison key:
//  1. Unicode fold (NFKD, strip combining marks)
//  2. lowercase
//  3. "&" -> "and"
//  4. strip punctuation, collapse whitespace
//  5. strip trailing legal suffixes (LLC, Inc, GmbH, ...)
//
// The result is idempotent: KeyForm(KeyForm(x)) == KeyForm(x).
func (n *Normalizer) KeyForm(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrEmptyName
	}

	s := fold(raw)
	s = strings.ToLower(s)
	// Dotted abbreviations ("l.l.c.", "s.a.") must collapse, not split.
	s = strings.NewReplacer(",", "", ".", "", "'", "", "\"", "").Replace(s)
	s = strings.ReplaceAll(s, "&", " and ")
	s = keyPunctRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	tokens := strings.Fields(s)
	tokens = n.stripSuffixes(tokens)
	if len(tokens) == 0 {
		return "", ErrEmptyName
	}

	return strings.Join(tokens, " "), nil
}

// stripSuffixes drops trailing legal-entity tokens, always keeping at
// least one token. "co"/"company" preceded by "and" is kept so names
// like "A & Co" survive.
func (n *Normalizer) stripSuffixes(tokens []string) []string {
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if !n.suffixes[last] {
			break
		}
		if (last == "co" || last == "company") && tokens[len(tokens)-2] == "and" {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

// Display styles a raw name for presentation: punctuation and legal
// suffixes removed, stopwords lowercased mid-name, state codes and
// whitelisted acronyms uppercased, hyphenated parts capitalized.
func (n *Normalizer) Display(raw string) string {
	s := fold(raw)
	s = strings.ReplaceAll(s, "'", "")
	s = displayPunctRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	kept := n.stripDisplaySuffixes(strings.Fields(strings.ToLower(s)))

	styled := make([]string, 0, len(kept))
	for i, tok := range kept {
		styled = append(styled, n.styleToken(tok, i == 0))
	}
	return strings.Join(styled, " ")
}

// stripDisplaySuffixes mirrors stripSuffixes but treats "&" like "and"
// when guarding "& Co".
func (n *Normalizer) stripDisplaySuffixes(tokens []string) []string {
	for len(tokens) > 1 {
		last := tokens[len(tokens)-1]
		if !n.suffixes[last] {
			break
		}
		prev := tokens[len(tokens)-2]
		if (last == "co" || last == "company") && (prev == "and" || prev == "&") {
			break
		}
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func (n *Normalizer) styleToken(tok string, first bool) string {
	switch {
	case tok == "&":
		return "&"
	case n.acronyms[tok]:
		return strings.ToUpper(tok)
	case len(tok) == 2 && n.states[tok]:
		return strings.ToUpper(tok)
	case n.stopwords[tok]:
		if first {
			return capitalize(tok)
		}
		return tok
	default:
		parts := strings.Split(tok, "-")
		for i, p := range parts {
			parts[i] = capitalize(p)
		}
		return strings.Join(parts, "-")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	return string(unicode.ToUpper(r[0])) + string(r[1:])
}

// fold decomposes compatibility forms and strips combining marks,
// falling back to the input on transform failure (never expected for
// valid UTF-8). The transform chain keeps internal buffers and is not
// safe for concurrent use, so it is built per call.
func fold(s string) string {
	out, _, err := transform.String(transform.Chain(norm.NFKD, runes.Remove(combiningMarks), norm.NFC), s)
	if err != nil {
		return s
	}
	return out
}
