package normalizer

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Ruleset is the configurable part of name normalization. The engine only
// constrains the shape of the key form, not its derivation, so the suffix
// and casing lists live in configuration rather than code.
type Ruleset struct {
	// LegalSuffixes are entity-type tokens stripped from the end of a
	// name, lowercase, punctuation-free ("llc", "inc", "gmbh", ...).
	LegalSuffixes []string `yaml:"legal_suffixes"`
	// Stopwords stay lowercase in display names unless leading.
	Stopwords []string `yaml:"stopwords"`
	// StateCodes are two-letter tokens uppercased in display names.
	StateCodes []string `yaml:"state_codes"`
	// Acronyms are tokens always uppercased in display names.
	Acronyms []string `yaml:"acronyms"`
}

// DefaultRuleset returns the built-in normalization rules.
func DefaultRuleset() Ruleset {
	return Ruleset{
		LegalSuffixes: []string{
			"llc", "inc", "incorporated",
			"corp", "corporation",
			"ltd", "limited",
			"lp", "llp", "pllc",
			"pc", "pa", "plc",
			"co", "company",
			"gmbh", "ag", "sa", "bv", "nv",
			"na", "dba",
			"dds", "dmd", "md",
		},
		Stopwords: []string{
			"of", "and", "the", "for", "in", "on", "at", "with", "to", "from", "by",
		},
		StateCodes: []string{
			"al", "ak", "az", "ar", "ca", "co", "ct", "de", "fl", "ga", "hi",
			"id", "il", "in", "ia", "ks", "ky", "la", "me", "md", "ma", "mi",
			"mn", "ms", "mo", "mt", "ne", "nv", "nh", "nj", "nm", "ny", "nc",
			"nd", "oh", "ok", "or", "pa", "ri", "sc", "sd", "tn", "tx", "ut",
			"vt", "va", "wa", "wv", "wi", "wy",
		},
		Acronyms: []string{"usa", "ibm", "mri", "bsn"},
	}
}

// LoadRules reads a YAML ruleset from path. Empty lists fall back to the
// built-in defaults so a partial file only overrides what it names.
func LoadRules(path string) (Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Ruleset{}, eris.Wrapf(err, "normalizer: read rules %s", path)
	}

	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return Ruleset{}, eris.Wrapf(err, "normalizer: parse rules %s", path)
	}

	def := DefaultRuleset()
	if len(rs.LegalSuffixes) == 0 {
		rs.LegalSuffixes = def.LegalSuffixes
	}
	if len(rs.Stopwords) == 0 {
		rs.Stopwords = def.Stopwords
	}
	if len(rs.StateCodes) == 0 {
		rs.StateCodes = def.StateCodes
	}
	if len(rs.Acronyms) == 0 {
		rs.Acronyms = def.Acronyms
	}
	return rs, nil
}
