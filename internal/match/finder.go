// Package match finds candidate canonical companies for a normalized
// name and decides whether to attach, create, or flag it as ambiguous.
package match

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedup-cli/internal/model"
)

// CandidateReader is the read-only slice of the store the Finder needs.
type CandidateReader interface {
	GetCanonicalByKeyForm(ctx context.Context, keyForm string) (*model.CanonicalCompany, error)
	SearchCandidates(ctx context.Context, keyForm, rawName string, limit int) ([]model.Candidate, error)
}

// Finder computes candidate lists per observation. Results are freshly
// computed on every call; the store mutates concurrently so candidate
// lists must never be cached.
type Finder struct {
	store CandidateReader
	limit int
}

// NewFinder creates a Finder returning at most limit candidates.
func NewFinder(s CandidateReader, limit int) *Finder {
	if limit <= 0 {
		limit = 5
	}
	return &Finder{store: s, limit: limit}
}

// Find returns candidates for keyForm in decision order. An exact
// key_form hit is the sole candidate with score 1.0; otherwise the
// fuzzy search supplies the top-K, scoring stored alias spellings
// against the raw name as well as the normalized key.
func (f *Finder) Find(ctx context.Context, keyForm, rawName string) ([]model.Candidate, error) {
	exact, err := f.store.GetCanonicalByKeyForm(ctx, keyForm)
	if err != nil {
		return nil, eris.Wrap(err, "match: exact lookup")
	}
	if exact != nil {
		zap.L().Debug("exact key_form match",
			zap.String("component", "match"),
			zap.String("key_form", keyForm),
			zap.String("canonical_id", exact.ID))
		return []model.Candidate{{
			CanonicalID:   exact.ID,
			CanonicalName: exact.CanonicalName,
			Score:         1.0,
			AliasesCount:  exact.AliasesCount,
			FirstSeen:     exact.FirstSeen,
		}}, nil
	}

	cands, err := f.store.SearchCandidates(ctx, keyForm, rawName, f.limit)
	if err != nil {
		return nil, eris.Wrap(err, "match: fuzzy search")
	}
	SortCandidates(cands)
	if len(cands) > f.limit {
		cands = cands[:f.limit]
	}
	return cands, nil
}

// SortCandidates orders by score descending, breaking ties by larger
// aliases_count, then earlier first_seen.
func SortCandidates(cands []model.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].Score != cands[j].Score {
			return cands[i].Score > cands[j].Score
		}
		if cands[i].AliasesCount != cands[j].AliasesCount {
			return cands[i].AliasesCount > cands[j].AliasesCount
		}
		return cands[i].FirstSeen.Before(cands[j].FirstSeen)
	})
}
