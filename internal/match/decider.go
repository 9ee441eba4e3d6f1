package match

import (
	"github.com/sells-group/dedup-cli/internal/model"
)

// DecisionKind is the outcome of deciding one candidate list.
type DecisionKind string

const (
	DecideAttach    DecisionKind = "attach"
	DecideCreate    DecisionKind = "create"
	DecideAmbiguous DecisionKind = "ambiguous"
)

// Decision is the result of Decide. Candidate is set for attach;
// Candidates preserves the full context for ambiguous outcomes.
type Decision struct {
	Kind       DecisionKind
	Candidate  *model.Candidate
	Candidates []model.Candidate
	MatchType  string // exact | fuzzy | new
}

// Thresholds tunes the decision policy.
type Thresholds struct {
	// Attach is the score at or above which the top candidate wins
	// outright. An exact match scores 1.0 and always qualifies.
	Attach float64
	// Ambiguous is the floor below which candidates are ignored
	// entirely and a new canonical is created.
	Ambiguous float64
	// Margin is how close two candidates in the uncertain band must be
	// to count as rivals.
	Margin float64
}

// Decide applies the match policy to an ordered candidate list. Pure
// and deterministic: the same candidates and thresholds always produce
// the same decision.
func Decide(cands []model.Candidate, th Thresholds) Decision {
	if len(cands) == 0 {
		return Decision{Kind: DecideCreate, MatchType: "new"}
	}

	sorted := make([]model.Candidate, len(cands))
	copy(sorted, cands)
	SortCandidates(sorted)

	top := sorted[0]
	if top.Score >= th.Attach {
		return Decision{Kind: DecideAttach, Candidate: &top, MatchType: matchType(top.Score)}
	}
	if top.Score < th.Ambiguous {
		return Decision{Kind: DecideCreate, MatchType: "new"}
	}

	// Uncertain band: attach to a clear single winner, flag rivals.
	rivals := []model.Candidate{top}
	for _, c := range sorted[1:] {
		if c.Score >= th.Ambiguous && top.Score-c.Score <= th.Margin {
			rivals = append(rivals, c)
		}
	}
	if len(rivals) > 1 {
		return Decision{Kind: DecideAmbiguous, Candidates: rivals, MatchType: "fuzzy"}
	}
	return Decision{Kind: DecideAttach, Candidate: &top, MatchType: "fuzzy"}
}

func matchType(score float64) string {
	if score >= 1.0 {
		return "exact"
	}
	return "fuzzy"
}
