// Package model defines the persisted shapes for the deduplication engine:
// canonical companies, their aliases, and batch job runs.
package model

import (
	"time"
)

// JobStatus represents the current state of a job run.
type JobStatus string

const (
	JobStatusQueued  JobStatus = "queued"
	JobStatusRunning JobStatus = "running"
	JobStatusDone    JobStatus = "done"
	JobStatusFailed  JobStatus = "failed"
	JobStatusPartial JobStatus = "partial"
)

// Terminal reports whether the status is final. No transition ever leaves
// a terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusDone, JobStatusFailed, JobStatusPartial:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusFailed, JobStatusPartial:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows moving from s to next.
// Allowed: queued -> running, and {queued,running} -> any terminal state.
func (s JobStatus) CanTransition(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	switch next {
	case JobStatusRunning:
		return s == JobStatusQueued
	case JobStatusDone, JobStatusFailed, JobStatusPartial:
		return s == JobStatusQueued || s == JobStatusRunning
	default:
		return false
	}
}

// CanonicalCompany is the single authoritative record for one real-world
// business entity. key_form is always the normalized form of canonical_name.
type CanonicalCompany struct {
	ID            string    `json:"id" db:"id"`
	CanonicalName string    `json:"canonical_name" db:"canonical_name"`
	KeyForm       string    `json:"key_form" db:"key_form"`
	FirstSeen     time.Time `json:"first_seen" db:"first_seen"`
	LastSeen      time.Time `json:"last_seen" db:"last_seen"`
	ConfidenceAvg float64   `json:"confidence_avg" db:"confidence_avg"`
	AliasesCount  int       `json:"aliases_count" db:"aliases_count"`
}

// Alias is one observed raw spelling attributed to a canonical company.
// The (alias_name, canonical_id) pair is recorded at most once; repeat
// observations update last_seen and confidence_last in place.
type Alias struct {
	ID             string    `json:"id" db:"id"`
	AliasName      string    `json:"alias_name" db:"alias_name"`
	CanonicalID    string    `json:"canonical_id" db:"canonical_id"`
	Source         string    `json:"source,omitempty" db:"source"`
	FirstSeen      time.Time `json:"first_seen" db:"first_seen"`
	LastSeen       time.Time `json:"last_seen" db:"last_seen"`
	ConfidenceLast float64   `json:"confidence_last" db:"confidence_last"`
	Details        []byte    `json:"details,omitempty" db:"details"` // JSON
}

// AliasDetails is the structured metadata stored in Alias.Details.
type AliasDetails struct {
	MatchType string   `json:"match_type"` // exact | fuzzy | new
	Score     float64  `json:"score"`
	Flags     []string `json:"flags,omitempty"`
}

// JobRun is one batch-processing execution with its own lifecycle and
// counters. success_count + error_count <= input_count at all times, with
// equality once the run completes normally.
type JobRun struct {
	ID           string    `json:"id" db:"id"`
	Status       JobStatus `json:"status" db:"status"`
	InputCount   int       `json:"input_count" db:"input_count"`
	SuccessCount int       `json:"success_count" db:"success_count"`
	ErrorCount   int       `json:"error_count" db:"error_count"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
	ResultPath   string    `json:"result_path,omitempty" db:"result_path"`
}

// Observation is a single raw name observation submitted for resolution.
type Observation struct {
	RawName string `json:"raw_name"`
	Source  string `json:"source,omitempty"`
}

// Candidate is one plausible canonical match for a normalized name, as
// returned by the candidate search.
type Candidate struct {
	CanonicalID   string    `json:"canonical_id"`
	CanonicalName string    `json:"canonical_name"`
	Score         float64   `json:"score"`
	AliasesCount  int       `json:"aliases_count"`
	FirstSeen     time.Time `json:"first_seen"`
}

// OutcomeKind classifies the result of resolving one observation.
type OutcomeKind string

const (
	OutcomeAttached OutcomeKind = "attached"
	OutcomeCreated  OutcomeKind = "created"
	OutcomeFlagged  OutcomeKind = "flagged"
)

// ErrorKind is the taxonomy bucket for a per-item failure. Every failed
// item is attributable to exactly one kind.
type ErrorKind string

const (
	ErrKindInvalidInput       ErrorKind = "invalid_input"
	ErrKindAmbiguous          ErrorKind = "ambiguous"
	ErrKindResolutionConflict ErrorKind = "resolution_conflict"
	ErrKindStoreUnavailable   ErrorKind = "store_unavailable"
)

// Outcome is the per-item result fed back to the job run controller.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	RawName     string      `json:"raw_name"`
	CanonicalID string      `json:"canonical_id,omitempty"`
	Score       float64     `json:"score,omitempty"`
	ErrKind     ErrorKind   `json:"error_kind,omitempty"`
	Err         error       `json:"-"`
	// Candidates preserves the full candidate context for flagged items
	// so they can be adjudicated externally.
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Success reports whether the outcome counts toward success_count.
// Exactly one of Success / !Success holds for every processed item.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeAttached || o.Kind == OutcomeCreated
}

// Fatal reports whether the outcome should abort the whole batch rather
// than being recorded as a per-item error.
func (o Outcome) Fatal() bool {
	return o.ErrKind == ErrKindStoreUnavailable
}
