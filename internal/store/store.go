// Package store persists the three relations of the deduplication
// engine: canonical_company, alias, and job_run. Postgres is the
// production backend; SQLite backs local development and tests.
package store

import (
	"context"
	"time"

	"github.com/sells-group/dedup-cli/internal/model"
)

// JobFilter specifies criteria for listing job runs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// AliasUpsert carries one alias attachment. The write is atomic: the
// alias row and the owning canonical's aggregates (aliases_count,
// confidence_avg, last_seen) change together or not at all.
type AliasUpsert struct {
	CanonicalID string
	AliasName   string
	Source      string
	Confidence  float64
	Details     []byte // JSON, see model.AliasDetails
	Now         time.Time
}

// ResolutionRow is one alias joined with its canonical, as exported.
type ResolutionRow struct {
	AliasName     string  `json:"alias_name"`
	CanonicalName string  `json:"canonical_name"`
	Confidence    float64 `json:"confidence"`
	Source        string  `json:"source"`
	KeyForm       string  `json:"key_form"`
}

// Stats summarizes the resolved corpus and job history.
type Stats struct {
	Canonicals   int                     `json:"canonicals"`
	Aliases      int                     `json:"aliases"`
	JobsByStatus map[model.JobStatus]int `json:"jobs_by_status"`
}

// Store defines the persistence interface for the deduplication engine.
// Lookup methods return (nil, nil) when no row matches.
type Store interface {
	// Canonical companies
	GetCanonicalByKeyForm(ctx context.Context, keyForm string) (*model.CanonicalCompany, error)
	GetCanonical(ctx context.Context, id string) (*model.CanonicalCompany, error)
	SearchCandidates(ctx context.Context, keyForm, rawName string, limit int) ([]model.Candidate, error)
	// CreateCanonicalWithAlias inserts a new canonical and its first
	// alias in one transaction. A concurrent insert of the same
	// key_form surfaces as ErrConflict.
	CreateCanonicalWithAlias(ctx context.Context, c model.CanonicalCompany, a model.Alias) error
	UpsertAlias(ctx context.Context, up AliasUpsert) error
	ListResolutions(ctx context.Context) ([]ResolutionRow, error)

	// Job runs
	CreateJob(ctx context.Context, inputCount int) (*model.JobRun, error)
	GetJob(ctx context.Context, id string) (*model.JobRun, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.JobRun, error)
	// MarkJobRunning moves queued -> running; any other current status
	// is ErrConflict.
	MarkJobRunning(ctx context.Context, id string) error
	// IncrementJobCounters adds the deltas atomically in the store so
	// concurrent workers never lose updates.
	IncrementJobCounters(ctx context.Context, id string, successDelta, errorDelta int) error
	// FinalizeJob moves a non-terminal run to the given terminal
	// status. Terminal runs are never modified; that is ErrConflict.
	FinalizeJob(ctx context.Context, id string, status model.JobStatus) error
	SetJobResultPath(ctx context.Context, id string, path string) error
	Stats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
