package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dedup-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store needs. pgxmock
// implements it for tests.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot per-item path.
var preparedStatements = map[string]string{
	"get_canonical_by_key": `SELECT id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count FROM canonical_company WHERE key_form = $1`,
	"get_canonical":        `SELECT id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count FROM canonical_company WHERE id = $1`,
	"get_job":              `SELECT id, status, input_count, success_count, error_count, created_at, updated_at, result_path FROM job_run WHERE id = $1`,
	"increment_job":        `UPDATE job_run SET success_count = success_count + $2, error_count = error_count + $3, updated_at = $4 WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests.
func NewPostgresWithPool(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS canonical_company (
	id             TEXT PRIMARY KEY,
	canonical_name TEXT NOT NULL,
	key_form       TEXT NOT NULL UNIQUE,
	first_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
	confidence_avg DOUBLE PRECISION NOT NULL DEFAULT 1.0,
	aliases_count  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS alias (
	id              TEXT PRIMARY KEY,
	alias_name      TEXT NOT NULL,
	canonical_id    TEXT NOT NULL REFERENCES canonical_company(id) ON DELETE CASCADE,
	source          TEXT NOT NULL DEFAULT '',
	first_seen      TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_seen       TIMESTAMPTZ NOT NULL DEFAULT now(),
	confidence_last DOUBLE PRECISION NOT NULL DEFAULT 0,
	details         JSONB,
	UNIQUE (alias_name, canonical_id)
);

CREATE TABLE IF NOT EXISTS job_run (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'queued',
	input_count   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	result_path   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_canonical_key_form_trgm ON canonical_company USING gin (key_form gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_alias_name_trgm ON alias USING gin (alias_name gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_alias_canonical_id ON alias(canonical_id);
CREATE INDEX IF NOT EXISTS idx_job_run_status ON job_run(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

const canonicalColumns = `id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count`

func (s *PostgresStore) GetCanonicalByKeyForm(ctx context.Context, keyForm string) (*model.CanonicalCompany, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+canonicalColumns+` FROM canonical_company WHERE key_form = $1`,
		keyForm,
	)
	return scanCanonical(row, "postgres: get canonical by key_form")
}

func (s *PostgresStore) GetCanonical(ctx context.Context, id string) (*model.CanonicalCompany, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+canonicalColumns+` FROM canonical_company WHERE id = $1`,
		id,
	)
	return scanCanonical(row, "postgres: get canonical")
}

func scanCanonical(row pgx.Row, op string) (*model.CanonicalCompany, error) {
	var c model.CanonicalCompany
	err := row.Scan(&c.ID, &c.CanonicalName, &c.KeyForm, &c.FirstSeen, &c.LastSeen, &c.ConfidenceAvg, &c.AliasesCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, op)
	}
	return &c, nil
}

// SearchCandidates returns the closest canonicals by pg_trgm similarity.
// key_form is compared against the normalized key; recorded alias
// spellings are compared against both the key and the raw name, since
// aliases keep their original suffixes and punctuation. Best score per
// canonical, ordered for deterministic tie-breaking.
func (s *PostgresStore) SearchCandidates(ctx context.Context, keyForm, rawName string, limit int) ([]model.Candidate, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.pool.Query(ctx, `
		WITH matches AS (
			SELECT c.id, c.canonical_name, similarity(c.key_form, $1) AS score, c.aliases_count, c.first_seen
			FROM canonical_company c
			WHERE c.key_form % $1
			UNION ALL
			SELECT c.id, c.canonical_name,
				GREATEST(similarity(a.alias_name, $1), similarity(a.alias_name, $2)) AS score,
				c.aliases_count, c.first_seen
			FROM alias a
			JOIN canonical_company c ON c.id = a.canonical_id
			WHERE a.alias_name % $1 OR a.alias_name % $2
		)
		SELECT id, canonical_name, score, aliases_count, first_seen
		FROM (
			SELECT DISTINCT ON (id) id, canonical_name, score, aliases_count, first_seen
			FROM matches
			ORDER BY id, score DESC
		) best
		ORDER BY score DESC, aliases_count DESC, first_seen ASC
		LIMIT $3`,
		keyForm, rawName, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: search candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var c model.Candidate
		if err := rows.Scan(&c.CanonicalID, &c.CanonicalName, &c.Score, &c.AliasesCount, &c.FirstSeen); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: search candidates iterate")
}

func (s *PostgresStore) CreateCanonicalWithAlias(ctx context.Context, c model.CanonicalCompany, a model.Alias) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create canonical")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO canonical_company (id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.CanonicalName, c.KeyForm, c.FirstSeen, c.LastSeen, c.ConfidenceAvg, c.AliasesCount,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: key_form %q already exists", c.KeyForm)
		}
		return eris.Wrap(err, "postgres: insert canonical")
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO alias (id, alias_name, canonical_id, source, first_seen, last_seen, confidence_last, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.AliasName, a.CanonicalID, a.Source, a.FirstSeen, a.LastSeen, a.ConfidenceLast, a.Details,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert first alias")
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create canonical")
}

func (s *PostgresStore) UpsertAlias(ctx context.Context, up AliasUpsert) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert alias")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO alias (id, alias_name, canonical_id, source, first_seen, last_seen, confidence_last, details)
		 VALUES ($1, $2, $3, $4, $5, $5, $6, $7)
		 ON CONFLICT (alias_name, canonical_id) DO UPDATE SET
		   last_seen = $5, confidence_last = $6, source = $4, details = $7`,
		uuid.New().String(), up.AliasName, up.CanonicalID, up.Source, up.Now, up.Confidence, up.Details,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: upsert alias")
	}

	// Recompute aggregates from the alias rows so they stay exact under
	// concurrent writers.
	tag, err := tx.Exec(ctx,
		`UPDATE canonical_company SET
		   aliases_count  = sub.n,
		   confidence_avg = sub.avg_conf,
		   last_seen      = $2
		 FROM (
		   SELECT COUNT(*) AS n, AVG(confidence_last) AS avg_conf
		   FROM alias WHERE canonical_id = $1
		 ) sub
		 WHERE id = $1`,
		up.CanonicalID, up.Now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update canonical aggregates")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: canonical %s", up.CanonicalID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert alias")
}

func (s *PostgresStore) ListResolutions(ctx context.Context) ([]ResolutionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT a.alias_name, c.canonical_name, a.confidence_last, a.source, c.key_form
		FROM alias a
		JOIN canonical_company c ON c.id = a.canonical_id
		ORDER BY c.canonical_name ASC, a.alias_name ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list resolutions")
	}
	defer rows.Close()

	var out []ResolutionRow
	for rows.Next() {
		var r ResolutionRow
		if err := rows.Scan(&r.AliasName, &r.CanonicalName, &r.Confidence, &r.Source, &r.KeyForm); err != nil {
			return nil, eris.Wrap(err, "postgres: scan resolution")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list resolutions iterate")
}

func (s *PostgresStore) CreateJob(ctx context.Context, inputCount int) (*model.JobRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_run (id, status, input_count, success_count, error_count, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, 0, $4, $4)`,
		id, string(model.JobStatusQueued), inputCount, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.JobRun{
		ID:         id,
		Status:     model.JobStatusQueued,
		InputCount: inputCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

const jobColumns = `id, status, input_count, success_count, error_count, created_at, updated_at, result_path`

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.JobRun, error) {
	var j model.JobRun
	err := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM job_run WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.Status, &j.InputCount, &j.SuccessCount, &j.ErrorCount, &j.CreatedAt, &j.UpdatedAt, &j.ResultPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return &j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobRun, error) {
	query := `SELECT ` + jobColumns + ` FROM job_run WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobRun
	for rows.Next() {
		var j model.JobRun
		if err := rows.Scan(&j.ID, &j.Status, &j.InputCount, &j.SuccessCount, &j.ErrorCount, &j.CreatedAt, &j.UpdatedAt, &j.ResultPath); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) MarkJobRunning(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_run SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(model.JobStatusRunning), time.Now().UTC(), id, string(model.JobStatusQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark job running %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.jobUpdateRejected(ctx, id)
	}
	return nil
}

func (s *PostgresStore) IncrementJobCounters(ctx context.Context, id string, successDelta, errorDelta int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_run SET success_count = success_count + $2, error_count = error_count + $3, updated_at = $4 WHERE id = $1`,
		id, successDelta, errorDelta, time.Now().UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment job counters %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	return nil
}

func (s *PostgresStore) FinalizeJob(ctx context.Context, id string, status model.JobStatus) error {
	if !status.Terminal() {
		return eris.Errorf("postgres: finalize requires a terminal status, got %s", status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_run SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`,
		string(status), time.Now().UTC(), id,
		string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finalize job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.jobUpdateRejected(ctx, id)
	}
	return nil
}

func (s *PostgresStore) SetJobResultPath(ctx context.Context, id string, path string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE job_run SET result_path = $1, updated_at = $2 WHERE id = $3`,
		path, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job result path %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	return nil
}

// jobUpdateRejected distinguishes a missing run from a state-machine
// rejection after a guarded UPDATE touched zero rows.
func (s *PostgresStore) jobUpdateRejected(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	return eris.Wrapf(ErrConflict, "postgres: job %s is %s", id, job.Status)
}

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{JobsByStatus: map[model.JobStatus]int{}}

	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM canonical_company`).Scan(&st.Canonicals)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count canonicals")
	}
	err = s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM alias`).Scan(&st.Aliases)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count aliases")
	}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM job_run GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job status counts")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job status count")
		}
		st.JobsByStatus[model.JobStatus(status)] = n
	}
	return st, eris.Wrap(rows.Err(), "postgres: job status counts iterate")
}
