package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dedup-cli/internal/model"
	"github.com/sells-group/dedup-cli/internal/similarity"
)

// SQLiteStore implements Store using modernc.org/sqlite. Candidate
// search scores in-process since SQLite has no trigram index.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. Pragmas ride on the DSN because busy_timeout and foreign_keys
// are per-connection settings and the pool opens connections lazily.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_company (
	id             TEXT PRIMARY KEY,
	canonical_name TEXT NOT NULL,
	key_form       TEXT NOT NULL UNIQUE,
	first_seen     DATETIME NOT NULL,
	last_seen      DATETIME NOT NULL,
	confidence_avg REAL NOT NULL DEFAULT 1.0,
	aliases_count  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS alias (
	id              TEXT PRIMARY KEY,
	alias_name      TEXT NOT NULL,
	canonical_id    TEXT NOT NULL REFERENCES canonical_company(id) ON DELETE CASCADE,
	source          TEXT NOT NULL DEFAULT '',
	first_seen      DATETIME NOT NULL,
	last_seen       DATETIME NOT NULL,
	confidence_last REAL NOT NULL DEFAULT 0,
	details         TEXT,
	UNIQUE (alias_name, canonical_id)
);

CREATE TABLE IF NOT EXISTS job_run (
	id            TEXT PRIMARY KEY,
	status        TEXT NOT NULL DEFAULT 'queued',
	input_count   INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	error_count   INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL,
	result_path   TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_alias_canonical_id ON alias(canonical_id);
CREATE INDEX IF NOT EXISTS idx_alias_name ON alias(alias_name);
CREATE INDEX IF NOT EXISTS idx_job_run_status ON job_run(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetCanonicalByKeyForm(ctx context.Context, keyForm string) (*model.CanonicalCompany, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count
		 FROM canonical_company WHERE key_form = ?`,
		keyForm,
	)
	return scanCanonicalSQL(row, "sqlite: get canonical by key_form")
}

func (s *SQLiteStore) GetCanonical(ctx context.Context, id string) (*model.CanonicalCompany, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count
		 FROM canonical_company WHERE id = ?`,
		id,
	)
	return scanCanonicalSQL(row, "sqlite: get canonical")
}

func scanCanonicalSQL(row *sql.Row, op string) (*model.CanonicalCompany, error) {
	var c model.CanonicalCompany
	err := row.Scan(&c.ID, &c.CanonicalName, &c.KeyForm, &c.FirstSeen, &c.LastSeen, &c.ConfidenceAvg, &c.AliasesCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, op)
	}
	return &c, nil
}

// SearchCandidates scans all canonicals and aliases and scores them with
// the in-process trigram metric, keeping the best score per canonical.
// Alias spellings are scored against both the normalized key and the raw
// name, since aliases keep their original suffixes and punctuation.
func (s *SQLiteStore) SearchCandidates(ctx context.Context, keyForm, rawName string, limit int) ([]model.Candidate, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.canonical_name, c.key_form, c.aliases_count, c.first_seen, a.alias_name
		FROM canonical_company c
		LEFT JOIN alias a ON a.canonical_id = c.id`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: search candidates")
	}
	defer rows.Close()

	best := map[string]model.Candidate{}
	for rows.Next() {
		var (
			c         model.Candidate
			ckey      string
			aliasName sql.NullString
		)
		if err := rows.Scan(&c.CanonicalID, &c.CanonicalName, &ckey, &c.AliasesCount, &c.FirstSeen, &aliasName); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}

		score := similarity.Trigram(ckey, keyForm)
		if aliasName.Valid {
			if as := similarity.Trigram(aliasName.String, keyForm); as > score {
				score = as
			}
			if as := similarity.Trigram(aliasName.String, rawName); as > score {
				score = as
			}
		}
		if score <= 0 {
			continue
		}
		if prev, ok := best[c.CanonicalID]; !ok || score > prev.Score {
			c.Score = score
			best[c.CanonicalID] = c
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: search candidates iterate")
	}

	out := make([]model.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].AliasesCount != out[j].AliasesCount {
			return out[i].AliasesCount > out[j].AliasesCount
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SQLiteStore) CreateCanonicalWithAlias(ctx context.Context, c model.CanonicalCompany, a model.Alias) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create canonical")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO canonical_company (id, canonical_name, key_form, first_seen, last_seen, confidence_avg, aliases_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CanonicalName, c.KeyForm, c.FirstSeen, c.LastSeen, c.ConfidenceAvg, c.AliasesCount,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "sqlite: key_form %q already exists", c.KeyForm)
		}
		return eris.Wrap(err, "sqlite: insert canonical")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alias (id, alias_name, canonical_id, source, first_seen, last_seen, confidence_last, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AliasName, a.CanonicalID, a.Source, a.FirstSeen, a.LastSeen, a.ConfidenceLast, nullableText(a.Details),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert first alias")
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create canonical")
}

func (s *SQLiteStore) UpsertAlias(ctx context.Context, up AliasUpsert) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert alias")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO alias (id, alias_name, canonical_id, source, first_seen, last_seen, confidence_last, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (alias_name, canonical_id) DO UPDATE SET
		   last_seen = excluded.last_seen,
		   confidence_last = excluded.confidence_last,
		   source = excluded.source,
		   details = excluded.details`,
		uuid.New().String(), up.AliasName, up.CanonicalID, up.Source, up.Now, up.Now, up.Confidence, nullableText(up.Details),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: upsert alias")
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE canonical_company SET
		   aliases_count  = (SELECT COUNT(*) FROM alias WHERE canonical_id = ?),
		   confidence_avg = (SELECT AVG(confidence_last) FROM alias WHERE canonical_id = ?),
		   last_seen      = ?
		 WHERE id = ?`,
		up.CanonicalID, up.CanonicalID, up.Now, up.CanonicalID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update canonical aggregates")
	}
	if err := checkRowsAffected(res, "canonical", up.CanonicalID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit upsert alias")
}

func (s *SQLiteStore) ListResolutions(ctx context.Context) ([]ResolutionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.alias_name, c.canonical_name, a.confidence_last, a.source, c.key_form
		FROM alias a
		JOIN canonical_company c ON c.id = a.canonical_id
		ORDER BY c.canonical_name ASC, a.alias_name ASC`,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list resolutions")
	}
	defer rows.Close()

	var out []ResolutionRow
	for rows.Next() {
		var r ResolutionRow
		if err := rows.Scan(&r.AliasName, &r.CanonicalName, &r.Confidence, &r.Source, &r.KeyForm); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan resolution")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list resolutions iterate")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, inputCount int) (*model.JobRun, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_run (id, status, input_count, success_count, error_count, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)`,
		id, string(model.JobStatusQueued), inputCount, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.JobRun{
		ID:         id,
		Status:     model.JobStatusQueued,
		InputCount: inputCount,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.JobRun, error) {
	var j model.JobRun
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, input_count, success_count, error_count, created_at, updated_at, result_path
		 FROM job_run WHERE id = ?`,
		id,
	).Scan(&j.ID, &j.Status, &j.InputCount, &j.SuccessCount, &j.ErrorCount, &j.CreatedAt, &j.UpdatedAt, &j.ResultPath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return &j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.JobRun, error) {
	query := `SELECT id, status, input_count, success_count, error_count, created_at, updated_at, result_path
	          FROM job_run WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.JobRun
	for rows.Next() {
		var j model.JobRun
		if err := rows.Scan(&j.ID, &j.Status, &j.InputCount, &j.SuccessCount, &j.ErrorCount, &j.CreatedAt, &j.UpdatedAt, &j.ResultPath); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) MarkJobRunning(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(model.JobStatusRunning), time.Now().UTC(), id, string(model.JobStatusQueued),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark job running %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.jobUpdateRejected(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) IncrementJobCounters(ctx context.Context, id string, successDelta, errorDelta int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET success_count = success_count + ?, error_count = error_count + ?, updated_at = ? WHERE id = ?`,
		successDelta, errorDelta, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment job counters %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) FinalizeJob(ctx context.Context, id string, status model.JobStatus) error {
	if !status.Terminal() {
		return eris.Errorf("sqlite: finalize requires a terminal status, got %s", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET status = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		string(status), time.Now().UTC(), id,
		string(model.JobStatusQueued), string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finalize job %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.jobUpdateRejected(ctx, id)
	}
	return nil
}

func (s *SQLiteStore) SetJobResultPath(ctx context.Context, id string, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_run SET result_path = ?, updated_at = ? WHERE id = ?`,
		path, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job result path %s", id)
	}
	return checkRowsAffected(res, "job", id)
}

func (s *SQLiteStore) jobUpdateRejected(ctx context.Context, id string) error {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil {
		return eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	return eris.Wrapf(ErrConflict, "sqlite: job %s is %s", id, job.Status)
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{JobsByStatus: map[model.JobStatus]int{}}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM canonical_company`).Scan(&st.Canonicals); err != nil {
		return nil, eris.Wrap(err, "sqlite: count canonicals")
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alias`).Scan(&st.Aliases); err != nil {
		return nil, eris.Wrap(err, "sqlite: count aliases")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM job_run GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: job status counts")
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job status count")
		}
		st.JobsByStatus[model.JobStatus(status)] = n
	}
	return st, eris.Wrap(rows.Err(), "sqlite: job status counts iterate")
}

// nullableText maps an empty JSON payload to NULL so the details column
// stays NULL rather than storing "".
func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrap(ErrNotFound, fmt.Sprintf("sqlite: %s %s", kind, id))
	}
	return nil
}
