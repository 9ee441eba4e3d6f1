package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/dedup-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

func TestPostgresStore_GetCanonicalByKeyForm_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT .+ FROM canonical_company WHERE key_form = \$1`).
		WithArgs("ghost co").
		WillReturnError(pgx.ErrNoRows)

	c, err := s.GetCanonicalByKeyForm(context.Background(), "ghost co")
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetCanonicalByKeyForm_Found(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`SELECT .+ FROM canonical_company WHERE key_form = \$1`).
		WithArgs("acme").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "canonical_name", "key_form", "first_seen", "last_seen", "confidence_avg", "aliases_count",
		}).AddRow("c-1", "Acme", "acme", now, now, 0.95, 3))

	c, err := s.GetCanonicalByKeyForm(context.Background(), "acme")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "c-1", c.ID)
	assert.Equal(t, "acme", c.KeyForm)
	assert.Equal(t, 3, c.AliasesCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SearchCandidates(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`ORDER BY score DESC, aliases_count DESC, first_seen ASC`).
		WithArgs("acme widgets", "Acme Widgets LLC", 5).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "canonical_name", "score", "aliases_count", "first_seen",
		}).
			AddRow("c-1", "Acme Widgets", 0.91, 4, now).
			AddRow("c-2", "Acme Windows", 0.55, 1, now))

	cands, err := s.SearchCandidates(context.Background(), "acme widgets", "Acme Widgets LLC", 5)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, "c-1", cands[0].CanonicalID)
	assert.Greater(t, cands[0].Score, cands[1].Score)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCanonicalWithAlias(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO canonical_company`).
		WithArgs("c-1", "Acme", "acme", now, now, 1.0, 1).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO alias`).
		WithArgs("a-1", "Acme Inc.", "c-1", "crm", now, now, 1.0, []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.CreateCanonicalWithAlias(context.Background(),
		model.CanonicalCompany{ID: "c-1", CanonicalName: "Acme", KeyForm: "acme", FirstSeen: now, LastSeen: now, ConfidenceAvg: 1.0, AliasesCount: 1},
		model.Alias{ID: "a-1", AliasName: "Acme Inc.", CanonicalID: "c-1", Source: "crm", FirstSeen: now, LastSeen: now, ConfidenceLast: 1.0},
	)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateCanonicalWithAlias_KeyConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO canonical_company`).
		WithArgs("c-1", "Acme", "acme", now, now, 1.0, 1).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "canonical_company_key_form_key"})
	mock.ExpectRollback()

	err := s.CreateCanonicalWithAlias(context.Background(),
		model.CanonicalCompany{ID: "c-1", CanonicalName: "Acme", KeyForm: "acme", FirstSeen: now, LastSeen: now, ConfidenceAvg: 1.0, AliasesCount: 1},
		model.Alias{ID: "a-1", AliasName: "Acme Inc.", CanonicalID: "c-1", FirstSeen: now, LastSeen: now},
	)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAlias(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO alias .+ ON CONFLICT \(alias_name, canonical_id\)`).
		WithArgs(pgxmock.AnyArg(), "ACME Inc", "c-1", "crm", now, 0.9, []byte(`{"match_type":"exact","score":1}`)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE canonical_company SET`).
		WithArgs("c-1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.UpsertAlias(context.Background(), AliasUpsert{
		CanonicalID: "c-1",
		AliasName:   "ACME Inc",
		Source:      "crm",
		Confidence:  0.9,
		Details:     []byte(`{"match_type":"exact","score":1}`),
		Now:         now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertAlias_MissingCanonical(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO alias`).
		WithArgs(pgxmock.AnyArg(), "ACME Inc", "c-missing", "", now, 0.9, []byte(nil)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`UPDATE canonical_company SET`).
		WithArgs("c-missing", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.UpsertAlias(context.Background(), AliasUpsert{
		CanonicalID: "c-missing", AliasName: "ACME Inc", Confidence: 0.9, Now: now,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO job_run`).
		WithArgs(pgxmock.AnyArg(), "queued", 42, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	job, err := s.CreateJob(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusQueued, job.Status)
	assert.Equal(t, 42, job.InputCount)
	assert.NotEmpty(t, job.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobRunning_AlreadyTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`UPDATE job_run SET status = \$1`).
		WithArgs("running", pgxmock.AnyArg(), "j-1", "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM job_run WHERE id = \$1`).
		WithArgs("j-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "status", "input_count", "success_count", "error_count", "created_at", "updated_at", "result_path",
		}).AddRow("j-1", "done", 10, 10, 0, now, now, ""))

	err := s.MarkJobRunning(context.Background(), "j-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobRunning_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE job_run SET status = \$1`).
		WithArgs("running", pgxmock.AnyArg(), "j-ghost", "queued").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT .+ FROM job_run WHERE id = \$1`).
		WithArgs("j-ghost").
		WillReturnError(pgx.ErrNoRows)

	err := s.MarkJobRunning(context.Background(), "j-ghost")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_IncrementJobCounters(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE job_run SET success_count = success_count \+ \$2`).
		WithArgs("j-1", 1, 0, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.IncrementJobCounters(context.Background(), "j-1", 1, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FinalizeJob_RejectsNonTerminal(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.FinalizeJob(context.Background(), "j-1", model.JobStatusRunning)
	require.Error(t, err)
}

func TestPostgresStore_FinalizeJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE job_run SET status = \$1, updated_at = \$2 WHERE id = \$3 AND status IN`).
		WithArgs("partial", pgxmock.AnyArg(), "j-1", "queued", "running").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := s.FinalizeJob(context.Background(), "j-1", model.JobStatusPartial)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListResolutions(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM alias a\s+JOIN canonical_company c`).
		WillReturnRows(pgxmock.NewRows([]string{
			"alias_name", "canonical_name", "confidence_last", "source", "key_form",
		}).AddRow("ACME Inc.", "Acme", 0.92, "crm", "acme"))

	out, err := s.ListResolutions(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "ACME Inc.", out[0].AliasName)
	assert.Equal(t, "acme", out[0].KeyForm)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Stats(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM canonical_company`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM alias`).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(19))
	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM job_run GROUP BY status`).
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("done", 3).
			AddRow("failed", 1))

	st, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, st.Canonicals)
	assert.Equal(t, 19, st.Aliases)
	assert.Equal(t, 3, st.JobsByStatus[model.JobStatusDone])
	assert.Equal(t, 1, st.JobsByStatus[model.JobStatusFailed])
	assert.NoError(t, mock.ExpectationsWereMet())
}
