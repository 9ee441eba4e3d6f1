package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
)

var (
	// ErrNotFound signals that the referenced row does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrConflict signals a unique-constraint collision or an update
	// rejected by the job state machine (e.g. touching a terminal run).
	ErrConflict = eris.New("store: conflict")
)

// IsUniqueViolation reports whether err is a unique-constraint failure
// from either backend.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	// modernc.org/sqlite exposes constraint failures by message only.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed")
}
