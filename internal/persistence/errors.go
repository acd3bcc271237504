package persistence

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

var (
	// ErrVersionConflict means a position changed between read and commit,
	// or another OPEN position appeared on the key.
	ErrVersionConflict = errors.New("position version conflict")

	// ErrDuplicateTrade means the trade id is already stored.
	ErrDuplicateTrade = errors.New("duplicate trade")

	ErrNotFound = errors.New("not found")

	// ErrMultipleOpen means more than one OPEN position exists for a key.
	ErrMultipleOpen = errors.New("multiple open positions for key")
)

const pgUniqueViolation = "23505"

// isUniqueViolation recognizes unique-constraint failures from every
// supported driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pgUniqueViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}

	if unique, ok := sqlite3UniqueViolation(err); ok {
		return unique
	}

	// modernc.org/sqlite reports constraint failures by message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
