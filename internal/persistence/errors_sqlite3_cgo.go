//go:build cgo

package persistence

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// sqlite3UniqueViolation inspects mattn/go-sqlite3 errors; ok reports
// whether err was a sqlite3.Error at all.
func sqlite3UniqueViolation(err error) (unique, ok bool) {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey, true
	}
	return false, false
}
