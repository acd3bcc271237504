//go:build !cgo

package persistence

// Without cgo mattn/go-sqlite3 is a stub that registers the "sqlite3"
// driver but never returns a sqlite3.Error, so there is nothing to match.
import _ "github.com/mattn/go-sqlite3"

func sqlite3UniqueViolation(error) (unique, ok bool) { return false, false }
