package persistence

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "github.com/lib/pq"              // registers "postgres"
	_ "github.com/mattn/go-sqlite3"    // registers "sqlite3"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

// Dialect captures the SQL differences between the supported engines.
type Dialect int

const (
	DialectPostgres Dialect = iota
	DialectSQLite
)

func (d Dialect) String() string {
	if d == DialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

// DialectFor maps a database/sql driver name to its dialect.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres", "pgx":
		return DialectPostgres, nil
	case "sqlite3", "sqlite":
		return DialectSQLite, nil
	default:
		return 0, fmt.Errorf("unsupported sql driver %q", driverName)
	}
}

// Rebind rewrites '?' placeholders to '$n' for Postgres.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// sqliteTimeLayout is fixed width so that text ordering equals time ordering.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// timeArg binds a timestamp. SQLite stores UTC text; Postgres TIMESTAMPTZ.
func (d Dialect) timeArg(t time.Time) interface{} {
	if d == DialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (d Dialect) nullTimeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return d.timeArg(*t)
}

// scanTime reads a timestamp written by timeArg from either engine.
type scanTime struct {
	Time  time.Time
	Valid bool
}

func (s *scanTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		s.Time, s.Valid = time.Time{}, false
		return nil
	case time.Time:
		s.Time, s.Valid = v.UTC(), true
		return nil
	case string:
		return s.parse(v)
	case []byte:
		return s.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
}

func (s *scanTime) parse(v string) error {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	s.Time, s.Valid = t.UTC(), true
	return nil
}

func (s *scanTime) Ptr() *time.Time {
	if !s.Valid {
		return nil
	}
	t := s.Time
	return &t
}

// OpenDB opens a database/sql handle and resolves its dialect.
func OpenDB(driverName, dsn string) (*sql.DB, Dialect, error) {
	dialect, err := DialectFor(driverName)
	if err != nil {
		return nil, 0, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", driverName, err)
	}

	if dialect == DialectSQLite {
		// One writer; SQLite serializes anyway and this avoids SQLITE_BUSY
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	return db, dialect, nil
}
