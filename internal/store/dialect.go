package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dialect captures the SQL differences between the two backends. Shared
// queries are written with "?" placeholders and rebound for PostgreSQL.
type dialect struct {
	name   string
	dollar bool
}

var (
	sqliteDialect   = dialect{name: "SQLiteStore"}
	postgresDialect = dialect{name: "PostgresStore", dollar: true}
)

// rebind rewrites "?" placeholders to "$n" for PostgreSQL.
func (d dialect) rebind(query string) string {
	if !d.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// likeOp is the case-insensitive LIKE operator.
func (d dialect) likeOp() string {
	if d.dollar {
		return "ILIKE"
	}
	return "LIKE"
}
