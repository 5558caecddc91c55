// Package repo provides the sink backends and the run ledger for the mirror
package repo

import (
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"telemirror/internal/platform/validate"
)

// Naming locates the document collection in a backend
type Naming struct {
	// Database is the postgres schema or clickhouse database; sqlite ignores it
	Database   string
	// Collection is the table name
	Collection string
}

func (n Naming) validate() error {
	for _, s := range []string{n.Database, n.Collection} {
		if !validate.IsSQLIdent(s) {
			return errInvalidName(s)
		}
	}
	return nil
}

// pgTable renders the quoted schema.table
func (n Naming) pgTable() string {
	return pgx.Identifier{n.Database, n.Collection}.Sanitize()
}

func pgxIdent(s string) string { return pgx.Identifier{s}.Sanitize() }

// chTable renders db.table with backquotes
func (n Naming) chTable() string {
	return "`" + n.Database + "`.`" + n.Collection + "`"
}

// liteTable renders the quoted table
func (n Naming) liteTable() string {
	return `"` + strings.ReplaceAll(n.Collection, `"`, `""`) + `"`
}

// liteTimeLayout is fixed width so text order is time order
const liteTimeLayout = "2006-01-02T15:04:05.000000000Z"

func liteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(liteTimeLayout)
}
