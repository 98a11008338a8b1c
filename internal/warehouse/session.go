package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	sf "github.com/snowflakedb/gosnowflake"

	"github.com/rendis/keymat/internal/keys"
	"github.com/rendis/keymat/pkg/schema"
)

// Session is an open, authenticated warehouse connection pool.
type Session struct {
	db *sql.DB
}

// Result is the materialized output of a statement.
type Result struct {
	Columns []string
	Rows    [][]any
}

// Opener opens a session. Open bound to a config satisfies it, and tests
// substitute their own.
type Opener func(ctx context.Context) (*Session, error)

// Open authenticates and verifies the connection. The credential is only
// read during Open; the caller may destroy it once Open returns.
func Open(ctx context.Context, cfg Config, cred *keys.Credential) (*Session, error) {
	dc, err := driverConfig(cfg, cred)
	if err != nil {
		return nil, err
	}
	db := sql.OpenDB(sf.NewConnector(sf.SnowflakeDriver{}, *dc))
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, schema.NewErrorf(schema.ErrCodeWarehouse, "connect to account %q as %q", cfg.Account, cfg.User).
			WithCause(err)
	}
	return NewSession(db), nil
}

// NewSession wraps an already-open database handle.
func NewSession(db *sql.DB) *Session {
	return &Session{db: db}
}

// Close releases the connection.
func (s *Session) Close() error {
	return s.db.Close()
}

// Execute runs a statement and returns all of its rows. Byte columns are
// returned as strings.
func (s *Session) Execute(ctx context.Context, query string, args ...any) (*Result, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, warehouseErr(err, "execute")
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, warehouseErr(err, "read columns")
	}
	res := &Result{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, warehouseErr(err, "scan row")
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, warehouseErr(err, "read rows")
	}
	return res, nil
}

// CurrentTimestamp runs SELECT CURRENT_TIMESTAMP, the cheapest proof that
// the session is authenticated and usable.
func (s *Session) CurrentTimestamp(ctx context.Context) (string, error) {
	res, err := s.Execute(ctx, "SELECT CURRENT_TIMESTAMP")
	if err != nil {
		return "", err
	}
	if len(res.Rows) != 1 || len(res.Rows[0]) != 1 {
		return "", schema.NewError(schema.ErrCodeWarehouse, "CURRENT_TIMESTAMP returned no value")
	}
	switch v := res.Rows[0][0].(type) {
	case time.Time:
		return v.Format(time.RFC3339Nano), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// RowCount returns the number of rows in table. The name may be qualified
// as schema.table or database.schema.table.
func (s *Session) RowCount(ctx context.Context, table string) (int64, error) {
	ident, err := QuoteIdentifier(table)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+ident).Scan(&n); err != nil {
		return 0, warehouseErr(err, "count rows in %s", table)
	}
	return n, nil
}

var identPart = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// QuoteIdentifier validates an unquoted, optionally qualified identifier
// and returns it quoted. Parts are folded to upper case, which is how the
// warehouse resolves unquoted names.
func QuoteIdentifier(name string) (string, error) {
	parts := strings.Split(name, ".")
	if name == "" || len(parts) > 3 {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", name)
	}
	quoted := make([]string, len(parts))
	for i, p := range parts {
		if !identPart.MatchString(p) {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid table name %q", name)
		}
		quoted[i] = `"` + strings.ToUpper(p) + `"`
	}
	return strings.Join(quoted, "."), nil
}

// WithSession opens a session, runs fn and closes the session on every
// path. A close error is joined with fn's error.
func WithSession(ctx context.Context, open Opener, fn func(*Session) error) (err error) {
	s, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, warehouseErr(cerr, "close session"))
		}
	}()
	return fn(s)
}

func warehouseErr(err error, format string, args ...any) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeWarehouse, format, args...).WithCause(err)
}
