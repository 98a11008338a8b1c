package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/keymat/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/keymat.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Secret blobs ---

func (s *LibSQLStore) PutSecretBlob(ctx context.Context, name string, blob []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (name, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		name, blob,
	)
	return err
}

func (s *LibSQLStore) GetSecretBlob(ctx context.Context, name string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE name = ?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", name)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecretBlob(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", name)
}

func (s *LibSQLStore) ListSecretNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM secrets ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// --- Check runs ---

const checkRunColumns = `id, trigger_source, backend, key_secret, fingerprint, status, error, started_at, completed_at`

func (s *LibSQLStore) CreateCheckRun(ctx context.Context, run *CheckRun) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	run.StartedAt = timeOrNow(run.StartedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO check_runs (`+checkRunColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Trigger, nullStr(run.Backend), nullStr(run.KeySecret), nullStr(run.Fingerprint),
		string(run.Status), nullStr(run.Error), run.StartedAt, nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetCheckRun(ctx context.Context, id string) (*CheckRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+checkRunColumns+` FROM check_runs WHERE id = ?`, id)
	run, err := scanCheckRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("check_run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Results, err = s.ListCheckResults(ctx, id)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func (s *LibSQLStore) UpdateCheckRun(ctx context.Context, id string, update CheckRunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Fingerprint != nil {
		sets = append(sets, "fingerprint = ?")
		args = append(args, nullStr(*update.Fingerprint))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*update.Error))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		"UPDATE check_runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "check_run", id)
}

// ListCheckRuns returns runs newest first, without their results.
func (s *LibSQLStore) ListCheckRuns(ctx context.Context, filter CheckRunFilter) ([]*CheckRun, error) {
	var where []string
	var args []any

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Trigger != "" {
		where = append(where, "trigger_source = ?")
		args = append(args, filter.Trigger)
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT ` + checkRunColumns + ` FROM check_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*CheckRun
	for rows.Next() {
		run, err := scanCheckRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// PruneCheckRuns deletes runs started before the cutoff, and their results.
func (s *LibSQLStore) PruneCheckRuns(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	cutoff := before.UTC()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM check_results WHERE run_id IN (SELECT id FROM check_runs WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("prune check results: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM check_runs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune check runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckRun(row rowScanner) (*CheckRun, error) {
	run := &CheckRun{}
	var (
		backend, keySecret, fingerprint, errMsg sql.NullString
		status                                  string
		completedAt                             sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.Trigger, &backend, &keySecret, &fingerprint,
		&status, &errMsg, &run.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	run.Backend = backend.String
	run.KeySecret = keySecret.String
	run.Fingerprint = fingerprint.String
	run.Status = RunStatus(status)
	run.Error = errMsg.String
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// --- Check results ---

// AppendCheckResult appends a result with a monotonically increasing
// per-run sequence, assigned inside a write transaction.
func (s *LibSQLStore) AppendCheckResult(ctx context.Context, result *CheckResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// BeginTx alone may start a deferred transaction in WAL mode. A write
	// takes the lock before the sequence is read.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM check_results WHERE run_id = ?`, result.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next sequence: %w", err)
	}
	result.Sequence = seq
	result.CheckedAt = timeOrNow(result.CheckedAt)

	var rowCount any
	if result.RowCount != nil {
		rowCount = *result.RowCount
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO check_results (run_id, sequence, table_name, assertion, row_count, passed, error, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, seq, result.Table, result.Assertion, rowCount, boolInt(result.Passed),
		nullStr(result.Error), result.CheckedAt,
	); err != nil {
		return fmt.Errorf("insert check result: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit check result: %w", err)
	}
	return nil
}

// ListCheckResults returns a run's results ordered by sequence.
func (s *LibSQLStore) ListCheckResults(ctx context.Context, runID string) ([]*CheckResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, sequence, table_name, assertion, row_count, passed, error, checked_at
		 FROM check_results WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*CheckResult
	for rows.Next() {
		r := &CheckResult{}
		var (
			rowCount sql.NullInt64
			passed   int64
			errMsg   sql.NullString
		)
		if err := rows.Scan(&r.RunID, &r.Sequence, &r.Table, &r.Assertion, &rowCount, &passed, &errMsg, &r.CheckedAt); err != nil {
			return nil, err
		}
		if rowCount.Valid {
			n := rowCount.Int64
			r.RowCount = &n
		}
		r.Passed = passed != 0
		r.Error = errMsg.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*LibSQLStore)(nil)
