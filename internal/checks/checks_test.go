package checks

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/pem"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/youmark/pkcs8"

	"github.com/rendis/keymat/internal/keys"
	"github.com/rendis/keymat/internal/secrets"
	"github.com/rendis/keymat/internal/store"
	"github.com/rendis/keymat/internal/warehouse"
	"github.com/rendis/keymat/pkg/schema"
)

type fakeCounter struct {
	counts map[string]int64
	errs   map[string]error
}

func (f fakeCounter) RowCount(_ context.Context, table string) (int64, error) {
	if err, ok := f.errs[table]; ok {
		return 0, err
	}
	return f.counts[table], nil
}

func newHistory(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestExpectation_Validate(t *testing.T) {
	require.NoError(t, Expectation{Table: "QM_AUDIT", Assert: "count > 0"}.Validate())
	require.NoError(t, Expectation{Table: "db.s.t", Assert: "count > 0", Engine: "cel"}.Validate())

	assert.Error(t, Expectation{Table: "QM_AUDIT"}.Validate())
	assert.Error(t, Expectation{Table: "bad name", Assert: "true"}.Validate())
	assert.Error(t, Expectation{Table: "T", Assert: "true", Engine: "jq"}.Validate())
}

func TestExactCount(t *testing.T) {
	e := ExactCount("QM_AUDIT", 1876)
	assert.Equal(t, "count == 1876", e.Assert)
}

func TestRunner_AllPass(t *testing.T) {
	r := NewRunner()
	counter := fakeCounter{counts: map[string]int64{"QM_AUDIT": 1876, "ORDERS": 5}}

	report, err := r.Run(context.Background(), counter, []Expectation{
		ExactCount("QM_AUDIT", 1876),
		{Table: "ORDERS", Assert: "count > 0 && count < 10", Engine: "cel"},
	}, RunMeta{Trigger: store.TriggerManual})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusPassed, report.Status)
	assert.Equal(t, store.RunSummary{Total: 2, Passed: 2}, report.Summary)
	require.NoError(t, report.Err())
	require.NotNil(t, report.Outcomes[0].RowCount)
	assert.Equal(t, int64(1876), *report.Outcomes[0].RowCount)
}

func TestRunner_FailedAssertionIsReportedNotAborted(t *testing.T) {
	r := NewRunner()
	counter := fakeCounter{counts: map[string]int64{"QM_AUDIT": 1875, "ORDERS": 5}}

	report, err := r.Run(context.Background(), counter, []Expectation{
		ExactCount("QM_AUDIT", 1876),
		{Table: "ORDERS", Assert: "count > 0"},
	}, RunMeta{})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusFailed, report.Status)
	assert.False(t, report.Outcomes[0].Passed)
	assert.True(t, report.Outcomes[1].Passed)

	checkErr := report.Err()
	require.Error(t, checkErr)
	assert.Equal(t, schema.ErrCodeCheck, schema.CodeOf(checkErr))
	assert.Contains(t, checkErr.Error(), "QM_AUDIT")
	assert.NotContains(t, checkErr.Error(), "ORDERS")
}

func TestRunner_CountErrorIsRecordedPerTable(t *testing.T) {
	r := NewRunner()
	counter := fakeCounter{
		counts: map[string]int64{"ORDERS": 1},
		errs:   map[string]error{"MISSING": errors.New("object does not exist")},
	}

	report, err := r.Run(context.Background(), counter, []Expectation{
		{Table: "MISSING", Assert: "count > 0"},
		{Table: "ORDERS", Assert: "count > 0"},
	}, RunMeta{})
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusError, report.Status)
	assert.Error(t, report.Outcomes[0].Err)
	assert.Nil(t, report.Outcomes[0].RowCount)
	assert.True(t, report.Outcomes[1].Passed)
}

func TestRunner_NonBooleanAssertion(t *testing.T) {
	report, err := NewRunner().Run(context.Background(),
		fakeCounter{counts: map[string]int64{"T": 3}},
		[]Expectation{{Table: "T", Assert: "count + 1"}}, RunMeta{})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusError, report.Status)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(report.Outcomes[0].Err))
}

func TestRunner_InvalidExpectation(t *testing.T) {
	_, err := NewRunner().Run(context.Background(), fakeCounter{},
		[]Expectation{{Table: "T; DROP", Assert: "true"}}, RunMeta{})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestRunner_RecordsHistory(t *testing.T) {
	hist := newHistory(t)
	r := NewRunner(WithStore(hist))

	report, err := r.Run(context.Background(),
		fakeCounter{counts: map[string]int64{"A": 1, "B": 0}},
		[]Expectation{{Table: "A", Assert: "count > 0"}, {Table: "B", Assert: "count > 0"}},
		RunMeta{Trigger: store.TriggerSchedule, Backend: "local", KeySecret: "svc/key", Fingerprint: "SHA256:x"})
	require.NoError(t, err)

	run, err := hist.GetCheckRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, store.TriggerSchedule, run.Trigger)
	assert.Equal(t, "SHA256:x", run.Fingerprint)
	assert.Contains(t, run.Error, "B")
	require.NotNil(t, run.CompletedAt)
	require.Len(t, run.Results, 2)
	assert.True(t, run.Results[0].Passed)
	assert.False(t, run.Results[1].Passed)
}

func TestRunner_RecordFailure(t *testing.T) {
	hist := newHistory(t)
	r := NewRunner(WithStore(hist))
	cause := schema.NewError(schema.ErrCodeSecretUnavailable, "secret \"k\": lookup failed")

	report, err := r.RecordFailure(context.Background(), RunMeta{Trigger: store.TriggerManual}, cause)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusError, report.Status)

	checkErr := report.Err()
	require.ErrorIs(t, checkErr, schema.ErrSecretUnavailable)
	assert.Equal(t, schema.ErrCodeCheck, schema.CodeOf(checkErr))

	run, err := hist.GetCheckRun(context.Background(), report.RunID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusError, run.Status)
	assert.Contains(t, run.Error, "lookup failed")
}

// brokenHistory is a working store whose result log fails on demand.
type brokenHistory struct {
	*store.LibSQLStore
	appendErr error
	listErr   error
}

func (b brokenHistory) AppendCheckResult(ctx context.Context, res *store.CheckResult) error {
	if b.appendErr != nil {
		return b.appendErr
	}
	return b.LibSQLStore.AppendCheckResult(ctx, res)
}

func (b brokenHistory) ListCheckResults(ctx context.Context, runID string) ([]*store.CheckResult, error) {
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.LibSQLStore.ListCheckResults(ctx, runID)
}

func TestRunner_RecordingFailureClosesRun(t *testing.T) {
	tests := []struct {
		name    string
		history func(*store.LibSQLStore) brokenHistory
	}{
		{"append", func(s *store.LibSQLStore) brokenHistory {
			return brokenHistory{LibSQLStore: s, appendErr: errors.New("disk full")}
		}},
		{"summarize", func(s *store.LibSQLStore) brokenHistory {
			return brokenHistory{LibSQLStore: s, listErr: errors.New("disk full")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hist := newHistory(t)
			r := NewRunner(WithStore(tt.history(hist)))

			report, err := r.Run(context.Background(),
				fakeCounter{counts: map[string]int64{"A": 1}},
				[]Expectation{{Table: "A", Assert: "count > 0"}},
				RunMeta{Trigger: store.TriggerSchedule})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "disk full")
			require.NotNil(t, report)
			assert.Equal(t, store.RunStatusError, report.Status)
			require.Error(t, report.Err())

			run, err := hist.GetCheckRun(context.Background(), report.RunID)
			require.NoError(t, err)
			assert.Equal(t, store.RunStatusError, run.Status, "run must not stay running")
			assert.Contains(t, run.Error, "disk full")
			assert.NotNil(t, run.CompletedAt)

			runs, err := hist.ListCheckRuns(context.Background(), store.CheckRunFilter{})
			require.NoError(t, err)
			assert.Len(t, runs, 1)
		})
	}
}

func TestRunner_Vars(t *testing.T) {
	r := NewRunner(WithVars(map[string]any{"min_rows": 1000, "owner": "etl"}))
	counter := fakeCounter{counts: map[string]int64{"QM_AUDIT": 1876, "ORDERS": 5}}

	report, err := r.Run(context.Background(), counter, []Expectation{
		{Table: "QM_AUDIT", Assert: "count >= vars.min_rows"},
		{Table: "ORDERS", Assert: "count >= vars.min_rows"},
		{Table: "ORDERS", Assert: `vars.owner == "etl" && count < 10`, Engine: "cel"},
	}, RunMeta{Trigger: store.TriggerManual})
	require.NoError(t, err)

	require.Len(t, report.Outcomes, 3)
	for _, o := range report.Outcomes {
		require.NoError(t, o.Err, o.Assertion)
	}
	assert.True(t, report.Outcomes[0].Passed)
	assert.False(t, report.Outcomes[1].Passed)
	assert.True(t, report.Outcomes[2].Passed)
}

// --- Job ---

const pass = "job-pass"

func jobStore(t *testing.T) *secrets.MemoryStore {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := pkcs8.MarshalPrivateKey(key, []byte(pass), nil)
	require.NoError(t, err)

	s := secrets.NewMemoryStore()
	s.PutText("eu-west-1", "snowflake/privateKey", string(pem.EncodeToMemory(&pem.Block{Type: "ENCRYPTED PRIVATE KEY", Bytes: der})))
	s.PutText("eu-west-1", "snowflake/passphrase", pass)
	return s
}

type sessionRecorder struct {
	t     *testing.T
	mu    sync.Mutex
	creds []*keys.Credential
	rows  int
}

func (r *sessionRecorder) open(_ context.Context, _ warehouse.Config, cred *keys.Credential) (*warehouse.Session, error) {
	r.mu.Lock()
	r.creds = append(r.creds, cred)
	r.mu.Unlock()

	require.NotNil(r.t, cred)
	require.Positive(r.t, cred.Len())

	db, err := sql.Open("libsql", "file:"+filepath.Join(r.t.TempDir(), "wh.db"))
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE qm_audit (id INTEGER)`); err != nil {
		return nil, err
	}
	for i := range r.rows {
		if _, err := db.Exec(`INSERT INTO qm_audit (id) VALUES (?)`, i); err != nil {
			return nil, err
		}
	}
	return warehouse.NewSession(db), nil
}

func newJob(t *testing.T, s secrets.Store, rec *sessionRecorder, runner *Runner) *Job {
	return &Job{
		Materializer: keys.NewMaterializer(s),
		KeyRef:       schema.SecretRef{Name: "snowflake/privateKey", Location: "eu-west-1"},
		PassRef:      schema.SecretRef{Name: "snowflake/passphrase", Location: "eu-west-1"},
		Backend:      "memory",
		Warehouse:    warehouse.Config{Account: "acme", User: "svc"},
		Expectations: []Expectation{ExactCount("QM_AUDIT", int64(rec.rows))},
		Runner:       runner,
		Open:         rec.open,
	}
}

func TestJob_Run(t *testing.T) {
	hist := newHistory(t)
	rec := &sessionRecorder{t: t, rows: 4}
	job := newJob(t, jobStore(t), rec, NewRunner(WithStore(hist)))

	report, err := job.Run(context.Background(), store.TriggerManual)
	require.NoError(t, err)
	require.NoError(t, report.Err())
	assert.Regexp(t, `^SHA256:`, report.Meta.Fingerprint)
	assert.Equal(t, "eu-west-1/snowflake/privateKey", report.Meta.KeySecret)

	require.Len(t, rec.creds, 1)
	assert.Nil(t, rec.creds[0].Bytes(), "credential must be destroyed once the session is open")

	runs, err := hist.ListCheckRuns(context.Background(), store.CheckRunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusPassed, runs[0].Status)
}

func TestJob_FreshCredentialPerRun(t *testing.T) {
	rec := &sessionRecorder{t: t, rows: 1}
	secretStore := jobStore(t)
	job := newJob(t, secretStore, rec, NewRunner())

	for range 2 {
		_, err := job.Run(context.Background(), store.TriggerSchedule)
		require.NoError(t, err)
	}
	assert.Len(t, rec.creds, 2)
	assert.Len(t, secretStore.Lookups(), 4)
}

func TestJob_MaterializeFailureIsRecorded(t *testing.T) {
	hist := newHistory(t)
	rec := &sessionRecorder{t: t}
	job := newJob(t, secrets.NewMemoryStore(), rec, NewRunner(WithStore(hist)))

	report, err := job.Run(context.Background(), store.TriggerManual)
	require.ErrorIs(t, err, schema.ErrSecretUnavailable)
	require.NotNil(t, report)
	assert.Equal(t, store.RunStatusError, report.Status)
	assert.Empty(t, rec.creds, "no connection attempt without a credential")

	runs, err := hist.ListCheckRuns(context.Background(), store.CheckRunFilter{Status: store.RunStatusError})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestJob_OpenFailure(t *testing.T) {
	job := newJob(t, jobStore(t), &sessionRecorder{t: t}, NewRunner())
	var seen *keys.Credential
	job.Open = func(_ context.Context, _ warehouse.Config, cred *keys.Credential) (*warehouse.Session, error) {
		seen = cred
		return nil, schema.NewError(schema.ErrCodeWarehouse, "connect")
	}

	_, err := job.Run(context.Background(), store.TriggerManual)
	require.ErrorIs(t, err, schema.ErrWarehouse)
	require.NotNil(t, seen)
	assert.Nil(t, seen.Bytes(), "credential destroyed even when the connection fails")
}

func TestJob_Ping(t *testing.T) {
	rec := &sessionRecorder{t: t}
	job := newJob(t, jobStore(t), rec, NewRunner())

	ts, fp, err := job.Ping(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, ts)
	assert.Regexp(t, `^SHA256:`, fp)
}
