package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/internal/scheduler"
	"github.com/rendis/keymat/internal/store"
)

// watchSettings are the knobs the reload tests turn in the config file.
type watchSettings struct {
	level     string
	format    string
	role      string
	masterKey string
	schedule  string
	retention string
	assertion string
	minRows   int
	storePath string
}

func defaultWatchSettings(dir string) watchSettings {
	return watchSettings{
		level:     "warn",
		format:    "text",
		role:      "LOADER",
		masterKey: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 32)),
		schedule:  "@every 1h",
		retention: "720h",
		assertion: "count >= vars.min_rows",
		minRows:   1,
		storePath: "file:" + filepath.Join(dir, "state", "keymat.db"),
	}
}

func (w watchSettings) yaml() string {
	return fmt.Sprintf(`
log:
  level: %s
  format: %s
secrets:
  backend: local
  key:
    name: snowflake/privateKey
  passphrase:
    name: snowflake/passphrase
  local:
    master_key: %q
warehouse:
  account: acme
  user: svc_keymat
  role: %s
checks:
  schedule: %q
  retention: %s
  vars:
    min_rows: %d
  expectations:
    - table: QM_AUDIT
      assert: %q
store:
  path: %s
`, w.level, w.format, w.masterKey, w.role, w.schedule, w.retention, w.minRows, w.assertion, w.storePath)
}

// swapRecorder stands in for the scheduler and keeps every job it is given.
type swapRecorder struct {
	jobs []scheduler.JobRunner
}

func (r *swapRecorder) SetJob(job scheduler.JobRunner) {
	r.jobs = append(r.jobs, job)
}

func (r *swapRecorder) last(t *testing.T) *checks.Job {
	t.Helper()
	require.NotEmpty(t, r.jobs, "no job was swapped in")
	job, ok := r.jobs[len(r.jobs)-1].(*checks.Job)
	require.True(t, ok)
	return job
}

type watchFixture struct {
	dir      string
	path     string
	settings watchSettings
	stderr   *bytes.Buffer
	app      *app
	history  *store.LibSQLStore
	jobs     *swapRecorder
}

func newWatchFixture(t *testing.T) *watchFixture {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	f := &watchFixture{
		dir:      dir,
		settings: defaultWatchSettings(dir),
		stderr:   new(bytes.Buffer),
		jobs:     new(swapRecorder),
	}
	f.path = writeFile(t, dir, "keymat.yaml", f.settings.yaml())

	cfg, err := loadConfig(f.path, envMap(nil))
	require.NoError(t, err)
	e := &env{
		stdin:  strings.NewReader(""),
		stdout: new(bytes.Buffer),
		stderr: f.stderr,
		getenv: envMap(nil),
	}
	f.app, err = newApp(e, cfg)
	require.NoError(t, err)
	f.app.configPath = f.path

	f.history, err = f.app.openHistory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.history.Close() })
	return f
}

// rewrite replaces the config file, as an operator would before SIGHUP.
func (f *watchFixture) rewrite(t *testing.T, change func(*watchSettings)) {
	t.Helper()
	next := f.settings
	change(&next)
	writeFile(t, f.dir, "keymat.yaml", next.yaml())
}

func (f *watchFixture) reload(pinned watchPins) {
	f.app.reload(f.history, f.jobs, pinned)
}

func TestReload_AppliesJobAndLevel(t *testing.T) {
	f := newWatchFixture(t)
	assert.Equal(t, slog.LevelWarn, f.app.level.Level())

	f.rewrite(t, func(w *watchSettings) {
		w.level = "debug"
		w.role = "ETL_ROLE"
		w.minRows = 1000
	})
	f.reload(watchPins{})

	assert.Equal(t, slog.LevelDebug, f.app.level.Level(), "the running LevelVar follows the file")
	assert.Equal(t, "debug", f.app.cfg.Log.Level)
	assert.Equal(t, "ETL_ROLE", f.app.cfg.Warehouse.Role)
	assert.Equal(t, map[string]any{"min_rows": 1000}, f.app.cfg.Checks.Vars)

	require.Len(t, f.jobs.jobs, 1)
	job := f.jobs.last(t)
	assert.Equal(t, "ETL_ROLE", job.Warehouse.Role)
	assert.Equal(t, []checks.Expectation{{Table: "QM_AUDIT", Assert: "count >= vars.min_rows"}}, job.Expectations)
	assert.Contains(t, f.stderr.String(), "config reloaded")
}

func TestReload_UnchangedConfigKeepsJob(t *testing.T) {
	f := newWatchFixture(t)
	before := f.app.cfg

	f.reload(watchPins{})

	assert.Empty(t, f.jobs.jobs, "nothing changed, no new job")
	assert.Equal(t, before, f.app.cfg)
}

func TestReload_PinnedFlagsSurvive(t *testing.T) {
	f := newWatchFixture(t)
	pinned := watchPins{
		schedule:     true,
		expectations: []checks.Expectation{checks.ExactCount("QM_AUDIT", 3)},
	}
	// As runWatch leaves them after parsing --schedule and --expect.
	f.app.cfg.Checks.Schedule = "@every 5m"
	f.app.cfg.Checks.Expectations = pinned.expectations

	f.rewrite(t, func(w *watchSettings) {
		w.schedule = "@daily"
		w.assertion = "count > 100"
		w.role = "ETL_ROLE"
	})
	f.reload(pinned)

	assert.Equal(t, "@every 5m", f.app.cfg.Checks.Schedule)
	assert.Equal(t, pinned.expectations, f.app.cfg.Checks.Expectations)
	assert.NotContains(t, f.stderr.String(), "field=checks.schedule", "a pinned schedule is not a pending change")

	job := f.jobs.last(t)
	assert.Equal(t, pinned.expectations, job.Expectations)
	assert.Equal(t, "ETL_ROLE", job.Warehouse.Role)
}

func TestReload_LevelOverrideSurvives(t *testing.T) {
	f := newWatchFixture(t)
	f.app.levelOverride = "error"
	f.app.level.Set(slog.LevelError)
	f.app.cfg.Log.Level = "error"

	f.rewrite(t, func(w *watchSettings) { w.level = "debug" })
	f.reload(watchPins{})

	assert.Equal(t, slog.LevelError, f.app.level.Level())
	assert.Equal(t, "error", f.app.cfg.Log.Level)
}

func TestReload_RestartOnlyFieldsKeepRunningValues(t *testing.T) {
	f := newWatchFixture(t)
	running := f.app.cfg

	f.rewrite(t, func(w *watchSettings) {
		w.format = "json"
		w.schedule = "@daily"
		w.retention = "1h"
		w.storePath = "file:" + filepath.Join(f.dir, "elsewhere.db")
	})
	f.reload(watchPins{})

	assert.Equal(t, running.Log.Format, f.app.cfg.Log.Format)
	assert.Equal(t, running.Store, f.app.cfg.Store)
	assert.Equal(t, running.Checks.Schedule, f.app.cfg.Checks.Schedule)
	assert.Equal(t, 720*time.Hour, f.app.cfg.Checks.Retention)

	logs := f.stderr.String()
	for _, field := range []string{"log.format", "store.path", "checks.schedule", "checks.retention"} {
		assert.Contains(t, logs, "field="+field)
	}
	assert.Contains(t, logs, "needs a restart")
	assert.Empty(t, f.jobs.jobs, "restart-only changes do not rebuild the job")
}

func TestReload_FailedJobKeepsPreviousConfig(t *testing.T) {
	f := newWatchFixture(t)
	running := f.app.cfg

	f.rewrite(t, func(w *watchSettings) {
		w.level = "debug"
		w.role = "ETL_ROLE"
		w.masterKey = "not base64!"
	})
	f.reload(watchPins{})

	assert.Empty(t, f.jobs.jobs, "the scheduler keeps its job")
	assert.Equal(t, running, f.app.cfg)
	assert.Equal(t, slog.LevelWarn, f.app.level.Level(), "a rejected reload does not change the level")
	assert.Contains(t, f.stderr.String(), "keeping the previous config")
	assert.Contains(t, f.stderr.String(), "master_key")
}

func TestReload_InvalidFileChangesNothing(t *testing.T) {
	f := newWatchFixture(t)
	running := f.app.cfg

	writeFile(t, f.dir, "keymat.yaml", "warehouse:\n  password: hunter2\n")
	f.reload(watchPins{})

	assert.Empty(t, f.jobs.jobs)
	assert.Equal(t, running, f.app.cfg)
	assert.Contains(t, f.stderr.String(), "config reload failed")
}
