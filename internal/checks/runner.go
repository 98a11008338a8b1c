package checks

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/keymat/internal/expressions"
	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/store"
	"github.com/rendis/keymat/pkg/schema"
)

// Counter counts the rows of a table. *warehouse.Session satisfies it.
type Counter interface {
	RowCount(ctx context.Context, table string) (int64, error)
}

// RunMeta describes where a run's credential came from.
type RunMeta struct {
	Trigger     string
	Backend     string
	KeySecret   string
	Fingerprint string
}

// Outcome is the result of one expectation.
type Outcome struct {
	Table     string
	Assertion string
	RowCount  *int64
	Passed    bool
	Err       error
}

// Report summarizes a run.
type Report struct {
	RunID       string
	Meta        RunMeta
	Outcomes    []Outcome
	Summary     store.RunSummary
	Status      store.RunStatus
	StartedAt   time.Time
	CompletedAt time.Time

	cause error
}

// Err is nil for a passing run. Otherwise it is CHECK_FAILED naming the
// failing tables, wrapping the pipeline error if the run never got to
// count rows.
func (r *Report) Err() error {
	if r.Status == store.RunStatusPassed {
		return nil
	}
	if r.cause != nil {
		return schema.NewErrorf(schema.ErrCodeCheck, "run %s aborted", r.RunID).WithCause(r.cause)
	}
	var failing []string
	for _, o := range r.Outcomes {
		if !o.Passed {
			failing = append(failing, o.Table)
		}
	}
	return schema.NewErrorf(schema.ErrCodeCheck, "%d of %d checks did not pass: %s",
		len(failing), len(r.Outcomes), strings.Join(failing, ", ")).
		WithDetails(map[string]any{"run_id": r.RunID, "tables": failing})
}

// Runner evaluates expectations and, when it has a store, records each
// run and its results.
type Runner struct {
	store   store.Store
	results *store.ResultLog
	logger  *slog.Logger
	vars    map[string]any

	mu      sync.Mutex
	engines map[string]expressions.Engine
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithStore records runs in s.
func WithStore(s store.Store) RunnerOption {
	return func(r *Runner) {
		r.store = s
		r.results = store.NewResultLog(s)
	}
}

// WithRunnerLogger sets the logger. The default discards.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithVars makes vars visible to every assertion as vars.NAME.
func WithVars(vars map[string]any) RunnerOption {
	return func(r *Runner) { r.vars = vars }
}

// NewRunner creates a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:  slog.New(slog.DiscardHandler),
		engines: make(map[string]expressions.Engine),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Runner) engine(name string) (expressions.Engine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[name]; ok {
		return e, nil
	}
	e, err := expressions.NewEngine(name)
	if err != nil {
		return nil, err
	}
	r.engines[name] = e
	return e, nil
}

// Run counts rows for every expectation and evaluates its assertion.
// A failing assertion or a failed count is recorded in the report; the
// returned error is reserved for invalid input and recording failures.
// When recording fails the run is closed as error and the partial report
// is returned with the error.
func (r *Runner) Run(ctx context.Context, counter Counter, exps []Expectation, meta RunMeta) (*Report, error) {
	for _, e := range exps {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}

	report, err := r.begin(ctx, meta)
	if err != nil {
		return nil, err
	}
	ctx = logging.WithRunID(ctx, report.RunID)

	for _, e := range exps {
		o := r.evaluate(logging.WithTable(ctx, e.Table), counter, e)
		report.Outcomes = append(report.Outcomes, o)
		if err := r.record(ctx, report.RunID, o); err != nil {
			return r.abort(ctx, report, err)
		}
	}

	report.Summary = tally(report.Outcomes)
	if r.results != nil {
		summary, err := r.results.Summarize(ctx, report.RunID)
		if err != nil {
			return r.abort(ctx, report, err)
		}
		report.Summary = summary
	}
	report.Status = report.Summary.Status()

	var errMsg string
	if report.Status != store.RunStatusPassed {
		errMsg = report.Err().Error()
	}
	if err := r.finish(ctx, report, errMsg); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "check run finished",
		slog.String("status", string(report.Status)),
		slog.Int("passed", report.Summary.Passed),
		slog.Int("failed", report.Summary.Failed),
		slog.Int("errored", report.Summary.Errored),
	)
	return report, nil
}

// RecordFailure records a run that aborted before any table was checked,
// e.g. because the credential could not be materialized.
func (r *Runner) RecordFailure(ctx context.Context, meta RunMeta, cause error) (*Report, error) {
	report, err := r.begin(ctx, meta)
	if err != nil {
		return nil, err
	}
	report.cause = cause
	report.Status = store.RunStatusError
	if err := r.finish(ctx, report, cause.Error()); err != nil {
		return nil, err
	}
	r.logger.ErrorContext(logging.WithRunID(ctx, report.RunID), "check run aborted",
		slog.String("code", schema.CodeOf(cause)),
		slog.String("error", cause.Error()),
	)
	return report, nil
}

// abort closes a run whose history could not be written as an error, so
// the row begin created does not stay running.
func (r *Runner) abort(ctx context.Context, report *Report, cause error) (*Report, error) {
	report.cause = cause
	report.Status = store.RunStatusError
	if err := r.finish(ctx, report, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "closing aborted check run failed", slog.String("error", err.Error()))
	}
	return report, cause
}

func (r *Runner) evaluate(ctx context.Context, counter Counter, e Expectation) Outcome {
	o := Outcome{Table: e.Table, Assertion: e.Assert}

	n, err := counter.RowCount(ctx, e.Table)
	if err != nil {
		o.Err = err
		r.logger.WarnContext(ctx, "row count failed", slog.String("error", err.Error()))
		return o
	}
	o.RowCount = &n

	eng, err := r.engine(e.Engine)
	if err != nil {
		o.Err = err
		return o
	}
	ok, err := expressions.EvaluateBool(ctx, eng, e.Assert, map[string]any{
		"count": n,
		"table": e.Table,
		"vars":  r.vars,
	})
	if err != nil {
		o.Err = err
		return o
	}
	o.Passed = ok
	if !ok {
		r.logger.WarnContext(ctx, "row count assertion failed",
			slog.Int64("count", n), slog.String("assert", e.Assert))
	}
	return o
}

func (r *Runner) begin(ctx context.Context, meta RunMeta) (*Report, error) {
	report := &Report{
		RunID:     uuid.New().String(),
		Meta:      meta,
		Status:    store.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	if r.store == nil {
		return report, nil
	}
	err := r.store.CreateCheckRun(ctx, &store.CheckRun{
		ID:          report.RunID,
		Trigger:     meta.Trigger,
		Backend:     meta.Backend,
		KeySecret:   meta.KeySecret,
		Fingerprint: meta.Fingerprint,
		Status:      store.RunStatusRunning,
		StartedAt:   report.StartedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("record check run: %w", err)
	}
	return report, nil
}

func (r *Runner) record(ctx context.Context, runID string, o Outcome) error {
	if r.results == nil {
		return nil
	}
	res := &store.CheckResult{
		RunID:     runID,
		Table:     o.Table,
		Assertion: o.Assertion,
		RowCount:  o.RowCount,
		Passed:    o.Passed,
	}
	if o.Err != nil {
		res.Error = o.Err.Error()
	}
	if err := r.results.Append(ctx, res); err != nil {
		return fmt.Errorf("record check result for %s: %w", o.Table, err)
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, report *Report, errMsg string) error {
	report.CompletedAt = time.Now().UTC()
	if r.store == nil {
		return nil
	}
	status := report.Status
	err := r.store.UpdateCheckRun(ctx, report.RunID, store.CheckRunUpdate{
		Status:      &status,
		Error:       &errMsg,
		CompletedAt: &report.CompletedAt,
	})
	if err != nil {
		return fmt.Errorf("complete check run: %w", err)
	}
	return nil
}

func tally(outcomes []Outcome) store.RunSummary {
	var s store.RunSummary
	for _, o := range outcomes {
		s.Total++
		switch {
		case o.Err != nil:
			s.Errored++
		case o.Passed:
			s.Passed++
		default:
			s.Failed++
		}
	}
	return s
}
