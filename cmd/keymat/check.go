package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/scheduler"
	"github.com/rendis/keymat/internal/store"
	"github.com/rendis/keymat/pkg/schema"
)

func runCheck(ctx context.Context, a *app, args []string) error {
	var expects []string
	var engine string
	var noRecord bool

	fs := newFlagSet(a, "check")
	fs.StringArrayVarP(&expects, "expect", "e", nil, "TABLE=ASSERTION, e.g. QM_AUDIT='count > 0' or QM_AUDIT=1876 (repeatable; replaces checks.expectations)")
	fs.StringVar(&engine, "engine", "", "assertion engine for --expect: expr or cel")
	fs.BoolVar(&noRecord, "no-record", false, "do not record the run in history")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	exps, err := a.expectations(expects, engine)
	if err != nil {
		return err
	}

	ctx = logging.WithCommand(ctx, "check")
	return a.withJob(ctx, !noRecord, exps, func(job *checks.Job) error {
		report, err := job.Run(ctx, store.TriggerManual)
		if report != nil {
			printReport(a.env.stdout, report)
		}
		if err != nil {
			return err
		}
		if err := report.Err(); err != nil {
			return &exitError{code: 2, err: err}
		}
		return nil
	})
}

func runWatch(ctx context.Context, a *app, args []string) error {
	var expects []string
	var engine string
	var now bool

	fs := newFlagSet(a, "watch")
	fs.StringVar(&a.cfg.Checks.Schedule, "schedule", a.cfg.Checks.Schedule, `cron spec or descriptor, e.g. "@every 1h" or "0 * * * *"`)
	fs.BoolVar(&now, "now", false, "run once immediately, then on schedule")
	fs.StringArrayVarP(&expects, "expect", "e", nil, "TABLE=ASSERTION (repeatable; replaces checks.expectations)")
	fs.StringVar(&engine, "engine", "", "assertion engine for --expect: expr or cel")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	exps, err := a.expectations(expects, engine)
	if err != nil {
		return err
	}
	pinned := watchPins{schedule: fs.Changed("schedule")}
	if len(expects) > 0 {
		pinned.expectations = exps
	}

	ctx = logging.WithCommand(ctx, "watch")
	return a.withHistory(ctx, func(h *store.LibSQLStore) error {
		job, err := a.watchJob(h, exps)
		if err != nil {
			return err
		}
		sched, err := scheduler.NewScheduler(job, a.cfg.Checks.Schedule, a.logger)
		if err != nil {
			return schema.NewError(schema.ErrCodeConfig, err.Error())
		}

		retention := a.cfg.Checks.Retention
		sched.OnReport(func(r *checks.Report, _ error) {
			if r != nil {
				printReport(a.env.stdout, r)
			}
			a.prune(ctx, h, retention)
		})

		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-hup:
					a.reload(h, sched, pinned)
				}
			}
		}()

		a.logger.InfoContext(ctx, "watching",
			slog.String("schedule", a.cfg.Checks.Schedule),
			slog.Int("expectations", len(exps)),
			slog.String("next", sched.NextRun(time.Now()).Format(time.RFC3339)))
		return sched.Run(ctx, now)
	})
}

// watchPins are the settings given on the watch command line, which a
// reload must not replace.
type watchPins struct {
	schedule     bool
	expectations []checks.Expectation
}

func (a *app) watchJob(h *store.LibSQLStore, exps []checks.Expectation) (*checks.Job, error) {
	s, err := a.secretStore(h)
	if err != nil {
		return nil, err
	}
	return a.job(s, h, exps), nil
}

// jobSwapper is the part of *scheduler.Scheduler that reload drives.
type jobSwapper interface {
	SetJob(job scheduler.JobRunner)
}

// reload re-reads the config on SIGHUP. The log level and the job
// (secrets, warehouse, expectations, vars) change in place; the next tick
// picks up the new job. If the new job cannot be built nothing changes.
func (a *app) reload(h *store.LibSQLStore, jobs jobSwapper, pinned watchPins) {
	next, err := loadConfig(a.configPath, a.env.getenv)
	if err != nil {
		a.logger.Error("config reload failed", slog.String("error", err.Error()))
		return
	}
	if a.levelOverride != "" {
		next.Log.Level = a.levelOverride
	}
	if pinned.schedule {
		next.Checks.Schedule = a.cfg.Checks.Schedule
	}
	if pinned.expectations != nil {
		next.Checks.Expectations = pinned.expectations
	}

	d := diffConfigs(a.cfg, next)
	for _, field := range d.RestartNeeded {
		a.logger.Warn("config change needs a restart to apply", slog.String("field", field))
	}
	// Startup-only settings keep their running values.
	next.Log.Format = a.cfg.Log.Format
	next.Store = a.cfg.Store
	next.Checks.Schedule = a.cfg.Checks.Schedule
	next.Checks.Retention = a.cfg.Checks.Retention

	lvl, err := logging.ParseLevel(next.Log.Level)
	if err != nil {
		a.logger.Error("config reload: bad log level", slog.String("error", err.Error()))
		return
	}

	prev := a.cfg
	a.cfg = next
	var job *checks.Job
	if d.JobChanged || d.ExpectationsChanged {
		exps, err := a.expectations(nil, "")
		if err == nil {
			job, err = a.watchJob(h, exps)
		}
		if err != nil {
			a.cfg = prev
			a.logger.Error("config reload: keeping the previous config", slog.String("error", err.Error()))
			return
		}
	}

	if job != nil {
		jobs.SetJob(job)
	}
	if d.LogLevelChanged {
		a.level.Set(lvl)
	}
	a.logger.Info("config reloaded",
		slog.Bool("job_changed", job != nil),
		slog.Bool("log_level_changed", d.LogLevelChanged))
}

// prune drops history older than retention. Zero keeps everything.
func (a *app) prune(ctx context.Context, h store.Store, retention time.Duration) int64 {
	if retention <= 0 {
		return 0
	}
	n, err := h.PruneCheckRuns(ctx, time.Now().Add(-retention))
	if err != nil {
		a.logger.WarnContext(ctx, "pruning check history failed", slog.String("error", err.Error()))
		return 0
	}
	if n > 0 {
		a.logger.DebugContext(ctx, "pruned check history", slog.Int64("runs", n))
	}
	return n
}

// expectations returns the --expect values when given, else the configured
// ones. Both are validated.
func (a *app) expectations(flags []string, engine string) ([]checks.Expectation, error) {
	exps := a.cfg.Checks.Expectations
	if len(flags) > 0 {
		exps = make([]checks.Expectation, 0, len(flags))
		for _, arg := range flags {
			e, err := parseExpectation(arg, engine)
			if err != nil {
				return nil, err
			}
			exps = append(exps, e)
		}
	}
	if len(exps) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfig,
			"no expectations: set checks.expectations or pass --expect TABLE=ASSERTION")
	}
	for _, e := range exps {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return exps, nil
}

// parseExpectation reads TABLE=ASSERTION. A bare integer assertion means
// an exact row count.
func parseExpectation(arg, engine string) (checks.Expectation, error) {
	table, assertion, ok := strings.Cut(arg, "=")
	table, assertion = strings.TrimSpace(table), strings.TrimSpace(assertion)
	if !ok || table == "" || assertion == "" {
		return checks.Expectation{}, schema.NewErrorf(schema.ErrCodeValidation,
			"--expect %q: want TABLE=ASSERTION", arg)
	}
	if n, err := strconv.ParseInt(assertion, 10, 64); err == nil {
		e := checks.ExactCount(table, n)
		e.Engine = engine
		return e, nil
	}
	return checks.Expectation{Table: table, Assert: assertion, Engine: engine}, nil
}

func printReport(w io.Writer, r *checks.Report) {
	fmt.Fprintf(w, "run %s  %s", r.RunID, r.Status)
	if r.Meta.Fingerprint != "" {
		fmt.Fprintf(w, "  key %s", r.Meta.Fingerprint)
	}
	fmt.Fprintln(w)
	if len(r.Outcomes) == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tCOUNT\tASSERTION\tRESULT")
	for _, o := range r.Outcomes {
		count := "-"
		if o.RowCount != nil {
			count = strconv.FormatInt(*o.RowCount, 10)
		}
		result := "pass"
		switch {
		case o.Err != nil:
			result = "error: " + o.Err.Error()
		case !o.Passed:
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", o.Table, count, o.Assertion, result)
	}
	tw.Flush()
}
