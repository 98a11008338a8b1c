package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/store"
	"github.com/rendis/keymat/pkg/schema"
)

func runHistory(ctx context.Context, a *app, args []string) error {
	var limit int
	var status, runID string
	var prune, asJSON bool

	fs := newFlagSet(a, "history")
	fs.IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	fs.StringVar(&status, "status", "", "only runs with this status: running, passed, failed, error")
	fs.StringVar(&runID, "run", "", "show one run with its results")
	fs.BoolVar(&prune, "prune", false, "delete runs older than checks.retention")
	fs.BoolVar(&asJSON, "json", false, "print JSON")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	switch store.RunStatus(status) {
	case "", store.RunStatusRunning, store.RunStatusPassed, store.RunStatusFailed, store.RunStatusError:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown run status %q", status)
	}

	ctx = logging.WithCommand(ctx, "history")
	return a.withHistory(ctx, func(h *store.LibSQLStore) error {
		if prune {
			n := a.prune(ctx, h, a.cfg.Checks.Retention)
			fmt.Fprintf(a.env.stdout, "pruned %d runs older than %s\n", n, a.cfg.Checks.Retention)
			return nil
		}

		if runID != "" {
			run, err := h.GetCheckRun(ctx, runID)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(a.env.stdout, run)
			}
			printRun(a.env.stdout, run)
			return nil
		}

		runs, err := h.ListCheckRuns(ctx, store.CheckRunFilter{
			Status: store.RunStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(a.env.stdout, runs)
		}
		printRuns(a.env.stdout, runs)
		return nil
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRuns(w io.Writer, runs []*store.CheckRun) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTARTED\tTRIGGER\tSTATUS\tDURATION\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Trigger, r.Status, duration(r), r.Error)
	}
	tw.Flush()
}

func printRun(w io.Writer, r *store.CheckRun) {
	fmt.Fprintf(w, "run:         %s\n", r.ID)
	fmt.Fprintf(w, "status:      %s\n", r.Status)
	fmt.Fprintf(w, "trigger:     %s\n", r.Trigger)
	fmt.Fprintf(w, "started:     %s\n", r.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "duration:    %s\n", duration(r))
	if r.Backend != "" {
		fmt.Fprintf(w, "backend:     %s\n", r.Backend)
	}
	if r.KeySecret != "" {
		fmt.Fprintf(w, "key secret:  %s\n", r.KeySecret)
	}
	if r.Fingerprint != "" {
		fmt.Fprintf(w, "fingerprint: %s\n", r.Fingerprint)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error:       %s\n", r.Error)
	}
	if len(r.Results) == 0 {
		return
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tTABLE\tCOUNT\tASSERTION\tRESULT")
	for _, res := range r.Results {
		count := "-"
		if res.RowCount != nil {
			count = strconv.FormatInt(*res.RowCount, 10)
		}
		result := "pass"
		switch {
		case res.Error != "":
			result = "error: " + res.Error
		case !res.Passed:
			result = "FAIL"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", res.Sequence, res.Table, count, res.Assertion, result)
	}
	tw.Flush()
}

func duration(r *store.CheckRun) string {
	if r.CompletedAt == nil {
		return "-"
	}
	return r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
}
