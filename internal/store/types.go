package store

import "time"

// RunStatus is the lifecycle state of a check run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPassed  RunStatus = "passed"
	RunStatusFailed  RunStatus = "failed"
	RunStatusError   RunStatus = "error"
)

// Terminal reports whether no further transitions are expected.
func (s RunStatus) Terminal() bool {
	return s == RunStatusPassed || s == RunStatusFailed || s == RunStatusError
}

// Trigger sources.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
)

// CheckRun is one materialize-connect-check cycle.
type CheckRun struct {
	ID          string         `json:"id"`
	Trigger     string         `json:"trigger"`
	Backend     string         `json:"backend,omitempty"`
	KeySecret   string         `json:"key_secret,omitempty"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Status      RunStatus      `json:"status"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Results     []*CheckResult `json:"results,omitempty"`
}

// CheckRunUpdate holds the fields set when a run completes. Nil fields are
// left unchanged.
type CheckRunUpdate struct {
	Status      *RunStatus
	Fingerprint *string
	Error       *string
	CompletedAt *time.Time
}

// CheckResult is a single table assertion outcome within a run.
type CheckResult struct {
	RunID     string    `json:"run_id"`
	Sequence  int64     `json:"sequence"`
	Table     string    `json:"table"`
	Assertion string    `json:"assertion"`
	RowCount  *int64    `json:"row_count,omitempty"`
	Passed    bool      `json:"passed"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// CheckRunFilter narrows ListCheckRuns. Zero values match everything.
type CheckRunFilter struct {
	Status  RunStatus
	Trigger string
	Since   *time.Time
	Limit   int
	Offset  int
}

// RunSummary tallies a run's results.
type RunSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Errored int `json:"errored"`
}

// Status derives the terminal run status from the tally.
func (s RunSummary) Status() RunStatus {
	switch {
	case s.Errored > 0:
		return RunStatusError
	case s.Failed > 0:
		return RunStatusFailed
	default:
		return RunStatusPassed
	}
}
