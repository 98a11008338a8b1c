package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Secret blobs (ciphertext only; encryption is the caller's concern)
	PutSecretBlob(ctx context.Context, name string, blob []byte) error
	GetSecretBlob(ctx context.Context, name string) ([]byte, error)
	DeleteSecretBlob(ctx context.Context, name string) error
	ListSecretNames(ctx context.Context) ([]string, error)

	// Check runs
	CreateCheckRun(ctx context.Context, run *CheckRun) error
	GetCheckRun(ctx context.Context, id string) (*CheckRun, error)
	UpdateCheckRun(ctx context.Context, id string, update CheckRunUpdate) error
	ListCheckRuns(ctx context.Context, filter CheckRunFilter) ([]*CheckRun, error)
	PruneCheckRuns(ctx context.Context, before time.Time) (int64, error)

	// Check results (append-only)
	AppendCheckResult(ctx context.Context, result *CheckResult) error
	ListCheckResults(ctx context.Context, runID string) ([]*CheckResult, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
