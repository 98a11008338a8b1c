package checks

import (
	"context"

	"github.com/rendis/keymat/internal/keys"
	"github.com/rendis/keymat/internal/warehouse"
	"github.com/rendis/keymat/pkg/schema"
)

// OpenFunc opens a warehouse session. warehouse.Open satisfies it.
type OpenFunc func(ctx context.Context, cfg warehouse.Config, cred *keys.Credential) (*warehouse.Session, error)

// Job is one full materialize, connect and check cycle. Every call
// materializes a fresh credential; nothing is cached between calls.
type Job struct {
	Materializer *keys.Materializer
	KeyRef       schema.SecretRef
	PassRef      schema.SecretRef
	Backend      string
	Warehouse    warehouse.Config
	Expectations []Expectation
	Runner       *Runner
	// Open defaults to warehouse.Open.
	Open OpenFunc
}

// Run executes the job. Pipeline failures (secret, decryption, connection)
// are recorded as an aborted run and returned. Assertion failures are only
// in the report; use Report.Err to turn them into an error.
func (j *Job) Run(ctx context.Context, trigger string) (*Report, error) {
	meta := RunMeta{Trigger: trigger, Backend: j.Backend, KeySecret: j.KeyRef.String()}

	var report *Report
	err := j.withSession(ctx, &meta, func(s *warehouse.Session) error {
		var err error
		report, err = j.Runner.Run(ctx, s, j.Expectations, meta)
		return err
	})
	if err != nil {
		if report == nil {
			if rec, rerr := j.Runner.RecordFailure(ctx, meta, err); rerr == nil {
				report = rec
			}
		}
		return report, err
	}
	return report, nil
}

// Ping connects and returns the warehouse's CURRENT_TIMESTAMP and the
// fingerprint of the key used.
func (j *Job) Ping(ctx context.Context) (timestamp, fingerprint string, err error) {
	meta := RunMeta{}
	err = j.withSession(ctx, &meta, func(s *warehouse.Session) error {
		var err error
		timestamp, err = s.CurrentTimestamp(ctx)
		return err
	})
	return timestamp, meta.Fingerprint, err
}

// withSession materializes a credential when the authenticator needs one,
// opens a session with it, destroys the credential as soon as the session
// is open and runs fn.
func (j *Job) withSession(ctx context.Context, meta *RunMeta, fn func(*warehouse.Session) error) error {
	var cred *keys.Credential
	if j.Warehouse.UsesKeyPair() {
		var err error
		cred, err = j.Materializer.Materialize(ctx, j.KeyRef, j.PassRef)
		if err != nil {
			return err
		}
		meta.Fingerprint = cred.Fingerprint()
	}

	open := j.Open
	if open == nil {
		open = warehouse.Open
	}
	opener := func(ctx context.Context) (*warehouse.Session, error) {
		defer cred.Destroy()
		return open(ctx, j.Warehouse, cred)
	}
	return warehouse.WithSession(ctx, opener, fn)
}
