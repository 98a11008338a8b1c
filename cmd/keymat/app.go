package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/internal/keys"
	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/secrets"
	"github.com/rendis/keymat/internal/store"
	"github.com/rendis/keymat/pkg/schema"
)

// env is everything a command touches outside the process.
type env struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	// open replaces warehouse.Open when set.
	open checks.OpenFunc
}

// app wires the configured components for one command invocation.
type app struct {
	env        *env
	cfg        Config
	configPath string
	level      *slog.LevelVar
	logger     *slog.Logger

	// levelOverride is --log-level; it survives config reloads.
	levelOverride string
}

func newApp(e *env, cfg Config) (*app, error) {
	lvl, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, err.Error())
	}
	level := new(slog.LevelVar)
	level.Set(lvl)

	logger, err := logging.NewLeveled(e.stderr, level, cfg.Log.Format)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, err.Error())
	}
	return &app{env: e, cfg: cfg, level: level, logger: logger}, nil
}

// openHistory opens and migrates the local store.
func (a *app) openHistory(ctx context.Context) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.Store.filePath()), 0o700); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	s, err := store.NewLibSQLStore(a.cfg.Store.dsn())
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// withHistory runs fn with an open local store and closes it afterwards.
func (a *app) withHistory(ctx context.Context, fn func(*store.LibSQLStore) error) error {
	s, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func (a *app) secretStore(blobs secrets.BlobStore) (secrets.Store, error) {
	cfg, err := a.cfg.Secrets.backendConfig()
	if err != nil {
		return nil, err
	}
	return secrets.NewBackend(cfg, blobs)
}

func (a *app) localStore(blobs secrets.BlobStore) (*secrets.LocalStore, error) {
	cfg, err := a.cfg.Secrets.backendConfig()
	if err != nil {
		return nil, err
	}
	return secrets.NewLocalStore(blobs, cfg.Local)
}

func (a *app) materializer(s secrets.Store) *keys.Materializer {
	return keys.NewMaterializer(s,
		keys.WithTimeout(a.cfg.Secrets.Timeout),
		keys.WithLogger(a.logger),
	)
}

// job builds a check job. history may be nil, in which case runs are not
// recorded.
func (a *app) job(s secrets.Store, history store.Store, exps []checks.Expectation) *checks.Job {
	opts := []checks.RunnerOption{
		checks.WithRunnerLogger(a.logger),
		checks.WithVars(a.cfg.Checks.Vars),
	}
	if history != nil {
		opts = append(opts, checks.WithStore(history))
	}
	backend := a.cfg.Secrets.Backend
	if backend == "" {
		backend = secrets.BackendAWS
	}
	return &checks.Job{
		Materializer: a.materializer(s),
		KeyRef:       a.cfg.Secrets.Key,
		PassRef:      a.cfg.Secrets.Passphrase,
		Backend:      backend,
		Warehouse:    a.cfg.Warehouse,
		Expectations: exps,
		Runner:       checks.NewRunner(opts...),
		Open:         a.env.open,
	}
}

// withJob runs fn with a job over the configured secret backend. The local
// store is opened when the backend or record needs it.
func (a *app) withJob(ctx context.Context, record bool, exps []checks.Expectation, fn func(*checks.Job) error) error {
	if !record && a.cfg.Secrets.Backend != secrets.BackendLocal {
		s, err := a.secretStore(nil)
		if err != nil {
			return err
		}
		return fn(a.job(s, nil, exps))
	}
	return a.withHistory(ctx, func(h *store.LibSQLStore) error {
		s, err := a.secretStore(h)
		if err != nil {
			return err
		}
		var history store.Store
		if record {
			history = h
		}
		return fn(a.job(s, history, exps))
	})
}
