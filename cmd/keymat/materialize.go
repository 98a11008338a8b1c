package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/secrets"
	"github.com/rendis/keymat/internal/store"
)

func runMaterialize(ctx context.Context, a *app, args []string) error {
	var out string
	var force bool

	fs := newFlagSet(a, "materialize")
	fs.StringVarP(&out, "out", "o", "", "write the PKCS#8 DER key to this file (mode 0600)")
	fs.BoolVar(&force, "force", false, "overwrite --out if it exists")
	fs.StringVar(&a.cfg.Secrets.Key.Name, "key-secret", a.cfg.Secrets.Key.Name, "name of the private key secret")
	fs.StringVar(&a.cfg.Secrets.Passphrase.Name, "passphrase-secret", a.cfg.Secrets.Passphrase.Name, "name of the passphrase secret")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	ctx = logging.WithCommand(ctx, "materialize")
	return a.withSecretStore(ctx, func(s secrets.Store) error {
		cred, err := a.materializer(s).Materialize(ctx, a.cfg.Secrets.Key, a.cfg.Secrets.Passphrase)
		if err != nil {
			return err
		}
		defer cred.Destroy()

		if out != "" {
			if err := writeKeyFile(out, cred.Bytes(), force); err != nil {
				return err
			}
		}

		fmt.Fprintf(a.env.stdout, "fingerprint: %s\n", cred.Fingerprint())
		fmt.Fprintf(a.env.stdout, "algorithm:   %s\n", cred.Algorithm())
		fmt.Fprintf(a.env.stdout, "length:      %d bytes\n", cred.Len())
		if out != "" {
			fmt.Fprintf(a.env.stdout, "written:     %s\n", out)
		}
		return nil
	})
}

// writeKeyFile writes der readable by the owner only. An existing file is
// only replaced with force.
func writeKeyFile(path string, der []byte, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if _, err := f.Write(der); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

func runPing(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "ping")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}

	ctx = logging.WithCommand(ctx, "ping")
	return a.withJob(ctx, false, nil, func(job *checks.Job) error {
		ts, fingerprint, err := job.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.env.stdout, "current_timestamp: %s\n", ts)
		if fingerprint != "" {
			fmt.Fprintf(a.env.stdout, "key fingerprint:   %s\n", fingerprint)
		}
		return nil
	})
}

// withSecretStore runs fn with the configured secret backend, opening the
// local store first when the backend lives there.
func (a *app) withSecretStore(ctx context.Context, fn func(secrets.Store) error) error {
	if a.cfg.Secrets.Backend != secrets.BackendLocal {
		s, err := a.secretStore(nil)
		if err != nil {
			return err
		}
		return fn(s)
	}
	return a.withHistory(ctx, func(h *store.LibSQLStore) error {
		s, err := a.secretStore(h)
		if err != nil {
			return err
		}
		return fn(s)
	})
}
