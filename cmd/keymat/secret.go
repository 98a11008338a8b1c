package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rendis/keymat/internal/logging"
	"github.com/rendis/keymat/internal/secrets"
	"github.com/rendis/keymat/internal/store"
)

// runSecret manages the local backend's secrets. It always talks to the
// local store, whatever secrets.backend says, so a development database
// can be seeded before switching the backend over.
func runSecret(ctx context.Context, a *app, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: keymat secret put|delete|list [flags]")
	}
	sub, args := args[0], args[1:]
	ctx = logging.WithCommand(ctx, "secret "+sub)

	switch sub {
	case "put":
		return secretPut(ctx, a, args)
	case "delete", "rm":
		return secretDelete(ctx, a, args)
	case "list", "ls":
		return secretList(ctx, a, args)
	default:
		return fmt.Errorf("unknown secret command %q", sub)
	}
}

func secretPut(ctx context.Context, a *app, args []string) error {
	var value, file string
	var binary bool

	fs := newFlagSet(a, "secret put")
	fs.StringVar(&value, "value", "", "secret value (visible in process lists; prefer --file or stdin)")
	fs.StringVar(&file, "file", "", "read the value from this file")
	fs.BoolVar(&binary, "binary", false, "store as a binary secret")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: keymat secret put NAME [--value V | --file F] [--binary]")
	}
	if value != "" && file != "" {
		return errors.New("--value and --file are mutually exclusive")
	}
	name := fs.Arg(0)

	var data []byte
	var err error
	switch {
	case value != "":
		data = []byte(value)
	case file != "":
		data, err = os.ReadFile(file)
	default:
		data, err = io.ReadAll(a.env.stdin)
	}
	if err != nil {
		return fmt.Errorf("read secret value: %w", err)
	}
	defer secrets.Zero(data)
	if !binary {
		// echo and most editors end the value with a newline.
		data = bytes.TrimRight(data, "\r\n")
	}

	return a.withLocalStore(ctx, func(s *secrets.LocalStore) error {
		put := s.PutText
		if binary {
			put = s.PutBinary
		}
		if err := put(ctx, name, data); err != nil {
			return err
		}
		a.logger.InfoContext(ctx, "secret stored", slog.String("secret", name), slog.Bool("binary", binary))
		fmt.Fprintf(a.env.stdout, "stored %s (%d bytes)\n", name, len(data))
		return nil
	})
}

func secretDelete(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "secret delete")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: keymat secret delete NAME")
	}
	name := fs.Arg(0)
	return a.withLocalStore(ctx, func(s *secrets.LocalStore) error {
		if err := s.Delete(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(a.env.stdout, "deleted %s\n", name)
		return nil
	})
}

func secretList(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "secret list")
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	return a.withLocalStore(ctx, func(s *secrets.LocalStore) error {
		names, err := s.List(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Fprintln(a.env.stdout, n)
		}
		return nil
	})
}

func (a *app) withLocalStore(ctx context.Context, fn func(*secrets.LocalStore) error) error {
	return a.withHistory(ctx, func(h *store.LibSQLStore) error {
		s, err := a.localStore(h)
		if err != nil {
			return err
		}
		return fn(s)
	})
}
