// keymat materializes a Snowflake key-pair credential from a secret store
// and uses it to connect and run row-count checks.
//
// Usage:
//
//	keymat [--config FILE] [--log-level LEVEL] <command> [flags]
//
// Commands: materialize, ping, check, watch, secret, history, version.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/keymat/
var version = "dev"

// exitError carries a specific exit status. check exits 2 when the checks
// ran and did not pass.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e := &env{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr, getenv: os.Getenv}
	if err := run(ctx, os.Args[1:], e); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = []command{
	{"materialize", "fetch, decrypt and re-encode the private key", runMaterialize},
	{"ping", "connect to the warehouse and print CURRENT_TIMESTAMP", runPing},
	{"check", "run row-count checks once", runCheck},
	{"watch", "run row-count checks on a schedule", runWatch},
	{"secret", "manage secrets in the local store (put, delete, list)", runSecret},
	{"history", "show recorded check runs", runHistory},
}

func run(ctx context.Context, args []string, e *env) error {
	var configPath, logLevel string

	flagSet := pflag.NewFlagSet("keymat", pflag.ContinueOnError)
	flagSet.SetOutput(e.stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVarP(&configPath, "config", "c", "", "config file (default $KEYMAT_CONFIG or ~/.keymat/config.yaml)")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level")
	flagSet.Usage = func() { printUsage(e.stderr, flagSet) }

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(e.stderr, flagSet)
		return errors.New("no command given")
	}
	name, rest := rest[0], rest[1:]

	switch name {
	case "version", "--version":
		fmt.Fprintln(e.stdout, version)
		return nil
	case "help":
		printUsage(e.stdout, flagSet)
		return nil
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == name {
			cmd = &commands[i]
			break
		}
	}
	if cmd == nil {
		return fmt.Errorf("unknown command %q (see keymat help)", name)
	}

	cfg, err := loadConfig(configPath, e.getenv)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	a, err := newApp(e, cfg)
	if err != nil {
		return err
	}
	a.configPath = configPath
	a.levelOverride = logLevel
	return cmd.run(ctx, a, rest)
}

func printUsage(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintln(w, "Usage: keymat [flags] <command> [command flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(w, "  %-12s %s\n", "version", "print the version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprint(w, flagSet.FlagUsages())
}

// newFlagSet creates a subcommand FlagSet writing help to the app's stderr.
func newFlagSet(a *app, name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet("keymat "+name, pflag.ContinueOnError)
	fs.SetOutput(a.env.stderr)
	return fs
}

// parseFlags parses args and reports whether the command should go on.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
