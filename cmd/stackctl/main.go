package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/stackctl"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Exit codes.
const (
	exitSuccess        = 0
	exitFailure        = 1
	exitPartialFailure = 2
)

// exitError carries a non-zero exit code for a result that was already printed.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	// an interrupted invocation stops between steps; launched services keep running
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := buildRoot(stdin, stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	var ee *exitError
	switch {
	case err == nil:
		return exitSuccess
	case errors.As(err, &ee):
		return ee.code
	default:
		_, _ = fmt.Fprintln(stderr, "error:", err)
		return exitFailure
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath    string
	Output        string
	LogLevel      string
	LogFile       string
	MetricsListen string
	// API connection
	APIURL        string
	APITimeout    time.Duration
}

// cli is the state every command closes over.
type cli struct {
	flags  *GlobalFlags
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func buildRoot(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{flags: &GlobalFlags{}, stdin: stdin, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "stackctl",
		Short: "Start, stop and inspect a group of local services",
		Long: `stackctl manages a group of local services described by one config file.
Services start stage by stage, are left running detached, and are found
again by their health port on every invocation.

Examples:
  stackctl start-all --config stack.toml
  stackctl status --output json
  stackctl stop embedding
  stackctl session            # start on launch, stop when stdin closes`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			switch c.flags.Output {
			case "text", "json", "yaml":
				return nil
			}
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", c.flags.Output)
		},
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVarP(&c.flags.ConfigPath, "config", "c", "stackctl.toml", "path to the stack config (TOML, YAML or JSON)")
	pf.StringVarP(&c.flags.Output, "output", "o", "text", "result format: text, json or yaml")
	pf.StringVar(&c.flags.LogLevel, "log-level", "", "log to stderr at this level (debug, info, ok, warn, error)")
	pf.StringVar(&c.flags.LogFile, "log-file", "", "write JSON logs to this rotated file")
	pf.StringVar(&c.flags.MetricsListen, "metrics-listen", "", "enable Prometheus metrics; session listens on this address, serve mounts /metrics")

	pf.StringVar(&c.flags.APIURL, "api-url", "", "drive a remote stackctl serve endpoint (e.g. http://127.0.0.1:7070/api) instead of the local config")
	pf.DurationVar(&c.flags.APITimeout, "api-timeout", defaultAPITimeout, "request timeout for --api-url")

	root.AddCommand(
		c.createStartAllCommand(),
		c.createStopAllCommand(),
		c.createStartCommand(),
		c.createStopCommand(),
		c.createStatusCommand(),
		c.createValidateCommand(),
		c.createSessionCommand(),
		c.createServeCommand(),
	)
	return root
}

// open builds the stack with events streamed to the console presenter. The
// slog console only receives output when --log-level is given.
func (c *cli) open() (*stackctl.Stack, error) {
	opts := []stackctl.Option{
		stackctl.WithEventSink(newPresenter(c.stderr)),
		stackctl.WithLogLevel(c.flags.LogLevel),
		stackctl.WithLogFile(c.flags.LogFile),
	}
	if c.flags.LogLevel != "" {
		opts = append(opts, stackctl.WithConsole(c.stderr))
	} else {
		opts = append(opts, stackctl.WithConsole(nil))
	}
	return stackctl.Open(c.flags.ConfigPath, opts...)
}

// resultErr maps a result status to its exit code.
func resultErr(res stackctl.Result) error {
	switch res.Status {
	case stackctl.StatusSuccess:
		return nil
	case stackctl.StatusPartialFailure:
		return &exitError{code: exitPartialFailure}
	default:
		return &exitError{code: exitFailure}
	}
}
