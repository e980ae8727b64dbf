package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/stackctl"
)

// SessionFlags holds flags for the session command.
type SessionFlags struct {
	StdinEOF bool
}

func (c *cli) createSessionCommand() *cobra.Command {
	flags := &SessionFlags{}
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Run the host triggers: start-all now, stop-all when the host goes away",
		Long: `session stands in for the host application's lifetime. When autoStart is
set it waits startDelayMs and runs start-all once. It then blocks until
SIGINT, SIGTERM or end of stdin (the host closing the pipe) and, when
autoStop is set, runs stop-all once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.open()
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if flags.StdinEOF && c.stdin != nil {
				go func() {
					_, _ = io.Copy(io.Discard, c.stdin)
					cancel()
				}()
			}
			stopMetrics, err := c.serveMetrics(s)
			if err != nil {
				return err
			}
			defer stopMetrics()

			var worst error
			var writeErr error
			s.Session(ctx, func(res stackctl.Result) {
				if err := writeResult(c.stdout, c.flags.Output, res); err != nil && writeErr == nil {
					writeErr = err
				}
				worst = worse(worst, resultErr(res))
			})
			if writeErr != nil {
				return writeErr
			}
			return worst
		},
	}
	cmd.Flags().BoolVar(&flags.StdinEOF, "stdin-eof", true, "treat end of stdin as host shutdown")
	return cmd
}

// worse keeps the more severe of two exit errors; failure beats partial failure.
func worse(a, b error) error {
	var ea, eb *exitError
	if !errors.As(a, &ea) {
		return b
	}
	if !errors.As(b, &eb) {
		return a
	}
	if eb.code == exitFailure {
		return b
	}
	return a
}

// metricsAddr prefers the flag over the document.
func (c *cli) metricsAddr(s *stackctl.Stack) string {
	if c.flags.MetricsListen != "" {
		return c.flags.MetricsListen
	}
	return s.Config().Metrics.Listen
}

// serveMetrics registers collectors and serves /metrics on its own listener
// when an address is configured.
func (c *cli) serveMetrics(s *stackctl.Stack) (func(), error) {
	addr := c.metricsAddr(s)
	if addr == "" {
		return func() {}, nil
	}
	if err := stackctl.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", stackctl.MetricsHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.Logger().Warn("metrics server stopped", slog.Any("error", err))
		}
	}()
	s.Logger().Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
