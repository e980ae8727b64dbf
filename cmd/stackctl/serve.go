package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/stackctl"
	"github.com/loykin/stackctl/internal/server"
)

// ServeFlags holds flags for the serve command.
type ServeFlags struct {
	Listen       string
	BasePath     string
	HostTriggers bool
}

func (c *cli) createServeCommand() *cobra.Command {
	flags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose start-all, stop-all and status over HTTP",
		Long: `serve exposes the invocation surface over HTTP for hosts that prefer it to
the command line. Every request is one fresh invocation.

Examples:
  stackctl serve --listen 127.0.0.1:7070 --base-path /api
  curl -X POST http://127.0.0.1:7070/api/start-all`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "127.0.0.1:7070", "HTTP listen address")
	cmd.Flags().StringVar(&flags.BasePath, "base-path", "/api", "path prefix for the endpoints")
	cmd.Flags().BoolVar(&flags.HostTriggers, "host-triggers", false, "run autoStart on startup and autoStop on shutdown")
	return cmd
}

func (c *cli) serve(ctx context.Context, flags *ServeFlags) error {
	s, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	gin.SetMode(gin.ReleaseMode)
	router := s.Router(flags.BasePath)
	if c.metricsAddr(s) != "" {
		if err := stackctl.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		router.Metrics = stackctl.MetricsHandler()
	}

	ln, err := net.Listen("tcp", flags.Listen)
	if err != nil {
		return err
	}
	srv := server.NewServer(flags.Listen, router)
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	_, _ = fmt.Fprintf(c.stderr, "serving on http://%s%s\n", ln.Addr(), router.BasePath())

	if flags.HostTriggers {
		if res, ok := s.AutoStart(ctx); ok {
			_ = writeResult(c.stdout, c.flags.Output, res)
		}
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(sctx)

	if flags.HostTriggers {
		if res, ok := s.AutoStop(context.WithoutCancel(ctx)); ok {
			if err := writeResult(c.stdout, c.flags.Output, res); err != nil {
				return err
			}
			return resultErr(res)
		}
	}
	return nil
}
