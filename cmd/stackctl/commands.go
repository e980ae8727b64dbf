package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/stackctl"
	"github.com/loykin/stackctl/pkg/client"
)

// controller is what the one-shot commands drive: the local stack or a
// remote serve endpoint.
type controller interface {
	StartAll(ctx context.Context) (stackctl.Result, error)
	StopAll(ctx context.Context) (stackctl.Result, error)
	StartOne(ctx context.Context, name string) (stackctl.Result, error)
	StopOne(ctx context.Context, name string) (stackctl.Result, error)
	Status(ctx context.Context) (stackctl.Snapshot, error)
	Services(ctx context.Context) ([]stackctl.Descriptor, error)
	Close() error
}

type localController struct{ s *stackctl.Stack }

func (l localController) StartAll(ctx context.Context) (stackctl.Result, error) {
	return l.s.StartAll(ctx), nil
}

func (l localController) StopAll(ctx context.Context) (stackctl.Result, error) {
	return l.s.StopAll(ctx), nil
}

func (l localController) StartOne(ctx context.Context, name string) (stackctl.Result, error) {
	return l.s.StartOne(ctx, name), nil
}

func (l localController) StopOne(ctx context.Context, name string) (stackctl.Result, error) {
	return l.s.StopOne(ctx, name), nil
}

func (l localController) Status(ctx context.Context) (stackctl.Snapshot, error) {
	return l.s.Status(ctx)
}

func (l localController) Services(context.Context) ([]stackctl.Descriptor, error) {
	return l.s.Services()
}

func (l localController) Close() error { return l.s.Close() }

// remoteController presents the events of a finished remote invocation, since
// they cannot be streamed.
type remoteController struct {
	*client.Client
	p *presenter
}

func (r remoteController) present(res stackctl.Result, err error) (stackctl.Result, error) {
	for _, e := range res.Events {
		r.p.Emit(e)
	}
	return res, err
}

func (r remoteController) StartAll(ctx context.Context) (stackctl.Result, error) {
	return r.present(r.Client.StartAll(ctx))
}

func (r remoteController) StopAll(ctx context.Context) (stackctl.Result, error) {
	return r.present(r.Client.StopAll(ctx))
}

func (r remoteController) StartOne(ctx context.Context, name string) (stackctl.Result, error) {
	return r.present(r.Client.StartOne(ctx, name))
}

func (r remoteController) StopOne(ctx context.Context, name string) (stackctl.Result, error) {
	return r.present(r.Client.StopOne(ctx, name))
}

func (r remoteController) Close() error { return nil }

func (c *cli) controller() (controller, error) {
	if c.flags.APIURL != "" {
		return remoteController{
			Client: client.New(client.Config{BaseURL: c.flags.APIURL, Timeout: c.flags.APITimeout, RetryMax: 2}),
			p:      newPresenter(c.stderr),
		}, nil
	}
	s, err := c.open()
	if err != nil {
		return nil, err
	}
	return localController{s: s}, nil
}

// invocation runs op against the controller and prints its result.
func (c *cli) invocation(ctx context.Context, op func(context.Context, controller) (stackctl.Result, error)) error {
	ctl, err := c.controller()
	if err != nil {
		return err
	}
	defer func() { _ = ctl.Close() }()
	res, err := op(ctx, ctl)
	if err != nil {
		return err
	}
	if err := writeResult(c.stdout, c.flags.Output, res); err != nil {
		return err
	}
	return resultErr(res)
}

func (c *cli) createStartAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start-all",
		Short: "Start every service that is not already listening, stage by stage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.invocation(cmd.Context(), func(ctx context.Context, ctl controller) (stackctl.Result, error) {
				return ctl.StartAll(ctx)
			})
		},
	}
}

func (c *cli) createStopAllCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop-all",
		Short: "Request termination of every running service, later stages first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.invocation(cmd.Context(), func(ctx context.Context, ctl controller) (stackctl.Result, error) {
				return ctl.StopAll(ctx)
			})
		},
	}
}

func (c *cli) createStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start <name>",
		Short: "Start one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.invocation(cmd.Context(), func(ctx context.Context, ctl controller) (stackctl.Result, error) {
				return ctl.StartOne(ctx, args[0])
			})
		},
	}
}

func (c *cli) createStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop one service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.invocation(cmd.Context(), func(ctx context.Context, ctl controller) (stackctl.Result, error) {
				return ctl.StopOne(ctx, args[0])
			})
		},
	}
}

func (c *cli) createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Probe every service once and report what is listening",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctl, err := c.controller()
			if err != nil {
				return err
			}
			defer func() { _ = ctl.Close() }()
			snap, err := ctl.Status(cmd.Context())
			if err != nil {
				return err
			}
			return writeSnapshot(c.stdout, c.flags.Output, snap)
		},
	}
}

func (c *cli) createValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the services it defines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctl, err := c.controller()
			if err != nil {
				return err
			}
			defer func() { _ = ctl.Close() }()
			descs, err := ctl.Services(cmd.Context())
			if err != nil {
				return err
			}
			return writeServices(c.stdout, c.flags.Output, descs)
		},
	}
}

// defaultAPITimeout covers a start-all whose grace periods add up.
const defaultAPITimeout = 2 * time.Minute
