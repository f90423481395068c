package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dshills/nbkernel/internal/host"
	"github.com/dshills/nbkernel/internal/kernel/channels"
	"github.com/dshills/nbkernel/internal/kernel/launch"
	"github.com/dshills/nbkernel/internal/kernel/process"
	"github.com/dshills/nbkernel/internal/metrics"
)

// signalContext is cancelled on the first SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func (c *cli) launchCmd() *cobra.Command {
	var (
		cwd         string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "launch NAME",
		Short: "Launch a kernel and report its events until it exits",
		Long: `Launch resolves NAME against the configured kernel spec directories,
starts the kernel, binds its channels and prints every launch event.

SIGINT or SIGTERM stops the kernel (SIGTERM, then SIGKILL after the
shutdown grace) and waits for it to terminate.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("metrics-addr") {
				c.cfg.Metrics.Addr = metricsAddr
			}
			return c.runLaunch(cmd.Context(), args[0], cwd)
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory for the kernel (default: current)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address; overrides config")
	return cmd
}

func (c *cli) runLaunch(parent context.Context, name, cwd string) error {
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return err
		}
		cwd = wd
	}

	kc := c.cfg.Kernel
	collector := metrics.New(c.cfg.Metrics.Namespace)
	if c.cfg.Metrics.Addr != "" {
		stop, err := c.serveMetrics(c.cfg.Metrics.Addr, collector)
		if err != nil {
			return err
		}
		defer stop()
	}

	supervisor := process.NewSupervisor(
		process.WithConnectionOptions(kc.ConnectionOptions()),
		process.WithConnectionDir(kc.ConnectionDir),
		process.WithStopGrace(kc.ShutdownGrace.Std()),
		process.WithLogger(c.logger.Named("process")),
	)
	defer supervisor.Shutdown(kc.ShutdownGrace.Std())

	dialer := channels.NewDialer(channels.NewZMQTransport(), channels.WithLogger(c.logger.Named("channels")))
	orch := launch.New(supervisor, dialer,
		launch.WithHost(host.NewLocal(c.registry(), c.logger)),
		launch.WithRecorder(collector),
		launch.WithLogger(c.logger.Named("launch")),
		launch.WithBindTimeout(kc.BindTimeout.Std()),
		launch.WithHandshakeTimeout(kc.HandshakeTimeout.Std()),
		launch.WithStopGrace(kc.ShutdownGrace.Std()),
		launch.WithStderrTail(kc.StderrTail),
	)

	// The launch context outlives the first signal so the kernel can be
	// stopped gracefully and its terminated event still reported.
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	sigCtx, stopSignals := signalContext(parent)
	defer stopSignals()

	events, err := orch.LaunchByName(ctx, name, cwd)
	if err != nil {
		return err
	}
	return c.follow(sigCtx, cancel, events, kc.ShutdownGrace.Std())
}

// follow prints events until the stream closes. When interrupted it shuts
// the kernel down, or cancels the launch if the kernel is not up yet.
func (c *cli) follow(interrupted context.Context, cancel context.CancelFunc, events <-chan launch.Event, grace time.Duration) error {
	var state launch.RuntimeState
	stopping := false

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				var lerr *launch.LaunchError
				if errors.As(state.Err, &lerr) {
					return lerr
				}
				if state.Terminated && state.ExitCode != 0 && !stopping {
					return fmt.Errorf("kernel %s exited with code %d", state.SpecName, state.ExitCode)
				}
				return nil
			}
			state.Apply(ev)
			fmt.Fprintln(c.out, ev)

		case <-interrupted.Done():
			interrupted = context.Background()
			if stopping {
				continue
			}
			stopping = true
			if !state.Ready() {
				c.logger.Info("interrupted before the kernel was ready")
				cancel()
				continue
			}
			kern := state.Kernel
			c.logger.Info("stopping kernel", zap.String("kernel", kern.SpecName), zap.Int("pid", kern.PID()))
			go func() {
				ctx, done := context.WithTimeout(context.Background(), 2*grace+time.Second)
				defer done()
				if err := kern.Shutdown(ctx, grace); err != nil {
					c.logger.Warn("kernel shutdown failed", zap.Error(err))
					cancel()
				}
			}()
		}
	}
}

// serveMetrics starts the /metrics endpoint and returns a function that
// stops it.
func (c *cli) serveMetrics(addr string, collector *metrics.Collector) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	c.logger.Info("serving metrics", zap.String("addr", ln.Addr().String()))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
