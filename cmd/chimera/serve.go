package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/chimera/internal/engine"
	httpserver "github.com/fyrsmithlabs/chimera/internal/http"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		host string
		port int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the orchestrator over HTTP until interrupted.

Routes:
  GET  /health                    liveness and backend availability
  GET  /metrics                   Prometheus metrics
  POST /api/v1/respond            full pipeline, returns the final answer
  POST /api/v1/plan               analysis and plan, nothing is run
  POST /api/v1/run                run a plan, returns the raw execution result
  POST /api/v1/resume/:id         continue an unfinished execution
  GET  /api/v1/executions/:id     current execution result
  GET  /api/v1/health/providers   circuit state of every backend`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := root.newEngine(cmd.Context())
			if err != nil {
				return err
			}
			cfg := eng.Config().Server
			if cmd.Flags().Changed("host") {
				cfg.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			return serve(cmd.Context(), eng, cfg.ShutdownTimeout.Duration(), func(e *engine.Engine) (*httpserver.Server, error) {
				return httpserver.NewServer(e, e.Logger(), cfg, httpserver.WithMeter(e.Meter("github.com/fyrsmithlabs/chimera/internal/http")))
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "listen host")
	cmd.Flags().IntVar(&port, "port", 9191, "listen port")
	return cmd
}

// serve runs the server until ctx is cancelled, then shuts the server and
// the engine down within timeout.
func serve(ctx context.Context, eng *engine.Engine, timeout time.Duration, build func(*engine.Engine) (*httpserver.Server, error)) error {
	logger := eng.Logger()
	srv, err := build(eng)
	if err != nil {
		_ = eng.Shutdown(context.WithoutCancel(ctx))
		return fmt.Errorf("http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info(ctx, "shutdown requested")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error(ctx, "http server stopped", zap.Error(serveErr))
		}
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return errors.Join(serveErr, srv.Shutdown(shutdownCtx), eng.Shutdown(shutdownCtx))
}
