package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/roach88/changefeed/internal/server"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync query and lifecycle ingest over HTTP",
		Long: `Start the HTTP server.

Routes:
  POST|GET /graphql   sync query
  POST     /hooks     lifecycle events (?publish=true opens a publish event)
  GET      /metrics   Prometheus metrics
  GET      /healthz   health check

Flush notifications are logged and, when nats.url is configured, published
to NATS.

Examples:
  changefeed serve
  changefeed serve --addr :9090 --config ./site.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides server.host and server.port)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.close()

	addr := opts.Addr
	if addr == "" {
		addr = a.cfg.Server.Addr()
	}

	db := a.store.DB()
	srv := server.New(server.Config{
		Addr:        addr,
		SyncTimeout: a.cfg.Sync.Timeout,
		Debug:       opts.Verbose,
	}, a.resolver(), a.tracker(),
		server.WithLogger(a.logger.Named("server")),
		server.WithHealthCheck(db.PingContext))

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			a.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	a.logger.Info("server stopped gracefully")
	return nil
}
