package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/remote"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverRequestTimeout   = 10 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second // Must be > serverRequestTimeout to let middleware handle timeout
	serverIdleTimeout      = 60 * time.Second
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Address string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory sync server",
		Long: `Run the reference sync server in memory.

The server speaks the same pull/push contract the client uses and keeps a
version journal, so several clients can sync against it. State is lost on
exit; it is meant for development and demos.

Example:
  offsync serve --address :8080`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Address, "address", "", "address to listen on (default from config, :8080)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	address := cfg.Server.Address
	if opts.Address != "" {
		address = opts.Address
	}

	logger := newLogger(opts.logWriter(cmd), opts.Viper, opts.Verbose)
	srv := remote.NewServer(
		remote.WithServerPaths(cfg.Remote.PullPath, cfg.Remote.PushPath),
		remote.WithServerLogger(logger),
		remote.WithMiddlewares(
			middleware.RealIP,
			middleware.Timeout(serverRequestTimeout),
		),
	)

	server := newHTTPServer(address, srv.Handler())
	fmt.Fprintf(cmd.OutOrStdout(), "Sync server listening on %s\n", address)
	if err := serveHTTP(ctx, server, logger); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}

// signalContext returns the command context cancelled on SIGINT or SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newHTTPServer(address string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         address,
		Handler:      handler,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}
}

// serveHTTP runs server until ctx is cancelled, then shuts it down
// gracefully. Returns the listen error if the server fails to start.
func serveHTTP(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...", "address", server.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}
