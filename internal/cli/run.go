package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/netwatch"
	"github.com/roach88/offsync/internal/telemetry"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync continuously while the remote is reachable",
		Long: `Start the sync daemon.

The daemon probes the remote and runs a sync cycle every time it becomes
reachable again, plus every monitor.resyncInterval while it stays reachable.
Probes back off exponentially while the remote is down. Triggers that arrive
while a cycle is running are coalesced into it.

With metrics.enabled the daemon also serves /metrics (Prometheus), /healthz
and /status on metrics.address.

Example:
  offsync run --config ./offsync.yaml
  OFFSYNC_REMOTE_BASEURL=http://localhost:8080 offsync run --db ./offsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(opts, cmd)
		},
	}
	return cmd
}

func runDaemon(opts *RunOptions, cmd *cobra.Command) error {
	ctx, stop := signalContext(cmd)
	defer stop()

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	provider, err := telemetry.NewPrometheusProvider(cfg.Metrics.Enabled, Version)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create metrics provider", err)
	}
	defer func() {
		_ = provider.Shutdown(context.Background())
	}()
	metrics, err := telemetry.NewSyncMetrics(provider)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create sync metrics", err)
	}

	sess, err := openSession(ctx, opts.RootOptions, cmd, true, metrics)
	if err != nil {
		return err
	}
	defer sess.Close()

	monitor := netwatch.New(sess.source, func(ctx context.Context) {
		if _, err := sess.coord.RunCycleOnce(ctx); err != nil && !errors.Is(err, engine.ErrCycleInFlight) {
			sess.logger.DebugContext(ctx, "triggered cycle failed", "error", err)
		}
	},
		netwatch.WithProbeInterval(cfg.Monitor.ProbeInterval.Duration),
		netwatch.WithMaxProbeInterval(cfg.Monitor.MaxProbeInterval.Duration),
		netwatch.WithResyncInterval(cfg.Monitor.ResyncInterval.Duration),
		netwatch.WithLogger(sess.logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return monitor.Start(gctx)
	})
	if cfg.Metrics.Enabled {
		server := newHTTPServer(cfg.Metrics.Address, newDaemonRouter(provider.Handler(), sess.coord))
		g.Go(func() error {
			return serveHTTP(gctx, server, sess.logger)
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s with %s. Press Ctrl-C to stop.\n", cfg.Database, cfg.Remote.BaseURL)
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "daemon error", err)
	}
	sess.logger.Info("daemon stopped gracefully")
	return nil
}

// StatusView is the JSON body of GET /status.
type StatusView struct {
	State    string       `json:"state"`
	Cycles   int64        `json:"cycles"`
	Failures int64        `json:"failures"`
	Skipped  int64        `json:"skipped"`
	Last     *CycleResult `json:"last,omitempty"`
}

func newStatusView(s engine.Status) StatusView {
	v := StatusView{
		State:    s.State.String(),
		Cycles:   s.Cycles,
		Failures: s.Failures,
		Skipped:  s.Skipped,
	}
	if s.Last != nil {
		last := newCycleResult(*s.Last)
		v.Last = &last
	}
	return v
}

// statusSource is the part of the coordinator the daemon router reads.
type statusSource interface {
	Status() engine.Status
}

// newDaemonRouter serves metrics, health and coordinator status.
func newDaemonRouter(metrics http.Handler, coord statusSource) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", metrics)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(newStatusView(coord.Status()))
	})
	return r
}
