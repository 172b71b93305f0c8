package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/config"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/store"
	"github.com/roach88/offsync/internal/telemetry"
)

// session is the opened local side of a command: config, store and, when a
// remote is configured, the transport and coordinator.
type session struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *store.Store
	source *remote.HTTPSource
	coord  *engine.Coordinator
}

// openSession loads the configuration and opens the store. With needRemote
// the remote must be configured and a coordinator is built. metrics may be
// nil.
func openSession(ctx context.Context, opts *RootOptions, cmd *cobra.Command, needRemote bool, metrics *telemetry.SyncMetrics) (*session, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if needRemote {
		if err := cfg.RequireRemote(); err != nil {
			return nil, WrapExitError(ExitCommandError, "remote required", err)
		}
	}

	logger := newLogger(opts.logWriter(cmd), opts.Viper, opts.Verbose)

	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	for _, t := range cfg.Tables {
		if err := st.RegisterTable(ctx, change.TableName(t)); err != nil {
			st.Close()
			return nil, WrapExitError(ExitCommandError, "failed to register table", err)
		}
	}

	s := &session{cfg: cfg, logger: logger, store: st}
	if !needRemote {
		return s, nil
	}

	s.source = remote.NewHTTPSource(cfg.Remote.BaseURL,
		remote.WithPaths(cfg.Remote.PullPath, cfg.Remote.PushPath),
		remote.WithAPIKey(cfg.Remote.APIKey),
		remote.WithLogger(logger),
	)

	ids := opts.IDGenerator
	if ids == nil {
		ids = engine.UUIDv7Generator{}
	}
	coordOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithIDGenerator(ids),
		engine.WithCallTimeout(cfg.Remote.CallTimeout.Duration),
	}
	if metrics != nil {
		coordOpts = append(coordOpts,
			engine.WithMetrics(metrics),
			engine.WithObserver(func(engine.Report) {
				n, err := st.PendingCount(context.Background(), "")
				if err != nil {
					logger.Warn("failed to count pending mutations", "error", err)
					return
				}
				metrics.RecordPending(context.Background(), n)
			}),
		)
	}
	s.coord = engine.New(st, s.source, coordOpts...)
	return s, nil
}

// Close closes the store.
func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.logger.Error("error closing database", "error", err)
	}
}
