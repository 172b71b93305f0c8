package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/engine"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
}

// CycleResult is the output of one sync cycle.
type CycleResult struct {
	CycleID         string             `json:"cycle_id"`
	Outcome         string             `json:"outcome"`
	FailedAt        string             `json:"failed_at,omitempty"`
	FromVersion     int64              `json:"from_version"`
	ToVersion       int64              `json:"to_version"`
	Pulled          int                `json:"pulled"`
	Pushed          int                `json:"pushed"`
	Conflicts       int                `json:"conflicts"`
	PushedTables    []change.TableName `json:"pushed_tables,omitempty"`
	PushFingerprint string             `json:"push_fingerprint,omitempty"`
	DurationMS      int64              `json:"duration_ms"`

	summary string
}

func (r CycleResult) String() string {
	return r.summary
}

func newCycleResult(r engine.Report) CycleResult {
	res := CycleResult{
		CycleID:         r.CycleID,
		Outcome:         string(r.Outcome),
		FromVersion:     r.FromVersion,
		ToVersion:       r.ToVersion,
		Pulled:          r.Pulled,
		Pushed:          r.Pushed,
		Conflicts:       r.Conflicts,
		PushedTables:    r.PushedTables,
		PushFingerprint: r.PushFingerprint,
		DurationMS:      r.Duration.Milliseconds(),
		summary:         r.String(),
	}
	if r.Outcome == engine.OutcomeFailed {
		res.FailedAt = r.FailedAt.String()
	}
	return res
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Run one pull/apply/push cycle against the configured remote.

Remote changes newer than the stored cursor are applied locally (remote wins
on conflict), then every pending local change is pushed. The cursor only
advances once the push is acknowledged, so a failed cycle is safe to retry.

Exit codes:
  0 - Cycle succeeded
  1 - Cycle failed (error code TRANSPORT, STORE, CONFLICT or PROTOCOL)
  2 - Command error

Examples:
  offsync sync --db ./offsync.db --remote http://localhost:8080
  offsync sync --config ./offsync.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}
	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sess, err := openSession(ctx, opts.RootOptions, cmd, true, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	f := opts.formatter(cmd)
	report, err := sess.coord.RunCycleOnce(ctx)
	if err != nil {
		_ = f.Error(ErrorCode(err), err.Error(), newCycleResult(report))
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	return f.Success(newCycleResult(report))
}
