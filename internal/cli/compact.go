package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// CompactResult reports a compaction.
type CompactResult struct {
	Removed int64 `json:"removed"`
}

func (r CompactResult) String() string {
	return fmt.Sprintf("removed %d tombstone(s)", r.Removed)
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Remove synced tombstones",
		Long: `Remove soft-deleted records whose deletion has already been pushed.

Tombstones with pending mutations are kept until the next successful sync.

Example:
  offsync compact --db ./offsync.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			sess, err := openSession(ctx, rootOpts, cmd, false, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			n, err := sess.store.Compact(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to compact", err)
			}
			return rootOpts.formatter(cmd).Success(CompactResult{Removed: n})
		},
	}
	return cmd
}
