package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
}

// TableStatus summarizes one synchronized table.
type TableStatus struct {
	Name    string `json:"name"`
	Records int    `json:"records"`
	Pending int    `json:"pending"`
}

// StatusResult is the local sync state.
type StatusResult struct {
	Database string        `json:"database"`
	Cursor   int64         `json:"cursor"`
	Pending  int           `json:"pending"`
	Tables   []TableStatus `json:"tables"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "database: %s\n", r.Database)
	fmt.Fprintf(&b, "cursor:   %d\n", r.Cursor)
	fmt.Fprintf(&b, "pending:  %d", r.Pending)
	for _, t := range r.Tables {
		fmt.Fprintf(&b, "\n  %-20s records=%d pending=%d", t.Name, t.Records, t.Pending)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the local sync state",
		Long: `Show the persisted cursor and the pending mutations per table.

Examples:
  offsync status --db ./offsync.db
  offsync status --db ./offsync.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(opts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *StatusOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	sess, err := openSession(ctx, opts.RootOptions, cmd, false, nil)
	if err != nil {
		return err
	}
	defer sess.Close()

	cursor, err := sess.store.LoadCursor(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load cursor", err)
	}
	tables, err := sess.store.Tables(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list tables", err)
	}

	result := StatusResult{
		Database: sess.cfg.Database,
		Cursor:   cursor.LastPulledVersion,
		Tables:   make([]TableStatus, 0, len(tables)),
	}
	for _, table := range tables {
		recs, err := sess.store.List(ctx, table)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list records", err)
		}
		pending, err := sess.store.PendingCount(ctx, table)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to count pending mutations", err)
		}
		result.Pending += pending
		result.Tables = append(result.Tables, TableStatus{
			Name:    string(table),
			Records: len(recs),
			Pending: pending,
		})
	}

	return opts.formatter(cmd).Success(result)
}
