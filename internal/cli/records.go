package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/store"
)

// RecordsResult lists records of one table.
type RecordsResult struct {
	Table   string          `json:"table"`
	Records []change.Record `json:"records"`
}

// String renders one canonical JSON record per line.
func (r RecordsResult) String() string {
	if len(r.Records) == 0 {
		return fmt.Sprintf("no records in %s", r.Table)
	}
	lines := make([]string, 0, len(r.Records))
	for _, rec := range r.Records {
		line, err := change.MarshalCanonical(rec)
		if err != nil {
			line = []byte(fmt.Sprintf("%s: %v", rec.ID, err))
		}
		lines = append(lines, string(line))
	}
	return strings.Join(lines, "\n")
}

// RecordResult is a single written or deleted record.
type RecordResult struct {
	Table  string        `json:"table"`
	Op     string        `json:"op"`
	Record change.Record `json:"record"`
}

func (r RecordResult) String() string {
	return fmt.Sprintf("%s %s/%s", r.Op, r.Table, r.Record.ID)
}

// NewRecordsCommand creates the records command group.
func NewRecordsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and write local records",
		Long: `Read and write records in the local store.

Writes are recorded in the mutation log and pushed by the next sync.`,
	}

	cmd.AddCommand(newRecordsListCommand(rootOpts))
	cmd.AddCommand(newRecordsPutCommand(rootOpts))
	cmd.AddCommand(newRecordsDeleteCommand(rootOpts))
	return cmd
}

func newRecordsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list <table>",
		Short: "List live records of a table",
		Example: `  offsync records list cars
  offsync records list cars --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			sess, err := openSession(ctx, rootOpts, cmd, false, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			recs, err := sess.store.List(ctx, change.TableName(args[0]))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list records", err)
			}
			if recs == nil {
				recs = []change.Record{}
			}
			return rootOpts.formatter(cmd).Success(RecordsResult{Table: args[0], Records: recs})
		},
	}
}

func newRecordsPutCommand(rootOpts *RootOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "put <table> key=value...",
		Short: "Create or update a record",
		Long: `Create or update a record.

Without --id a new record is created with a UUIDv7 id. With --id an
existing live record is updated (fields merged) or a new one is created.
Values are parsed as JSON when possible (numbers, booleans, quoted strings,
objects), otherwise taken as plain strings.`,
		Example: `  offsync records put cars model=Tesla doors=4
  offsync records put cars --id c1 color=red`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseAssignments(args[1:])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid field", err)
			}

			ctx := context.Background()
			sess, err := openSession(ctx, rootOpts, cmd, false, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			table := change.TableName(args[0])
			op, rec, err := putRecord(ctx, sess.store, table, id, fields)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to write record", err)
			}
			return rootOpts.formatter(cmd).Success(RecordResult{Table: args[0], Op: op, Record: rec})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "record id (default: new UUIDv7)")
	return cmd
}

func newRecordsDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "delete <table> <id>",
		Short:         "Soft-delete a record",
		Example:       `  offsync records delete cars c1`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			sess, err := openSession(ctx, rootOpts, cmd, false, nil)
			if err != nil {
				return err
			}
			defer sess.Close()

			table := change.TableName(args[0])
			if err := sess.store.Delete(ctx, table, args[1]); err != nil {
				return WrapExitError(ExitCommandError, "failed to delete record", err)
			}
			rec, err := sess.store.Get(ctx, table, args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read record", err)
			}
			return rootOpts.formatter(cmd).Success(RecordResult{Table: args[0], Op: store.OpDelete, Record: rec})
		},
	}
}

// putRecord creates a record, or updates it when id is already stored.
// A tombstoned id is rejected by Update.
func putRecord(ctx context.Context, st *store.Store, table change.TableName, id string, fields map[string]any) (string, change.Record, error) {
	if id == "" {
		rec, err := st.Create(ctx, table, uuid.Must(uuid.NewV7()).String(), fields)
		return store.OpCreate, rec, err
	}

	_, err := st.Get(ctx, table, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		rec, err := st.Create(ctx, table, id, fields)
		return store.OpCreate, rec, err
	case err != nil:
		return "", change.Record{}, err
	}
	rec, err := st.Update(ctx, table, id, fields)
	return store.OpUpdate, rec, err
}

// parseAssignments parses key=value arguments into a field map.
func parseAssignments(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		switch key {
		case change.KeyID, change.KeyUpdatedAt, change.KeyDeletedAt:
			return nil, fmt.Errorf("%q is managed by the store", key)
		}
		fields[key] = parseValue(raw)
	}
	return fields, nil
}

// parseValue decodes raw as JSON, keeping numbers exact; anything that is not
// a single JSON value is a plain string.
func parseValue(raw string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return v
}
