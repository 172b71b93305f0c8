package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/change"
)

// ApplyStats summarizes one remote apply.
type ApplyStats struct {
	Created   int
	Updated   int
	Deleted   int
	Conflicts int // remote changes that met pending local mutations
	Kept      int // remote creates and updates dropped in favor of pending local state
}

// Total returns the number of applied entries.
func (a ApplyStats) Total() int {
	return a.Created + a.Updated + a.Deleted
}

func (a *ApplyStats) add(b ApplyStats) {
	a.Created += b.Created
	a.Updated += b.Updated
	a.Deleted += b.Deleted
	a.Conflicts += b.Conflicts
	a.Kept += b.Kept
}

// ApplyChanges applies remote changes for every table in one transaction.
//
// Tables are applied in lexicographic order. If any table fails, every table
// is rolled back and the store is unchanged. Remote applies never write the
// mutation log. Unknown tables are registered as part of the transaction.
func (s *Store) ApplyChanges(ctx context.Context, changes change.Changes) (ApplyStats, error) {
	var stats ApplyStats
	if err := changes.Validate(); err != nil {
		return stats, storeErr("apply", "", err)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range changes.Tables() {
			st, err := applyChangeSet(ctx, tx, s.stamp(), table, changes[table])
			if err != nil {
				return storeErr("apply", table, err)
			}
			stats.add(st)
		}
		return nil
	})
	if err != nil {
		return ApplyStats{}, storeErr("apply", "", err)
	}
	return stats, nil
}

// ApplyChangeSet applies remote changes for a single table in one transaction.
func (s *Store) ApplyChangeSet(ctx context.Context, table change.TableName, cs change.ChangeSet) (ApplyStats, error) {
	return s.ApplyChanges(ctx, change.Changes{table: cs})
}

func applyChangeSet(ctx context.Context, tx *sql.Tx, now int64, table change.TableName, cs change.ChangeSet) (ApplyStats, error) {
	var stats ApplyStats
	if table == "" {
		return stats, errors.New("empty table name")
	}
	if err := cs.Validate(); err != nil {
		return stats, err
	}
	if err := registerTable(ctx, tx, table); err != nil {
		return stats, err
	}

	for _, rec := range cs.Created {
		keep, conflict, err := keepLocal(ctx, tx, table, rec)
		if err != nil {
			return stats, err
		}
		if conflict {
			stats.Conflicts++
		}
		if keep {
			stats.Kept++
			continue
		}
		if err := upsertCreated(ctx, tx, table, rec); err != nil {
			return stats, err
		}
		stats.Created++
	}

	for _, rec := range cs.Updated {
		keep, conflict, err := keepLocal(ctx, tx, table, rec)
		if err != nil {
			return stats, err
		}
		if conflict {
			stats.Conflicts++
		}
		if keep {
			stats.Kept++
			continue
		}
		if err := mergeUpdated(ctx, tx, table, rec); err != nil {
			return stats, err
		}
		stats.Updated++
	}

	for _, id := range cs.Deleted {
		conflict, err := hasPending(ctx, tx, table, id)
		if err != nil {
			return stats, err
		}
		if err := markDeleted(ctx, tx, table, id, now); err != nil {
			return stats, err
		}
		stats.Deleted++
		if conflict {
			stats.Conflicts++
		}
	}

	return stats, nil
}

// upsertCreated writes a remote create. An existing row is replaced wholesale,
// including its tombstone state.
func upsertCreated(ctx context.Context, tx *sql.Tx, table change.TableName, rec change.Record) error {
	fields, err := marshalFields(rec.Fields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, fields, updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			fields = excluded.fields,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at
	`, string(table), rec.ID, fields, rec.UpdatedAt, nullInt64(rec.DeletedAt))
	if err != nil {
		return fmt.Errorf("write created %s: %w", rec.ID, err)
	}
	return nil
}

// mergeUpdated writes a remote update. Remote keys overwrite local keys;
// local-only keys are kept. An unknown id is inserted.
func mergeUpdated(ctx context.Context, tx *sql.Tx, table change.TableName, rec change.Record) error {
	existing, err := getRecord(ctx, tx, table, rec.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return upsertCreated(ctx, tx, table, rec)
	case err != nil:
		return err
	}

	fields, err := marshalFields(mergeFields(existing.Fields, rec.Fields))
	if err != nil {
		return err
	}
	deletedAt := existing.DeletedAt
	if rec.DeletedAt != nil {
		deletedAt = rec.DeletedAt
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE records SET fields = ?, updated_at = ?, deleted_at = ?
		WHERE table_name = ? AND id = ?
	`, fields, rec.UpdatedAt, nullInt64(deletedAt), string(table), rec.ID)
	if err != nil {
		return fmt.Errorf("write updated %s: %w", rec.ID, err)
	}
	return nil
}

// markDeleted tombstones a record. The first deletion time is kept so that
// re-applying the same delete is a no-op. An unknown id gets a tombstone row.
func markDeleted(ctx context.Context, tx *sql.Tx, table change.TableName, id string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO records (table_name, id, fields, updated_at, deleted_at)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT(table_name, id) DO UPDATE SET
			deleted_at = COALESCE(records.deleted_at, excluded.deleted_at)
	`, string(table), id, now, now)
	if err != nil {
		return fmt.Errorf("write deleted %s: %w", id, err)
	}
	return nil
}

// keepLocal decides whether a remote create or update loses to pending local
// state. A record with unpushed mutations keeps its local tombstone, and keeps
// its local fields unless the remote row is newer than the newest local
// mutation. Rows the client pushed itself come back with their original
// updated_at and are dropped here.
func keepLocal(ctx context.Context, tx *sql.Tx, table change.TableName, rec change.Record) (keep, conflict bool, err error) {
	at, pending, err := pendingAt(ctx, tx, table, rec.ID)
	if err != nil || !pending {
		return false, false, err
	}
	existing, err := getRecord(ctx, tx, table, rec.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return false, true, nil
	case err != nil:
		return false, false, err
	}
	if existing.IsDeleted() || rec.UpdatedAt <= at {
		return true, true, nil
	}
	return false, true, nil
}

// pendingAt returns the time of the newest unpushed mutation of a record.
func pendingAt(ctx context.Context, tx *sql.Tx, table change.TableName, id string) (int64, bool, error) {
	var at sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT MAX(at) FROM mutation_log WHERE table_name = ? AND record_id = ?`, string(table), id).Scan(&at)
	if err != nil {
		return 0, false, fmt.Errorf("check pending %s: %w", id, err)
	}
	return at.Int64, at.Valid, nil
}

// hasPending reports whether a record has unpushed local mutations.
func hasPending(ctx context.Context, tx *sql.Tx, table change.TableName, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutation_log WHERE table_name = ? AND record_id = ?`, string(table), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check pending %s: %w", id, err)
	}
	return n > 0, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
