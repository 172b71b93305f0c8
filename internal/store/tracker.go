package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/change"
)

// Mutation operations recorded in the mutation log.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Create inserts a new local record and logs the mutation.
// Returns ErrAlreadyExists if the id is already stored, tombstoned or not.
func (s *Store) Create(ctx context.Context, table change.TableName, id string, fields map[string]any) (change.Record, error) {
	var rec change.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		exists, err := hasLocalState(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%s/%s: %w", table, id, ErrAlreadyExists)
		}
		rec = change.Record{ID: id, UpdatedAt: s.stamp(), Fields: fields}
		if err := registerTable(ctx, tx, table); err != nil {
			return err
		}
		if err := upsertCreated(ctx, tx, table, rec); err != nil {
			return err
		}
		return appendLog(ctx, tx, table, id, OpCreate, rec.UpdatedAt)
	})
	if err != nil {
		return change.Record{}, storeErr("create", table, err)
	}
	return rec.Clone(), nil
}

// Update merges fields into a live local record and logs the mutation.
// Returns ErrNotFound if the record is absent or tombstoned.
func (s *Store) Update(ctx context.Context, table change.TableName, id string, fields map[string]any) (change.Record, error) {
	var rec change.Record
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecord(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if existing.IsDeleted() {
			return fmt.Errorf("%s/%s is deleted: %w", table, id, ErrNotFound)
		}
		rec = change.Record{
			ID:        id,
			UpdatedAt: s.stamp(),
			Fields:    mergeFields(existing.Fields, fields),
		}
		if err := mergeUpdated(ctx, tx, table, rec); err != nil {
			return err
		}
		return appendLog(ctx, tx, table, id, OpUpdate, rec.UpdatedAt)
	})
	if err != nil {
		return change.Record{}, storeErr("update", table, err)
	}
	return rec.Clone(), nil
}

// Delete soft-deletes a local record and logs the mutation.
// Deleting an already tombstoned record is a no-op.
func (s *Store) Delete(ctx context.Context, table change.TableName, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getRecord(ctx, tx, table, id)
		if err != nil {
			return err
		}
		if existing.IsDeleted() {
			return nil
		}
		now := s.stamp()
		if err := markDeleted(ctx, tx, table, id, now); err != nil {
			return err
		}
		return appendLog(ctx, tx, table, id, OpDelete, now)
	})
	if err != nil {
		return storeErr("delete", table, err)
	}
	return nil
}

func appendLog(ctx context.Context, tx *sql.Tx, table change.TableName, id, op string, at int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_log (table_name, record_id, op, at)
		VALUES (?, ?, ?, ?)
	`, string(table), id, op, at)
	if err != nil {
		return fmt.Errorf("append mutation log: %w", err)
	}
	return nil
}

// CollectLocalChanges derives the ChangeSet to push for a table from every
// mutation log entry with seq > since.
//
// Each touched id is classified from its ops (in seq order) and its current
// state:
//   - created then tombstoned: omitted, the server never saw it
//   - tombstoned: deleted
//   - created at some point: created, with current state
//   - otherwise: updated, with current state
//
// The returned marker is the highest seq covered. Pass it to
// ResetLocalChangeLog after the push is acknowledged. An empty ChangeSet
// returns marker 0.
func (s *Store) CollectLocalChanges(ctx context.Context, table change.TableName, since int64) (change.ChangeSet, int64, error) {
	cs := change.ChangeSet{}
	var marker int64

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		ops, max, err := loadOps(ctx, tx, table, since)
		if err != nil {
			return err
		}
		marker = max

		for _, entry := range ops {
			rec, err := getRecord(ctx, tx, table, entry.id)
			missing := errors.Is(err, ErrNotFound)
			if err != nil && !missing {
				return err
			}
			tombstoned := missing || rec.IsDeleted()

			switch {
			case entry.firstCreate && tombstoned:
				// never reached the server
			case tombstoned:
				cs.Deleted = append(cs.Deleted, entry.id)
			case entry.created:
				cs.Created = append(cs.Created, rec)
			default:
				cs.Updated = append(cs.Updated, rec)
			}
		}
		return nil
	})
	if err != nil {
		return change.ChangeSet{}, 0, storeErr("collect", table, err)
	}
	return cs, marker, nil
}

type idOps struct {
	id          string
	firstCreate bool
	created     bool
}

// loadOps groups log entries after since by record id, ordered by id.
func loadOps(ctx context.Context, tx *sql.Tx, table change.TableName, since int64) ([]idOps, int64, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT seq, record_id, op
		FROM mutation_log
		WHERE table_name = ? AND seq > ?
		ORDER BY record_id COLLATE BINARY ASC, seq ASC
	`, string(table), since)
	if err != nil {
		return nil, 0, fmt.Errorf("query mutation log: %w", err)
	}
	defer rows.Close()

	var (
		out    []idOps
		marker int64
	)
	for rows.Next() {
		var (
			seq    int64
			id, op string
		)
		if err := rows.Scan(&seq, &id, &op); err != nil {
			return nil, 0, fmt.Errorf("scan mutation log: %w", err)
		}
		if seq > marker {
			marker = seq
		}
		if len(out) == 0 || out[len(out)-1].id != id {
			out = append(out, idOps{id: id, firstCreate: op == OpCreate})
		}
		if op == OpCreate {
			out[len(out)-1].created = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate mutation log: %w", err)
	}
	return out, marker, nil
}

// ResetLocalChangeLog removes log entries for table with seq <= through.
// Entries appended after the matching collection survive.
func (s *Store) ResetLocalChangeLog(ctx context.Context, table change.TableName, through int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mutation_log WHERE table_name = ? AND seq <= ?`, string(table), through)
	if err != nil {
		return storeErr("reset", table, err)
	}
	return nil
}

// Compact physically removes tombstones that have no pending local
// mutations. Returns the number of rows removed.
func (s *Store) Compact(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM records
		WHERE deleted_at IS NOT NULL
		AND NOT EXISTS (
			SELECT 1 FROM mutation_log m
			WHERE m.table_name = records.table_name AND m.record_id = records.id
		)
	`)
	if err != nil {
		return 0, storeErr("compact", "", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr("compact", "", err)
	}
	return n, nil
}

// hasLocalState reports whether a row exists for id, tombstoned or not.
func hasLocalState(ctx context.Context, tx *sql.Tx, table change.TableName, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE table_name = ? AND id = ?`, string(table), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check record %s: %w", id, err)
	}
	return n > 0, nil
}
