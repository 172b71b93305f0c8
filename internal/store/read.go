package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/offsync/internal/change"
)

// queryBatchSize bounds how many rows Query holds in memory at once.
const queryBatchSize = 256

// Query returns the live (non-tombstoned) records of a table, ordered by id.
//
// The sequence is lazy: rows are read in batches keyed on the last id seen,
// and each batch is closed before its records are yielded, so the loop body
// may call back into the store. Every range starts over, so a Query value can
// be ranged over repeatedly. A row that fails to decode is yielded as an
// error; the caller decides whether to continue.
func (s *Store) Query(ctx context.Context, table change.TableName) iter.Seq2[change.Record, error] {
	return func(yield func(change.Record, error) bool) {
		after, first := "", true
		for {
			batch, last, err := s.queryBatch(ctx, table, after, first)
			if err != nil {
				yield(change.Record{}, storeErr("query", table, err))
				return
			}
			for _, item := range batch {
				if !yield(item.rec, item.err) {
					return
				}
			}
			if len(batch) < queryBatchSize {
				return
			}
			after, first = last, false
		}
	}
}

type queryItem struct {
	rec change.Record
	err error
}

// queryBatch reads up to queryBatchSize live rows with ids after the given id
// and returns the last id read.
func (s *Store) queryBatch(ctx context.Context, table change.TableName, after string, first bool) ([]queryItem, string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, fields, updated_at, deleted_at
		FROM records
		WHERE table_name = ? AND deleted_at IS NULL AND (? OR id > ? COLLATE BINARY)
		ORDER BY id COLLATE BINARY ASC
		LIMIT ?
	`, string(table), first, after, queryBatchSize)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var (
		batch []queryItem
		last  string
	)
	for rows.Next() {
		var (
			id        string
			fields    string
			updatedAt int64
			deletedAt sql.NullInt64
		)
		if err := rows.Scan(&id, &fields, &updatedAt, &deletedAt); err != nil {
			return nil, "", err
		}
		last = id
		rec, err := decodeRow(id, fields, updatedAt, deletedAt)
		if err != nil {
			batch = append(batch, queryItem{err: storeErr("query", table, err)})
			continue
		}
		batch = append(batch, queryItem{rec: rec})
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	return batch, last, nil
}

// List collects Query into a slice, stopping at the first error.
func (s *Store) List(ctx context.Context, table change.TableName) ([]change.Record, error) {
	var out []change.Record
	for rec, err := range s.Query(ctx, table) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns a single record, including tombstones.
// Returns ErrNotFound (wrapped in *StoreError) if the id was never stored.
func (s *Store) Get(ctx context.Context, table change.TableName, id string) (change.Record, error) {
	rec, err := getRecord(ctx, s.db, table, id)
	if err != nil {
		return change.Record{}, storeErr("get", table, err)
	}
	return rec, nil
}

// Tables returns the registered synchronized tables in lexicographic order.
func (s *Store) Tables(ctx context.Context) ([]change.TableName, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM sync_tables ORDER BY name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, storeErr("tables", "", err)
	}
	defer rows.Close()

	var tables []change.TableName
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr("tables", "", fmt.Errorf("scan table: %w", err))
		}
		tables = append(tables, change.TableName(name))
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("tables", "", err)
	}
	return tables, nil
}

// RegisterTable adds a table to the synchronized set. Idempotent.
func (s *Store) RegisterTable(ctx context.Context, table change.TableName) error {
	if table == "" {
		return storeErr("register", table, errors.New("empty table name"))
	}
	if err := registerTable(ctx, s.db, table); err != nil {
		return storeErr("register", table, err)
	}
	return nil
}

// PendingCount returns the number of mutation log entries for a table.
// An empty table name counts entries across all tables.
func (s *Store) PendingCount(ctx context.Context, table change.TableName) (int, error) {
	var (
		n   int
		err error
	)
	if table == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mutation_log`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM mutation_log WHERE table_name = ?`, string(table)).Scan(&n)
	}
	if err != nil {
		return 0, storeErr("pending", table, err)
	}
	return n, nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func registerTable(ctx context.Context, q queryer, table change.TableName) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO sync_tables (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, string(table))
	if err != nil {
		return fmt.Errorf("register table: %w", err)
	}
	return nil
}

func getRecord(ctx context.Context, q queryer, table change.TableName, id string) (change.Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, fields, updated_at, deleted_at
		FROM records
		WHERE table_name = ? AND id = ?
	`, string(table), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return change.Record{}, fmt.Errorf("%s/%s: %w", table, id, ErrNotFound)
	}
	return rec, err
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (change.Record, error) {
	var (
		id        string
		fields    string
		updatedAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(&id, &fields, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return change.Record{}, err
		}
		return change.Record{}, fmt.Errorf("scan record: %w", err)
	}
	return decodeRow(id, fields, updatedAt, deletedAt)
}

func decodeRow(id, fields string, updatedAt int64, deletedAt sql.NullInt64) (change.Record, error) {
	f, err := unmarshalFields(fields)
	if err != nil {
		return change.Record{}, fmt.Errorf("record %s: %w", id, err)
	}
	rec := change.Record{ID: id, UpdatedAt: updatedAt, Fields: f}
	if deletedAt.Valid {
		v := deletedAt.Int64
		rec.DeletedAt = &v
	}
	return rec, nil
}
