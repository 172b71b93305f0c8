package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/offsync/internal/change"
)

// LoadCursor returns the persisted sync cursor. A fresh store returns 0.
func (s *Store) LoadCursor(ctx context.Context) (change.Cursor, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, change.CursorKey).Scan(&v)
	if err != nil {
		return change.Cursor{}, storeErr("load cursor", "", err)
	}
	return change.Cursor{LastPulledVersion: v}, nil
}

// AdvanceCursor persists version as the new cursor.
// Advancing to the current value is a no-op; a lower value returns
// ErrCursorRegression and leaves the cursor untouched.
func (s *Store) AdvanceCursor(ctx context.Context, version int64) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT value FROM sync_state WHERE key = ?`, change.CursorKey).Scan(&current)
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		if version < current {
			return fmt.Errorf("%d -> %d: %w", current, version, ErrCursorRegression)
		}
		if version == current {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO sync_state (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value
		`, change.CursorKey, version)
		if err != nil {
			return fmt.Errorf("write cursor: %w", err)
		}
		return nil
	})
	if err != nil {
		return storeErr("advance cursor", "", err)
	}
	return nil
}
