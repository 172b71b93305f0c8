package store

import (
	"errors"
	"fmt"

	"github.com/roach88/offsync/internal/change"
)

var (
	// ErrNotFound is returned when a record does not exist (or, for local
	// updates, is tombstoned).
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists is returned by Create for an id that is already stored.
	ErrAlreadyExists = errors.New("record already exists")

	// ErrCursorRegression is returned when advancing the cursor to a lower version.
	ErrCursorRegression = errors.New("sync cursor cannot move backwards")
)

// StoreError describes a failed store operation.
// Op names the operation ("apply", "collect", "create", ...); Table is empty
// for operations that are not table scoped.
type StoreError struct {
	Op    string
	Table change.TableName
	Err   error
}

func (e *StoreError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(op string, table change.TableName, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Table: table, Err: err}
}
