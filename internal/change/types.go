package change

import (
	"errors"
	"fmt"
	"maps"
	"slices"
)

// CursorKey is the fixed identifier the sync cursor is persisted under.
const CursorKey = "sync_cursor"

// ErrInvalidChanges is wrapped by every validation failure in this package.
var ErrInvalidChanges = errors.New("invalid changes")

// TableName names a synchronized table (e.g. "cars", "users").
type TableName string

// Record is a domain row belonging to a table.
//
// UpdatedAt is a unix-millisecond version stamp. DeletedAt is nil for live
// records; a non-nil value marks a tombstone, which normal queries never
// return but which stays stored until compaction.
type Record struct {
	ID        string
	UpdatedAt int64
	DeletedAt *int64
	Fields    map[string]any
}

// IsDeleted reports whether the record is tombstoned.
func (r Record) IsDeleted() bool {
	return r.DeletedAt != nil
}

// Clone returns a copy whose Fields map and DeletedAt pointer are not shared.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = maps.Clone(r.Fields)
	}
	if r.DeletedAt != nil {
		at := *r.DeletedAt
		out.DeletedAt = &at
	}
	return out
}

// ChangeSet holds the changes for one table, partitioned by operation.
type ChangeSet struct {
	Created []Record
	Updated []Record
	Deleted []string
}

// IsEmpty reports whether the set carries no changes.
func (cs ChangeSet) IsEmpty() bool {
	return len(cs.Created) == 0 && len(cs.Updated) == 0 && len(cs.Deleted) == 0
}

// Len returns the total number of changed ids.
func (cs ChangeSet) Len() int {
	return len(cs.Created) + len(cs.Updated) + len(cs.Deleted)
}

// Validate checks that every id is non-empty and appears in at most one of
// the three sequences (and at most once within it).
func (cs ChangeSet) Validate() error {
	seen := make(map[string]string, cs.Len())
	check := func(kind, id string) error {
		if id == "" {
			return fmt.Errorf("%w: empty id in %s", ErrInvalidChanges, kind)
		}
		if prev, ok := seen[id]; ok {
			return fmt.Errorf("%w: id %q appears in both %s and %s", ErrInvalidChanges, id, prev, kind)
		}
		seen[id] = kind
		return nil
	}
	for _, r := range cs.Created {
		if err := check("created", r.ID); err != nil {
			return err
		}
	}
	for _, r := range cs.Updated {
		if err := check("updated", r.ID); err != nil {
			return err
		}
	}
	for _, id := range cs.Deleted {
		if err := check("deleted", id); err != nil {
			return err
		}
	}
	return nil
}

// Changes maps table names to their change sets.
type Changes map[TableName]ChangeSet

// Tables returns the table names in lexicographic order.
// All multi-table operations iterate in this order.
func (c Changes) Tables() []TableName {
	return slices.Sorted(maps.Keys(c))
}

// IsEmpty reports whether no table carries any change.
func (c Changes) IsEmpty() bool {
	for _, cs := range c {
		if !cs.IsEmpty() {
			return false
		}
	}
	return true
}

// Count returns the number of changed ids across all tables.
func (c Changes) Count() int {
	n := 0
	for _, cs := range c {
		n += cs.Len()
	}
	return n
}

// Compact returns a copy without empty change sets.
func (c Changes) Compact() Changes {
	out := make(Changes, len(c))
	for t, cs := range c {
		if !cs.IsEmpty() {
			out[t] = cs
		}
	}
	return out
}

// Validate checks every table name and change set.
func (c Changes) Validate() error {
	for _, t := range c.Tables() {
		if t == "" {
			return fmt.Errorf("%w: empty table name", ErrInvalidChanges)
		}
		if err := c[t].Validate(); err != nil {
			return fmt.Errorf("table %s: %w", t, err)
		}
	}
	return nil
}

// Cursor is the persisted sync position.
type Cursor struct {
	LastPulledVersion int64
}

// PullResponse is the remote's answer to a pull request.
type PullResponse struct {
	Changes       Changes `json:"changes"`
	LatestVersion int64   `json:"latestVersion"`
}

// Validate checks the response against the version that was requested.
// LatestVersion must never be behind the cursor the client sent.
func (r PullResponse) Validate(since int64) error {
	if r.LatestVersion < since {
		return fmt.Errorf("%w: latestVersion %d is behind requested version %d",
			ErrInvalidChanges, r.LatestVersion, since)
	}
	return r.Changes.Validate()
}

// PushRequest carries local changes to the remote.
type PushRequest struct {
	Changes Changes `json:"changes"`
}
