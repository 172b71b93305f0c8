package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/testutil"
)

// createTestStore creates a new store in a temp dir with a deterministic clock.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	clock := testutil.NewDeterministicClock()
	s, err := Open(path, WithClock(clock.Now))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// rec creates a remote record with the given fields.
func rec(id string, updatedAt int64, kv ...any) change.Record {
	fields := map[string]any{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[kv[i].(string)] = kv[i+1]
	}
	return change.Record{ID: id, UpdatedAt: updatedAt, Fields: fields}
}

// ids returns the ids of the live records of table, in query order.
func ids(t *testing.T, s *Store, table change.TableName) []string {
	t.Helper()
	recs, err := s.List(context.Background(), table)
	require.NoError(t, err)
	out := []string{}
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
