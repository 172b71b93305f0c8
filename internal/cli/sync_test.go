package cli

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/change"
	"github.com/roach88/offsync/internal/remote"
	"github.com/roach88/offsync/internal/testutil"
)

type syncResponse struct {
	Status string      `json:"status"`
	Data   CycleResult `json:"data"`
	Error  *struct {
		Code    string      `json:"code"`
		Message string      `json:"message"`
		Details CycleResult `json:"details"`
	} `json:"error"`
}

func newSyncServer(t *testing.T) (*remote.Server, string) {
	t.Helper()
	srv := remote.NewServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func TestSyncCommand_PullsAndPushes(t *testing.T) {
	srv, url := newSyncServer(t)
	_, err := srv.Seed(change.Changes{
		"cars": {Created: []change.Record{{ID: "s1", UpdatedAt: 500, Fields: map[string]any{"model": "Volvo"}}}},
	})
	require.NoError(t, err)

	dbPath := testDB(t)
	_, err = execute(t, nil, "--db", dbPath, "records", "put", "cars", "--id", "c1", "model=Tesla")
	require.NoError(t, err)

	opts := &RootOptions{IDGenerator: testutil.NewFixedIDGenerator("cycle-cli")}
	out, err := execute(t, opts, "--db", dbPath, "--remote", url, "--format", "json", "sync")
	require.NoError(t, err, out)

	var resp syncResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "cycle-cli", resp.Data.CycleID)
	assert.Equal(t, "success", resp.Data.Outcome)
	assert.Empty(t, resp.Data.FailedAt)
	assert.Equal(t, int64(0), resp.Data.FromVersion)
	assert.Equal(t, int64(1), resp.Data.ToVersion)
	assert.Equal(t, 1, resp.Data.Pulled)
	assert.Equal(t, 1, resp.Data.Pushed)
	assert.Equal(t, 0, resp.Data.Conflicts)
	assert.Equal(t, []change.TableName{"cars"}, resp.Data.PushedTables)
	assert.NotEmpty(t, resp.Data.PushFingerprint)

	require.Len(t, srv.Pushes(), 1)
	assert.Len(t, srv.Snapshot("cars"), 2)

	out, err = execute(t, nil, "--db", dbPath, "--format", "json", "records", "list", "cars")
	require.NoError(t, err)
	var list struct {
		Data RecordsResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	require.Len(t, list.Data.Records, 2)
	assert.Equal(t, "c1", list.Data.Records[0].ID)
	assert.Equal(t, "s1", list.Data.Records[1].ID)
}

func TestSyncCommand_TextSummary(t *testing.T) {
	_, url := newSyncServer(t)

	out, err := execute(t, nil, "--db", testDB(t), "--remote", url, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "cycle 1 ok: version 0 -> 0, pulled 0, pushed 0, conflicts 0")
}

func TestSyncCommand_PushFailureKeepsPending(t *testing.T) {
	srv, url := newSyncServer(t)
	srv.FailPushes(1)

	dbPath := testDB(t)
	_, err := execute(t, nil, "--db", dbPath, "records", "put", "cars", "--id", "c1", "model=Tesla")
	require.NoError(t, err)

	out, err := execute(t, nil, "--db", dbPath, "--remote", url, "--format", "json", "sync")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp syncResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "TRANSPORT", resp.Error.Code)
	assert.Equal(t, "failed", resp.Error.Details.Outcome)
	assert.Equal(t, "PUSHING", resp.Error.Details.FailedAt)

	out, err = execute(t, nil, "--db", dbPath, "--format", "json", "status")
	require.NoError(t, err)
	var status struct {
		Data StatusResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &status))
	assert.Equal(t, 1, status.Data.Pending)

	// The retry pushes the same change.
	_, err = execute(t, nil, "--db", dbPath, "--remote", url, "sync")
	require.NoError(t, err)
	require.Len(t, srv.Pushes(), 2)
	assert.Equal(t, srv.Pushes()[0], srv.Pushes()[1])
}

func TestSyncCommand_RequiresRemote(t *testing.T) {
	_, err := execute(t, nil, "--db", testDB(t), "sync")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSyncCommand_RemoteFromEnvironment(t *testing.T) {
	_, url := newSyncServer(t)
	t.Setenv("OFFSYNC_REMOTE_BASEURL", url)

	out, err := execute(t, nil, "--db", testDB(t), "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}
