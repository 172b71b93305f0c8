package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/offsync/internal/change"
)

func newTestServer(t *testing.T) (*Server, *HTTPSource) {
	t.Helper()
	s := NewServer()
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, NewHTTPSource(hs.URL)
}

func TestServer_PullFromZeroReturnsEverything(t *testing.T) {
	s, src := newTestServer(t)

	v, err := s.Seed(change.Changes{
		"cars": {Created: []change.Record{{ID: "c2", UpdatedAt: 1}, {ID: "c1", UpdatedAt: 1}}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	resp, err := src.Pull(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.LatestVersion)

	cars := resp.Changes["cars"]
	require.Len(t, cars.Created, 2)
	assert.Equal(t, "c1", cars.Created[0].ID)
	assert.Equal(t, "c2", cars.Created[1].ID)
}

func TestServer_PullSinceClassifies(t *testing.T) {
	s, src := newTestServer(t)
	ctx := context.Background()

	_, err := s.Seed(change.Changes{
		"cars": {Created: []change.Record{{ID: "c1", UpdatedAt: 1}, {ID: "c2", UpdatedAt: 1}}},
	})
	require.NoError(t, err)

	err = src.Push(ctx, change.PushRequest{Changes: change.Changes{
		"cars": {
			Created: []change.Record{{ID: "c3", UpdatedAt: 2}},
			Updated: []change.Record{{ID: "c1", UpdatedAt: 2, Fields: map[string]any{"color": "red"}}},
			Deleted: []string{"c2"},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.Version())

	resp, err := src.Pull(ctx, 1)
	require.NoError(t, err)
	cars := resp.Changes["cars"]
	require.Len(t, cars.Created, 1)
	assert.Equal(t, "c3", cars.Created[0].ID)
	require.Len(t, cars.Updated, 1)
	assert.Equal(t, "red", cars.Updated[0].Fields["color"])
	assert.Equal(t, []string{"c2"}, cars.Deleted)

	// Nothing new after the latest version.
	resp, err = src.Pull(ctx, 2)
	require.NoError(t, err)
	assert.True(t, resp.Changes.IsEmpty())
	assert.Equal(t, int64(2), resp.LatestVersion)
}

func TestServer_EmptyPushDoesNotAdvanceVersion(t *testing.T) {
	s, src := newTestServer(t)

	require.NoError(t, src.Push(context.Background(), change.PushRequest{Changes: change.Changes{}}))
	assert.Zero(t, s.Version())
	assert.Len(t, s.Pushes(), 1)
}

func TestServer_FailPushesRecordsAttempt(t *testing.T) {
	s, src := newTestServer(t)
	s.FailPushes(1)

	req := change.PushRequest{Changes: change.Changes{"cars": {Created: []change.Record{{ID: "c1"}}}}}
	err := src.Push(context.Background(), req)
	assert.True(t, IsTransportError(err))
	assert.Empty(t, s.Snapshot("cars"))

	require.NoError(t, src.Push(context.Background(), req))
	assert.Len(t, s.Snapshot("cars"), 1)
	assert.Len(t, s.Pushes(), 2)
}

func TestServer_FailPulls(t *testing.T) {
	s, src := newTestServer(t)
	s.FailPulls(1)

	_, err := src.Pull(context.Background(), 0)
	assert.True(t, IsTransportError(err))

	_, err = src.Pull(context.Background(), 0)
	assert.NoError(t, err)
}

func TestServer_RejectsInvalidPush(t *testing.T) {
	s, src := newTestServer(t)

	err := src.Push(context.Background(), change.PushRequest{Changes: change.Changes{
		"cars": {Created: []change.Record{{ID: "c1"}}, Deleted: []string{"c1"}},
	}})
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadRequest, te.StatusCode)
	assert.Zero(t, s.Version())
}

func TestServer_InvalidCursor(t *testing.T) {
	s := NewServer()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/cars/sync/pull?lastPulledVersion=abc", nil)

	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Health(t *testing.T) {
	_, src := newTestServer(t)
	assert.NoError(t, src.Probe(context.Background()))
}
