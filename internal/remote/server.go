package remote

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/offsync/internal/change"
)

// serverRow is the server's view of one record.
type serverRow struct {
	rec            change.Record
	createdVersion int64
	version        int64 // version of the last accepted change
}

// Server is an in-memory authoritative sync server.
//
// Every accepted push advances the server version by one. A pull with
// lastPulledVersion N returns every row changed after N: rows created after N
// as created, other changed rows as updated, tombstoned rows as deleted.
//
// Server is safe for concurrent use.
type Server struct {
	mu          sync.Mutex
	version     int64
	tables      map[change.TableName]map[string]*serverRow
	pushes      []change.PushRequest
	failPushes  int
	failPulls   int
	pullPath    string
	pushPath    string
	logger      *slog.Logger
	middlewares []func(http.Handler) http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerPaths overrides the pull and push paths the router serves.
func WithServerPaths(pull, push string) ServerOption {
	return func(s *Server) {
		if pull != "" {
			s.pullPath = pull
		}
		if push != "" {
			s.pushPath = push
		}
	}
}

// WithServerLogger sets the logger. Defaults to slog.Default().
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMiddlewares adds middleware to the router.
func WithMiddlewares(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

// NewServer creates an empty server at version 0.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		tables:   make(map[change.TableName]map[string]*serverRow),
		pullPath: DefaultPullPath,
		pushPath: DefaultPushPath,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the chi router serving the wire contract.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)
	for _, mw := range s.middlewares {
		r.Use(mw)
	}

	r.Get("/"+DefaultHealthPath, s.handleHealth)
	r.Get("/"+s.pullPath, s.handlePull)
	r.Post("/"+s.pushPath, s.handlePush)
	return r
}

// Version returns the current server version.
func (s *Server) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Seed applies changes as if a client had pushed them, without recording a
// push attempt. Returns the new version.
func (s *Server) Seed(changes change.Changes) (int64, error) {
	if err := changes.Validate(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apply(changes)
	return s.version, nil
}

// FailPushes makes the next n pushes fail with 503 Service Unavailable.
func (s *Server) FailPushes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPushes = n
}

// FailPulls makes the next n pulls fail with 503 Service Unavailable.
func (s *Server) FailPulls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPulls = n
}

// Pushes returns every push body received, including rejected ones, in
// arrival order.
func (s *Server) Pushes() []change.PushRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pushes)
}

// Snapshot returns the live records of table ordered by id.
func (s *Server) Snapshot(table change.TableName) []change.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := s.tables[table]
	out := make([]change.Record, 0, len(rows))
	for _, id := range slices.Sorted(maps.Keys(rows)) {
		if row := rows[id]; !row.rec.IsDeleted() {
			out = append(out, row.rec.Clone())
		}
	}
	return out
}

// Changes returns the pull response for lastPulledVersion.
func (s *Server) Changes(lastPulledVersion int64) change.PullResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changesSince(lastPulledVersion)
}

func (s *Server) changesSince(since int64) change.PullResponse {
	out := change.Changes{}
	for table, rows := range s.tables {
		var cs change.ChangeSet
		for _, id := range slices.Sorted(maps.Keys(rows)) {
			row := rows[id]
			if row.version <= since {
				continue
			}
			switch {
			case row.rec.IsDeleted():
				cs.Deleted = append(cs.Deleted, id)
			case row.createdVersion > since:
				cs.Created = append(cs.Created, row.rec.Clone())
			default:
				cs.Updated = append(cs.Updated, row.rec.Clone())
			}
		}
		if !cs.IsEmpty() {
			out[table] = cs
		}
	}
	return change.PullResponse{Changes: out, LatestVersion: s.version}
}

// apply commits changes under one new version. Caller holds s.mu.
func (s *Server) apply(changes change.Changes) {
	if changes.IsEmpty() {
		return
	}
	s.version++
	v := s.version
	now := time.Now().UnixMilli()

	for _, table := range changes.Tables() {
		cs := changes[table]
		rows := s.tables[table]
		if rows == nil {
			rows = make(map[string]*serverRow)
			s.tables[table] = rows
		}
		for _, rec := range cs.Created {
			rec = rec.Clone()
			rec.DeletedAt = nil
			rows[rec.ID] = &serverRow{rec: rec, createdVersion: v, version: v}
		}
		for _, rec := range cs.Updated {
			row, ok := rows[rec.ID]
			if !ok {
				rows[rec.ID] = &serverRow{rec: rec.Clone(), createdVersion: v, version: v}
				continue
			}
			merged := row.rec.Clone()
			if merged.Fields == nil {
				merged.Fields = map[string]any{}
			}
			for k, val := range rec.Fields {
				merged.Fields[k] = val
			}
			merged.UpdatedAt = rec.UpdatedAt
			row.rec = merged
			row.version = v
		}
		for _, id := range cs.Deleted {
			row, ok := rows[id]
			if !ok {
				row = &serverRow{rec: change.Record{ID: id, Fields: map[string]any{}}, createdVersion: v}
				rows[id] = row
			}
			if row.rec.DeletedAt == nil {
				at := now
				row.rec.DeletedAt = &at
			}
			row.version = v
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": s.Version()})
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("lastPulledVersion"); raw != "" && raw != "null" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid lastPulledVersion %q", raw))
			return
		}
		since = v
	}

	s.mu.Lock()
	if s.failPulls > 0 {
		s.failPulls--
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "pull rejected")
		return
	}
	resp := s.changesSince(since)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req change.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode push: %v", err))
		return
	}
	if err := req.Changes.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	s.pushes = append(s.pushes, req)
	if s.failPushes > 0 {
		s.failPushes--
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "push rejected")
		return
	}
	s.apply(req.Changes)
	v := s.version
	s.mu.Unlock()

	s.logger.Info("accepted push", "records", req.Changes.Count(), "version", v)
	writeJSON(w, http.StatusOK, map[string]any{"latestVersion": v})
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
