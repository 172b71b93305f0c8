package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/offsync/internal/change"
)

// maxErrorBody bounds how much of a failed response body is kept in errors.
const maxErrorBody = 512

// HTTPSource implements Source over HTTP.
type HTTPSource struct {
	baseURL    string
	pullPath   string
	pushPath   string
	healthPath string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient sets the client used for every request.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(s *HTTPSource) {
		s.httpClient = c
	}
}

// WithPaths overrides the pull and push paths. Empty values keep the default.
func WithPaths(pull, push string) HTTPOption {
	return func(s *HTTPSource) {
		if pull != "" {
			s.pullPath = strings.Trim(pull, "/")
		}
		if push != "" {
			s.pushPath = strings.Trim(push, "/")
		}
	}
}

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) HTTPOption {
	return func(s *HTTPSource) {
		s.apiKey = key
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) HTTPOption {
	return func(s *HTTPSource) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewHTTPSource creates a source for the server at baseURL.
func NewHTTPSource(baseURL string, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		pullPath:   DefaultPullPath,
		pushPath:   DefaultPushPath,
		healthPath: DefaultHealthPath,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pull fetches changes newer than lastPulledVersion.
func (s *HTTPSource) Pull(ctx context.Context, lastPulledVersion int64) (change.PullResponse, error) {
	u := s.url(s.pullPath) + "?" + url.Values{
		"lastPulledVersion": []string{strconv.FormatInt(lastPulledVersion, 10)},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return change.PullResponse{}, &TransportError{Op: "pull", URL: u, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.do(req, "pull")
	if err != nil {
		return change.PullResponse{}, err
	}
	defer resp.Body.Close()

	var pr change.PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		// A deadline can fire while the body streams in.
		if ctx.Err() != nil {
			return change.PullResponse{}, &TransportError{Op: "pull", URL: u, Err: ctx.Err()}
		}
		return change.PullResponse{}, &ProtocolError{Op: "pull", URL: u, Err: err}
	}
	if pr.Changes == nil {
		pr.Changes = change.Changes{}
	}

	s.logger.Debug("pulled changes",
		"since", lastPulledVersion,
		"latest_version", pr.LatestVersion,
		"tables", len(pr.Changes),
		"records", pr.Changes.Count())
	return pr, nil
}

// Push uploads local changes. Any 2xx response is an acknowledgement.
func (s *HTTPSource) Push(ctx context.Context, pr change.PushRequest) error {
	u := s.url(s.pushPath)

	data, err := json.Marshal(pr)
	if err != nil {
		return &ProtocolError{Op: "push", URL: u, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return &TransportError{Op: "push", URL: u, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.do(req, "push")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	s.logger.Debug("pushed changes", "tables", len(pr.Changes), "records", pr.Changes.Count())
	return nil
}

// Probe checks that the server answers. Any HTTP response below 500 counts as
// reachable.
func (s *HTTPSource) Probe(ctx context.Context) error {
	u := s.url(s.healthPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &TransportError{Op: "probe", URL: u, Err: err}
	}
	s.authorize(req)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: "probe", URL: u, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return &TransportError{Op: "probe", URL: u, StatusCode: resp.StatusCode, Err: fmt.Errorf("server unavailable")}
	}
	return nil
}

// do sends req and converts network failures and non-2xx statuses into
// *TransportError. On success the caller owns resp.Body.
func (s *HTTPSource) do(req *http.Request, op string) (*http.Response, error) {
	s.authorize(req)
	u := req.URL.String()

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, URL: u, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &TransportError{
			Op:         op,
			URL:        u,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(body))),
		}
	}
	return resp, nil
}

func (s *HTTPSource) authorize(req *http.Request) {
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
}

func (s *HTTPSource) url(path string) string {
	return s.baseURL + "/" + strings.TrimLeft(path, "/")
}
