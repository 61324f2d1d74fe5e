// Package client talks to a copypaste server: Store performs room reads and
// writes over the HTTP API, Feed follows a room's change feed over a
// websocket. Together they let a session run against a remote server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/copypaste/internal/api"
	"github.com/manpreetbhatti/copypaste/internal/store"
)

const requestTimeout = 15 * time.Second

type Option func(*options)

type options struct {
	httpClient *http.Client
	retry      RetryConfig
	reconnect  RetryConfig
	logger     *zap.Logger
}

func defaultOptions() options {
	return options{
		httpClient: &http.Client{Timeout: requestTimeout},
		retry:      DefaultRetryConfig(),
		reconnect:  DefaultReconnectConfig(),
		logger:     zap.NewNop(),
	}
}

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

// WithRetry sets the retry policy for store requests.
func WithRetry(cfg RetryConfig) Option { return func(o *options) { o.retry = cfg } }

// WithReconnect sets the feed's reconnect policy.
func WithReconnect(cfg RetryConfig) Option { return func(o *options) { o.reconnect = cfg } }

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// Store is a store.Store backed by a copypaste server's HTTP API.
type Store struct {
	baseURL *url.URL
	opts    options
}

var _ store.Store = (*Store)(nil)

func NewStore(serverURL string, opts ...Option) (*Store, error) {
	base, err := parseServerURL(serverURL)
	if err != nil {
		return nil, err
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Store{baseURL: base, opts: o}, nil
}

func parseServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", raw)
	}
	return u, nil
}

func (s *Store) endpoint(path string) string {
	return s.baseURL.JoinPath(path).String()
}

// do sends one request and decodes a JSON reply into out when out is non-nil.
func (s *Store) do(ctx context.Context, op, roomID, method, path string, body, out any) error {
	_, err := withRetry(ctx, s.opts.retry, func() (struct{}, error) {
		return struct{}{}, s.once(ctx, op, roomID, method, path, body, out)
	})
	return err
}

func (s *Store) once(ctx context.Context, op, roomID, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &store.Error{Op: op, RoomID: roomID, Err: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path), reader)
	if err != nil {
		return &store.Error{Op: op, RoomID: roomID, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.opts.httpClient.Do(req)
	if err != nil {
		return &store.Error{Op: op, RoomID: roomID, Err: fmt.Errorf("%w: %v", store.ErrUnavailable, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(op, roomID, resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &store.Error{Op: op, RoomID: roomID, Err: fmt.Errorf("bad response: %w", err)}
		}
	}
	return nil
}

func statusError(op, roomID string, resp *http.Response) error {
	var body api.ErrorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	var kind error
	switch {
	case resp.StatusCode == http.StatusNotFound:
		if op == "fetch" {
			return store.ErrNotFound
		}
		kind = store.ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = store.ErrRateLimited
	case resp.StatusCode == http.StatusBadRequest:
		kind = store.ErrInvalid
	case resp.StatusCode == http.StatusConflict:
		kind = store.ErrConflict
	default:
		kind = store.ErrUnavailable
	}
	return &store.Error{Op: op, RoomID: roomID, Err: fmt.Errorf("%w: %s", kind, msg)}
}

func (s *Store) FetchRoom(ctx context.Context, roomID string) (*store.Document, error) {
	var resp api.RoomResponse
	if err := s.do(ctx, "fetch", roomID, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Document(), nil
}

func (s *Store) CreateRoom(ctx context.Context, roomID, initialContent string) (*store.Document, error) {
	var resp api.RoomResponse
	req := api.CreateRoomRequest{RoomID: roomID, Content: initialContent}
	if err := s.do(ctx, "create", roomID, http.MethodPost, "/api/rooms", req, &resp); err != nil {
		return nil, err
	}
	return resp.Document(), nil
}

func (s *Store) WriteContent(ctx context.Context, roomID, content string, ts time.Time) error {
	utc := ts.UTC()
	req := api.WriteContentRequest{Content: content, UpdatedAt: &utc}
	return s.do(ctx, "write", roomID, http.MethodPut, "/api/rooms/"+url.PathEscape(roomID)+"/content", req, nil)
}

// NewRoom asks the server for a fresh empty room.
func (s *Store) NewRoom(ctx context.Context) (*store.Document, error) {
	var resp api.RoomResponse
	if err := s.do(ctx, "create", "", http.MethodPost, "/api/rooms/new", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Document(), nil
}

// Room fetches a room together with its live stats.
func (s *Store) Room(ctx context.Context, roomID string) (*api.RoomResponse, error) {
	var resp api.RoomResponse
	if err := s.do(ctx, "fetch", roomID, http.MethodGet, "/api/rooms/"+url.PathEscape(roomID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
