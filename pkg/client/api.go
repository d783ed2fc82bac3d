package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
)

// ConnectionHeader matches the server's header naming the caller's socket.
const ConnectionHeader = "X-Connection-ID"

type APIConfig struct {
	// BaseURL of the server, e.g. http://localhost:8080.
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// API issues assignment reads and writes over REST. Once bound to a
// Session it sends the session's connection id with every write and folds
// results and conflicts into the session's board.
type API struct {
	base  *url.URL
	token string
	http  *http.Client

	mu      sync.RWMutex
	session *Session
}

func NewAPI(cfg APIConfig) (*API, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &API{base: u, token: cfg.Token, http: hc}, nil
}

func (a *API) Bind(s *Session) {
	a.mu.Lock()
	a.session = s
	a.mu.Unlock()
}

func (a *API) bound() *Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.session
}

// APIError is a non-2xx answer. It matches the dock sentinel for its
// status, so callers can use errors.Is(err, dock.ErrNotFound) and friends.
type APIError struct {
	Status int
	Title  string
	Detail string
	Issues []dock.ValidationIssue
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api: %d %s", e.Status, e.Title)
	}
	return fmt.Sprintf("api: %d %s: %s", e.Status, e.Title, e.Detail)
}

func (e *APIError) Is(target error) bool {
	switch e.Status {
	case http.StatusNotFound:
		return target == dock.ErrNotFound
	case http.StatusBadRequest:
		return target == dock.ErrInvalid
	case http.StatusServiceUnavailable:
		return target == dock.ErrStorage
	}
	return false
}

type problem struct {
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail"`
	Conflict *dock.ConflictResult   `json:"conflict"`
	Issues   []dock.ValidationIssue `json:"issues"`
}

type mutationResponse struct {
	EventID    string          `json:"event_id"`
	Assignment dock.Assignment `json:"assignment"`
}

type updateRequest struct {
	Version int64 `json:"version"`
	dock.Patch
}

// List returns live assignments, optionally for one direction.
func (a *API) List(ctx context.Context, direction dock.Direction) ([]dock.Assignment, error) {
	q := url.Values{}
	if direction != "" {
		q.Set("direction", string(direction))
	}
	q.Set("limit", "500")
	var out struct {
		Assignments []dock.Assignment `json:"assignments"`
	}
	if err := a.do(ctx, http.MethodGet, "/api/assignments", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Assignments, nil
}

func (a *API) Get(ctx context.Context, id int64) (dock.Assignment, error) {
	var out dock.Assignment
	if err := a.do(ctx, http.MethodGet, assignmentPath(id), nil, nil, &out); err != nil {
		return dock.Assignment{}, err
	}
	return out, nil
}

func (a *API) Create(ctx context.Context, p dock.Patch) (dock.Assignment, error) {
	var out mutationResponse
	if err := a.do(ctx, http.MethodPost, "/api/assignments", nil, p, &out); err != nil {
		return dock.Assignment{}, err
	}
	a.apply(docks.AssignmentCreated{Assignment: out.Assignment})
	return out.Assignment, nil
}

// Update applies p against the version the caller edited. A lost race
// comes back as a *dock.ConflictError and the board shows the stored row.
func (a *API) Update(ctx context.Context, id, version int64, p dock.Patch) (dock.Assignment, error) {
	var out mutationResponse
	if err := a.do(ctx, http.MethodPatch, assignmentPath(id), nil, updateRequest{Version: version, Patch: p}, &out); err != nil {
		return dock.Assignment{}, err
	}
	a.apply(docks.AssignmentUpdated{Assignment: out.Assignment})
	return out.Assignment, nil
}

func (a *API) Delete(ctx context.Context, id, version int64) (dock.Assignment, error) {
	q := url.Values{"version": {strconv.FormatInt(version, 10)}}
	var out mutationResponse
	if err := a.do(ctx, http.MethodDelete, assignmentPath(id), q, nil, &out); err != nil {
		return dock.Assignment{}, err
	}
	a.apply(docks.AssignmentDeleted{Assignment: out.Assignment})
	return out.Assignment, nil
}

func assignmentPath(id int64) string {
	return "/api/assignments/" + strconv.FormatInt(id, 10)
}

func (a *API) apply(n docks.Notification) {
	if s := a.bound(); s != nil {
		s.board.Apply(n)
	}
}

func (a *API) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	u := *a.base
	u.Path += path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s body: %w", method, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	if s := a.bound(); s != nil {
		if id := s.ConnectionID(); id != "" {
			req.Header.Set(ConnectionHeader, id)
		}
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return a.failure(resp)
}

func (a *API) failure(resp *http.Response) error {
	var p problem
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&p)
	if resp.StatusCode == http.StatusConflict && p.Conflict != nil {
		a.apply(docks.ConflictDetected{ConflictResult: *p.Conflict})
		return &dock.ConflictError{Result: *p.Conflict}
	}
	if p.Title == "" {
		p.Title = http.StatusText(resp.StatusCode)
	}
	return &APIError{Status: resp.StatusCode, Title: p.Title, Detail: p.Detail, Issues: p.Issues}
}
