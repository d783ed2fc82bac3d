package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/raycon-docks/pkg/audit"
	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/coordinator"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/realtime"
	docks "github.com/roboricindustries/raycon-docks/pkg/schemas/docks/v1"
	"github.com/roboricindustries/raycon-docks/pkg/versionstore"
)

// bearerIsUser treats the bearer token as the user id.
var bearerIsUser = auth.AuthenticatorFunc(func(r *http.Request) (dock.Actor, error) {
	tok := auth.TokenFromRequest(r)
	if tok == "" {
		return dock.Actor{}, auth.ErrUnauthenticated
	}
	return dock.Actor{UserID: tok}, nil
})

type fixture struct {
	handler http.Handler
	reg     *realtime.Registry
	ring    *audit.Ring
}

func newFixture(t *testing.T, store versionstore.Store) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := realtime.NewRegistry(nil)
	disp := realtime.NewDispatcher(reg, logger, nil)
	ring := audit.NewRing(16)
	coord := coordinator.New(store, coordinator.Options{
		Audit:     ring,
		Publisher: disp,
		Conflicts: disp,
		Logger:    logger,
	})
	return &fixture{
		handler: NewHandler(Deps{Coordinator: coord, Registry: reg, Auth: bearerIsUser, Audit: ring, Logger: logger}),
		reg:     reg,
		ring:    ring,
	}
}

func (f *fixture) do(t *testing.T, method, target, user, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+user)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const createBody = `{"dock_id":3,"load_id":10,"status_id":1,"direction":"inbound"}`

func TestHealthz(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	rec := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAssignments_RequireAuth(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	rec := f.do(t, http.MethodGet, "/api/assignments", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}

func TestAssignments_Lifecycle(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))

	rec := f.do(t, http.MethodPost, "/api/assignments", "alice", createBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[mutationResponse](t, rec)
	assert.Equal(t, int64(1), created.Assignment.Version)
	assert.Equal(t, dock.Inbound, created.Assignment.Direction)
	assert.Equal(t, "alice", created.Assignment.CreatedBy)
	assert.NotEmpty(t, created.EventID)

	rec = f.do(t, http.MethodPatch, "/api/assignments/1", "bob", `{"version":1,"status_id":4}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	updated := decode[mutationResponse](t, rec)
	assert.Equal(t, int64(2), updated.Assignment.Version)
	assert.Equal(t, int64(4), updated.Assignment.StatusID)
	assert.Equal(t, "bob", updated.Assignment.UpdatedBy)

	rec = f.do(t, http.MethodGet, "/api/assignments/1", "carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(2), decode[dock.Assignment](t, rec).Version)

	rec = f.do(t, http.MethodGet, "/api/assignments?direction=IB", "carol", "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[struct {
		Assignments []dock.Assignment `json:"assignments"`
	}](t, rec)
	assert.Len(t, list.Assignments, 1)

	rec = f.do(t, http.MethodDelete, "/api/assignments/1?version=2", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	deleted := decode[mutationResponse](t, rec)
	assert.Equal(t, int64(3), deleted.Assignment.Version)
	assert.True(t, deleted.Assignment.Deleted)

	rec = f.do(t, http.MethodGet, "/api/assignments/1", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodDelete, "/api/assignments/1", "alice", `{"version":3}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAssignments_StaleVersionIsConflict(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/assignments", "alice", createBody).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/api/assignments/1", "alice", `{"version":1,"status_id":2}`).Code)

	rec := f.do(t, http.MethodPatch, "/api/assignments/1", "bob", `{"version":1,"status_id":5}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	p := decode[Problem](t, rec)
	require.NotNil(t, p.Conflict)
	assert.Equal(t, int64(2), p.Conflict.CurrentVersion)
	assert.Equal(t, int64(1), p.Conflict.AttemptedVersion)
	assert.Equal(t, int64(2), p.Conflict.Current.StatusID)
}

func TestAssignments_ConflictPushedToOwnSocket(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	conn := &recordingConn{}
	require.NoError(t, f.reg.Register("c-bob", "bob", realtime.Filter{}, conn))

	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/assignments", "alice", createBody).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/api/assignments/1", "alice", `{"version":1,"status_id":2}`).Code)
	before := len(conn.messages())

	rec := f.do(t, http.MethodPatch, "/api/assignments/1", "bob", `{"version":1,"status_id":7}`, ConnectionHeader, "c-bob")
	require.Equal(t, http.StatusConflict, rec.Code)

	msgs := conn.messages()
	require.Len(t, msgs, before+1)
	n, err := docks.Decode(msgs[len(msgs)-1])
	require.NoError(t, err)
	c, ok := n.(docks.ConflictDetected)
	require.True(t, ok)
	assert.Equal(t, int64(2), c.CurrentVersion)
}

func TestAssignments_BadRequests(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/assignments", "alice", createBody).Code)

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"create missing fields", http.MethodPost, "/api/assignments", `{"dock_id":3}`, http.StatusBadRequest},
		{"create unknown direction", http.MethodPost, "/api/assignments", `{"dock_id":3,"load_id":1,"status_id":1,"direction":"sideways"}`, http.StatusBadRequest},
		{"create bad json", http.MethodPost, "/api/assignments", `{`, http.StatusBadRequest},
		{"update without version", http.MethodPatch, "/api/assignments/1", `{"status_id":2}`, http.StatusBadRequest},
		{"update empty patch", http.MethodPatch, "/api/assignments/1", `{"version":1}`, http.StatusBadRequest},
		{"update negative version", http.MethodPatch, "/api/assignments/1", `{"version":-1,"status_id":2}`, http.StatusBadRequest},
		{"update unknown field", http.MethodPatch, "/api/assignments/1", `{"version":1,"colour":"red"}`, http.StatusBadRequest},
		{"update missing id", http.MethodPatch, "/api/assignments/999", `{"version":1,"status_id":2}`, http.StatusNotFound},
		{"non numeric id", http.MethodGet, "/api/assignments/abc", "", http.StatusBadRequest},
		{"delete without version", http.MethodDelete, "/api/assignments/1", "", http.StatusBadRequest},
		{"list bad direction", http.MethodGet, "/api/assignments?direction=up", "", http.StatusBadRequest},
		{"list bad limit", http.MethodGet, "/api/assignments?limit=-2", "", http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.target, "alice", tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}

	rec := f.do(t, http.MethodPost, "/api/assignments", "alice", `{"dock_id":3}`)
	p := decode[Problem](t, rec)
	assert.NotEmpty(t, p.Issues)
}

func TestAssignments_StorageFailureIsOpaque(t *testing.T) {
	f := newFixture(t, brokenStore{err: errors.New("disk on fire")})

	rec := f.do(t, http.MethodGet, "/api/assignments/1", "alice", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")

	rec = f.do(t, http.MethodPatch, "/api/assignments/1", "alice", `{"version":1,"status_id":2}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk on fire")
}

func TestWSStats(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	require.NoError(t, f.reg.Register("c1", "alice", realtime.Filter{Direction: dock.Outbound}, &recordingConn{}))

	rec := f.do(t, http.MethodGet, "/api/ws/stats", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[realtime.Stats](t, rec)
	assert.Equal(t, 1, st.ActiveConnections)
	require.Len(t, st.Clients, 1)
	assert.Equal(t, dock.Outbound, st.Clients[0].Filters.Direction)
}

func TestAuditLog(t *testing.T) {
	f := newFixture(t, versionstore.NewMemoryStore(nil))
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/assignments", "alice", createBody).Code)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/api/assignments", "alice", createBody).Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/api/assignments/1", "bob", `{"version":1,"status_id":3}`).Code)

	rec := f.do(t, http.MethodGet, "/api/audit?assignment_id=1", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rec)
	require.Len(t, body.Entries, 2)
	assert.Equal(t, dock.KindUpdated, body.Entries[0].Kind)
	require.NotNil(t, body.Entries[0].Before)
	assert.Equal(t, int64(1), body.Entries[0].Before.Version)

	rec = f.do(t, http.MethodGet, "/api/audit?kind=created", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode[struct {
		Entries []audit.Entry `json:"entries"`
	}](t, rec)
	assert.Len(t, body.Entries, 2)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/audit?kind=renamed", "alice", "").Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	h := NewIPRateLimiter(1, 2).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code, "within burst")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	other := httptest.NewRequest(http.MethodGet, "/", nil)
	other.RemoteAddr = "10.0.0.9:4000"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code, "limits are per client address")
}

type recordingConn struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (c *recordingConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *recordingConn) Close() error { return nil }

func (c *recordingConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.msgs...)
}

type brokenStore struct{ err error }

func (b brokenStore) NextID(context.Context) (int64, error) { return 0, b.err }

func (b brokenStore) Create(context.Context, dock.Assignment) (dock.Assignment, error) {
	return dock.Assignment{}, b.err
}

func (b brokenStore) Get(context.Context, int64) (dock.Assignment, error) {
	return dock.Assignment{}, b.err
}

func (b brokenStore) List(context.Context, versionstore.ListFilter) ([]dock.Assignment, error) {
	return nil, b.err
}

func (b brokenStore) CheckAndUpdate(context.Context, int64, int64, versionstore.MutateFunc) (dock.Assignment, error) {
	return dock.Assignment{}, b.err
}

func (b brokenStore) Close() error { return nil }
