// Package httpapi exposes assignments over REST and mounts the realtime
// websocket endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/roboricindustries/raycon-docks/pkg/audit"
	"github.com/roboricindustries/raycon-docks/pkg/auth"
	"github.com/roboricindustries/raycon-docks/pkg/coordinator"
	"github.com/roboricindustries/raycon-docks/pkg/dock"
	"github.com/roboricindustries/raycon-docks/pkg/realtime"
	"github.com/roboricindustries/raycon-docks/pkg/versionstore"
)

// ConnectionHeader names the realtime connection of the caller, so a
// losing write is also pushed to that socket.
const ConnectionHeader = "X-Connection-ID"

const maxBodyBytes = 1 << 20

type Deps struct {
	Coordinator *coordinator.Coordinator
	Registry    *realtime.Registry
	// Hub serves GET /api/ws. It authenticates on its own.
	Hub    http.Handler
	Auth   auth.Authenticator
	Audit  *audit.Ring
	Logger *slog.Logger

	// Per client IP; zero disables limiting.
	RateLimit float64
	RateBurst int
}

type api struct {
	coord *coordinator.Coordinator
	reg   *realtime.Registry
	ring  *audit.Ring
	log   *slog.Logger
}

func NewHandler(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	a := &api{coord: d.Coordinator, reg: d.Registry, ring: d.Audit, log: d.Logger.With("component", "http")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.health)
	mux.HandleFunc("GET /api/assignments", requireAuth(d.Auth, a.list))
	mux.HandleFunc("POST /api/assignments", requireAuth(d.Auth, a.create))
	mux.HandleFunc("GET /api/assignments/{id}", requireAuth(d.Auth, a.get))
	mux.HandleFunc("PATCH /api/assignments/{id}", requireAuth(d.Auth, a.update))
	mux.HandleFunc("DELETE /api/assignments/{id}", requireAuth(d.Auth, a.remove))
	mux.HandleFunc("GET /api/ws/stats", requireAuth(d.Auth, a.wsStats))
	mux.HandleFunc("GET /api/audit", requireAuth(d.Auth, a.auditLog))
	if d.Hub != nil {
		mux.Handle("GET /api/ws", d.Hub)
	}

	var h http.Handler = mux
	if d.RateLimit > 0 {
		burst := d.RateBurst
		if burst <= 0 {
			burst = int(d.RateLimit) + 1
		}
		h = NewIPRateLimiter(d.RateLimit, burst).Middleware(h)
	}
	return logRequests(a.log, h)
}

type mutationResponse struct {
	EventID    string          `json:"event_id"`
	Assignment dock.Assignment `json:"assignment"`
}

// updateRequest is a patch plus the version the client edited.
type updateRequest struct {
	Version *int64 `json:"version"`
	dock.Patch
}

func (a *api) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter versionstore.ListFilter
	if raw := q.Get("direction"); raw != "" {
		d, err := dock.ParseDirection(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		filter.Direction = d
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	items, err := a.coord.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": items})
}

func (a *api) get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	item, err := a.coord.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (a *api) create(w http.ResponseWriter, r *http.Request) {
	var patch dock.Patch
	if !decodeBody(w, r, &patch) {
		return
	}
	normalizeDirection(&patch)
	ev, err := a.coord.Create(r.Context(), actorFrom(r.Context()), patch)
	if err != nil {
		writeDomainError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, mutationResponse{EventID: ev.ID, Assignment: ev.Assignment})
}

func (a *api) update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Version == nil {
		writeError(w, r, http.StatusBadRequest, "version is required")
		return
	}
	normalizeDirection(&req.Patch)
	ctx := realtime.WithConnectionID(r.Context(), r.Header.Get(ConnectionHeader))
	ev, err := a.coord.Propose(ctx, actorFrom(ctx), id, *req.Version, req.Patch)
	if err != nil {
		writeDomainError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{EventID: ev.ID, Assignment: ev.Assignment})
}

func (a *api) remove(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var version *int64
	if raw := r.URL.Query().Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "version must be an integer")
			return
		}
		version = &v
	} else if r.ContentLength != 0 {
		var req updateRequest
		if !decodeBody(w, r, &req) {
			return
		}
		version = req.Version
	}
	if version == nil {
		writeError(w, r, http.StatusBadRequest, "version is required")
		return
	}
	ctx := realtime.WithConnectionID(r.Context(), r.Header.Get(ConnectionHeader))
	ev, err := a.coord.Delete(ctx, actorFrom(ctx), id, *version)
	if err != nil {
		writeDomainError(w, r, a.log, err)
		return
	}
	writeJSON(w, http.StatusOK, mutationResponse{EventID: ev.ID, Assignment: ev.Assignment})
}

func (a *api) wsStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.reg.Stats())
}

func (a *api) auditLog(w http.ResponseWriter, r *http.Request) {
	if a.ring == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []audit.Entry{}})
		return
	}
	q := r.URL.Query()
	var query audit.Query
	var err error
	if raw := q.Get("assignment_id"); raw != "" {
		if query.AssignmentID, err = strconv.ParseInt(raw, 10, 64); err != nil {
			writeError(w, r, http.StatusBadRequest, "assignment_id must be an integer")
			return
		}
	}
	if kind := dock.ChangeKind(q.Get("kind")); kind != "" {
		switch kind {
		case dock.KindCreated, dock.KindUpdated, dock.KindDeleted:
			query.Kind = kind
		default:
			writeError(w, r, http.StatusBadRequest, "unknown kind "+strconv.Quote(string(kind)))
			return
		}
	}
	if query.Limit, err = intParam(q.Get("limit")); err != nil {
		writeError(w, r, http.StatusBadRequest, "limit: "+err.Error())
		return
	}
	if query.Offset, err = intParam(q.Get("offset")); err != nil {
		writeError(w, r, http.StatusBadRequest, "offset: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": a.ring.Recent(query)})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return n, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, r, http.StatusBadRequest, "request body is empty")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// normalizeDirection accepts "inbound"/"outbound" as well as the short codes.
// Unknown values are left for validation to report.
func normalizeDirection(p *dock.Patch) {
	if p.Direction == nil {
		return
	}
	if d, err := dock.ParseDirection(string(*p.Direction)); err == nil {
		p.Direction = &d
	}
}
