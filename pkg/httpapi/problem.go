package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/roboricindustries/raycon-docks/pkg/dock"
)

// Problem is an RFC 7807 error body. Conflict and Issues are extension
// members filled for 409 and 400 answers.
type Problem struct {
	Type     string                 `json:"type"`
	Title    string                 `json:"title"`
	Status   int                    `json:"status"`
	Detail   string                 `json:"detail,omitempty"`
	Instance string                 `json:"instance,omitempty"`
	Conflict *dock.ConflictResult   `json:"conflict,omitempty"`
	Issues   []dock.ValidationIssue `json:"issues,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func newProblem(r *http.Request, status int, detail string) *Problem {
	return &Problem{
		Type:     fmt.Sprintf("urn:docks:error:%d", status),
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func writeProblem(w http.ResponseWriter, p *Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	writeProblem(w, newProblem(r, status, detail))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps coordinator errors onto statuses. Storage details
// are logged and never reach the client.
func writeDomainError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	if res, ok := dock.IsConflict(err); ok {
		p := newProblem(r, http.StatusConflict, err.Error())
		p.Conflict = &res
		writeProblem(w, p)
		return
	}
	var ve *dock.ValidationError
	switch {
	case errors.Is(err, dock.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.As(err, &ve):
		p := newProblem(r, http.StatusBadRequest, err.Error())
		p.Issues = ve.Issues
		writeProblem(w, p)
	case errors.Is(err, dock.ErrInvalid):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, dock.ErrStorage):
		log.Error("storage failure", slog.String("path", r.URL.Path), slog.Any("error", err))
		w.Header().Set("Retry-After", "1")
		writeError(w, r, http.StatusServiceUnavailable, "storage temporarily unavailable")
	default:
		log.Error("internal error", slog.String("path", r.URL.Path), slog.Any("error", err))
		writeError(w, r, http.StatusInternalServerError, "an unexpected error occurred")
	}
}
