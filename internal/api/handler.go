package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/mhabedinpour-collector/collector/internal/collector/jobstore"
	"github.com/mhabedinpour-collector/collector/pkg/domain"
	"github.com/mhabedinpour-collector/collector/pkg/logger"
)

// Deps are the dependencies the control-surface handlers need.
type Deps struct {
	// Jobs is the durable job queue (spec.md §4.7) used to enqueue new
	// collection jobs on POST /repos.
	Jobs jobstore.Store
	// ReadDB is a read-only handle over the same database used to list
	// jobs for GET /repos without routing through the write-side store
	// interface.
	ReadDB *sqlx.DB
}

// Handler implements the control-surface HTTP endpoints.
type Handler struct {
	deps      Deps
	validator *validator.Validate
}

// NewHandler constructs a Handler over deps.
func NewHandler(deps Deps) *Handler {
	return &Handler{deps: deps, validator: validator.New()}
}

// Healthz reports process liveness. It deliberately does not probe the
// database or upstream API: a slow dependency should not make the
// orchestrator restart an otherwise-healthy process.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// enqueueRequest is the POST /repos body: the repository to collect and its
// initial priority class.
type enqueueRequest struct {
	Owner    string `json:"owner"    validate:"required"`
	Name     string `json:"name"     validate:"required"`
	Priority int    `json:"priority"`
}

// EnqueueRepo handles POST /repos: enqueues a collection job for
// {owner,name}, or raises the priority of an existing job to the max of its
// current and requested priority (jobstore.Store.Enqueue, spec.md §4.7).
func (h *Handler) EnqueueRepo(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "could not decode request body")

		return
	}

	if err := h.validator.Struct(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	if !domain.FullNamePattern.MatchString(req.Owner + "/" + req.Name) {
		writeError(w, http.StatusBadRequest, "owner/name must not contain '/'")

		return
	}

	created, err := h.deps.Jobs.Enqueue(r.Context(), req.Owner, req.Name, req.Priority)
	if err != nil {
		logger.Error(r.Context(), "could not enqueue job", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not enqueue job")

		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	writeJSON(w, status, map[string]any{"owner": req.Owner, "name": req.Name, "created": created})
}

// repoJobRow is the projection of collection_jobs returned by GET /repos.
type repoJobRow struct {
	ID              int64      `db:"id"                json:"id"`
	Owner           string     `db:"owner"              json:"owner"`
	Name            string     `db:"name"               json:"name"`
	Status          string     `db:"status"             json:"status"`
	Priority        int        `db:"priority"           json:"priority"`
	FailureCount    int        `db:"failure_count"      json:"failureCount"`
	LastAttemptAt   *time.Time `db:"last_attempt_at"    json:"lastAttemptAt,omitempty"`
	LastCompletedAt *time.Time `db:"last_completed_at"  json:"lastCompletedAt,omitempty"`
}

// ListRepos handles GET /repos: lists collection jobs, optionally filtered
// by ?status=, newest-priority-first. Reads go through sqlx directly
// against the same database the write-side jobstore.Store manages, since
// this listing is a plain projection with no claim/transition semantics of
// its own.
func (h *Handler) ListRepos(w http.ResponseWriter, r *http.Request) {
	query := `SELECT id, owner, name, status, priority, failure_count, last_attempt_at, last_completed_at
	          FROM collection_jobs`

	args := []any{}
	if status := r.URL.Query().Get("status"); status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}

	query += " ORDER BY priority DESC, created_at ASC LIMIT 500"

	var rows []repoJobRow
	if err := h.deps.ReadDB.SelectContext(r.Context(), &rows, query, args...); err != nil {
		logger.Error(r.Context(), "could not list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list jobs")

		return
	}

	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
