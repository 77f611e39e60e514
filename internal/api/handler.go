package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/samber/lo"

	"github.com/gwlsn/codecbench/internal/jobs"
)

// JobSource is what the status API reads. *jobs.Queue serves a live run;
// *Ledger serves the job ledger of another process.
type JobSource interface {
	GetAll() []*jobs.Job
	Get(id string) (*jobs.Job, error)
	Stats() jobs.Stats
	Subscribe() chan jobs.JobEvent
	Unsubscribe(ch chan jobs.JobEvent)
}

// Handler provides HTTP API handlers
type Handler struct {
	source  JobSource
	version string
}

// NewHandler creates a new API handler
func NewHandler(source JobSource, version string) *Handler {
	return &Handler{source: source, version: version}
}

// response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// recentSource is a JobSource that reads the newest jobs from its backing
// store instead of filtering the full list.
type recentSource interface {
	Recent(limit int) ([]*jobs.Job, error)
}

// ListJobs handles GET /api/jobs?status=...&kind=...&limit=...
// With a limit, the newest jobs come first.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status, kind := q.Get("status"), q.Get("kind")

	limit := -1
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	var list []*jobs.Job
	if rs, ok := h.source.(recentSource); ok && limit > 0 && status == "" && kind == "" {
		recent, err := rs.Recent(limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		list = recent
	} else {
		list = h.source.GetAll()
		if status != "" {
			list = lo.Filter(list, func(j *jobs.Job, _ int) bool {
				return string(j.Status) == status
			})
		}
		if kind != "" {
			list = lo.Filter(list, func(j *jobs.Job, _ int) bool {
				return string(j.Kind) == kind
			})
		}
		if limit >= 0 {
			if limit < len(list) {
				list = list[len(list)-limit:]
			}
			slices.Reverse(list)
		}
	}
	if list == nil {
		list = []*jobs.Job{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"stats": h.source.Stats(),
	})
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job ID required")
		return
	}

	job, err := h.source.Get(id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// Stats handles GET /api/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Stats())
}

// Version handles GET /api/version
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": h.version})
}
