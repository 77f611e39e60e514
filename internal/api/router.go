package api

import (
	"net/http"
)

// registerAPIRoutes registers all API endpoints on the given mux
func registerAPIRoutes(mux *http.ServeMux, h *Handler) {
	mux.HandleFunc("GET /api/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/jobs/stream", h.JobStream)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJob)
	mux.HandleFunc("GET /api/stats", h.Stats)
	mux.HandleFunc("GET /api/version", h.Version)
}

// NewRouter creates a new HTTP router with all API endpoints
func NewRouter(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	registerAPIRoutes(mux, h)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("codecbench status API: /api/jobs, /api/jobs/{id}, /api/jobs/stream, /api/stats\n"))
	})

	return mux
}
