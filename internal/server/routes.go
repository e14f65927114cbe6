package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route - dashboard fan-out of job changes
	mux.HandleFunc("/ws", s.app.EventsHandler.HandleWebSocket)

	// API routes - Research jobs
	mux.HandleFunc("/api/jobs", s.handleJobsRoute)  // GET (list), POST (submit)
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes) // GET/DELETE /{id}, POST /{id}/explain

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleJobsRoute routes the job collection
func (s *Server) handleJobsRoute(w http.ResponseWriter, r *http.Request) {
	RouteResourceCollection(w, r, s.app.JobHandler.ListJobsHandler, s.app.JobHandler.CreateJobHandler)
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	// POST /api/jobs/{id}/explain
	if strings.HasSuffix(r.URL.Path, "/explain") {
		RouteByMethod(w, r, MethodRouter{
			http.MethodPost: s.app.JobHandler.ExplainJobHandler,
		})
		return
	}

	// GET/DELETE /api/jobs/{id}
	RouteResourceItem(w, r, s.app.JobHandler.GetJobHandler, nil, s.app.JobHandler.DeleteJobHandler)
}
