package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	"github.com/ternarybob/jobfeed/internal/models"
	"github.com/ternarybob/jobfeed/internal/services/progress"
)

// FeedStats reports progress feed counters
type FeedStats interface {
	Stats() progress.Stats
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Version           common.VersionInfo       `json:"version"`
	Uptime            string                   `json:"uptime"`
	Jobs              map[models.JobStatus]int `json:"jobs"`
	Feeds             progress.Stats           `json:"feeds"`
	Snapshots         bool                     `json:"snapshots_enabled"`
	GoroutinesSpawned int64                    `json:"goroutines_spawned"` // via common.SafeGo since start
}

// StatusHandler handles HTTP requests for application status
type StatusHandler struct {
	store     interfaces.JobStore
	feeds     FeedStats
	snapshots bool
	started   time.Time
	logger    arbor.ILogger
}

// NewStatusHandler creates a new StatusHandler
func NewStatusHandler(store interfaces.JobStore, feeds FeedStats, snapshots bool, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		store:     store,
		feeds:     feeds,
		snapshots: snapshots,
		started:   time.Now(),
		logger:    logger,
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	counts := map[models.JobStatus]int{
		models.JobStatusPending:   0,
		models.JobStatusRunning:   0,
		models.JobStatusCompleted: 0,
		models.JobStatusFailed:    0,
	}
	for job := range h.store.List() {
		counts[job.Status]++
	}

	WriteJSON(w, http.StatusOK, StatusResponse{
		Version:           common.GetVersionInfo(),
		Uptime:            time.Since(h.started).Round(time.Second).String(),
		Jobs:              counts,
		Feeds:             h.feeds.Stats(),
		Snapshots:         h.snapshots,
		GoroutinesSpawned: common.GetGoroutineCount(),
	})
}
