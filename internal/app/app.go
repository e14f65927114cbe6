// -----------------------------------------------------------------------
// Application - composition root for the job store, feeds and HTTP layer
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/jobfeed/internal/common"
	"github.com/ternarybob/jobfeed/internal/handlers"
	"github.com/ternarybob/jobfeed/internal/interfaces"
	jobsvc "github.com/ternarybob/jobfeed/internal/services/jobs"
	"github.com/ternarybob/jobfeed/internal/services/jobstore"
	"github.com/ternarybob/jobfeed/internal/services/progress"
	"github.com/ternarybob/jobfeed/internal/services/research"
	"github.com/ternarybob/jobfeed/internal/storage"
	"github.com/ternarybob/jobfeed/internal/storage/badger"
)

// shutdownTimeout bounds how long Close waits for progress feeds to exit
const shutdownTimeout = 5 * time.Second

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	// Job state
	JobStore          *jobstore.Store
	SnapshotStorage   interfaces.JobSnapshotStorage // nil when persistence is disabled
	SnapshotPersister *badger.SnapshotPersister

	// Services
	ResearchClient  *research.Client
	JobService      *jobsvc.Service
	ProgressManager *progress.Manager

	// HTTP handlers
	APIHandler    *handlers.APIHandler
	JobHandler    *handlers.JobHandler
	StatusHandler *handlers.StatusHandler
	EventsHandler *handlers.JobEventsHandler

	started bool
}

// New initializes the application with all dependencies. Nothing connects
// until Start is called.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		JobStore: jobstore.NewStore(logger),
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.closeStorage()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	logger.Info().
		Str("research_url", cfg.Research.BaseURL).
		Bool("snapshots", app.SnapshotStorage != nil).
		Msg("Application initialized")

	return app, nil
}

// initDatabase opens snapshot storage and restores the previous session's
// jobs before anything subscribes to the store
func (a *App) initDatabase() error {
	snapshots, err := storage.NewSnapshotStorage(a.Logger, a.Config)
	if err != nil {
		return err
	}
	if snapshots == nil {
		return nil
	}
	a.SnapshotStorage = snapshots

	if _, err := badger.Restore(context.Background(), snapshots, a.JobStore, a.Logger); err != nil {
		a.closeStorage()
		return err
	}

	a.SnapshotPersister = badger.NewSnapshotPersister(snapshots, a.Logger)
	return nil
}

func (a *App) initServices() error {
	a.ResearchClient = research.NewClient(
		research.WithBaseURL(a.Config.Research.BaseURL),
		research.WithTimeout(common.ParseDurationOr(a.Config.Research.Timeout, research.DefaultTimeout)),
		research.WithRateLimit(common.ParseDurationOr(a.Config.Research.RateLimit, research.DefaultRateInterval)),
		research.WithLogger(a.Logger),
	)

	a.JobService = jobsvc.NewService(a.JobStore, a.ResearchClient, a.Logger)

	progressConfig, err := ProgressConfig(a.Config)
	if err != nil {
		return err
	}
	a.ProgressManager = progress.NewManager(a.JobStore, progressConfig, a.Logger,
		progress.WithHeader(http.Header{"User-Agent": {userAgent()}}),
	)

	return nil
}

func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(a.JobStore, a.ProgressManager, a.SnapshotStorage != nil, a.Logger)
	a.EventsHandler = handlers.NewJobEventsHandler(a.JobStore, a.Logger, &a.Config.WebSocket)
}

// Start subscribes every store consumer and runs the initial reconcile.
// The persister and fan-out subscribe first so they observe the feeds' updates.
func (a *App) Start() error {
	if a.started {
		return nil
	}

	if a.SnapshotPersister != nil {
		a.SnapshotPersister.Start(a.JobStore)
	}
	a.EventsHandler.Start()

	if err := a.ProgressManager.Start(); err != nil {
		return fmt.Errorf("failed to start progress manager: %w", err)
	}

	a.started = true
	return nil
}

// Close stops all feeds and flushes persisted state
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.ProgressManager != nil {
		if err := a.ProgressManager.Shutdown(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("Progress manager did not stop cleanly")
		}
	}

	if a.EventsHandler != nil {
		a.EventsHandler.Close()
	}

	if a.SnapshotPersister != nil {
		if err := a.SnapshotPersister.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to flush job snapshots")
		}
	}

	if err := a.closeStorage(); err != nil {
		return fmt.Errorf("failed to close storage: %w", err)
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}

func (a *App) closeStorage() error {
	if a.SnapshotStorage == nil {
		return nil
	}
	err := a.SnapshotStorage.Close()
	a.SnapshotStorage = nil
	return err
}

// userAgent identifies this service on progress feed handshakes
func userAgent() string {
	return "JobFeed/" + common.GetVersion()
}

// ProgressConfig converts the [progress] section into manager settings
func ProgressConfig(cfg *common.Config) (progress.Config, error) {
	origin, err := cfg.ProgressOrigin()
	if err != nil {
		return progress.Config{}, err
	}

	return progress.Config{
		Origin:            origin,
		PathPrefix:        cfg.Progress.PathPrefix,
		KeepaliveInterval: common.ParseDurationOr(cfg.Progress.KeepaliveInterval, progress.DefaultKeepaliveInterval),
		ReconnectDelay:    common.ParseDurationOr(cfg.Progress.ReconnectDelay, progress.DefaultReconnectDelay),
		ReconnectJitter:   common.ParseDurationOr(cfg.Progress.ReconnectJitter, 0),
		HandshakeTimeout:  common.ParseDurationOr(cfg.Progress.HandshakeTimeout, progress.DefaultHandshakeTimeout),
		DialRate:          cfg.Progress.DialRate,
		DialBurst:         cfg.Progress.DialBurst,
	}, nil
}
