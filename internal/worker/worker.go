package worker

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const defaultPollInterval = 2 * time.Second

var errMissingProjections = errors.New("worker: projection orchestrator is required")

// Projections is the orchestrator surface the worker drives.
type Projections interface {
	CatchUp(ctx context.Context) (projection.Result, error)
	RebuildAll(ctx context.Context) (projection.Result, error)
	NeedsRebuild(ctx context.Context) (bool, error)
}

// Backup writes one archive of the event log.
type Backup interface {
	Run(ctx context.Context) error
}

type Config struct {
	Projections    Projections
	PollInterval   time.Duration
	Backup         Backup
	BackupInterval time.Duration
	Logger         *zap.Logger
}

// Worker keeps projections caught up in the background and takes periodic backups.
type Worker struct {
	projections    Projections
	pollInterval   time.Duration
	backup         Backup
	backupInterval time.Duration
	logger         *zap.Logger
}

func New(cfg Config) (*Worker, error) {
	if cfg.Projections == nil {
		return nil, errMissingProjections
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		projections:    cfg.Projections,
		pollInterval:   interval,
		backup:         cfg.Backup,
		backupInterval: cfg.BackupInterval,
		logger:         logger,
	}, nil
}

// Run repairs projections left mid-rebuild, then schedules the jobs and blocks until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.recover(ctx); err != nil {
		return err
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(w.pollInterval),
		gocron.NewTask(func() { w.catchUp(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return errors.Join(err, scheduler.Shutdown())
	}
	if w.backup != nil && w.backupInterval > 0 {
		_, err = scheduler.NewJob(
			gocron.DurationJob(w.backupInterval),
			gocron.NewTask(func() { w.runBackup(ctx) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return errors.Join(err, scheduler.Shutdown())
		}
	}
	scheduler.Start()
	w.logger.Info("background worker started",
		zap.Duration("poll_interval", w.pollInterval),
		zap.Duration("backup_interval", w.backupInterval))
	<-ctx.Done()
	return scheduler.Shutdown()
}

func (w *Worker) recover(ctx context.Context) error {
	needsRebuild, err := w.projections.NeedsRebuild(ctx)
	if err != nil {
		w.logError("status_failed", err)
		return err
	}
	if !needsRebuild {
		return nil
	}
	w.logger.Warn("projections were left mid-rebuild; rebuilding")
	if _, err := w.projections.RebuildAll(ctx); err != nil {
		w.logError("rebuild_failed", err)
		return err
	}
	return nil
}

func (w *Worker) catchUp(ctx context.Context) {
	result, err := w.projections.CatchUp(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.logError("catch_up_failed", err)
		}
		return
	}
	if result.Events > 0 {
		w.logger.Debug("projections caught up",
			zap.Int("events", result.Events),
			zap.Int64("position", result.Position))
	}
}

func (w *Worker) runBackup(ctx context.Context) {
	if err := w.backup.Run(ctx); err != nil && ctx.Err() == nil {
		w.logError("backup_failed", err)
	}
}

func (w *Worker) logError(reason string, err error) {
	w.logger.Error("background worker error",
		zap.String("operation", "worker.run"),
		zap.String("reason", reason),
		zap.Error(err))
}
