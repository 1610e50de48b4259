package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/archive"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/commands"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/database"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/idgen"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/inheritance"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/logging"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/query"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/reconcile"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/repository"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// core holds the wired services shared by every subcommand.
type core struct {
	config       config.AppConfig
	logger       *zap.Logger
	sqlDB        *sql.DB
	store        *eventstore.Store
	orchestrator *projection.Orchestrator
	queries      *query.Service
	commands     *commands.Service
	reconciler   *reconcile.Engine
	updates      *notify.Dispatcher
	nats         *notify.NATSPublisher
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func openCore() (*core, error) {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	app := &core{config: appConfig, logger: logger, sqlDB: sqlDB, updates: notify.NewDispatcher()}
	notifiers := notify.Multi{app.updates}
	if appConfig.NATSURL != "" {
		app.nats, err = notify.NewNATSPublisher(appConfig.NATSURL, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		notifiers = append(notifiers, app.nats)
	}

	app.store, err = eventstore.NewStore(eventstore.StoreConfig{
		Database:   db,
		IDProvider: idgen.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	repo, err := repository.New(repository.Config{
		Store:             app.store,
		SnapshotFrequency: int64(appConfig.SnapshotFrequency),
		Logger:            logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.orchestrator, err = projection.NewOrchestrator(projection.OrchestratorConfig{
		Database:    db,
		Store:       app.store,
		Projections: projection.Defaults(),
		BatchSize:   appConfig.BatchSize,
		Parallelism: appConfig.Parallelism,
		Notifier:    notifiers,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.queries, err = query.NewService(query.Config{Database: db, Location: time.Local, Logger: logger})
	if err != nil {
		app.Close()
		return nil, err
	}
	inherit, err := inheritance.NewEngine(inheritance.Config{
		Repository: repo,
		Finder:     app.queries,
		Sync:       app.orchestrator,
		MaxRetries: appConfig.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.commands, err = commands.NewService(commands.ServiceConfig{
		Repository:  repo,
		Inheritance: inherit,
		Queries:     app.queries,
		Sync:        app.orchestrator,
		IDProvider:  idgen.NewUUIDProvider(),
		MaxRetries:  appConfig.MaxRetries,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.reconciler, err = reconcile.NewEngine(reconcile.Config{
		Commands:    app.commands,
		Queries:     app.queries,
		Sync:        app.orchestrator,
		MatchWindow: appConfig.MatchWindow,
		Logger:      logger,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// backupDestinations lists the configured archive targets, file first.
func (c *core) backupDestinations(ctx context.Context) ([]archive.Destination, error) {
	var destinations []archive.Destination
	if c.config.BackupFilePath != "" {
		destinations = append(destinations, archive.FileDestination{Path: c.config.BackupFilePath})
	}
	if c.config.S3Enabled() {
		bucket, err := archive.NewS3Bucket(ctx, c.s3Config())
		if err != nil {
			return nil, err
		}
		destinations = append(destinations, bucket)
	}
	return destinations, nil
}

func (c *core) s3Config() archive.S3Config {
	return archive.S3Config{
		Bucket:   c.config.S3Bucket,
		Key:      c.config.S3Key,
		Region:   c.config.S3Region,
		Endpoint: c.config.S3Endpoint,
	}
}

func (c *core) Close() {
	if c.nats != nil {
		_ = c.nats.Close()
	}
	if c.sqlDB != nil {
		_ = c.sqlDB.Close()
	}
	_ = c.logger.Sync()
}
