package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/archive"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/config"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/importer"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/server"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the projection worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := openCore()
	if err != nil {
		return err
	}
	defer app.Close()

	var tokens server.TokenValidator
	if app.config.AuthEnabled() {
		manager, err := newTokenManager(app.config)
		if err != nil {
			return err
		}
		tokens = manager
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Commands:    app.commands,
		Queries:     app.queries,
		Reconciler:  app.reconciler,
		Projections: app.orchestrator,
		Updates:     app.updates,
		Tokens:      tokens,
		Logger:      app.logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workerConfig := worker.Config{
		Projections:  app.orchestrator,
		PollInterval: app.config.PollInterval,
		Logger:       app.logger,
	}
	if app.config.BackupInterval > 0 {
		destinations, err := app.backupDestinations(signalCtx)
		if err != nil {
			return err
		}
		backup, err := archive.NewBackup(archive.BackupConfig{Log: app.store, Destinations: destinations, Logger: app.logger})
		if err != nil {
			return err
		}
		workerConfig.Backup = backup
		workerConfig.BackupInterval = app.config.BackupInterval
	}
	background, err := worker.New(workerConfig)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return background.Run(groupCtx)
	})
	group.Go(func() error {
		app.logger.Info("server starting",
			zap.String("address", app.config.HTTPAddress),
			zap.Bool("auth", app.config.AuthEnabled()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func newRebuildCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild",
		Short: "Rebuild every projection from the event log",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openCore()
			if err != nil {
				return err
			}
			defer app.Close()
			result, err := app.orchestrator.RebuildAll(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
}

func newImportCommand() *cobra.Command {
	var fromS3 bool
	cmd := &cobra.Command{
		Use:   "import [legacy.json]",
		Short: "Import a legacy workspace export",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openCore()
			if err != nil {
				return err
			}
			defer app.Close()

			var source archive.Source
			switch {
			case fromS3:
				bucket, err := archive.NewS3Bucket(cmd.Context(), app.s3Config())
				if err != nil {
					return err
				}
				source = bucket
			case len(args) == 1:
				source = archive.FileDestination{Path: args[0]}
			default:
				return fmt.Errorf("a legacy file path or --s3 is required")
			}

			legacyImporter, err := importer.New(importer.Config{
				Commands: app.commands,
				Queries:  app.queries,
				Sync:     app.orchestrator,
				Logger:   app.logger,
			})
			if err != nil {
				return err
			}
			report, err := legacyImporter.ImportFrom(cmd.Context(), source)
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().BoolVar(&fromS3, "s3", false, "Read the legacy export from the configured S3 object")
	return cmd
}

func newExportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "export [archive.jsonl]",
		Short: "Write the event log as JSONL to a file, or to stdout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openCore()
			if err != nil {
				return err
			}
			defer app.Close()

			var buffer bytes.Buffer
			count, err := archive.ExportJSONL(cmd.Context(), app.store, &buffer, time.Now())
			if err != nil {
				return err
			}
			if len(args) == 0 {
				_, err = cmd.OutOrStdout().Write(buffer.Bytes())
				return err
			}
			if err := (archive.FileDestination{Path: args[0]}).Write(cmd.Context(), buffer.Bytes()); err != nil {
				return err
			}
			app.logger.Info("event log exported", zap.Int("events", count), zap.String("path", args[0]))
			return nil
		},
	}
}

func newRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <archive.jsonl>",
		Short: "Load a JSONL archive into an empty event log and rebuild projections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openCore()
			if err != nil {
				return err
			}
			defer app.Close()

			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			count, err := archive.RestoreJSONL(cmd.Context(), app.store, file)
			if err != nil {
				return err
			}
			result, err := app.orchestrator.RebuildAll(cmd.Context())
			if err != nil {
				return err
			}
			app.logger.Info("event log restored", zap.Int("events", count), zap.Int64("position", result.Position))
			return printJSON(cmd, result)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		scopes  string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			if !appConfig.AuthEnabled() {
				return auth.ErrMissingSigningSecret
			}
			manager, err := newTokenManager(appConfig)
			if err != nil {
				return err
			}
			var granted []string
			for _, scope := range strings.Split(scopes, ",") {
				if scope = strings.TrimSpace(scope); scope != "" {
					granted = append(granted, scope)
				}
			}
			token, expiresAt, err := manager.Issue(subject, granted...)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"access_token": token, "expires_at": expiresAt})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "desktop", "Token subject")
	cmd.Flags().StringVar(&scopes, "scopes", auth.ScopeRead+","+auth.ScopeWrite, "Comma-separated scopes (read, write, admin)")
	return cmd
}

func newTokenManager(appConfig config.AppConfig) (*auth.TokenManager, error) {
	return auth.NewTokenManager(auth.TokenManagerConfig{
		SigningSecret: []byte(appConfig.AuthSigningSecret),
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
