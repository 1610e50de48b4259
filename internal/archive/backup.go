package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

var errMissingLog = errors.New("archive: event log is required")

type BackupConfig struct {
	Log          EventLog
	Destinations []Destination
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Backup exports the event log to every configured destination.
type Backup struct {
	log          EventLog
	destinations []Destination
	clock        func() time.Time
	logger       *zap.Logger
}

func NewBackup(cfg BackupConfig) (*Backup, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backup{log: cfg.Log, destinations: cfg.Destinations, clock: clock, logger: logger}, nil
}

// Run writes one archive to all destinations. A failing destination does not stop the others;
// their errors are joined.
func (b *Backup) Run(ctx context.Context) error {
	var buffer bytes.Buffer
	count, err := ExportJSONL(ctx, b.log, &buffer, b.clock())
	if err != nil {
		b.logger.Error("archive export failed",
			zap.String("operation", "archive.backup"),
			zap.String("reason", "export_failed"),
			zap.Error(err))
		return err
	}
	var failures []error
	for _, destination := range b.destinations {
		if err := destination.Write(ctx, buffer.Bytes()); err != nil {
			b.logger.Error("archive destination write failed",
				zap.String("operation", "archive.backup"),
				zap.String("reason", "write_failed"),
				zap.String("destination", fmt.Sprint(destination)),
				zap.Error(err))
			failures = append(failures, err)
		}
	}
	b.logger.Info("archive written",
		zap.Int("events", count),
		zap.Int("destinations", len(b.destinations)),
		zap.Int("bytes", buffer.Len()))
	return errors.Join(failures...)
}
