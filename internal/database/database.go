package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/eventstore"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	sqlitePragmas = "_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
)

// Options selects the database backing the event log and the projections.
type Options struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured database and brings the schema up to date.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{Logger: gormlogger.Discard}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(options.Driver)) {
	case DriverSQLite, "":
		if strings.TrimSpace(options.Path) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(options.Path)), gormConfig)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		if strings.TrimSpace(options.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(postgres.Open(options.DSN), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", db.Dialector.Name()),
		zap.String("path", options.Path))
	return db, nil
}

// Migrate creates the event store and projection tables and applies named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	models := append(eventstore.Models(), projection.Models()...)
	models = append(models, &migrationRecord{})
	if err := db.AutoMigrate(models...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// sqliteDSN appends durability pragmas to a file path. In-memory and URI forms that already
// carry parameters are left alone.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return path + "?" + sqlitePragmas
}
