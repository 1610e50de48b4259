package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "GRAVITY"
	defaultHTTPAddress       = "127.0.0.1:8765"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "gravity-events.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultAuthIssuer        = "gravity-core"
	defaultTokenTTLMinutes   = 60 * 24 * 30
	defaultPollInterval      = 2 * time.Second
	defaultBatchSize         = 500
	defaultParallelism       = 3
	defaultSnapshotFrequency = 50
	defaultMaxRetries        = 3
	defaultMatchWindow       = 12
	defaultBackupInterval    = time.Duration(0)

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the event core.
type AppConfig struct {
	HTTPAddress string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	AuthSigningSecret string
	AuthIssuer        string
	TokenTTL          time.Duration

	PollInterval      time.Duration
	BatchSize         int
	Parallelism       int
	SnapshotFrequency int
	MaxRetries        int
	MatchWindow       int

	NATSURL string

	BackupInterval time.Duration
	BackupFilePath string
	S3Bucket       string
	S3Key          string
	S3Region       string
	S3Endpoint     string
}

// AuthEnabled reports whether the HTTP API requires bearer tokens.
func (c AppConfig) AuthEnabled() bool {
	return strings.TrimSpace(c.AuthSigningSecret) != ""
}

// S3Enabled reports whether an S3 bucket is configured for backups or imports.
func (c AppConfig) S3Enabled() bool {
	return strings.TrimSpace(c.S3Bucket) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("projection.poll_interval", defaultPollInterval)
	configViper.SetDefault("projection.batch_size", defaultBatchSize)
	configViper.SetDefault("projection.parallelism", defaultParallelism)
	configViper.SetDefault("snapshot.frequency", defaultSnapshotFrequency)
	configViper.SetDefault("command.max_retries", defaultMaxRetries)
	configViper.SetDefault("reconcile.match_window", defaultMatchWindow)
	configViper.SetDefault("backup.interval", defaultBackupInterval)
	configViper.SetDefault("backup.s3_key", "gravity/events.jsonl")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		PollInterval:      configViper.GetDuration("projection.poll_interval"),
		BatchSize:         configViper.GetInt("projection.batch_size"),
		Parallelism:       configViper.GetInt("projection.parallelism"),
		SnapshotFrequency: configViper.GetInt("snapshot.frequency"),
		MaxRetries:        configViper.GetInt("command.max_retries"),
		MatchWindow:       configViper.GetInt("reconcile.match_window"),
		NATSURL:           configViper.GetString("notify.nats_url"),
		BackupInterval:    configViper.GetDuration("backup.interval"),
		BackupFilePath:    configViper.GetString("backup.file_path"),
		S3Bucket:          configViper.GetString("backup.s3_bucket"),
		S3Key:             configViper.GetString("backup.s3_key"),
		S3Region:          configViper.GetString("backup.s3_region"),
		S3Endpoint:        configViper.GetString("backup.s3_endpoint"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console")
	}
	if c.AuthEnabled() && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("projection.poll_interval must be positive")
	}
	if c.BatchSize <= 0 || c.Parallelism <= 0 {
		return fmt.Errorf("projection.batch_size and projection.parallelism must be positive")
	}
	if c.SnapshotFrequency < 0 {
		return fmt.Errorf("snapshot.frequency must not be negative")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("command.max_retries must be positive")
	}
	if c.MatchWindow < 0 {
		return fmt.Errorf("reconcile.match_window must not be negative")
	}
	if c.BackupInterval < 0 {
		return fmt.Errorf("backup.interval must not be negative")
	}
	if c.S3Enabled() && strings.TrimSpace(c.S3Region) == "" {
		return fmt.Errorf("backup.s3_region is required when backup.s3_bucket is set")
	}
	return nil
}
