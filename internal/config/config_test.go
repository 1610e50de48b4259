package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(testContext *testing.T) {
	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != DriverSQLite || cfg.DatabasePath != defaultDatabasePath {
		testContext.Fatalf("unexpected database defaults %+v", cfg)
	}
	if cfg.PollInterval != defaultPollInterval || cfg.MatchWindow != defaultMatchWindow || cfg.MaxRetries != defaultMaxRetries {
		testContext.Fatalf("unexpected engine defaults %+v", cfg)
	}
	if cfg.AuthEnabled() || cfg.S3Enabled() {
		testContext.Fatalf("auth and s3 must be off by default")
	}
	if cfg.TokenTTL != 30*24*time.Hour {
		testContext.Fatalf("unexpected token ttl %v", cfg.TokenTTL)
	}
}

func TestLoadReadsEnvironment(testContext *testing.T) {
	testContext.Setenv("GRAVITY_DATABASE_DRIVER", "postgres")
	testContext.Setenv("GRAVITY_DATABASE_DSN", "postgres://localhost/gravity")
	testContext.Setenv("GRAVITY_PROJECTION_POLL_INTERVAL", "250ms")
	testContext.Setenv("GRAVITY_AUTH_SIGNING_SECRET", "secret")

	cfg, err := Load(NewViper())
	if err != nil {
		testContext.Fatalf("load failed: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres || cfg.DatabaseDSN != "postgres://localhost/gravity" {
		testContext.Fatalf("unexpected database config %+v", cfg)
	}
	if cfg.PollInterval != 250*time.Millisecond || !cfg.AuthEnabled() {
		testContext.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadRejectsInvalidSettings(testContext *testing.T) {
	testCases := map[string]struct {
		key   string
		value any
		want  string
	}{
		"unknown driver":    {key: "database.driver", value: "mysql", want: "database.driver"},
		"postgres no dsn":   {key: "database.driver", value: "postgres", want: "database.dsn"},
		"log format":        {key: "log.format", value: "xml", want: "log.format"},
		"zero retries":      {key: "command.max_retries", value: 0, want: "command.max_retries"},
		"s3 without region": {key: "backup.s3_bucket", value: "bucket", want: "backup.s3_region"},
	}
	for name, testCase := range testCases {
		testContext.Run(name, func(testContext *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				testContext.Fatalf("expected error about %s, got %v", testCase.want, err)
			}
		})
	}
}
