package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Settings are process settings read from the environment. Each variable may
// be set with or without the QUESTFORGE_ prefix.
type Settings struct {
	Config         string `envconfig:"CONFIG" default:"questforge.yaml"`
	ProviderSource string `envconfig:"PROVIDER_SOURCE" default:"file"` // file|sql

	LedgerDriver string `envconfig:"LEDGER_DRIVER" default:"memory"` // memory|sqlite|postgres|redis
	DatabaseURL  string `envconfig:"DATABASE_URL"`
	SQLitePath   string `envconfig:"SQLITE_PATH" default:"questforge.db"`
	RedisAddr    string `envconfig:"REDIS_ADDR" default:"localhost:6379"`

	// UsageSinks is a comma-separated list of log, sql, clickhouse, kafka.
	UsageSinks         []string `envconfig:"USAGE_SINKS" default:"log"`
	UsageSQLitePath    string   `envconfig:"USAGE_SQLITE_PATH" default:"questforge-usage.db"`
	ClickHouseAddr     string   `envconfig:"CLICKHOUSE_ADDR"`
	ClickHouseDatabase string   `envconfig:"CLICKHOUSE_DATABASE" default:"default"`
	ClickHouseUser     string   `envconfig:"CLICKHOUSE_USER" default:"default"`
	ClickHousePassword string   `envconfig:"CLICKHOUSE_PASSWORD"`
	KafkaBrokers       string   `envconfig:"KAFKA_BROKERS"`
	KafkaTopic         string   `envconfig:"KAFKA_TOPIC" default:"questforge.attempts"`

	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	SweepSchedule    string        `envconfig:"SWEEP_SCHEDULE" default:"@every 5m"`
	SweepAge         time.Duration `envconfig:"SWEEP_AGE" default:"10m"`
	RolloverSchedule string        `envconfig:"ROLLOVER_SCHEDULE" default:"0 0 1 * *"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"` // text|json
}

// LoadSettings loads .env if present and reads the environment.
func LoadSettings() (Settings, error) {
	_ = godotenv.Load()

	var s Settings
	if err := envconfig.Process("questforge", &s); err != nil {
		return Settings{}, fmt.Errorf("process env config: %w", err)
	}
	return s, nil
}

func setupLogger(s Settings) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(s.LogFormat, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
