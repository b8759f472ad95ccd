package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultDataRoot        = "data"
	DefaultPGHost          = "127.0.0.1"
	DefaultPGPort          = 5432
	DefaultPGUser          = "postgres"
	DefaultPGDatabase      = "groupwatch"
	DefaultPGSSLMode       = "disable"
	DefaultBridgeURL       = "ws://127.0.0.1:8090"
	DefaultCleanupSchedule = "@every 10m"
)

type Config struct {
	Log        LogConfig        `toml:"log"`
	Server     ServerConfig     `toml:"server"`
	Postgres   PostgresConfig   `toml:"postgres"`
	Session    SessionConfig    `toml:"session"`
	Queue      QueueConfig      `toml:"queue"`
	Readiness  ReadinessConfig  `toml:"readiness"`
	Media      MediaConfig      `toml:"media"`
	Ingest     IngestConfig     `toml:"ingest"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
	Automation AutomationConfig `toml:"automation"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

// PostgresConfig enables the Postgres session-state store and message
// archive when Enabled is set; otherwise state is kept in memory.
type PostgresConfig struct {
	Enabled  bool   `toml:"enabled"`
	Host     string `toml:"host" validate:"required_if=Enabled true"`
	Port     int    `toml:"port" validate:"gte=0,lte=65535"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database" validate:"required_if=Enabled true"`
	SSLMode  string `toml:"sslmode"`
	MaxConns int32  `toml:"max_conns" validate:"gte=0"`
}

// DSN renders the connection URL understood by pgx and golang-migrate.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.Password != "" {
		u.User = url.UserPassword(c.User, c.Password)
	} else if c.User != "" {
		u.User = url.User(c.User)
	}
	q := url.Values{}
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

type SessionConfig struct {
	DataRoot         string `toml:"data_root" validate:"required"`
	InitTimeout      string `toml:"init_timeout" validate:"duration"`
	DestroyTimeout   string `toml:"destroy_timeout" validate:"duration"`
	SubscriberBuffer int    `toml:"subscriber_buffer" validate:"gte=1"`
	HistoryLimit     int    `toml:"history_limit" validate:"gte=1"`
}

type QueueConfig struct {
	Delay     string `toml:"delay" validate:"duration"`
	BusyDelay string `toml:"busy_delay" validate:"duration"`
}

type ReadinessConfig struct {
	Interval                 string `toml:"interval" validate:"duration"`
	Budget                   string `toml:"budget" validate:"duration"`
	RequiredStablePolls      int    `toml:"required_stable_polls" validate:"gte=1"`
	ErrorOverrideEnabled     bool   `toml:"error_override_enabled"`
	ErrorOverrideAfterErrors int    `toml:"error_override_after_errors" validate:"gte=1"`
}

type MediaConfig struct {
	Attempts       int    `toml:"attempts" validate:"gte=1"`
	RetryBase      string `toml:"retry_base" validate:"duration"`
	AttemptTimeout string `toml:"attempt_timeout" validate:"duration"`
	MinLargeBytes  int64  `toml:"min_large_bytes" validate:"gte=1"`
	MaxBytes       int64  `toml:"max_bytes" validate:"gtefield=MinLargeBytes"`
	MaxConcurrent  int64  `toml:"max_concurrent" validate:"gte=1"`
}

type IngestConfig struct {
	MaxHistory int    `toml:"max_history" validate:"gte=1"`
	GroupGap   string `toml:"group_gap" validate:"duration"`
	FeedGroups int    `toml:"feed_groups" validate:"gte=1"`
}

type CleanupConfig struct {
	Schedule      string `toml:"schedule" validate:"required"`
	InactiveAfter string `toml:"inactive_after" validate:"duration"`
}

type AutomationConfig struct {
	BridgeURL   string `toml:"bridge_url" validate:"required,url"`
	CallTimeout string `toml:"call_timeout" validate:"duration"`
}

func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Session: SessionConfig{
			DataRoot:         DefaultDataRoot,
			InitTimeout:      "2m",
			DestroyTimeout:   "30s",
			SubscriberBuffer: 64,
			HistoryLimit:     100,
		},
		Queue: QueueConfig{
			Delay:     "2s",
			BusyDelay: "5s",
		},
		Readiness: ReadinessConfig{
			Interval:                 "2s",
			Budget:                   "5m",
			RequiredStablePolls:      3,
			ErrorOverrideEnabled:     true,
			ErrorOverrideAfterErrors: 5,
		},
		Media: MediaConfig{
			Attempts:       3,
			RetryBase:      "2s",
			AttemptTimeout: "60s",
			MinLargeBytes:  1024,
			MaxBytes:       64 << 20,
			MaxConcurrent:  16,
		},
		Ingest: IngestConfig{
			MaxHistory: 5000,
			GroupGap:   "5m",
			FeedGroups: 200,
		},
		Cleanup: CleanupConfig{
			Schedule:      DefaultCleanupSchedule,
			InactiveAfter: "30m",
		},
		Automation: AutomationConfig{
			BridgeURL:   DefaultBridgeURL,
			CallTimeout: "30s",
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	}); err != nil {
		return err
	}
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Duration parses a validated duration string. Invalid values yield 0
// so callers fall back to their defaults.
func Duration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
