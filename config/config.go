// Package config loads the daemon configuration from a YAML file, a .env
// file and RATELIMIT_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/category"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/limiter"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/monitor"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/pubsub"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/risk"
	"github.com/KeyT9999/RestaurantBookingWebsite-sub002/sqlstore"
)

// Statistics backends.
const (
	StatsMemory = "memory"
	StatsRedis  = "redis"
	StatsSQL    = "sql"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RATELIMIT_"

var (
	ErrMissingUpstream  = errors.New("config: server.upstream is required")
	ErrInvalidUpstream  = errors.New("config: server.upstream must be an absolute http(s) url")
	ErrInvalidStatsType = errors.New("config: storage.statistics must be 'memory', 'redis' or 'sql'")
	ErrMissingRedisAddr = errors.New("config: storage.redis.addr is required by a redis backend")
	ErrMissingSQLDSN    = errors.New("config: storage.sql.dsn is required by the sql backend")
	ErrInvalidLogFormat = errors.New("config: log.format must be 'console' or 'json'")
)

// Config is the complete daemon configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Storage StorageConfig  `yaml:"storage"`
	Limiter limiter.Config `yaml:"limiter"`
	Risk    risk.Config    `yaml:"risk"`
	Monitor monitor.Config `yaml:"monitor"`
	Audit   AuditConfig    `yaml:"audit"`
	Log     LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Listen   string `yaml:"listen"`
	Admin    string `yaml:"admin"`   // empty disables the admin API
	Metrics  string `yaml:"metrics"` // empty disables /metrics
	GRPC     string `yaml:"grpc"`    // empty disables the gRPC health service
	Upstream string `yaml:"upstream"`

	// ResetOnSuccess lists the categories whose successful POST clears the
	// attempts of the client.
	ResetOnSuccess []string `yaml:"reset_on_success"`
	// FailureMarker in a redirect Location marks the attempt as failed.
	FailureMarker string `yaml:"failure_marker"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

type StorageConfig struct {
	Statistics string      `yaml:"statistics"`
	Redis      RedisConfig `yaml:"redis"`
	SQL        SQLConfig   `yaml:"sql"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	// StatsTTL expires idle statistics records in redis. Zero keeps them.
	StatsTTL time.Duration `yaml:"stats_ttl"`
	// LockKey names the lock that elects the cleanup node.
	LockKey string `yaml:"lock_key"`
	// CommandChannel carries operator resets to the other nodes.
	CommandChannel string `yaml:"command_channel"`
}

type SQLConfig struct {
	Dialect string `yaml:"dialect"`
	DSN     string `yaml:"dsn"`
}

type AuditConfig struct {
	BufferSize  int           `yaml:"buffer_size"`
	Concurrency int           `yaml:"concurrency"`
	SinkTimeout time.Duration `yaml:"sink_timeout"`
	// RedisKey, when set, mirrors audit records into a capped redis list.
	RedisKey    string `yaml:"redis_key"`
	RedisMaxLen int64  `yaml:"redis_max_len"`
	// SQL persists audit records to the block_log table of the sql backend.
	SQL bool `yaml:"sql"`
	// Retention purges block_log rows older than this. Zero keeps them.
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Listen:          ":8080",
			Admin:           "127.0.0.1:8081",
			Metrics:         ":9090",
			GRPC:            ":9091",
			ResetOnSuccess:  []string{category.Login},
			FailureMarker:   "error",
			ShutdownTimeout: 10 * time.Second,
			CleanupInterval: time.Hour,
			SweepInterval:   time.Minute,
		},
		Storage: StorageConfig{
			Statistics: StatsMemory,
			Redis:      RedisConfig{LockKey: "ratelimit:cleanup:lock", CommandChannel: pubsub.DefaultChannel},
			SQL:        SQLConfig{Dialect: sqlstore.DialectSQLite},
		},
		Limiter: limiter.DefaultConfig(),
		Risk:    risk.DefaultConfig(),
		Monitor: monitor.DefaultConfig(),
		Audit: AuditConfig{
			BufferSize:  1024,
			Concurrency: 2,
			SinkTimeout: 5 * time.Second,
			RedisMaxLen: 10000,
			Retention:   7 * 24 * time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (optional) over Default, applies .env and environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := Decode(bytes.NewReader(data), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode merges the YAML document in r into cfg. Unknown keys are errors.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ApplyEnv overrides settings from RATELIMIT_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LISTEN", &c.Server.Listen)
	str("ADMIN_ADDR", &c.Server.Admin)
	str("METRICS_ADDR", &c.Server.Metrics)
	str("GRPC_ADDR", &c.Server.GRPC)
	str("UPSTREAM", &c.Server.Upstream)
	str("STATS_STORE", &c.Storage.Statistics)
	str("BUCKET_STORE", &c.Limiter.StorageType)
	str("REDIS_ADDR", &c.Storage.Redis.Addr)
	str("REDIS_PASSWORD", &c.Storage.Redis.Password)
	str("COMMAND_CHANNEL", &c.Storage.Redis.CommandChannel)
	str("SQL_DIALECT", &c.Storage.SQL.Dialect)
	str("SQL_DSN", &c.Storage.SQL.DSN)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup(EnvPrefix + "FAILURE_POLICY"); ok && v != "" {
		c.Risk.FailurePolicy = risk.FailurePolicy(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvPrefix + "REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %sREDIS_DB: %w", EnvPrefix, err)
		}
		c.Storage.Redis.DB = db
	}
	return nil
}

// UsesRedis reports whether any component needs the redis client.
func (c *Config) UsesRedis() bool {
	return c.Limiter.StorageType == limiter.StorageRedis ||
		c.Storage.Statistics == StatsRedis ||
		c.Audit.RedisKey != ""
}

// UsesSQL reports whether any component needs the sql database.
func (c *Config) UsesSQL() bool {
	return c.Storage.Statistics == StatsSQL || c.Audit.SQL
}

// Validate checks the daemon settings and prepares every component config.
func (c *Config) Validate() error {
	if c.Server.Upstream == "" {
		return ErrMissingUpstream
	}
	u, err := url.Parse(c.Server.Upstream)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: got '%s'", ErrInvalidUpstream, c.Server.Upstream)
	}

	switch c.Storage.Statistics {
	case StatsMemory, StatsRedis, StatsSQL:
	default:
		return fmt.Errorf("%w: got '%s'", ErrInvalidStatsType, c.Storage.Statistics)
	}
	if c.UsesSQL() {
		if _, err := sqlstore.DriverName(c.Storage.SQL.Dialect); err != nil {
			return err
		}
		if c.Storage.SQL.DSN == "" {
			return ErrMissingSQLDSN
		}
	}

	if err := c.Limiter.ValidateAndPrepare(); err != nil {
		return err
	}
	if c.UsesRedis() && c.Storage.Redis.Addr == "" {
		return ErrMissingRedisAddr
	}
	if err := c.Risk.ValidateAndPrepare(); err != nil {
		return err
	}
	if err := c.Monitor.ValidateAndPrepare(); err != nil {
		return err
	}

	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: got '%s'", ErrInvalidLogFormat, c.Log.Format)
	}
	return nil
}
