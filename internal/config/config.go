// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// Worker configures the pool sizes and dequeue behavior for the four
// named queues of the queue substrate (C3).
type Worker struct {
	CountPerQueue map[string]int `mapstructure:"count_per_queue"`
	DequeueWait   time.Duration  `mapstructure:"dequeue_wait"`
	BreakerPause  time.Duration  `mapstructure:"breaker_pause"`
	HeartbeatTTL  time.Duration  `mapstructure:"heartbeat_ttl"`
}

// Retrieval configures the UBS-resolution and download pipeline (C5).
type Retrieval struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	BinaryTimeout   time.Duration `mapstructure:"binary_timeout"`
	RateLimitPerSec int           `mapstructure:"rate_limit_per_sec"`
	Backoff         Backoff       `mapstructure:"backoff"`
}

// Analysis configures the per-connector fan-out and batching window (C7/C8).
type Analysis struct {
	BinaryTimeout time.Duration `mapstructure:"binary_timeout"`
	FeedSize      int           `mapstructure:"feed_size"`
	ConnectorDirs []string      `mapstructure:"connector_dirs"`
}

// Store configures the persistent relational store (C1).
type Store struct {
	Driver string `mapstructure:"driver"` // "sqlite3" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// UBS configures the Unified Binary Store client (C4).
type UBS struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// SinkKind is the tagged-union discriminant for a result sink.
type SinkKind string

const (
	SinkFeed       SinkKind = "feed"
	SinkWatchlist  SinkKind = "watchlist"
)

// SinkRef names the downstream destination configured for a connector.
type SinkRef struct {
	Kind SinkKind `mapstructure:"kind"`
	ID   string   `mapstructure:"id"`
}

// Sinks configures the external feed/watchlist services results are
// dispatched to.
type Sinks struct {
	FeedBaseURL      string `mapstructure:"feed_base_url"`
	WatchlistBaseURL string `mapstructure:"watchlist_base_url"`
	// Routes maps connector_name -> sink.
	Routes map[string]SinkRef `mapstructure:"routes"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Scheduler configures the cron-driven ingestion of saved queries (C10).
type Scheduler struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
	Insecure         bool    `mapstructure:"insecure"`
}

// Tracing is a backwards-compatible alias.
type Tracing = TracingConfig

type ObservabilityConfig struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Observability is a backwards-compatible alias.
type Observability = ObservabilityConfig

// HTTPAPI configures the thin front-end shell (§6).
type HTTPAPI struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type Config struct {
	Environment    string         `mapstructure:"environment"`
	Redis          Redis          `mapstructure:"redis"`
	Worker         Worker         `mapstructure:"worker"`
	Retrieval      Retrieval      `mapstructure:"retrieval"`
	Analysis       Analysis       `mapstructure:"analysis"`
	Store          Store          `mapstructure:"store"`
	UBS            UBS            `mapstructure:"ubs"`
	Sinks          Sinks          `mapstructure:"sinks"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Scheduler      Scheduler      `mapstructure:"scheduler"`
	Observability  Observability  `mapstructure:"observability"`
	HTTPAPI        HTTPAPI        `mapstructure:"http_api"`
}

func defaultConfig() *Config {
	return &Config{
		Environment: "production",
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Worker: Worker{
			CountPerQueue: map[string]int{
				"binary_retrieval": 4,
				"binary_analysis":  8,
				"binary_cleanup":   2,
				"result_dispatch":  4,
			},
			DequeueWait:  1 * time.Second,
			BreakerPause: 100 * time.Millisecond,
			HeartbeatTTL: 30 * time.Second,
		},
		Retrieval: Retrieval{
			MaxRetries:      3,
			BinaryTimeout:   60 * time.Second,
			RateLimitPerSec: 50,
			Backoff:         Backoff{Base: 500 * time.Millisecond, Max: 10 * time.Second},
		},
		Analysis: Analysis{
			BinaryTimeout: 2 * time.Minute,
			FeedSize:      25,
			ConnectorDirs: []string{"./connectors"},
		},
		Store: Store{
			Driver: "sqlite3",
			DSN:    "sandbox.db",
		},
		UBS: UBS{
			BaseURL: "http://localhost:8081",
			Timeout: 10 * time.Second,
		},
		Sinks: Sinks{
			Routes: map[string]SinkRef{},
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Scheduler: Scheduler{
			CheckInterval: 1 * time.Second,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             Tracing{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		HTTPAPI: HTTPAPI{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads configuration from a YAML file, falling back to production
// defaults and overlaying the documented environment variables.
// Unknown ENVIRONMENT values fall back to production defaults;
// ENVIRONMENT=development is the only recognized override.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	if env := os.Getenv("ENVIRONMENT"); env == "development" {
		def.Environment = "development"
		def.Observability.LogLevel = "debug"
	}

	v.SetDefault("environment", def.Environment)
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("worker.count_per_queue", def.Worker.CountPerQueue)
	v.SetDefault("worker.dequeue_wait", def.Worker.DequeueWait)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)

	v.SetDefault("retrieval.max_retries", def.Retrieval.MaxRetries)
	v.SetDefault("retrieval.binary_timeout", def.Retrieval.BinaryTimeout)
	v.SetDefault("retrieval.rate_limit_per_sec", def.Retrieval.RateLimitPerSec)
	v.SetDefault("retrieval.backoff.base", def.Retrieval.Backoff.Base)
	v.SetDefault("retrieval.backoff.max", def.Retrieval.Backoff.Max)

	v.SetDefault("analysis.binary_timeout", def.Analysis.BinaryTimeout)
	v.SetDefault("analysis.feed_size", def.Analysis.FeedSize)
	v.SetDefault("analysis.connector_dirs", def.Analysis.ConnectorDirs)

	v.SetDefault("store.driver", def.Store.Driver)
	v.SetDefault("store.dsn", def.Store.DSN)

	v.SetDefault("ubs.base_url", def.UBS.BaseURL)
	v.SetDefault("ubs.timeout", def.UBS.Timeout)

	v.SetDefault("sinks.routes", def.Sinks.Routes)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("scheduler.check_interval", def.Scheduler.CheckInterval)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("http_api.listen_addr", def.HTTPAPI.ListenAddr)
	v.SetDefault("http_api.read_timeout", def.HTTPAPI.ReadTimeout)
	v.SetDefault("http_api.write_timeout", def.HTTPAPI.WriteTimeout)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Environment-variable overrides documented in the external interface.
	if lvl := os.Getenv("LOGLEVEL"); lvl != "" {
		v.Set("observability.log_level", lvl)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		v.Set("store.dsn", dsn)
	}
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		v.Set("redis.addr", addr)
	}
	host := os.Getenv("FLASK_HOST")
	port := os.Getenv("FLASK_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		v.Set("http_api.listen_addr", fmt.Sprintf("%s:%s", host, port))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	for q, n := range cfg.Worker.CountPerQueue {
		if n < 1 {
			return fmt.Errorf("worker.count_per_queue[%s] must be >= 1", q)
		}
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.DequeueWait <= 0 {
		return fmt.Errorf("worker.dequeue_wait must be > 0")
	}
	if cfg.Retrieval.MaxRetries < 0 {
		return fmt.Errorf("retrieval.max_retries must be >= 0")
	}
	if cfg.Retrieval.RateLimitPerSec < 0 {
		return fmt.Errorf("retrieval.rate_limit_per_sec must be >= 0")
	}
	if cfg.Analysis.FeedSize < 1 {
		return fmt.Errorf("analysis.feed_size must be >= 1")
	}
	if cfg.Store.Driver != "sqlite3" && cfg.Store.Driver != "postgres" {
		return fmt.Errorf("store.driver must be sqlite3 or postgres, got %q", cfg.Store.Driver)
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
