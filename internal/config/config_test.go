// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("LOGLEVEL")
	os.Unsetenv("DATABASE_URL")
	os.Unsetenv("REDIS_URL")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Worker.CountPerQueue["binary_analysis"] != 8 {
		t.Fatalf("expected default binary_analysis worker count 8, got %d", cfg.Worker.CountPerQueue["binary_analysis"])
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Analysis.FeedSize != 25 {
		t.Fatalf("expected default feed_size 25, got %d", cfg.Analysis.FeedSize)
	}
	if cfg.Store.Driver != "sqlite3" {
		t.Fatalf("expected default store driver sqlite3, got %s", cfg.Store.Driver)
	}
}

func TestLoadHonorsDatabaseURLEnv(t *testing.T) {
	os.Setenv("DATABASE_URL", "postgres://x/y")
	defer os.Unsetenv("DATABASE_URL")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Store.DSN != "postgres://x/y" {
		t.Fatalf("expected DATABASE_URL override, got %s", cfg.Store.DSN)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.CountPerQueue["binary_analysis"] = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for count_per_queue < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.HeartbeatTTL = 3 * 1e9 // 3s
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat ttl < 5s")
	}

	cfg = defaultConfig()
	cfg.Analysis.FeedSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for feed_size < 1")
	}

	cfg = defaultConfig()
	cfg.Store.Driver = "mongo"
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for unsupported store driver")
	}
}
