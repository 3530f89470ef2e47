package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"JOIN_RATE_LIMIT", "JOIN_RATE_WINDOW", "LIMITER_BACKEND", "FETCHER_POOL_SIZE",
		"ROSTER_TIMEOUT", "SWEEP_INTERVAL", "COOCCURRENCE_WINDOW", "DB_DSN", "HTTP_ADDR",
	} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JoinRateLimit != 20 || cfg.JoinRateWindow != 10*time.Second {
		t.Fatalf("limiter defaults: %d per %v", cfg.JoinRateLimit, cfg.JoinRateWindow)
	}
	if cfg.LimiterBackend != "memory" {
		t.Fatalf("limiter backend default = %q", cfg.LimiterBackend)
	}
	if cfg.FetcherPoolSize != 5 || cfg.RosterTimeout != 8*time.Second {
		t.Fatalf("pool defaults: size=%d timeout=%v", cfg.FetcherPoolSize, cfg.RosterTimeout)
	}
	if cfg.SweepInterval != 15*time.Minute || cfg.CooccurrenceWindow != 24*time.Hour {
		t.Fatalf("cadence defaults: %v %v", cfg.SweepInterval, cfg.CooccurrenceWindow)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("http addr default = %q", cfg.HTTPAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JOIN_RATE_LIMIT", "2")
	t.Setenv("JOIN_RATE_WINDOW", "3s")
	t.Setenv("LIMITER_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SWEEP_INTERVAL", "0s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JoinRateLimit != 2 || cfg.JoinRateWindow != 3*time.Second {
		t.Fatalf("limiter overrides: %d per %v", cfg.JoinRateLimit, cfg.JoinRateWindow)
	}
	if cfg.LimiterBackend != "redis" || cfg.RedisAddr != "redis:6379" {
		t.Fatalf("redis overrides: %q %q", cfg.LimiterBackend, cfg.RedisAddr)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("zero interval should disable the scheduler, got %v", cfg.SweepInterval)
	}
}

func TestLoadClassifierWeights(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ClassifyWeightBreadth != 1.0 || cfg.ClassifyWeightAccountAge != 25 {
		t.Fatalf("weight defaults: breadth=%v age=%v", cfg.ClassifyWeightBreadth, cfg.ClassifyWeightAccountAge)
	}

	t.Setenv("CLASSIFY_WEIGHT_BREADTH", "2.5")
	t.Setenv("CLASSIFY_WEIGHT_NEVER_STREAMED", "0")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load with overrides: %v", err)
	}
	if cfg.ClassifyWeightBreadth != 2.5 || cfg.ClassifyWeightNeverStreamed != 0 {
		t.Fatalf("weight overrides: breadth=%v never=%v", cfg.ClassifyWeightBreadth, cfg.ClassifyWeightNeverStreamed)
	}

	t.Setenv("CLASSIFY_WEIGHT_BREADTH", "heavy")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad CLASSIFY_WEIGHT_BREADTH")
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("JOIN_RATE_LIMIT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for bad JOIN_RATE_LIMIT")
	}
	t.Setenv("JOIN_RATE_LIMIT", "")
	t.Setenv("LIMITER_BACKEND", "etcd")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown LIMITER_BACKEND")
	}
}

func TestValidateDiscoveryReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "")
	t.Setenv("TWITCH_CLIENT_SECRET", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.ValidateDiscoveryReady(); err == nil {
		t.Fatal("expected error without client credentials")
	}
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ = Load()
	if err := cfg.ValidateDiscoveryReady(); err != nil {
		t.Fatalf("ValidateDiscoveryReady: %v", err)
	}
}
