package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("TASKFLOW_DOTENV", "0")
	t.Setenv("TASKFLOW_STORE_DRIVER", "bolt")
	t.Setenv("TASKFLOW_STORE_DSN", "/tmp/taskflow-test.db")
	t.Setenv("TASKFLOW_TICK_INTERVAL", "")
	t.Setenv("TASKFLOW_DISPATCH_BATCH_SIZE", "")
	t.Setenv("TASKFLOW_LOG_LEVEL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickInterval != 5*time.Second {
		t.Fatalf("expected default tick interval 5s, got %v", cfg.TickInterval)
	}
	if cfg.DispatchBatchSize != 100 {
		t.Fatalf("expected default batch size 100, got %d", cfg.DispatchBatchSize)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("expected default log level info, got %q", cfg.LogLevel)
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	t.Setenv("TASKFLOW_DOTENV", "0")
	t.Setenv("TASKFLOW_STORE_DRIVER", "postgres")
	t.Setenv("TASKFLOW_STORE_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for missing store DSN")
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("TASKFLOW_DOTENV", "0")
	t.Setenv("TASKFLOW_STORE_DRIVER", "mongodb")
	t.Setenv("TASKFLOW_STORE_DSN", "dsn")

	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for unknown store driver")
	}
}
