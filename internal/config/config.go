// Package config loads and validates the scheduler/pusher binaries'
// runtime configuration from the environment (with an optional .env file
// loaded via github.com/joho/godotenv for local development), validated
// with github.com/go-playground/validator/v10 struct tags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/go-playground/validator/v10"
)

// Config holds everything either binary needs at startup. Fields unused
// by a given binary (e.g. DispatchBatchSize for the scheduler) are
// simply ignored rather than split into two structs: one flat config
// keeps both binaries' env vars in one documented place.
type Config struct {
	// StoreDriver selects the Store backend: "postgres" (production,
	// row-level locking) or "bolt" (embedded dev/test).
	StoreDriver string `validate:"required,oneof=postgres bolt"`
	// StoreDSN is the connection string (postgres DSN, or a bbolt file
	// path when StoreDriver is "bolt").
	StoreDSN string `validate:"required"`

	TickInterval       time.Duration `validate:"required,gt=0"`
	DispatchBatchSize  int           `validate:"required,gt=0"`
	OperationTimeout   time.Duration `validate:"required,gt=0"`

	OTLPEndpoint string `validate:"omitempty"`
	NATSURL      string `validate:"omitempty"`

	LogJSON  bool
	LogLevel string `validate:"omitempty,oneof=debug info warn error"`
}

var validate = validator.New()

// Load reads TASKFLOW_* environment variables (after optionally loading a
// .env file, if present and TASKFLOW_DOTENV is not "0"), applies defaults,
// and validates the result.
func Load() (*Config, error) {
	if os.Getenv("TASKFLOW_DOTENV") != "0" {
		_ = godotenv.Load() // absence of .env is not an error
	}

	cfg := &Config{
		StoreDriver:       envOr("TASKFLOW_STORE_DRIVER", "postgres"),
		StoreDSN:          os.Getenv("TASKFLOW_STORE_DSN"),
		TickInterval:      envDuration("TASKFLOW_TICK_INTERVAL", 5*time.Second),
		DispatchBatchSize: envInt("TASKFLOW_DISPATCH_BATCH_SIZE", 100),
		OperationTimeout:  envDuration("TASKFLOW_OPERATION_TIMEOUT", 30*time.Second),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		NATSURL:           os.Getenv("TASKFLOW_NATS_URL"),
		LogJSON:           envOr("TASKFLOW_JSON_LOG", "") != "",
		LogLevel:          envOr("TASKFLOW_LOG_LEVEL", "info"),
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
