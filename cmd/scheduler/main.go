// Command scheduler runs the Scheduler loop of spec.md §4.4 as a
// long-running process: advancing recurring and explicit workflow
// instances, and firing standalone recurring tasks, once per tick until
// SIGTERM. It has no HTTP admin surface of its own; that's out of scope
// here (spec.md §1).
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/taskflow/internal/clock"
	"github.com/swarmguard/taskflow/internal/config"
	"github.com/swarmguard/taskflow/internal/events"
	"github.com/swarmguard/taskflow/internal/logging"
	"github.com/swarmguard/taskflow/internal/otelinit"
	"github.com/swarmguard/taskflow/internal/registry"
	"github.com/swarmguard/taskflow/internal/scheduler"
	"github.com/swarmguard/taskflow/internal/store"
	"github.com/swarmguard/taskflow/internal/store/boltstore"
	"github.com/swarmguard/taskflow/internal/store/postgres"
)

func main() {
	const service = "taskflow-scheduler"

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logging.Init(service)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, metrics := otelinit.InitMetrics(ctx, service)
	defer func() {
		otelinit.Flush(context.Background(), shutdownTrace)
		_ = shutdownMetrics(context.Background())
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New()
	if err := reg.Refresh(ctx, st); err != nil {
		slog.Error("initial registry refresh failed", "error", err)
		os.Exit(1)
	}

	pub := openEventPublisher(cfg.NATSURL)

	sched := scheduler.New(st, reg, clock.Real{}, pub, metrics)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("scheduler started", "tick_interval", cfg.TickInterval, "store_driver", cfg.StoreDriver)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler shutting down")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
			sched.Tick(tickCtx)
			cancel()

			if err := reg.Refresh(ctx, st); err != nil {
				slog.Warn("registry refresh failed, continuing with stale snapshot", "error", err)
			}
		}
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "bolt":
		return boltstore.New(cfg.StoreDSN)
	default:
		return postgres.New(ctx, cfg.StoreDSN)
	}
}

func openEventPublisher(url string) events.Publisher {
	if url == "" {
		return events.Noop{}
	}
	conn, err := nats.Connect(url)
	if err != nil {
		slog.Warn("nats connect failed, events will not be published", "error", err)
		return events.Noop{}
	}
	return events.NewNATSPublisher(conn, "")
}
