// Command pusher runs the Pusher loop of spec.md §4.5 as a long-running
// process: dispatching queued push-type task instances to their
// push_destination's PushWorker and syncing observed remote state back,
// once per tick until SIGTERM. Startup/shutdown wiring mirrors
// cmd/scheduler's.
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
	"github.com/swarmguard/taskflow/internal/pusher"
	"github.com/swarmguard/taskflow/internal/pushworker"
	"github.com/swarmguard/taskflow/internal/registry"
	"github.com/swarmguard/taskflow/internal/store"
	"github.com/swarmguard/taskflow/internal/store/boltstore"
	"github.com/swarmguard/taskflow/internal/store/postgres"
)

func main() {
	const service = "taskflow-pusher"

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
	workers := buildPushWorkerRegistry()

	p := pusher.New(st, reg, workers, clock.Real{}, pub, metrics, cfg.DispatchBatchSize)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("pusher started", "tick_interval", cfg.TickInterval, "store_driver", cfg.StoreDriver, "batch_size", cfg.DispatchBatchSize)
	for {
		select {
		case <-ctx.Done():
			slog.Info("pusher shutting down")
			return
		case <-ticker.C:
			tickCtx, cancel := context.WithTimeout(ctx, cfg.OperationTimeout)
			p.Tick(tickCtx)
			cancel()

			if err := reg.Refresh(ctx, st); err != nil {
				slog.Warn("registry refresh failed, continuing with stale snapshot", "error", err)
			}
		}
	}
}

// buildPushWorkerRegistry wires every PushWorker implementation this
// process can reach. "shell-local" is always available; an
// "http-default" destination is added only when its dispatch/status URLs
// are configured, since most deployments won't run an HTTP worker next
// to the pusher.
func buildPushWorkerRegistry() *pushworker.Registry {
	reg := pushworker.NewRegistry()
	reg.Register("shell-local", pushworker.NewShellPushWorker(pushworker.DefaultAllowedShellCommands, 0))

	dispatchURL := os.Getenv("TASKFLOW_HTTP_PUSHWORKER_DISPATCH_URL")
	statusURL := os.Getenv("TASKFLOW_HTTP_PUSHWORKER_STATUS_URL")
	if dispatchURL != "" && statusURL != "" {
		reg.Register("http-default", pushworker.NewHTTPPushWorker(dispatchURL, statusURL, 0))
	}
	return reg
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
