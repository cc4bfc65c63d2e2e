// Package pusher implements the Pusher loop of spec.md §4.5: each tick
// pulls queued push-type TaskInstances in priority order, hands them
// (grouped by push_destination) to the matching pushworker.PushWorker for
// dispatch, and separately syncs the observed state of in-flight
// instances back into the store. It never mutates WorkflowInstance
// status directly — that stays the Scheduler's job, per §4.5 B's note on
// avoiding distributed write races between the two loops.
package pusher

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskflow/internal/clock"
	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/events"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/otelinit"
	"github.com/swarmguard/taskflow/internal/pushworker"
	"github.com/swarmguard/taskflow/internal/registry"
	"github.com/swarmguard/taskflow/internal/resilience"
	"github.com/swarmguard/taskflow/internal/store"
)

// Pusher is the periodic worker driving dispatch and sync. One
// CircuitBreaker is kept per push_destination so a single misbehaving
// external worker trips independently of the others, per the
// internal/resilience package comment's stated pairing of Retry (store
// calls) with CircuitBreaker (push destinations).
type Pusher struct {
	store      store.Store
	registry   *registry.Registry
	workers    *pushworker.Registry
	clock      clock.Clock
	events     events.Publisher
	metrics    otelinit.Metrics
	tracer     trace.Tracer

	batchSize int

	breakers map[string]*resilience.CircuitBreaker
	limiters map[string]*resilience.RateLimiter
}

// New builds a Pusher. batchSize bounds how many queued rows a single
// dispatch pull returns (spec.md §4.5 A default 100; pass 0 for that
// default).
func New(st store.Store, reg *registry.Registry, workers *pushworker.Registry, clk clock.Clock, pub events.Publisher, metrics otelinit.Metrics, batchSize int) *Pusher {
	if pub == nil {
		pub = events.Noop{}
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Pusher{
		store:     st,
		registry:  reg,
		workers:   workers,
		clock:     clk,
		events:    pub,
		metrics:   metrics,
		tracer:    otel.Tracer("taskflow-pusher"),
		batchSize: batchSize,
		breakers:  make(map[string]*resilience.CircuitBreaker),
		limiters:  make(map[string]*resilience.RateLimiter),
	}
}

func (p *Pusher) breaker(destination string) *resilience.CircuitBreaker {
	if b, ok := p.breakers[destination]; ok {
		return b
	}
	b := resilience.NewCircuitBreakerAdaptive(destination, time.Minute, 6, 5, 0.5, 30*time.Second, 3)
	p.breakers[destination] = b
	return b
}

// limiter bounds dispatch throughput to a single push destination,
// independently of the CircuitBreaker: a healthy-but-slow destination
// (the breaker stays closed) still shouldn't be handed an entire batch
// at once. 50 tokens, refilled at 10/s, capped at 50 per one-second
// window - generous enough not to stall a typical batch, tight enough
// to protect a destination from a dispatch burst.
func (p *Pusher) limiter(destination string) *resilience.RateLimiter {
	if l, ok := p.limiters[destination]; ok {
		return l
	}
	l := resilience.NewRateLimiter(destination, 50, 10, time.Second, 50)
	p.limiters[destination] = l
	return l
}

// Tick runs one full Pusher pass: §4.5 A (dispatch), then §4.5 B (sync).
func (p *Pusher) Tick(ctx context.Context) {
	ctx, span := p.tracer.Start(ctx, "pusher.tick")
	defer span.End()

	start := time.Now()
	defer func() {
		if p.metrics.TickDuration != nil {
			p.metrics.TickDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("loop", "pusher")))
		}
	}()

	if err := p.dispatch(ctx); err != nil {
		slog.Error("pusher: dispatch failed", "error", err)
	}
	if err := p.sync(ctx); err != nil {
		slog.Error("pusher: sync failed", "error", err)
	}
}

// dispatch implements spec.md §4.5 A.
func (p *Pusher) dispatch(ctx context.Context) error {
	now := p.clock.Now()
	var batch store.DispatchBatch
	err := p.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		b, err := tx.PullQueuedPushTasks(ctx, now, p.batchSize)
		batch = b
		return err
	})
	if err != nil {
		return errkind.New(errkind.TransientStore, "pusher.dispatch", err)
	}
	if len(batch.Instances) == 0 {
		return nil
	}

	for destination, group := range groupByDestination(p.registry, batch.Instances) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.dispatchGroup(ctx, destination, group, now)
	}
	return nil
}

func (p *Pusher) dispatchGroup(ctx context.Context, destination string, group []model.TaskInstance, now time.Time) {
	breaker := p.breaker(destination)
	worker, ok := p.workers.Get(destination)
	if !ok {
		p.failGroup(ctx, group, now, errkind.New(errkind.MisconfiguredWorkflow, "pusher.dispatch",
			&unknownDestinationError{destination: destination}))
		return
	}
	if !breaker.Allow() {
		// Circuit open: leave the rows queued for a later tick rather
		// than spending an attempt on a destination known to be down.
		return
	}
	if !p.limiter(destination).AllowN(int64(len(group))) {
		// Over the destination's dispatch rate: leave queued, try again
		// next tick instead of bursting the whole group through.
		return
	}

	results, err := worker.PushTaskInstances(ctx, group)
	breaker.RecordResult(err == nil)
	if err != nil {
		p.failGroup(ctx, group, now, errkind.New(errkind.PushWorkerFailure, "pusher.dispatch", err))
		return
	}

	for _, ti := range group {
		result, ok := results[ti.ID]
		if !ok || result.Err != nil {
			p.retryOrFail(ctx, ti, now, result.Err)
			continue
		}
		ti.Status = model.TaskPushed
		ti.Attempts++
		ti.PushData = result.PushData
		p.persistTaskInstance(ctx, ti, model.EventTaskDispatched, "dispatched to "+destination)
		if p.metrics.TasksDispatched != nil {
			p.metrics.TasksDispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
		}
	}
}

func (p *Pusher) failGroup(ctx context.Context, group []model.TaskInstance, now time.Time, cause error) {
	for _, ti := range group {
		p.retryOrFail(ctx, ti, now, cause)
	}
}

// retryOrFail implements spec.md §4.5 A's "on worker failure, the row
// returns to queued with a retry delay; if attempts > max_retries, the
// row becomes failed". maxRetries comes from the Task definition; an
// unknown task (registry entry removed mid-flight) is treated as
// max_retries=0 so the row fails closed rather than retrying forever.
func (p *Pusher) retryOrFail(ctx context.Context, ti model.TaskInstance, now time.Time, cause error) {
	maxRetries := 0
	if task, ok := p.registry.GetTask(ti.Task); ok {
		maxRetries = task.MaxRetries
	}

	if ti.Attempts > maxRetries {
		ti.Status = model.TaskFailed
		ti.EndedAt = &now
		p.persistTaskInstance(ctx, ti, model.EventTaskFailed, causeMessage(cause))
		return
	}
	ti.Status = model.TaskQueued
	ti.Attempts++
	ti.RunAt = now.Add(retryDelay(ti.Attempts))
	p.persistTaskInstance(ctx, ti, model.EventTaskQueued, "retry "+causeMessage(cause))
}

func retryDelay(attempt int) time.Duration {
	d := time.Duration(attempt) * 30 * time.Second
	if d > 10*time.Minute {
		d = 10 * time.Minute
	}
	return d
}

func causeMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// sync implements spec.md §4.5 B.
func (p *Pusher) sync(ctx context.Context) error {
	var candidates []model.TaskInstance
	err := p.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		c, err := tx.SyncCandidates(ctx)
		candidates = c
		return err
	})
	if err != nil {
		return errkind.New(errkind.TransientStore, "pusher.sync", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	for destination, group := range groupByDestination(p.registry, candidates) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.syncGroup(ctx, destination, group)
	}
	return nil
}

func (p *Pusher) syncGroup(ctx context.Context, destination string, group []model.TaskInstance) {
	breaker := p.breaker(destination)
	worker, ok := p.workers.Get(destination)
	if !ok {
		return
	}
	if !breaker.Allow() {
		return
	}

	results, err := worker.SyncTaskInstanceStates(ctx, group)
	breaker.RecordResult(err == nil)
	if err != nil {
		slog.Warn("pusher.sync: worker sync failed", "destination", destination, "error", err)
		return
	}

	byID := make(map[int64]model.TaskInstance, len(group))
	for _, ti := range group {
		byID[ti.ID] = ti
	}
	for id, result := range results {
		ti, ok := byID[id]
		if !ok {
			continue
		}
		if !isValidTransition(ti.Status, result.Status) {
			slog.Error("pusher.sync: invalid state transition observed, aborting", "task_instance", id, "from", ti.Status, "to", result.Status)
			continue
		}
		ti.Status = result.Status
		if result.StartedAt != nil {
			ti.StartedAt = result.StartedAt
		}
		if result.EndedAt != nil {
			ti.EndedAt = result.EndedAt
		}
		p.persistTaskInstance(ctx, ti, eventForTaskStatus(ti.Status), result.Message)
		if p.metrics.TasksSynced != nil {
			p.metrics.TasksSynced.Add(ctx, 1, metric.WithAttributes(attribute.String("destination", destination)))
		}
	}
}

// isValidTransition enforces invariant 4 (terminal statuses are
// monotone): a sync report that tries to move a TaskInstance away from a
// terminal status is rejected rather than applied.
func isValidTransition(from, to model.TaskInstanceStatus) bool {
	if !from.Terminal() {
		return true
	}
	return from == to
}

func eventForTaskStatus(s model.TaskInstanceStatus) string {
	switch s {
	case model.TaskSuccess:
		return model.EventTaskSucceeded
	case model.TaskFailed:
		return model.EventTaskFailed
	case model.TaskTimedOut:
		return model.EventTaskTimedOut
	default:
		return model.EventTaskSynced
	}
}

func (p *Pusher) persistTaskInstance(ctx context.Context, ti model.TaskInstance, event, message string) {
	err := p.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateTaskInstance(ctx, ti); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, model.TaskflowEvent{
			TaskInstance: &ti.ID, Timestamp: p.clock.Now(), Event: event, Message: message,
		})
	})
	if err != nil {
		slog.Error("pusher: persist task instance failed", "task_instance", ti.ID, "error", err)
		return
	}
	_ = p.events.Publish(ctx, model.TaskflowEvent{TaskInstance: &ti.ID, Timestamp: p.clock.Now(), Event: event, Message: message})
}

// groupByDestination partitions instances by their Task's
// push_destination, skipping (and logging) any whose Task is unknown to
// the registry — a misconfigured-workflow condition, not a reason to
// drop the rest of the batch.
func groupByDestination(reg *registry.Registry, instances []model.TaskInstance) map[string][]model.TaskInstance {
	out := make(map[string][]model.TaskInstance)
	for _, ti := range instances {
		task, ok := reg.GetTask(ti.Task)
		if !ok {
			slog.Warn("pusher: task instance references unknown task, skipping", "task_instance", ti.ID, "task", ti.Task)
			continue
		}
		out[task.PushDestination] = append(out[task.PushDestination], ti)
	}
	return out
}

type unknownDestinationError struct{ destination string }

func (e *unknownDestinationError) Error() string {
	return "pusher: unknown push_destination " + e.destination
}
