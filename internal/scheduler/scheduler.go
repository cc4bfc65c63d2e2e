// Package scheduler implements the Scheduler loop of spec.md §4.4: per
// tick, it fires due recurring workflows (with catch-up), advances
// explicit workflow instances (queued ones once due, and running ones
// on every tick), runs task-layer advancement via
// DagResolver inside a single store transaction, and drives standalone
// recurring tasks. It takes a store handle, a clock, and a registry
// snapshot as constructor inputs rather than reaching into globals, so
// every dependency is visible at the call site and swappable in tests.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskflow/internal/clock"
	"github.com/swarmguard/taskflow/internal/cronengine"
	"github.com/swarmguard/taskflow/internal/dagresolver"
	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/events"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/otelinit"
	"github.com/swarmguard/taskflow/internal/registry"
	"github.com/swarmguard/taskflow/internal/resilience"
	"github.com/swarmguard/taskflow/internal/store"
)

// Scheduler is the periodic worker driving workflow and standalone-task
// progress. It holds no mutable state of its own beyond what the Store
// persists; a Scheduler can be recreated across process restarts freely.
type Scheduler struct {
	store    store.Store
	registry *registry.Registry
	clock    clock.Clock
	events   events.Publisher
	metrics  otelinit.Metrics
	tracer   trace.Tracer

	storeRetryAttempts int
	storeRetryDelay    time.Duration
}

// New builds a Scheduler. metrics may be the zero value (all nil
// instruments are never dereferenced — OTel's no-op meter returns safe
// instruments when otelinit.InitMetrics's exporter setup fails).
func New(st store.Store, reg *registry.Registry, clk clock.Clock, pub events.Publisher, metrics otelinit.Metrics) *Scheduler {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Scheduler{
		store:              st,
		registry:           reg,
		clock:              clk,
		events:             pub,
		metrics:            metrics,
		tracer:             otel.Tracer("taskflow-scheduler"),
		storeRetryAttempts: 3,
		storeRetryDelay:    200 * time.Millisecond,
	}
}

// Tick runs one full scheduler pass: §4.4 A (recurring firing), B
// (explicit instances), D (standalone tasks). Each workflow/task is
// handled independently — one's failure is logged and does not abort
// the rest of the tick, per spec.md §7's MisconfiguredWorkflow policy.
func (s *Scheduler) Tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "scheduler.tick")
	defer span.End()

	start := time.Now()
	defer func() {
		if s.metrics.TickDuration != nil {
			s.metrics.TickDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("loop", "scheduler")))
		}
	}()

	now := s.clock.Now()

	for _, wf := range s.registry.Workflows() {
		if ctx.Err() != nil {
			return
		}
		if !wf.Active || wf.Schedule == "" {
			continue
		}
		if err := s.fireRecurring(ctx, wf, now); err != nil {
			s.logMisconfigured("scheduler.fire_recurring", wf.Name, err)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := s.advanceExplicitInstances(ctx, now); err != nil {
		slog.Error("scheduler: advance explicit instances failed", "error", err)
	}

	for _, t := range s.registry.StandaloneTasks() {
		if ctx.Err() != nil {
			return
		}
		if !t.Active || t.Schedule == "" {
			continue
		}
		if err := s.scheduleStandalone(ctx, t, now); err != nil {
			s.logMisconfigured("scheduler.schedule_standalone", t.Name, err)
		}
	}
}

func (s *Scheduler) logMisconfigured(op, name string, err error) {
	if errkind.Is(err, errkind.MisconfiguredWorkflow) {
		slog.Warn(op+": misconfigured, skipping for this tick", "name", name, "error", err)
		return
	}
	slog.Error(op+" failed", "name", name, "error", err)
}

// fireRecurring implements spec.md §4.4 A.
func (s *Scheduler) fireRecurring(ctx context.Context, wf *model.Workflow, now time.Time) error {
	engine, err := cronengine.Parse(wf.Schedule)
	if err != nil {
		return errkind.New(errkind.MisconfiguredWorkflow, "scheduler.fire_recurring", err)
	}

	var mostRecent *model.WorkflowInstance
	err = s.withStoreRetry(ctx, "scheduler.most_recent_scheduled_instance", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			inst, err := tx.MostRecentScheduledInstance(ctx, wf.Name)
			mostRecent = inst
			return err
		})
	})
	if err != nil {
		return err
	}

	if mostRecent != nil && !mostRecent.Status.Terminal() {
		// Running, or still queued from a tick that created it but never
		// reached task-layer advancement (e.g. a crash in between):
		// advance it rather than firing a new instance on top of it.
		return s.advanceInstance(ctx, mostRecent.ID)
	}

	var nextRun time.Time
	if mostRecent == nil {
		nextRun = engine.NextFire(now)
	} else {
		nextRun = engine.NextFire(mostRecent.RunAt)
		if prev := engine.PrevFire(now); prev.After(nextRun) {
			nextRun = prev
		}
	}

	if wf.StartDate != nil && nextRun.Before(*wf.StartDate) {
		return nil
	}
	if wf.EndDate != nil && nextRun.After(*wf.EndDate) {
		return nil
	}

	var newID int64
	err = s.withStoreRetry(ctx, "scheduler.create_workflow_instance", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			id, err := tx.CreateWorkflowInstance(ctx, model.WorkflowInstance{
				Workflow:  wf.Name,
				Scheduled: true,
				RunAt:     nextRun,
				Status:    model.WorkflowQueued,
			})
			if err != nil {
				return err
			}
			newID = id
			return tx.InsertEvent(ctx, model.TaskflowEvent{
				WorkflowInstance: &id,
				Timestamp:        now,
				Event:            model.EventWorkflowQueued,
				Message:          "recurring fire at " + nextRun.Format(time.RFC3339),
			})
		})
	})
	if err != nil {
		return err
	}
	_ = s.events.Publish(ctx, model.TaskflowEvent{WorkflowInstance: &newID, Timestamp: now, Event: model.EventWorkflowQueued})

	return s.advanceInstance(ctx, newID)
}

// advanceExplicitInstances implements spec.md §4.4 B. Besides the due
// queued explicit instances, it also advances explicit instances that are
// already running, so their later layers get queued as earlier ones finish.
func (s *Scheduler) advanceExplicitInstances(ctx context.Context, now time.Time) error {
	var due []model.WorkflowInstance
	err := s.withStoreRetry(ctx, "scheduler.queued_explicit_instances", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			instances, err := tx.QueuedExplicitInstances(ctx, now)
			due = instances
			return err
		})
	})
	if err != nil {
		return err
	}
	var running []model.WorkflowInstance
	err = s.withStoreRetry(ctx, "scheduler.running_explicit_instances", func(ctx context.Context) error {
		instances, err := s.store.ListWorkflowInstances(ctx, store.WorkflowInstanceFilter{Status: model.WorkflowRunning})
		running = instances
		return err
	})
	if err != nil {
		return err
	}
	for _, wi := range running {
		if !wi.Scheduled {
			due = append(due, wi)
		}
	}
	for _, wi := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.advanceInstance(ctx, wi.ID); err != nil {
			slog.Error("scheduler: advance explicit instance failed", "workflow_instance", wi.ID, "error", err)
		}
	}
	return nil
}

// advanceInstance implements spec.md §4.4 C: task-layer advancement for
// one workflow instance, inside a single store transaction.
func (s *Scheduler) advanceInstance(ctx context.Context, workflowInstanceID int64) error {
	return s.withStoreRetry(ctx, "scheduler.advance_layer", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			wi, err := tx.LockWorkflowInstance(ctx, workflowInstanceID)
			if err != nil {
				return err
			}
			if wi == nil {
				return errkind.New(errkind.InvariantViolation, "scheduler.advance_layer",
					errors.New("workflow instance vanished mid-tick"))
			}
			if wi.Status.Terminal() {
				return nil
			}

			wf, ok := s.registry.GetWorkflow(wi.Workflow)
			if !ok {
				return errkind.New(errkind.MisconfiguredWorkflow, "scheduler.advance_layer",
					errors.New("unknown workflow "+wi.Workflow))
			}
			graph, err := s.registry.DependencyGraph(wi.Workflow)
			if err != nil {
				return errkind.New(errkind.MisconfiguredWorkflow, "scheduler.advance_layer", err)
			}

			existing, err := tx.TaskInstancesByWorkflowInstance(ctx, workflowInstanceID)
			if err != nil {
				return err
			}
			statuses := make(map[string]model.TaskInstanceStatus, len(existing))
			for name, ti := range existing {
				statuses[name] = ti.Status
			}

			result, err := dagresolver.Resolve(dagresolver.DependencyGraph(graph), statuses)
			if err != nil {
				return errkind.New(errkind.MisconfiguredWorkflow, "scheduler.advance_layer", err)
			}

			now := s.clock.Now()
			for _, taskName := range result.ToQueue {
				task, ok := wf.Task(taskName)
				if !ok {
					return errkind.New(errkind.MisconfiguredWorkflow, "scheduler.advance_layer",
						errors.New("dependency graph references unknown task "+taskName))
				}
				wiID := workflowInstanceID
				if _, err := tx.InsertTaskInstanceIfAbsent(ctx, model.TaskInstance{
					Task:             taskName,
					WorkflowInstance: &wiID,
					Push:             task.IsPush(),
					Status:           model.TaskQueued,
					RunAt:            now,
					Priority:         0,
					Params:           task.Params,
				}); err != nil {
					return err
				}
				if err := tx.InsertEvent(ctx, model.TaskflowEvent{
					WorkflowInstance: &wiID, Timestamp: now,
					Event: model.EventTaskQueued, Message: taskName,
				}); err != nil {
					return err
				}
			}

			return s.applyVerdict(ctx, tx, *wi, result.Verdict, now)
		})
	})
}

func (s *Scheduler) applyVerdict(ctx context.Context, tx store.Tx, wi model.WorkflowInstance, verdict dagresolver.Verdict, now time.Time) error {
	switch verdict {
	case dagresolver.VerdictRunning:
		if wi.Status == model.WorkflowQueued {
			wi.Status = model.WorkflowRunning
			if wi.StartedAt == nil {
				wi.StartedAt = &now
			}
			if err := tx.UpdateWorkflowInstance(ctx, wi); err != nil {
				return err
			}
			return tx.InsertEvent(ctx, model.TaskflowEvent{WorkflowInstance: &wi.ID, Timestamp: now, Event: model.EventWorkflowRunning})
		}
		return nil
	case dagresolver.VerdictSuccess:
		wi.Status = model.WorkflowSuccess
		wi.EndedAt = &now
		if wi.StartedAt == nil {
			wi.StartedAt = &now
		}
		if err := tx.UpdateWorkflowInstance(ctx, wi); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, model.TaskflowEvent{WorkflowInstance: &wi.ID, Timestamp: now, Event: model.EventWorkflowSucceeded})
	case dagresolver.VerdictFailed:
		wi.Status = model.WorkflowFailed
		wi.EndedAt = &now
		if wi.StartedAt == nil {
			wi.StartedAt = &now
		}
		if err := tx.UpdateWorkflowInstance(ctx, wi); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, model.TaskflowEvent{WorkflowInstance: &wi.ID, Timestamp: now, Event: model.EventWorkflowFailed})
	default:
		return errkind.New(errkind.InvariantViolation, "scheduler.apply_verdict", errors.New("unknown verdict "+string(verdict)))
	}
}

// scheduleStandalone implements spec.md §4.4 D.
func (s *Scheduler) scheduleStandalone(ctx context.Context, task *model.Task, now time.Time) error {
	engine, err := cronengine.Parse(task.Schedule)
	if err != nil {
		return errkind.New(errkind.MisconfiguredWorkflow, "scheduler.schedule_standalone", err)
	}

	return s.withStoreRetry(ctx, "scheduler.schedule_standalone", func(ctx context.Context) error {
		return s.store.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
			if err := s.timeoutAndRetryStandalone(ctx, tx, task, now); err != nil {
				return err
			}

			count, err := tx.NonTerminalStandaloneCount(ctx, task.Name)
			if err != nil {
				return err
			}
			if task.Concurrency > 0 && count >= task.Concurrency {
				return nil
			}

			mostRecent, err := tx.MostRecentStandaloneInstance(ctx, task.Name)
			if err != nil {
				return err
			}

			var nextRun time.Time
			if mostRecent == nil {
				nextRun = engine.NextFire(now)
			} else {
				nextRun = engine.NextFire(mostRecent.RunAt)
				if prev := engine.PrevFire(now); prev.After(nextRun) {
					nextRun = prev
				}
			}
			if now.Before(nextRun) {
				return nil
			}
			if task.StartDate != nil && nextRun.Before(*task.StartDate) {
				return nil
			}
			if task.EndDate != nil && nextRun.After(*task.EndDate) {
				return nil
			}

			ti, err := tx.InsertTaskInstanceIfAbsent(ctx, model.TaskInstance{
				Task: task.Name, Push: task.IsPush(), Status: model.TaskQueued,
				RunAt: nextRun, Params: task.Params,
			})
			if err != nil {
				return err
			}
			return tx.InsertEvent(ctx, model.TaskflowEvent{
				TaskInstance: &ti.ID, Timestamp: now, Event: model.EventTaskQueued, Message: task.Name,
			})
		})
	})
}

// timeoutAndRetryStandalone sweeps non-terminal standalone instances for
// task.timeout expiry, marking the expired instance timed_out and
// inserting a fresh queued retry when attempts remain, per §4.4 D.
func (s *Scheduler) timeoutAndRetryStandalone(ctx context.Context, tx store.Tx, task *model.Task, now time.Time) error {
	instances, err := tx.NonTerminalStandaloneInstances(ctx, task.Name)
	if err != nil {
		return err
	}
	for _, ti := range instances {
		deadline := ti.RunAt
		if ti.StartedAt != nil {
			deadline = *ti.StartedAt
		}
		if task.Timeout <= 0 || now.Sub(deadline) < task.Timeout {
			continue
		}

		ti.Status = model.TaskTimedOut
		ti.EndedAt = &now
		if err := tx.UpdateTaskInstance(ctx, ti); err != nil {
			return err
		}
		if err := tx.InsertEvent(ctx, model.TaskflowEvent{
			TaskInstance: &ti.ID, Timestamp: now, Event: model.EventTaskTimedOut, Message: task.Name,
		}); err != nil {
			return err
		}

		if ti.Attempts < task.MaxRetries+1 {
			if _, err := tx.InsertTaskInstanceIfAbsent(ctx, model.TaskInstance{
				Task: task.Name, Push: task.IsPush(), Status: model.TaskQueued,
				RunAt: now, Attempts: ti.Attempts + 1, Params: task.Params,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// withStoreRetry wraps a store operation with spec.md §7's
// TransientStore policy: exponential backoff within the current tick up
// to a small cap, then the tick moves on without this workflow.
func (s *Scheduler) withStoreRetry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var permanent error
	_, err := resilience.Retry(ctx, op, s.storeRetryAttempts, s.storeRetryDelay, func() (struct{}, error) {
		txErr := fn(ctx)
		if txErr == nil {
			return struct{}{}, nil
		}
		if !errkind.Is(txErr, errkind.TransientStore) {
			// Not retryable: stop the loop immediately and surface the
			// original, already-classified error to the caller.
			permanent = txErr
			return struct{}{}, nil
		}
		return struct{}{}, txErr
	})
	if permanent != nil {
		return permanent
	}
	if err != nil {
		return errkind.New(errkind.TransientStore, op, err)
	}
	return nil
}
