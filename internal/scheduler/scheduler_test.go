package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/taskflow/internal/clock"
	"github.com/swarmguard/taskflow/internal/events"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/otelinit"
	"github.com/swarmguard/taskflow/internal/registry"
	"github.com/swarmguard/taskflow/internal/store"
	"github.com/swarmguard/taskflow/internal/store/boltstore"
)

func dailyReportWorkflow(t *testing.T) *model.Workflow {
	t.Helper()
	wf, err := model.NewBuilder(model.Workflow{Name: "daily_report", Active: true, Schedule: "0 6 * * *"}).
		AddTask(model.Task{Name: "task1", MaxRetries: 1, Timeout: time.Hour}).
		AddTask(model.Task{Name: "task2", MaxRetries: 1, Timeout: time.Hour}).
		AddTask(model.Task{Name: "task3", MaxRetries: 1, Timeout: time.Hour}, "task1", "task2").
		AddTask(model.Task{Name: "task4", MaxRetries: 1, Timeout: time.Hour}, "task3").
		Build()
	if err != nil {
		t.Fatalf("build workflow: %v", err)
	}
	return wf
}

func newTestScheduler(t *testing.T, now time.Time) (*Scheduler, store.Store, *registry.Registry, *clock.Fixed) {
	t.Helper()
	s, err := boltstore.New(filepath.Join(t.TempDir(), "taskflow.db"))
	if err != nil {
		t.Fatalf("boltstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New()
	reg.AddWorkflow(dailyReportWorkflow(t))

	clk := clock.NewFixed(now)
	sched := New(s, reg, clk, events.Noop{}, otelinit.Metrics{})
	return sched, s, reg, clk
}

func seedInstance(t *testing.T, ctx context.Context, s store.Store, wi model.WorkflowInstance) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		id, err = tx.CreateWorkflowInstance(ctx, wi)
		return err
	})
	if err != nil {
		t.Fatalf("seed workflow instance: %v", err)
	}
	return id
}

func seedTaskInstance(t *testing.T, ctx context.Context, s store.Store, wiID int64, ti model.TaskInstance) {
	t.Helper()
	ti.WorkflowInstance = &wiID
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.InsertTaskInstanceIfAbsent(ctx, ti)
		return err
	})
	if err != nil {
		t.Fatalf("seed task instance %s: %v", ti.Task, err)
	}
}

func loadTaskStatuses(t *testing.T, ctx context.Context, s store.Store, wiID int64) map[string]model.TaskInstanceStatus {
	t.Helper()
	out := map[string]model.TaskInstanceStatus{}
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		instances, err := tx.TaskInstancesByWorkflowInstance(ctx, wiID)
		if err != nil {
			return err
		}
		for name, ti := range instances {
			out[name] = ti.Status
		}
		return nil
	})
	if err != nil {
		t.Fatalf("load task statuses: %v", err)
	}
	return out
}

func loadWorkflowInstance(t *testing.T, ctx context.Context, s store.Store, id int64) *model.WorkflowInstance {
	t.Helper()
	var wi *model.WorkflowInstance
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		wi, err = tx.LockWorkflowInstance(ctx, id)
		return err
	})
	if err != nil {
		t.Fatalf("load workflow instance: %v", err)
	}
	return wi
}

// S1 — Fire a recurring workflow.
func TestS1FireRecurringWorkflow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	sched, s, _, _ := newTestScheduler(t, now)

	sched.Tick(ctx)

	var instances []model.WorkflowInstance
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inst, err := tx.QueuedExplicitInstances(ctx, now)
		instances = inst
		return err
	})
	_ = err
	all, listErr := s.ListWorkflowInstances(ctx, store.WorkflowInstanceFilter{})
	if listErr != nil {
		t.Fatalf("ListWorkflowInstances: %v", listErr)
	}
	if len(all) != 1 {
		t.Fatalf("expected exactly one workflow instance, got %d", len(all))
	}
	wi := all[0]
	if !wi.Scheduled {
		t.Fatal("expected scheduled=true")
	}
	if wi.Status != model.WorkflowQueued && wi.Status != model.WorkflowRunning {
		t.Fatalf("unexpected status %q", wi.Status)
	}
	wantRunAt := time.Date(2017, 6, 4, 6, 0, 0, 0, time.UTC)
	if !wi.RunAt.Equal(wantRunAt) {
		t.Fatalf("run_at = %v, want %v", wi.RunAt, wantRunAt)
	}
	_ = instances
}

// S2 — Start a queued workflow.
func TestS2StartQueuedWorkflow(t *testing.T) {
	ctx := context.Background()
	seedAt := time.Date(2017, 6, 3, 6, 0, 0, 0, time.UTC)
	now := time.Date(2017, 6, 3, 6, 0, 45, 0, time.UTC)
	sched, s, _, _ := newTestScheduler(t, now)

	id := seedInstance(t, ctx, s, model.WorkflowInstance{
		Workflow: "daily_report", Scheduled: false, RunAt: seedAt, Status: model.WorkflowQueued,
	})

	sched.Tick(ctx)

	wi := loadWorkflowInstance(t, ctx, s, id)
	if wi.Status != model.WorkflowRunning {
		t.Fatalf("status = %q, want running", wi.Status)
	}
	statuses := loadTaskStatuses(t, ctx, s, id)
	if len(statuses) != 2 {
		t.Fatalf("expected 2 task instances, got %d: %+v", len(statuses), statuses)
	}
	for _, name := range []string{"task1", "task2"} {
		if statuses[name] != model.TaskQueued {
			t.Fatalf("%s status = %q, want queued", name, statuses[name])
		}
	}
}

// S3 — Running, no new work.
func TestS3RunningNoNewWork(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2017, 6, 3, 6, 12, 0, 0, time.UTC)
	sched, s, _, _ := newTestScheduler(t, now)

	id := seedInstance(t, ctx, s, model.WorkflowInstance{
		Workflow: "daily_report", Scheduled: false, RunAt: now.Add(-time.Hour), Status: model.WorkflowRunning,
	})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task1", Status: model.TaskRunning, RunAt: now})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task2", Status: model.TaskRunning, RunAt: now})

	sched.Tick(ctx)

	statuses := loadTaskStatuses(t, ctx, s, id)
	if len(statuses) != 2 {
		t.Fatalf("expected still exactly 2 task instances, got %d", len(statuses))
	}
	wi := loadWorkflowInstance(t, ctx, s, id)
	if wi.Status != model.WorkflowRunning {
		t.Fatalf("status changed unexpectedly to %q", wi.Status)
	}
}

// S4 — Advance to next layer.
func TestS4AdvanceToNextLayer(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	sched, s, _, _ := newTestScheduler(t, now)

	id := seedInstance(t, ctx, s, model.WorkflowInstance{
		Workflow: "daily_report", Scheduled: false, RunAt: now.Add(-time.Hour), Status: model.WorkflowRunning,
	})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task1", Status: model.TaskSuccess, RunAt: now})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task2", Status: model.TaskSuccess, RunAt: now})

	sched.Tick(ctx)

	statuses := loadTaskStatuses(t, ctx, s, id)
	if statuses["task3"] != model.TaskQueued {
		t.Fatalf("task3 status = %q, want queued", statuses["task3"])
	}
	wi := loadWorkflowInstance(t, ctx, s, id)
	if wi.Status != model.WorkflowRunning {
		t.Fatalf("status = %q, want running", wi.Status)
	}
}

// S5 — Full success.
func TestS5FullSuccess(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	sched, s, _, _ := newTestScheduler(t, now)

	id := seedInstance(t, ctx, s, model.WorkflowInstance{
		Workflow: "daily_report", Scheduled: false, RunAt: now.Add(-time.Hour), Status: model.WorkflowRunning,
	})
	for _, name := range []string{"task1", "task2", "task3", "task4"} {
		seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: name, Status: model.TaskSuccess, RunAt: now})
	}

	sched.Tick(ctx)

	wi := loadWorkflowInstance(t, ctx, s, id)
	if wi.Status != model.WorkflowSuccess {
		t.Fatalf("status = %q, want success", wi.Status)
	}
	if wi.EndedAt == nil {
		t.Fatal("expected ended_at to be set")
	}
	statuses := loadTaskStatuses(t, ctx, s, id)
	if len(statuses) != 4 {
		t.Fatalf("expected no new task instances, got %d", len(statuses))
	}
}

// S6 — Failure propagation.
func TestS6FailurePropagation(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	sched, s, _, _ := newTestScheduler(t, now)

	id := seedInstance(t, ctx, s, model.WorkflowInstance{
		Workflow: "daily_report", Scheduled: false, RunAt: now.Add(-time.Hour), Status: model.WorkflowRunning,
	})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task1", Status: model.TaskSuccess, RunAt: now})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task2", Status: model.TaskSuccess, RunAt: now})
	seedTaskInstance(t, ctx, s, id, model.TaskInstance{Task: "task3", Status: model.TaskFailed, RunAt: now})

	sched.Tick(ctx)

	wi := loadWorkflowInstance(t, ctx, s, id)
	if wi.Status != model.WorkflowFailed {
		t.Fatalf("status = %q, want failed", wi.Status)
	}
	statuses := loadTaskStatuses(t, ctx, s, id)
	if _, ok := statuses["task4"]; ok {
		t.Fatal("task4 should never be queued after an upstream failure")
	}
}

// Invariant 5 — the recurring rule is idempotent per cadence.
func TestRecurringFireIsIdempotentPerCadence(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2017, 6, 3, 6, 30, 0, 0, time.UTC)
	sched, s, _, _ := newTestScheduler(t, now)

	sched.Tick(ctx)
	sched.Tick(ctx)
	sched.Tick(ctx)

	all, err := s.ListWorkflowInstances(ctx, store.WorkflowInstanceFilter{})
	if err != nil {
		t.Fatalf("ListWorkflowInstances: %v", err)
	}
	scheduledCount := 0
	for _, wi := range all {
		if wi.Scheduled {
			scheduledCount++
		}
	}
	if scheduledCount != 1 {
		t.Fatalf("expected exactly one scheduled instance across 3 ticks, got %d", scheduledCount)
	}
}
