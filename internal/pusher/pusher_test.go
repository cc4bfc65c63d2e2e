package pusher

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/taskflow/internal/clock"
	"github.com/swarmguard/taskflow/internal/events"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/otelinit"
	"github.com/swarmguard/taskflow/internal/pushworker"
	"github.com/swarmguard/taskflow/internal/registry"
	"github.com/swarmguard/taskflow/internal/store"
	"github.com/swarmguard/taskflow/internal/store/boltstore"
)

func newTestPusher(t *testing.T, now time.Time) (*Pusher, store.Store, *registry.Registry, *pushworker.Registry) {
	t.Helper()
	s, err := boltstore.New(filepath.Join(t.TempDir(), "taskflow.db"))
	if err != nil {
		t.Fatalf("boltstore.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New()
	if err := reg.AddStandaloneTask(model.Task{Name: "notify", PushDestination: "shell-local", MaxRetries: 1}); err != nil {
		t.Fatalf("AddStandaloneTask: %v", err)
	}

	workers := pushworker.NewRegistry()
	workers.Register("shell-local", pushworker.NewShellPushWorker(pushworker.DefaultAllowedShellCommands, 0))

	p := New(s, reg, workers, clock.NewFixed(now), events.Noop{}, otelinit.Metrics{}, 0)
	return p, s, reg, workers
}

func seedQueuedTask(t *testing.T, ctx context.Context, s store.Store, ti model.TaskInstance) int64 {
	t.Helper()
	var id int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inserted, err := tx.InsertTaskInstanceIfAbsent(ctx, ti)
		if inserted != nil {
			id = inserted.ID
		}
		return err
	})
	if err != nil {
		t.Fatalf("seed task instance: %v", err)
	}
	return id
}

func loadTask(t *testing.T, ctx context.Context, s store.Store, task string) model.TaskInstance {
	t.Helper()
	instances, err := s.ListTaskInstances(ctx, store.TaskInstanceFilter{Task: task})
	if err != nil {
		t.Fatalf("ListTaskInstances: %v", err)
	}
	if len(instances) == 0 {
		t.Fatalf("expected a task instance for %s", task)
	}
	return instances[0]
}

func TestDispatchRunsAndMarksPushed(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p, s, _, _ := newTestPusher(t, now)

	seedQueuedTask(t, ctx, s, model.TaskInstance{
		Task: "notify", Push: true, Status: model.TaskQueued, RunAt: now.Add(-time.Minute),
		Params: []byte("echo hi"),
	})

	// Dispatch only: a full Tick would also sync, and the shell worker's
	// sync reports success straight away.
	if err := p.dispatch(ctx); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	ti := loadTask(t, ctx, s, "notify")
	if ti.Status != model.TaskPushed {
		t.Fatalf("status = %q, want pushed", ti.Status)
	}
	if ti.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", ti.Attempts)
	}
	if string(ti.PushData) != "hi\n" {
		t.Fatalf("push_data = %q", ti.PushData)
	}
}

func TestDispatchThenSyncReachesSuccess(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p, s, _, _ := newTestPusher(t, now)

	seedQueuedTask(t, ctx, s, model.TaskInstance{
		Task: "notify", Push: true, Status: model.TaskQueued, RunAt: now.Add(-time.Minute),
		Params: []byte("echo hi"),
	})

	p.Tick(ctx) // dispatch (queued -> pushed), then sync (pushed -> success)
	p.Tick(ctx) // nothing left to dispatch or sync; status stays terminal

	ti := loadTask(t, ctx, s, "notify")
	if ti.Status != model.TaskSuccess {
		t.Fatalf("status = %q, want success", ti.Status)
	}
	if ti.EndedAt == nil {
		t.Fatal("expected ended_at to be set after sync")
	}
}

func TestDispatchFailsClosedAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p, s, _, _ := newTestPusher(t, now)

	// "rm" is not in the default whitelist, so dispatch always reports an
	// error for this instance. max_retries=1 on "notify" means it should
	// fail after attempts exceeds 1.
	seedQueuedTask(t, ctx, s, model.TaskInstance{
		Task: "notify", Push: true, Status: model.TaskQueued, RunAt: now.Add(-time.Minute),
		Params: []byte("rm -rf /"), Attempts: 2,
	})

	p.Tick(ctx)

	ti := loadTask(t, ctx, s, "notify")
	if ti.Status != model.TaskFailed {
		t.Fatalf("status = %q, want failed once attempts exceed max_retries", ti.Status)
	}
}

func TestSyncNeverReversesTerminalStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	p, s, _, _ := newTestPusher(t, now)

	// Seed a task instance already terminal but still in the sync-eligible
	// status set would be a contradiction (pushed/running/retrying are
	// non-terminal); exercise the guard directly instead.
	from, to := model.TaskSuccess, model.TaskRunning
	if isValidTransition(from, to) {
		t.Fatal("expected transition away from a terminal status to be rejected")
	}
	if !isValidTransition(model.TaskRunning, model.TaskSuccess) {
		t.Fatal("expected a non-terminal -> terminal transition to be allowed")
	}
	_ = p
	_ = s
}
