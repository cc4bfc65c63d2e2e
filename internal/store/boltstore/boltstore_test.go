package boltstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskflow.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertAndListDefinitions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wf := model.Workflow{Name: "daily_report", Active: true, Schedule: "0 6 * * *"}
	tasks := []model.Task{{Name: "task1"}, {Name: "task2"}}
	if err := s.UpsertWorkflowDefinition(ctx, wf, tasks); err != nil {
		t.Fatalf("UpsertWorkflowDefinition: %v", err)
	}

	wfs, err := s.ListWorkflowDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListWorkflowDefinitions: %v", err)
	}
	if len(wfs) != 1 || wfs[0].Name != "daily_report" {
		t.Fatalf("unexpected workflows: %+v", wfs)
	}

	standalone, err := s.ListStandaloneTaskDefinitions(ctx)
	if err != nil {
		t.Fatalf("ListStandaloneTaskDefinitions: %v", err)
	}
	if len(standalone) != 0 {
		t.Fatalf("expected no standalone tasks, got %+v", standalone)
	}
}

func TestCreateAndLockWorkflowInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var id int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		newID, err := tx.CreateWorkflowInstance(ctx, model.WorkflowInstance{
			Workflow: "daily_report",
			RunAt:    time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC),
			Status:   model.WorkflowQueued,
		})
		id = newID
		return err
	})
	if err != nil {
		t.Fatalf("CreateWorkflowInstance: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		wi, err := tx.LockWorkflowInstance(ctx, id)
		if err != nil {
			return err
		}
		if wi == nil {
			t.Fatalf("expected workflow instance %d to exist", id)
		}
		if wi.Status != model.WorkflowQueued {
			t.Fatalf("got status %q, want queued", wi.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx: %v", err)
	}
}

func TestUpdateWorkflowInstanceRejectsTerminalReversion(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var id int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		newID, err := tx.CreateWorkflowInstance(ctx, model.WorkflowInstance{
			Workflow: "daily_report",
			RunAt:    time.Now(),
			Status:   model.WorkflowRunning,
		})
		id = newID
		return err
	})
	if err != nil {
		t.Fatalf("CreateWorkflowInstance: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateWorkflowInstance(ctx, model.WorkflowInstance{ID: id, Status: model.WorkflowSuccess})
	})
	if err != nil {
		t.Fatalf("transition to success: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateWorkflowInstance(ctx, model.WorkflowInstance{ID: id, Status: model.WorkflowRunning})
	})
	if err == nil {
		t.Fatal("expected error reverting a terminal workflow instance, got nil")
	}
}

func TestInsertTaskInstanceIfAbsentDeduplicates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	wiID := int64(1)
	var firstID int64
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ti, err := tx.InsertTaskInstanceIfAbsent(ctx, model.TaskInstance{
			Task: "task1", WorkflowInstance: &wiID, Status: model.TaskQueued, RunAt: time.Now(),
		})
		if err != nil {
			return err
		}
		firstID = ti.ID
		return nil
	})
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ti, err := tx.InsertTaskInstanceIfAbsent(ctx, model.TaskInstance{
			Task: "task1", WorkflowInstance: &wiID, Status: model.TaskQueued, RunAt: time.Now(),
		})
		if err != nil {
			return err
		}
		if ti.ID != firstID {
			t.Fatalf("expected idempotent insert to return id %d, got %d", firstID, ti.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
}

func TestPullQueuedPushTasksOrdersByPriorityThenRunAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	now := time.Now()
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, ti := range []model.TaskInstance{
			{Task: "low", Push: true, Status: model.TaskQueued, RunAt: now.Add(-time.Minute), Priority: 0},
			{Task: "high", Push: true, Status: model.TaskQueued, RunAt: now, Priority: 10},
			{Task: "notdue", Push: true, Status: model.TaskQueued, RunAt: now.Add(time.Hour), Priority: 20},
		} {
			if _, err := tx.InsertTaskInstanceIfAbsent(ctx, ti); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	var batch store.DispatchBatch
	err = s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		batch, err = tx.PullQueuedPushTasks(ctx, now, 10)
		return err
	})
	if err != nil {
		t.Fatalf("PullQueuedPushTasks: %v", err)
	}
	if len(batch.Instances) != 2 {
		t.Fatalf("expected 2 due tasks, got %d", len(batch.Instances))
	}
	if batch.Instances[0].Task != "high" {
		t.Fatalf("expected highest-priority task first, got %q", batch.Instances[0].Task)
	}
}

func TestInsertEventDoesNotRequireExplicitID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertEvent(ctx, model.TaskflowEvent{Event: model.EventWorkflowQueued, Message: "queued"})
	})
	if err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
}
