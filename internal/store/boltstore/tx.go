package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"

	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/store"
)

type txn struct {
	s  *Store
	tx *bbolt.Tx
}

func (tx *txn) getWorkflowInstance(id int64) (*model.WorkflowInstance, error) {
	data := tx.tx.Bucket(bucketWorkflowInstances).Get(idKey(id))
	if data == nil {
		return nil, nil
	}
	var wi model.WorkflowInstance
	if err := json.Unmarshal(data, &wi); err != nil {
		return nil, fmt.Errorf("boltstore: unmarshal workflow instance %d: %w", id, err)
	}
	return &wi, nil
}

func (tx *txn) putWorkflowInstance(wi model.WorkflowInstance) error {
	data, err := json.Marshal(wi)
	if err != nil {
		return err
	}
	return tx.tx.Bucket(bucketWorkflowInstances).Put(idKey(wi.ID), data)
}

func (tx *txn) LockWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error) {
	return tx.getWorkflowInstance(id)
}

func (tx *txn) MostRecentScheduledInstance(ctx context.Context, workflow string) (*model.WorkflowInstance, error) {
	var best *model.WorkflowInstance
	err := tx.tx.Bucket(bucketWorkflowInstances).ForEach(func(_, v []byte) error {
		var wi model.WorkflowInstance
		if err := json.Unmarshal(v, &wi); err != nil {
			return err
		}
		if wi.Workflow != workflow || !wi.Scheduled {
			return nil
		}
		if best == nil || wi.RunAt.After(best.RunAt) {
			cp := wi
			best = &cp
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.MostRecentScheduledInstance", err)
	}
	return best, nil
}

func (tx *txn) QueuedExplicitInstances(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error) {
	var out []model.WorkflowInstance
	err := tx.tx.Bucket(bucketWorkflowInstances).ForEach(func(_, v []byte) error {
		var wi model.WorkflowInstance
		if err := json.Unmarshal(v, &wi); err != nil {
			return err
		}
		if !wi.Scheduled && wi.Status == model.WorkflowQueued && !wi.RunAt.After(now) {
			out = append(out, wi)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.QueuedExplicitInstances", err)
	}
	return out, nil
}

func (tx *txn) CreateWorkflowInstance(ctx context.Context, wi model.WorkflowInstance) (int64, error) {
	id, err := tx.s.nextID(tx.tx, "workflow_instances")
	if err != nil {
		return 0, err
	}
	wi.ID = id
	wi.CreatedAt = time.Now().UTC()
	wi.UpdatedAt = wi.CreatedAt
	if err := tx.putWorkflowInstance(wi); err != nil {
		return 0, errkind.New(errkind.TransientStore, "boltstore.CreateWorkflowInstance", err)
	}
	return id, nil
}

func (tx *txn) UpdateWorkflowInstance(ctx context.Context, wi model.WorkflowInstance) error {
	existing, err := tx.getWorkflowInstance(wi.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status.Terminal() && existing.Status != wi.Status {
		return errkind.New(errkind.InvariantViolation, "boltstore.UpdateWorkflowInstance",
			fmt.Errorf("workflow instance %d: refusing to revert terminal status %q to %q", wi.ID, existing.Status, wi.Status))
	}
	if existing != nil {
		wi.CreatedAt = existing.CreatedAt
	}
	wi.UpdatedAt = time.Now().UTC()
	if err := tx.putWorkflowInstance(wi); err != nil {
		return errkind.New(errkind.TransientStore, "boltstore.UpdateWorkflowInstance", err)
	}
	return nil
}

func (tx *txn) TaskInstancesByWorkflowInstance(ctx context.Context, workflowInstanceID int64) (map[string]*model.TaskInstance, error) {
	out := make(map[string]*model.TaskInstance)
	err := tx.tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
		var ti model.TaskInstance
		if err := json.Unmarshal(v, &ti); err != nil {
			return err
		}
		if ti.WorkflowInstance != nil && *ti.WorkflowInstance == workflowInstanceID {
			cp := ti
			out[ti.Task] = &cp
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.TaskInstancesByWorkflowInstance", err)
	}
	return out, nil
}

// InsertTaskInstanceIfAbsent mirrors postgres's uq_task_instances_
// workflow_instance_task index, which is a partial index WHERE
// workflow_instance IS NOT NULL: dedup only applies to task instances
// that belong to a workflow instance. Standalone (ti.WorkflowInstance ==
// nil) instances have no such constraint — a recurring standalone task
// produces a fresh row on every fire, per spec.md §4.4 D.
func (tx *txn) InsertTaskInstanceIfAbsent(ctx context.Context, ti model.TaskInstance) (*model.TaskInstance, error) {
	if ti.WorkflowInstance != nil {
		existing, err := tx.findTaskInstance(ti.Task, ti.WorkflowInstance)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}
	}
	id, err := tx.s.nextID(tx.tx, "task_instances")
	if err != nil {
		return nil, err
	}
	ti.ID = id
	ti.CreatedAt = time.Now().UTC()
	ti.UpdatedAt = ti.CreatedAt
	if err := tx.putTaskInstance(ti); err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.InsertTaskInstanceIfAbsent", err)
	}
	return &ti, nil
}

func (tx *txn) findTaskInstance(task string, workflowInstance *int64) (*model.TaskInstance, error) {
	var found *model.TaskInstance
	err := tx.tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
		var ti model.TaskInstance
		if err := json.Unmarshal(v, &ti); err != nil {
			return err
		}
		if ti.Task != task {
			return nil
		}
		match := (workflowInstance == nil && ti.WorkflowInstance == nil) ||
			(workflowInstance != nil && ti.WorkflowInstance != nil && *workflowInstance == *ti.WorkflowInstance)
		if match {
			cp := ti
			found = &cp
		}
		return nil
	})
	return found, err
}

func (tx *txn) putTaskInstance(ti model.TaskInstance) error {
	data, err := json.Marshal(ti)
	if err != nil {
		return err
	}
	return tx.tx.Bucket(bucketTaskInstances).Put(idKey(ti.ID), data)
}

func (tx *txn) NonTerminalStandaloneCount(ctx context.Context, task string) (int, error) {
	instances, err := tx.NonTerminalStandaloneInstances(ctx, task)
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

func (tx *txn) NonTerminalStandaloneInstances(ctx context.Context, task string) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	err := tx.tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
		var ti model.TaskInstance
		if err := json.Unmarshal(v, &ti); err != nil {
			return err
		}
		if ti.Task == task && ti.WorkflowInstance == nil && !ti.Status.Terminal() {
			out = append(out, ti)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.NonTerminalStandaloneInstances", err)
	}
	return out, nil
}

func (tx *txn) MostRecentStandaloneInstance(ctx context.Context, task string) (*model.TaskInstance, error) {
	var best *model.TaskInstance
	err := tx.tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
		var ti model.TaskInstance
		if err := json.Unmarshal(v, &ti); err != nil {
			return err
		}
		if ti.Task != task || ti.WorkflowInstance != nil {
			return nil
		}
		if best == nil || ti.RunAt.After(best.RunAt) {
			cp := ti
			best = &cp
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.MostRecentStandaloneInstance", err)
	}
	return best, nil
}

func (tx *txn) UpdateTaskInstance(ctx context.Context, ti model.TaskInstance) error {
	existing, err := tx.findByID(ti.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		ti.CreatedAt = existing.CreatedAt
	}
	ti.UpdatedAt = time.Now().UTC()
	if err := tx.putTaskInstance(ti); err != nil {
		return errkind.New(errkind.TransientStore, "boltstore.UpdateTaskInstance", err)
	}
	return nil
}

func (tx *txn) findByID(id int64) (*model.TaskInstance, error) {
	data := tx.tx.Bucket(bucketTaskInstances).Get(idKey(id))
	if data == nil {
		return nil, nil
	}
	var ti model.TaskInstance
	if err := json.Unmarshal(data, &ti); err != nil {
		return nil, fmt.Errorf("boltstore: unmarshal task instance %d: %w", id, err)
	}
	return &ti, nil
}

func (tx *txn) PullQueuedPushTasks(ctx context.Context, now time.Time, limit int) (store.DispatchBatch, error) {
	var candidates []model.TaskInstance
	err := tx.tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
		var ti model.TaskInstance
		if err := json.Unmarshal(v, &ti); err != nil {
			return err
		}
		if ti.Status == model.TaskQueued && ti.Push && !ti.RunAt.After(now) {
			candidates = append(candidates, ti)
		}
		return nil
	})
	if err != nil {
		return store.DispatchBatch{}, errkind.New(errkind.TransientStore, "boltstore.PullQueuedPushTasks", err)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		if !candidates[i].RunAt.Equal(candidates[j].RunAt) {
			return candidates[i].RunAt.Before(candidates[j].RunAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit > 0 && limit < len(candidates) {
		candidates = candidates[:limit]
	}
	return store.DispatchBatch{Instances: candidates}, nil
}

func (tx *txn) SyncCandidates(ctx context.Context) ([]model.TaskInstance, error) {
	var out []model.TaskInstance
	err := tx.tx.Bucket(bucketTaskInstances).ForEach(func(_, v []byte) error {
		var ti model.TaskInstance
		if err := json.Unmarshal(v, &ti); err != nil {
			return err
		}
		if ti.Push && (ti.Status == model.TaskPushed || ti.Status == model.TaskRunning || ti.Status == model.TaskRetrying) {
			out = append(out, ti)
		}
		return nil
	})
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "boltstore.SyncCandidates", err)
	}
	return out, nil
}

func (tx *txn) InsertEvent(ctx context.Context, ev model.TaskflowEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := []byte(ulid.Make().String())
	if err := tx.tx.Bucket(bucketEvents).Put(key, data); err != nil {
		return errkind.New(errkind.TransientStore, "boltstore.InsertEvent", err)
	}
	return nil
}
