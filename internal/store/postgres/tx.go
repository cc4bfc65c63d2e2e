package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/oklog/ulid/v2"

	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/store"
)

// txn implements store.Tx over a single *sql.Tx: SELECT ... FOR UPDATE
// queries are built with goqu and executed through
// tx.QueryContext/ExecContext directly.
type txn struct {
	s  *Store
	tx *sql.Tx
}

// WithTx opens a transaction, invokes fn, and commits on success or
// rolls back on any error (including fn's returned error).
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.TransientStore, "postgres.WithTx.Begin", err)
	}
	defer sqlTx.Rollback() //nolint:errcheck

	if err := fn(ctx, &txn{s: s, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return errkind.New(errkind.TransientStore, "postgres.WithTx.Commit", err)
	}
	return nil
}

func (tx *txn) LockWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableWorkflowInstances).
		Select("id", "workflow", "scheduled", "run_at", "started_at", "ended_at", "status", "params", "created_at", "updated_at").
		Where(goqu.I("id").Eq(id)).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build lock workflow instance: %w", err)
	}
	row := tx.tx.QueryRowContext(ctx, q)
	wi, err := scanWorkflowInstance(row)
	if err != nil {
		return nil, err
	}
	return wi, nil
}

func (tx *txn) MostRecentScheduledInstance(ctx context.Context, workflow string) (*model.WorkflowInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableWorkflowInstances).
		Select("id", "workflow", "scheduled", "run_at", "started_at", "ended_at", "status", "params", "created_at", "updated_at").
		Where(goqu.I("workflow").Eq(workflow), goqu.I("scheduled").Eq(true)).
		Order(goqu.I("run_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build most recent scheduled instance: %w", err)
	}
	row := tx.tx.QueryRowContext(ctx, q)
	wi, err := scanWorkflowInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return wi, nil
}

func (tx *txn) QueuedExplicitInstances(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableWorkflowInstances).
		Select("id", "workflow", "scheduled", "run_at", "started_at", "ended_at", "status", "params", "created_at", "updated_at").
		Where(
			goqu.I("scheduled").Eq(false),
			goqu.I("status").Eq(string(model.WorkflowQueued)),
			goqu.I("run_at").Lte(now),
		).
		ForUpdate(exp.SkipLocked).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build queued explicit instances: %w", err)
	}
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.QueuedExplicitInstances", err)
	}
	defer rows.Close()

	var out []model.WorkflowInstance
	for rows.Next() {
		wi, err := scanWorkflowInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *wi)
	}
	return out, rows.Err()
}

func (tx *txn) CreateWorkflowInstance(ctx context.Context, wi model.WorkflowInstance) (int64, error) {
	q, _, err := tx.s.goqu.Insert(tx.s.tableWorkflowInstances).Rows(goqu.Record{
		"workflow": wi.Workflow, "scheduled": wi.Scheduled, "run_at": wi.RunAt,
		"status": string(wi.Status), "params": string(wi.Params),
	}).Returning("id").ToSQL()
	if err != nil {
		return 0, fmt.Errorf("postgres: build create workflow instance: %w", err)
	}
	var id int64
	if err := tx.tx.QueryRowContext(ctx, q).Scan(&id); err != nil {
		return 0, errkind.New(errkind.TransientStore, "postgres.CreateWorkflowInstance", err)
	}
	return id, nil
}

func (tx *txn) UpdateWorkflowInstance(ctx context.Context, wi model.WorkflowInstance) error {
	existing, err := tx.LockWorkflowInstance(ctx, wi.ID)
	if err != nil {
		return err
	}
	if existing != nil && existing.Status.Terminal() && existing.Status != wi.Status {
		return errkind.New(errkind.InvariantViolation, "postgres.UpdateWorkflowInstance",
			fmt.Errorf("workflow instance %d: refusing to revert terminal status %q to %q", wi.ID, existing.Status, wi.Status))
	}
	q, _, err := tx.s.goqu.Update(tx.s.tableWorkflowInstances).Set(goqu.Record{
		"status": string(wi.Status), "started_at": wi.StartedAt, "ended_at": wi.EndedAt,
		"updated_at": goqu.L("now()"),
	}).Where(goqu.I("id").Eq(wi.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("postgres: build update workflow instance: %w", err)
	}
	if _, err := tx.tx.ExecContext(ctx, q); err != nil {
		return errkind.New(errkind.TransientStore, "postgres.UpdateWorkflowInstance", err)
	}
	return nil
}

func (tx *txn) TaskInstancesByWorkflowInstance(ctx context.Context, workflowInstanceID int64) (map[string]*model.TaskInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Where(goqu.I("workflow_instance").Eq(workflowInstanceID)).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build task instances by workflow instance: %w", err)
	}
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.TaskInstancesByWorkflowInstance", err)
	}
	defer rows.Close()

	out := make(map[string]*model.TaskInstance)
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		// The source's workflow_task_instances dict never actually
		// populated values (see DESIGN.md's open-questions note on the
		// original no-op bug); here the assignment is real.
		out[ti.Task] = ti
	}
	return out, rows.Err()
}

func (tx *txn) InsertTaskInstanceIfAbsent(ctx context.Context, ti model.TaskInstance) (*model.TaskInstance, error) {
	q, _, err := tx.s.goqu.Insert(tx.s.tableTaskInstances).Rows(goqu.Record{
		"task": ti.Task, "workflow_instance": ti.WorkflowInstance, "push": ti.Push,
		"status": string(ti.Status), "run_at": ti.RunAt, "attempts": ti.Attempts,
		"priority": ti.Priority, "params": string(ti.Params),
	}).OnConflict(goqu.DoNothing()).Returning("id").ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build insert task instance if absent: %w", err)
	}
	var id int64
	err = tx.tx.QueryRowContext(ctx, q).Scan(&id)
	if err == sql.ErrNoRows {
		return tx.existingTaskInstance(ctx, ti.Task, ti.WorkflowInstance)
	}
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.InsertTaskInstanceIfAbsent", err)
	}
	ti.ID = id
	return &ti, nil
}

func (tx *txn) existingTaskInstance(ctx context.Context, task string, workflowInstance *int64) (*model.TaskInstance, error) {
	where := []goqu.Expression{goqu.I("task").Eq(task)}
	if workflowInstance != nil {
		where = append(where, goqu.I("workflow_instance").Eq(*workflowInstance))
	} else {
		where = append(where, goqu.I("workflow_instance").IsNull())
	}
	q, _, err := tx.s.goqu.From(tx.s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Where(where...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build existing task instance lookup: %w", err)
	}
	row := tx.tx.QueryRowContext(ctx, q)
	return scanTaskInstanceRow(row)
}

func (tx *txn) NonTerminalStandaloneCount(ctx context.Context, task string) (int, error) {
	instances, err := tx.NonTerminalStandaloneInstances(ctx, task)
	if err != nil {
		return 0, err
	}
	return len(instances), nil
}

func (tx *txn) NonTerminalStandaloneInstances(ctx context.Context, task string) ([]model.TaskInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Where(
			goqu.I("task").Eq(task),
			goqu.I("workflow_instance").IsNull(),
			goqu.I("status").NotIn(string(model.TaskSuccess), string(model.TaskFailed), string(model.TaskTimedOut)),
		).
		ForUpdate(exp.Wait).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build non-terminal standalone instances: %w", err)
	}
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.NonTerminalStandaloneInstances", err)
	}
	defer rows.Close()

	var out []model.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ti)
	}
	return out, rows.Err()
}

func (tx *txn) MostRecentStandaloneInstance(ctx context.Context, task string) (*model.TaskInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Where(goqu.I("task").Eq(task), goqu.I("workflow_instance").IsNull()).
		Order(goqu.I("run_at").Desc()).
		Limit(1).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build most recent standalone instance: %w", err)
	}
	row := tx.tx.QueryRowContext(ctx, q)
	ti, err := scanTaskInstanceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ti, nil
}

func (tx *txn) UpdateTaskInstance(ctx context.Context, ti model.TaskInstance) error {
	q, _, err := tx.s.goqu.Update(tx.s.tableTaskInstances).Set(goqu.Record{
		"status": string(ti.Status), "started_at": ti.StartedAt, "ended_at": ti.EndedAt,
		"attempts": ti.Attempts, "push_data": string(ti.PushData), "updated_at": goqu.L("now()"),
	}).Where(goqu.I("id").Eq(ti.ID)).ToSQL()
	if err != nil {
		return fmt.Errorf("postgres: build update task instance: %w", err)
	}
	if _, err := tx.tx.ExecContext(ctx, q); err != nil {
		return errkind.New(errkind.TransientStore, "postgres.UpdateTaskInstance", err)
	}
	return nil
}

func (tx *txn) PullQueuedPushTasks(ctx context.Context, now time.Time, limit int) (store.DispatchBatch, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Where(
			goqu.I("status").Eq(string(model.TaskQueued)),
			goqu.I("push").Eq(true),
			goqu.I("run_at").Lte(now),
		).
		Order(goqu.I("priority").Desc(), goqu.I("run_at").Asc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		ForUpdate(exp.SkipLocked).
		ToSQL()
	if err != nil {
		return store.DispatchBatch{}, fmt.Errorf("postgres: build pull queued push tasks: %w", err)
	}
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return store.DispatchBatch{}, errkind.New(errkind.TransientStore, "postgres.PullQueuedPushTasks", err)
	}
	defer rows.Close()

	var batch store.DispatchBatch
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return store.DispatchBatch{}, err
		}
		batch.Instances = append(batch.Instances, *ti)
	}
	return batch, rows.Err()
}

func (tx *txn) SyncCandidates(ctx context.Context) ([]model.TaskInstance, error) {
	q, _, err := tx.s.goqu.From(tx.s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Where(
			goqu.I("push").Eq(true),
			goqu.I("status").In(string(model.TaskPushed), string(model.TaskRunning), string(model.TaskRetrying)),
		).
		ForUpdate(exp.SkipLocked).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build sync candidates: %w", err)
	}
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.SyncCandidates", err)
	}
	defer rows.Close()

	var out []model.TaskInstance
	for rows.Next() {
		ti, err := scanTaskInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ti)
	}
	return out, rows.Err()
}

func (tx *txn) InsertEvent(ctx context.Context, ev model.TaskflowEvent) error {
	q, _, err := tx.s.goqu.Insert(tx.s.tableEvents).Rows(goqu.Record{
		"id": ulid.Make().String(), "workflow_instance": ev.WorkflowInstance, "task_instance": ev.TaskInstance,
		"timestamp": ev.Timestamp, "event": ev.Event, "message": ev.Message,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("postgres: build insert event: %w", err)
	}
	if _, err := tx.tx.ExecContext(ctx, q); err != nil {
		return errkind.New(errkind.TransientStore, "postgres.InsertEvent", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanWorkflowInstance(row scannable) (*model.WorkflowInstance, error) {
	return scanWorkflowInstanceRow(row)
}

func scanWorkflowInstanceRow(row scannable) (*model.WorkflowInstance, error) {
	var wi model.WorkflowInstance
	var status string
	var started, ended sql.NullTime
	var params sql.NullString
	if err := row.Scan(&wi.ID, &wi.Workflow, &wi.Scheduled, &wi.RunAt, &started, &ended, &status, &params, &wi.CreatedAt, &wi.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errkind.New(errkind.TransientStore, "postgres.scanWorkflowInstance", err)
	}
	wi.Status = model.WorkflowInstanceStatus(status)
	if started.Valid {
		wi.StartedAt = &started.Time
	}
	if ended.Valid {
		wi.EndedAt = &ended.Time
	}
	if params.Valid {
		wi.Params = json.RawMessage(params.String)
	}
	return &wi, nil
}

func scanWorkflowInstanceRows(rows *sql.Rows) (*model.WorkflowInstance, error) {
	return scanWorkflowInstanceRow(rows)
}

func scanTaskInstance(rows *sql.Rows) (*model.TaskInstance, error) {
	return scanTaskInstanceRow(rows)
}

func scanTaskInstanceRow(row scannable) (*model.TaskInstance, error) {
	var ti model.TaskInstance
	var status string
	var workflowInstance sql.NullInt64
	var started, ended sql.NullTime
	var params, pushData sql.NullString
	if err := row.Scan(&ti.ID, &ti.Task, &workflowInstance, &ti.Push, &status, &ti.RunAt, &started, &ended, &ti.Attempts, &ti.Priority, &params, &pushData, &ti.CreatedAt, &ti.UpdatedAt); err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.scanTaskInstance", err)
	}
	ti.Status = model.TaskInstanceStatus(status)
	if workflowInstance.Valid {
		ti.WorkflowInstance = &workflowInstance.Int64
	}
	if started.Valid {
		ti.StartedAt = &started.Time
	}
	if ended.Valid {
		ti.EndedAt = &ended.Time
	}
	if params.Valid {
		ti.Params = json.RawMessage(params.String)
	}
	if pushData.Valid {
		ti.PushData = json.RawMessage(pushData.String)
	}
	return &ti, nil
}
