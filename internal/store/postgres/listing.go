package postgres

import (
	"context"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/store"
)

// ListWorkflowInstances and ListTaskInstances back the filter/sort/
// paginate surface spec.md §6 describes for the (out-of-scope) admin
// REST layer — shaped here so that layer can be built directly on Store.

func (s *Store) ListWorkflowInstances(ctx context.Context, f store.WorkflowInstanceFilter) ([]model.WorkflowInstance, error) {
	ds := s.goqu.From(s.tableWorkflowInstances).
		Select("id", "workflow", "scheduled", "run_at", "started_at", "ended_at", "status", "params", "created_at", "updated_at").
		Order(goqu.I("run_at").Desc())
	if f.Workflow != "" {
		ds = ds.Where(goqu.I("workflow").Eq(f.Workflow))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(f.Status)))
	}
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}
	q, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list workflow instances: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.ListWorkflowInstances", err)
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

func (s *Store) ListTaskInstances(ctx context.Context, f store.TaskInstanceFilter) ([]model.TaskInstance, error) {
	ds := s.goqu.From(s.tableTaskInstances).
		Select("id", "task", "workflow_instance", "push", "status", "run_at", "started_at", "ended_at", "attempts", "priority", "params", "push_data", "created_at", "updated_at").
		Order(goqu.I("run_at").Desc())
	if f.Task != "" {
		ds = ds.Where(goqu.I("task").Eq(f.Task))
	}
	if f.WorkflowInstance != nil {
		ds = ds.Where(goqu.I("workflow_instance").Eq(*f.WorkflowInstance))
	}
	if f.Status != "" {
		ds = ds.Where(goqu.I("status").Eq(string(f.Status)))
	}
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	if f.Offset > 0 {
		ds = ds.Offset(uint(f.Offset))
	}
	q, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list task instances: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.ListTaskInstances", err)
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
