// Package postgres implements internal/store.Store on top of
// jackc/pgx/v5/stdlib + doug-martin/goqu/v9: a database/sql handle
// opened with the pgx driver, a goqu.Database that builds every statement
// (including the FOR UPDATE / SKIP LOCKED row-locking selects and the
// upserts), and raw tx.QueryContext/ExecContext calls that run the built
// SQL. Schema migrations run via
// golang-migrate/migrate/v4 against embedded SQL files.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/swarmguard/taskflow/internal/errkind"
	"github.com/swarmguard/taskflow/internal/model"
	"github.com/swarmguard/taskflow/internal/store"
)

var (
	ConnMaxLifetime = 15 * time.Minute
	MaxIdleConns    = 5
	MaxOpenConns    = 10
)

// Store is the production Store backend.
type Store struct {
	db   *sql.DB
	goqu *goqu.Database

	tableWorkflows         exp.IdentifierExpression
	tableTasks             exp.IdentifierExpression
	tableWorkflowInstances exp.IdentifierExpression
	tableTaskInstances     exp.IdentifierExpression
	tableEvents            exp.IdentifierExpression
}

// New opens a connection pool, runs pending migrations, and returns a
// ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres: dsn is required")
	}

	if err := Migrate(dsn); err != nil {
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	db.SetConnMaxLifetime(ConnMaxLifetime)
	db.SetMaxIdleConns(MaxIdleConns)
	db.SetMaxOpenConns(MaxOpenConns)

	return &Store{
		db:                     db,
		goqu:                   goqu.New("postgres", db),
		tableWorkflows:         goqu.T("workflows"),
		tableTasks:             goqu.T("tasks"),
		tableWorkflowInstances: goqu.T("workflow_instances"),
		tableTaskInstances:     goqu.T("task_instances"),
		tableEvents:            goqu.T("taskflow_events"),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ─── Definitions ───

func (s *Store) ListWorkflowDefinitions(ctx context.Context) ([]model.Workflow, error) {
	q, _, err := s.goqu.From(s.tableWorkflows).
		Select("name", "active", "title", "description", "concurrency", "sla_seconds", "schedule", "start_date", "end_date").
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list workflows query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.ListWorkflowDefinitions", err)
	}
	defer rows.Close()

	var out []model.Workflow
	for rows.Next() {
		var wf model.Workflow
		var slaSeconds sql.NullInt64
		var start, end sql.NullTime
		if err := rows.Scan(&wf.Name, &wf.Active, &wf.Title, &wf.Description, &wf.Concurrency, &slaSeconds, &wf.Schedule, &start, &end); err != nil {
			return nil, fmt.Errorf("postgres: scan workflow row: %w", err)
		}
		if slaSeconds.Valid {
			d := time.Duration(slaSeconds.Int64) * time.Second
			wf.SLA = &d
		}
		if start.Valid {
			wf.StartDate = &start.Time
		}
		if end.Valid {
			wf.EndDate = &end.Time
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *Store) ListStandaloneTaskDefinitions(ctx context.Context) ([]model.Task, error) {
	q, _, err := s.goqu.From(s.tableTasks).
		Select("name", "active", "concurrency", "schedule", "start_date", "end_date", "max_retries", "timeout_seconds", "params", "push_destination", "fn").
		Where(goqu.I("workflow").IsNull()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("postgres: build list standalone tasks query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errkind.New(errkind.TransientStore, "postgres.ListStandaloneTaskDefinitions", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(rows *sql.Rows) (model.Task, error) {
	var t model.Task
	var start, end sql.NullTime
	var timeoutSeconds int64
	var params, pushDest, fn sql.NullString
	if err := rows.Scan(&t.Name, &t.Active, &t.Concurrency, &t.Schedule, &start, &end, &t.MaxRetries, &timeoutSeconds, &params, &pushDest, &fn); err != nil {
		return t, fmt.Errorf("postgres: scan task row: %w", err)
	}
	if start.Valid {
		t.StartDate = &start.Time
	}
	if end.Valid {
		t.EndDate = &end.Time
	}
	t.Timeout = time.Duration(timeoutSeconds) * time.Second
	if params.Valid {
		t.Params = json.RawMessage(params.String)
	}
	t.PushDestination = pushDest.String
	t.Fn = fn.String
	return t, nil
}

// UpsertWorkflowDefinition writes the mutable fields of a workflow
// definition and its tasks. Dependency edges are not persisted here —
// they live in the Registry's in-memory Builder output, per spec.md
// §4.1 ("definitional shape ... is fixed at program load").
func (s *Store) UpsertWorkflowDefinition(ctx context.Context, wf model.Workflow, tasks []model.Task) error {
	return s.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ptx := tx.(*txn)
		var slaSeconds sql.NullInt64
		if wf.SLA != nil {
			slaSeconds = sql.NullInt64{Int64: int64(wf.SLA.Seconds()), Valid: true}
		}
		upsertWF, _, err := ptx.s.goqu.Insert(ptx.s.tableWorkflows).Rows(goqu.Record{
			"name": wf.Name, "active": wf.Active, "title": wf.Title, "description": wf.Description,
			"concurrency": wf.Concurrency, "sla_seconds": slaSeconds, "schedule": wf.Schedule,
			"start_date": wf.StartDate, "end_date": wf.EndDate,
		}).OnConflict(goqu.DoUpdate("name", goqu.Record{
			"active": wf.Active, "title": wf.Title, "description": wf.Description,
			"concurrency": wf.Concurrency, "sla_seconds": slaSeconds, "schedule": wf.Schedule,
			"start_date": wf.StartDate, "end_date": wf.EndDate,
		})).ToSQL()
		if err != nil {
			return fmt.Errorf("postgres: build upsert workflow: %w", err)
		}
		if _, err := ptx.tx.ExecContext(ctx, upsertWF); err != nil {
			return errkind.New(errkind.TransientStore, "postgres.UpsertWorkflowDefinition", err)
		}
		for _, t := range tasks {
			if err := ptx.upsertTask(ctx, wf.Name, t); err != nil {
				return err
			}
		}
		return nil
	})
}

func (tx *txn) upsertTask(ctx context.Context, workflow string, t model.Task) error {
	var owner sql.NullString
	if workflow != "" {
		owner = sql.NullString{String: workflow, Valid: true}
	}
	q, _, err := tx.s.goqu.Insert(tx.s.tableTasks).Rows(goqu.Record{
		"name": t.Name, "workflow": owner, "active": t.Active, "concurrency": t.Concurrency,
		"schedule": t.Schedule, "start_date": t.StartDate, "end_date": t.EndDate,
		"max_retries": t.MaxRetries, "timeout_seconds": int64(t.Timeout.Seconds()),
		"params": string(t.Params), "push_destination": t.PushDestination, "fn": t.Fn,
	}).OnConflict(goqu.DoUpdate("name", goqu.Record{
		"workflow": owner, "active": t.Active, "concurrency": t.Concurrency,
		"schedule": t.Schedule, "start_date": t.StartDate, "end_date": t.EndDate,
		"max_retries": t.MaxRetries, "timeout_seconds": int64(t.Timeout.Seconds()),
		"params": string(t.Params), "push_destination": t.PushDestination, "fn": t.Fn,
	})).ToSQL()
	if err != nil {
		return fmt.Errorf("postgres: build upsert task %q: %w", t.Name, err)
	}
	if _, err := tx.tx.ExecContext(ctx, q); err != nil {
		return errkind.New(errkind.TransientStore, "postgres.upsertTask", err)
	}
	return nil
}
