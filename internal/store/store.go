// Package store defines the Store abstraction the Scheduler and Pusher
// depend on: typed reads/writes, transactions, and row-level locking,
// per spec.md §2 ("Store adapter") and §6 ("Store schema"). Two
// implementations satisfy it: postgres (production, backed by
// jackc/pgx/v5 + doug-martin/goqu/v9, with real SELECT ... FOR UPDATE /
// FOR UPDATE SKIP LOCKED semantics) and boltstore (an embedded
// go.etcd.io/bbolt backend for local development and tests, serializing
// all writes behind a single in-process lock instead of row locks).
package store

import (
	"context"
	"time"

	"github.com/swarmguard/taskflow/internal/model"
)

// WorkflowInstanceFilter narrows ListWorkflowInstances, mirroring the
// filter/sort/paginate surface spec.md §6 describes for the (out of
// scope) admin REST layer, so a REST layer can be built directly on Store
// without the store needing to know about HTTP.
type WorkflowInstanceFilter struct {
	Workflow string
	Status   model.WorkflowInstanceStatus
	Limit    int
	Offset   int
}

// TaskInstanceFilter narrows ListTaskInstances the same way.
type TaskInstanceFilter struct {
	Task             string
	WorkflowInstance *int64
	Status           model.TaskInstanceStatus
	Limit            int
	Offset           int
}

// DispatchBatch is what Tx.PullQueuedPushTasks returns: queued,
// push-style task instances already locked against concurrent pushers.
type DispatchBatch struct {
	Instances []model.TaskInstance
}

// Store is the top-level handle the Scheduler and Pusher hold. All
// mutating, multi-step operations go through WithTx so that the store
// adapter — not the caller — owns transaction boundaries and row
// locking.
type Store interface {
	// Definitions (Registry-facing reads; writes are admin-surface and
	// out of scope here beyond what Registry.Refresh needs).
	ListWorkflowDefinitions(ctx context.Context) ([]model.Workflow, error)
	ListStandaloneTaskDefinitions(ctx context.Context) ([]model.Task, error)
	UpsertWorkflowDefinition(ctx context.Context, wf model.Workflow, tasks []model.Task) error

	// Reads used by the admin-surface-shaped listing methods (§6).
	ListWorkflowInstances(ctx context.Context, f WorkflowInstanceFilter) ([]model.WorkflowInstance, error)
	ListTaskInstances(ctx context.Context, f TaskInstanceFilter) ([]model.TaskInstance, error)

	// WithTx runs fn inside a single transaction; fn's returned error
	// rolls the transaction back. The Scheduler's task-layer advancement
	// (§4.4 C) and the Pusher's dispatch pull (§4.5 A) are each one
	// WithTx call.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Close releases underlying connections/handles.
	Close() error
}

// Tx is the set of operations available inside a Store transaction. Every
// method here is expected to run against rows already locked for the
// duration of the transaction per spec.md §5.
type Tx interface {
	// LockWorkflowInstance acquires a row-level exclusive lock
	// (SELECT ... FOR UPDATE) on a WorkflowInstance and returns it.
	LockWorkflowInstance(ctx context.Context, id int64) (*model.WorkflowInstance, error)

	// MostRecentScheduledInstance returns the latest scheduled=true
	// instance for workflow ordered by run_at desc, or nil if none
	// exists.
	MostRecentScheduledInstance(ctx context.Context, workflow string) (*model.WorkflowInstance, error)

	// QueuedExplicitInstances returns scheduled=false instances with
	// status='queued' and run_at <= now, for §4.4 B.
	QueuedExplicitInstances(ctx context.Context, now time.Time) ([]model.WorkflowInstance, error)

	// CreateWorkflowInstance inserts a new WorkflowInstance row.
	CreateWorkflowInstance(ctx context.Context, wi model.WorkflowInstance) (int64, error)

	// UpdateWorkflowInstance persists status/started_at/ended_at/
	// updated_at changes. Returns an InvariantViolation-classified error
	// (see internal/errkind) if it would revert a terminal status.
	UpdateWorkflowInstance(ctx context.Context, wi model.WorkflowInstance) error

	// TaskInstancesByWorkflowInstance loads every TaskInstance row for a
	// workflow instance keyed by task name, for §4.4 C step 1.
	TaskInstancesByWorkflowInstance(ctx context.Context, workflowInstanceID int64) (map[string]*model.TaskInstance, error)

	// InsertTaskInstanceIfAbsent enforces invariant 1 (at most one
	// TaskInstance per (workflow_instance, task)) via transactional
	// insert-if-absent. Returns the existing instance (unmodified) if
	// one is already present, or the freshly created one.
	InsertTaskInstanceIfAbsent(ctx context.Context, ti model.TaskInstance) (*model.TaskInstance, error)

	// NonTerminalStandaloneCount counts non-terminal TaskInstance rows
	// for a free-standing task, for §4.4 D.
	NonTerminalStandaloneCount(ctx context.Context, task string) (int, error)

	// NonTerminalStandaloneInstances returns non-terminal standalone
	// instances for a task, for the §4.4 D timeout sweep.
	NonTerminalStandaloneInstances(ctx context.Context, task string) ([]model.TaskInstance, error)

	// MostRecentStandaloneInstance returns the latest standalone
	// (workflow_instance IS NULL) instance for task ordered by run_at
	// desc, or nil if none exists, mirroring MostRecentScheduledInstance
	// so §4.4 D can compute nextRun the same way §4.4 A does.
	MostRecentStandaloneInstance(ctx context.Context, task string) (*model.TaskInstance, error)

	// UpdateTaskInstance persists a TaskInstance's mutable fields.
	UpdateTaskInstance(ctx context.Context, ti model.TaskInstance) error

	// PullQueuedPushTasks selects up to limit queued, push=true,
	// run_at<=now TaskInstance rows ordered by (priority desc, run_at
	// asc, id asc), using FOR UPDATE SKIP LOCKED so concurrent pushers
	// partition the queue without contention (§4.5 A, §5).
	PullQueuedPushTasks(ctx context.Context, now time.Time, limit int) (DispatchBatch, error)

	// SyncCandidates selects push=true TaskInstance rows in
	// {pushed, running, retrying}, for §4.5 B.
	SyncCandidates(ctx context.Context) ([]model.TaskInstance, error)

	// InsertEvent appends a TaskflowEvent row.
	InsertEvent(ctx context.Context, ev model.TaskflowEvent) error
}
