// Package model defines the entities shared by the registry, scheduler,
// pusher and store adapter: Workflow and Task definitions, the instances
// produced from them at run time, and the audit event trail.
package model

import (
	"encoding/json"
	"time"
)

// WorkflowInstanceStatus is the lifecycle state of a WorkflowInstance.
type WorkflowInstanceStatus string

const (
	WorkflowQueued  WorkflowInstanceStatus = "queued"
	WorkflowRunning WorkflowInstanceStatus = "running"
	WorkflowSuccess WorkflowInstanceStatus = "success"
	WorkflowFailed  WorkflowInstanceStatus = "failed"
)

// Terminal reports whether the status is a terminal, monotone state.
func (s WorkflowInstanceStatus) Terminal() bool {
	return s == WorkflowSuccess || s == WorkflowFailed
}

// TaskInstanceStatus is the lifecycle state of a TaskInstance.
type TaskInstanceStatus string

const (
	TaskQueued    TaskInstanceStatus = "queued"
	TaskPushed    TaskInstanceStatus = "pushed"
	TaskRunning   TaskInstanceStatus = "running"
	TaskRetrying  TaskInstanceStatus = "retrying"
	TaskSuccess   TaskInstanceStatus = "success"
	TaskFailed    TaskInstanceStatus = "failed"
	TaskTimedOut  TaskInstanceStatus = "timed_out"
)

// Terminal reports whether the status is one the resolver treats as final
// for layer-advancement purposes.
func (s TaskInstanceStatus) Terminal() bool {
	switch s {
	case TaskSuccess, TaskFailed, TaskTimedOut:
		return true
	default:
		return false
	}
}

// Failed reports whether the status counts as a failed task for the
// purposes of DagResolver's run verdict.
func (s TaskInstanceStatus) Failed() bool {
	return s == TaskFailed || s == TaskTimedOut
}

// Workflow is the static definition of a DAG of tasks with an optional
// cron schedule. Dependency edges and task membership are immutable once
// built by Builder; of the fields below, only Active, Concurrency,
// Schedule, StartDate and EndDate are refreshed from the store.
type Workflow struct {
	Name        string
	Active      bool
	Title       string
	Description string
	Concurrency int
	SLA         *time.Duration
	Schedule    string // cron expression; empty means non-recurring
	StartDate   *time.Time
	EndDate     *time.Time

	tasks map[string]*Task
}

// Task is the static definition of a unit of work. A Task belongs either
// to exactly one Workflow (Workflow != "") or is free-standing.
type Task struct {
	Name            string
	Workflow        string // owning workflow name, empty for free-standing
	Active          bool
	Concurrency     int
	Schedule        string // only meaningful for free-standing tasks
	StartDate       *time.Time
	EndDate         *time.Time
	MaxRetries      int
	Timeout         time.Duration
	Params          json.RawMessage
	PushDestination string
	Fn              string

	dependencies map[string]struct{}
}

// IsPush reports whether this task is dispatched to a PushWorker.
func (t *Task) IsPush() bool {
	return t.PushDestination != ""
}

// Dependencies returns the set of task names this task depends on within
// the same workflow.
func (t *Task) Dependencies() map[string]struct{} {
	out := make(map[string]struct{}, len(t.dependencies))
	for k := range t.dependencies {
		out[k] = struct{}{}
	}
	return out
}

// WorkflowInstance is a concrete attempt to execute a Workflow at a
// particular run_at.
type WorkflowInstance struct {
	ID        int64
	Workflow  string
	Scheduled bool
	RunAt     time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Status    WorkflowInstanceStatus
	Params    json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskInstance is a concrete attempt to execute a Task within a
// WorkflowInstance, or standalone when WorkflowInstance is nil.
type TaskInstance struct {
	ID               int64
	Task             string
	WorkflowInstance *int64
	Push             bool
	Status           TaskInstanceStatus
	RunAt            time.Time
	StartedAt        *time.Time
	EndedAt          *time.Time
	Attempts         int
	Priority         int
	Params           json.RawMessage
	PushData         json.RawMessage
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TaskflowEvent is an append-only audit record emitted by the Scheduler
// and Pusher as they progress or fail state transitions.
type TaskflowEvent struct {
	ID               int64
	WorkflowInstance *int64
	TaskInstance     *int64
	Timestamp        time.Time
	Event            string
	Message          string
}

// Common event tags used across the Scheduler and Pusher.
const (
	EventWorkflowQueued    = "workflow.queued"
	EventWorkflowRunning   = "workflow.running"
	EventWorkflowSucceeded = "workflow.succeeded"
	EventWorkflowFailed    = "workflow.failed"
	EventTaskQueued        = "task.queued"
	EventTaskDispatched    = "task.dispatched"
	EventTaskSynced        = "task.synced"
	EventTaskSucceeded     = "task.succeeded"
	EventTaskFailed        = "task.failed"
	EventTaskTimedOut      = "task.timed_out"
	EventPushWorkerFailure = "push_worker.failure"
	EventMisconfigured     = "workflow.misconfigured"
	EventInvariantViolated = "invariant.violated"
)
