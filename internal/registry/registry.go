// Package registry holds the in-memory catalog of declared workflows and
// free-standing tasks, refreshed from the store on demand. It is an
// explicit capability rather than global state: the Scheduler and
// Pusher take a *Registry as a constructor argument, so the catalog
// they see is always the one they were handed, not a package-level
// singleton.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/swarmguard/taskflow/internal/model"
)

// MisconfiguredTask is returned when a task whose Workflow field is set
// is added via AddStandaloneTask instead of through a Workflow builder.
type MisconfiguredTask struct {
	Task     string
	Workflow string
}

func (e *MisconfiguredTask) Error() string {
	return fmt.Sprintf("registry: task %q belongs to workflow %q, cannot register standalone", e.Task, e.Workflow)
}

// MutableFieldReader is the subset of Store the Registry needs to refresh
// mutable fields (active flags, validity windows, schedules) without
// depending on the full store interface, so registry tests don't need a
// real database.
type MutableFieldReader interface {
	ListWorkflowDefinitions(ctx context.Context) ([]model.Workflow, error)
	ListStandaloneTaskDefinitions(ctx context.Context) ([]model.Task, error)
}

type snapshot struct {
	workflows   map[string]*model.Workflow
	standalones map[string]*model.Task
}

// Registry is a read-mostly, copy-on-write catalog. Refresh swaps the
// snapshot atomically so concurrent readers in the Scheduler and Pusher
// never observe a torn update, per spec.md §5's "Shared in-memory state"
// requirement.
type Registry struct {
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex // serializes Refresh/Add* against each other
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		workflows:   make(map[string]*model.Workflow),
		standalones: make(map[string]*model.Task),
	})
	return r
}

// AddWorkflow registers a frozen Workflow (built via model.Builder).
func (r *Registry) AddWorkflow(wf *model.Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	next := &snapshot{
		workflows:   cloneWorkflows(cur.workflows),
		standalones: cur.standalones,
	}
	next.workflows[wf.Name] = wf
	r.snap.Store(next)
}

// AddStandaloneTask registers a free-standing task. It fails with
// *MisconfiguredTask if the task declares a owning Workflow.
func (r *Registry) AddStandaloneTask(t model.Task) error {
	if t.Workflow != "" {
		return &MisconfiguredTask{Task: t.Name, Workflow: t.Workflow}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	next := &snapshot{
		workflows:   cur.workflows,
		standalones: cloneStandalones(cur.standalones),
	}
	cp := t
	next.standalones[t.Name] = &cp
	r.snap.Store(next)
	return nil
}

// GetWorkflow looks up a workflow definition by name.
func (r *Registry) GetWorkflow(name string) (*model.Workflow, bool) {
	wf, ok := r.snap.Load().workflows[name]
	return wf, ok
}

// GetTask looks up a task by name across both workflow-owned tasks and
// standalones.
func (r *Registry) GetTask(name string) (*model.Task, bool) {
	cur := r.snap.Load()
	if t, ok := cur.standalones[name]; ok {
		return t, true
	}
	for _, wf := range cur.workflows {
		if t, ok := wf.Task(name); ok {
			return t, true
		}
	}
	return nil, false
}

// Workflows returns a stable snapshot of all registered workflows.
func (r *Registry) Workflows() map[string]*model.Workflow {
	return cloneWorkflows(r.snap.Load().workflows)
}

// StandaloneTasks returns a stable snapshot of all free-standing tasks.
func (r *Registry) StandaloneTasks() map[string]*model.Task {
	return cloneStandalones(r.snap.Load().standalones)
}

// DependencyGraph returns the dependency map for a registered workflow:
// taskName -> set of taskNames it depends on.
func (r *Registry) DependencyGraph(workflow string) (map[string]map[string]struct{}, error) {
	wf, ok := r.GetWorkflow(workflow)
	if !ok {
		return nil, fmt.Errorf("registry: unknown workflow %q", workflow)
	}
	out := make(map[string]map[string]struct{}, len(wf.Tasks()))
	for name, t := range wf.Tasks() {
		out[name] = t.Dependencies()
	}
	return out, nil
}

// Refresh reloads mutable fields (active, windows, schedule) for every
// known workflow and standalone task from the store. Definitional shape
// (dependency edges, task membership) is fixed at load time and is not
// re-read here, per spec.md §4.1. A single entry's failure to refresh is
// logged and does not abort the rest — "fails soft per-entry".
func (r *Registry) Refresh(ctx context.Context, store MutableFieldReader) error {
	workflows, err := store.ListWorkflowDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("registry: refresh workflows: %w", err)
	}
	standalones, err := store.ListStandaloneTaskDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("registry: refresh standalone tasks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	nextWorkflows := cloneWorkflows(cur.workflows)
	for _, fresh := range workflows {
		existing, ok := nextWorkflows[fresh.Name]
		if !ok {
			slog.Warn("registry: refresh saw unknown workflow, skipping", "workflow", fresh.Name)
			continue
		}
		updated := *existing
		updated.Active = fresh.Active
		updated.StartDate = fresh.StartDate
		updated.EndDate = fresh.EndDate
		updated.Schedule = fresh.Schedule
		updated.Concurrency = fresh.Concurrency
		nextWorkflows[fresh.Name] = &updated
	}

	nextStandalones := cloneStandalones(cur.standalones)
	for _, fresh := range standalones {
		existing, ok := nextStandalones[fresh.Name]
		if !ok {
			slog.Warn("registry: refresh saw unknown standalone task, skipping", "task", fresh.Name)
			continue
		}
		updated := *existing
		updated.Active = fresh.Active
		updated.StartDate = fresh.StartDate
		updated.EndDate = fresh.EndDate
		updated.Schedule = fresh.Schedule
		updated.Concurrency = fresh.Concurrency
		nextStandalones[fresh.Name] = &updated
	}

	r.snap.Store(&snapshot{workflows: nextWorkflows, standalones: nextStandalones})
	return nil
}

func cloneWorkflows(m map[string]*model.Workflow) map[string]*model.Workflow {
	out := make(map[string]*model.Workflow, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneStandalones(m map[string]*model.Task) map[string]*model.Task {
	out := make(map[string]*model.Task, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
