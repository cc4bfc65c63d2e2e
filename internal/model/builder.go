package model

import "fmt"

// Builder assembles a Workflow and its Tasks into an immutable graph,
// accumulating tasks and their dependency edges before freezing them
// into a single Workflow ready for dependency resolution.
type Builder struct {
	wf    Workflow
	tasks map[string]*Task
	deps  map[string][]string
	err   error
}

// NewBuilder starts building a Workflow definition.
func NewBuilder(wf Workflow) *Builder {
	return &Builder{
		wf:    wf,
		tasks: make(map[string]*Task),
		deps:  make(map[string][]string),
	}
}

// AddTask registers a task belonging to this workflow with its
// dependencies (task names within the same workflow it must follow).
func (b *Builder) AddTask(t Task, dependsOn ...string) *Builder {
	if b.err != nil {
		return b
	}
	t.Workflow = b.wf.Name
	if _, exists := b.tasks[t.Name]; exists {
		b.err = fmt.Errorf("model: duplicate task %q in workflow %q", t.Name, b.wf.Name)
		return b
	}
	cp := t
	b.tasks[t.Name] = &cp
	b.deps[t.Name] = append([]string(nil), dependsOn...)
	return b
}

// Build validates dependency references and freezes the Workflow.
func (b *Builder) Build() (*Workflow, error) {
	if b.err != nil {
		return nil, b.err
	}
	for name, deps := range b.deps {
		set := make(map[string]struct{}, len(deps))
		for _, d := range deps {
			if _, ok := b.tasks[d]; !ok {
				return nil, fmt.Errorf("model: task %q depends on unknown task %q", name, d)
			}
			set[d] = struct{}{}
		}
		b.tasks[name].dependencies = set
	}
	if err := detectCycle(b.tasks); err != nil {
		return nil, err
	}
	wf := b.wf
	wf.tasks = b.tasks
	return &wf, nil
}

// Tasks returns the frozen task set of a built Workflow, keyed by name.
func (w *Workflow) Tasks() map[string]*Task {
	out := make(map[string]*Task, len(w.tasks))
	for k, v := range w.tasks {
		out[k] = v
	}
	return out
}

// Task looks up a single task by name.
func (w *Workflow) Task(name string) (*Task, bool) {
	t, ok := w.tasks[name]
	return t, ok
}

func detectCycle(tasks map[string]*Task) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(tasks))
	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("model: dependency cycle detected: %v -> %s", stack, name)
		}
		color[name] = gray
		for dep := range tasks[name].dependencies {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range tasks {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}
