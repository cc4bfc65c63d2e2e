// Package dagresolver computes task eligibility over a workflow's
// dependency DAG for a single workflow instance. It is a pure function,
// consumed by the Scheduler: given the DAG and the current status of
// each task instance, it layers the graph with Kahn's algorithm and
// reports which tasks are now eligible to queue, per spec.md §4.3.
// It does no I/O and holds no state across calls.
package dagresolver

import (
	"fmt"
	"sort"

	"github.com/swarmguard/taskflow/internal/model"
)

// Verdict is the overall state of a workflow instance's run as observed
// through its current task instances.
type Verdict string

const (
	VerdictRunning Verdict = "running"
	VerdictSuccess Verdict = "success"
	VerdictFailed  Verdict = "failed"
)

// Result is what Resolve returns: the run verdict plus the task names
// that should have a new queued TaskInstance inserted.
type Result struct {
	Verdict   Verdict
	ToQueue   []string
}

// DependencyGraph maps each task name to the set of task names it
// depends on, restricted to a single workflow.
type DependencyGraph map[string]map[string]struct{}

// Layers computes the layered topological order of a dependency graph:
// layer 0 holds tasks with no unsatisfied dependency, layer k+1 holds
// tasks whose dependencies all lie in layers 0..k. Returns an error if
// the graph is cyclic or references an unknown task — both are
// MisconfiguredWorkflow conditions the caller should treat as such.
func Layers(graph DependencyGraph) ([][]string, error) {
	remaining := make(map[string]map[string]struct{}, len(graph))
	for name, deps := range graph {
		d := make(map[string]struct{}, len(deps))
		for dep := range deps {
			if _, ok := graph[dep]; !ok {
				return nil, fmt.Errorf("dagresolver: task %q depends on unknown task %q", name, dep)
			}
			d[dep] = struct{}{}
		}
		remaining[name] = d
	}

	var layers [][]string
	for len(remaining) > 0 {
		var layer []string
		for name, deps := range remaining {
			if len(deps) == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			return nil, fmt.Errorf("dagresolver: dependency cycle detected among %d remaining tasks", len(remaining))
		}
		sort.Strings(layer)
		for _, name := range layer {
			delete(remaining, name)
		}
		for _, deps := range remaining {
			for _, done := range layer {
				delete(deps, done)
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// classification of one layer's task instances.
type partition struct {
	done       []string
	failed     []string
	inProgress []string
	missing    []string
}

func partitionLayer(layer []string, statuses map[string]model.TaskInstanceStatus) partition {
	var p partition
	for _, name := range layer {
		status, ok := statuses[name]
		switch {
		case !ok:
			p.missing = append(p.missing, name)
		case status == model.TaskSuccess:
			p.done = append(p.done, name)
		case status.Failed():
			p.failed = append(p.failed, name)
		default:
			p.inProgress = append(p.inProgress, name)
		}
	}
	return p
}

// Resolve implements spec.md §4.3 steps 1-7: walk the DAG's layers in
// order, deciding which tasks are missing (to be queued), whether any
// layer has failed (aborting the run), whether work is still in
// progress, or whether every layer is done (the run succeeded).
//
// statuses maps task name to the status of its most recent TaskInstance
// in this workflow instance; a task absent from statuses has never been
// queued.
func Resolve(graph DependencyGraph, statuses map[string]model.TaskInstanceStatus) (Result, error) {
	layers, err := Layers(graph)
	if err != nil {
		return Result{}, err
	}

	for _, layer := range layers {
		p := partitionLayer(layer, statuses)

		if len(p.failed) > 0 {
			return Result{Verdict: VerdictFailed}, nil
		}

		if len(p.missing) > 0 {
			return Result{Verdict: VerdictRunning, ToQueue: p.missing}, nil
		}

		if len(p.inProgress) > 0 {
			return Result{Verdict: VerdictRunning}, nil
		}

		// Layer fully done; continue to next layer.
	}

	return Result{Verdict: VerdictSuccess}, nil
}
