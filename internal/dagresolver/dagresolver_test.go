package dagresolver

import (
	"reflect"
	"sort"
	"testing"

	"github.com/swarmguard/taskflow/internal/model"
)

// graph mirrors spec.md §8's fixture DAG: task1, task2 -> task3 -> task4.
func fixtureGraph() DependencyGraph {
	return DependencyGraph{
		"task1": {},
		"task2": {},
		"task3": {"task1": {}, "task2": {}},
		"task4": {"task3": {}},
	}
}

func TestLayersOrdersFixtureGraph(t *testing.T) {
	layers, err := Layers(fixtureGraph())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("expected 3 layers, got %d: %v", len(layers), layers)
	}
	sort.Strings(layers[0])
	if !reflect.DeepEqual(layers[0], []string{"task1", "task2"}) {
		t.Errorf("expected layer 0 = [task1 task2], got %v", layers[0])
	}
	if !reflect.DeepEqual(layers[1], []string{"task3"}) {
		t.Errorf("expected layer 1 = [task3], got %v", layers[1])
	}
	if !reflect.DeepEqual(layers[2], []string{"task4"}) {
		t.Errorf("expected layer 2 = [task4], got %v", layers[2])
	}
}

func TestLayersDetectsCycle(t *testing.T) {
	graph := DependencyGraph{
		"a": {"b": {}},
		"b": {"a": {}},
	}
	if _, err := Layers(graph); err == nil {
		t.Fatal("expected cycle detection error")
	}
}

// S2 — Start a queued workflow: no task instances yet.
func TestResolveS2StartsQueuedWorkflow(t *testing.T) {
	res, err := Resolve(fixtureGraph(), map[string]model.TaskInstanceStatus{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictRunning {
		t.Fatalf("expected running, got %s", res.Verdict)
	}
	sort.Strings(res.ToQueue)
	if !reflect.DeepEqual(res.ToQueue, []string{"task1", "task2"}) {
		t.Fatalf("expected to queue [task1 task2], got %v", res.ToQueue)
	}
}

// S3 — Running, no new work: task1/task2 already running.
func TestResolveS3NoNewWork(t *testing.T) {
	statuses := map[string]model.TaskInstanceStatus{
		"task1": model.TaskRunning,
		"task2": model.TaskRunning,
	}
	res, err := Resolve(fixtureGraph(), statuses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictRunning {
		t.Fatalf("expected running, got %s", res.Verdict)
	}
	if len(res.ToQueue) != 0 {
		t.Fatalf("expected no new task instances, got %v", res.ToQueue)
	}
}

// S4 — Advance to next layer: task1/task2 succeeded, task3 absent.
func TestResolveS4AdvancesLayer(t *testing.T) {
	statuses := map[string]model.TaskInstanceStatus{
		"task1": model.TaskSuccess,
		"task2": model.TaskSuccess,
	}
	res, err := Resolve(fixtureGraph(), statuses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictRunning {
		t.Fatalf("expected running, got %s", res.Verdict)
	}
	if !reflect.DeepEqual(res.ToQueue, []string{"task3"}) {
		t.Fatalf("expected to queue [task3], got %v", res.ToQueue)
	}
}

// S5 — Full success: all four tasks succeeded.
func TestResolveS5FullSuccess(t *testing.T) {
	statuses := map[string]model.TaskInstanceStatus{
		"task1": model.TaskSuccess,
		"task2": model.TaskSuccess,
		"task3": model.TaskSuccess,
		"task4": model.TaskSuccess,
	}
	res, err := Resolve(fixtureGraph(), statuses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictSuccess {
		t.Fatalf("expected success, got %s", res.Verdict)
	}
	if len(res.ToQueue) != 0 {
		t.Fatalf("expected no new task instances, got %v", res.ToQueue)
	}
}

// S6 — Failure propagation: task3 failed, task4 never queued.
func TestResolveS6FailurePropagates(t *testing.T) {
	statuses := map[string]model.TaskInstanceStatus{
		"task1": model.TaskSuccess,
		"task2": model.TaskSuccess,
		"task3": model.TaskFailed,
	}
	res, err := Resolve(fixtureGraph(), statuses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictFailed {
		t.Fatalf("expected failed, got %s", res.Verdict)
	}
	if len(res.ToQueue) != 0 {
		t.Fatalf("task4 must never be queued after an upstream failure, got %v", res.ToQueue)
	}
}

func TestResolveTimedOutCountsAsFailed(t *testing.T) {
	statuses := map[string]model.TaskInstanceStatus{
		"task1": model.TaskSuccess,
		"task2": model.TaskTimedOut,
	}
	res, err := Resolve(fixtureGraph(), statuses)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Verdict != VerdictFailed {
		t.Fatalf("expected failed for timed-out task, got %s", res.Verdict)
	}
}
