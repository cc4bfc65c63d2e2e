package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/swarmguard/taskflow/internal/model"
)

func TestNoopPublisherDiscards(t *testing.T) {
	var p Publisher = Noop{}
	ev := model.TaskflowEvent{Event: model.EventTaskQueued, Timestamp: time.Now()}
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("noop publisher must never error: %v", err)
	}
}

func TestTaskflowEventMarshalsCleanly(t *testing.T) {
	id := int64(7)
	ev := model.TaskflowEvent{
		ID:           1,
		TaskInstance: &id,
		Timestamp:    time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC),
		Event:        model.EventTaskDispatched,
		Message:      "dispatched to http destination",
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round model.TaskflowEvent
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.Event != ev.Event || round.Message != ev.Message {
		t.Fatalf("round trip mismatch: got %+v", round)
	}
	if round.TaskInstance == nil || *round.TaskInstance != id {
		t.Fatalf("expected task instance id %d, got %+v", id, round.TaskInstance)
	}
}
