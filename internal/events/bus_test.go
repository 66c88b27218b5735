package events

import (
	"context"
	"testing"
	"time"
)

func receive(t *testing.T, sub *Subscription) *Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestBus_PublishFiltered(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all, err := bus.Subscribe("all", Filter{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	failures, err := bus.Subscribe("failures", Filter{Types: []EventType{EventRunFailed}})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	ctx := context.Background()
	if err := bus.Publish(ctx, NewEvent(EventRunQueued, "task-1", "run-1", nil)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, NewEvent(EventRunFailed, "task-1", "run-1", map[string]any{"error": "boom"})); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if ev := receive(t, all); ev.Type != EventRunQueued || ev.ID == "" {
		t.Errorf("Expected run.queued with an ID, got %+v", ev)
	}
	if ev := receive(t, all); ev.Type != EventRunFailed {
		t.Errorf("Expected run.failed, got %s", ev.Type)
	}
	if ev := receive(t, failures); ev.Type != EventRunFailed || ev.Data["error"] != "boom" {
		t.Errorf("Expected filtered run.failed, got %+v", ev)
	}

	select {
	case ev := <-failures.C:
		t.Errorf("Filtered subscription got unexpected event %s", ev.Type)
	default:
	}
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	if _, err := bus.Subscribe("slow", Filter{}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i := 0; i < subscriptionBuffer+5; i++ {
		if err := bus.Publish(context.Background(), NewEvent(EventTaskStatusChanged, "task-1", "", nil)); err != nil {
			t.Fatalf("Publish %d failed: %v", i, err)
		}
	}

	if bus.Dropped() != 5 {
		t.Errorf("Expected 5 dropped deliveries, got %d", bus.Dropped())
	}
}

func TestBus_CloseSubscriptionAndBus(t *testing.T) {
	bus := NewBus()

	sub, err := bus.Subscribe("one", Filter{TaskID: "task-1"})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	sub.Close()
	sub.Close()

	if _, ok := <-sub.C; ok {
		t.Error("Expected closed channel after Close")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("Expected 0 subscribers, got %d", bus.SubscriberCount())
	}

	other, err := bus.Subscribe("two", Filter{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	bus.Close()
	other.Close()

	if _, ok := <-other.C; ok {
		t.Error("Expected subscription closed with the bus")
	}
	if err := bus.Publish(context.Background(), NewEvent(EventTaskDone, "task-1", "", nil)); err == nil {
		t.Error("Expected Publish on closed bus to fail")
	}
	if _, err := bus.Subscribe("late", Filter{}); err == nil {
		t.Error("Expected Subscribe on closed bus to fail")
	}
}

func TestFilter_Matches(t *testing.T) {
	ev := &Event{Type: EventPlanReady, TaskID: "task-1", Timestamp: 100}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero value", Filter{}, true},
		{"type match", Filter{Types: []EventType{EventPlanReady, EventTaskDone}}, true},
		{"type miss", Filter{Types: []EventType{EventTaskDone}}, false},
		{"task match", Filter{TaskID: "task-1"}, true},
		{"task miss", Filter{TaskID: "task-2"}, false},
		{"since before", Filter{Since: 50}, true},
		{"since after", Filter{Since: 150}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(ev); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}
