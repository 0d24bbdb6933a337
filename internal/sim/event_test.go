package sim

import (
	"context"
	"testing"
	"time"
)

func TestEventQueueOrdersByTickThenInsertion(t *testing.T) {
	q := NewEventQueue()
	var order []string
	record := func(name string) *Event {
		return NewEvent(name, func() { order = append(order, name) })
	}

	a, b, c := record("a"), record("b"), record("c")
	if err := q.Schedule(b, 20); err != nil {
		t.Fatalf("schedule b: %v", err)
	}
	if err := q.Schedule(a, 10); err != nil {
		t.Fatalf("schedule a: %v", err)
	}
	if err := q.Schedule(c, 20); err != nil {
		t.Fatalf("schedule c: %v", err)
	}

	if err := q.RunUntil(context.Background(), 100); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := len(order); got != 3 {
		t.Fatalf("serviced %d events, want 3", got)
	}
	if order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Fatalf("unexpected order %v", order)
	}
	if q.CurTick() != 100 {
		t.Fatalf("cur tick = %d, want 100", q.CurTick())
	}
}

func TestEventQueueRescheduleReplacesPending(t *testing.T) {
	q := NewEventQueue()
	fired := 0
	var firedAt Tick
	ev := NewEvent("timer", func() {
		fired++
		firedAt = q.CurTick()
	})

	if err := q.Reschedule(ev, 50, false); err == nil {
		t.Fatalf("expected error rescheduling an unscheduled event without always")
	}
	if err := q.Reschedule(ev, 50, true); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if err := q.Reschedule(ev, 80, true); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("queue holds %d events, want 1", q.Len())
	}

	if err := q.RunUntil(context.Background(), 60); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fired != 0 {
		t.Fatalf("stale schedule fired")
	}
	if err := q.RunUntil(context.Background(), 200); err != nil {
		t.Fatalf("run: %v", err)
	}
	if fired != 1 || firedAt != 80 {
		t.Fatalf("fired=%d at %d, want once at 80", fired, firedAt)
	}
	if ev.Scheduled() {
		t.Fatalf("event still marked scheduled after firing")
	}
}

func TestEventQueueRejectsPastAndDoubleSchedule(t *testing.T) {
	q := NewEventQueue()
	if err := q.Advance(context.Background(), 100); err != nil {
		t.Fatalf("advance: %v", err)
	}
	ev := NewEvent("x", nil)
	if err := q.Schedule(ev, 99); err == nil {
		t.Fatalf("expected error scheduling in the past")
	}
	if err := q.Schedule(ev, 100); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.Schedule(ev, 120); err == nil {
		t.Fatalf("expected error on double schedule")
	}
	if err := q.Deschedule(ev); err != nil {
		t.Fatalf("deschedule: %v", err)
	}
	if err := q.Deschedule(ev); err == nil {
		t.Fatalf("expected error descheduling twice")
	}
	if !q.Empty() {
		t.Fatalf("queue not empty")
	}
}

func TestEventQueueCallbackChaining(t *testing.T) {
	q := NewEventQueue()
	count := 0
	var ev *Event
	ev = NewEvent("periodic", func() {
		count++
		if count < 3 {
			if err := q.Schedule(ev, q.CurTick()+10); err != nil {
				t.Errorf("reschedule from callback: %v", err)
			}
		}
	})
	if err := q.Schedule(ev, 10); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.RunUntil(context.Background(), 1000); err != nil {
		t.Fatalf("run: %v", err)
	}
	if count != 3 {
		t.Fatalf("callback ran %d times, want 3", count)
	}
}

func TestEventQueueHonoursCancellation(t *testing.T) {
	q := NewEventQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := q.Schedule(NewEvent("x", nil), 5); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := q.RunUntil(ctx, 10); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestTickConversions(t *testing.T) {
	if got := TicksFromDuration(time.Nanosecond); got != 1000 {
		t.Fatalf("1ns = %d ticks, want 1000", got)
	}
	if got := GHz.Period(); got != 1000 {
		t.Fatalf("1GHz period = %d, want 1000", got)
	}
	if got := Tick(5000).Duration(); got != 5*time.Nanosecond {
		t.Fatalf("5000 ticks = %v, want 5ns", got)
	}
	if Frequency(0).Period() != 0 {
		t.Fatalf("zero frequency should have no period")
	}
}
