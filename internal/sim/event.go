package sim

import (
	"context"
	"fmt"

	"github.com/google/btree"
)

// Event is a callback bound to a point in simulated time. An Event is owned
// by whoever created it and can be scheduled on at most one queue at a time.
type Event struct {
	name string
	fn   func()

	when      Tick
	seq       uint64
	scheduled bool
}

// NewEvent builds an unscheduled event that runs fn when serviced.
func NewEvent(name string, fn func()) *Event {
	return &Event{name: name, fn: fn}
}

// Name returns the label given to the event.
func (e *Event) Name() string { return e.name }

// Scheduled reports whether the event is waiting on a queue.
func (e *Event) Scheduled() bool { return e.scheduled }

// When returns the tick the event is scheduled for. It is only meaningful
// while Scheduled reports true.
func (e *Event) When() Tick { return e.when }

func eventLess(a, b *Event) bool {
	if a.when != b.when {
		return a.when < b.when
	}
	return a.seq < b.seq
}

// EventQueue orders events by tick, breaking ties in scheduling order.
// It is not safe for concurrent use; the simulation loop owns it.
type EventQueue struct {
	now   Tick
	seq   uint64
	items *btree.BTreeG[*Event]
}

// NewEventQueue returns an empty queue starting at tick zero.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		items: btree.NewG[*Event](8, eventLess),
	}
}

// CurTick returns the current simulated time.
func (q *EventQueue) CurTick() Tick { return q.now }

// Len returns the number of scheduled events.
func (q *EventQueue) Len() int { return q.items.Len() }

// Empty reports whether no event is scheduled.
func (q *EventQueue) Empty() bool { return q.items.Len() == 0 }

// NextTick returns the tick of the earliest scheduled event.
func (q *EventQueue) NextTick() (Tick, bool) {
	ev, ok := q.items.Min()
	if !ok {
		return 0, false
	}
	return ev.when, true
}

// Schedule queues ev to run at when.
func (q *EventQueue) Schedule(ev *Event, when Tick) error {
	if ev == nil {
		return fmt.Errorf("sim: schedule nil event")
	}
	if ev.scheduled {
		return fmt.Errorf("sim: event %q already scheduled for %s", ev.name, ev.when)
	}
	if when < q.now {
		return fmt.Errorf("sim: event %q scheduled in the past (%s < %s)", ev.name, when, q.now)
	}
	q.insert(ev, when)
	return nil
}

// Deschedule removes ev from the queue.
func (q *EventQueue) Deschedule(ev *Event) error {
	if ev == nil || !ev.scheduled {
		return fmt.Errorf("sim: deschedule of unscheduled event")
	}
	q.remove(ev)
	return nil
}

// Reschedule moves ev to when, replacing any pending schedule. When always is
// false an unscheduled event is an error; when true it is simply scheduled.
func (q *EventQueue) Reschedule(ev *Event, when Tick, always bool) error {
	if ev == nil {
		return fmt.Errorf("sim: reschedule nil event")
	}
	if when < q.now {
		return fmt.Errorf("sim: event %q rescheduled in the past (%s < %s)", ev.name, when, q.now)
	}
	if ev.scheduled {
		q.remove(ev)
	} else if !always {
		return fmt.Errorf("sim: reschedule of unscheduled event %q", ev.name)
	}
	q.insert(ev, when)
	return nil
}

// ServiceOne advances time to the earliest event and runs it.
func (q *EventQueue) ServiceOne() bool {
	ev, ok := q.items.DeleteMin()
	if !ok {
		return false
	}
	ev.scheduled = false
	if ev.when > q.now {
		q.now = ev.when
	}
	if ev.fn != nil {
		ev.fn()
	}
	return true
}

// RunUntil services every event scheduled at or before limit, in order, and
// leaves the current tick at limit. Events scheduled by callbacks are
// serviced as well when they fall inside the window.
func (q *EventQueue) RunUntil(ctx context.Context, limit Tick) error {
	if limit < q.now {
		return fmt.Errorf("sim: run limit %s is before current tick %s", limit, q.now)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, ok := q.NextTick()
		if !ok || next > limit {
			break
		}
		q.ServiceOne()
	}
	q.now = limit
	return nil
}

// Advance is RunUntil relative to the current tick.
func (q *EventQueue) Advance(ctx context.Context, delta Tick) error {
	if delta > MaxTick-q.now {
		return fmt.Errorf("sim: advance by %s overflows", delta)
	}
	return q.RunUntil(ctx, q.now+delta)
}

func (q *EventQueue) insert(ev *Event, when Tick) {
	q.seq++
	ev.when = when
	ev.seq = q.seq
	ev.scheduled = true
	q.items.ReplaceOrInsert(ev)
}

func (q *EventQueue) remove(ev *Event) {
	q.items.Delete(ev)
	ev.scheduled = false
}
