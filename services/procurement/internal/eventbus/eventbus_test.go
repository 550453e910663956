package eventbus

import (
	"testing"
	"time"
)

func collect(t *testing.T, sub *Subscription, want int) []Event {
	t.Helper()
	var events []Event
	deadline := time.After(2 * time.Second)
	for len(events) < want {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for events, got %d of %d", len(events), want)
		}
	}
	return events
}

func TestPublishPreservesOrder(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	defer sub.Cancel()

	b.Publish(Event{Kind: KindStageStarted, RunID: "run-1", Stage: "forecast"})
	b.Publish(Event{Kind: KindProgress, RunID: "run-1", Progress: 0.5})
	b.Publish(Event{Kind: KindStageCompleted, RunID: "run-1", Stage: "forecast"})

	events := collect(t, sub, 3)
	if events[0].Kind != KindStageStarted || events[1].Kind != KindProgress || events[2].Kind != KindStageCompleted {
		t.Fatalf("events out of order: %+v", events)
	}
	if events[0].Timestamp.IsZero() {
		t.Fatalf("publish must stamp events")
	}
}

func TestTerminalEventClosesStream(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")

	b.Publish(Event{Kind: KindComplete, RunID: "run-1"})

	events := collect(t, sub, 1)
	if events[0].Kind != KindComplete {
		t.Fatalf("expected complete event, got %+v", events[0])
	}
	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatalf("expected closed channel after terminal event")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after terminal event")
	}

	// Publishing after the terminal event is a no-op.
	b.Publish(Event{Kind: KindProgress, RunID: "run-1"})
}

func TestNoReplayForLateSubscribers(t *testing.T) {
	b := New()
	early := b.Subscribe("run-1")
	defer early.Cancel()
	b.Publish(Event{Kind: KindStageStarted, RunID: "run-1"})

	late := b.Subscribe("run-1")
	defer late.Cancel()
	b.Publish(Event{Kind: KindProgress, RunID: "run-1"})

	lateEvents := collect(t, late, 1)
	if lateEvents[0].Kind != KindProgress {
		t.Fatalf("late subscriber must only see events after attach, got %+v", lateEvents)
	}
	earlyEvents := collect(t, early, 2)
	if len(earlyEvents) != 2 {
		t.Fatalf("early subscriber missed events: %+v", earlyEvents)
	}
}

func TestSubscribeAfterTerminalReturnsClosed(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	b.Publish(Event{Kind: KindError, RunID: "run-1", Message: "boom"})
	collect(t, sub, 1)

	after := b.Subscribe("run-1")
	select {
	case _, ok := <-after.Events:
		if ok {
			t.Fatalf("expected immediately closed channel")
		}
	case <-time.After(time.Second):
		t.Fatalf("expected immediately closed channel")
	}
}

func TestRunStreamsAreIndependent(t *testing.T) {
	b := New()
	sub1 := b.Subscribe("run-1")
	defer sub1.Cancel()
	sub2 := b.Subscribe("run-2")
	defer sub2.Cancel()

	b.Publish(Event{Kind: KindProgress, RunID: "run-1"})
	events := collect(t, sub1, 1)
	if events[0].RunID != "run-1" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	select {
	case ev := <-sub2.Events:
		t.Fatalf("run-2 subscriber received run-1 event: %+v", ev)
	default:
	}
}

func TestCancelDetachesSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-1")
	sub.Cancel()
	sub.Cancel()

	select {
	case _, ok := <-sub.Events:
		if ok {
			t.Fatalf("expected closed channel after cancel")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after cancel")
	}
	b.Publish(Event{Kind: KindProgress, RunID: "run-1"})
}
