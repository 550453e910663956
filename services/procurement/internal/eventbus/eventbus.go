package eventbus

import (
	"sync"
	"time"
)

// Kind names a progress event on a workflow run's stream.
type Kind string

const (
	KindStageStarted     Kind = "stage_started"
	KindProgress         Kind = "progress"
	KindStageCompleted   Kind = "stage_completed"
	KindAwaitingApproval Kind = "awaiting_approval"
	KindComplete         Kind = "complete"
	KindError            Kind = "error"
)

// Terminal reports whether the event ends its run's stream.
func (k Kind) Terminal() bool { return k == KindComplete || k == KindError }

// Event is one entry on a run's progress stream. Consumers must tolerate
// unknown fields; Result carries stage- and outcome-specific payloads.
type Event struct {
	Kind      Kind           `json:"event_kind"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Stage     string         `json:"stage,omitempty"`
	Progress  float64        `json:"progress,omitempty"`
	Message   string         `json:"message,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
}

// Subscription is a live view onto one run's stream. Events is closed
// when the run publishes a terminal event or the subscription is
// cancelled.
type Subscription struct {
	Events <-chan Event

	once   sync.Once
	cancel func()
}

// Cancel detaches the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

const subscriberBuffer = 64

type topic struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// Bus fans progress events out to per-run subscribers. There is no
// replay: a subscriber only sees events published after it attached. A
// subscriber that falls more than subscriberBuffer events behind loses
// the overflow rather than blocking the publisher.
type Bus struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed map[string]struct{}
}

func New() *Bus {
	return &Bus{
		topics: make(map[string]*topic),
		closed: make(map[string]struct{}),
	}
}

// Publish delivers the event to every live subscriber of its run. A
// terminal event closes the run's stream; publishing after that is a
// no-op.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	if _, done := b.closed[ev.RunID]; done {
		b.mu.Unlock()
		return
	}
	t := b.topics[ev.RunID]
	if ev.Kind.Terminal() {
		b.closed[ev.RunID] = struct{}{}
		delete(b.topics, ev.RunID)
	}
	b.mu.Unlock()
	if t == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.Kind.Terminal() {
		t.closed = true
		for id, ch := range t.subs {
			close(ch)
			delete(t.subs, id)
		}
	}
}

// Subscribe attaches to a run's stream. Subscribing to a run whose stream
// already closed returns a subscription with an immediately closed
// channel.
func (b *Bus) Subscribe(runID string) *Subscription {
	b.mu.Lock()
	if _, done := b.closed[runID]; done {
		b.mu.Unlock()
		ch := make(chan Event)
		close(ch)
		return &Subscription{Events: ch, cancel: func() {}}
	}
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}
	b.mu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if t.closed {
		close(ch)
		return &Subscription{Events: ch, cancel: func() {}}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = ch
	return &Subscription{
		Events: ch,
		cancel: func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub)
			}
		},
	}
}
