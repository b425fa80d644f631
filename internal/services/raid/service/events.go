package service

import "sync"

// EventType names a pushed feed frame.
type EventType string

const (
	// EventState announces a lifecycle state change. It is the only channel
	// the presentation layer may read session state from.
	EventState EventType = "raid.state"
	// EventProgress announces a damage contribution.
	EventProgress EventType = "raid.progress"
	// EventMastery announces a recomputed mastery level.
	EventMastery EventType = "raid.mastery"
)

// Event is one pushed feed entry.
type Event struct {
	Type      EventType
	SessionID string
	Payload   any
}

// StatePayload carries a lifecycle state change.
type StatePayload struct {
	State       string `json:"state"`
	Outcome     string `json:"outcome,omitempty"`
	RemainingMs int64  `json:"remaining_ms,omitempty"`
}

// ProgressPayload carries one damage contribution.
type ProgressPayload struct {
	LearnerID string `json:"learner_id"`
	Damage    int    `json:"damage"`
	Progress  int    `json:"progress"`
	Capacity  int    `json:"capacity"`
}

// MasteryPayload carries one recomputed mastery level.
type MasteryPayload struct {
	LearnerID string `json:"learner_id"`
	FactKey   string `json:"fact_key"`
	Level     int    `json:"level"`
}

const subscriberBuffer = 64

type eventFeed struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
}

func newEventFeed() *eventFeed {
	return &eventFeed{subscribers: make(map[chan Event]struct{})}
}

func (f *eventFeed) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if _, ok := f.subscribers[ch]; ok {
			delete(f.subscribers, ch)
			close(ch)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers best-effort: a subscriber that stopped draining loses
// events rather than blocking the session lock.
func (f *eventFeed) publish(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}
