package queue

import (
	"sync"
)

// subscriberBuffer is the per-subscriber backlog; progress events beyond it
// are dropped for that subscriber.
const subscriberBuffer = 16

// Event represents a job event
type Event struct {
	JobID    string    `json:"job_id"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
}

func eventFor(job *Job) Event {
	return Event{
		JobID:    job.ID,
		Status:   job.Status,
		Progress: job.Progress,
		Message:  job.Message,
	}
}

// EventHub delivers job events to subscribers. A terminal event closes every
// subscription of its job, and is replayed to anyone who subscribes later,
// so a subscriber can always range until the channel closes.
type EventHub struct {
	mu       sync.Mutex
	subs     map[string][]chan Event
	finished map[string]Event
	closed   bool
}

// NewEventHub creates a new event hub
func NewEventHub() *EventHub {
	return &EventHub{
		subs:     make(map[string][]chan Event),
		finished: make(map[string]Event),
	}
}

// Subscribe returns a channel of events for jobID
func (h *EventHub) Subscribe(jobID string) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	if last, ok := h.finished[jobID]; ok {
		ch <- last
		close(ch)
		return ch
	}
	if h.closed {
		close(ch)
		return ch
	}
	h.subs[jobID] = append(h.subs[jobID], ch)
	return ch
}

// Unsubscribe drops a subscription that is still open
func (h *EventHub) Unsubscribe(jobID string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[jobID]
	for i, sub := range subs {
		if sub == ch {
			close(sub)
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, jobID)
	} else {
		h.subs[jobID] = subs
	}
}

// Emit delivers event without blocking on slow subscribers
func (h *EventHub) Emit(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	terminal := event.Status.Terminal()
	for _, ch := range h.subs[event.JobID] {
		if terminal {
			// make room so the final event is never the one dropped
			select {
			case <-ch:
			default:
			}
		}
		select {
		case ch <- event:
		default:
		}
		if terminal {
			close(ch)
		}
	}

	if terminal {
		delete(h.subs, event.JobID)
		h.finished[event.JobID] = event
	}
}

// Forget drops the replayed terminal event of a purged job
func (h *EventHub) Forget(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.finished, jobID)
}

// Close ends every subscription; later subscriptions are closed at once
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for jobID, subs := range h.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(h.subs, jobID)
	}
}
