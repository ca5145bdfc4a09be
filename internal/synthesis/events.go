package synthesis

import (
	"sync"
	"time"

	"skillforge/internal/logging"
)

// Phase names for synthesis progress events.
type Phase string

const (
	PhaseSpec           Phase = "spec"
	PhaseTests          Phase = "tests"
	PhaseImplementation Phase = "implementation"
	PhaseVerification   Phase = "verification"
	PhaseRegistration   Phase = "registration"
)

// Status of a phase event.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Event is one synthesis progress notification.
type Event struct {
	Capability string
	Phase      Phase
	Status     Status
	Detail     string
	At         time.Time
}

// EventSink receives synthesis progress. Implementations must be safe
// for concurrent use; the engine emits from whatever goroutine runs
// the synthesis.
type EventSink interface {
	Emit(Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Emit(Event) {}

// LogSink forwards events to the synthesis log category.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	log := logging.Get(logging.CategorySynthesis)
	switch e.Status {
	case StatusFailed:
		log.Warn("%s: %s %s: %s", e.Capability, e.Phase, e.Status, e.Detail)
	default:
		log.Info("%s: %s %s", e.Capability, e.Phase, e.Status)
	}
}

// CollectorSink records events in order. Test helper.
type CollectorSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *CollectorSink) Emit(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// Events returns a copy of everything emitted so far.
func (c *CollectorSink) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}
