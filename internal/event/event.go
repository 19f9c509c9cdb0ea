// Package event defines the record types emitted by the scheduling
// pipeline and the sinks that consume them. Emission is the only output
// channel for side effects: the reporting layer, metrics and tests all
// observe the pipeline through these records.
package event

import (
	"sync"
	"time"

	"AirShare/internal/registry"
)

// Event is implemented by every emitted record type.
type Event interface {
	// Kind returns the record type name.
	Kind() string
}

// ReportRecorded is emitted when a channel report lands in the ledger.
type ReportRecorded struct {
	User      registry.ID
	Operator  registry.ID
	Rate      uint64
	Timestamp time.Time
}

// Kind returns the record type name.
func (ReportRecorded) Kind() string { return "ReportRecorded" }

// RoundScheduled is emitted once per round after the selection phase.
// SelectedUsers is parallel to Operators; an empty ID means no selection.
type RoundScheduled struct {
	Round         uint64
	Operators     []registry.ID
	SelectedUsers []registry.ID
}

// Kind returns the record type name.
func (RoundScheduled) Kind() string { return "RoundScheduled" }

// ServiceNotified is emitted for each pair served in the settlement phase.
type ServiceNotified struct {
	User      registry.ID
	Operator  registry.ID
	Duration  uint64
	Bandwidth uint64
}

// Kind returns the record type name.
func (ServiceNotified) Kind() string { return "ServiceNotified" }

// PaymentProcessed is emitted after the cost of a served pair is computed.
type PaymentProcessed struct {
	User     registry.ID
	Operator registry.ID
	Cost     uint64
}

// Kind returns the record type name.
func (PaymentProcessed) Kind() string { return "PaymentProcessed" }

// Sink consumes emitted events.
type Sink interface {
	Emit(e Event)
}

// Recorder is a Sink that collects events in order of emission.
// Safe for concurrent emitters.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Emit appends the event.
func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
}

// Events returns a copy of all recorded events in emission order.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]Event, len(r.events))
	copy(result, r.events)

	return result
}

// ByKind returns recorded events of the given kind, in emission order.
func (r *Recorder) ByKind(kind string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []Event

	for _, e := range r.events {
		if e.Kind() == kind {
			result = append(result, e)
		}
	}

	return result
}

// Reset discards all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = nil
}

// Multi fans out each event to every sink in order.
type Multi []Sink

// Emit forwards the event to every sink.
func (m Multi) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

// Discard is a Sink that drops every event.
type Discard struct{}

// Emit drops the event.
func (Discard) Emit(Event) {}
