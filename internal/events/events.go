// Package events defines the typed events published by this system's
// subsystems (printer liaison, fetch pipeline, NFC arbiter, spool
// store) to any subscriber, following spec.md §9's "polymorphic
// observers" redesign: instead of dynamic dispatch over a capability
// interface, each subsystem publishes onto a shared channel of Event
// values and consumers subscribe to the ones they care about.
package events

import "time"

// Kind identifies the concrete payload carried by an Event.
type Kind string

const (
	KindPrinterConnectivity Kind = "printer_connectivity"
	KindJobStarted          Kind = "job_started"
	KindJobCanceled         Kind = "job_canceled"
	KindFilamentUsage       Kind = "filament_usage"
	KindPN532Status         Kind = "pn532_status"
	KindTagInStore          Kind = "tag_in_store"
	KindNDEFRead            Kind = "ndef_read"
	KindWriteSuccess        Kind = "write_success"
	KindTagFailure          Kind = "tag_failure"
	KindEmulatedTagRead     Kind = "emulated_tag_read"
)

// Event is a single observable occurrence, timestamped at publish time.
type Event struct {
	Kind    Kind
	At      time.Time
	Printer string // empty when not printer-scoped
	Payload any
}

// PrinterConnectivity reports a printer's MQTT liaison connection state.
type PrinterConnectivity struct {
	Connected bool
}

// JobStarted reports that the fetch pipeline began streaming a print job.
type JobStarted struct {
	JobNumber uint64
	URL       string
}

// JobCanceled reports that a broadcast cancel(job_number) aborted a fetch.
type JobCanceled struct {
	JobNumber uint64
}

// FilamentUsageSnapshot is the periodic (~60s) or final usage surface
// from the fetch pipeline's embedded gcodecalc run (spec.md §4.3).
type FilamentUsageSnapshot struct {
	JobNumber uint64
	Complete  bool
	TotalGrams map[int]float64
}

// PN532Status reports frontend initialization outcome.
type PN532Status struct {
	Ready bool
}

// TagInStore reports that a scanned tag's UID is already a known spool.
type TagInStore struct {
	UID string
}

// NDEFRead carries a raw or partially decoded NDEF message read off a tag.
type NDEFRead struct {
	UID     string
	Message []byte
}

// WriteSuccess reports a completed tag write.
type WriteSuccess struct {
	Descriptor string
	Cookie     string
}

// TagFailure reports a user-visible tag operation failure.
type TagFailure struct {
	Reason string
}

// EmulatedTagRead reports a phone completing a read of an emulated tag.
type EmulatedTagRead struct {
	UID string
}

// Bus is a fan-out publisher: Publish never blocks the caller beyond
// handing the event to each subscriber's buffered channel; a full
// subscriber channel drops the event rather than stalling the publisher.
type Bus struct {
	subs []chan Event
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe returns a channel that receives every future published
// Event, buffered so a slow consumer does not block publishers.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.subs = append(b.subs, ch)
	return ch
}

// Publish sends ev to every subscriber, dropping it for any subscriber
// whose buffer is currently full.
func (b *Bus) Publish(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
