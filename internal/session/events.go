package session

import (
	"encoding/json"
	"time"

	"labctl/internal/driver"
)

// ConnectionStatus mirrors spec §4.4's DeviceSession state machine.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusError        ConnectionStatus = "error"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// MeasurementValue is either a number or the explicit not-a-measurement
// outcome; it serializes to `null` on the wire for the invalid case.
type MeasurementValue struct {
	Value float64
	Valid bool
}

// MarshalJSON encodes a valid value as a bare number and an invalid one as null.
func (m MeasurementValue) MarshalJSON() ([]byte, error) {
	if !m.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(m.Value)
}

// MeasurementUpdate is the payload of a "measurement" event (spec §6).
type MeasurementUpdate struct {
	Timestamp    time.Time
	Measurements map[string]MeasurementValue
}

// Snapshot is the full live state of a PSU/load session, sent once on
// subscribe (spec §4.4: "History is broadcast only inside the initial
// subscribed snapshot").
type Snapshot struct {
	Info              driver.Info
	Capabilities      driver.Capabilities
	ConnectionStatus  ConnectionStatus
	ConsecutiveErrors int
	Mode              string
	OutputEnabled     bool
	Setpoints         map[string]float64
	Measurements      map[string]MeasurementValue
	HistoryTimestamps []time.Time
	HistorySeries     map[string][]float64
	ListRunning       bool
	LastUpdated       time.Time
}

// ScopeSnapshot is the full live state of an oscilloscope session.
type ScopeSnapshot struct {
	Info             driver.Info
	Capabilities     driver.ScopeCapabilities
	ConnectionStatus ConnectionStatus
	Status           driver.ScopeStatus
}

// EventKind discriminates the union of events a session can publish.
type EventKind string

const (
	EventSubscribed   EventKind = "subscribed"
	EventUnsubscribed EventKind = "unsubscribed"
	EventField        EventKind = "field"
	EventMeasurement  EventKind = "measurement"
	EventScopeWaveform EventKind = "scopeWaveform"
	EventScopeMeasurement EventKind = "scopeMeasurement"
	EventScopeScreenshot EventKind = "scopeScreenshot"
	EventError        EventKind = "error"
)

// Event is the tagged union published to a session's subscribers. Exactly
// one of the payload fields is populated, per Kind.
type Event struct {
	Kind     EventKind
	DeviceID string

	Snapshot      *Snapshot
	ScopeSnapshot *ScopeSnapshot
	Field         string
	FieldValue    interface{}
	Measurement   *MeasurementUpdate
	Waveform      *driver.Waveform
	ScopeMeasurement *ScopeMeasurementEvent
	Screenshot    []byte
	ErrorCode     string
	ErrorMessage  string
}

// ScopeMeasurementEvent is the payload of a one-shot scope measurement query.
type ScopeMeasurementEvent struct {
	Channel         string
	MeasurementType string
	Value           float64
}

// subscriberBufferSize bounds each subscriber's outbound queue; publication
// to a slow client drops the newest event for that client rather than
// blocking the session (spec §5).
const subscriberBufferSize = 64

// subscriber is one client's outbound event queue.
type subscriber struct {
	id string
	ch chan Event
}

func newSubscriber(id string) *subscriber {
	return &subscriber{id: id, ch: make(chan Event, subscriberBufferSize)}
}

// deliver sends ev to the subscriber, dropping it if the buffer is full
// instead of blocking the publishing goroutine (spec §5 "drop-newest").
func (s *subscriber) deliver(ev Event) {
	select {
	case s.ch <- ev:
	default:
	}
}
