// Package server implements the message router (spec §4/§6): it demuxes
// client request envelopes to the session/sequence/trigger managers and
// multiplexes server events back out per-client, with a default
// gorilla/websocket outer-transport binding.
package server

import (
	"encoding/json"

	"labctl/internal/driver"
)

// Request is the client-to-server tagged-union envelope (spec §6). Exactly
// the fields relevant to Type are populated; unused fields are omitted on
// the wire via `omitempty`.
type Request struct {
	Type string `json:"type"`

	DeviceID  string  `json:"deviceId,omitempty"`
	Mode      string  `json:"mode,omitempty"`
	Enabled   *bool   `json:"enabled,omitempty"`
	Name      string  `json:"name,omitempty"`
	Value     float64 `json:"value,omitempty"`
	Immediate bool    `json:"immediate,omitempty"`

	Channel         string   `json:"channel,omitempty"`
	Channels        []string `json:"channels,omitempty"`
	IntervalMs      int      `json:"intervalMs,omitempty"`
	Measurements    []string `json:"measurements,omitempty"`
	MeasurementType string   `json:"type_,omitempty"`

	ChannelConfig  *driver.ChannelConfig  `json:"channelConfig,omitempty"`
	TimebaseConfig *driver.TimebaseConfig `json:"timebaseConfig,omitempty"`
	TriggerConfig  *driver.TriggerConfig  `json:"triggerConfig,omitempty"`

	SequenceID         string          `json:"sequenceId,omitempty"`
	SequenceDefinition json.RawMessage `json:"sequenceDefinition,omitempty"`

	TriggerScriptID         string          `json:"triggerScriptId,omitempty"`
	TriggerScriptDefinition json.RawMessage `json:"triggerScriptDefinition,omitempty"`
}

// Event is the server-to-client tagged-union envelope (spec §6).
type Event struct {
	Type string `json:"type"`

	DeviceID string `json:"deviceId,omitempty"`

	Devices []DeviceSummary `json:"devices,omitempty"`
	State   json.RawMessage `json:"state,omitempty"`

	Update json.RawMessage `json:"update,omitempty"`

	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	Channel         string  `json:"channel,omitempty"`
	Waveform        json.RawMessage `json:"waveform,omitempty"`
	MeasurementType string  `json:"measurementType,omitempty"`
	MeasurementVal  float64 `json:"value2,omitempty"`
	Data            string  `json:"data,omitempty"` // base64 PNG

	SequenceID   string          `json:"sequenceId,omitempty"`
	SequenceInfo json.RawMessage `json:"sequenceInfo,omitempty"`

	TriggerID string `json:"triggerId,omitempty"`

	LibraryEntries []LibraryEntry `json:"libraryEntries,omitempty"`

	ConnectedDeviceCount int `json:"connectedDeviceCount,omitempty"`
	UptimeSeconds        int `json:"uptimeSeconds,omitempty"`
}

// DeviceSummary is one row of a deviceList event.
type DeviceSummary struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	Manufacturer     string `json:"manufacturer"`
	Model            string `json:"model"`
	ConnectionStatus string `json:"connectionStatus"`
}

// LibraryEntry is one saved item (a sequence or trigger-script definition)
// returned by a *LibraryList request. Value carries the definition verbatim
// as stored, so the client decodes it the same way it encoded it on save.
type LibraryEntry struct {
	ID    string          `json:"id"`
	Value json.RawMessage `json:"value"`
}

// Error codes, named per spec §7's taxonomy.
const (
	CodeDeviceNotFound         = "DEVICE_NOT_FOUND"
	CodeUnknownField           = "UNKNOWN_FIELD"
	CodeNotImplemented         = "NOT_IMPLEMENTED"
	CodeScriptValidationFailed = "SCRIPT_VALIDATION_FAILED"
	CodeNoActiveSequence       = "NO_ACTIVE_SEQUENCE"
	CodeNoActiveScript         = "NO_ACTIVE_SCRIPT"
	CodeNotFound               = "NOT_FOUND"
)
