// Package driver defines the uniform per-model instrument contract (spec
// §4.3): probing, connecting, sampling status, and issuing setpoints/mode
// changes, built on top of a transport.Transport and the scpi codec.
package driver

import (
	"context"
	"fmt"
)

// Kind is the instrument family.
type Kind string

const (
	KindPSU          Kind = "psu"
	KindLoad         Kind = "load"
	KindOscilloscope Kind = "oscilloscope"
)

// Info is the immutable instrument identity (spec §3). Id is derived
// deterministically from the lowercased, hyphen-joined
// manufacturer-model-serial once a probe succeeds.
type Info struct {
	ID           string
	Kind         Kind
	Manufacturer string
	Model        string
	Serial       string
}

// DeriveID computes the canonical device id from *IDN?-parsed fields.
func DeriveID(manufacturer, model, serial string) string {
	return fmt.Sprintf("%s-%s-%s", lower(manufacturer), lower(model), lower(serial))
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// ValueDescriptor describes one settable or measurable numeric quantity.
type ValueDescriptor struct {
	Name             string
	Unit             string
	Decimals         int
	Min, Max         *float64
	HasMin, HasMax   bool
	ApplicableModes  []string // empty means "all modes"
}

// Capabilities is the declared shape of a PSU/load instrument (spec §3).
type Capabilities struct {
	DeviceClass    string
	ListMode       bool
	RemoteSensing  bool
	Modes          []string
	ModesSettable  bool
	Outputs        []ValueDescriptor
	Measurements   []ValueDescriptor
}

// ScopeCapabilities is the declared shape of an oscilloscope.
type ScopeCapabilities struct {
	Channels              int
	BandwidthHz           float64
	MaxSampleRateHz       float64
	MaxMemoryDepth        int
	SupportedMeasurements []string
	HasAWG                bool
}

// ProbeErrorReason classifies why Probe failed (spec §4.3).
type ProbeErrorReason string

const (
	ProbeTimeout      ProbeErrorReason = "timeout"
	ProbeWrongDevice  ProbeErrorReason = "wrong_device"
	ProbeMalformedIdn ProbeErrorReason = "malformed_idn"
)

// ProbeError is returned by Probe when the attached instrument does not
// match the driver's expectations.
type ProbeError struct {
	Reason ProbeErrorReason
	Detail string
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("probe failed: %s: %s", e.Reason, e.Detail)
}

// Status is a single logical sample of a PSU/load instrument's state,
// tolerant of per-field parse failure (spec §4.3: get_status never fails
// wholesale on one bad field).
type Status struct {
	Mode            string
	OutputEnabled   bool
	Setpoints       map[string]float64
	Measurements    map[string]Measurement
	ListRunning     bool
}

// Measurement is either a valid reading or the explicit "not a measurement"
// outcome for a sentinel-invalid SCPI response (spec §4.1).
type Measurement struct {
	Value float64
	Valid bool
}

// Instrument is the uniform PSU/load contract (spec §4.3).
type Instrument interface {
	Info() Info
	Capabilities() Capabilities
	Probe(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetStatus(ctx context.Context) (Status, error)
	SetMode(ctx context.Context, mode string) error
	SetOutput(ctx context.Context, enabled bool) error
	SetValue(ctx context.Context, name string, value float64) error
	GetValue(ctx context.Context, name string) (float64, error)
	UploadList(ctx context.Context, values []float64) error
	StartList(ctx context.Context) error
	StopList(ctx context.Context) error
}

// ChannelConfig is the live configuration of one scope channel (spec §3).
type ChannelConfig struct {
	Enabled  bool
	Scale    float64
	Offset   float64
	Coupling string // AC, DC, GND
	Probe    float64
	BWLimit  bool
}

// TimebaseConfig is the scope's horizontal configuration.
type TimebaseConfig struct {
	Scale  float64
	Offset float64
	Mode   string
}

// TriggerConfig is the scope's trigger configuration.
type TriggerConfig struct {
	Source   string
	Mode     string
	Coupling string
	Level    float64
	Edge     string // rising, falling, either
	Sweep    string // auto, normal, single
}

// ScopeStatus is the live status of an oscilloscope (spec §3).
type ScopeStatus struct {
	Running        bool
	TriggerStatus  string // stopped, wait, auto, triggered
	SampleRate     float64
	MemoryDepth    int
	Channels       map[string]ChannelConfig
	Timebase       TimebaseConfig
	Trigger        TriggerConfig
}

// Waveform is one channel's sweep of samples (spec §3). Points are
// post-scaling physical values (volts).
type Waveform struct {
	Channel    string
	Points     []float64
	XIncrement float64
	XOrigin    float64
	YIncrement float64
	YOrigin    float64
	YReference float64
}

// ScopeInstrument is the oscilloscope contract (spec §4.3).
type ScopeInstrument interface {
	Info() Info
	Capabilities() ScopeCapabilities
	Probe(ctx context.Context) error
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	GetStatus(ctx context.Context) (ScopeStatus, error)
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
	Single(ctx context.Context) error
	AutoSetup(ctx context.Context) error
	ForceTrigger(ctx context.Context) error
	GetWaveform(ctx context.Context, channel string, start, count *int) (Waveform, error)
	GetScreenshot(ctx context.Context) ([]byte, error)
	GetMeasurement(ctx context.Context, channel, measurementType string) (float64, error)
	SetChannel(ctx context.Context, channel string, cfg ChannelConfig) error
	SetTimebase(ctx context.Context, cfg TimebaseConfig) error
	SetTrigger(ctx context.Context, cfg TriggerConfig) error
}

// AutoSetupSettleDelayMs is the minimum wait, in milliseconds, after AutoSetup before the next
// status poll, per spec §4.3.
const AutoSetupSettleDelayMs = 1500
