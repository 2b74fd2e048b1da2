package session

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labctl/internal/driver"
)

type fakeScope struct {
	mu       sync.Mutex
	info     driver.Info
	caps     driver.ScopeCapabilities
	channels map[string]driver.ChannelConfig
	waveform driver.Waveform
}

func newFakeScope() *fakeScope {
	return &fakeScope{
		info: driver.Info{ID: "fake-scope-1", Kind: driver.KindOscilloscope, Manufacturer: "FAKE", Model: "SCOPE1"},
		caps: driver.ScopeCapabilities{Channels: 2, SupportedMeasurements: []string{"VPP", "FREQ", "VAVG"}},
		channels: map[string]driver.ChannelConfig{
			"CHAN1": {Enabled: true},
		},
		waveform: sineWaveform(1000, 1.0, 1e6),
	}
}

func sineWaveform(n int, amplitude, sampleRate float64) driver.Waveform {
	points := make([]float64, n)
	for i := range points {
		points[i] = amplitude * math.Sin(2*math.Pi*float64(i)/float64(n))
	}
	return driver.Waveform{Channel: "CHAN1", Points: points, XIncrement: 1 / sampleRate}
}

func (f *fakeScope) Info() driver.Info                     { return f.info }
func (f *fakeScope) Capabilities() driver.ScopeCapabilities { return f.caps }
func (f *fakeScope) Probe(ctx context.Context) error        { return nil }
func (f *fakeScope) Connect(ctx context.Context) error      { return nil }
func (f *fakeScope) Disconnect(ctx context.Context) error   { return nil }

func (f *fakeScope) GetStatus(ctx context.Context) (driver.ScopeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	channels := make(map[string]driver.ChannelConfig, len(f.channels))
	for k, v := range f.channels {
		channels[k] = v
	}
	return driver.ScopeStatus{Running: true, Channels: channels}, nil
}

func (f *fakeScope) Run(ctx context.Context) error          { return nil }
func (f *fakeScope) Stop(ctx context.Context) error         { return nil }
func (f *fakeScope) Single(ctx context.Context) error       { return nil }
func (f *fakeScope) AutoSetup(ctx context.Context) error    { return nil }
func (f *fakeScope) ForceTrigger(ctx context.Context) error { return nil }

func (f *fakeScope) GetWaveform(ctx context.Context, channel string, start, count *int) (driver.Waveform, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wf := f.waveform
	wf.Channel = channel
	return wf, nil
}

func (f *fakeScope) GetScreenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }

func (f *fakeScope) GetMeasurement(ctx context.Context, channel, measurementType string) (float64, error) {
	return 0, nil
}

func (f *fakeScope) SetChannel(ctx context.Context, channel string, cfg driver.ChannelConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[channel] = cfg
	return nil
}

func (f *fakeScope) SetTimebase(ctx context.Context, cfg driver.TimebaseConfig) error { return nil }
func (f *fakeScope) SetTrigger(ctx context.Context, cfg driver.TriggerConfig) error   { return nil }

func TestScopeSessionAutoStartsStreamingOnEnabledChannels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scope := newFakeScope()
	s := NewScopeSession(ctx, scope)

	events := s.Subscribe("client-1")
	requireEvent(t, events, time.Second) // initial snapshot

	var gotWaveform bool
	deadline := time.After(2 * time.Second)
	for !gotWaveform {
		select {
		case ev := <-events:
			if ev.Kind == EventScopeWaveform {
				gotWaveform = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for auto-started waveform stream")
		}
	}
}

func TestScopeSessionExplicitStartStreamingBumpsGeneration(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scope := newFakeScope()
	s := NewScopeSession(ctx, scope)
	s.Subscribe("client-1")

	before := s.Generation()
	s.StartStreaming([]string{"CHAN1"}, 200)
	require.Eventually(t, func() bool {
		return s.Generation() > before
	}, time.Second, 5*time.Millisecond)
}

func TestComputeMeasurementVPPAndFreq(t *testing.T) {
	wf := sineWaveform(1024, 2.0, 1e6)
	vpp, ok := computeMeasurement("VPP", wf.Points, wf.XIncrement)
	require.True(t, ok)
	assert.InDelta(t, 4.0, vpp, 0.05)

	freq, ok := computeMeasurement("FREQ", wf.Points, wf.XIncrement)
	require.True(t, ok)
	expected := 1e6 / 1024
	assert.InDelta(t, expected, freq, expected*0.2)
}

