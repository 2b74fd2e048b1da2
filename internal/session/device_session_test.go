package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labctl/internal/driver"
)

// fakeInstrument is a minimal in-memory driver.Instrument stand-in, the way
// the driver package's own tests stub a transport rather than a whole
// serial line.
type fakeInstrument struct {
	mu           sync.Mutex
	info         driver.Info
	caps         driver.Capabilities
	mode         string
	output       bool
	setpoints    map[string]float64
	measurements map[string]driver.Measurement
	setValueLog  []float64
	statusErr    error
}

func newFakeInstrument() *fakeInstrument {
	return &fakeInstrument{
		info: driver.Info{ID: "fake-psu-1", Kind: driver.KindPSU, Manufacturer: "FAKE", Model: "PSU1"},
		caps: driver.Capabilities{
			Measurements: []driver.ValueDescriptor{{Name: "voltage"}, {Name: "current"}},
		},
		mode:         "CV",
		setpoints:    map[string]float64{"voltage": 1.0},
		measurements: map[string]driver.Measurement{"voltage": {Value: 1.0, Valid: true}},
	}
}

func (f *fakeInstrument) Info() driver.Info               { return f.info }
func (f *fakeInstrument) Capabilities() driver.Capabilities { return f.caps }
func (f *fakeInstrument) Probe(ctx context.Context) error   { return nil }
func (f *fakeInstrument) Connect(ctx context.Context) error { return nil }
func (f *fakeInstrument) Disconnect(ctx context.Context) error { return nil }

func (f *fakeInstrument) GetStatus(ctx context.Context) (driver.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return driver.Status{}, f.statusErr
	}
	setpoints := make(map[string]float64, len(f.setpoints))
	for k, v := range f.setpoints {
		setpoints[k] = v
	}
	measurements := make(map[string]driver.Measurement, len(f.measurements))
	for k, v := range f.measurements {
		measurements[k] = v
	}
	return driver.Status{Mode: f.mode, OutputEnabled: f.output, Setpoints: setpoints, Measurements: measurements}, nil
}

func (f *fakeInstrument) SetMode(ctx context.Context, mode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mode = mode
	return nil
}

func (f *fakeInstrument) SetOutput(ctx context.Context, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.output = enabled
	return nil
}

func (f *fakeInstrument) SetValue(ctx context.Context, name string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setpoints[name] = value
	f.setValueLog = append(f.setValueLog, value)
	return nil
}

func (f *fakeInstrument) GetValue(ctx context.Context, name string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setpoints[name], nil
}

func (f *fakeInstrument) UploadList(ctx context.Context, values []float64) error { return nil }
func (f *fakeInstrument) StartList(ctx context.Context) error                   { return nil }
func (f *fakeInstrument) StopList(ctx context.Context) error                    { return nil }

func (f *fakeInstrument) setValueLogSnapshot() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.setValueLog...)
}

func TestDeviceSessionSubscribeDeliversSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := newFakeInstrument()
	s := NewDeviceSession(ctx, inst)
	s.PollIntervalMs = 10000 // keep the poller from racing the assertion below

	events := s.Subscribe("client-1")
	ev := requireEvent(t, events, time.Second)
	require.Equal(t, EventSubscribed, ev.Kind)
	require.NotNil(t, ev.Snapshot)
	assert.Equal(t, "fake-psu-1", ev.Snapshot.Info.ID)
}

func TestDeviceSessionOptimisticSetOutputBroadcastsBeforeDriverCompletes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := newFakeInstrument()
	s := NewDeviceSession(ctx, inst)
	s.PollIntervalMs = 10000

	events := s.Subscribe("client-1")
	requireEvent(t, events, time.Second) // drain the initial snapshot

	s.SetOutput(true)
	ev := requireEvent(t, events, time.Second)
	assert.Equal(t, EventField, ev.Kind)
	assert.Equal(t, "outputEnabled", ev.Field)
	assert.Equal(t, true, ev.FieldValue)
}

func TestDeviceSessionDebouncedSetValueCoalescesToLastValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := newFakeInstrument()
	s := NewDeviceSession(ctx, inst)
	s.PollIntervalMs = 10000
	s.DebounceMs = 20

	s.SetValue("voltage", 2.0, false)
	s.SetValue("voltage", 3.0, false)
	s.SetValue("voltage", 4.0, false)

	require.Eventually(t, func() bool {
		log := inst.setValueLogSnapshot()
		return len(log) == 1 && log[0] == 4.0
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceSessionImmediateSetValueDrainsPending(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := newFakeInstrument()
	s := NewDeviceSession(ctx, inst)
	s.PollIntervalMs = 10000
	s.DebounceMs = 500

	s.SetValue("voltage", 2.0, false)
	s.SetValue("voltage", 5.0, true)

	require.Eventually(t, func() bool {
		log := inst.setValueLogSnapshot()
		return len(log) == 1 && log[0] == 5.0
	}, time.Second, 5*time.Millisecond)
}

func TestDeviceSessionDisconnectsAfterMaxConsecutiveErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inst := newFakeInstrument()
	inst.statusErr = assertIOErr{}
	s := NewDeviceSession(ctx, inst)
	s.PollIntervalMs = 5
	s.MaxConsecutiveErrors = 3

	events := s.Subscribe("client-1")
	requireEvent(t, events, time.Second) // initial snapshot

	require.Eventually(t, func() bool {
		return s.Status() == StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

type assertIOErr struct{}

func (assertIOErr) Error() string { return "io error" }

func requireEvent(t *testing.T, ch <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}
