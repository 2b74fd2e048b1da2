package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labctl/internal/driver"
	"labctl/internal/registry"
	"labctl/internal/sequence"
	"labctl/internal/session"
	"labctl/internal/store"
	"labctl/internal/trigger"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

type fakeConn struct {
	id  string
	out chan Event
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id, out: make(chan Event, 32)}
}

func (f *fakeConn) ID() string    { return f.id }
func (f *fakeConn) Send(ev Event) { f.out <- ev }

type routerFakeInstrument struct{ info driver.Info }

func (f *routerFakeInstrument) Info() driver.Info                         { return f.info }
func (f *routerFakeInstrument) Capabilities() driver.Capabilities         { return driver.Capabilities{} }
func (f *routerFakeInstrument) Probe(ctx context.Context) error           { return nil }
func (f *routerFakeInstrument) Connect(ctx context.Context) error         { return nil }
func (f *routerFakeInstrument) Disconnect(ctx context.Context) error      { return nil }
func (f *routerFakeInstrument) GetStatus(ctx context.Context) (driver.Status, error) {
	return driver.Status{}, nil
}
func (f *routerFakeInstrument) SetMode(ctx context.Context, mode string) error       { return nil }
func (f *routerFakeInstrument) SetOutput(ctx context.Context, enabled bool) error    { return nil }
func (f *routerFakeInstrument) SetValue(ctx context.Context, name string, v float64) error {
	return nil
}
func (f *routerFakeInstrument) GetValue(ctx context.Context, name string) (float64, error) {
	return 0, nil
}
func (f *routerFakeInstrument) UploadList(ctx context.Context, values []float64) error { return nil }
func (f *routerFakeInstrument) StartList(ctx context.Context) error                    { return nil }
func (f *routerFakeInstrument) StopList(ctx context.Context) error                     { return nil }

type routerFakeScope struct{ info driver.Info }

func (f *routerFakeScope) Info() driver.Info                     { return f.info }
func (f *routerFakeScope) Capabilities() driver.ScopeCapabilities { return driver.ScopeCapabilities{} }
func (f *routerFakeScope) Probe(ctx context.Context) error        { return nil }
func (f *routerFakeScope) Connect(ctx context.Context) error      { return nil }
func (f *routerFakeScope) Disconnect(ctx context.Context) error   { return nil }
func (f *routerFakeScope) GetStatus(ctx context.Context) (driver.ScopeStatus, error) {
	return driver.ScopeStatus{}, nil
}
func (f *routerFakeScope) Run(ctx context.Context) error          { return nil }
func (f *routerFakeScope) Stop(ctx context.Context) error         { return nil }
func (f *routerFakeScope) Single(ctx context.Context) error       { return nil }
func (f *routerFakeScope) AutoSetup(ctx context.Context) error    { return nil }
func (f *routerFakeScope) ForceTrigger(ctx context.Context) error { return nil }
func (f *routerFakeScope) GetWaveform(ctx context.Context, channel string, start, count *int) (driver.Waveform, error) {
	return driver.Waveform{Channel: channel, Points: []float64{0, 1, 0, -1}}, nil
}
func (f *routerFakeScope) GetScreenshot(ctx context.Context) ([]byte, error) { return []byte("png"), nil }
func (f *routerFakeScope) GetMeasurement(ctx context.Context, channel, measurementType string) (float64, error) {
	return 0, nil
}
func (f *routerFakeScope) SetChannel(ctx context.Context, channel string, cfg driver.ChannelConfig) error {
	return nil
}
func (f *routerFakeScope) SetTimebase(ctx context.Context, cfg driver.TimebaseConfig) error { return nil }
func (f *routerFakeScope) SetTrigger(ctx context.Context, cfg driver.TriggerConfig) error   { return nil }

func TestRouterScopeGetWaveformBroadcastsToSubscriber(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	scope := &routerFakeScope{info: driver.Info{ID: "scope-1", Kind: driver.KindOscilloscope}}
	mgr.Absorb([]registry.LiveDriver{{Info: scope.Info(), Scope: scope}})

	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	conn := newFakeConn("client-1")
	router.AddClient(conn)
	router.Handle(conn, Request{Type: "subscribe", DeviceID: "scope-1"})
	require.Equal(t, "subscribed", (<-conn.out).Type)

	router.Handle(conn, Request{Type: "scopeGetWaveform", DeviceID: "scope-1", Channel: "CHAN1"})

	select {
	case ev := <-conn.out:
		require.Equal(t, "scopeWaveform", ev.Type)
		assert.Equal(t, "CHAN1", ev.Channel)
	case <-time.After(time.Second):
		t.Fatal("no scopeWaveform event received")
	}
}

func TestRouterScopeSetChannelSendsNoReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	scope := &routerFakeScope{info: driver.Info{ID: "scope-1", Kind: driver.KindOscilloscope}}
	mgr.Absorb([]registry.LiveDriver{{Info: scope.Info(), Scope: scope}})

	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	conn := newFakeConn("client-1")
	router.Handle(conn, Request{
		Type: "scopeSetChannel", DeviceID: "scope-1", Channel: "CHAN1",
		ChannelConfig: &driver.ChannelConfig{Enabled: true, Scale: 2},
	})

	select {
	case ev := <-conn.out:
		t.Fatalf("unexpected event for a fire-and-forget scope config request: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRouterSequenceRunStartsAgainstDeviceSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	inst := &routerFakeInstrument{info: driver.Info{ID: "dev-1", Kind: driver.KindPSU}}
	mgr.Absorb([]registry.LiveDriver{{Info: inst.Info(), Instrument: inst}})

	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	def := sequence.Definition{
		Name:     "ramp",
		DeviceID: "dev-1",
		Field:    "voltage",
		Standard: &sequence.StandardWaveform{Type: sequence.WaveformRamp, Min: 0, Max: 1, PointsPerCycle: 4, IntervalMs: 10},
		Modifiers: sequence.DefaultModifiers(),
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)

	conn := newFakeConn("client-1")
	router.Handle(conn, Request{Type: "sequenceRun", SequenceDefinition: raw})

	select {
	case ev := <-conn.out:
		require.Equal(t, "sequenceStarted", ev.Type)
		assert.NotEmpty(t, ev.SequenceID)
	case <-time.After(time.Second):
		t.Fatal("no sequenceStarted event received")
	}
}

func TestRouterSequenceLibrarySaveListDelete(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	def := sequence.Definition{
		Name:      "ramp",
		DeviceID:  "dev-1",
		Field:     "voltage",
		Standard:  &sequence.StandardWaveform{Type: sequence.WaveformRamp, Min: 0, Max: 1, PointsPerCycle: 4, IntervalMs: 10},
		Modifiers: sequence.DefaultModifiers(),
	}
	raw, err := json.Marshal(def)
	require.NoError(t, err)

	conn := newFakeConn("client-1")
	router.Handle(conn, Request{Type: "sequenceLibrarySave", SequenceDefinition: raw})
	saved := <-conn.out
	require.Equal(t, "sequenceLibrarySaved", saved.Type)
	require.NotEmpty(t, saved.SequenceID)

	router.Handle(conn, Request{Type: "sequenceLibraryList"})
	listed := <-conn.out
	require.Equal(t, "sequenceLibraryList", listed.Type)
	require.Len(t, listed.LibraryEntries, 1)
	assert.Equal(t, saved.SequenceID, listed.LibraryEntries[0].ID)

	router.Handle(conn, Request{Type: "sequenceLibraryDelete", SequenceID: saved.SequenceID})
	deleted := <-conn.out
	require.Equal(t, "sequenceLibraryDeleted", deleted.Type)

	router.Handle(conn, Request{Type: "sequenceLibraryList"})
	listed2 := <-conn.out
	assert.Empty(t, listed2.LibraryEntries)
}

func TestRouterTriggerScriptRunFiresTimeCondition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	inst := &routerFakeInstrument{info: driver.Info{ID: "dev-1", Kind: driver.KindPSU}}
	mgr.Absorb([]registry.LiveDriver{{Info: inst.Info(), Instrument: inst}})

	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))
	observer := newFakeConn("observer")
	router.AddClient(observer) // broadcastAll needs a registered client to observe

	defs := []trigger.Definition{{
		Condition: trigger.Condition{Kind: trigger.ConditionTime, Seconds: 0},
		Action:    trigger.Action{Kind: trigger.ActionSetOutput, DeviceID: "dev-1", Enabled: true},
		Repeat:    trigger.RepeatOnce,
	}}
	raw, err := json.Marshal(defs)
	require.NoError(t, err)

	conn := newFakeConn("client-1")
	router.Handle(conn, Request{Type: "triggerScriptRun", TriggerScriptDefinition: raw})

	started := <-conn.out
	require.Equal(t, "triggerScriptStarted", started.Type)
	require.NotEmpty(t, started.TriggerID)

	select {
	case fired := <-observer.out:
		require.Equal(t, "triggerScriptFired", fired.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("time condition did not fire")
	}

	router.Handle(conn, Request{Type: "triggerScriptStop", TriggerScriptID: started.TriggerID})
	stopped := <-conn.out
	require.Equal(t, "triggerScriptStopped", stopped.Type)
}

func TestRouterGetDevicesReturnsDeviceList(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	inst := &routerFakeInstrument{info: driver.Info{ID: "dev-1", Kind: driver.KindPSU, Manufacturer: "ACME", Model: "P1"}}
	mgr.Absorb([]registry.LiveDriver{{Info: inst.Info(), Instrument: inst}})

	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	conn := newFakeConn("client-1")
	router.Handle(conn, Request{Type: "getDevices"})

	select {
	case ev := <-conn.out:
		require.Equal(t, "deviceList", ev.Type)
		require.Len(t, ev.Devices, 1)
		assert.Equal(t, "dev-1", ev.Devices[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no deviceList event received")
	}
}

func TestRouterUnknownDeviceReturnsDeviceNotFound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	conn := newFakeConn("client-1")
	router.Handle(conn, Request{Type: "setMode", DeviceID: "missing", Mode: "CV"})

	select {
	case ev := <-conn.out:
		assert.Equal(t, "error", ev.Type)
		assert.Equal(t, CodeDeviceNotFound, ev.Code)
	case <-time.After(time.Second):
		t.Fatal("no error event received")
	}
}

func TestRouterSubscribeStreamsInitialSnapshot(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr := session.NewManager(ctx)
	inst := &routerFakeInstrument{info: driver.Info{ID: "dev-1", Kind: driver.KindPSU}}
	mgr.Absorb([]registry.LiveDriver{{Info: inst.Info(), Instrument: inst}})

	scanner := registry.NewScanner(nil, nil, nil)
	router := NewRouter(ctx, mgr, scanner, sequence.NewManager(), newTestStore(t))

	conn := newFakeConn("client-1")
	router.AddClient(conn)
	router.Handle(conn, Request{Type: "subscribe", DeviceID: "dev-1"})

	select {
	case ev := <-conn.out:
		assert.Equal(t, "subscribed", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no subscribed event received")
	}
}
