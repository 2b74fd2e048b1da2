package session

import (
	"context"
	"log"
	"sync"
	"time"

	"labctl/internal/driver"
)

const (
	scopeStatusPollMs    = 500
	scopeStreamFloorOneMs = 200
	scopeStreamFloorManyMs = 350
	scopeMaxConsecutiveErrors = 3
)

var defaultStreamMeasurements = []string{"VPP", "FREQ", "VAVG"}

type scopeCmdKind int

const (
	scopeCmdSubscribe scopeCmdKind = iota
	scopeCmdUnsubscribe
	scopeCmdStartStreaming
	scopeCmdStopStreaming
	scopeCmdRun
	scopeCmdStop
	scopeCmdSingle
	scopeCmdAutoSetup
	scopeCmdForceTrigger
	scopeCmdSetChannel
	scopeCmdSetTimebase
	scopeCmdSetTrigger
	scopeCmdGetMeasurement
	scopeCmdGetWaveform
	scopeCmdGetScreenshot
	scopeCmdReconnect
	scopeCmdTerminate

	scopeCmdPollTick
	scopeCmdFetchDone
	scopeCmdGetGeneration
	scopeCmdGetStatus
)

type scopeCommand struct {
	kind scopeCmdKind

	sub   *subscriber
	subID string
	done  chan struct{}

	channels         []string
	requestedIntervalMs int

	channel string
	cfg     driver.ChannelConfig
	tbCfg   driver.TimebaseConfig
	trCfg   driver.TriggerConfig
	measurementType string

	newDriver driver.ScopeInstrument

	generation   int
	generationCh chan int
	connStatusCh chan ConnectionStatus
	status       *driver.ScopeStatus
	waveforms    map[string]driver.Waveform
	err          error
}

// ScopeSession is the per-device actor for an oscilloscope (spec §4.5). It
// mirrors DeviceSession's single-goroutine-owns-the-handle design but adds
// a generation counter so in-flight fetches become cancel-safe across mode
// switches.
type ScopeSession struct {
	cmds chan scopeCommand

	mu          sync.Mutex
	subscribers map[string]*subscriber

	drv    driver.ScopeInstrument
	info   driver.Info
	caps   driver.ScopeCapabilities
	status ConnectionStatus

	consecutiveErrors int
	generation        int
	fetchInFlight     bool
	streaming         bool
	streamChannels    []string
	streamMeasurements []string
	requestedIntervalMs int

	lastStatus driver.ScopeStatus
	autoStartDone bool
}

// NewScopeSession constructs a session around an already-probed scope driver.
func NewScopeSession(ctx context.Context, drv driver.ScopeInstrument) *ScopeSession {
	s := &ScopeSession{
		cmds:                make(chan scopeCommand, 16),
		subscribers:         make(map[string]*subscriber),
		drv:                 drv,
		info:                drv.Info(),
		caps:                drv.Capabilities(),
		status:              StatusConnected,
		streamMeasurements:  defaultStreamMeasurements,
	}
	go s.run(ctx)
	return s
}

func (s *ScopeSession) Subscribe(clientID string) <-chan Event {
	sub := newSubscriber(clientID)
	done := make(chan struct{})
	s.cmds <- scopeCommand{kind: scopeCmdSubscribe, sub: sub, done: done}
	<-done
	return sub.ch
}

func (s *ScopeSession) Unsubscribe(clientID string) {
	done := make(chan struct{})
	s.cmds <- scopeCommand{kind: scopeCmdUnsubscribe, subID: clientID, done: done}
	<-done
}

// StartStreaming explicitly begins streaming on the given channels. Per
// spec §9's Open Question decision, an explicit call always wins over the
// auto-start rule and bumps the generation counter, cancelling any fetch
// already in flight under the old configuration.
func (s *ScopeSession) StartStreaming(channels []string, requestedIntervalMs int) {
	s.cmds <- scopeCommand{kind: scopeCmdStartStreaming, channels: channels, requestedIntervalMs: requestedIntervalMs}
}

func (s *ScopeSession) StopStreaming() {
	s.cmds <- scopeCommand{kind: scopeCmdStopStreaming}
}

func (s *ScopeSession) Run()          { s.cmds <- scopeCommand{kind: scopeCmdRun} }
func (s *ScopeSession) StopAcq()      { s.cmds <- scopeCommand{kind: scopeCmdStop} }
func (s *ScopeSession) Single()       { s.cmds <- scopeCommand{kind: scopeCmdSingle} }
func (s *ScopeSession) AutoSetup()    { s.cmds <- scopeCommand{kind: scopeCmdAutoSetup} }
func (s *ScopeSession) ForceTrigger() { s.cmds <- scopeCommand{kind: scopeCmdForceTrigger} }

func (s *ScopeSession) SetChannel(channel string, cfg driver.ChannelConfig) {
	s.cmds <- scopeCommand{kind: scopeCmdSetChannel, channel: channel, cfg: cfg}
}

func (s *ScopeSession) SetTimebase(cfg driver.TimebaseConfig) {
	s.cmds <- scopeCommand{kind: scopeCmdSetTimebase, tbCfg: cfg}
}

func (s *ScopeSession) SetTrigger(cfg driver.TriggerConfig) {
	s.cmds <- scopeCommand{kind: scopeCmdSetTrigger, trCfg: cfg}
}

func (s *ScopeSession) GetMeasurement(channel, measurementType string) {
	s.cmds <- scopeCommand{kind: scopeCmdGetMeasurement, channel: channel, measurementType: measurementType}
}

func (s *ScopeSession) GetScreenshot() {
	s.cmds <- scopeCommand{kind: scopeCmdGetScreenshot}
}

// GetWaveform issues a one-shot waveform fetch for channel, outside the
// streaming cadence, and broadcasts the result the same way a streamed
// sample would be (spec §6's `scopeGetWaveform`).
func (s *ScopeSession) GetWaveform(channel string) {
	s.cmds <- scopeCommand{kind: scopeCmdGetWaveform, channel: channel}
}

func (s *ScopeSession) Reconnect(newDrv driver.ScopeInstrument) {
	s.cmds <- scopeCommand{kind: scopeCmdReconnect, newDriver: newDrv}
}

func (s *ScopeSession) Stop() {
	s.cmds <- scopeCommand{kind: scopeCmdTerminate}
}

// Generation reads the live generation counter via a round-trip through the
// session's own goroutine, so tests and callers never race its mutation.
func (s *ScopeSession) Generation() int {
	ch := make(chan int, 1)
	s.cmds <- scopeCommand{kind: scopeCmdGetGeneration, generationCh: ch}
	return <-ch
}

// Status reads the live connection status via the same round-trip pattern
// as Generation.
func (s *ScopeSession) Status() ConnectionStatus {
	ch := make(chan ConnectionStatus, 1)
	s.cmds <- scopeCommand{kind: scopeCmdGetStatus, connStatusCh: ch}
	return <-ch
}

func (s *ScopeSession) run(ctx context.Context) {
	statusTimer := time.NewTimer(0)
	defer statusTimer.Stop()
	streamTimer := time.NewTimer(s.streamInterval())
	streamTimer.Stop()
	defer streamTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-statusTimer.C:
			s.tickStatus(ctx)
			statusTimer.Reset(scopeStatusPollMs * time.Millisecond)
		case <-streamTimer.C:
			if s.streaming {
				s.maybeFetch(ctx)
				streamTimer.Reset(s.streamInterval())
			}
		case c := <-s.cmds:
			wasStreaming := s.streaming
			if !s.handle(ctx, c) {
				return
			}
			if s.streaming && !wasStreaming {
				streamTimer.Reset(s.streamInterval())
			}
		}
	}
}

func (s *ScopeSession) streamInterval() time.Duration {
	floor := scopeStreamFloorOneMs
	if len(s.streamChannels) >= 2 {
		floor = scopeStreamFloorManyMs
	}
	ms := s.requestedIntervalMs
	if ms < floor {
		ms = floor
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *ScopeSession) handle(ctx context.Context, c scopeCommand) bool {
	switch c.kind {
	case scopeCmdSubscribe:
		s.mu.Lock()
		s.subscribers[c.sub.id] = c.sub
		s.mu.Unlock()
		c.sub.deliver(Event{Kind: EventSubscribed, DeviceID: s.info.ID, ScopeSnapshot: s.snapshotLocked()})
		close(c.done)
	case scopeCmdUnsubscribe:
		s.mu.Lock()
		if sub, ok := s.subscribers[c.subID]; ok {
			close(sub.ch)
			delete(s.subscribers, c.subID)
		}
		s.mu.Unlock()
		close(c.done)
	case scopeCmdStartStreaming:
		s.generation++
		s.streaming = true
		s.streamChannels = c.channels
		s.requestedIntervalMs = c.requestedIntervalMs
		s.streamMeasurements = defaultStreamMeasurements
		s.maybeFetch(ctx)
	case scopeCmdStopStreaming:
		s.generation++
		s.streaming = false
	case scopeCmdRun:
		s.issue(ctx, "run", s.drv.Run)
	case scopeCmdStop:
		s.issue(ctx, "stop", s.drv.Stop)
	case scopeCmdSingle:
		s.issue(ctx, "single", s.drv.Single)
	case scopeCmdAutoSetup:
		s.issue(ctx, "auto_setup", s.drv.AutoSetup)
	case scopeCmdForceTrigger:
		s.issue(ctx, "force_trigger", s.drv.ForceTrigger)
	case scopeCmdSetChannel:
		if err := s.drv.SetChannel(ctx, c.channel, c.cfg); err != nil {
			log.Printf("scope session %s: set_channel(%s): %v", s.info.ID, c.channel, err)
		}
	case scopeCmdSetTimebase:
		if err := s.drv.SetTimebase(ctx, c.tbCfg); err != nil {
			log.Printf("scope session %s: set_timebase: %v", s.info.ID, err)
		}
	case scopeCmdSetTrigger:
		if err := s.drv.SetTrigger(ctx, c.trCfg); err != nil {
			log.Printf("scope session %s: set_trigger: %v", s.info.ID, err)
		}
	case scopeCmdGetMeasurement:
		s.fetchOneShotMeasurement(ctx, c.channel, c.measurementType)
	case scopeCmdGetWaveform:
		s.fetchOneShotWaveform(ctx, c.channel)
	case scopeCmdGetScreenshot:
		s.fetchScreenshot(ctx)
	case scopeCmdReconnect:
		s.drv = c.newDriver
		s.info = c.newDriver.Info()
		s.consecutiveErrors = 0
		s.generation++
		s.status = StatusConnected
		s.broadcastField("connectionStatus", string(StatusConnected))
		if s.streaming {
			s.maybeFetch(ctx)
		}
	case scopeCmdFetchDone:
		s.handleFetchDone(c)
	case scopeCmdGetGeneration:
		c.generationCh <- s.generation
	case scopeCmdGetStatus:
		c.connStatusCh <- s.status
	case scopeCmdTerminate:
		return false
	}
	return true
}

func (s *ScopeSession) issue(ctx context.Context, label string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		log.Printf("scope session %s: %s: %v", s.info.ID, label, err)
	}
}

// tickStatus runs on the ~500ms status cadence: unless a fetch is already in
// flight, it starts an asynchronous GetStatus whose result handleFetchDone
// applies (including the auto-start rule on the first success). Waveform
// fetches are driven separately by the stream timer.
func (s *ScopeSession) tickStatus(ctx context.Context) {
	if s.fetchInFlight {
		return
	}
	gen := s.generation
	s.fetchInFlight = true
	go func() {
		st, err := s.drv.GetStatus(ctx)
		s.cmds <- scopeCommand{kind: scopeCmdFetchDone, generation: gen, status: &st, err: err}
	}()
}

func (s *ScopeSession) handleFetchDone(c scopeCommand) {
	s.fetchInFlight = false
	if c.generation != s.generation {
		return
	}

	if c.waveforms != nil {
		s.applyWaveforms(c.waveforms)
		return
	}

	if c.err != nil {
		s.noteTransportError(c.err)
		return
	}

	s.consecutiveErrors = 0
	prevStatus := s.status
	s.status = StatusConnected
	if s.status != prevStatus {
		s.broadcastField("connectionStatus", string(s.status))
	}
	s.lastStatus = *c.status
	s.broadcastScopeSnapshot()

	if !s.autoStartDone {
		s.autoStartDone = true
		var enabled []string
		for ch, cfg := range c.status.Channels {
			if cfg.Enabled {
				enabled = append(enabled, ch)
			}
		}
		if len(enabled) > 0 && !s.streaming {
			s.streaming = true
			s.streamChannels = enabled
			s.streamMeasurements = defaultStreamMeasurements
		}
	}
}

// noteTransportError applies the three-strikes disconnect heuristic of
// spec §4.5.
func (s *ScopeSession) noteTransportError(err error) {
	s.consecutiveErrors++
	prevStatus := s.status
	if s.consecutiveErrors >= scopeMaxConsecutiveErrors {
		s.status = StatusDisconnected
	} else {
		s.status = StatusError
	}
	if s.status != prevStatus {
		s.broadcastField("connectionStatus", string(s.status))
	}
}

// maybeFetch kicks off a waveform fetch for the active stream channels if
// streaming is on and nothing is already in flight.
func (s *ScopeSession) maybeFetch(ctx context.Context) {
	if !s.streaming || s.fetchInFlight || len(s.streamChannels) == 0 {
		return
	}
	gen := s.generation
	channels := append([]string(nil), s.streamChannels...)
	s.fetchInFlight = true
	go func() {
		waveforms := make(map[string]driver.Waveform, len(channels))
		var fetchErr error
		for _, ch := range channels {
			wf, err := s.drv.GetWaveform(ctx, ch, nil, nil)
			if err != nil {
				fetchErr = err
				break
			}
			waveforms[ch] = wf
		}
		if fetchErr != nil {
			s.cmds <- scopeCommand{kind: scopeCmdFetchDone, generation: gen, err: fetchErr}
			return
		}
		s.cmds <- scopeCommand{kind: scopeCmdFetchDone, generation: gen, waveforms: waveforms}
	}()
}

func (s *ScopeSession) applyWaveforms(waveforms map[string]driver.Waveform) {
	s.consecutiveErrors = 0
	for ch, wf := range waveforms {
		s.broadcastWaveform(wf)
		for _, mt := range s.streamMeasurements {
			if v, ok := computeMeasurement(mt, wf.Points, wf.XIncrement); ok {
				s.broadcastScopeMeasurement(ch, mt, v)
			}
		}
	}
}

func (s *ScopeSession) fetchOneShotMeasurement(ctx context.Context, channel, measurementType string) {
	gen := s.generation
	wf, err := s.drv.GetWaveform(ctx, channel, nil, nil)
	if gen != s.generation {
		return
	}
	if err != nil {
		log.Printf("scope session %s: get_measurement(%s,%s): %v", s.info.ID, channel, measurementType, err)
		return
	}
	if v, ok := computeMeasurement(measurementType, wf.Points, wf.XIncrement); ok {
		s.broadcastScopeMeasurement(channel, measurementType, v)
	}
}

func (s *ScopeSession) fetchOneShotWaveform(ctx context.Context, channel string) {
	gen := s.generation
	wf, err := s.drv.GetWaveform(ctx, channel, nil, nil)
	if gen != s.generation {
		return
	}
	if err != nil {
		log.Printf("scope session %s: get_waveform(%s): %v", s.info.ID, channel, err)
		return
	}
	s.broadcastWaveform(wf)
}

func (s *ScopeSession) fetchScreenshot(ctx context.Context) {
	data, err := s.drv.GetScreenshot(ctx)
	if err != nil {
		log.Printf("scope session %s: get_screenshot: %v", s.info.ID, err)
		return
	}
	s.broadcastScreenshot(data)
}

func (s *ScopeSession) broadcastScopeSnapshot() {
	snap := s.snapshotLocked()
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	ev := Event{Kind: EventField, DeviceID: s.info.ID, Field: "status", FieldValue: snap.Status}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *ScopeSession) broadcastField(field string, value interface{}) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	ev := Event{Kind: EventField, DeviceID: s.info.ID, Field: field, FieldValue: value}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *ScopeSession) broadcastWaveform(wf driver.Waveform) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	w := wf
	ev := Event{Kind: EventScopeWaveform, DeviceID: s.info.ID, Waveform: &w}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *ScopeSession) broadcastScopeMeasurement(channel, measurementType string, value float64) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	ev := Event{
		Kind:     EventScopeMeasurement,
		DeviceID: s.info.ID,
		ScopeMeasurement: &ScopeMeasurementEvent{
			Channel:         channel,
			MeasurementType: measurementType,
			Value:           value,
		},
	}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *ScopeSession) broadcastScreenshot(data []byte) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	ev := Event{Kind: EventScopeScreenshot, DeviceID: s.info.ID, Screenshot: data}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

func (s *ScopeSession) snapshotLocked() *ScopeSnapshot {
	return &ScopeSnapshot{
		Info:             s.info,
		Capabilities:     s.caps,
		ConnectionStatus: s.status,
		Status:           s.lastStatus,
	}
}
