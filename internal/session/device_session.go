package session

import (
	"context"
	"log"
	"sync"
	"time"

	"labctl/internal/driver"
)

const (
	defaultPollIntervalMs       = 250
	defaultDebounceMs           = 100
	defaultMaxConsecutiveErrors = 5
	historyCapacity             = 10000
)

type cmdKind int

const (
	cmdSetMode cmdKind = iota
	cmdSetOutput
	cmdSetValue
	cmdSubscribe
	cmdUnsubscribe
	cmdReconnect
	cmdDebounceFire
	cmdGetStatus
	cmdGetMeasurement
	cmdStop
)

type command struct {
	kind cmdKind

	mode      string
	enabled   bool
	name      string
	value     float64
	immediate bool

	sub      *subscriber
	subID    string
	newDriver driver.Instrument

	statusCh      chan ConnectionStatus
	measurementCh chan MeasurementValue

	done chan struct{}
}

// DeviceSession is the per-device actor for a PSU/load instrument (spec
// §4.4). A single goroutine owns the driver handle and processes every
// command and poll tick off one channel, so nothing ever issues two
// requests concurrently against the same transport.
type DeviceSession struct {
	PollIntervalMs       int
	DebounceMs           int
	MaxConsecutiveErrors int

	cmds chan command

	mu          sync.Mutex
	subscribers map[string]*subscriber

	// actor-owned state, touched only from the run loop
	drv               driver.Instrument
	info              driver.Info
	caps              driver.Capabilities
	status            ConnectionStatus
	consecutiveErrors int
	mode              string
	outputEnabled     bool
	setpoints         map[string]float64
	measurements      map[string]MeasurementValue
	listRunning       bool
	history           *History
	inFlight          map[string]int
	pendingWrite      map[string]float64
	pendingTimer      map[string]*time.Timer
	lastUpdated       time.Time
}

// NewDeviceSession constructs a session around an already-probed driver.
func NewDeviceSession(ctx context.Context, drv driver.Instrument) *DeviceSession {
	caps := drv.Capabilities()
	seriesNames := make([]string, 0, len(caps.Measurements))
	for _, m := range caps.Measurements {
		seriesNames = append(seriesNames, m.Name)
	}

	s := &DeviceSession{
		PollIntervalMs:       defaultPollIntervalMs,
		DebounceMs:           defaultDebounceMs,
		MaxConsecutiveErrors: defaultMaxConsecutiveErrors,
		cmds:                 make(chan command, 16),
		subscribers:          make(map[string]*subscriber),
		drv:                  drv,
		info:                 drv.Info(),
		caps:                 caps,
		status:               StatusConnected,
		setpoints:            make(map[string]float64),
		measurements:         make(map[string]MeasurementValue),
		history:              NewHistory(historyCapacity, seriesNames),
		inFlight:             make(map[string]int),
		pendingWrite:         make(map[string]float64),
		pendingTimer:         make(map[string]*time.Timer),
	}
	go s.run(ctx)
	return s
}

// Subscribe registers a new subscriber and returns its event channel. The
// session immediately enqueues a "subscribed" event carrying the full
// current snapshot, per spec §4.4.
func (s *DeviceSession) Subscribe(clientID string) <-chan Event {
	sub := newSubscriber(clientID)
	done := make(chan struct{})
	s.cmds <- command{kind: cmdSubscribe, sub: sub, done: done}
	<-done
	return sub.ch
}

// Unsubscribe removes a subscriber.
func (s *DeviceSession) Unsubscribe(clientID string) {
	done := make(chan struct{})
	s.cmds <- command{kind: cmdUnsubscribe, subID: clientID, done: done}
	<-done
}

// SetMode requests a mode change (spec §4.4 optimistic update).
func (s *DeviceSession) SetMode(mode string) {
	s.cmds <- command{kind: cmdSetMode, mode: mode}
}

// SetOutput requests the output-enable state.
func (s *DeviceSession) SetOutput(enabled bool) {
	s.cmds <- command{kind: cmdSetOutput, enabled: enabled}
}

// SetValue requests a setpoint write, optionally debounced (spec §4.4).
func (s *DeviceSession) SetValue(name string, value float64, immediate bool) {
	s.cmds <- command{kind: cmdSetValue, name: name, value: value, immediate: immediate}
}

// Reconnect replaces the underlying driver after a rediscovery (spec §4.4).
func (s *DeviceSession) Reconnect(newDrv driver.Instrument) {
	s.cmds <- command{kind: cmdReconnect, newDriver: newDrv}
}

// Stop tears down the session's run loop.
func (s *DeviceSession) Stop() {
	s.cmds <- command{kind: cmdStop}
}

// Status reads the live connection status via a round-trip through the
// session's own goroutine, since status is owned exclusively by run().
func (s *DeviceSession) Status() ConnectionStatus {
	ch := make(chan ConnectionStatus, 1)
	s.cmds <- command{kind: cmdGetStatus, statusCh: ch}
	return <-ch
}

// LatestMeasurement reads the most recently polled value for name via the
// same round-trip pattern as Status, so the trigger engine can evaluate
// value conditions without racing the poll loop.
func (s *DeviceSession) LatestMeasurement(name string) (float64, bool) {
	ch := make(chan MeasurementValue, 1)
	s.cmds <- command{kind: cmdGetMeasurement, name: name, measurementCh: ch}
	mv := <-ch
	return mv.Value, mv.Valid
}

func (s *DeviceSession) run(ctx context.Context) {
	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.teardownTimers()
			return
		case <-pollTimer.C:
			s.poll(ctx)
			pollTimer.Reset(s.pollInterval())
		case c := <-s.cmds:
			if !s.handle(ctx, c) {
				s.teardownTimers()
				return
			}
		}
	}
}

func (s *DeviceSession) pollInterval() time.Duration {
	ms := s.PollIntervalMs
	if ms <= 0 {
		ms = defaultPollIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *DeviceSession) debounceInterval() time.Duration {
	ms := s.DebounceMs
	if ms <= 0 {
		ms = defaultDebounceMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *DeviceSession) maxErrors() int {
	if s.MaxConsecutiveErrors <= 0 {
		return defaultMaxConsecutiveErrors
	}
	return s.MaxConsecutiveErrors
}

func (s *DeviceSession) teardownTimers() {
	for _, t := range s.pendingTimer {
		t.Stop()
	}
}

// handle processes one command. Returns false when the session should stop.
func (s *DeviceSession) handle(ctx context.Context, c command) bool {
	switch c.kind {
	case cmdSetMode:
		s.applySetMode(ctx, c.mode)
	case cmdSetOutput:
		s.applySetOutput(ctx, c.enabled)
	case cmdSetValue:
		s.applySetValue(ctx, c.name, c.value, c.immediate)
	case cmdDebounceFire:
		s.fireDebounced(ctx, c.name)
	case cmdSubscribe:
		s.mu.Lock()
		s.subscribers[c.sub.id] = c.sub
		s.mu.Unlock()
		c.sub.deliver(Event{Kind: EventSubscribed, DeviceID: s.info.ID, Snapshot: s.snapshotLocked()})
		close(c.done)
	case cmdUnsubscribe:
		s.mu.Lock()
		if sub, ok := s.subscribers[c.subID]; ok {
			close(sub.ch)
			delete(s.subscribers, c.subID)
		}
		s.mu.Unlock()
		close(c.done)
	case cmdReconnect:
		s.drv = c.newDriver
		s.info = c.newDriver.Info()
		s.consecutiveErrors = 0
		s.status = StatusConnected
		s.broadcastField("connectionStatus", string(StatusConnected))
	case cmdGetStatus:
		c.statusCh <- s.status
	case cmdGetMeasurement:
		c.measurementCh <- s.measurements[c.name]
	case cmdStop:
		return false
	}
	return true
}

func (s *DeviceSession) poll(ctx context.Context) {
	st, err := s.drv.GetStatus(ctx)
	if err != nil {
		s.consecutiveErrors++
		prevStatus := s.status
		if s.consecutiveErrors >= s.maxErrors() {
			s.status = StatusDisconnected
		} else {
			s.status = StatusError
		}
		if s.status != prevStatus {
			s.broadcastField("connectionStatus", string(s.status))
		}
		return
	}

	prevStatus := s.status
	s.consecutiveErrors = 0
	s.status = StatusConnected
	if s.status != prevStatus {
		s.broadcastField("connectionStatus", string(s.status))
	}

	s.reconcile(st)
}

// reconcile merges a freshly polled Status into local state, honoring the
// in-flight counter so a just-issued optimistic write isn't clobbered by a
// stale poll that raced it (spec §4.4 "reconciliation window").
func (s *DeviceSession) reconcile(st driver.Status) {
	if s.inFlight["mode"] == 0 && st.Mode != "" && st.Mode != s.mode {
		s.mode = st.Mode
		s.broadcastField("mode", s.mode)
	}
	if s.inFlight["output"] == 0 && st.OutputEnabled != s.outputEnabled {
		s.outputEnabled = st.OutputEnabled
		s.broadcastField("outputEnabled", s.outputEnabled)
	}
	for name, v := range st.Setpoints {
		if s.inFlight[name] > 0 {
			continue
		}
		if prev, ok := s.setpoints[name]; !ok || prev != v {
			s.setpoints[name] = v
			s.broadcastField("setpoint."+name, v)
		}
	}
	s.listRunning = st.ListRunning

	complete := make(map[string]float64, len(st.Measurements))
	mv := make(map[string]MeasurementValue, len(st.Measurements))
	for name, m := range st.Measurements {
		mv[name] = MeasurementValue{Value: m.Value, Valid: m.Valid}
		if m.Valid {
			complete[name] = m.Value
		}
	}
	s.measurements = mv
	now := time.Now()
	s.lastUpdated = now
	s.history.Append(now, complete)
	s.broadcastMeasurement(now, mv)
}

func (s *DeviceSession) applySetMode(ctx context.Context, mode string) {
	s.mode = mode
	s.inFlight["mode"]++
	s.broadcastField("mode", mode)
	go func() {
		err := s.drv.SetMode(ctx, mode)
		s.cmds <- command{kind: cmdDebounceFire, name: "__mode_done"}
		if err != nil {
			log.Printf("session %s: set_mode(%s): %v", s.info.ID, mode, err)
		}
	}()
}

func (s *DeviceSession) applySetOutput(ctx context.Context, enabled bool) {
	s.outputEnabled = enabled
	s.inFlight["output"]++
	s.broadcastField("outputEnabled", enabled)
	go func() {
		err := s.drv.SetOutput(ctx, enabled)
		s.cmds <- command{kind: cmdDebounceFire, name: "__output_done"}
		if err != nil {
			log.Printf("session %s: set_output(%v): %v", s.info.ID, enabled, err)
		}
	}()
}

// applySetValue implements the debounced/immediate write rules of spec
// §4.4. The optimistic broadcast always happens synchronously; the actual
// driver write is scheduled via a timer that re-enters the command loop as
// a cmdDebounceFire, preserving per-name ordering.
func (s *DeviceSession) applySetValue(ctx context.Context, name string, value float64, immediate bool) {
	s.setpoints[name] = value
	s.broadcastField("setpoint."+name, value)
	s.pendingWrite[name] = value

	if t, ok := s.pendingTimer[name]; ok {
		t.Stop()
		delete(s.pendingTimer, name)
	}

	if immediate {
		s.fireDebounced(ctx, name)
		return
	}

	s.pendingTimer[name] = time.AfterFunc(s.debounceInterval(), func() {
		s.cmds <- command{kind: cmdDebounceFire, name: name}
	})
}

const valueDonePrefix = "__value_done__"

func (s *DeviceSession) fireDebounced(ctx context.Context, name string) {
	if name == "__mode_done" {
		s.inFlight["mode"]--
		return
	}
	if name == "__output_done" {
		s.inFlight["output"]--
		return
	}
	if len(name) > len(valueDonePrefix) && name[:len(valueDonePrefix)] == valueDonePrefix {
		s.inFlight[name[len(valueDonePrefix):]]--
		return
	}

	value, ok := s.pendingWrite[name]
	if !ok {
		return
	}
	delete(s.pendingWrite, name)
	delete(s.pendingTimer, name)

	s.inFlight[name]++
	go func() {
		err := s.drv.SetValue(ctx, name, value)
		s.cmds <- command{kind: cmdDebounceFire, name: valueDonePrefix + name}
		if err != nil {
			log.Printf("session %s: set_value(%s=%v): %v", s.info.ID, name, value, err)
		}
	}()
}

func (s *DeviceSession) broadcastField(field string, value interface{}) {
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

func (s *DeviceSession) broadcastMeasurement(ts time.Time, values map[string]MeasurementValue) {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	ev := Event{
		Kind:        EventMeasurement,
		DeviceID:    s.info.ID,
		Measurement: &MeasurementUpdate{Timestamp: ts, Measurements: values},
	}
	for _, sub := range subs {
		sub.deliver(ev)
	}
}

// snapshotLocked builds the full state snapshot for a new subscriber. Must
// only be called from the run loop (no concurrent state mutation).
func (s *DeviceSession) snapshotLocked() *Snapshot {
	ts, series := s.history.Snapshot()
	setpoints := make(map[string]float64, len(s.setpoints))
	for k, v := range s.setpoints {
		setpoints[k] = v
	}
	measurements := make(map[string]MeasurementValue, len(s.measurements))
	for k, v := range s.measurements {
		measurements[k] = v
	}
	return &Snapshot{
		Info:              s.info,
		Capabilities:      s.caps,
		ConnectionStatus:  s.status,
		ConsecutiveErrors: s.consecutiveErrors,
		Mode:              s.mode,
		OutputEnabled:     s.outputEnabled,
		Setpoints:         setpoints,
		Measurements:      measurements,
		HistoryTimestamps: ts,
		HistorySeries:     series,
		ListRunning:       s.listRunning,
		LastUpdated:       s.lastUpdated,
	}
}
