// Package trigger implements the trigger engine (spec §4.7): condition
// evaluation, edge-triggered debounced firing, and action dispatch to the
// session and sequence layers.
package trigger

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/uuid"
)

// ConditionKind discriminates a trigger's evaluation domain.
type ConditionKind string

const (
	ConditionTime  ConditionKind = "time"
	ConditionValue ConditionKind = "value"
)

// Comparator is the value-condition's relational operator.
type Comparator string

const (
	ComparatorGT Comparator = ">"
	ComparatorLT Comparator = "<"
	ComparatorGE Comparator = ">="
	ComparatorLE Comparator = "<="
	ComparatorEQ Comparator = "=="
)

// RepeatMode controls how many times a trigger may fire per script run
// (spec §4.7).
type RepeatMode string

const (
	RepeatOnce   RepeatMode = "once"
	RepeatRepeat RepeatMode = "repeat"
)

// Condition is a trigger's firing predicate: either a one-shot elapsed-time
// deadline or a live comparison against a device measurement.
type Condition struct {
	Kind ConditionKind

	// time condition
	Seconds float64

	// value condition
	DeviceID   string
	Parameter  string
	Comparator Comparator
	Threshold  float64
}

// ActionKind discriminates the dispatched action (spec §4.7).
type ActionKind string

const (
	ActionSetValue       ActionKind = "setValue"
	ActionSetOutput      ActionKind = "setOutput"
	ActionSetMode        ActionKind = "setMode"
	ActionStartSequence  ActionKind = "startSequence"
	ActionStopSequence   ActionKind = "stopSequence"
	ActionPauseSequence  ActionKind = "pauseSequence"
)

// Action is one trigger's effect when it fires.
type Action struct {
	Kind ActionKind

	DeviceID string
	Name     string // setValue's parameter name
	Value    float64
	Enabled  bool
	Mode     string

	SequenceDefinitionID string
}

// Definition is one trigger within a script.
type Definition struct {
	ID         string
	Condition  Condition
	Action     Action
	DebounceMs int
	Repeat     RepeatMode
}

// Dispatcher is the narrow command surface the engine needs to carry out
// actions (spec §4.7 "Actions are dispatched to the SessionManager... or
// the SequenceManager"). Implemented by the session/sequence managers;
// declared here to avoid an import cycle.
type Dispatcher interface {
	SetValue(deviceID, name string, value float64) error
	SetOutput(deviceID string, enabled bool) error
	SetMode(deviceID, mode string) error
	StartSequence(definitionID string) error
	StopSequence() error
	PauseSequence() error
}

// MeasurementSource lets the engine look up the latest known value for a
// (deviceId, parameter) pair to evaluate value conditions.
type MeasurementSource interface {
	LatestValue(deviceID, parameter string) (float64, bool)
}

// ScriptStatus mirrors spec §4.7's lifecycle: idle -> running -> (paused <->
// running) -> idle.
type ScriptStatus string

const (
	ScriptIdle    ScriptStatus = "idle"
	ScriptRunning ScriptStatus = "running"
	ScriptPaused  ScriptStatus = "paused"
)

// FiredEvent is published whenever a trigger fires.
type FiredEvent struct {
	TriggerID string
	FiredAt   time.Time
}

// ErrorEvent is published when an action fails, per spec §4.7's
// triggerScriptError semantics.
type ErrorEvent struct {
	TriggerID string
	Err       error
	Fatal     bool
}

type triggerState struct {
	def         Definition
	lastFiredAt time.Time
	firedCount  int
	wasTrue     bool
	timer       *time.Timer
	pendingAt   time.Time // absolute fire time for time-conditions, used by pause/resume
}

// Script is one running (or paused/idle) instance of a set of Definitions.
type Script struct {
	ID      string
	dispatch Dispatcher
	source   MeasurementSource

	mu        sync.Mutex
	status    ScriptStatus
	startedAt time.Time
	pausedAt  time.Time
	states    map[string]*triggerState
	order     []string

	fired chan FiredEvent
	errs  chan ErrorEvent
}

// NewScript constructs a Script around defs, in definition order (spec §5
// "trigger-fired actions execute in trigger-definition order").
func NewScript(defs []Definition, dispatch Dispatcher, source MeasurementSource) *Script {
	s := &Script{
		ID:       uuid.NewString(),
		dispatch: dispatch,
		source:   source,
		status:   ScriptIdle,
		states:   make(map[string]*triggerState, len(defs)),
		fired:    make(chan FiredEvent, 64),
		errs:     make(chan ErrorEvent, 64),
	}
	for _, d := range defs {
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		s.states[d.ID] = &triggerState{def: d}
		s.order = append(s.order, d.ID)
	}
	return s
}

// Fired returns the channel trigger-fired notifications are published on.
func (s *Script) Fired() <-chan FiredEvent { return s.fired }

// Errors returns the channel action-failure notifications are published on.
func (s *Script) Errors() <-chan ErrorEvent { return s.errs }

// Status reports the script's current lifecycle state.
func (s *Script) Status() ScriptStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Start transitions idle -> running, arming all time-condition timers.
func (s *Script) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != ScriptIdle {
		return
	}
	s.status = ScriptRunning
	s.startedAt = time.Now()
	for _, id := range s.order {
		st := s.states[id]
		if st.def.Condition.Kind == ConditionTime {
			s.armTimeTriggerLocked(st)
		}
	}
}

func (s *Script) armTimeTriggerLocked(st *triggerState) {
	fireAt := s.startedAt.Add(time.Duration(st.def.Condition.Seconds * float64(time.Second)))
	st.pendingAt = fireAt
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	id := st.def.ID
	st.timer = time.AfterFunc(delay, func() { s.fireTimeCondition(id) })
}

func (s *Script) fireTimeCondition(id string) {
	s.mu.Lock()
	if s.status != ScriptRunning {
		s.mu.Unlock()
		return
	}
	st, ok := s.states[id]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.tryFire(st, true)
}

// OnMeasurement re-evaluates every value-condition trigger referencing
// (deviceId, parameter) against the new sample (spec §4.7: "re-evaluated on
// every measurement update for the referenced (deviceId, parameter)").
func (s *Script) OnMeasurement(deviceID, parameter string, value float64) {
	s.mu.Lock()
	if s.status != ScriptRunning {
		s.mu.Unlock()
		return
	}
	var candidates []*triggerState
	for _, id := range s.order {
		st := s.states[id]
		c := st.def.Condition
		if c.Kind == ConditionValue && c.DeviceID == deviceID && c.Parameter == parameter {
			candidates = append(candidates, st)
		}
	}
	s.mu.Unlock()

	for _, st := range candidates {
		nowTrue := evaluateComparator(st.def.Condition.Comparator, value, st.def.Condition.Threshold)
		s.mu.Lock()
		wasTrue := st.wasTrue
		st.wasTrue = nowTrue
		s.mu.Unlock()

		// Edge-triggered: only a false->true transition counts as a fire
		// candidate (spec §4.7 rule 3).
		if nowTrue && !wasTrue {
			s.tryFire(st, false)
		}
	}
}

func evaluateComparator(c Comparator, value, threshold float64) bool {
	switch c {
	case ComparatorGT:
		return value > threshold
	case ComparatorLT:
		return value < threshold
	case ComparatorGE:
		return value >= threshold
	case ComparatorLE:
		return value <= threshold
	case ComparatorEQ:
		return value == threshold
	default:
		return false
	}
}

// tryFire applies the debounce and repeat-mode rules, then dispatches the
// action if the trigger is allowed to fire.
func (s *Script) tryFire(st *triggerState, isTimeCondition bool) {
	s.mu.Lock()
	now := time.Now()
	if st.def.Repeat == RepeatOnce && st.firedCount >= 1 {
		s.mu.Unlock()
		return
	}
	if !st.lastFiredAt.IsZero() && now.Sub(st.lastFiredAt) < time.Duration(st.def.DebounceMs)*time.Millisecond {
		s.mu.Unlock()
		return
	}
	st.lastFiredAt = now
	st.firedCount++
	s.mu.Unlock()

	log.Printf("trigger %s fired: %s", st.def.ID, spew.Sdump(st.def.Action))

	if err := s.dispatchAction(st.def.Action); err != nil {
		fatal := err == ErrSessionNotFound
		s.publishErr(ErrorEvent{TriggerID: st.def.ID, Err: err, Fatal: fatal})
		if fatal {
			s.Stop()
			return
		}
	}
	s.publishFired(FiredEvent{TriggerID: st.def.ID, FiredAt: now})
}

// ErrSessionNotFound is the one fatal action-failure kind (spec §4.7:
// "do not stop the script unless the failure is fatal (session not
// found)").
var ErrSessionNotFound = fmt.Errorf("trigger: session not found")

func (s *Script) dispatchAction(a Action) error {
	switch a.Kind {
	case ActionSetValue:
		return s.dispatch.SetValue(a.DeviceID, a.Name, a.Value)
	case ActionSetOutput:
		return s.dispatch.SetOutput(a.DeviceID, a.Enabled)
	case ActionSetMode:
		return s.dispatch.SetMode(a.DeviceID, a.Mode)
	case ActionStartSequence:
		return s.dispatch.StartSequence(a.SequenceDefinitionID)
	case ActionStopSequence:
		return s.dispatch.StopSequence()
	case ActionPauseSequence:
		return s.dispatch.PauseSequence()
	default:
		return fmt.Errorf("trigger: unknown action kind %q", a.Kind)
	}
}

func (s *Script) publishFired(ev FiredEvent) {
	select {
	case s.fired <- ev:
	default:
	}
}

func (s *Script) publishErr(ev ErrorEvent) {
	select {
	case s.errs <- ev:
	default:
	}
}

// Pause freezes condition evaluation and all timers (spec §4.7: "frozen in
// the same way as the sequence engine").
func (s *Script) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != ScriptRunning {
		return
	}
	s.pausedAt = time.Now()
	s.status = ScriptPaused
	for _, id := range s.order {
		st := s.states[id]
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}

// Resume shifts every pending time-trigger deadline by the pause duration
// and rearms it.
func (s *Script) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != ScriptPaused {
		return
	}
	shift := time.Since(s.pausedAt)
	s.status = ScriptRunning
	for _, id := range s.order {
		st := s.states[id]
		if st.def.Condition.Kind != ConditionTime || (st.def.Repeat == RepeatOnce && st.firedCount >= 1) {
			continue
		}
		st.pendingAt = st.pendingAt.Add(shift)
		delay := time.Until(st.pendingAt)
		if delay < 0 {
			delay = 0
		}
		triggerID := id
		st.timer = time.AfterFunc(delay, func() { s.fireTimeCondition(triggerID) })
	}
}

// Stop transitions the script back to idle, cancelling all timers.
func (s *Script) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = ScriptIdle
	for _, id := range s.order {
		st := s.states[id]
		if st.timer != nil {
			st.timer.Stop()
		}
	}
}
