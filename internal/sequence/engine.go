package sequence

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ValueSetter is the narrow command surface the engine needs from a device
// session (spec §4: "Sequence engine... consume[s] SessionManager as a
// command surface"). Defined here instead of importing the session package
// directly, so sequence and session stay free of an import cycle.
type ValueSetter interface {
	SetValue(name string, value float64, immediate bool)
}

// RunStatus is the engine's lifecycle state for the single active run.
type RunStatus string

const (
	RunIdle      RunStatus = "idle"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunAborted   RunStatus = "aborted"
	RunError     RunStatus = "error"
)

// ProgressKind discriminates the events Run publishes.
type ProgressKind string

const (
	ProgressStep      ProgressKind = "progress"
	ProgressCompleted ProgressKind = "completed"
	ProgressAborted   ProgressKind = "aborted"
	ProgressError     ProgressKind = "error"
)

// ProgressEvent is published after each executed step and at terminal
// transitions (spec §4.6).
type ProgressEvent struct {
	RunID            string
	Kind             ProgressKind
	CurrentStepIndex int
	CurrentCycle     int
	CommandedValue   float64
	SkippedSteps     int
	Err              error
}

type scheduledStep struct {
	at      time.Time
	value   float64
	step    int
	cycle   int
	dwellMs int
}

// Run is one active execution of a Definition. Only one Run may be active
// at a time across a Manager (spec §4.6 "single-instance rule").
type Run struct {
	ID         string
	definition *Definition
	target     ValueSetter
	events     chan ProgressEvent
	rng        *rand.Rand

	mu           sync.Mutex
	status       RunStatus
	schedule     []scheduledStep
	cursor       int
	skippedSteps int
	pausedAt     time.Time
	lastValue    float64

	timer  *time.Timer
	cancel context.CancelFunc
}

// Manager enforces the single-active-sequence rule and owns the currently
// running (or most recently finished) Run.
type Manager struct {
	mu      sync.Mutex
	current *Run
}

// NewManager constructs an empty sequence Manager.
func NewManager() *Manager { return &Manager{} }

// Start aborts any currently active run, then begins a fresh Run of def
// against target. It returns the new Run immediately; progress is
// delivered on Run.Events().
func (m *Manager) Start(def *Definition, target ValueSetter) *Run {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && isActive(m.current.Status()) {
		m.current.Abort()
	}

	run := newRun(def, target)
	m.current = run
	run.start()
	return run
}

// Current returns the most recently started Run, if any.
func (m *Manager) Current() (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.current != nil
}

func isActive(s RunStatus) bool { return s == RunRunning || s == RunPaused }

func newRun(def *Definition, target ValueSetter) *Run {
	return &Run{
		ID:         uuid.NewString(),
		definition: def,
		target:     target,
		events:     make(chan ProgressEvent, 256),
		rng:        rand.New(rand.NewSource(1)),
		status:     RunIdle,
	}
}

// Events returns the channel progress/completion/abort/error events are
// published on.
func (r *Run) Events() <-chan ProgressEvent { return r.events }

// Status reports the run's current lifecycle state.
func (r *Run) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Run) start() {
	r.mu.Lock()
	r.status = RunRunning
	current := 0.0
	if r.definition.PreValue != nil {
		current = *r.definition.PreValue
	}
	r.lastValue = current
	r.buildScheduleLocked(time.Now(), current)
	r.mu.Unlock()

	if r.definition.PreValue != nil {
		r.target.SetValue(r.definition.Field, *r.definition.PreValue, true)
		firstDwell := 0
		if len(r.schedule) > 0 {
			firstDwell = r.schedule[0].dwellMs
		}
		if firstDwell > 0 {
			time.Sleep(time.Duration(firstDwell) * time.Millisecond)
		}
	}

	r.armNext()
}

// buildScheduleLocked replaces the schedule with one cycle's absolute-time
// steps starting at t0. When Definition.Repeat is set, fire calls it again
// once the cycle is exhausted; otherwise the run completes after one cycle.
func (r *Run) buildScheduleLocked(t0 time.Time, current float64) {
	gen := r.definition.Generator()
	steps := gen.GenerateCycle(current, r.rng.Float64)

	r.schedule = r.schedule[:0]
	t := t0
	prev := current
	for i, st := range steps {
		v := r.definition.Modifiers.Apply(st.Value, prev, st.DwellMs)
		r.schedule = append(r.schedule, scheduledStep{at: t, value: v, step: i, cycle: 0, dwellMs: st.DwellMs})
		prev = v
		t = t.Add(time.Duration(st.DwellMs) * time.Millisecond)
	}
}

// armNext schedules the timer for the next not-yet-executed step,
// implementing the drop-if-past rule of spec §4.6: at fire time any step
// whose absolute time has already elapsed is skipped and counted, and the
// single latest non-past step is executed instead of backlog-draining.
func (r *Run) armNext() {
	r.mu.Lock()
	if r.status != RunRunning {
		r.mu.Unlock()
		return
	}
	if r.cursor >= len(r.schedule) {
		r.mu.Unlock()
		r.finish(ProgressCompleted)
		return
	}
	next := r.schedule[r.cursor]
	delay := time.Until(next.at)
	r.mu.Unlock()

	if delay < 0 {
		delay = 0
	}
	r.timer = time.AfterFunc(delay, r.fire)
}

func (r *Run) fire() {
	r.mu.Lock()
	if r.status != RunRunning {
		r.mu.Unlock()
		return
	}

	now := time.Now()
	chosen := r.cursor
	for chosen+1 < len(r.schedule) && !r.schedule[chosen+1].at.After(now) {
		r.skippedSteps++
		chosen++
	}
	step := r.schedule[chosen]
	r.cursor = chosen + 1
	r.lastValue = step.value
	r.mu.Unlock()

	r.target.SetValue(r.definition.Field, step.value, true)
	r.publish(ProgressEvent{
		RunID:            r.ID,
		Kind:             ProgressStep,
		CurrentStepIndex: step.step,
		CurrentCycle:     step.cycle,
		CommandedValue:   step.value,
		SkippedSteps:     r.skippedStepsSnapshot(),
	})

	r.mu.Lock()
	exhausted := r.cursor >= len(r.schedule)
	current := r.lastValue
	cycle := r.schedule[chosen].cycle
	repeat := r.definition.Repeat
	if exhausted && repeat {
		r.cursor = 0
		r.buildScheduleLocked(time.Now(), current)
		for i := range r.schedule {
			r.schedule[i].cycle = cycle + 1
		}
	}
	r.mu.Unlock()

	if exhausted && !repeat {
		r.finish(ProgressCompleted)
		return
	}
	r.armNext()
}

func (r *Run) skippedStepsSnapshot() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skippedSteps
}

// Pause freezes the schedule (spec §4.6): the pending timer is cancelled
// and the moment is recorded so Resume can shift every remaining entry.
func (r *Run) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != RunRunning {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.pausedAt = time.Now()
	r.status = RunPaused
}

// Resume shifts every remaining schedule entry by the pause duration and
// rearms the timer.
func (r *Run) Resume() {
	r.mu.Lock()
	if r.status != RunPaused {
		r.mu.Unlock()
		return
	}
	shift := time.Since(r.pausedAt)
	for i := r.cursor; i < len(r.schedule); i++ {
		r.schedule[i].at = r.schedule[i].at.Add(shift)
	}
	r.status = RunRunning
	r.mu.Unlock()

	r.armNext()
}

// Abort stops the run immediately and, if PostValue is defined, issues one
// final set_value (spec §4.6).
func (r *Run) Abort() {
	r.mu.Lock()
	if r.status != RunRunning && r.status != RunPaused {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.status = RunAborted
	r.mu.Unlock()

	r.applyPostValue()
	r.publish(ProgressEvent{RunID: r.ID, Kind: ProgressAborted, SkippedSteps: r.skippedStepsSnapshot()})
	close(r.events)
}

func (r *Run) finish(kind ProgressKind) {
	r.mu.Lock()
	r.status = RunCompleted
	r.mu.Unlock()

	r.applyPostValue()
	r.publish(ProgressEvent{RunID: r.ID, Kind: kind, SkippedSteps: r.skippedStepsSnapshot()})
	close(r.events)
}

func (r *Run) applyPostValue() {
	if r.definition.PostValue != nil {
		r.target.SetValue(r.definition.Field, *r.definition.PostValue, true)
	}
}

func (r *Run) publish(ev ProgressEvent) {
	select {
	case r.events <- ev:
	default:
		log.Printf("sequence run %s: progress event dropped, subscriber too slow", r.ID)
	}
}
