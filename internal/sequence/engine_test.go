package sequence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingSetter implements ValueSetter, optionally starving the engine's
// dispatch goroutine on a chosen call to exercise the drop-on-catch-up rule
// (spec §4.6 scenario 4).
type recordingSetter struct {
	mu        sync.Mutex
	calls     int
	values    []float64
	starveOn  int
	starveFor time.Duration
}

func (r *recordingSetter) SetValue(name string, value float64, immediate bool) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	r.values = append(r.values, value)
	r.mu.Unlock()

	if call == r.starveOn {
		time.Sleep(r.starveFor)
	}
}

func (r *recordingSetter) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.values...)
}

func TestRunSineDropsStepsAfterDispatchStall(t *testing.T) {
	def := &Definition{
		Field:        "voltage",
		WaveformKind: WaveformSine,
		Standard:     &StandardWaveform{Type: WaveformSine, Min: 0, Max: 10, PointsPerCycle: 10, IntervalMs: 100},
		Modifiers:    DefaultModifiers(),
		Repeat:       false,
	}

	// The 3rd SetValue call corresponds to step index 2 (0-based); stalling
	// the dispatcher there for 350ms reproduces scenario 4 exactly.
	target := &recordingSetter{starveOn: 3, starveFor: 350 * time.Millisecond}

	mgr := NewManager()
	run := mgr.Start(def, target)

	var final ProgressEvent
	for ev := range run.Events() {
		final = ev
	}

	assert.Equal(t, ProgressCompleted, final.Kind)
	assert.Equal(t, 2, final.SkippedSteps)
	assert.Len(t, target.snapshot(), 8)
}

func TestRunAbortAppliesPostValue(t *testing.T) {
	post := 0.0
	def := &Definition{
		Field:        "voltage",
		WaveformKind: WaveformSine,
		Standard:     &StandardWaveform{Type: WaveformSine, Min: 0, Max: 10, PointsPerCycle: 50, IntervalMs: 20},
		Modifiers:    DefaultModifiers(),
		Repeat:       true,
		PostValue:    &post,
	}
	target := &recordingSetter{}

	mgr := NewManager()
	run := mgr.Start(def, target)
	time.Sleep(60 * time.Millisecond)
	run.Abort()

	var gotAborted bool
	for ev := range run.Events() {
		if ev.Kind == ProgressAborted {
			gotAborted = true
		}
	}
	require.True(t, gotAborted)

	values := target.snapshot()
	require.NotEmpty(t, values)
	assert.Equal(t, 0.0, values[len(values)-1])
}

func TestManagerStartAbortsPriorRun(t *testing.T) {
	defA := &Definition{
		Field: "voltage", WaveformKind: WaveformSine,
		Standard: &StandardWaveform{Type: WaveformSine, Min: 0, Max: 5, PointsPerCycle: 100, IntervalMs: 20},
		Modifiers: DefaultModifiers(), Repeat: true,
	}
	defB := &Definition{
		Field: "voltage", WaveformKind: WaveformRamp,
		Standard: &StandardWaveform{Type: WaveformRamp, Min: 0, Max: 1, PointsPerCycle: 5, IntervalMs: 20},
		Modifiers: DefaultModifiers(), Repeat: false,
	}
	targetA := &recordingSetter{}
	targetB := &recordingSetter{}

	mgr := NewManager()
	runA := mgr.Start(defA, targetA)
	time.Sleep(30 * time.Millisecond)
	runB := mgr.Start(defB, targetB)

	require.Eventually(t, func() bool {
		return runA.Status() == RunAborted
	}, time.Second, 5*time.Millisecond)

	for range runB.Events() {
	}
	assert.Equal(t, RunCompleted, runB.Status())
}

func TestModifiersPipelineOrderAndSlewClamp(t *testing.T) {
	m := Modifiers{Scale: 2, Offset: 1, HasMaxClamp: true, MaxClamp: 5, MaxSlewRate: 10}
	// raw=3 -> scale: 6 -> offset: 7 -> clamp to 5.
	v := m.Apply(3, 0, 1000)
	assert.Equal(t, 5.0, v)

	// Slew limit: prev=0, dwell=100ms, maxSlewRate=10/s -> max delta 1.0.
	m2 := Modifiers{Scale: 1, MaxSlewRate: 10}
	v2 := m2.Apply(5, 0, 100)
	assert.InDelta(t, 1.0, v2, 1e-9)
}

func TestStandardWaveformCycleIsLoopClean(t *testing.T) {
	w := StandardWaveform{Type: WaveformSine, Min: -1, Max: 1, PointsPerCycle: 8, IntervalMs: 10}
	steps := w.GenerateCycle(0, func() float64 { return 0.5 })
	require.Len(t, steps, 8)
	assert.NotEqual(t, steps[0].Value, steps[len(steps)-1].Value)
}
