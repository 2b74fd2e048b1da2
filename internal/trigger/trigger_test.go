package trigger

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDispatcher struct {
	mu      sync.Mutex
	outputs []bool
}

func (r *recordingDispatcher) SetValue(deviceID, name string, value float64) error { return nil }

func (r *recordingDispatcher) SetOutput(deviceID string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, enabled)
	return nil
}

func (r *recordingDispatcher) SetMode(deviceID, mode string) error           { return nil }
func (r *recordingDispatcher) StartSequence(definitionID string) error      { return nil }
func (r *recordingDispatcher) StopSequence() error                          { return nil }
func (r *recordingDispatcher) PauseSequence() error                         { return nil }

func (r *recordingDispatcher) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.outputs...)
}

func TestScriptTimeTriggerFiresOnceAtDeadline(t *testing.T) {
	defs := []Definition{
		{ID: "t1", Condition: Condition{Kind: ConditionTime, Seconds: 0.05}, Action: Action{Kind: ActionSetOutput, Enabled: true}, Repeat: RepeatOnce},
	}
	dispatch := &recordingDispatcher{}
	script := NewScript(defs, dispatch, nil)
	script.Start()

	select {
	case ev := <-script.Fired():
		assert.Equal(t, "t1", ev.TriggerID)
	case <-time.After(time.Second):
		t.Fatal("time trigger never fired")
	}
	assert.Equal(t, []bool{true}, dispatch.snapshot())
}

func TestScriptValueTriggerEdgeTriggeredWithDebounce(t *testing.T) {
	defs := []Definition{
		{
			ID: "t2",
			Condition: Condition{
				Kind: ConditionValue, DeviceID: "dev1", Parameter: "current",
				Comparator: ComparatorGT, Threshold: 2.0,
			},
			Action:     Action{Kind: ActionSetOutput, Enabled: false},
			DebounceMs: 50,
			Repeat:     RepeatRepeat,
		},
	}
	dispatch := &recordingDispatcher{}
	script := NewScript(defs, dispatch, nil)
	script.Start()

	// Oscillating above threshold within the debounce window must fire
	// only once (spec scenario 5).
	script.OnMeasurement("dev1", "current", 2.5)
	script.OnMeasurement("dev1", "current", 1.0)
	script.OnMeasurement("dev1", "current", 2.1)

	require.Eventually(t, func() bool {
		return len(dispatch.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	// A drop below threshold followed by a new rising crossing after the
	// debounce window fires again.
	time.Sleep(60 * time.Millisecond)
	script.OnMeasurement("dev1", "current", 1.0)
	script.OnMeasurement("dev1", "current", 3.0)

	require.Eventually(t, func() bool {
		return len(dispatch.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestScriptRepeatOnceFiresAtMostOnce(t *testing.T) {
	defs := []Definition{
		{
			ID:        "t3",
			Condition: Condition{Kind: ConditionValue, DeviceID: "dev1", Parameter: "v", Comparator: ComparatorGT, Threshold: 1.0},
			Action:    Action{Kind: ActionSetOutput, Enabled: true},
			Repeat:    RepeatOnce,
		},
	}
	dispatch := &recordingDispatcher{}
	script := NewScript(defs, dispatch, nil)
	script.Start()

	for i := 0; i < 5; i++ {
		script.OnMeasurement("dev1", "v", 0.0)
		script.OnMeasurement("dev1", "v", 2.0)
	}
	assert.LessOrEqual(t, len(dispatch.snapshot()), 1)
}
