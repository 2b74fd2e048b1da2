// Package sequence implements the sequence engine (spec §4.6): waveform
// generation, the scale->offset->clamp->slew modifier pipeline, and an
// absolute-time scheduler that runs a single active sequence at a time.
package sequence

import "math"

// WaveformType discriminates the supported standard waveform shapes.
type WaveformType string

const (
	WaveformSine      WaveformType = "sine"
	WaveformTriangle  WaveformType = "triangle"
	WaveformRamp      WaveformType = "ramp"
	WaveformSquare    WaveformType = "square"
	WaveformSteps     WaveformType = "steps"
	WaveformRandom    WaveformType = "random"
	WaveformArbitrary WaveformType = "arbitrary"
)

// Step is one scheduled point: a value to command and the delay before the
// following step fires.
type Step struct {
	Value   float64
	DwellMs int
}

// StandardWaveform is the {type, min, max, pointsPerCycle, intervalMs}
// family of spec §3's data model.
type StandardWaveform struct {
	Type           WaveformType
	Min, Max       float64
	PointsPerCycle int
	IntervalMs     int
}

// RandomWalkWaveform generates a new trajectory from the current commanded
// value at the start of every cycle (spec §4.6).
type RandomWalkWaveform struct {
	StartValue     float64
	MaxStepSize    float64
	Min, Max       float64
	PointsPerCycle int
	IntervalMs     int
}

// ArbitraryWaveform is a verbatim list of steps (spec §3).
type ArbitraryWaveform struct {
	Steps []Step
}

// Generator produces one cycle's worth of steps. current is the
// most-recently-commanded value, used as the random walk's starting point.
type Generator interface {
	GenerateCycle(current float64, rng func() float64) []Step
}

// GenerateCycle implements Generator for the analytic standard shapes,
// built so the cycle is loop-clean: the last point is one step before the
// first, never equal (spec §4.6).
func (w StandardWaveform) GenerateCycle(current float64, rng func() float64) []Step {
	n := w.PointsPerCycle
	if n < 2 {
		n = 2
	}
	steps := make([]Step, n)
	mid := (w.Min + w.Max) / 2
	amp := (w.Max - w.Min) / 2

	for i := 0; i < n; i++ {
		phase := float64(i) / float64(n) // in [0, 1), never reaches 1
		var v float64
		switch w.Type {
		case WaveformSine:
			v = mid + amp*math.Sin(2*math.Pi*phase)
		case WaveformTriangle:
			v = mid + amp*triangleAt(phase)
		case WaveformRamp:
			v = w.Min + (w.Max-w.Min)*phase
		case WaveformSquare:
			if phase < 0.5 {
				v = w.Max
			} else {
				v = w.Min
			}
		case WaveformSteps:
			v = w.Min + (w.Max-w.Min)*math.Floor(phase*float64(n))/float64(n-1)
		default:
			v = mid
		}
		steps[i] = Step{Value: v, DwellMs: w.IntervalMs}
	}
	return steps
}

// triangleAt returns a value in [-1, 1] tracing a symmetric triangle wave
// over phase in [0, 1), peaking at phase=0.25 and troughing at 0.75.
func triangleAt(phase float64) float64 {
	p := math.Mod(phase+0.75, 1.0)
	if p < 0.5 {
		return 1 - 4*p
	}
	return -3 + 4*p
}

// GenerateCycle implements Generator for random walks: a fresh trajectory
// is drawn from current each call, preserving continuity across cycles
// while never repeating the same path (spec §4.6).
func (w RandomWalkWaveform) GenerateCycle(current float64, rng func() float64) []Step {
	n := w.PointsPerCycle
	if n < 2 {
		n = 2
	}
	steps := make([]Step, n)
	v := current
	if v < w.Min || v > w.Max {
		v = w.StartValue
	}
	for i := 0; i < n; i++ {
		delta := (rng()*2 - 1) * w.MaxStepSize
		v += delta
		if v < w.Min {
			v = w.Min
		}
		if v > w.Max {
			v = w.Max
		}
		steps[i] = Step{Value: v, DwellMs: w.IntervalMs}
	}
	return steps
}

// GenerateCycle implements Generator for arbitrary waveforms: the steps are
// used verbatim, every cycle.
func (w ArbitraryWaveform) GenerateCycle(current float64, rng func() float64) []Step {
	return append([]Step(nil), w.Steps...)
}
