package session

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"
)

// maxFFTWindow bounds the FFT input length for FREQ/PER computation; longer
// waveforms are truncated to this many leading samples (spec §9).
const maxFFTWindow = 4096

// computeMeasurement derives one measurement from a waveform's physical-unit
// samples and its horizontal sample spacing, per spec §4.5's local
// measurement definitions. ok is false for a measurement type this function
// doesn't know, or for degenerate input (e.g. RISE/FALL with no edge found).
func computeMeasurement(measurementType string, samples []float64, xIncrement float64) (value float64, ok bool) {
	if len(samples) == 0 {
		return 0, false
	}
	switch measurementType {
	case "VMAX":
		return maxOf(samples), true
	case "VMIN":
		return minOf(samples), true
	case "VPP":
		return maxOf(samples) - minOf(samples), true
	case "VAVG":
		return stat.Mean(samples, nil), true
	case "VRMS":
		return rms(samples), true
	case "FREQ":
		f, found := dominantFrequency(samples, xIncrement)
		if !found || f == 0 {
			return 0, false
		}
		return f, true
	case "PER":
		f, found := dominantFrequency(samples, xIncrement)
		if !found || f == 0 {
			return 0, false
		}
		return 1 / f, true
	case "VTOP":
		return percentile(samples, 90), true
	case "VBAS":
		return percentile(samples, 10), true
	case "PDUT":
		return dutyAbove(samples), true
	case "NDUT":
		return 100 - dutyAbove(samples), true
	case "RISE":
		return edgeTime(samples, xIncrement, true)
	case "FALL":
		return edgeTime(samples, xIncrement, false)
	case "OVER":
		return overshoot(samples), true
	case "PRES":
		return preshoot(samples), true
	default:
		return 0, false
	}
}

func maxOf(samples []float64) float64 {
	m := samples[0]
	for _, v := range samples[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(samples []float64) float64 {
	m := samples[0]
	for _, v := range samples[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func rms(samples []float64) float64 {
	var sumSq float64
	for _, v := range samples {
		sumSq += v * v
	}
	return math.Sqrt(sumSq / float64(len(samples)))
}

func percentile(samples []float64, pct float64) float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Quantile(pct/100, stat.Empirical, sorted, nil)
}

// dominantFrequency removes the DC mean and finds the bin with the highest
// magnitude in the real-input FFT, per spec §4.5.
func dominantFrequency(samples []float64, xIncrement float64) (float64, bool) {
	if xIncrement <= 0 {
		return 0, false
	}
	n := len(samples)
	if n > maxFFTWindow {
		n = maxFFTWindow
	}
	windowed := append([]float64(nil), samples[:n]...)
	mean := stat.Mean(windowed, nil)
	for i := range windowed {
		windowed[i] -= mean
	}

	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, windowed)

	sampleRate := 1 / xIncrement
	bestBin := -1
	bestMag := 0.0
	// Bin 0 is DC (already removed); scan 1..N/2 per spec.
	for bin := 1; bin <= n/2; bin++ {
		mag := math.Hypot(real(coeffs[bin]), imag(coeffs[bin]))
		if mag > bestMag {
			bestMag = mag
			bestBin = bin
		}
	}
	if bestBin <= 0 {
		return 0, false
	}
	return float64(bestBin) * sampleRate / float64(n), true
}

func dutyAbove(samples []float64) float64 {
	mid := (maxOf(samples) + minOf(samples)) / 2
	above := 0
	for _, v := range samples {
		if v > mid {
			above++
		}
	}
	return 100 * float64(above) / float64(len(samples))
}

// edgeTime locates the first rising (or falling) edge crossing 10% and 90%
// of amplitude and returns the elapsed time between the crossings. The edge
// is aborted if the signal reverses direction before reaching the second
// threshold (spec §4.5).
func edgeTime(samples []float64, xIncrement float64, rising bool) (float64, bool) {
	lo := percentile(samples, 10)
	hi := percentile(samples, 90)
	if hi <= lo {
		return 0, false
	}
	thresholdLow, thresholdHigh := lo+0.1*(hi-lo), lo+0.9*(hi-lo)
	if !rising {
		thresholdLow, thresholdHigh = thresholdHigh, thresholdLow
	}

	crossedFirst := -1
	for i, v := range samples {
		hitFirst := (rising && v >= thresholdLow) || (!rising && v <= thresholdLow)
		if hitFirst {
			crossedFirst = i
			break
		}
	}
	if crossedFirst < 0 {
		return 0, false
	}
	for i := crossedFirst; i < len(samples); i++ {
		v := samples[i]
		reversed := (rising && v < thresholdLow) || (!rising && v > thresholdLow)
		if reversed {
			return 0, false
		}
		hitSecond := (rising && v >= thresholdHigh) || (!rising && v <= thresholdHigh)
		if hitSecond {
			return float64(i-crossedFirst) * xIncrement, true
		}
	}
	return 0, false
}

func overshoot(samples []float64) float64 {
	top, bas := percentile(samples, 90), percentile(samples, 10)
	amp := top - bas
	if amp <= 0 {
		return 0
	}
	return 100 * (maxOf(samples) - top) / amp
}

func preshoot(samples []float64) float64 {
	top, bas := percentile(samples, 90), percentile(samples, 10)
	amp := top - bas
	if amp <= 0 {
		return 0
	}
	return 100 * (bas - minOf(samples)) / amp
}
