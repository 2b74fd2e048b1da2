package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistoryCapsAtCapacity(t *testing.T) {
	h := NewHistory(10, []string{"voltage"})
	base := time.Now()
	for i := 0; i < 25; i++ {
		h.Append(base.Add(time.Duration(i)*time.Second), map[string]float64{"voltage": float64(i)})
	}
	assert.Equal(t, 10, h.Len())
	ts, series := h.Snapshot()
	assert.Len(t, ts, 10)
	assert.Len(t, series["voltage"], 10)
	// Oldest retained sample should be i=15 (25 appended, cap 10).
	assert.Equal(t, 15.0, series["voltage"][0])
	assert.Equal(t, 24.0, series["voltage"][9])
}

func TestHistoryParallelArraysEqualLength(t *testing.T) {
	h := NewHistory(5, []string{"voltage", "current"})
	for i := 0; i < 3; i++ {
		h.Append(time.Now(), map[string]float64{"voltage": 1, "current": 2})
	}
	ts, series := h.Snapshot()
	for _, arr := range series {
		assert.Equal(t, len(ts), len(arr))
	}
}
