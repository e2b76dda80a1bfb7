package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateLatencyStats(t *testing.T) {
	assert.Equal(t, LatencyStats{}, calculateLatencyStats(nil))

	var ns []int64
	for i := 100; i >= 1; i-- {
		ns = append(ns, int64(time.Duration(i)*time.Millisecond))
	}
	l := calculateLatencyStats(ns)

	assert.Equal(t, 100, l.Count)
	assert.InDelta(t, 1.0, l.Min, 1e-9)
	assert.InDelta(t, 100.0, l.Max, 1e-9)
	assert.InDelta(t, 50.5, l.Avg, 1e-9)
	assert.InDelta(t, 51.0, l.P50, 1e-9)
	assert.InDelta(t, 100.0, l.P99, 1e-9)

	// 原切片不被排序
	assert.Equal(t, int64(100*time.Millisecond), ns[0])
}

func TestGenerateResult(t *testing.T) {
	s := newStats()
	s.TotalAttempts = 4
	s.SuccessConns = 3
	s.EndTime = s.StartTime.Add(2 * time.Second)

	r := generateResult(Config{Mode: "steady"}, s)
	assert.InDelta(t, 75.0, r.SuccessRate, 1e-9)
	assert.InDelta(t, 2.0, r.ActualTime, 1e-9)
}
