// Package cstats contains small statistics helpers for diagnostics.
package cstats

import "errors"

// MovingAverage is the average of the last N samples,
// along with the minimum and maximum over every sample ever pushed.
//
// The zero value is not usable; call [NewMovingAverage].
type MovingAverage struct {
	window []float64
	next   int
	filled bool
	sum    float64

	n      uint64
	allMin float64
	allMax float64
}

// NewMovingAverage returns a MovingAverage over the last size samples.
// It panics if size is not positive.
func NewMovingAverage(size int) *MovingAverage {
	if size <= 0 {
		panic(errors.New("BUG: moving average size must be positive"))
	}
	return &MovingAverage{window: make([]float64, size)}
}

// Push adds a sample and returns the updated average.
func (m *MovingAverage) Push(v float64) float64 {
	m.sum -= m.window[m.next]
	m.window[m.next] = v
	m.sum += v

	m.next++
	if m.next == len(m.window) {
		m.next = 0
		m.filled = true
	}

	if m.n == 0 || v < m.allMin {
		m.allMin = v
	}
	if m.n == 0 || v > m.allMax {
		m.allMax = v
	}
	m.n++

	return m.Average()
}

// Average returns the average of the samples currently in the window,
// or zero if nothing has been pushed.
func (m *MovingAverage) Average() float64 {
	n := m.next
	if m.filled {
		n = len(m.window)
	}
	if n == 0 {
		return 0
	}
	return m.sum / float64(n)
}

// AllTimeMin returns the smallest sample ever pushed.
func (m *MovingAverage) AllTimeMin() float64 { return m.allMin }

// AllTimeMax returns the largest sample ever pushed.
func (m *MovingAverage) AllTimeMax() float64 { return m.allMax }

// Count returns how many samples have been pushed.
func (m *MovingAverage) Count() uint64 { return m.n }
